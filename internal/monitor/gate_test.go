package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var (
	basePose   = [6]float64{0.1, 0.2, 0.3, 0, 0, 1.57}
	baseJoints = [6]float64{0, -1.57, 1.57, 0, 0, 0}
)

func TestGate_DynamicModeSuppressesIdenticalSamples(t *testing.T) {
	// dynamic mode, 10 Hz: two identical samples 200ms apart produce
	// exactly one emission — the second fails the change check even though
	// it clears the rate window.
	g := NewGate(10, true)
	t0 := time.Now()

	assert.True(t, g.ShouldEmitPosition(basePose, baseJoints, t0))
	assert.False(t, g.ShouldEmitPosition(basePose, baseJoints, t0.Add(200*time.Millisecond)))

	// A third sample moved by less than the threshold still suppresses.
	small := basePose
	small[0] += 0.0005
	assert.False(t, g.ShouldEmitPosition(small, baseJoints, t0.Add(400*time.Millisecond)))
}

func TestGate_EmitsOnThresholdCrossing(t *testing.T) {
	g := NewGate(10, true)
	t0 := time.Now()

	assert.True(t, g.ShouldEmitPosition(basePose, baseJoints, t0))

	moved := basePose
	moved[0] += 0.002
	assert.True(t, g.ShouldEmitPosition(moved, baseJoints, t0.Add(200*time.Millisecond)))
}

func TestGate_JointChangeAloneTriggersEmission(t *testing.T) {
	g := NewGate(10, true)
	t0 := time.Now()

	assert.True(t, g.ShouldEmitPosition(basePose, baseJoints, t0))

	movedJoints := baseJoints
	movedJoints[3] -= 0.01
	assert.True(t, g.ShouldEmitPosition(basePose, movedJoints, t0.Add(200*time.Millisecond)))
}

func TestGate_RateLimitAppliesBeforeChangeCheck(t *testing.T) {
	// 10 Hz allows one emission per 100ms; a large move 50ms after the
	// previous emission is still suppressed.
	g := NewGate(10, true)
	t0 := time.Now()

	assert.True(t, g.ShouldEmitPosition(basePose, baseJoints, t0))

	moved := basePose
	moved[0] += 1.0
	assert.False(t, g.ShouldEmitPosition(moved, baseJoints, t0.Add(50*time.Millisecond)))
}

func TestGate_NonDynamicSkipsChangeCheck(t *testing.T) {
	g := NewGate(10, false)
	t0 := time.Now()

	assert.True(t, g.ShouldEmitPosition(basePose, baseJoints, t0))
	// Identical sample, but past the rate window: emitted.
	assert.True(t, g.ShouldEmitPosition(basePose, baseJoints, t0.Add(200*time.Millisecond)))
}

func TestGate_StateEmitsOnlyOnChangeInDynamicMode(t *testing.T) {
	g := NewGate(10, true)

	assert.True(t, g.ShouldEmitState(7, 1, 2))
	assert.False(t, g.ShouldEmitState(7, 1, 2))
	assert.True(t, g.ShouldEmitState(7, 3, 2))
	assert.False(t, g.ShouldEmitState(7, 3, 2))
}

func TestGate_StateNeverRateLimited(t *testing.T) {
	// State changes fire back to back regardless of the pose rate window.
	g := NewGate(1, true)

	assert.True(t, g.ShouldEmitState(7, 1, 2))
	assert.True(t, g.ShouldEmitState(7, 1, 1))
	assert.True(t, g.ShouldEmitState(7, 1, 2))
}

func TestGate_NonDynamicStateEmitsEverySample(t *testing.T) {
	g := NewGate(10, false)

	assert.True(t, g.ShouldEmitState(7, 1, 2))
	assert.True(t, g.ShouldEmitState(7, 1, 2))
}

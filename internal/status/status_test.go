package status

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestModeNames(t *testing.T) {
	assert.Equal(t, "RUNNING", RobotModeName(7))
	assert.Equal(t, "NO_CONTROLLER", RobotModeName(-1))
	assert.Equal(t, "UNKNOWN(99)", RobotModeName(99))

	assert.Equal(t, "NORMAL", SafetyModeName(1))
	assert.Equal(t, "STOPPED_DUE_TO_SAFETY", SafetyModeName(11))
	assert.Equal(t, "UNKNOWN(0)", SafetyModeName(0))

	assert.Equal(t, "STOPPING", RuntimeStateName(0))
	assert.Equal(t, "RESUMING", RuntimeStateName(5))
	assert.Equal(t, "UNKNOWN(-3)", RuntimeStateName(-3))
}

func TestUnknownSnapshot(t *testing.T) {
	s := Unknown()
	assert.Equal(t, int32(-1), s.RobotMode)
	assert.Equal(t, "Unknown", s.RobotModeName)
	assert.Equal(t, [6]float64{}, s.TCPPose)
	assert.Equal(t, 0.0, s.LastUpdated)
}

func TestCache_SetGetReset(t *testing.T) {
	c := NewCache()
	assert.Equal(t, Unknown(), c.Get())

	snapshot := FromSample(7, 1, 2, [6]float64{1, 2, 3, 4, 5, 6}, [6]float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6}, 1234.5)
	c.Set(snapshot)

	got := c.Get()
	assert.Equal(t, "RUNNING", got.RobotModeName)
	assert.Equal(t, "NORMAL", got.SafetyModeName)
	assert.Equal(t, "PLAYING", got.RuntimeStateName)
	assert.Equal(t, snapshot, got)

	c.Reset()
	assert.Equal(t, Unknown(), c.Get())
}

func TestCache_SnapshotIsConsistentUnderConcurrency(t *testing.T) {
	// One writer alternates between two complete snapshots; readers must
	// only ever observe one of the two, never a mix.
	c := NewCache()
	a := FromSample(7, 1, 2, [6]float64{1, 1, 1, 1, 1, 1}, [6]float64{1, 1, 1, 1, 1, 1}, 1)
	b := FromSample(3, 6, 1, [6]float64{2, 2, 2, 2, 2, 2}, [6]float64{2, 2, 2, 2, 2, 2}, 2)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			if i%2 == 0 {
				c.Set(a)
			} else {
				c.Set(b)
			}
		}
	}()

	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				got := c.Get()
				if got != a && got != b && got != Unknown() {
					t.Errorf("torn read: %+v", got)
					return
				}
			}
		}()
	}

	<-done
	wg.Wait()
}

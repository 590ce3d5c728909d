package telemetry

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRound(t *testing.T) {
	assert.Equal(t, 0.1235, Round(0.123456, 4))
	assert.Equal(t, 0.12, Round(0.123456, 2))
	assert.Equal(t, -1.571, Round(-1.5708, 3))
	assert.Equal(t, 3.0, Round(3.0, 4))
}

func TestNewPositionData_RoundsAndStamps(t *testing.T) {
	rtime := 42.123456789
	d := NewPositionData(
		[6]float64{0.123456, 0, 0, 0, 0, 0},
		[6]float64{0, -1.570796, 0, 0, 0, 0},
		&rtime, 1000.5, 4,
	)

	assert.Equal(t, "position", d.Type)
	assert.Equal(t, 0.1235, d.TCPPose[0])
	assert.Equal(t, -1.5708, d.JointPositions[1])
	assert.Equal(t, 1000.5, d.STime)
	require.NotNil(t, d.RTime)
	assert.Equal(t, rtime, *d.RTime)
}

func TestPositionData_OmitsAbsentRobotTimestamp(t *testing.T) {
	d := NewPositionData([6]float64{}, [6]float64{}, nil, 1.0, 4)

	data, err := json.Marshal(d)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "rtime")
	assert.Contains(t, string(data), `"stime":1`)
}

type countingPublisher struct {
	poses, states, blocks int
}

func (c *countingPublisher) PublishPose(PositionData)     { c.poses++ }
func (c *countingPublisher) PublishState(RobotStateData)  { c.states++ }
func (c *countingPublisher) PublishBlockEvent(BlockEvent) { c.blocks++ }

func TestFanout_DeliversToAllSinks(t *testing.T) {
	a, b := &countingPublisher{}, &countingPublisher{}
	f := Fanout{a, b}

	f.PublishPose(PositionData{})
	f.PublishState(RobotStateData{})
	f.PublishState(RobotStateData{})
	f.PublishBlockEvent(BlockEvent{})

	for _, p := range []*countingPublisher{a, b} {
		assert.Equal(t, 1, p.poses)
		assert.Equal(t, 2, p.states)
		assert.Equal(t, 1, p.blocks)
	}
}

func TestNopIsSafe(t *testing.T) {
	var n Nop
	n.PublishPose(PositionData{})
	n.PublishState(RobotStateData{})
	n.PublishBlockEvent(BlockEvent{})
}

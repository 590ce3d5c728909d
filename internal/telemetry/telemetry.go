// Package telemetry defines the publisher contract the monitor and executor
// emit into, plus the event payload types. The core never depends on a
// concrete transport: the default publisher discards everything, the stdout
// publisher prints JSON lines for the stdin edge, and the WebSocket hub
// adapter lives in the websocket package.
//
// Publishing is infallible from the caller's perspective — implementations
// log their own delivery failures. Telemetry is best-effort by design.
package telemetry

import (
	"math"
	"time"
)

// PositionData is one pose emission: TCP pose plus joint angles, stamped
// with the robot's own clock (rtime, seconds since controller power-on, when
// available) and the daemon's wall clock (stime, Unix seconds).
type PositionData struct {
	RTime          *float64   `json:"rtime,omitempty"`
	STime          float64    `json:"stime"`
	Type           string     `json:"type"`
	TCPPose        [6]float64 `json:"tcp_pose"`
	JointPositions [6]float64 `json:"joint_positions"`
}

// RobotStateData is one state emission: the three RTDE mode enums with
// their controller names.
type RobotStateData struct {
	RTime            *float64 `json:"rtime,omitempty"`
	STime            float64  `json:"stime"`
	Type             string   `json:"type"`
	RobotMode        int32    `json:"robot_mode"`
	RobotModeName    string   `json:"robot_mode_name"`
	SafetyMode       int32    `json:"safety_mode"`
	SafetyModeName   string   `json:"safety_mode_name"`
	RuntimeState     int32    `json:"runtime_state"`
	RuntimeStateName string   `json:"runtime_state_name"`
}

// Block event statuses, in lifecycle order. Rejected replaces the rest of
// the lifecycle when the interpreter discards the statement.
const (
	BlockQueued    = "queued"
	BlockStarted   = "started"
	BlockCompleted = "completed"
	BlockRejected  = "rejected"
)

// BlockEvent is one state transition of a submitted URScript block.
type BlockEvent struct {
	BlockID uint32 `json:"block_id"`
	Status  string `json:"status"`
	Command string `json:"command"`
	// ExecutionTimeMS is set only on completed events.
	ExecutionTimeMS *uint64 `json:"execution_time_ms,omitempty"`
	Timestamp       float64 `json:"timestamp"`
}

// Publisher is the sink contract the core calls into.
type Publisher interface {
	PublishPose(data PositionData)
	PublishState(data RobotStateData)
	PublishBlockEvent(ev BlockEvent)
}

// Nop discards all telemetry. The default when no transport is attached.
type Nop struct{}

func (Nop) PublishPose(PositionData) {}
func (Nop) PublishState(RobotStateData) {}
func (Nop) PublishBlockEvent(BlockEvent) {}

// Fanout delivers every event to each wrapped publisher in order.
type Fanout []Publisher

func (f Fanout) PublishPose(data PositionData) {
	for _, p := range f {
		p.PublishPose(data)
	}
}

func (f Fanout) PublishState(data RobotStateData) {
	for _, p := range f {
		p.PublishState(data)
	}
}

func (f Fanout) PublishBlockEvent(ev BlockEvent) {
	for _, p := range f {
		p.PublishBlockEvent(ev)
	}
}

// Round rounds v to the given number of decimal places.
func Round(v float64, places uint32) float64 {
	mult := math.Pow10(int(places))
	return math.Round(v*mult) / mult
}

// RoundVec6 rounds each component of a length-6 vector.
func RoundVec6(v [6]float64, places uint32) [6]float64 {
	var out [6]float64
	for i, x := range v {
		out[i] = Round(x, places)
	}
	return out
}

// Now returns the current wall clock as Unix seconds with sub-second
// precision, the timestamp format used on every emitted event.
func Now() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// NewPositionData builds a rounded pose emission.
func NewPositionData(tcpPose, joints [6]float64, rtime *float64, stime float64, places uint32) PositionData {
	return PositionData{
		RTime:          rtime,
		STime:          stime,
		Type:           "position",
		TCPPose:        RoundVec6(tcpPose, places),
		JointPositions: RoundVec6(joints, places),
	}
}

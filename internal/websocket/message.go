// Package websocket pushes robot telemetry to connected clients over
// gorilla/websocket. The broker fans events out across three fixed topics,
// fed by the RTDE monitor and the block executor through the
// telemetry.Publisher adapter; each topic carries a delivery class (lossy
// pose frames vs. must-deliver state and block events).
//
// Topic naming convention:
//
//	pose    — TCP pose and joint position emissions
//	state   — robot/safety/runtime mode transitions
//	blocks  — URScript block lifecycle events
package websocket

// MessageType identifies the kind of event carried by a Message.
type MessageType string

const (
	// MsgPose is sent for each pose emission that passes the output gate.
	MsgPose MessageType = "position"

	// MsgState is sent when the robot/safety/runtime modes are emitted.
	MsgState MessageType = "robot_state"

	// MsgBlock is sent for each URScript block lifecycle transition
	// (queued → started → completed, or rejected).
	MsgBlock MessageType = "block"

	// MsgPing names a keepalive message. Sessions keep the connection alive
	// with WebSocket ping control frames and never send a Message of this
	// type.
	MsgPing MessageType = "ping"
)

// Topics that clients may subscribe to.
const (
	TopicPose   = "pose"
	TopicState  = "state"
	TopicBlocks = "blocks"
)

// AllTopics is the default subscription when a client names none.
var AllTopics = []string{TopicPose, TopicState, TopicBlocks}

// Message is the envelope for every WebSocket frame sent to clients.
//
// JSON example:
//
//	{"type":"position","topic":"pose","payload":{"tcp_pose":[...]}}
type Message struct {
	// Type identifies the kind of event so the client can route it.
	Type MessageType `json:"type"`

	// Topic is the pub/sub channel this message was published on.
	Topic string `json:"topic"`

	// Payload carries the event-specific data: a telemetry.PositionData,
	// RobotStateData, or BlockEvent serialized as-is.
	Payload any `json:"payload"`
}

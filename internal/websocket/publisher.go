package websocket

import (
	"github.com/martyn-saronic/urd/internal/telemetry"
)

// Telemetry adapts the broker to the telemetry.Publisher contract so the
// monitor and executor can feed connected WebSocket sessions without
// knowing about the transport. The mapping also fixes each event's
// delivery class: poses ride the lossy path, state and block events the
// critical one.
type Telemetry struct {
	broker *Broker
}

// NewTelemetry wraps a broker as a telemetry publisher.
func NewTelemetry(broker *Broker) *Telemetry {
	return &Telemetry{broker: broker}
}

func (t *Telemetry) PublishPose(data telemetry.PositionData) {
	t.broker.PublishPose(Message{Type: MsgPose, Topic: TopicPose, Payload: data})
}

func (t *Telemetry) PublishState(data telemetry.RobotStateData) {
	t.broker.PublishState(Message{Type: MsgState, Topic: TopicState, Payload: data})
}

func (t *Telemetry) PublishBlockEvent(ev telemetry.BlockEvent) {
	t.broker.PublishBlock(Message{Type: MsgBlock, Topic: TopicBlocks, Payload: ev})
}

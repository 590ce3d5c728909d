package telemetry

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// Stdout prints every event as one JSON line on standard output. It backs
// the stdin/stdout edge of the daemon, where a supervising process consumes
// the event stream directly.
type Stdout struct {
	logger *zap.Logger
}

// NewStdout creates a stdout publisher. Marshal failures are logged and the
// event dropped — the stream must stay line-oriented.
func NewStdout(logger *zap.Logger) *Stdout {
	return &Stdout{logger: logger.Named("telemetry")}
}

func (s *Stdout) emit(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("failed to marshal telemetry event", zap.Error(err))
		return
	}
	fmt.Println(string(data))
}

func (s *Stdout) PublishPose(data PositionData) { s.emit(data) }

func (s *Stdout) PublishState(data RobotStateData) { s.emit(data) }

func (s *Stdout) PublishBlockEvent(ev BlockEvent) {
	s.emit(struct {
		Type string `json:"type"`
		BlockEvent
	}{Type: "block", BlockEvent: ev})
}

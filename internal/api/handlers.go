package api

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/martyn-saronic/urd/internal/dispatcher"
	"github.com/martyn-saronic/urd/internal/executor"
	"github.com/martyn-saronic/urd/internal/metrics"
)

// CommandHandler submits commands through the dispatcher and answers the
// direct-query endpoints from the executor's snapshot surface.
type CommandHandler struct {
	dispatcher *dispatcher.Dispatcher
	robot      executor.Robot
	exec       *executor.Executor
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewCommandHandler creates a CommandHandler. metrics may be nil.
func NewCommandHandler(d *dispatcher.Dispatcher, robot executor.Robot, exec *executor.Executor, m *metrics.Metrics, logger *zap.Logger) *CommandHandler {
	return &CommandHandler{
		dispatcher: d,
		robot:      robot,
		exec:       exec,
		metrics:    m,
		logger:     logger.Named("api"),
	}
}

// commandRequest is the body of POST /api/v1/commands.
type commandRequest struct {
	// Command is URScript text or an @-verb.
	Command string `json:"command"`
	// TimeoutSecs bounds this client's wait for the result, not the
	// robot-side execution. 0 means wait indefinitely.
	TimeoutSecs uint64 `json:"timeout_secs,omitempty"`
}

func (h *CommandHandler) observe(class dispatcher.Class, out dispatcher.Outcome) {
	if h.metrics == nil {
		return
	}
	failed := out.Err != nil ||
		(out.Script != nil && out.Script.Status == executor.StatusFailed) ||
		(out.Command != nil && out.Command.Status == executor.StatusFailed)
	h.metrics.ObserveCommand(class.String(), failed)
}

// Execute handles POST /api/v1/commands: queued execution with an optional
// client-side wait bound.
func (h *CommandHandler) Execute(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ErrBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	if req.Command == "" {
		ErrBadRequest(w, "command is required")
		return
	}

	class := dispatcher.Classify(req.Command)
	done, id := h.dispatcher.Submit(r.Context(), req.Command)

	var wait <-chan time.Time
	if req.TimeoutSecs > 0 {
		timer := time.NewTimer(time.Duration(req.TimeoutSecs) * time.Second)
		defer timer.Stop()
		wait = timer.C
	}

	select {
	case outcome := <-done:
		h.observe(class, outcome)
		writeOutcome(w, id.String(), outcome)
	case <-wait:
		// The submission keeps executing; only this client stops waiting.
		ErrTimeout(w, "command still executing after timeout; submission "+id.String()+" continues")
	case <-r.Context().Done():
		h.logger.Info("client disconnected while waiting for command", zap.String("submission_id", id.String()))
	}
}

// Halt handles POST /api/v1/halt: the emergency lane, bypassing the queue.
func (h *CommandHandler) Halt(w http.ResponseWriter, r *http.Request) {
	outcome := h.dispatcher.SubmitImmediate(r.Context(), "@halt")
	h.observe(dispatcher.ClassEmergency, outcome)
	writeOutcome(w, "", outcome)
}

// Status handles GET /api/v1/status: a direct query, no queueing.
func (h *CommandHandler) Status(w http.ResponseWriter, r *http.Request) {
	rs := h.robot.RobotStatus()
	health := h.robot.Health()
	stats := h.exec.Stats()

	Ok(w, map[string]any{
		"robot_state":        h.robot.StateName(),
		"host":               h.robot.Host(),
		"connected":          health.Interpreter && health.Primary,
		"robot_status":       rs,
		"urscript_count":     stats.URScriptCount,
		"inside_brace_block": stats.InsideBraceBlock,
	})
}

// Health handles GET /api/v1/health.
func (h *CommandHandler) Health(w http.ResponseWriter, r *http.Request) {
	health := h.robot.Health()
	rs := h.robot.RobotStatus()

	Ok(w, map[string]any{
		"connections":     health,
		"overall_healthy": health.Interpreter && health.Primary && rs.RobotMode >= 0,
	})
}

// Pose handles GET /api/v1/pose. The payload is the @pose verb's data,
// served directly from the status cache without queueing.
func (h *CommandHandler) Pose(w http.ResponseWriter, r *http.Request) {
	res, err := h.exec.ExecuteVerb(r.Context(), "@pose")
	if err != nil {
		ErrInternal(w, err.Error())
		return
	}
	Ok(w, res.Data)
}

// Queue handles GET /api/v1/queue: dispatcher introspection.
func (h *CommandHandler) Queue(w http.ResponseWriter, r *http.Request) {
	Ok(w, h.dispatcher.QueueState())
}

// writeOutcome flattens a dispatcher outcome onto the wire.
func writeOutcome(w http.ResponseWriter, submissionID string, outcome dispatcher.Outcome) {
	if outcome.Err != nil {
		ErrInternal(w, outcome.Err.Error())
		return
	}

	body := map[string]any{}
	if submissionID != "" {
		body["submission_id"] = submissionID
	}
	switch {
	case outcome.Script != nil:
		body["kind"] = "urscript"
		body["result"] = outcome.Script
	case outcome.Command != nil:
		body["kind"] = "command"
		body["result"] = outcome.Command
	}
	Ok(w, body)
}

// Package executor mediates blocking URScript execution semantics. It sits
// between the dispatcher (which serializes submissions) and the robot
// clients (which do the wire work): it splits multi-line submissions into
// statements, tracks per-statement acknowledgement and execution, appends
// the sentinel statement whose execution marks "everything before me has
// run", keeps the interpreter buffer from overflowing, and handles the
// high-level control verbs.
//
// Interfaces:
//   - Interpreter: the statement-level operations the executor needs from
//     the interpreter client, satisfied by interpreter.Client and by test
//     fakes.
//   - Robot: the controller surface (interpreter access, emergency halt,
//     reconnect, status snapshots), satisfied by controller.Controller.
package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/martyn-saronic/urd/internal/hoststats"
	"github.com/martyn-saronic/urd/internal/interpreter"
	"github.com/martyn-saronic/urd/internal/pose"
	"github.com/martyn-saronic/urd/internal/status"
	"github.com/martyn-saronic/urd/internal/telemetry"
	"github.com/martyn-saronic/urd/internal/urerr"
)

const (
	// sentinelStatement is appended after every submission's blocks.
	// It executes in zero time; when the cursor reaches its ID, every
	// preceding block has executed.
	sentinelStatement = "time(0)"

	// cursorPollInterval paces the last-executed cursor polls during a
	// completion wait. Kept short so an abort flag raised by another task
	// is observed promptly.
	cursorPollInterval = 100 * time.Millisecond

	// blockPollInterval paces the per-block progress monitor.
	blockPollInterval = 50 * time.Millisecond
)

// Interpreter is the statement surface the executor drives.
type Interpreter interface {
	Execute(line string) (interpreter.Result, error)
	Clear() (uint32, error)
	LastInterpretedID() (uint32, error)
	LastExecutedID() (uint32, error)
}

// Health reports which robot-facing connections are currently up.
type Health struct {
	Interpreter bool `json:"interpreter"`
	Primary     bool `json:"primary"`
	Dashboard   bool `json:"dashboard"`
	Monitor     bool `json:"monitor"`
}

// Robot is the controller surface the executor depends on.
type Robot interface {
	// Interpreter returns the connected interpreter client, or an error
	// when no interpreter session is up.
	Interpreter() (Interpreter, error)
	// AbortSignal returns the shared emergency-abort flag.
	AbortSignal() *atomic.Bool
	// EmergencyHalt writes halt to the primary socket, raises the abort
	// flag, and marks the controller state as errored.
	EmergencyHalt() error
	// Reconnect tears down all connections and re-runs initialization.
	Reconnect(ctx context.Context) error
	// RobotStatus returns the latest RTDE snapshot.
	RobotStatus() status.RobotStatus
	// Health reports connection liveness.
	Health() Health
	// StateName names the controller lifecycle state (for status output).
	StateName() string
	// Host is the robot address (for status output).
	Host() string
}

// Status is the terminal state of a submission.
type Status int

const (
	// StatusCompleted means every block (and the sentinel) executed.
	StatusCompleted Status = iota
	// StatusFailed carries a reason: rejection, interruption, or error.
	StatusFailed
)

func (s Status) String() string {
	if s == StatusCompleted {
		return "completed"
	}
	return "failed"
}

// MarshalJSON encodes the status as its lowercase name.
func (s Status) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// BlockOutcome records one block's lifecycle within a submission.
type BlockOutcome struct {
	ID              uint32  `json:"id"`
	Text            string  `json:"text"`
	Started         bool    `json:"started"`
	Completed       bool    `json:"completed"`
	ExecutionTimeMS *uint64 `json:"execution_time_ms,omitempty"`
}

// ScriptResult is the outcome of one URScript submission.
type ScriptResult struct {
	// FirstID is the statement ID of the first block (0 when rejected).
	FirstID uint32 `json:"first_id"`
	// Script is the submission text as received.
	Script string `json:"script"`
	// Blocks are the per-statement outcomes in submission order.
	Blocks []BlockOutcome `json:"blocks"`
	// TerminationID is the sentinel's statement ID, nil if the sentinel
	// was rejected or never sent.
	TerminationID *uint32 `json:"termination_id,omitempty"`
	Status        Status  `json:"status"`
	// Reason is set when Status is StatusFailed.
	Reason string `json:"reason,omitempty"`
}

// CommandResult is the outcome of one control verb.
type CommandResult struct {
	Command string         `json:"command"`
	Status  Status         `json:"status"`
	Reason  string         `json:"reason,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Stats is a snapshot of the executor's housekeeping counters.
type Stats struct {
	URScriptCount    uint32 `json:"urscript_count"`
	InsideBraceBlock bool   `json:"inside_brace_block"`
}

// Executor executes submissions synchronously with respect to the caller.
// The dispatcher serializes the normal path; the emergency verb may run
// concurrently with an in-flight submission, so the housekeeping state is
// guarded separately rather than by one executor-wide lock.
type Executor struct {
	robot    Robot
	pub      telemetry.Publisher
	shutdown *atomic.Bool
	logger   *zap.Logger

	// clearLimit is the auto-clear cadence in successful URScript
	// submissions.
	clearLimit uint32

	// mu guards the counters below.
	mu               sync.Mutex
	urscriptCount    uint32
	insideBraceBlock bool
}

// New creates an executor. pub may be nil (telemetry disabled); shutdown is
// the daemon-wide shutdown flag.
func New(robot Robot, clearLimit uint32, shutdown *atomic.Bool, pub telemetry.Publisher, logger *zap.Logger) *Executor {
	if pub == nil {
		pub = telemetry.Nop{}
	}
	if shutdown == nil {
		shutdown = &atomic.Bool{}
	}
	return &Executor{
		robot:      robot,
		pub:        pub,
		shutdown:   shutdown,
		logger:     logger.Named("executor"),
		clearLimit: clearLimit,
	}
}

// Stats returns the housekeeping counters.
func (e *Executor) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{URScriptCount: e.urscriptCount, InsideBraceBlock: e.insideBraceBlock}
}

// splitBlocks splits a submission into executable statements, dropping
// blank lines and # comments.
func splitBlocks(script string) []string {
	var blocks []string
	for _, line := range strings.Split(script, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		blocks = append(blocks, line)
	}
	return blocks
}

// updateBraceTracking scans the submission for braces left to right and
// updates the inside-brace flag. An unmatched `{` keeps the flag set across
// submissions until a later `}` closes it; while set, auto-clear is
// suppressed so a semantic unit is never split by a buffer clear.
func (e *Executor) updateBraceTracking(script string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, r := range script {
		switch r {
		case '{':
			e.insideBraceBlock = true
		case '}':
			e.insideBraceBlock = false
		}
	}
	if e.insideBraceBlock {
		e.logger.Info("inside brace block — auto-clearing suspended")
	}
}

// shouldAutoClear reports whether the clear cadence has been reached and
// clearing is currently allowed.
func (e *Executor) shouldAutoClear() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.urscriptCount > 0 && e.urscriptCount%e.clearLimit == 0 && !e.insideBraceBlock
}

func (e *Executor) blockEvent(id uint32, blockStatus, command string, execMS *uint64) {
	e.pub.PublishBlockEvent(telemetry.BlockEvent{
		BlockID:         id,
		Status:          blockStatus,
		Command:         command,
		ExecutionTimeMS: execMS,
		Timestamp:       telemetry.Now(),
	})
}

// ExecuteScript executes a URScript submission: each statement is sent in
// order, the sentinel is appended, and the call blocks until the robot has
// executed everything (or the submission is rejected or interrupted).
func (e *Executor) ExecuteScript(ctx context.Context, script string) (*ScriptResult, error) {
	blocks := splitBlocks(script)
	if len(blocks) == 0 {
		return nil, urerr.Wrap(urerr.ErrRejected, "urscript contains no executable blocks")
	}

	e.updateBraceTracking(script)

	interp, err := e.robot.Interpreter()
	if err != nil {
		return nil, err
	}

	e.logger.Info("executing urscript", zap.Int("blocks", len(blocks)))

	result := &ScriptResult{Script: script, Blocks: make([]BlockOutcome, 0, len(blocks))}

	for i, block := range blocks {
		res, err := interp.Execute(block)
		if err != nil {
			return nil, fmt.Errorf("failed to execute block %d/%d: %w", i+1, len(blocks), err)
		}

		if i == 0 {
			result.FirstID = res.ID
		}

		if res.Rejected {
			e.blockEvent(res.ID, telemetry.BlockRejected, block, nil)
			result.Status = StatusFailed
			result.Reason = fmt.Sprintf("Block %d rejected: %s", i+1, res.RawReply)
			result.Blocks = append(result.Blocks, BlockOutcome{ID: res.ID, Text: block})
			return result, nil
		}

		result.Blocks = append(result.Blocks, BlockOutcome{ID: res.ID, Text: block})
		e.blockEvent(res.ID, telemetry.BlockQueued, block, nil)
	}

	// Sentinel: a trailing statement whose execution proves everything
	// before it has executed.
	sentinel, err := interp.Execute(sentinelStatement)
	if err != nil {
		return nil, fmt.Errorf("failed to execute termination token: %w", err)
	}
	if !sentinel.Rejected {
		id := sentinel.ID
		result.TerminationID = &id
	}

	finalWaitID := result.Blocks[len(result.Blocks)-1].ID
	if result.TerminationID != nil {
		finalWaitID = *result.TerminationID
	}

	completed := e.monitorBlocks(interp, result.Blocks, finalWaitID)

	if completed {
		result.Status = StatusCompleted
		e.mu.Lock()
		e.urscriptCount++
		count := e.urscriptCount
		e.mu.Unlock()
		e.logger.Info("all blocks completed",
			zap.Int("blocks", len(result.Blocks)),
			zap.Uint32("urscript_count", count),
		)

		if e.shouldAutoClear() {
			if err := e.clearProtocol(interp); err != nil {
				e.logger.Warn("auto-clear failed", zap.Error(err))
			}
		}
	} else {
		result.Status = StatusFailed
		result.Reason = "Interrupted by shutdown signal"
	}

	return result, nil
}

// monitorBlocks polls the execution cursor, classifying each block as
// started (cursor reached its ID) and completed (cursor reached the next
// block's ID, or the final wait ID for the last block). Returns true when
// the final wait ID executed, false on shutdown or abort.
func (e *Executor) monitorBlocks(interp Interpreter, blocks []BlockOutcome, finalWaitID uint32) bool {
	abort := e.robot.AbortSignal()
	startTimes := make(map[uint32]time.Time, len(blocks))
	var lastSeen uint32

	for {
		if e.shutdown.Load() || abort.Load() {
			e.logger.Info("block monitoring interrupted")
			return false
		}

		lastExecuted, err := interp.LastExecutedID()
		if err != nil {
			// Expected when the abort flag fired mid-query.
			if abort.Load() || e.shutdown.Load() {
				return false
			}
			e.logger.Warn("failed to query execution cursor", zap.Error(err))
			return false
		}

		for i := range blocks {
			b := &blocks[i]
			if !b.Started && lastExecuted >= b.ID {
				b.Started = true
				startTimes[b.ID] = time.Now()
				e.logger.Info("block started", zap.Uint32("block_id", b.ID), zap.String("text", b.Text))
				e.blockEvent(b.ID, telemetry.BlockStarted, b.Text, nil)
			}
		}

		if lastExecuted > lastSeen {
			for i := range blocks {
				b := &blocks[i]
				if !b.Started || b.Completed {
					continue
				}
				var done bool
				if i == len(blocks)-1 {
					done = lastExecuted >= finalWaitID
				} else {
					done = lastExecuted >= blocks[i+1].ID
				}
				if done {
					b.Completed = true
					if started, ok := startTimes[b.ID]; ok {
						ms := uint64(time.Since(started).Milliseconds())
						b.ExecutionTimeMS = &ms
					}
					e.logger.Info("block completed", zap.Uint32("block_id", b.ID), zap.String("text", b.Text))
					e.blockEvent(b.ID, telemetry.BlockCompleted, b.Text, b.ExecutionTimeMS)
				}
			}
			lastSeen = lastExecuted
		}

		if lastExecuted >= finalWaitID {
			return true
		}

		time.Sleep(blockPollInterval)
	}
}

// waitForExecuted polls the execution cursor until it reaches id. Returns
// false when interrupted by shutdown or abort. Statement ID 0 (a rejected
// statement) is never waited on.
func (e *Executor) waitForExecuted(interp Interpreter, id uint32) (bool, error) {
	if id == 0 {
		return true, nil
	}
	abort := e.robot.AbortSignal()

	for {
		if e.shutdown.Load() || abort.Load() {
			return false, nil
		}

		lastExecuted, err := interp.LastExecutedID()
		if err != nil {
			if abort.Load() {
				// Interpreter errors after an emergency abort are expected.
				return false, nil
			}
			return false, fmt.Errorf("failed to get last executed ID: %w", err)
		}
		if lastExecuted >= id {
			return true, nil
		}

		time.Sleep(cursorPollInterval)
	}
}

// clearProtocol drains and clears the interpreter buffer: query the last
// interpreted ID, wait for execution to catch up, then clear.
func (e *Executor) clearProtocol(interp Interpreter) error {
	e.mu.Lock()
	count := e.urscriptCount
	e.mu.Unlock()

	e.logger.Info("clearing interpreter buffer", zap.Uint32("urscript_count", count))
	e.blockEvent(0, "buffer_clear_requested", "", nil)

	lastInterpreted, err := interp.LastInterpretedID()
	if err != nil {
		return fmt.Errorf("failed to get last interpreted ID: %w", err)
	}

	completed, err := e.waitForExecuted(interp, lastInterpreted)
	if err != nil {
		return err
	}
	if !completed {
		e.logger.Info("buffer clear interrupted")
		return nil
	}

	clearID, err := interp.Clear()
	if err != nil {
		return fmt.Errorf("failed to clear interpreter buffer: %w", err)
	}

	e.blockEvent(clearID, "buffer_clear_completed", "", nil)
	return nil
}

// ExecuteVerb executes a high-level @-verb.
func (e *Executor) ExecuteVerb(ctx context.Context, command string) (*CommandResult, error) {
	if !strings.HasPrefix(command, "@") {
		return nil, urerr.Wrap(urerr.ErrRejected, "invalid command format: must start with @")
	}

	fields := strings.Fields(command[1:])
	verb := ""
	if len(fields) > 0 {
		verb = fields[0]
	}

	switch verb {
	case "halt":
		return e.handleHalt(), nil
	case "reconnect":
		return e.handleReconnect(ctx), nil
	case "status":
		return e.handleStatus(), nil
	case "health":
		return e.handleHealth(), nil
	case "clear":
		return e.handleClear(), nil
	case "pose":
		return e.handlePose(), nil
	case "help":
		return e.handleHelp(), nil
	default:
		e.logger.Error("unknown command", zap.String("verb", verb))
		return &CommandResult{
			Command: command,
			Status:  StatusFailed,
			Reason:  fmt.Sprintf("Unknown command: %s", verb),
		}, nil
	}
}

// handleHalt is the emergency path: write halt to the primary socket first
// (bypassing everything queued in the interpreter), then best-effort drain
// and clear the statement buffer. The primary write is the halt; the clear
// usually fails afterwards because the interpreter stops answering, which
// does not downgrade the result.
func (e *Executor) handleHalt() *CommandResult {
	e.logger.Info("executing @halt")

	if err := e.robot.EmergencyHalt(); err != nil {
		e.logger.Error("emergency halt failed", zap.Error(err))
		return &CommandResult{
			Command: "@halt",
			Status:  StatusFailed,
			Reason:  fmt.Sprintf("Halt failed: %v", err),
		}
	}

	cleared := false
	if interp, err := e.robot.Interpreter(); err == nil {
		if err := e.clearProtocol(interp); err != nil {
			e.logger.Info("buffer clear after halt failed (expected when interpreter is down)", zap.Error(err))
		} else {
			cleared = true
		}
	}

	return &CommandResult{
		Command: "@halt",
		Status:  StatusCompleted,
		Data: map[string]any{
			"message":        "Robot motion halted",
			"buffer_cleared": cleared,
			"timestamp":      telemetry.Now(),
		},
	}
}

func (e *Executor) handleReconnect(ctx context.Context) *CommandResult {
	e.logger.Info("executing @reconnect")

	if err := e.robot.Reconnect(ctx); err != nil {
		e.logger.Error("reconnection failed", zap.Error(err))
		return &CommandResult{
			Command: "@reconnect",
			Status:  StatusFailed,
			Reason:  fmt.Sprintf("Reconnection failed: %v", err),
		}
	}
	return &CommandResult{Command: "@reconnect", Status: StatusCompleted}
}

func (e *Executor) handleStatus() *CommandResult {
	rs := e.robot.RobotStatus()
	stats := e.Stats()

	return &CommandResult{
		Command: "@status",
		Status:  StatusCompleted,
		Data: map[string]any{
			"timestamp":          telemetry.Now(),
			"robot_state":        e.robot.StateName(),
			"host":               e.robot.Host(),
			"robot_mode":         rs.RobotMode,
			"robot_mode_name":    rs.RobotModeName,
			"safety_mode":        rs.SafetyMode,
			"safety_mode_name":   rs.SafetyModeName,
			"runtime_state":      rs.RuntimeState,
			"runtime_state_name": rs.RuntimeStateName,
			"last_updated":       rs.LastUpdated,
			"urscript_count":     stats.URScriptCount,
			"inside_brace_block": stats.InsideBraceBlock,
		},
	}
}

func (e *Executor) handleHealth() *CommandResult {
	h := e.robot.Health()
	rs := e.robot.RobotStatus()
	host := hoststats.Collect()

	return &CommandResult{
		Command: "@health",
		Status:  StatusCompleted,
		Data: map[string]any{
			"timestamp": telemetry.Now(),
			"connections": map[string]any{
				"interpreter": h.Interpreter,
				"primary":     h.Primary,
				"dashboard":   h.Dashboard,
				"monitor":     h.Monitor,
			},
			"overall_healthy": h.Interpreter && h.Primary && rs.RobotMode >= 0,
			"host": map[string]any{
				"cpu_percent":  host.CPUPercent,
				"mem_percent":  host.MemPercent,
				"disk_percent": host.DiskPercent,
			},
		},
	}
}

func (e *Executor) handleClear() *CommandResult {
	e.logger.Info("executing @clear")

	interp, err := e.robot.Interpreter()
	if err != nil {
		return &CommandResult{
			Command: "@clear",
			Status:  StatusFailed,
			Reason:  fmt.Sprintf("Buffer clear failed: %v", err),
		}
	}
	if err := e.clearProtocol(interp); err != nil {
		e.logger.Error("buffer clear failed", zap.Error(err))
		return &CommandResult{
			Command: "@clear",
			Status:  StatusFailed,
			Reason:  fmt.Sprintf("Buffer clear failed: %v", err),
		}
	}
	return &CommandResult{Command: "@clear", Status: StatusCompleted}
}

func (e *Executor) handlePose() *CommandResult {
	rs := e.robot.RobotStatus()

	rx, ry, rz := rs.TCPPose[3], rs.TCPPose[4], rs.TCPPose[5]
	dir := pose.DirectionFromRotVec(rx, ry, rz)
	azimuth, elevation := pose.AzimuthElevation(dir)

	return &CommandResult{
		Command: "@pose",
		Status:  StatusCompleted,
		Data: map[string]any{
			"timestamp": telemetry.Now(),
			"position": map[string]float64{
				"x": rs.TCPPose[0],
				"y": rs.TCPPose[1],
				"z": rs.TCPPose[2],
			},
			"rotation_vector": map[string]float64{
				"rx": rx,
				"ry": ry,
				"rz": rz,
			},
			"pointing_direction": map[string]float64{
				"x": dir[0],
				"y": dir[1],
				"z": dir[2],
			},
			"azimuth_deg":     azimuth,
			"elevation_deg":   elevation,
			"joint_positions": rs.JointPositions,
			"last_updated":    rs.LastUpdated,
		},
	}
}

func (e *Executor) handleHelp() *CommandResult {
	return &CommandResult{
		Command: "@help",
		Status:  StatusCompleted,
		Data: map[string]any{
			"commands": []string{"@halt", "@reconnect", "@status", "@health", "@clear", "@pose", "@help"},
			"message":  "Available urd commands",
		},
	}
}

// Package dispatcher serializes command submissions into a single execution
// slot, ordered by priority. The interpreter protocol itself tolerates
// concurrent sends, but the robot executes strictly sequentially — keeping
// one submission in flight preserves the observable ordering of
// completions.
//
// Emergencies never queue: @halt takes SubmitImmediate, which executes on
// the caller's goroutine and does not wait behind the in-flight
// submission's execution wait.
package dispatcher

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/martyn-saronic/urd/internal/executor"
)

// idleSleep paces the worker when the queue is empty.
const idleSleep = 10 * time.Millisecond

// Class is the command classification derived from the submission prefix.
type Class int

const (
	// ClassURScript is anything that is not an @-verb.
	ClassURScript Class = iota
	// ClassMeta covers @clear, @reconnect, @help, and unknown @-verbs.
	ClassMeta
	// ClassQuery covers @status, @health, @pose.
	ClassQuery
	// ClassEmergency covers @halt.
	ClassEmergency
)

func (c Class) String() string {
	switch c {
	case ClassEmergency:
		return "emergency"
	case ClassQuery:
		return "query"
	case ClassMeta:
		return "meta"
	default:
		return "urscript"
	}
}

// Priority orders the queue. Higher runs first; FIFO within a level.
type Priority int

// Priority levels. Low is reserved for background housekeeping and unused
// by classification.
const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityEmergency
)

func (p Priority) String() string {
	switch p {
	case PriorityEmergency:
		return "emergency"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	default:
		return "low"
	}
}

// Classify determines the command class from the submission text.
func Classify(command string) Class {
	if len(command) == 0 || command[0] != '@' {
		return ClassURScript
	}
	switch verb(command) {
	case "halt":
		return ClassEmergency
	case "status", "health", "pose":
		return ClassQuery
	default:
		// @clear, @reconnect, @help, and unknown verbs.
		return ClassMeta
	}
}

func verb(command string) string {
	rest := command[1:]
	for i := 0; i < len(rest); i++ {
		if rest[i] == ' ' || rest[i] == '\t' || rest[i] == '\n' {
			return rest[:i]
		}
	}
	return rest
}

// PriorityFor maps a class to its queue priority.
func PriorityFor(c Class) Priority {
	switch c {
	case ClassEmergency:
		return PriorityEmergency
	case ClassQuery:
		return PriorityHigh
	default:
		return PriorityNormal
	}
}

// Runner is the executor surface the dispatcher drives.
type Runner interface {
	ExecuteScript(ctx context.Context, script string) (*executor.ScriptResult, error)
	ExecuteVerb(ctx context.Context, command string) (*executor.CommandResult, error)
}

// Outcome is the unified result delivered on a submission's channel.
// Exactly one of Script and Command is set on success.
type Outcome struct {
	Script  *executor.ScriptResult
	Command *executor.CommandResult
	Err     error
}

// Submission is one queued client request.
type Submission struct {
	ID       uuid.UUID
	Command  string
	Class    Class
	Priority Priority
	QueuedAt time.Time

	// done delivers the outcome; buffered so a dropped receiver never
	// blocks the worker.
	done chan Outcome
}

// QueueState is an introspection snapshot of the queue.
type QueueState struct {
	TotalQueued        int            `json:"total_queued"`
	CurrentlyExecuting *uuid.UUID     `json:"currently_executing,omitempty"`
	ByPriority         map[string]int `json:"by_priority"`
}

// Dispatcher owns the priority queue and the single execution slot.
type Dispatcher struct {
	runner   Runner
	shutdown *atomic.Bool
	logger   *zap.Logger

	mu      sync.Mutex
	queue   []*Submission
	current *Submission
}

// New creates a dispatcher. Call Run in a goroutine to start the worker.
func New(runner Runner, shutdown *atomic.Bool, logger *zap.Logger) *Dispatcher {
	if shutdown == nil {
		shutdown = &atomic.Bool{}
	}
	return &Dispatcher{
		runner:   runner,
		shutdown: shutdown,
		logger:   logger.Named("dispatcher"),
	}
}

// Submit enqueues a command and returns the channel its outcome will be
// delivered on. Emergency commands never queue: they execute immediately on
// the caller and the returned channel is already resolved.
func (d *Dispatcher) Submit(ctx context.Context, command string) (<-chan Outcome, uuid.UUID) {
	class := Classify(command)
	sub := &Submission{
		ID:       uuid.New(),
		Command:  command,
		Class:    class,
		Priority: PriorityFor(class),
		QueuedAt: time.Now(),
		done:     make(chan Outcome, 1),
	}

	if class == ClassEmergency {
		sub.done <- d.SubmitImmediate(ctx, command)
		return sub.done, sub.ID
	}

	d.mu.Lock()
	// Insert before the first lower-priority entry; FIFO within a level.
	pos := len(d.queue)
	for i, queued := range d.queue {
		if queued.Priority < sub.Priority {
			pos = i
			break
		}
	}
	d.queue = append(d.queue, nil)
	copy(d.queue[pos+1:], d.queue[pos:])
	d.queue[pos] = sub
	depth := len(d.queue)
	d.mu.Unlock()

	d.logger.Info("submission queued",
		zap.String("id", sub.ID.String()),
		zap.String("class", class.String()),
		zap.String("priority", sub.Priority.String()),
		zap.Int("queue_depth", depth),
	)
	return sub.done, sub.ID
}

// SubmitImmediate executes a command synchronously on the caller, bypassing
// the queue and the current slot. Used exclusively for the emergency lane.
func (d *Dispatcher) SubmitImmediate(ctx context.Context, command string) Outcome {
	return d.execute(ctx, Classify(command), command)
}

func (d *Dispatcher) execute(ctx context.Context, class Class, command string) Outcome {
	if class == ClassURScript {
		res, err := d.runner.ExecuteScript(ctx, command)
		return Outcome{Script: res, Err: err}
	}
	res, err := d.runner.ExecuteVerb(ctx, command)
	return Outcome{Command: res, Err: err}
}

// Run is the background worker: pop the highest-priority submission, fill
// the execution slot, run it, deliver the outcome, repeat. Sleeps briefly
// when idle. Returns when ctx is cancelled or the shutdown flag is raised.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("dispatcher worker started")

	for {
		if ctx.Err() != nil || d.shutdown.Load() {
			d.logger.Info("dispatcher worker stopped")
			return
		}

		d.mu.Lock()
		var sub *Submission
		if d.current == nil && len(d.queue) > 0 {
			sub = d.queue[0]
			copy(d.queue, d.queue[1:])
			d.queue = d.queue[:len(d.queue)-1]
			d.current = sub
		}
		d.mu.Unlock()

		if sub == nil {
			time.Sleep(idleSleep)
			continue
		}

		d.logger.Info("executing submission",
			zap.String("id", sub.ID.String()),
			zap.String("priority", sub.Priority.String()),
			zap.Duration("queued_for", time.Since(sub.QueuedAt)),
		)

		outcome := d.execute(ctx, sub.Class, sub.Command)

		d.mu.Lock()
		d.current = nil
		d.mu.Unlock()

		// Buffered channel: a dropped receiver is ignored.
		sub.done <- outcome

		if outcome.Err != nil {
			d.logger.Error("submission failed",
				zap.String("id", sub.ID.String()),
				zap.Error(outcome.Err),
			)
		}
	}
}

// QueueState returns the current queue introspection snapshot.
func (d *Dispatcher) QueueState() QueueState {
	d.mu.Lock()
	defer d.mu.Unlock()

	state := QueueState{
		TotalQueued: len(d.queue),
		ByPriority:  make(map[string]int),
	}
	if d.current != nil {
		id := d.current.ID
		state.CurrentlyExecuting = &id
	}
	for _, sub := range d.queue {
		state.ByPriority[sub.Priority.String()]++
	}
	return state
}

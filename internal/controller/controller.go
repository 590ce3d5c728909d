// Package controller orchestrates the robot connection lifecycle. It owns
// the primary, dashboard, and interpreter clients, drives the
// initialization sequence (primary connect → dashboard power/brake
// handshake → interpreter-mode bootstrap → interpreter connect), and holds
// the shared emergency-abort flag that every read path observes.
//
// The controller is the single owner of the interpreter socket; the
// dispatcher serializes access to it by keeping one submission in flight.
package controller

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/martyn-saronic/urd/internal/config"
	"github.com/martyn-saronic/urd/internal/dashboard"
	"github.com/martyn-saronic/urd/internal/executor"
	"github.com/martyn-saronic/urd/internal/interpreter"
	"github.com/martyn-saronic/urd/internal/primary"
	"github.com/martyn-saronic/urd/internal/status"
	"github.com/martyn-saronic/urd/internal/urerr"
)

// bootstrapSettle is the pause after injecting the interpreter-mode script
// before the interpreter port starts accepting connections.
const bootstrapSettle = 1 * time.Second

// interpreterRetryInterval paces the interpreter connect retry loop.
const interpreterRetryInterval = 1 * time.Second

// State is the controller lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StatePowerOff
	StateIdle
	StateRunning
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StatePowerOff:
		return "PowerOff"
	case StateIdle:
		return "Idle"
	case StateRunning:
		return "Running"
	case StateError:
		return "Error"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// MonitorProbe reports whether the RTDE monitor holds a live session. Wired
// after construction because the monitor is built on top of the controller.
type MonitorProbe func() bool

// Controller owns the connection set and the lifecycle state machine.
type Controller struct {
	cfg    *config.Config
	cache  *status.Cache
	logger *zap.Logger

	// abort is the shared emergency-abort flag. It survives interpreter
	// reconnects; Reconnect resets it.
	abort *atomic.Bool

	mu        sync.Mutex
	primary   *primary.Client
	dashboard *dashboard.Client
	interp    *interpreter.Client
	state     State
	errReason string

	monitorProbe MonitorProbe
}

// New creates a controller. Call Initialize before submitting commands.
func New(cfg *config.Config, cache *status.Cache, logger *zap.Logger) *Controller {
	return &Controller{
		cfg:    cfg,
		cache:  cache,
		logger: logger.Named("controller"),
		abort:  &atomic.Bool{},
		state:  StateDisconnected,
	}
}

// SetMonitorProbe wires the RTDE monitor liveness check used by Health.
func (c *Controller) SetMonitorProbe(probe MonitorProbe) {
	c.mu.Lock()
	c.monitorProbe = probe
	c.mu.Unlock()
}

// AbortSignal returns the shared emergency-abort flag.
func (c *Controller) AbortSignal() *atomic.Bool {
	return c.abort
}

// Host returns the configured robot address.
func (c *Controller) Host() string {
	return c.cfg.Robot.Host
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StateName names the lifecycle state, including the error reason when in
// the Error state.
func (c *Controller) StateName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateError {
		return fmt.Sprintf("Error(%s)", c.errReason)
	}
	return c.state.String()
}

// Ready reports whether the controller accepts URScript submissions.
func (c *Controller) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateRunning && c.interp != nil
}

// RobotStatus returns the latest RTDE snapshot.
func (c *Controller) RobotStatus() status.RobotStatus {
	return c.cache.Get()
}

// Health reports connection liveness for all robot-facing channels.
func (c *Controller) Health() executor.Health {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := executor.Health{
		Interpreter: c.interp != nil && c.interp.Connected(),
		Primary:     c.primary != nil && c.primary.Connected(),
		Dashboard:   c.dashboard != nil && c.dashboard.Connected(),
	}
	if c.monitorProbe != nil {
		h.Monitor = c.monitorProbe()
	}
	return h
}

// Interpreter returns the connected interpreter client for the executor.
func (c *Controller) Interpreter() (executor.Interpreter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.interp == nil || !c.interp.Connected() {
		return nil, urerr.Wrap(urerr.ErrConnection, "interpreter not initialized")
	}
	return c.interp, nil
}

// Initialize runs the full startup sequence:
//  1. connect the primary socket,
//  2. drive the dashboard power-on/brake-release handshake,
//  3. inject the interpreter-mode bootstrap script,
//  4. connect the interpreter client, retrying once per second up to the
//     configured initialization timeout, then probe it with a textmsg.
func (c *Controller) Initialize(ctx context.Context) error {
	c.logger.Info("initializing robot controller", zap.String("host", c.cfg.Robot.Host))

	if err := c.connectAll(ctx); err != nil {
		c.setError(err.Error())
		return err
	}

	c.mu.Lock()
	c.state = StateRunning
	c.mu.Unlock()

	c.logger.Info("robot initialization complete")
	return nil
}

func (c *Controller) connectAll(ctx context.Context) error {
	host := c.cfg.Robot.Host

	// 1. Primary socket.
	pc := primary.New(host, c.cfg.Robot.Ports.Primary, c.logger)
	if err := pc.Connect(); err != nil {
		return err
	}
	c.mu.Lock()
	c.primary = pc
	c.mu.Unlock()

	// 2. Dashboard handshake.
	dc := dashboard.New(host, c.cfg.Robot.Ports.Dashboard, c.logger)
	if err := dc.Connect(); err != nil {
		return err
	}
	c.mu.Lock()
	c.dashboard = dc
	c.mu.Unlock()

	if err := dc.EnsureRunning(ctx); err != nil {
		return err
	}

	// 3. Interpreter-mode bootstrap. The controller needs a moment before
	// the interpreter port starts listening.
	if err := pc.Bootstrap(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return urerr.Wrap(urerr.ErrAborted, "cancelled during bootstrap settle")
	case <-time.After(bootstrapSettle):
	}

	// 4. Interpreter connect with retry.
	interp, err := c.connectInterpreter(ctx, host)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.interp = interp
	c.mu.Unlock()

	return nil
}

func (c *Controller) connectInterpreter(ctx context.Context, host string) (*interpreter.Client, error) {
	interp := interpreter.New(host, c.cfg.Robot.Ports.Interpreter, c.abort, c.logger)

	maxAttempts := int(c.cfg.Interpreter.InitializationTimeoutSeconds)
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = interp.Connect()
		if lastErr == nil {
			break
		}
		if attempt == maxAttempts {
			return nil, urerr.Wrap(urerr.ErrConnection,
				"failed to connect to interpreter after %d attempts: %v", maxAttempts, lastErr)
		}
		c.logger.Info("waiting for interpreter mode",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts),
		)
		select {
		case <-ctx.Done():
			return nil, urerr.Wrap(urerr.ErrAborted, "cancelled while waiting for interpreter mode")
		case <-time.After(interpreterRetryInterval):
		}
	}

	// Liveness probe: a textmsg the controller must acknowledge.
	res, err := interp.Execute(`textmsg("Interpreter mode validated")`)
	if err != nil {
		interp.Close()
		return nil, fmt.Errorf("interpreter validation failed: %w", err)
	}
	c.logger.Info("interpreter mode validated", zap.Uint32("statement_id", res.ID))
	return interp, nil
}

// EmergencyHalt writes halt to the primary socket (bypassing the
// interpreter statement queue), raises the shared abort flag so in-flight
// waits unwind, and marks the controller errored. Interpreter operations
// are expected to fail afterwards; only an explicit reconnect recovers.
func (c *Controller) EmergencyHalt() error {
	c.mu.Lock()
	pc := c.primary
	c.mu.Unlock()

	if pc == nil || !pc.Connected() {
		return urerr.Wrap(urerr.ErrConnection, "primary socket not connected")
	}

	if err := pc.HaltBypass(); err != nil {
		return err
	}

	c.abort.Store(true)
	c.setError("Emergency halted")
	c.logger.Warn("emergency halt issued — reconnect required before further commands")
	return nil
}

// Reconnect drops every connection, resets the cached status and the abort
// flag, and re-runs the initialization sequence.
func (c *Controller) Reconnect(ctx context.Context) error {
	c.logger.Info("attempting robot reconnection")

	c.mu.Lock()
	skipCleanup := c.state == StateError
	c.mu.Unlock()
	c.closeConnections(skipCleanup)

	c.mu.Lock()
	c.state = StateDisconnected
	c.errReason = ""
	c.mu.Unlock()

	c.cache.Reset()
	c.abort.Store(false)

	if err := c.connectAll(ctx); err != nil {
		c.setError(fmt.Sprintf("Reconnection failed: %v", err))
		return err
	}

	c.mu.Lock()
	c.state = StateRunning
	c.mu.Unlock()

	c.logger.Info("robot reconnection successful")
	return nil
}

// Shutdown tears the controller down. Unless the controller is in the
// Error state (post-halt the interpreter is unresponsive), a best-effort
// abort/clear/end_interpreter sequence is sent first.
func (c *Controller) Shutdown() {
	c.logger.Info("shutting down robot controller")

	c.mu.Lock()
	skipCleanup := c.state == StateError
	c.mu.Unlock()

	c.closeConnections(skipCleanup)

	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()

	c.logger.Info("robot controller shutdown complete")
}

// closeConnections closes all sockets. When skipInterpreterCleanup is
// false, the interpreter gets a best-effort abort/clear/end sequence first.
func (c *Controller) closeConnections(skipInterpreterCleanup bool) {
	c.mu.Lock()
	interp := c.interp
	pc := c.primary
	dc := c.dashboard
	c.interp = nil
	c.primary = nil
	c.dashboard = nil
	c.mu.Unlock()

	if interp != nil {
		if !skipInterpreterCleanup && interp.Connected() {
			// Best effort; the robot may already be gone.
			_, _ = interp.AbortMove()
			_, _ = interp.Clear()
			_, _ = interp.EndInterpreter()
		}
		interp.Close()
	}
	if pc != nil {
		pc.Close()
	}
	if dc != nil {
		dc.Close()
	}
}

func (c *Controller) setError(reason string) {
	c.mu.Lock()
	c.state = StateError
	c.errReason = reason
	c.mu.Unlock()
}

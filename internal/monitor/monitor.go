// Package monitor runs the long-lived RTDE consumption task: it drains
// decoded samples from the RTDE channel at up to 125 Hz, commits each to
// the shared status cache, and feeds the output gate that decides which
// samples become telemetry emissions.
package monitor

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/martyn-saronic/urd/internal/rtde"
	"github.com/martyn-saronic/urd/internal/status"
	"github.com/martyn-saronic/urd/internal/telemetry"
)

// errorBackoff is the pause after a transient RTDE failure before the
// session is re-established.
const errorBackoff = 100 * time.Millisecond

// Conn is the RTDE client surface the monitor drives. Satisfied by
// rtde.Client and by test fakes.
type Conn interface {
	Connect() error
	NegotiateProtocolVersion(version uint16) error
	SetupOutputRecipe(vars []string, freqHz float64) error
	Start() error
	ReadDataPackage() (map[string][]float64, error)
	Close() error
}

// Config carries the monitor's tunables.
type Config struct {
	PubRateHz     uint32
	DecimalPlaces uint32
	DynamicMode   bool
}

// Monitor owns the RTDE connection and the output gate.
type Monitor struct {
	conn     Conn
	cache    *status.Cache
	pub      telemetry.Publisher
	gate     *Gate
	decimals uint32
	shutdown *atomic.Bool
	logger   *zap.Logger

	// active is exported through Active for health reporting.
	active atomic.Bool
}

// New creates a monitor. pub may be nil (telemetry disabled).
func New(conn Conn, cache *status.Cache, cfg Config, shutdown *atomic.Bool, pub telemetry.Publisher, logger *zap.Logger) *Monitor {
	if pub == nil {
		pub = telemetry.Nop{}
	}
	if shutdown == nil {
		shutdown = &atomic.Bool{}
	}
	return &Monitor{
		conn:     conn,
		cache:    cache,
		pub:      pub,
		gate:     NewGate(cfg.PubRateHz, cfg.DynamicMode),
		decimals: cfg.DecimalPlaces,
		shutdown: shutdown,
		logger:   logger.Named("monitor"),
	}
}

// Active reports whether the monitor currently holds a live RTDE session.
func (m *Monitor) Active() bool {
	return m.active.Load()
}

// Run drives the monitor until ctx is cancelled or the shutdown flag is
// raised. Transient transport errors tear the session down, wait briefly,
// and re-establish it. The connection is closed when Run returns.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("monitor task started")
	defer m.logger.Info("monitor task stopped")
	defer m.conn.Close()

	for !m.done(ctx) {
		if err := m.setup(); err != nil {
			m.logger.Warn("RTDE setup failed, retrying", zap.Error(err))
			m.conn.Close()
			m.pause(ctx)
			continue
		}

		m.active.Store(true)
		m.drain(ctx)
		m.active.Store(false)
		m.conn.Close()
	}
}

func (m *Monitor) done(ctx context.Context) bool {
	return ctx.Err() != nil || m.shutdown.Load()
}

func (m *Monitor) pause(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(errorBackoff):
	}
}

// setup establishes one RTDE session: connect, negotiate, set up the
// enhanced recipe (falling back to the basic one on old firmware), start.
func (m *Monitor) setup() error {
	if err := m.conn.Connect(); err != nil {
		return err
	}
	if err := m.conn.NegotiateProtocolVersion(rtde.ProtocolVersion); err != nil {
		return err
	}

	if err := m.conn.SetupOutputRecipe(rtde.EnhancedRecipe, rtde.SampleRateHz); err != nil {
		m.logger.Warn("enhanced monitoring unavailable, using basic recipe", zap.Error(err))
		if err := m.conn.SetupOutputRecipe(rtde.BasicRecipe, rtde.SampleRateHz); err != nil {
			return err
		}
	} else {
		m.logger.Info("enhanced robot state monitoring enabled")
	}

	return m.conn.Start()
}

// drain reads samples until the session errors or shutdown is requested.
func (m *Monitor) drain(ctx context.Context) {
	for !m.done(ctx) {
		sample, err := m.conn.ReadDataPackage()
		if err != nil {
			if !m.done(ctx) {
				m.logger.Warn("RTDE read failed", zap.Error(err))
				m.pause(ctx)
			}
			return
		}
		m.process(sample)
	}
}

// process commits one decoded sample to the cache and feeds the gate.
func (m *Monitor) process(sample map[string][]float64) {
	stime := telemetry.Now()

	var rtime *float64
	if ts, ok := sample["timestamp"]; ok && len(ts) > 0 {
		v := ts[0]
		rtime = &v
	}

	joints := coerceVec6(sample["actual_q"])
	tcpPose := coerceVec6(sample["actual_TCP_pose"])
	robotMode := coerceMode(sample["robot_mode"])
	safetyMode := coerceMode(sample["safety_mode"])
	runtimeState := coerceMode(sample["runtime_state"])

	m.cache.Set(status.FromSample(robotMode, safetyMode, runtimeState, tcpPose, joints, stime))

	now := time.Now()
	if m.gate.ShouldEmitPosition(tcpPose, joints, now) {
		m.pub.PublishPose(telemetry.NewPositionData(tcpPose, joints, rtime, stime, m.decimals))
	}

	if m.gate.ShouldEmitState(robotMode, safetyMode, runtimeState) {
		m.pub.PublishState(telemetry.RobotStateData{
			RTime:            rtime,
			STime:            stime,
			Type:             "robot_state",
			RobotMode:        robotMode,
			RobotModeName:    status.RobotModeName(robotMode),
			SafetyMode:       safetyMode,
			SafetyModeName:   status.SafetyModeName(safetyMode),
			RuntimeState:     runtimeState,
			RuntimeStateName: status.RuntimeStateName(runtimeState),
		})
	}
}

// coerceVec6 pads or truncates a decoded vector to exactly six elements.
func coerceVec6(values []float64) [6]float64 {
	var out [6]float64
	for i := 0; i < len(values) && i < 6; i++ {
		out[i] = values[i]
	}
	return out
}

// coerceMode extracts a mode enum from its length-1 vector, -1 when absent.
func coerceMode(values []float64) int32 {
	if len(values) == 0 {
		return -1
	}
	return int32(values[0])
}

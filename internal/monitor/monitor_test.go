package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/martyn-saronic/urd/internal/status"
	"github.com/martyn-saronic/urd/internal/telemetry"
)

// fakeConn feeds scripted samples to the monitor.
type fakeConn struct {
	mu sync.Mutex

	rejectEnhanced bool
	recipes        [][]string
	samples        chan map[string][]float64
	closed         int
}

func newFakeConn() *fakeConn {
	return &fakeConn{samples: make(chan map[string][]float64, 16)}
}

func (f *fakeConn) Connect() error { return nil }
func (f *fakeConn) NegotiateProtocolVersion(v uint16) error { return nil }
func (f *fakeConn) Start() error { return nil }

func (f *fakeConn) SetupOutputRecipe(vars []string, freqHz float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recipes = append(f.recipes, vars)
	if f.rejectEnhanced && len(vars) > 3 {
		return errors.New("variable not found")
	}
	return nil
}

func (f *fakeConn) ReadDataPackage() (map[string][]float64, error) {
	sample, ok := <-f.samples
	if !ok {
		return nil, errors.New("connection closed")
	}
	return sample, nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

type capturingPublisher struct {
	mu     sync.Mutex
	poses  []telemetry.PositionData
	states []telemetry.RobotStateData
}

func (p *capturingPublisher) PublishPose(d telemetry.PositionData) {
	p.mu.Lock()
	p.poses = append(p.poses, d)
	p.mu.Unlock()
}

func (p *capturingPublisher) PublishState(d telemetry.RobotStateData) {
	p.mu.Lock()
	p.states = append(p.states, d)
	p.mu.Unlock()
}

func (p *capturingPublisher) PublishBlockEvent(telemetry.BlockEvent) {}

func (p *capturingPublisher) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.poses), len(p.states)
}

func sampleAt(x float64) map[string][]float64 {
	return map[string][]float64{
		"timestamp":       {12.5},
		"actual_q":        {0, -1.57, 1.57, 0, 0, 0},
		"actual_TCP_pose": {x, 0.2, 0.3, 0, 0, 0},
		"robot_mode":      {7},
		"safety_mode":     {1},
		"runtime_state":   {2},
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestMonitor_UpdatesCacheAndPublishes(t *testing.T) {
	conn := newFakeConn()
	cache := status.NewCache()
	pub := &capturingPublisher{}
	shutdown := &atomic.Bool{}

	m := New(conn, cache, Config{PubRateHz: 100, DecimalPlaces: 4, DynamicMode: true}, shutdown, pub, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	conn.samples <- sampleAt(0.1)

	waitFor(t, func() bool {
		p, s := pub.counts()
		return p >= 1 && s >= 1
	}, "monitor did not publish the first sample")

	rs := cache.Get()
	assert.Equal(t, int32(7), rs.RobotMode)
	assert.Equal(t, "RUNNING", rs.RobotModeName)
	assert.Equal(t, int32(1), rs.SafetyMode)
	assert.Equal(t, "NORMAL", rs.SafetyModeName)
	assert.Equal(t, int32(2), rs.RuntimeState)
	assert.Equal(t, "PLAYING", rs.RuntimeStateName)
	assert.InDelta(t, 0.1, rs.TCPPose[0], 1e-9)
	assert.True(t, m.Active())

	pub.mu.Lock()
	require.NotNil(t, pub.poses[0].RTime)
	assert.InDelta(t, 12.5, *pub.poses[0].RTime, 1e-9)
	pub.mu.Unlock()

	cancel()
	shutdown.Store(true)
}

func TestMonitor_DynamicModeSuppressesUnchangedState(t *testing.T) {
	conn := newFakeConn()
	cache := status.NewCache()
	pub := &capturingPublisher{}
	shutdown := &atomic.Bool{}

	m := New(conn, cache, Config{PubRateHz: 1000, DecimalPlaces: 4, DynamicMode: true}, shutdown, pub, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	// Three identical samples: one state emission.
	for i := 0; i < 3; i++ {
		conn.samples <- sampleAt(0.1)
	}

	waitFor(t, func() bool {
		rs := cache.Get()
		return rs.RobotMode == 7
	}, "monitor did not process samples")
	time.Sleep(50 * time.Millisecond)

	_, states := pub.counts()
	assert.Equal(t, 1, states)
}

func TestMonitor_FallsBackToBasicRecipe(t *testing.T) {
	conn := newFakeConn()
	conn.rejectEnhanced = true
	cache := status.NewCache()
	pub := &capturingPublisher{}
	shutdown := &atomic.Bool{}

	m := New(conn, cache, Config{PubRateHz: 100, DecimalPlaces: 4, DynamicMode: false}, shutdown, pub, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	// Basic recipe has no mode enums: the sample carries only pose data
	// and modes default to -1.
	conn.samples <- map[string][]float64{
		"timestamp":       {3.0},
		"actual_q":        {0, 0, 0, 0, 0, 0},
		"actual_TCP_pose": {0.5, 0, 0, 0, 0, 0},
	}

	waitFor(t, func() bool {
		rs := cache.Get()
		return rs.TCPPose[0] == 0.5
	}, "monitor did not process the basic-recipe sample")

	conn.mu.Lock()
	require.GreaterOrEqual(t, len(conn.recipes), 2)
	assert.Len(t, conn.recipes[0], 6)
	assert.Len(t, conn.recipes[1], 3)
	conn.mu.Unlock()

	rs := cache.Get()
	assert.Equal(t, int32(-1), rs.RobotMode)
}

func TestMonitor_StopsOnShutdown(t *testing.T) {
	conn := newFakeConn()
	cache := status.NewCache()
	shutdown := &atomic.Bool{}

	m := New(conn, cache, Config{PubRateHz: 100, DecimalPlaces: 4, DynamicMode: true}, shutdown, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	shutdown.Store(true)
	close(conn.samples)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop on shutdown")
	}
	assert.False(t, m.Active())
	conn.mu.Lock()
	assert.GreaterOrEqual(t, conn.closed, 1)
	conn.mu.Unlock()
}

func TestCoerceVec6(t *testing.T) {
	assert.Equal(t, [6]float64{1, 2, 3, 0, 0, 0}, coerceVec6([]float64{1, 2, 3}))
	assert.Equal(t, [6]float64{}, coerceVec6(nil))
	assert.Equal(t, [6]float64{1, 2, 3, 4, 5, 6}, coerceVec6([]float64{1, 2, 3, 4, 5, 6, 7}))
}

func TestCoerceMode(t *testing.T) {
	assert.Equal(t, int32(-1), coerceMode(nil))
	assert.Equal(t, int32(7), coerceMode([]float64{7}))
}

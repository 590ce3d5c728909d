package controller

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/martyn-saronic/urd/internal/config"
	"github.com/martyn-saronic/urd/internal/status"
)

// fakeRobotServers stands up the three robot-facing listeners the
// controller initializes against: primary (raw script sink), dashboard
// (command/reply), and interpreter (statement acks).
type fakeRobotServers struct {
	mu sync.Mutex

	primaryData strings.Builder
	dashMode    string

	primaryLn net.Listener
	dashLn    net.Listener
	interpLn  net.Listener
}

func newFakeRobotServers(t *testing.T, initialMode string) *fakeRobotServers {
	t.Helper()
	f := &fakeRobotServers{dashMode: initialMode}

	var err error
	f.primaryLn, err = net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f.dashLn, err = net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f.interpLn, err = net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go f.servePrimary()
	go f.serveDashboard()
	go f.serveInterpreter()

	t.Cleanup(func() {
		f.primaryLn.Close()
		f.dashLn.Close()
		f.interpLn.Close()
	})
	return f
}

func port(ln net.Listener) int {
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	p, _ := strconv.Atoi(portStr)
	return p
}

func (f *fakeRobotServers) cfg() *config.Config {
	cfg := config.Default()
	cfg.Robot.Host = "127.0.0.1"
	cfg.Robot.Ports.Primary = port(f.primaryLn)
	cfg.Robot.Ports.Dashboard = port(f.dashLn)
	cfg.Robot.Ports.Interpreter = port(f.interpLn)
	cfg.Interpreter.InitializationTimeoutSeconds = 5
	return cfg
}

// servePrimary accepts connections and accumulates everything written.
func (f *fakeRobotServers) servePrimary() {
	for {
		conn, err := f.primaryLn.Accept()
		if err != nil {
			return
		}
		go func(c net.Conn) {
			defer c.Close()
			buf := make([]byte, 4096)
			for {
				n, err := c.Read(buf)
				if n > 0 {
					f.mu.Lock()
					f.primaryData.Write(buf[:n])
					f.mu.Unlock()
				}
				if err != nil {
					return
				}
			}
		}(conn)
	}
}

func (f *fakeRobotServers) serveDashboard() {
	for {
		conn, err := f.dashLn.Accept()
		if err != nil {
			return
		}
		go func(c net.Conn) {
			defer c.Close()
			scanner := bufio.NewScanner(c)
			for scanner.Scan() {
				f.mu.Lock()
				var reply string
				switch scanner.Text() {
				case "robotmode":
					reply = "Robotmode: " + f.dashMode
				case "power on":
					f.dashMode = "IDLE"
					reply = "Powering on"
				case "brake release":
					f.dashMode = "RUNNING"
					reply = "Brake releasing"
				default:
					reply = "could not understand"
				}
				f.mu.Unlock()
				if _, err := c.Write([]byte(reply + "\n")); err != nil {
					return
				}
			}
		}(conn)
	}
}

func (f *fakeRobotServers) serveInterpreter() {
	var id uint32
	for {
		conn, err := f.interpLn.Accept()
		if err != nil {
			return
		}
		go func(c net.Conn) {
			defer c.Close()
			scanner := bufio.NewScanner(c)
			for scanner.Scan() {
				f.mu.Lock()
				id++
				reply := "ack: " + strconv.FormatUint(uint64(id), 10)
				f.mu.Unlock()
				if _, err := c.Write([]byte(reply + "\n")); err != nil {
					return
				}
			}
		}(conn)
	}
}

func (f *fakeRobotServers) primaryReceived() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.primaryData.String()
}

func TestInitialize_FullSequence(t *testing.T) {
	srv := newFakeRobotServers(t, "POWER_OFF")
	c := New(srv.cfg(), status.NewCache(), zap.NewNop())

	require.NoError(t, c.Initialize(context.Background()))

	assert.Equal(t, StateRunning, c.State())
	assert.True(t, c.Ready())

	h := c.Health()
	assert.True(t, h.Interpreter)
	assert.True(t, h.Primary)
	assert.True(t, h.Dashboard)
	assert.False(t, h.Monitor)

	// The bootstrap program reached the primary interface.
	received := srv.primaryReceived()
	assert.Contains(t, received, "interpreter_mode()")
	assert.Contains(t, received, "ur_init()")

	c.Shutdown()
	assert.Equal(t, StateDisconnected, c.State())
}

func TestEmergencyHalt_MarksErrorAndRaisesAbort(t *testing.T) {
	srv := newFakeRobotServers(t, "RUNNING")
	c := New(srv.cfg(), status.NewCache(), zap.NewNop())
	require.NoError(t, c.Initialize(context.Background()))

	require.NoError(t, c.EmergencyHalt())

	assert.True(t, c.AbortSignal().Load())
	assert.Equal(t, StateError, c.State())
	assert.Contains(t, c.StateName(), "Emergency halted")
	assert.False(t, c.Ready())

	// The bare halt went out on the primary socket.
	waitForCondition(t, func() bool {
		return strings.Contains(srv.primaryReceived(), "halt\n")
	}, "halt never reached the primary socket")
}

func TestReconnect_ResetsStateAndAbortFlag(t *testing.T) {
	srv := newFakeRobotServers(t, "RUNNING")
	cache := status.NewCache()
	c := New(srv.cfg(), cache, zap.NewNop())
	require.NoError(t, c.Initialize(context.Background()))

	require.NoError(t, c.EmergencyHalt())
	require.Equal(t, StateError, c.State())

	cache.Set(status.FromSample(7, 1, 2, [6]float64{1, 1, 1, 1, 1, 1}, [6]float64{}, 5))

	require.NoError(t, c.Reconnect(context.Background()))

	assert.Equal(t, StateRunning, c.State())
	assert.False(t, c.AbortSignal().Load())
	assert.Equal(t, status.Unknown(), cache.Get())
}

func TestEmergencyHalt_WithoutPrimaryFails(t *testing.T) {
	cfg := config.Default()
	cfg.Robot.Host = "127.0.0.1"
	c := New(cfg, status.NewCache(), zap.NewNop())

	assert.Error(t, c.EmergencyHalt())
}

func waitForCondition(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

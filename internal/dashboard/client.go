// Package dashboard implements the client for the robot's dashboard server
// (port 29999): newline-delimited ASCII commands with single-line replies.
// The daemon uses it during initialization to power on the arm and release
// the brakes before interpreter mode can run anything.
package dashboard

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/martyn-saronic/urd/internal/urerr"
)

const (
	dialTimeout = 5 * time.Second
	ioTimeout   = 5 * time.Second

	// statePollInterval is how often robotmode is re-queried while waiting
	// for a power/brake transition.
	statePollInterval = 500 * time.Millisecond

	// powerOnTimeout bounds the POWER_OFF → IDLE transition.
	powerOnTimeout = 15 * time.Second
	// brakeReleaseTimeout bounds the IDLE → RUNNING transition.
	brakeReleaseTimeout = 10 * time.Second
)

// Client is the dashboard-server client. Methods are not safe for
// concurrent use; only the controller's initialization path touches it.
type Client struct {
	host   string
	port   int
	conn   net.Conn
	logger *zap.Logger
}

// New creates a dashboard client. Call Connect before use.
func New(host string, port int, logger *zap.Logger) *Client {
	return &Client{
		host:   host,
		port:   port,
		logger: logger.Named("dashboard"),
	}
}

// Connect opens the TCP connection to the dashboard port.
func (c *Client) Connect() error {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(c.host, strconv.Itoa(c.port)), dialTimeout)
	if err != nil {
		return urerr.Wrap(urerr.ErrConnection, "failed to connect to dashboard %s:%d: %v", c.host, c.port, err)
	}
	c.conn = conn
	c.logger.Info("connected to dashboard", zap.String("host", c.host), zap.Int("port", c.port))
	return nil
}

// Connected reports whether the client holds an open connection.
func (c *Client) Connected() bool {
	return c.conn != nil
}

// Close closes the socket.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Command sends one dashboard command and returns the trimmed reply line.
func (c *Client) Command(cmd string) (string, error) {
	if c.conn == nil {
		return "", urerr.Wrap(urerr.ErrConnection, "dashboard socket not connected")
	}

	if err := c.conn.SetDeadline(time.Now().Add(ioTimeout)); err != nil {
		return "", urerr.Wrap(urerr.ErrConnection, "failed to set deadline: %v", err)
	}
	if _, err := c.conn.Write([]byte(cmd + "\n")); err != nil {
		return "", urerr.Wrap(urerr.ErrConnection, "failed to send dashboard command: %v", err)
	}

	buf := make([]byte, 1024)
	n, err := c.conn.Read(buf)
	if err != nil {
		return "", urerr.Wrap(urerr.ErrConnection, "failed to read dashboard response: %v", err)
	}
	return strings.TrimSpace(string(buf[:n])), nil
}

// EnsureRunning drives the power-on handshake: if the arm reports POWER_OFF
// or DISCONNECTED it is powered on and polled until IDLE, then the brakes
// are released and the arm polled until RUNNING. Already-running arms pass
// straight through.
func (c *Client) EnsureRunning(ctx context.Context) error {
	mode, err := c.Command("robotmode")
	if err != nil {
		return err
	}
	c.logger.Info("current robot mode", zap.String("mode", mode))

	if strings.Contains(mode, "POWER_OFF") || strings.Contains(mode, "DISCONNECTED") {
		c.logger.Info("powering on robot")
		if _, err := c.Command("power on"); err != nil {
			return err
		}
		if err := c.waitForMode(ctx, "IDLE", powerOnTimeout); err != nil {
			return err
		}
		c.logger.Info("robot powered on")
	}

	mode, err = c.Command("robotmode")
	if err != nil {
		return err
	}
	if strings.Contains(mode, "IDLE") {
		c.logger.Info("releasing brakes")
		if _, err := c.Command("brake release"); err != nil {
			return err
		}
		if err := c.waitForMode(ctx, "RUNNING", brakeReleaseTimeout); err != nil {
			return err
		}
		c.logger.Info("brakes released, robot ready")
	}

	return nil
}

// waitForMode polls robotmode until the reply contains target or the
// timeout fires.
func (c *Client) waitForMode(ctx context.Context, target string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		mode, err := c.Command("robotmode")
		if err != nil {
			return err
		}
		if strings.Contains(mode, target) {
			return nil
		}
		if time.Now().After(deadline) {
			return urerr.Wrap(urerr.ErrTimeout, "timeout waiting for robot mode %q (current: %s)", target, mode)
		}

		select {
		case <-ctx.Done():
			return urerr.Wrap(urerr.ErrAborted, "cancelled while waiting for robot mode %q", target)
		case <-time.After(statePollInterval):
		}
	}
}

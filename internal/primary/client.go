// Package primary implements the client for the robot's primary interface
// (port 30001). Anything written to this socket is evaluated by the
// controller's main program loop as a top-level URScript program, which is
// exactly what makes it the emergency lane: a bare `halt` written here
// stops motion without waiting behind the interpreter's statement queue.
//
// The daemon uses it for two things only: injecting the interpreter-mode
// bootstrap during initialization, and the emergency halt bypass.
package primary

import (
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/martyn-saronic/urd/internal/urerr"
)

const (
	dialTimeout  = 5 * time.Second
	writeTimeout = 5 * time.Second
)

// bootstrapScript switches the controller into interpreter mode. It is a
// complete URScript program: define, then invoke.
const bootstrapScript = "def ur_init():\n  textmsg(\"Starting interpreter mode\")\n  interpreter_mode()\nend\nur_init()\n"

// Client writes raw URScript to the primary interface.
type Client struct {
	host   string
	port   int
	conn   net.Conn
	logger *zap.Logger
}

// New creates a primary-interface client. Call Connect before use.
func New(host string, port int, logger *zap.Logger) *Client {
	return &Client{
		host:   host,
		port:   port,
		logger: logger.Named("primary"),
	}
}

// Connect opens the TCP connection to the primary port.
func (c *Client) Connect() error {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(c.host, strconv.Itoa(c.port)), dialTimeout)
	if err != nil {
		return urerr.Wrap(urerr.ErrConnection, "failed to connect to primary interface %s:%d: %v", c.host, c.port, err)
	}
	c.conn = conn
	c.logger.Info("connected to primary interface", zap.String("host", c.host), zap.Int("port", c.port))
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

// WriteScript writes raw URScript bytes to the primary socket. The
// controller evaluates them as a top-level program.
func (c *Client) WriteScript(script string) error {
	if c.conn == nil {
		return urerr.Wrap(urerr.ErrConnection, "primary socket not connected")
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return urerr.Wrap(urerr.ErrConnection, "failed to set write deadline: %v", err)
	}
	if _, err := c.conn.Write([]byte(script)); err != nil {
		return urerr.Wrap(urerr.ErrConnection, "failed to write to primary socket: %v", err)
	}
	return nil
}

// Bootstrap sends the interpreter-mode activation script. The controller
// needs about a second to process it before the interpreter port accepts
// connections; the caller owns that wait.
func (c *Client) Bootstrap() error {
	if err := c.WriteScript(bootstrapScript); err != nil {
		return err
	}
	c.logger.Info("interpreter mode bootstrap script sent")
	return nil
}

// HaltBypass writes a bare `halt` to the primary socket, stopping motion
// ahead of everything queued in the interpreter.
func (c *Client) HaltBypass() error {
	if err := c.WriteScript("halt\n"); err != nil {
		return err
	}
	c.logger.Info("emergency halt sent through primary socket")
	return nil
}

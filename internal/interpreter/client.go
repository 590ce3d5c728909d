// Package interpreter implements the line-oriented TCP client for the
// Universal Robots interpreter interface (port 30020). Each statement is
// one newline-terminated line; the controller answers with one reply line
// of the form `STATE: <id>`, where the parenthesized digit group is the
// statement ID assigned by the robot. A reply whose state token is
// `discard` means the statement was rejected.
//
// # Emergency abort
//
// The client owns a shared abort flag. The reply read loop polls it between
// bytes, so raising the flag from any goroutine interrupts an in-flight
// read within one poll interval instead of waiting out the full socket
// deadline. The executor and the signal watcher hold the same flag through
// the controller.
package interpreter

import (
	"errors"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/martyn-saronic/urd/internal/urerr"
)

const (
	// readTimeout is the total budget for one reply. A halted controller
	// stops answering; without this a waiter would wedge forever.
	readTimeout = 5 * time.Second

	// readPollInterval is the per-byte deadline. Short enough that an
	// abort raised mid-read is observed promptly.
	readPollInterval = 100 * time.Millisecond

	dialTimeout = 5 * time.Second
)

// replyPattern matches the interpreter reply grammar: a state token, a
// colon, optional whitespace, and an optional statement ID. The separator
// is optional so a bare "discard:" still parses as a rejection instead of
// surfacing as a protocol error.
var replyPattern = regexp.MustCompile(`^(\w+):\s*(\d+)?$`)

// Result is the parsed outcome of one submitted statement.
type Result struct {
	// ID is the statement ID assigned by the robot; 0 when rejected.
	ID uint32
	// RawReply is the reply line as received, without the newline.
	RawReply string
	// Rejected is true when the controller discarded the statement.
	Rejected bool
}

// Client is the interpreter-mode TCP client. Methods are not safe for
// concurrent use — the dispatcher serializes access through the controller.
type Client struct {
	host   string
	port   int
	conn   net.Conn
	abort  *atomic.Bool
	logger *zap.Logger
}

// New creates a client. The abort flag is shared: pass the controller's
// flag so emergency paths can interrupt reads; a nil flag gets a private one.
func New(host string, port int, abort *atomic.Bool, logger *zap.Logger) *Client {
	if abort == nil {
		abort = &atomic.Bool{}
	}
	return &Client{
		host:   host,
		port:   port,
		abort:  abort,
		logger: logger.Named("interpreter"),
	}
}

// AbortSignal returns the shared emergency-abort flag.
func (c *Client) AbortSignal() *atomic.Bool {
	return c.abort
}

// SignalEmergencyAbort raises the abort flag. In-flight reads and cursor
// waits observe it within one poll interval.
func (c *Client) SignalEmergencyAbort() {
	c.abort.Store(true)
}

// Connect opens the TCP connection to the interpreter port.
func (c *Client) Connect() error {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(c.host, strconv.Itoa(c.port)), dialTimeout)
	if err != nil {
		return urerr.Wrap(urerr.ErrConnection, "failed to connect to %s:%d: %v", c.host, c.port, err)
	}
	c.conn = conn
	c.logger.Info("connected to interpreter", zap.String("host", c.host), zap.Int("port", c.port))
	return nil
}

// Connected reports whether the client holds an open connection.
func (c *Client) Connected() bool {
	return c.conn != nil
}

// Close closes the socket. It does not send end_interpreter — the
// controller decides whether cleanup statements are safe to send.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// readReply reads one newline-terminated reply. Bytes are read one at a
// time under a short deadline so the abort flag is checked between bytes;
// the cumulative budget is readTimeout.
func (c *Client) readReply() (string, error) {
	start := time.Now()
	var collected []byte
	buf := make([]byte, 1)

	for {
		if c.abort.Load() {
			return "", urerr.Wrap(urerr.ErrAborted, "emergency abort signaled during interpreter read")
		}

		if err := c.conn.SetReadDeadline(time.Now().Add(readPollInterval)); err != nil {
			return "", urerr.Wrap(urerr.ErrConnection, "failed to set read deadline: %v", err)
		}

		n, err := c.conn.Read(buf)
		if n == 1 {
			if buf[0] == '\n' {
				return string(collected), nil
			}
			collected = append(collected, buf[0])
			continue
		}
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if time.Since(start) >= readTimeout {
					return "", urerr.Wrap(urerr.ErrTimeout, "interpreter response timeout — robot may be halted or unresponsive")
				}
				continue
			}
			return "", urerr.Wrap(urerr.ErrConnection, "failed to read from interpreter socket: %v", err)
		}
	}
}

// Execute sends one statement and parses the reply. The statement is
// newline-terminated on the wire whether or not the caller included one.
func (c *Client) Execute(line string) (Result, error) {
	if c.conn == nil {
		return Result{}, urerr.Wrap(urerr.ErrConnection, "not connected to interpreter")
	}

	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}

	if err := c.conn.SetWriteDeadline(time.Now().Add(readTimeout)); err != nil {
		return Result{}, urerr.Wrap(urerr.ErrConnection, "failed to set write deadline: %v", err)
	}
	if _, err := c.conn.Write([]byte(line)); err != nil {
		return Result{}, urerr.Wrap(urerr.ErrConnection, "failed to send statement: %v", err)
	}

	raw, err := c.readReply()
	if err != nil {
		return Result{}, err
	}

	m := replyPattern.FindStringSubmatch(raw)
	if m == nil {
		return Result{}, urerr.Wrap(urerr.ErrProtocol, "invalid interpreter reply format: %q", raw)
	}

	if m[1] == "discard" {
		return Result{ID: 0, RawReply: raw, Rejected: true}, nil
	}

	var id uint32
	if m[2] != "" {
		parsed, perr := strconv.ParseUint(m[2], 10, 32)
		if perr == nil {
			id = uint32(parsed)
		}
	}
	return Result{ID: id, RawReply: raw}, nil
}

// Clear sends clear_interpreter(), removing all interpreted statements from
// the robot's buffer, and returns the clear request's own statement ID.
func (c *Client) Clear() (uint32, error) {
	return c.executeForID("clear_interpreter()")
}

// Skip skips execution of currently buffered statements.
func (c *Client) Skip() (uint32, error) {
	return c.executeForID("skipbuffer")
}

// AbortMove immediately stops any ongoing robot movement.
func (c *Client) AbortMove() (uint32, error) {
	return c.executeForID("abort")
}

// Halt stops the currently running robot program.
func (c *Client) Halt() (uint32, error) {
	return c.executeForID("halt")
}

// LastInterpretedID reports the ID of the most recently accepted statement.
func (c *Client) LastInterpretedID() (uint32, error) {
	return c.executeForID("statelastinterpreted")
}

// LastExecutedID reports the ID of the most recently executed statement.
func (c *Client) LastExecutedID() (uint32, error) {
	return c.executeForID("statelastexecuted")
}

// LastClearedID reports the ID up to which the buffer has been cleared.
func (c *Client) LastClearedID() (uint32, error) {
	return c.executeForID("statelastcleared")
}

// EndInterpreter exits interpreter mode. Safe to call repeatedly.
func (c *Client) EndInterpreter() (uint32, error) {
	return c.executeForID("end_interpreter()")
}

func (c *Client) executeForID(cmd string) (uint32, error) {
	res, err := c.Execute(cmd)
	if err != nil {
		return 0, err
	}
	return res.ID, nil
}

package interpreter

import (
	"bufio"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/martyn-saronic/urd/internal/urerr"
)

// fakeInterpreterServer accepts one connection and answers each received
// line using the reply function.
type fakeInterpreterServer struct {
	ln    net.Listener
	reply func(line string) string
}

func newFakeServer(t *testing.T, reply func(line string) string) *fakeInterpreterServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	f := &fakeInterpreterServer{ln: ln, reply: reply}
	go f.serve()
	t.Cleanup(func() { ln.Close() })
	return f
}

func (f *fakeInterpreterServer) port() int {
	_, portStr, _ := net.SplitHostPort(f.ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return port
}

func (f *fakeInterpreterServer) serve() {
	conn, err := f.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		reply := f.reply(scanner.Text())
		if reply == "" {
			continue // silent server: the client's deadline handles it
		}
		if _, err := conn.Write([]byte(reply + "\n")); err != nil {
			return
		}
	}
}

// ackSequencer answers every statement with ack: <n>, n increasing.
func ackSequencer() func(string) string {
	var id uint32
	return func(line string) string {
		next := atomic.AddUint32(&id, 1)
		return "ack: " + strconv.FormatUint(uint64(next), 10)
	}
}

func connect(t *testing.T, srv *fakeInterpreterServer) *Client {
	t.Helper()
	c := New("127.0.0.1", srv.port(), nil, zap.NewNop())
	require.NoError(t, c.Connect())
	t.Cleanup(func() { c.Close() })
	return c
}

func TestExecute_ParsesAssignedID(t *testing.T) {
	srv := newFakeServer(t, func(line string) string { return "ack: 42" })
	c := connect(t, srv)

	res, err := c.Execute("movej([0,0,0,0,0,0])")
	require.NoError(t, err)
	assert.Equal(t, uint32(42), res.ID)
	assert.False(t, res.Rejected)
	assert.Equal(t, "ack: 42", res.RawReply)
}

func TestExecute_IDsStrictlyIncrease(t *testing.T) {
	srv := newFakeServer(t, ackSequencer())
	c := connect(t, srv)

	var prev uint32
	for i := 0; i < 5; i++ {
		res, err := c.Execute("textmsg(\"ping\")")
		require.NoError(t, err)
		assert.Greater(t, res.ID, prev)
		prev = res.ID
	}
}

func TestExecute_DiscardMeansRejected(t *testing.T) {
	srv := newFakeServer(t, func(line string) string { return "discard: " })
	c := connect(t, srv)

	res, err := c.Execute("not actual urscript")
	require.NoError(t, err)
	assert.True(t, res.Rejected)
	assert.Equal(t, uint32(0), res.ID)
}

func TestExecute_AppendsNewlineExactlyOnce(t *testing.T) {
	var mu sync.Mutex
	var received []string
	srv := newFakeServer(t, func(line string) string {
		mu.Lock()
		received = append(received, line)
		mu.Unlock()
		return "ack: 1"
	})
	c := connect(t, srv)

	_, err := c.Execute("halt")
	require.NoError(t, err)
	_, err = c.Execute("halt\n")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"halt", "halt"}, received)
}

func TestExecute_UnparseableReply(t *testing.T) {
	srv := newFakeServer(t, func(line string) string { return "???" })
	c := connect(t, srv)

	_, err := c.Execute("halt")
	require.Error(t, err)
	assert.True(t, errors.Is(err, urerr.ErrProtocol))
}

func TestExecute_AbortInterruptsRead(t *testing.T) {
	// The server never replies; raising the abort flag must interrupt the
	// read within one poll interval, not after the full 5s deadline.
	srv := newFakeServer(t, func(line string) string { return "" })
	c := connect(t, srv)

	go func() {
		time.Sleep(50 * time.Millisecond)
		c.SignalEmergencyAbort()
	}()

	start := time.Now()
	_, err := c.Execute("movej([0,0,0,0,0,0])")
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errors.Is(err, urerr.ErrAborted))
	assert.Less(t, elapsed, time.Second)
}

func TestExecute_NotConnected(t *testing.T) {
	c := New("127.0.0.1", 30020, nil, zap.NewNop())
	_, err := c.Execute("halt")
	require.Error(t, err)
	assert.True(t, errors.Is(err, urerr.ErrConnection))
}

func TestCursorQueriesSendExpectedTokens(t *testing.T) {
	var mu sync.Mutex
	var received []string
	srv := newFakeServer(t, func(line string) string {
		mu.Lock()
		received = append(received, line)
		mu.Unlock()
		return "ack: 9"
	})
	c := connect(t, srv)

	calls := []struct {
		name string
		call func() (uint32, error)
		sent string
	}{
		{"clear", c.Clear, "clear_interpreter()"},
		{"skip", c.Skip, "skipbuffer"},
		{"abort_move", c.AbortMove, "abort"},
		{"halt", c.Halt, "halt"},
		{"last_interpreted", c.LastInterpretedID, "statelastinterpreted"},
		{"last_executed", c.LastExecutedID, "statelastexecuted"},
		{"last_cleared", c.LastClearedID, "statelastcleared"},
		{"end_interpreter", c.EndInterpreter, "end_interpreter()"},
	}

	for _, tc := range calls {
		id, err := tc.call()
		require.NoError(t, err, tc.name)
		assert.Equal(t, uint32(9), id, tc.name)
	}

	var sent []string
	for _, tc := range calls {
		sent = append(sent, tc.sent)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, sent, received)
}

func TestSharedAbortFlag(t *testing.T) {
	flag := &atomic.Bool{}
	c := New("127.0.0.1", 30020, flag, zap.NewNop())

	assert.Same(t, flag, c.AbortSignal())
	c.SignalEmergencyAbort()
	assert.True(t, flag.Load())
}

func TestReplyPattern(t *testing.T) {
	tests := []struct {
		raw   string
		state string
		id    string
	}{
		{"ack: 42", "ack", "42"},
		{"discard: ", "discard", ""},
		{"discard:", "discard", ""},
		{"executing: 107", "executing", "107"},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			m := replyPattern.FindStringSubmatch(tt.raw)
			require.NotNil(t, m)
			assert.Equal(t, tt.state, m[1])
			assert.Equal(t, tt.id, m[2])
		})
	}

	assert.Nil(t, replyPattern.FindStringSubmatch("???"))
}

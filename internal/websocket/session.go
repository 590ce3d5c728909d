package websocket

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// feedCapacity sizes a session's frame buffer. At the full 125 Hz
	// sample rate the gate typically passes far fewer frames, but a burst
	// (gate disabled, non-dynamic mode) fills ~250 ms of full-rate pose
	// traffic before the lossy path starts shedding.
	feedCapacity = 32

	// frameWriteTimeout bounds one wire write. A peer that cannot take a
	// frame in this window has effectively stopped reading.
	frameWriteTimeout = 5 * time.Second

	// keepaliveInterval is how often the session pings an otherwise
	// silent peer; peerTimeout is how long a missing pong (or any other
	// frame) is tolerated before the connection is declared dead.
	keepaliveInterval = 25 * time.Second
	peerTimeout       = 60 * time.Second

	// inboundLimit caps what the peer may send. The stream is push-only:
	// anything beyond control frames is a misbehaving client.
	inboundLimit = 512
)

// upgrader performs the HTTP → WebSocket protocol upgrade. Origins are not
// checked: the daemon serves operators on a trusted robot network and
// carries no authentication by design.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Session is one connected telemetry consumer. The broker pushes frames
// into feed; the session owns the connection and is the only goroutine
// that writes to it.
type Session struct {
	broker *Broker
	conn   *websocket.Conn

	// feed carries frames from the broker. Closed exactly once, when the
	// broker evicts the session (remove, an undeliverable critical event, or
	// Shutdown), which is the signal to flush a close frame and stop.
	feed chan Message

	// topics the consumer asked for at connect time. Immutable.
	topics map[string]struct{}

	remoteAddr string
	logger     *zap.Logger
}

// Attach upgrades the request to a WebSocket and registers the resulting
// session with the broker. topics is the subscription set; unknown names
// are kept but never published to.
func Attach(b *Broker, w http.ResponseWriter, r *http.Request, topics []string, logger *zap.Logger) (*Session, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	set := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		set[t] = struct{}{}
	}

	s := &Session{
		broker:     b,
		conn:       conn,
		feed:       make(chan Message, feedCapacity),
		topics:     set,
		remoteAddr: r.RemoteAddr,
		logger:     logger.With(zap.String("remote_addr", r.RemoteAddr)),
	}
	b.add(s)
	return s, nil
}

// wants reports whether the session subscribed to topic.
func (s *Session) wants(topic string) bool {
	_, ok := s.topics[topic]
	return ok
}

// Serve pumps frames to the peer until the connection dies or the broker
// evicts the session. It blocks; the HTTP handler calls it directly.
func (s *Session) Serve() {
	// The watcher is the only reader: it consumes pongs (resetting the
	// liveness deadline) and notices the peer closing. Its exit means the
	// connection is unusable.
	connDead := make(chan struct{})
	go s.watchPeer(connDead)

	s.writeFrames(connDead)

	// Whatever ended the write loop, make sure the broker forgets us and
	// the socket is gone so the watcher unblocks too.
	s.broker.remove(s)
	s.conn.Close()
	<-connDead
}

// watchPeer drains inbound frames. Consumers never send application data;
// this loop exists to detect disconnects and service pong frames.
func (s *Session) watchPeer(connDead chan<- struct{}) {
	defer close(connDead)

	s.conn.SetReadLimit(inboundLimit)
	if err := s.conn.SetReadDeadline(time.Now().Add(peerTimeout)); err != nil {
		return
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(peerTimeout))
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				s.logger.Warn("telemetry peer dropped uncleanly", zap.Error(err))
			}
			return
		}
	}
}

// writeFrames forwards the feed to the wire, interleaving keepalive pings.
// Returns when the feed closes (broker eviction), a write fails, or the
// peer disconnects.
func (s *Session) writeFrames(connDead <-chan struct{}) {
	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	deadline := func() time.Time { return time.Now().Add(frameWriteTimeout) }

	for {
		select {
		case <-connDead:
			return

		case msg, ok := <-s.feed:
			if !ok {
				// Evicted or daemon shutdown: tell the peer and stop.
				_ = s.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), deadline())
				return
			}
			if err := s.conn.SetWriteDeadline(deadline()); err != nil {
				return
			}
			if err := s.conn.WriteJSON(msg); err != nil {
				s.logger.Warn("telemetry frame write failed", zap.Error(err))
				return
			}

		case <-keepalive.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline()); err != nil {
				s.logger.Warn("keepalive ping failed", zap.Error(err))
				return
			}
		}
	}
}

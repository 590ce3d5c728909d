package websocket

import (
	"sync"

	"go.uber.org/zap"
)

// Broker fans telemetry out to connected WebSocket sessions.
//
// # Design: two delivery classes
//
// The RTDE monitor can emit poses at up to 125 Hz. A pose frame is
// superseded by the next sample, so when a session's buffer is full the
// frame is dropped and counted — a stalled reader costs frames, not its
// connection, and it recovers seamlessly once it drains. Block lifecycle
// events and state transitions are different: each one is a discrete fact
// a consumer cannot reconstruct from later traffic. A session too slow to
// take one of those is evicted, because silently losing a "rejected" or a
// safety-mode change is worse than losing the subscriber.
//
// There are only three fixed topics and membership changes at human pace
// (a client connecting), so sessions live in a map under one mutex — no
// event-loop goroutine. Feed sends are non-blocking, which makes it safe
// to deliver while holding the lock; closing a feed also happens under the
// lock, so a send can never race an eviction.
type Broker struct {
	logger *zap.Logger

	mu   sync.Mutex
	subs map[*Session]struct{}
	// dropped counts lossy frames discarded for slow sessions, readable
	// through DroppedFrames.
	dropped uint64
}

// NewBroker creates an empty broker.
func NewBroker(logger *zap.Logger) *Broker {
	return &Broker{
		logger: logger.Named("ws_broker"),
		subs:   make(map[*Session]struct{}),
	}
}

// add registers a session. Called by Attach once the upgrade succeeded.
func (b *Broker) add(s *Session) {
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
}

// remove forgets a session and closes its feed exactly once.
func (b *Broker) remove(s *Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.evictLocked(s)
}

// evictLocked drops a session while b.mu is held.
func (b *Broker) evictLocked(s *Session) {
	if _, present := b.subs[s]; !present {
		return
	}
	delete(b.subs, s)
	close(s.feed)
}

// publish delivers msg to every session subscribed to topic. lossy frames
// are dropped for full sessions; critical ones evict them.
func (b *Broker) publish(topic string, msg Message, lossy bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for s := range b.subs {
		if !s.wants(topic) {
			continue
		}
		select {
		case s.feed <- msg:
		default:
			if lossy {
				b.dropped++
				continue
			}
			b.logger.Warn("evicting session too slow for critical event",
				zap.String("topic", topic),
				zap.String("remote_addr", s.remoteAddr),
			)
			b.evictLocked(s)
		}
	}
}

// PublishPose broadcasts a pose frame. Lossy: a newer pose always follows.
func (b *Broker) PublishPose(msg Message) {
	b.publish(TopicPose, msg, true)
}

// PublishState broadcasts a mode transition. Critical.
func (b *Broker) PublishState(msg Message) {
	b.publish(TopicState, msg, false)
}

// PublishBlock broadcasts a block lifecycle event. Critical.
func (b *Broker) PublishBlock(msg Message) {
	b.publish(TopicBlocks, msg, false)
}

// SessionCount returns the number of connected sessions, for metrics and
// health output.
func (b *Broker) SessionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// DroppedFrames returns the number of lossy frames discarded so far.
func (b *Broker) DroppedFrames() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Shutdown evicts every session. Called during daemon teardown.
func (b *Broker) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		b.evictLocked(s)
	}
}

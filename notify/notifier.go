package notify

import (
	"sync"
	"sync/atomic"

	"github.com/maxpert/conveyor/topic"
	"github.com/puzpuzpuz/xsync/v3"
)

// defaultSignalBufferSize is the buffer size for feed signal channels.
// Subscribers that can't keep up will have signals dropped (non-blocking send).
const defaultSignalBufferSize = 16

// Signal announces that a change for Topic was appended to the feed at Seq
type Signal struct {
	Topic string
	Seq   uint64
}

// Filter selects the topics a subscriber is woken for.
// A nil Topics matcher matches every topic.
type Filter struct {
	Topics *topic.Matcher
}

// subscription represents a single subscriber.
type subscription struct {
	id     uint64
	filter Filter
	ch     chan Signal

	// mu orders sends against close; Range may still visit a removed subscription
	mu     sync.Mutex
	closed bool
}

func (s *subscription) matches(t string) bool {
	if s.filter.Topics == nil {
		return true
	}
	return s.filter.Topics.Match(t)
}

// send delivers sig without blocking, dropping it if the buffer is full.
func (s *subscription) send(sig Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	select {
	case s.ch <- sig:
	default:
	}
}

// close closes the subscription channel if not already closed.
func (s *subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Hub fans feed signals out to subscribers. Safe for concurrent use.
type Hub struct {
	subscriptions *xsync.MapOf[uint64, *subscription]
	nextID        atomic.Uint64
}

// NewHub creates a new notification hub.
func NewHub() *Hub {
	return &Hub{
		subscriptions: xsync.NewMapOf[uint64, *subscription](),
	}
}

// Signal sends a signal to all matching subscribers (non-blocking).
func (h *Hub) Signal(t string, seq uint64) {
	signal := Signal{Topic: t, Seq: seq}

	h.subscriptions.Range(func(_ uint64, sub *subscription) bool {
		if sub.matches(t) {
			sub.send(signal)
		}
		return true
	})
}

// Subscribe creates a new subscription and returns the signal channel and cancel function.
// The returned channel is buffered. If the subscriber cannot keep up with the signal rate,
// signals will be dropped silently by Signal(). The cancel function is idempotent.
func (h *Hub) Subscribe(filter Filter) (<-chan Signal, func()) {
	sub := &subscription{
		id:     h.nextID.Add(1),
		filter: filter,
		ch:     make(chan Signal, defaultSignalBufferSize),
	}

	h.subscriptions.Store(sub.id, sub)

	cancel := func() {
		h.unsubscribe(sub.id)
	}

	return sub.ch, cancel
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	return h.subscriptions.Size()
}

// unsubscribe removes a subscription and closes its channel.
func (h *Hub) unsubscribe(id uint64) {
	sub, ok := h.subscriptions.LoadAndDelete(id)
	if ok {
		sub.close()
	}
}

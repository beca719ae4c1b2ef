// Package broadcast fans simulation messages out to any number of
// subscribers. Each subscriber owns a bounded queue; when it is full the
// oldest message is dropped so a slow reader never stalls the publisher.
package broadcast

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/ChuLiYu/railsim/pkg/types"
)

// DefaultBuffer is the per-subscriber queue length used when none is given.
const DefaultBuffer = 64

// Hub is a single-producer, multi-subscriber fan-out.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	buffer int
	closed bool

	// OnDrop is called with the number of messages dropped by a publish.
	OnDrop func(n int)
}

// NewHub returns a hub whose subscribers queue up to buffer messages.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{subs: make(map[string]*Subscription), buffer: buffer}
}

// Subscription is one consumer's view of the stream.
type Subscription struct {
	ID      string
	ch      chan types.Message
	hub     *Hub
	mu      sync.Mutex // serialises drop-oldest against concurrent publishes
	dropped atomic.Uint64
	once    sync.Once
}

// C returns the message channel. It is closed when the subscription or the
// hub is closed.
func (s *Subscription) C() <-chan types.Message { return s.ch }

// Dropped returns how many messages this subscriber lost to backpressure.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.hub.remove(s.ID)
}

func (s *Subscription) shut() {
	s.once.Do(func() {
		s.mu.Lock()
		close(s.ch)
		s.mu.Unlock()
	})
}

// offer enqueues msg, evicting the oldest queued message when full. It
// reports whether a message was dropped.
func (s *Subscription) offer(msg types.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case s.ch <- msg:
		return false
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	s.dropped.Add(1)
	select {
	case s.ch <- msg:
	default:
	}
	return true
}

// Subscribe registers a new subscriber. On a closed hub the returned
// subscription's channel is already closed.
func (h *Hub) Subscribe() *Subscription {
	sub := &Subscription{
		ID:  uuid.NewString(),
		ch:  make(chan types.Message, h.buffer),
		hub: h,
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.shut()
		return sub
	}
	h.subs[sub.ID] = sub
	return sub
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	delete(h.subs, id)
	h.mu.Unlock()
	if ok {
		sub.shut()
	}
}

// Publish delivers msg to every subscriber without blocking.
func (h *Hub) Publish(msg types.Message) {
	h.mu.RLock()
	dropped := 0
	for _, sub := range h.subs {
		if sub.offer(msg) {
			dropped++
		}
	}
	h.mu.RUnlock()
	if dropped > 0 && h.OnDrop != nil {
		h.OnDrop(dropped)
	}
}

// Len returns the number of live subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close removes every subscriber and closes their channels.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]*Subscription)
	h.closed = true
	h.mu.Unlock()
	for _, sub := range subs {
		sub.shut()
	}
}

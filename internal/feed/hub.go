package feed

import (
	"strconv"
	"sync"
)

// Hub fans committed changes out to live subscribers. Each subscription has
// a buffered channel; a subscriber that stops draining has its slowest
// changes dropped rather than blocking the apply path, and recovers the gap
// through a catch-up fetch on its next reconnect.
type Hub struct {
	mu         sync.Mutex
	subs       map[string]*Subscription
	nextID     uint64
	bufferSize int
	closed     bool
}

type Subscription struct {
	id     string
	ch     chan Change
	done   chan struct{}
	closed bool
	mu     sync.Mutex
}

func NewHub(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Hub{subs: map[string]*Subscription{}, bufferSize: bufferSize}
}

// C returns the channel delivering live changes. It is closed when the
// subscription or the hub closes.
func (s *Subscription) C() <-chan Change {
	return s.ch
}

func (s *Subscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	close(s.ch)
}

func (s *Subscription) send(change Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- change:
	default:
		// full buffer; the subscriber reconciles via catch-up
	}
}

func (h *Hub) Subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	sub := &Subscription{
		id:   strconv.FormatUint(h.nextID, 10),
		ch:   make(chan Change, h.bufferSize),
		done: make(chan struct{}),
	}
	if h.closed {
		sub.Close()
		return sub
	}
	h.subs[sub.id] = sub
	return sub
}

func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	delete(h.subs, sub.id)
	h.mu.Unlock()
	sub.Close()
}

// Publish delivers a committed change to every live subscriber. Never
// blocks.
func (h *Hub) Publish(change Change) {
	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()
	for _, sub := range subs {
		sub.send(change)
	}
}

func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = map[string]*Subscription{}
	h.closed = true
	h.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}

// Package observers holds the default collaborators of a Guard: an in-process
// event hub for live dashboards, zap-backed alert and error sinks, and a
// Prometheus metrics recorder.
package observers

import (
	"sync"

	"github.com/aryangodara/abuse_guard"
)

var (
	_ abuse_guard.EventPublisher = &Hub{}
)

// Hub fans events out to subscribers. A subscriber that does not keep up
// misses events instead of slowing the publisher down.
type Hub struct {
	mu     sync.RWMutex
	subs   map[chan *abuse_guard.Event]struct{}
	buffer int
}

// NewHub creates a hub whose subscriptions buffer up to buffer events.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		subs:   make(map[chan *abuse_guard.Event]struct{}),
		buffer: buffer,
	}
}

// Publish delivers e to every subscriber with room for it.
func (h *Hub) Publish(e *abuse_guard.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe registers a new subscriber. The returned cancel func must be
// called to release it; it closes the channel.
func (h *Hub) Subscribe() (<-chan *abuse_guard.Event, func()) {
	ch := make(chan *abuse_guard.Event, h.buffer)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

package telemetry

import (
	"sync"
)

// Hub fans emitted events out to in-process subscribers, each with its own
// event-type filter. Subscribers that fall behind lose events rather than
// blocking the emitter; the store remains the durable record.
type Hub struct {
	mu     sync.RWMutex
	subs   map[int]*subscription
	nextID int
	closed bool
}

type subscription struct {
	ch    chan Event
	types map[string]bool // empty means all types
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]*subscription)}
}

// Subscribe registers a consumer for the given event types (none means all).
// The returned cancel function must be called to release the subscription.
func (h *Hub) Subscribe(buffer int, eventTypes ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscription{
		ch:    make(chan Event, buffer),
		types: make(map[string]bool, len(eventTypes)),
	}
	for _, t := range eventTypes {
		sub.types[t] = true
	}

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	if !h.closed {
		h.subs[id] = sub
	}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if s, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(s.ch)
		}
		h.mu.Unlock()
	}
	return sub.ch, cancel
}

// Emit delivers the event to every matching subscriber without blocking.
func (h *Hub) Emit(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if len(sub.types) > 0 && !sub.types[event.Type] {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Slow consumer; drop. The durable log has the event.
		}
	}
}

// Close tears down all subscriptions.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.ch)
	}
	return nil
}

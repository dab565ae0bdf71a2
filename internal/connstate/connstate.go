// Package connstate fans out connection lifecycle events from the database
// drivers and the store watchdog to interested observers.
package connstate

import (
	"sync"
)

// Event is a connection lifecycle transition.
type Event int

const (
	// Connected is published when the backing connection (re)establishes.
	Connected Event = iota + 1
	// Disconnected is published when the backing connection is lost.
	Disconnected
)

func (e Event) String() string {
	switch e {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Observer receives events. Observers run on the publisher's goroutine and
// must not block.
type Observer func(Event)

// Hub is a set of observers. The zero value is ready to use.
type Hub struct {
	mu        sync.Mutex
	next      int
	observers map[int]Observer
	last      Event
}

// Subscribe registers fn and returns a function that removes it.
func (h *Hub) Subscribe(fn Observer) (unsubscribe func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.observers == nil {
		h.observers = make(map[int]Observer)
	}
	id := h.next
	h.next++
	h.observers[id] = fn
	return func() {
		h.mu.Lock()
		delete(h.observers, id)
		h.mu.Unlock()
	}
}

// Publish delivers ev to every observer.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	h.last = ev
	observers := make([]Observer, 0, len(h.observers))
	for _, fn := range h.observers {
		observers = append(observers, fn)
	}
	h.mu.Unlock()

	for _, fn := range observers {
		fn(ev)
	}
}

// Last returns the most recently published event, or zero if none.
func (h *Hub) Last() Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}

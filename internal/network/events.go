package network

import "sync"

// EventType classifies registry notifications.
type EventType string

// Event types emitted by the registry.
const (
	// EventChainSwitched fires when the active chain changes.
	EventChainSwitched EventType = "chain_switched"
	// EventMetadataChanged fires when a chain's metadata content changes.
	EventMetadataChanged EventType = "metadata_changed"
	// EventEndpointChanged fires when routing moves a chain to a
	// different endpoint. The RPC client cache invalidates on this.
	EventEndpointChanged EventType = "endpoint_changed"
	// EventHealthChanged fires on every reported endpoint outcome that
	// mutates health counters.
	EventHealthChanged EventType = "health_changed"
	// EventStateChanged fires on any routing-state mutation.
	EventStateChanged EventType = "state_changed"
)

// Event is a registry notification.
type Event struct {
	Type      EventType
	Ref       Ref
	PrevIndex int
	NewIndex  int
}

// eventHub fans registry events out to subscribers. Callbacks run on
// the emitting goroutine, after the registry lock is released.
type eventHub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(Event)
}

func newEventHub() *eventHub {
	return &eventHub{subs: make(map[int]func(Event))}
}

// subscribe registers a callback and returns an unsubscribe function.
func (h *eventHub) subscribe(fn func(Event)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	h.subs[id] = fn

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs, id)
	}
}

// emit delivers events to all subscribers. Delivery order across
// subscribers is not guaranteed.
func (h *eventHub) emit(events ...Event) {
	h.mu.Lock()
	fns := make([]func(Event), 0, len(h.subs))
	for _, fn := range h.subs {
		fns = append(fns, fn)
	}
	h.mu.Unlock()

	for _, ev := range events {
		for _, fn := range fns {
			fn(ev)
		}
	}
}

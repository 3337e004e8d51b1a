package src

import (
	"sync"
)

// EventKind identifies a published event type.
type EventKind string

const (
	EventModeChanged     EventKind = "mode_changed"
	EventEvilTwin        EventKind = "evil_twin"
	EventHandshake       EventKind = "handshake"
	EventBluetoothDevice EventKind = "bluetooth_device"
)

// ModeChange is the payload of EventModeChanged.
type ModeChange struct {
	From Mode
	To   Mode
}

// EventHandler receives published events. Handlers run synchronously on
// the publisher's goroutine; a panicking handler is isolated and must not
// block delivery to the others.
type EventHandler func(kind EventKind, payload any)

// EventBus is a typed publish/subscribe registry keyed by event kind.
type EventBus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[EventKind]map[int]EventHandler
}

func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[EventKind]map[int]EventHandler)}
}

// Subscribe registers a handler for one event kind and returns a token
// for Unsubscribe.
func (b *EventBus) Subscribe(kind EventKind, h EventHandler) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	if b.subs[kind] == nil {
		b.subs[kind] = make(map[int]EventHandler)
	}
	b.subs[kind][b.nextID] = h
	return b.nextID
}

// Unsubscribe removes a previously registered handler. Unknown tokens are
// ignored.
func (b *EventBus) Unsubscribe(kind EventKind, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs[kind], id)
}

// Publish delivers payload to every subscriber of kind.
func (b *EventBus) Publish(kind EventKind, payload any) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.subs[kind]))
	for _, h := range b.subs[kind] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		deliver(h, kind, payload)
	}
}

func deliver(h EventHandler, kind EventKind, payload any) {
	defer func() {
		if r := recover(); r != nil {
			log := componentLogger("events")
			log.Warn().
				Str("event", string(kind)).
				Interface("panic", r).
				Msg("subscriber panicked, delivery continues")
		}
	}()
	h(kind, payload)
}

package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Event represents a system event with typed data
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Data      EventData `json:"data"`
	Type      EventType `json:"type"`
	Module    string    `json:"module"`
}

// Handler receives events. Handlers run synchronously on the emitter's
// goroutine and must not block; hand slow work to a queue or channel.
type Handler func(event *Event)

type subscription struct {
	handler Handler
	id      uint64
}

// Bus fans events out to subscribers
type Bus struct {
	handlers map[EventType][]subscription
	log      zerolog.Logger
	nextID   uint64
	mu       sync.RWMutex
}

// NewBus creates an empty bus
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[EventType][]subscription),
		log:      log.With().Str("component", "event_bus").Logger(),
	}
}

// Subscribe registers a handler for an event type. The returned function
// removes it again; long-lived subscribers may ignore it.
func (b *Bus) Subscribe(eventType EventType, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.handlers[eventType] = append(b.handlers[eventType], subscription{handler: handler, id: id})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.handlers[eventType]
		for i, s := range subs {
			if s.id == id {
				b.handlers[eventType] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers an event to every subscriber of its type.
// A panicking handler is logged and does not stop the others.
func (b *Bus) Publish(event *Event) {
	b.mu.RLock()
	subs := append([]subscription(nil), b.handlers[event.Type]...)
	b.mu.RUnlock()

	for _, s := range subs {
		b.invoke(s.handler, event)
	}
}

func (b *Bus) invoke(h Handler, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Interface("panic", r).
				Str("event_type", string(event.Type)).
				Msg("Event handler panicked")
		}
	}()
	h(event)
}

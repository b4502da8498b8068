package events

import (
	"time"

	"github.com/rs/zerolog"
)

// Manager stamps and publishes events on behalf of modules
type Manager struct {
	bus *Bus
	log zerolog.Logger
}

// NewManager creates a new event manager
func NewManager(bus *Bus, log zerolog.Logger) *Manager {
	return &Manager{
		bus: bus,
		log: log.With().Str("component", "events").Logger(),
	}
}

// Emit publishes typed event data from a module
func (m *Manager) Emit(module string, data EventData) {
	if m == nil || data == nil {
		return
	}

	event := &Event{
		Type:      data.EventType(),
		Timestamp: time.Now(),
		Data:      data,
		Module:    module,
	}

	m.log.Debug().
		Str("event_type", string(event.Type)).
		Str("module", module).
		Msg("Event emitted")

	m.bus.Publish(event)
}

// EmitError publishes a locally recovered error
func (m *Manager) EmitError(module string, err error, context map[string]interface{}) {
	if err == nil {
		return
	}
	m.Emit(module, &ErrorEventData{Error: err.Error(), Context: context})
}

// Bus returns the underlying bus for subscribers
func (m *Manager) Bus() *Bus {
	return m.bus
}

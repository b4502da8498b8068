package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/events"
)

// streamedTypes are the events an operator stream can follow
var streamedTypes = []events.EventType{
	events.SpikeDetected,
	events.AlertCreated,
	events.AlertDeduplicated,
	events.AlertBundled,
	events.AlertsMerged,
	events.EvidenceRecorded,
	events.DeliveryExpired,
	events.ClientConnected,
	events.ClientDisconnected,
	events.ErrorOccurred,
}

// EventsStreamHandler streams internal events as Server-Sent Events. It is
// an operator view of the pipeline; subscribers receive alerts over /ws.
type EventsStreamHandler struct {
	eventBus  *events.Bus
	log       zerolog.Logger
	heartbeat time.Duration
}

// NewEventsStreamHandler creates a new events stream handler
func NewEventsStreamHandler(eventBus *events.Bus, log zerolog.Logger) *EventsStreamHandler {
	return &EventsStreamHandler{
		eventBus:  eventBus,
		log:       log.With().Str("component", "events_stream").Logger(),
		heartbeat: 30 * time.Second,
	}
}

// ServeHTTP handles GET /api/events/stream?types=ALERT_CREATED,SPIKE_DETECTED
func (h *EventsStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	types := streamedTypes
	if filter := r.URL.Query().Get("types"); filter != "" {
		known := make(map[events.EventType]bool, len(streamedTypes))
		for _, t := range streamedTypes {
			known[t] = true
		}
		types = nil
		for _, part := range strings.Split(filter, ",") {
			t := events.EventType(strings.ToUpper(strings.TrimSpace(part)))
			if !known[t] {
				http.Error(w, fmt.Sprintf("unknown event type %q", part), http.StatusBadRequest)
				return
			}
			types = append(types, t)
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Buffered so a slow client never blocks the publisher; overflow is dropped
	eventChan := make(chan *events.Event, 100)
	handler := func(event *events.Event) {
		select {
		case eventChan <- event:
		default:
			h.log.Warn().Str("event_type", string(event.Type)).Msg("Event channel full, dropping event")
		}
	}
	for _, t := range types {
		unsubscribe := h.eventBus.Subscribe(t, handler)
		defer unsubscribe()
	}

	h.log.Info().Int("types", len(types)).Msg("Client connected to event stream")
	h.write(w, map[string]interface{}{
		"type":    "connected",
		"message": "Connected to event stream",
	})
	flusher.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			h.log.Info().Msg("Client disconnected from event stream")
			return

		case event := <-eventChan:
			h.write(w, map[string]interface{}{
				"type":      string(event.Type),
				"module":    event.Module,
				"timestamp": event.Timestamp.Format(time.RFC3339),
				"data":      event.Data,
			})
			flusher.Flush()

		case <-heartbeat.C:
			h.write(w, map[string]interface{}{
				"type":      "heartbeat",
				"timestamp": time.Now().Format(time.RFC3339),
			})
			flusher.Flush()
		}
	}
}

// write emits one SSE data frame
func (h *EventsStreamHandler) write(w http.ResponseWriter, event map[string]interface{}) {
	data, err := json.Marshal(event)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to encode event")
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

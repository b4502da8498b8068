// Package distribution pushes alerts to subscribers over websocket connections
// and hands alerts for offline subscribers to the delivery queue.
package distribution

import (
	"encoding/json"
	"time"

	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/domain"
)

// Message types on the wire
const (
	TypeConnection       = "connection"
	TypeAlert            = "alert"
	TypeAlertBatch       = "alert_batch"
	TypeUpdateWatchlist  = "update_watchlist"
	TypeWatchlistUpdated = "watchlist_updated"
	TypeHeartbeat        = "heartbeat"
	TypeHeartbeatAck     = "heartbeat_ack"
	TypeError            = "error"
)

// Alert actions
const (
	ActionInsert = "INSERT"
	ActionUpdate = "UPDATE"
	ActionDelete = "DELETE"
)

// PriorityImmediate tags alerts that bypassed batching
const PriorityImmediate = "immediate"

// ConnectionMessage greets a streaming client with its watch-list
type ConnectionMessage struct {
	Type      string   `json:"type"`
	Status    string   `json:"status"`
	Watchlist []string `json:"watchlist"`
}

// AlertEnvelope carries one alert. Priority is set only for immediate sends.
type AlertEnvelope struct {
	Data      *domain.DivergenceAlert `json:"data"`
	Type      string                  `json:"type"`
	Action    string                  `json:"action"`
	Priority  string                  `json:"priority,omitempty"`
	Timestamp int64                   `json:"timestamp"`
}

// BatchMessage carries buffered low and medium alerts
type BatchMessage struct {
	Type      string          `json:"type"`
	Alerts    []AlertEnvelope `json:"alerts"`
	Count     int             `json:"count"`
	Timestamp int64           `json:"timestamp"`
}

// WatchlistMessage acknowledges a watch-list change
type WatchlistMessage struct {
	Type    string   `json:"type"`
	Tickers []string `json:"tickers"`
}

// HeartbeatAck answers a client heartbeat
type HeartbeatAck struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorMessage reports a rejected client message
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ClientMessage is anything a client may send
type ClientMessage struct {
	Type    string   `json:"type"`
	Tickers []string `json:"tickers,omitempty"`
}

// NewAlertEnvelope wraps an alert for sending
func NewAlertEnvelope(alert *domain.DivergenceAlert, action string, at time.Time) AlertEnvelope {
	return AlertEnvelope{
		Type:      TypeAlert,
		Action:    action,
		Data:      alert,
		Timestamp: at.UnixMilli(),
	}
}

// EncodeEnvelope renders the stored payload of a delivery record
func EncodeEnvelope(env AlertEnvelope) (string, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeEnvelope parses a stored payload
func DecodeEnvelope(payload string) (AlertEnvelope, error) {
	var env AlertEnvelope
	err := json.Unmarshal([]byte(payload), &env)
	return env, err
}

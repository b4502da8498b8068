// Package events provides an in-process event bus for cross-module notifications.
package events

// EventType identifies an event
type EventType string

const (
	// SpikeDetected fires when the detector records a VolumeSpike
	SpikeDetected EventType = "SPIKE_DETECTED"
	// AlertCreated fires after an alert is persisted
	AlertCreated EventType = "ALERT_CREATED"
	// AlertDeduplicated fires when a candidate collapses into an existing alert
	AlertDeduplicated EventType = "ALERT_DEDUPLICATED"
	// AlertBundled fires when related alerts are grouped under a primary
	AlertBundled EventType = "ALERT_BUNDLED"
	// AlertsMerged fires when duplicates are merged after the fact
	AlertsMerged EventType = "ALERTS_MERGED"
	// EvidenceRecorded fires when a filing or news item lands for a ticker
	EvidenceRecorded EventType = "EVIDENCE_RECORDED"
	// DeliveryExpired fires when an offline delivery is abandoned
	DeliveryExpired EventType = "DELIVERY_EXPIRED"
	// ClientConnected fires when a subscriber reaches the streaming state
	ClientConnected EventType = "CLIENT_CONNECTED"
	// ClientDisconnected fires when a subscriber connection is torn down
	ClientDisconnected EventType = "CLIENT_DISCONNECTED"
	// ErrorOccurred carries errors that were recovered locally
	ErrorOccurred EventType = "ERROR_OCCURRED"
)

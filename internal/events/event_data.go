package events

// EventData is the interface that all event data types must implement
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
}

// SpikeDetectedData contains data for SpikeDetected events
type SpikeDetectedData struct {
	SpikeID           string  `json:"spike_id"`
	Ticker            string  `json:"ticker"`
	DeviationMultiple float64 `json:"deviation_multiple"`
	ZScore            float64 `json:"z_score"`
}

// EventType returns the event type for SpikeDetectedData
func (d *SpikeDetectedData) EventType() EventType {
	return SpikeDetected
}

// AlertCreatedData contains data for AlertCreated events
type AlertCreatedData struct {
	AlertID    string  `json:"alert_id"`
	Ticker     string  `json:"ticker"`
	AlertType  string  `json:"alert_type"`
	Severity   string  `json:"severity"`
	Confidence float64 `json:"confidence"`
}

// EventType returns the event type for AlertCreatedData
func (d *AlertCreatedData) EventType() EventType {
	return AlertCreated
}

// AlertDeduplicatedData contains data for AlertDeduplicated events
type AlertDeduplicatedData struct {
	ExistingAlertID string `json:"existing_alert_id"`
	Ticker          string `json:"ticker"`
	AlertType       string `json:"alert_type"`
}

// EventType returns the event type for AlertDeduplicatedData
func (d *AlertDeduplicatedData) EventType() EventType {
	return AlertDeduplicated
}

// AlertBundledData contains data for AlertBundled events
type AlertBundledData struct {
	PrimaryID string   `json:"primary_id"`
	MemberIDs []string `json:"member_ids"`
}

// EventType returns the event type for AlertBundledData
func (d *AlertBundledData) EventType() EventType {
	return AlertBundled
}

// AlertsMergedData contains data for AlertsMerged events
type AlertsMergedData struct {
	PrimaryID    string   `json:"primary_id"`
	DuplicateIDs []string `json:"duplicate_ids"`
}

// EventType returns the event type for AlertsMergedData
func (d *AlertsMergedData) EventType() EventType {
	return AlertsMerged
}

// EvidenceRecordedData contains data for EvidenceRecorded events
type EvidenceRecordedData struct {
	Ticker string `json:"ticker"`
	Kind   string `json:"kind"` // filing, news, social
	ID     string `json:"id"`
}

// EventType returns the event type for EvidenceRecordedData
func (d *EvidenceRecordedData) EventType() EventType {
	return EvidenceRecorded
}

// DeliveryExpiredData contains data for DeliveryExpired events
type DeliveryExpiredData struct {
	UserID  string `json:"user_id"`
	AlertID string `json:"alert_id"`
}

// EventType returns the event type for DeliveryExpiredData
func (d *DeliveryExpiredData) EventType() EventType {
	return DeliveryExpired
}

// ClientData contains data for ClientConnected and ClientDisconnected events
type ClientData struct {
	UserID    string `json:"user_id"`
	Connected bool   `json:"connected"`
}

// EventType returns the event type for ClientData
func (d *ClientData) EventType() EventType {
	if d.Connected {
		return ClientConnected
	}
	return ClientDisconnected
}

// ErrorEventData contains data for ErrorOccurred events
type ErrorEventData struct {
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// EventType returns the event type for ErrorEventData
func (d *ErrorEventData) EventType() EventType {
	return ErrorOccurred
}

// Package domain provides core domain models and types.
package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Severity is the discrete class derived from the weighted score
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from 1 (low) to 4 (critical). Unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// IsUrgent reports whether alerts of this severity bypass batching
func (s Severity) IsUrgent() bool {
	return s == SeverityHigh || s == SeverityCritical
}

// AtLeast reports whether s is as severe as other
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// ParseSeverity validates a severity string
func ParseSeverity(v string) (Severity, error) {
	s := Severity(strings.ToLower(strings.TrimSpace(v)))
	if s.Rank() == 0 {
		return "", NewValidationError("severity", fmt.Sprintf("unknown severity %q", v))
	}
	return s, nil
}

// AlertType classifies what kind of divergence was observed
type AlertType string

const (
	// AlertTypeDivergence is a volume anomaly with no identifiable catalyst
	AlertTypeDivergence AlertType = "divergence"
	// AlertTypeFilingContradiction is a move that runs against a same-window filing
	AlertTypeFilingContradiction AlertType = "filing_contradiction"
	// AlertTypeSocialSurge is a move explained only by social chatter
	AlertTypeSocialSurge AlertType = "social_surge"
)

// Valid reports whether t is a known alert type
func (t AlertType) Valid() bool {
	switch t {
	case AlertTypeDivergence, AlertTypeFilingContradiction, AlertTypeSocialSurge:
		return true
	}
	return false
}

// AlertStatus is a one-way lifecycle state
type AlertStatus string

const (
	AlertStatusActive    AlertStatus = "active"
	AlertStatusBundled   AlertStatus = "bundled"
	AlertStatusResolved  AlertStatus = "resolved"
	AlertStatusDismissed AlertStatus = "dismissed"
)

// CanTransitionTo enforces active -> {bundled, resolved, dismissed}.
// A bundled member stays addressable and closes with its primary.
func (s AlertStatus) CanTransitionTo(next AlertStatus) bool {
	switch s {
	case AlertStatusActive:
		return next == AlertStatusBundled || next == AlertStatusResolved || next == AlertStatusDismissed
	case AlertStatusBundled:
		return next == AlertStatusResolved || next == AlertStatusDismissed
	default:
		return false
	}
}

// MarketSample is one immutable observation for a ticker
type MarketSample struct {
	Ticker    string    `json:"ticker"`
	Timestamp time.Time `json:"timestamp"`
	Volume    float64   `json:"volume"`
	Price     float64   `json:"price"`
}

// Validate rejects malformed samples before they reach the detector
func (s MarketSample) Validate() error {
	if err := ValidateTicker(s.Ticker); err != nil {
		return err
	}
	if s.Timestamp.IsZero() {
		return NewValidationError("timestamp", "missing")
	}
	if s.Volume < 0 {
		return NewValidationError("volume", "must not be negative")
	}
	if s.Price < 0 {
		return NewValidationError("price", "must not be negative")
	}
	return nil
}

// VolumeSpike is an append-only record of a detected anomaly
type VolumeSpike struct {
	DetectedAt        time.Time `json:"detected_at"`
	ID                string    `json:"id"`
	Ticker            string    `json:"ticker"`
	Volume            float64   `json:"volume"`
	AvgVolume         float64   `json:"avg_volume"`
	StdDev            float64   `json:"std_dev"`
	DeviationMultiple float64   `json:"deviation_multiple"`
	ZScore            float64   `json:"z_score"`
	PriceChangePct    float64   `json:"price_change_pct"`
	Processed         bool      `json:"processed"`
}

// SupportingEvidence is everything the alert was derived from
type SupportingEvidence struct {
	FactorBreakdown       map[string]float64 `json:"factor_breakdown,omitempty"`
	Reasoning             []string           `json:"reasoning,omitempty"`
	Degraded              []string           `json:"degraded,omitempty"`
	FilingIDs             []string           `json:"filing_ids,omitempty"`
	Volume                float64            `json:"volume"`
	AvgVolume             float64            `json:"avg_volume"`
	DeviationMultiple     float64            `json:"deviation_multiple"`
	ZScore                float64            `json:"z_score"`
	PriceChangePercent    float64            `json:"price_change_percent"`
	SentimentScore        float64            `json:"sentiment_score"`
	WeightedScore         float64            `json:"weighted_score"`
	FilingCount           int                `json:"filing_count"`
	NewsCount             int                `json:"news_count"`
	SocialCount           int                `json:"social_count"`
	HistoricalFrequency   int                `json:"historical_frequency"`
	NarrativeChange       bool               `json:"narrative_change"`
	CatalystLowConfidence bool               `json:"catalyst_low_confidence"`
}

// DivergenceAlert is the authoritative alert record
type DivergenceAlert struct {
	CreatedAt          time.Time          `json:"created_at"`
	ResolvedAt         *time.Time         `json:"resolved_at,omitempty"`
	SpikeID            *string            `json:"spike_id,omitempty"`
	PrimaryAlertID     *string            `json:"primary_alert_id,omitempty"`
	ID                 string             `json:"id"`
	Ticker             string             `json:"ticker"`
	AlertType          AlertType          `json:"alert_type"`
	Severity           Severity           `json:"severity"`
	Status             AlertStatus        `json:"status"`
	Hypothesis         string             `json:"hypothesis"`
	BundledAlertIDs    []string           `json:"bundled_alert_ids,omitempty"`
	SupportingEvidence SupportingEvidence `json:"supporting_evidence"`
	ConfidenceScore    float64            `json:"confidence_score"`
	// Magnitude of the primary evidence (the deviation multiple); used for dedup
	Magnitude float64 `json:"magnitude"`
}

// Subscription is a user's interest in one ticker
type Subscription struct {
	UserID           string      `json:"user_id"`
	Ticker           string      `json:"ticker"`
	SeverityFilter   Severity    `json:"severity_filter"`
	AlertTypeFilters []AlertType `json:"alert_type_filters"`
}

// Matches reports whether an alert passes this subscription's filters.
// An empty type filter accepts every type.
func (s Subscription) Matches(alert *DivergenceAlert) bool {
	if alert.Ticker != s.Ticker {
		return false
	}
	if s.SeverityFilter != "" && !alert.Severity.AtLeast(s.SeverityFilter) {
		return false
	}
	if len(s.AlertTypeFilters) == 0 {
		return true
	}
	for _, t := range s.AlertTypeFilters {
		if t == alert.AlertType {
			return true
		}
	}
	return false
}

// DeliveryRecord is a pending delivery for an offline subscriber
type DeliveryRecord struct {
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	AlertID     string     `json:"alert_id"`
	Payload     string     `json:"payload"`
	Priority    Severity   `json:"priority"`
}

// Expired reports whether the record is past its TTL at now
func (r DeliveryRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Filing is a regulatory filing that may explain a move
type Filing struct {
	FiledAt   time.Time `json:"filed_at"`
	ID        string    `json:"id"`
	Ticker    string    `json:"ticker"`
	FormType  string    `json:"form_type"`
	Title     string    `json:"title"`
	Sentiment float64   `json:"sentiment"` // -1 bearish .. 1 bullish
}

// NewsSource distinguishes editorial news from social chatter
type NewsSource string

const (
	NewsSourceNews   NewsSource = "news"
	NewsSourceSocial NewsSource = "social"
)

// NewsItem is a news article or social mention
type NewsItem struct {
	PublishedAt time.Time  `json:"published_at"`
	ID          string     `json:"id"`
	Ticker      string     `json:"ticker"`
	Source      NewsSource `json:"source"`
	Headline    string     `json:"headline"`
	Sentiment   float64    `json:"sentiment"` // -1 bearish .. 1 bullish
}

var tickerPattern = regexp.MustCompile(`^[A-Z][A-Z0-9.\-]{0,9}$`)

// ValidateTicker accepts upper-case exchange symbols such as "AAPL" or "BRK.B"
func ValidateTicker(ticker string) error {
	if ticker == "" {
		return NewValidationError("ticker", "missing")
	}
	if !tickerPattern.MatchString(ticker) {
		return NewValidationError("ticker", fmt.Sprintf("malformed ticker %q", ticker))
	}
	return nil
}

// NormalizeTicker upper-cases and trims a user supplied ticker
func NormalizeTicker(ticker string) string {
	return strings.ToUpper(strings.TrimSpace(ticker))
}

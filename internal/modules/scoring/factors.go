// Package scoring turns weak divergence signals into a severity class and confidence.
package scoring

import (
	"math"

	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/domain"
)

// Factor names used in breakdowns
const (
	FactorVolume    = "volume"
	FactorPrice     = "price"
	FactorNews      = "news"
	FactorNarrative = "narrative"
	FactorSentiment = "sentiment"
	FactorFrequency = "frequency"
)

// Weights of each sub-score in the weighted sum
var Weights = map[string]float64{
	FactorVolume:    0.25,
	FactorPrice:     0.20,
	FactorNews:      0.20,
	FactorNarrative: 0.15,
	FactorSentiment: 0.15,
	FactorFrequency: 0.05,
}

// ExtremeZScore marks a spike far outside the trailing distribution. Such
// spikes lift the volume sub-score by one band.
const ExtremeZScore = 10.0

var volumeBands = []float64{10, 25, 40, 65, 85, 100}

// primaryFactors drive the agreement bonus
var primaryFactors = []string{FactorVolume, FactorPrice, FactorNews, FactorNarrative}

// Factors are the raw signals for one candidate alert
type Factors struct {
	VolumeDeviationMultiple float64 `json:"volume_deviation_multiple"`
	VolumeZScore            float64 `json:"volume_z_score"`
	PriceChangePercent      float64 `json:"price_change_percent"`
	SocialSentimentScore    float64 `json:"social_sentiment_score"` // -1 .. 1
	NewsItemCount           int     `json:"news_item_count"`
	HistoricalFrequency     int     `json:"historical_frequency"` // prior spikes in the lookback
	FilingPresent           bool    `json:"filing_present"`
	NarrativeChangeDetected bool    `json:"narrative_change_detected"`
	CatalystUncertain       bool    `json:"catalyst_uncertain"`
}

// VolumeScore maps the deviation multiple to a sub-score
func VolumeScore(multiple float64) float64 {
	switch {
	case multiple < 1.5:
		return 10
	case multiple < 2:
		return 25
	case multiple < 3:
		return 40
	case multiple < 5:
		return 65
	case multiple < 10:
		return 85
	default:
		return 100
	}
}

// VolumeFactorScore applies the z-score lift on top of VolumeScore
func VolumeFactorScore(multiple, zScore float64) float64 {
	score := VolumeScore(multiple)
	if zScore < ExtremeZScore {
		return score
	}
	for _, band := range volumeBands {
		if band > score {
			return band
		}
	}
	return score
}

// PriceScore maps the absolute price change in percent to a sub-score
func PriceScore(changePct float64) float64 {
	abs := math.Abs(changePct)
	switch {
	case abs < 1:
		return 10
	case abs < 2:
		return 25
	case abs < 5:
		return 50
	case abs < 10:
		return 75
	default:
		return 100
	}
}

// NewsScore maps unexplained news volume to a sub-score. Silence is the
// strongest divergence signal. With a filing present the scale is inverted
// and capped low since the move is at least partly explained.
func NewsScore(count int, filingPresent bool) float64 {
	if filingPresent {
		switch {
		case count == 0:
			return 30
		case count <= 2:
			return 20
		default:
			return 10
		}
	}
	switch {
	case count <= 0:
		return 100
	case count == 1:
		return 80
	case count == 2:
		return 60
	case count <= 5:
		return 40
	default:
		return 20
	}
}

// NarrativeScore maps a narrative shift to a sub-score
func NarrativeScore(changed bool) float64 {
	if changed {
		return 85
	}
	return 20
}

// SentimentScore maps sentiment strength, regardless of direction
func SentimentScore(sentiment float64) float64 {
	abs := math.Abs(sentiment)
	switch {
	case abs < 0.25:
		return 50
	case abs < 0.5:
		return 65
	case abs < 0.75:
		return 80
	default:
		return 100
	}
}

// FrequencyScore rewards rarity: a ticker that spikes often is less remarkable
func FrequencyScore(priorSpikes int) float64 {
	switch {
	case priorSpikes <= 0:
		return 100
	case priorSpikes <= 2:
		return 70
	case priorSpikes <= 5:
		return 40
	default:
		return 15
	}
}

// Band maps a weighted score to a severity
func Band(score float64) domain.Severity {
	switch {
	case score >= 80:
		return domain.SeverityCritical
	case score >= 60:
		return domain.SeverityHigh
	case score >= 40:
		return domain.SeverityMedium
	default:
		return domain.SeverityLow
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

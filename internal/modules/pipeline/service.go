// Package pipeline runs one market sample through detection, correlation,
// scoring, deduplication and distribution.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/distribution"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/domain"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/events"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/metrics"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/modules/catalyst"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/modules/dedup"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/modules/detection"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/modules/narrative"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/modules/scoring"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/utils"
)

const moduleName = "pipeline"

// DefaultFrequencyLookback is how far back prior spikes count toward frequency
const DefaultFrequencyLookback = 30 * 24 * time.Hour

// SpikeStore is the spike persistence the pipeline reads and updates
type SpikeStore interface {
	GetSpike(ctx context.Context, id string) (*domain.VolumeSpike, error)
	MarkSpikeProcessed(ctx context.Context, id string) error
	CountSpikesSince(ctx context.Context, ticker string, since, until time.Time, excludeID string) (int, error)
	GetUnprocessedSpikes(ctx context.Context, olderThan time.Time, limit int) ([]string, error)
}

// AlertWriter persists the authoritative alert
type AlertWriter interface {
	Insert(ctx context.Context, a *domain.DivergenceAlert) error
}

// Outcome says how far a sample got
type Outcome string

const (
	OutcomeNoSpike   Outcome = "no_spike"
	OutcomeExplained Outcome = "explained"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeAlerted   Outcome = "alerted"
)

// Result describes what happened to one sample or spike
type Result struct {
	Spike       *domain.VolumeSpike     `json:"spike,omitempty"`
	Alert       *domain.DivergenceAlert `json:"alert,omitempty"`
	Outcome     Outcome                 `json:"outcome"`
	DuplicateOf string                  `json:"duplicate_of,omitempty"`
	Bundled     []string                `json:"bundled,omitempty"`
	Delivery    distribution.Report     `json:"delivery"`
	Evaluation  detection.Evaluation    `json:"evaluation"`
}

// Config holds pipeline settings
type Config struct {
	CatalystWindow    time.Duration
	FrequencyLookback time.Duration
}

// Service orchestrates the alerting flow
type Service struct {
	detector    *detection.Detector
	correlator  *catalyst.Correlator
	scorer      *scoring.Scorer
	narrator    *narrative.Client
	dedup       *dedup.Deduplicator
	distributor *distribution.Distributor
	spikes      SpikeStore
	alerts      AlertWriter
	events      *events.Manager
	metrics     *metrics.Registry
	locks       *utils.KeyedMutex
	now         func() time.Time
	log         zerolog.Logger
	cfg         Config
}

// NewService creates the pipeline
func NewService(
	detector *detection.Detector,
	correlator *catalyst.Correlator,
	scorer *scoring.Scorer,
	narrator *narrative.Client,
	deduplicator *dedup.Deduplicator,
	distributor *distribution.Distributor,
	spikes SpikeStore,
	alerts AlertWriter,
	cfg Config,
	em *events.Manager,
	reg *metrics.Registry,
	log zerolog.Logger,
) *Service {
	if cfg.CatalystWindow <= 0 {
		cfg.CatalystWindow = catalyst.DefaultWindow
	}
	if cfg.FrequencyLookback <= 0 {
		cfg.FrequencyLookback = DefaultFrequencyLookback
	}
	return &Service{
		detector:    detector,
		correlator:  correlator,
		scorer:      scorer,
		narrator:    narrator,
		dedup:       deduplicator,
		distributor: distributor,
		spikes:      spikes,
		alerts:      alerts,
		events:      em,
		metrics:     reg,
		locks:       utils.NewKeyedMutex(),
		now:         time.Now,
		log:         log.With().Str("component", "pipeline").Logger(),
		cfg:         cfg,
	}
}

// ProcessSample records a sample and, when it is a spike, runs the rest of
// the flow. Validation and window errors are returned as is.
func (s *Service) ProcessSample(ctx context.Context, sample domain.MarketSample) (*Result, error) {
	sample.Ticker = domain.NormalizeTicker(sample.Ticker)
	obs, err := s.detector.Observe(ctx, sample)
	if err != nil {
		return nil, err
	}
	if obs.Spike == nil {
		return &Result{Outcome: OutcomeNoSpike, Evaluation: obs.Evaluation}, nil
	}

	res, err := s.ProcessSpike(ctx, obs.Spike)
	if err != nil {
		return nil, err
	}
	res.Evaluation = obs.Evaluation
	return res, nil
}

// Classify decides which alert, if any, a spike warrants. A filing explains
// the move unless its sentiment runs against the price; mentions explain it
// unless they are social chatter alone.
func Classify(cat catalyst.Result, priceChangePct float64) (domain.AlertType, bool) {
	switch {
	case cat.HasFiling:
		if catalyst.Contradicts(cat.Filings, priceChangePct) {
			return domain.AlertTypeFilingContradiction, true
		}
		return "", false
	case cat.HasNews:
		if cat.NewsCount == 0 {
			return domain.AlertTypeSocialSurge, true
		}
		return "", false
	default:
		return domain.AlertTypeDivergence, true
	}
}

// ProcessSpike correlates, scores, deduplicates and distributes one spike.
// Only the alert insert is a hard failure; the spike then stays unprocessed
// and is picked up again by ReprocessPending.
func (s *Service) ProcessSpike(ctx context.Context, spike *domain.VolumeSpike) (*Result, error) {
	unlock := s.locks.Lock(spike.Ticker)
	defer unlock()
	defer utils.OperationTimer("process_spike", s.log)()

	res := &Result{Spike: spike}

	cat := s.correlator.HasCatalyst(ctx, spike.Ticker, spike.DetectedAt, s.cfg.CatalystWindow)
	alertType, ok := Classify(cat, spike.PriceChangePct)
	if !ok {
		s.log.Debug().Str("ticker", spike.Ticker).Str("spike_id", spike.ID).Msg("Spike explained by catalyst")
		s.markProcessed(ctx, spike)
		res.Outcome = OutcomeExplained
		return res, nil
	}

	factors := s.factors(ctx, spike, cat)
	score := s.scorer.Score(ctx, spike.Ticker, spike.DetectedAt, factors)
	alert := s.buildAlert(spike, alertType, cat, factors, score)

	hyp := s.narrator.Hypothesis(ctx, narrative.Request{
		Ticker:            alert.Ticker,
		AlertType:         string(alert.AlertType),
		Severity:          string(alert.Severity),
		Reasoning:         score.Reasoning,
		FilingTitles:      filingTitles(cat.Filings),
		DeviationMultiple: spike.DeviationMultiple,
		PriceChangePct:    spike.PriceChangePct,
		MentionCount:      cat.Mentions(),
	})
	alert.Hypothesis = hyp.Text
	if hyp.Degraded {
		alert.SupportingEvidence.Degraded = append(alert.SupportingEvidence.Degraded, hyp.Reason)
	}

	existing, err := s.dedup.CheckDuplicate(ctx, alert)
	if err != nil {
		s.log.Warn().Err(err).Str("ticker", alert.Ticker).Msg("Dedup check failed, treating alert as new")
	}
	if existing != "" {
		s.markProcessed(ctx, spike)
		res.Outcome = OutcomeDuplicate
		res.DuplicateOf = existing
		return res, nil
	}

	if err := s.alerts.Insert(ctx, alert); err != nil {
		return nil, fmt.Errorf("failed to persist alert for spike %s: %w", spike.ID, err)
	}
	res.Alert = alert
	res.Outcome = OutcomeAlerted

	s.metrics.Inc(metrics.AlertsCreated)
	s.events.Emit(moduleName, &events.AlertCreatedData{
		AlertID:    alert.ID,
		Ticker:     alert.Ticker,
		AlertType:  string(alert.AlertType),
		Severity:   string(alert.Severity),
		Confidence: alert.ConfidenceScore,
	})
	s.log.Info().
		Str("alert_id", alert.ID).
		Str("ticker", alert.Ticker).
		Str("type", string(alert.AlertType)).
		Str("severity", string(alert.Severity)).
		Float64("confidence", alert.ConfidenceScore).
		Msg("Alert created")

	s.dedup.Register(ctx, alert)
	related, err := s.dedup.FindRelated(ctx, alert)
	if err != nil {
		s.log.Warn().Err(err).Str("alert_id", alert.ID).Msg("Related alert lookup failed, not bundling")
	} else if len(related) > 0 {
		bundled, err := s.dedup.Bundle(ctx, alert.ID, related)
		if err != nil {
			s.log.Warn().Err(err).Str("alert_id", alert.ID).Msg("Bundling incomplete")
		}
		alert.BundledAlertIDs = bundled
		res.Bundled = bundled
	}

	report, err := s.distributor.Distribute(ctx, alert)
	if err != nil {
		s.log.Error().Err(err).Str("alert_id", alert.ID).Msg("Alert stored but not distributed")
	}
	res.Delivery = report

	s.markProcessed(ctx, spike)
	return res, nil
}

// ReprocessPending retries spikes whose run stopped before completion.
// Returns how many were processed.
func (s *Service) ReprocessPending(ctx context.Context, olderThan time.Time, limit int) (int, error) {
	ids, err := s.spikes.GetUnprocessedSpikes(ctx, olderThan, limit)
	if err != nil {
		return 0, domain.DataUnavailable("list unprocessed spikes", err)
	}

	done := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		spike, err := s.spikes.GetSpike(ctx, id)
		if err != nil {
			s.log.Warn().Err(err).Str("spike_id", id).Msg("Cannot load spike for reprocessing")
			continue
		}
		if _, err := s.ProcessSpike(ctx, spike); err != nil {
			s.log.Warn().Err(err).Str("spike_id", id).Msg("Reprocessing failed")
			continue
		}
		done++
	}
	return done, nil
}

func (s *Service) factors(ctx context.Context, spike *domain.VolumeSpike, cat catalyst.Result) scoring.Factors {
	freq, err := s.spikes.CountSpikesSince(ctx, spike.Ticker, spike.DetectedAt.Add(-s.cfg.FrequencyLookback), spike.DetectedAt, spike.ID)
	if err != nil {
		s.log.Warn().Err(err).Str("ticker", spike.Ticker).Msg("Spike history unavailable, assuming none")
		freq = 0
	}
	return scoring.Factors{
		VolumeDeviationMultiple: spike.DeviationMultiple,
		VolumeZScore:            spike.ZScore,
		PriceChangePercent:      spike.PriceChangePct,
		SocialSentimentScore:    cat.Sentiment,
		NewsItemCount:           cat.Mentions(),
		HistoricalFrequency:     freq,
		FilingPresent:           cat.HasFiling,
		NarrativeChangeDetected: cat.NarrativeChange,
		CatalystUncertain:       cat.LowConfidence,
	}
}

func (s *Service) buildAlert(spike *domain.VolumeSpike, alertType domain.AlertType, cat catalyst.Result, f scoring.Factors, score scoring.Result) *domain.DivergenceAlert {
	spikeID := spike.ID
	evidence := domain.SupportingEvidence{
		FactorBreakdown:       score.FactorBreakdown,
		Reasoning:             score.Reasoning,
		Volume:                spike.Volume,
		AvgVolume:             spike.AvgVolume,
		DeviationMultiple:     spike.DeviationMultiple,
		ZScore:                spike.ZScore,
		PriceChangePercent:    spike.PriceChangePct,
		SentimentScore:        cat.Sentiment,
		WeightedScore:         score.WeightedScore,
		FilingCount:           len(cat.Filings),
		NewsCount:             cat.NewsCount,
		SocialCount:           cat.SocialCount,
		HistoricalFrequency:   f.HistoricalFrequency,
		NarrativeChange:       cat.NarrativeChange,
		CatalystLowConfidence: cat.LowConfidence,
	}
	for _, fl := range cat.Filings {
		evidence.FilingIDs = append(evidence.FilingIDs, fl.ID)
	}
	if cat.LowConfidence && cat.Reason != "" {
		evidence.Degraded = append(evidence.Degraded, cat.Reason)
	}

	return &domain.DivergenceAlert{
		ID:                 uuid.New().String(),
		Ticker:             spike.Ticker,
		SpikeID:            &spikeID,
		AlertType:          alertType,
		Severity:           score.Severity,
		ConfidenceScore:    score.ConfidenceScore,
		Status:             domain.AlertStatusActive,
		SupportingEvidence: evidence,
		Magnitude:          spike.DeviationMultiple,
		CreatedAt:          s.now().UTC().Truncate(time.Millisecond),
	}
}

func (s *Service) markProcessed(ctx context.Context, spike *domain.VolumeSpike) {
	if err := s.spikes.MarkSpikeProcessed(ctx, spike.ID); err != nil {
		s.log.Warn().Err(err).Str("spike_id", spike.ID).Msg("Failed to mark spike processed")
		return
	}
	spike.Processed = true
}

func filingTitles(filings []domain.Filing) []string {
	if len(filings) == 0 {
		return nil
	}
	titles := make([]string, 0, len(filings))
	for _, f := range filings {
		titles = append(titles, f.Title)
	}
	return titles
}

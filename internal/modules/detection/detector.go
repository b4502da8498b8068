// Package detection flags abnormal trading volume against a trailing window.
package detection

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/domain"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/events"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/metrics"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/utils"
)

// Defaults for the rolling window
const (
	DefaultWindowSize = 20
	DefaultThreshold  = 2.5
)

// Store is the persistence the detector reads and appends to
type Store interface {
	GetMarketWindow(ctx context.Context, ticker string, n int) ([]domain.MarketSample, error)
	InsertSample(ctx context.Context, s domain.MarketSample) error
	InsertSpike(ctx context.Context, s *domain.VolumeSpike) error
}

// Evaluation is the statistical verdict for one volume reading
type Evaluation struct {
	IsSpike           bool    `json:"is_spike"`
	AvgVolume         float64 `json:"avg_volume"`
	StdDev            float64 `json:"std_dev"`
	ZScore            float64 `json:"z_score"`
	DeviationMultiple float64 `json:"deviation_multiple"`
}

// Observation is the result of recording one sample
type Observation struct {
	Spike          *domain.VolumeSpike
	Evaluation     Evaluation
	PriceChangePct float64
}

// Detector evaluates samples against the trailing window of their ticker
type Detector struct {
	store      Store
	events     *events.Manager
	metrics    *metrics.Registry
	locks      *utils.KeyedMutex
	log        zerolog.Logger
	windowSize int
	threshold  float64
}

// NewDetector creates a detector. Non-positive settings fall back to defaults.
func NewDetector(store Store, windowSize int, threshold float64, em *events.Manager, reg *metrics.Registry, log zerolog.Logger) *Detector {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Detector{
		store:      store,
		events:     em,
		metrics:    reg,
		locks:      utils.NewKeyedMutex(),
		log:        log.With().Str("component", "spike_detector").Logger(),
		windowSize: windowSize,
		threshold:  threshold,
	}
}

// Compute derives the statistics for current against window.
// An empty or zero-average window never yields a spike.
func Compute(window []float64, current, threshold float64) Evaluation {
	if len(window) == 0 {
		return Evaluation{}
	}

	mean, std := stat.PopMeanStdDev(window, nil)
	if mean <= 0 {
		return Evaluation{StdDev: std}
	}

	eval := Evaluation{
		AvgVolume:         mean,
		StdDev:            std,
		DeviationMultiple: current / mean,
	}
	if std > 0 {
		eval.ZScore = (current - mean) / std
	}
	eval.IsSpike = eval.DeviationMultiple > threshold
	return eval
}

// Evaluate scores currentVolume against the stored window without recording anything.
// A window read failure returns ErrDataUnavailable.
func (d *Detector) Evaluate(ctx context.Context, ticker string, currentVolume float64) (Evaluation, error) {
	window, err := d.store.GetMarketWindow(ctx, ticker, d.windowSize)
	if err != nil {
		return Evaluation{}, domain.DataUnavailable("get market window", err)
	}
	return Compute(volumes(window), currentVolume, d.threshold), nil
}

// Observe evaluates a sample and appends it, recording a VolumeSpike when
// the sample is anomalous. Calls for the same ticker are serialized so the
// window never changes under an evaluation, and samples must arrive in
// strictly increasing time order.
func (d *Detector) Observe(ctx context.Context, sample domain.MarketSample) (*Observation, error) {
	if err := sample.Validate(); err != nil {
		return nil, err
	}
	sample.Timestamp = sample.Timestamp.UTC().Truncate(time.Millisecond)

	unlock := d.locks.Lock(sample.Ticker)
	defer unlock()

	window, err := d.store.GetMarketWindow(ctx, sample.Ticker, d.windowSize)
	if err != nil {
		d.metrics.Inc(metrics.TicksSkipped)
		d.log.Warn().Err(err).Str("ticker", sample.Ticker).Msg("Market window unavailable, skipping tick")
		return nil, domain.DataUnavailable("get market window", err)
	}

	var last *domain.MarketSample
	if len(window) > 0 {
		last = &window[len(window)-1]
		if !sample.Timestamp.After(last.Timestamp) {
			return nil, domain.NewValidationError("timestamp", "sample is not newer than the latest recorded sample")
		}
	}

	obs := &Observation{Evaluation: Compute(volumes(window), sample.Volume, d.threshold)}
	if last != nil && last.Price > 0 {
		obs.PriceChangePct = (sample.Price - last.Price) / last.Price * 100
	}

	if err := d.store.InsertSample(ctx, sample); err != nil {
		d.metrics.Inc(metrics.TicksSkipped)
		return nil, domain.DataUnavailable("insert sample", err)
	}

	if !obs.Evaluation.IsSpike {
		return obs, nil
	}

	spike := &domain.VolumeSpike{
		ID:                uuid.New().String(),
		Ticker:            sample.Ticker,
		DetectedAt:        sample.Timestamp,
		Volume:            sample.Volume,
		AvgVolume:         obs.Evaluation.AvgVolume,
		StdDev:            obs.Evaluation.StdDev,
		DeviationMultiple: obs.Evaluation.DeviationMultiple,
		ZScore:            obs.Evaluation.ZScore,
		PriceChangePct:    obs.PriceChangePct,
	}
	if err := d.store.InsertSpike(ctx, spike); err != nil {
		return nil, domain.DataUnavailable("insert spike", err)
	}
	obs.Spike = spike

	d.metrics.Inc(metrics.SpikesDetected)
	d.log.Info().
		Str("ticker", spike.Ticker).
		Float64("deviation_multiple", spike.DeviationMultiple).
		Float64("z_score", spike.ZScore).
		Msg("Volume spike detected")
	d.events.Emit("detection", &events.SpikeDetectedData{
		SpikeID:           spike.ID,
		Ticker:            spike.Ticker,
		DeviationMultiple: spike.DeviationMultiple,
		ZScore:            spike.ZScore,
	})

	return obs, nil
}

// Threshold returns the configured deviation multiple threshold
func (d *Detector) Threshold() float64 {
	return d.threshold
}

func volumes(window []domain.MarketSample) []float64 {
	out := make([]float64, len(window))
	for i, s := range window {
		out[i] = s.Volume
	}
	return out
}

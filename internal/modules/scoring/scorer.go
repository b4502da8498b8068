package scoring

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/cache"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/domain"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/events"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/metrics"
)

// DefaultCacheTTL bounds how long a memoized score is reused
const DefaultCacheTTL = time.Hour

// Result is the scored verdict
type Result struct {
	FactorBreakdown map[string]float64 `json:"factor_breakdown"`
	Severity        domain.Severity    `json:"severity"`
	Reasoning       []string           `json:"reasoning"`
	WeightedScore   float64            `json:"weighted_score"`
	ConfidenceScore float64            `json:"confidence_score"`
}

// Compute scores factors. It is pure; Scorer adds memoization.
func Compute(f Factors) Result {
	breakdown := map[string]float64{
		FactorVolume:    VolumeFactorScore(f.VolumeDeviationMultiple, f.VolumeZScore),
		FactorPrice:     PriceScore(f.PriceChangePercent),
		FactorNews:      NewsScore(f.NewsItemCount, f.FilingPresent),
		FactorNarrative: NarrativeScore(f.NarrativeChangeDetected),
		FactorSentiment: SentimentScore(f.SocialSentimentScore),
		FactorFrequency: FrequencyScore(f.HistoricalFrequency),
	}

	weighted := 0.0
	lo, hi := math.Inf(1), math.Inf(-1)
	for name, sub := range breakdown {
		sub = clamp(sub, 0, 100)
		breakdown[name] = sub
		weighted += sub * Weights[name]
		lo = math.Min(lo, sub)
		hi = math.Max(hi, sub)
	}
	weighted = round2(clamp(weighted, 0, 100))

	var reasoning []string
	reasoning = append(reasoning,
		fmt.Sprintf("volume %.2fx trailing average, z-score %.1f (sub-score %.0f)", f.VolumeDeviationMultiple, f.VolumeZScore, breakdown[FactorVolume]),
		fmt.Sprintf("price moved %.2f%% (sub-score %.0f)", f.PriceChangePercent, breakdown[FactorPrice]),
	)
	if f.FilingPresent {
		reasoning = append(reasoning, fmt.Sprintf("filing present with %d mentions, news contribution reduced", f.NewsItemCount))
	} else {
		reasoning = append(reasoning, fmt.Sprintf("%d news/social mentions and no filing (sub-score %.0f)", f.NewsItemCount, breakdown[FactorNews]))
	}
	if f.NarrativeChangeDetected {
		reasoning = append(reasoning, "sentiment narrative flipped versus the previous window")
	}

	confidence := math.Min(weighted+10, 100)

	agreeing := 0
	for _, name := range primaryFactors {
		if breakdown[name] > 60 {
			agreeing++
		}
	}
	if agreeing >= 3 {
		confidence = math.Min(confidence+15, 100)
		reasoning = append(reasoning, fmt.Sprintf("%d of 4 primary signals agree", agreeing))
	}

	if hi-lo > 50 && confidence > 40 {
		confidence = math.Max(confidence-10, 40)
		reasoning = append(reasoning, fmt.Sprintf("conflicting signals (spread %.0f) reduce confidence", hi-lo))
	}

	if f.CatalystUncertain {
		confidence -= 15
		reasoning = append(reasoning, "catalyst lookup degraded, confidence reduced")
	}

	return Result{
		Severity:        Band(weighted),
		WeightedScore:   weighted,
		ConfidenceScore: round2(clamp(confidence, 0, 100)),
		FactorBreakdown: breakdown,
		Reasoning:       reasoning,
	}
}

// Scorer memoizes Compute per (ticker, minute bucket, factors) in the shared cache
type Scorer struct {
	cache   cache.Cache
	metrics *metrics.Registry
	log     zerolog.Logger
	ttl     time.Duration
}

// NewScorer creates a scorer. A nil cache disables memoization.
func NewScorer(c cache.Cache, ttl time.Duration, reg *metrics.Registry, log zerolog.Logger) *Scorer {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Scorer{
		cache:   c,
		metrics: reg,
		log:     log.With().Str("component", "severity_scorer").Logger(),
		ttl:     ttl,
	}
}

// Score returns the memoized result for identical inputs within the TTL.
// Cache failures fall through to a fresh computation.
func (s *Scorer) Score(ctx context.Context, ticker string, at time.Time, f Factors) Result {
	if s.cache == nil {
		return Compute(f)
	}

	key := CacheKey(ticker, at, f)

	var cached Result
	if ok, err := s.cache.Get(ctx, key, &cached); err != nil {
		s.log.Warn().Err(err).Str("ticker", ticker).Msg("Score cache read failed")
	} else if ok {
		s.metrics.Inc(metrics.ScoreCacheHits)
		return cached
	}
	s.metrics.Inc(metrics.ScoreCacheMisses)

	res := Compute(f)
	if err := s.cache.Set(ctx, key, res, s.ttl); err != nil {
		s.log.Warn().Err(err).Str("ticker", ticker).Msg("Score cache write failed")
	}
	return res
}

// Invalidate drops every memoized score for a ticker
func (s *Scorer) Invalidate(ctx context.Context, ticker string) {
	if s.cache == nil {
		return
	}
	n, err := s.cache.DeletePrefix(ctx, cachePrefix(ticker))
	if err != nil {
		s.log.Warn().Err(err).Str("ticker", ticker).Msg("Score cache invalidation failed")
		return
	}
	if n > 0 {
		s.log.Debug().Str("ticker", ticker).Int("entries", n).Msg("Score cache invalidated")
	}
}

// SubscribeInvalidation drops a ticker's scores whenever new evidence lands for it
func (s *Scorer) SubscribeInvalidation(bus *events.Bus) {
	bus.Subscribe(events.EvidenceRecorded, func(e *events.Event) {
		if data, ok := e.Data.(*events.EvidenceRecordedData); ok {
			s.Invalidate(context.Background(), data.Ticker)
		}
	})
}

// CacheKey is score:{ticker}:{minute bucket}:{factor fingerprint}
func CacheKey(ticker string, at time.Time, f Factors) string {
	return cachePrefix(ticker) + cache.Key(at.Unix()/60, fingerprint(f))
}

func cachePrefix(ticker string) string {
	return "score:" + ticker + ":"
}

func fingerprint(f Factors) string {
	raw := fmt.Sprintf("%.6f|%.6f|%.6f|%d|%t|%t|%.6f|%d|%t",
		f.VolumeDeviationMultiple, f.VolumeZScore, f.PriceChangePercent, f.NewsItemCount, f.FilingPresent,
		f.NarrativeChangeDetected, f.SocialSentimentScore, f.HistoricalFrequency, f.CatalystUncertain)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:8])
}

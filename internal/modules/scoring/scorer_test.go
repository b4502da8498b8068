package scoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/cache"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/domain"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/events"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/metrics"
)

func TestSubScores(t *testing.T) {
	assert.Equal(t, 10.0, VolumeScore(1.2))
	assert.Equal(t, 25.0, VolumeScore(1.5))
	assert.Equal(t, 40.0, VolumeScore(2.9))
	assert.Equal(t, 65.0, VolumeScore(3))
	assert.Equal(t, 85.0, VolumeScore(9.99))
	assert.Equal(t, 100.0, VolumeScore(10))

	assert.Equal(t, 85.0, VolumeFactorScore(5.5, 9.9))
	assert.Equal(t, 100.0, VolumeFactorScore(5.5, 18))
	assert.Equal(t, 25.0, VolumeFactorScore(1.2, 40))
	assert.Equal(t, 100.0, VolumeFactorScore(12, 40))

	assert.Equal(t, 10.0, PriceScore(0.5))
	assert.Equal(t, 25.0, PriceScore(-1.5))
	assert.Equal(t, 50.0, PriceScore(4.9))
	assert.Equal(t, 75.0, PriceScore(-9))
	assert.Equal(t, 100.0, PriceScore(12))

	assert.Equal(t, 100.0, NewsScore(0, false))
	assert.Equal(t, 80.0, NewsScore(1, false))
	assert.Equal(t, 60.0, NewsScore(2, false))
	assert.Equal(t, 40.0, NewsScore(5, false))
	assert.Equal(t, 20.0, NewsScore(6, false))
	assert.Equal(t, 30.0, NewsScore(0, true))
	assert.Equal(t, 20.0, NewsScore(2, true))
	assert.Equal(t, 10.0, NewsScore(3, true))

	assert.Equal(t, 85.0, NarrativeScore(true))
	assert.Equal(t, 20.0, NarrativeScore(false))

	assert.Equal(t, 50.0, SentimentScore(0))
	assert.Equal(t, 65.0, SentimentScore(-0.3))
	assert.Equal(t, 80.0, SentimentScore(0.6))
	assert.Equal(t, 100.0, SentimentScore(-0.9))

	assert.Equal(t, 100.0, FrequencyScore(0))
	assert.Equal(t, 70.0, FrequencyScore(2))
	assert.Equal(t, 40.0, FrequencyScore(5))
	assert.Equal(t, 15.0, FrequencyScore(6))
}

func TestBand(t *testing.T) {
	assert.Equal(t, domain.SeverityLow, Band(39.99))
	assert.Equal(t, domain.SeverityMedium, Band(40))
	assert.Equal(t, domain.SeverityMedium, Band(59.99))
	assert.Equal(t, domain.SeverityHigh, Band(60))
	assert.Equal(t, domain.SeverityHigh, Band(79.99))
	assert.Equal(t, domain.SeverityCritical, Band(80))
}

func TestCompute_SilentPriceJumpIsCritical(t *testing.T) {
	// 200k average, 50k stddev, 1.1M traded: 5.5x and z=18
	res := Compute(Factors{
		VolumeDeviationMultiple: 5.5,
		VolumeZScore:            18,
		PriceChangePercent:      12,
	})

	assert.Equal(t, 80.5, res.WeightedScore)
	assert.Equal(t, domain.SeverityCritical, res.Severity)
	// 90.5 capped to 100 by agreement, then -10 for the narrative/volume spread
	assert.Equal(t, 90.0, res.ConfidenceScore)
	assert.Len(t, res.FactorBreakdown, 6)
	assert.NotEmpty(t, res.Reasoning)
}

func TestCompute_LowDeviationNeverCritical(t *testing.T) {
	// best case for every other factor, including an extreme z-score
	res := Compute(Factors{
		VolumeDeviationMultiple: 1.2,
		VolumeZScore:            40,
		PriceChangePercent:      50,
		NarrativeChangeDetected: true,
		SocialSentimentScore:    -1,
	})

	assert.Equal(t, 79.0, res.WeightedScore)
	assert.Equal(t, domain.SeverityHigh, res.Severity)
}

func TestCompute_CatalystUncertainLowersConfidence(t *testing.T) {
	f := Factors{VolumeDeviationMultiple: 4, PriceChangePercent: 3, NewsItemCount: 1}
	base := Compute(f)
	f.CatalystUncertain = true
	uncertain := Compute(f)

	assert.Equal(t, base.WeightedScore, uncertain.WeightedScore)
	assert.InDelta(t, base.ConfidenceScore-15, uncertain.ConfidenceScore, 0.001)
}

func TestCompute_FilingPresentDampensNews(t *testing.T) {
	without := Compute(Factors{VolumeDeviationMultiple: 4, PriceChangePercent: 3})
	with := Compute(Factors{VolumeDeviationMultiple: 4, PriceChangePercent: 3, FilingPresent: true})

	assert.Equal(t, 100.0, without.FactorBreakdown[FactorNews])
	assert.Equal(t, 30.0, with.FactorBreakdown[FactorNews])
	assert.Less(t, with.WeightedScore, without.WeightedScore)
}

func TestCompute_BoundsHold(t *testing.T) {
	cases := []Factors{
		{},
		{VolumeDeviationMultiple: 1000, PriceChangePercent: -1000, SocialSentimentScore: 5, HistoricalFrequency: -3},
		{CatalystUncertain: true, HistoricalFrequency: 100, NewsItemCount: 100, FilingPresent: true},
	}
	for _, f := range cases {
		res := Compute(f)
		assert.GreaterOrEqual(t, res.WeightedScore, 0.0)
		assert.LessOrEqual(t, res.WeightedScore, 100.0)
		assert.GreaterOrEqual(t, res.ConfidenceScore, 0.0)
		assert.LessOrEqual(t, res.ConfidenceScore, 100.0)
		for name, sub := range res.FactorBreakdown {
			assert.GreaterOrEqual(t, sub, 0.0, name)
			assert.LessOrEqual(t, sub, 100.0, name)
		}
	}
}

func TestScorer_MemoizesWithinMinute(t *testing.T) {
	c := cache.NewMemoryCache()
	reg := metrics.NewRegistry()
	s := NewScorer(c, time.Hour, reg, zerolog.Nop())

	at := time.Date(2026, 3, 2, 14, 30, 10, 0, time.UTC)
	f := Factors{VolumeDeviationMultiple: 6, PriceChangePercent: 2.5, NewsItemCount: 1}

	first := s.Score(context.Background(), "ACME", at, f)
	second := s.Score(context.Background(), "ACME", at.Add(30*time.Second), f)

	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), reg.Counter(metrics.ScoreCacheHits).Value())
	assert.Equal(t, int64(1), reg.Counter(metrics.ScoreCacheMisses).Value())

	// next minute is a fresh bucket
	s.Score(context.Background(), "ACME", at.Add(time.Minute), f)
	assert.Equal(t, int64(2), reg.Counter(metrics.ScoreCacheMisses).Value())
}

func TestScorer_InvalidateOnEvidence(t *testing.T) {
	c := cache.NewMemoryCache()
	s := NewScorer(c, time.Hour, nil, zerolog.Nop())
	bus := events.NewBus(zerolog.Nop())
	s.SubscribeInvalidation(bus)
	em := events.NewManager(bus, zerolog.Nop())

	at := time.Now()
	f := Factors{VolumeDeviationMultiple: 3}
	s.Score(context.Background(), "ACME", at, f)
	s.Score(context.Background(), "ZETA", at, f)
	require.Equal(t, 2, c.Len())

	em.Emit("catalyst", &events.EvidenceRecordedData{Ticker: "ACME", Kind: "filing", ID: "f1"})

	assert.Equal(t, 1, c.Len())
	var res Result
	ok, err := c.Get(context.Background(), CacheKey("ZETA", at, f), &res)
	require.NoError(t, err)
	assert.True(t, ok)
}

type brokenCache struct{}

func (brokenCache) Get(context.Context, string, interface{}) (bool, error) {
	return false, errors.New("disk full")
}
func (brokenCache) Set(context.Context, string, interface{}, time.Duration) error {
	return errors.New("disk full")
}
func (brokenCache) Delete(context.Context, string) error { return nil }
func (brokenCache) DeletePrefix(context.Context, string) (int, error) {
	return 0, errors.New("disk full")
}

func TestScorer_CacheFailureStillScores(t *testing.T) {
	s := NewScorer(brokenCache{}, time.Hour, nil, zerolog.Nop())
	f := Factors{VolumeDeviationMultiple: 12, PriceChangePercent: 12}

	res := s.Score(context.Background(), "ACME", time.Now(), f)

	assert.Equal(t, Compute(f), res)
	s.Invalidate(context.Background(), "ACME")
}

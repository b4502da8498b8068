package detection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/database"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/domain"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/events"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/metrics"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/modules/market"
	testingpkg "github.com/Favour-chuks/tickerpulse-ai-sub001/internal/testing"
)

type memoryStore struct {
	samples   map[string][]domain.MarketSample
	spikes    []*domain.VolumeSpike
	windowErr error
	mu        sync.Mutex
}

func newMemoryStore() *memoryStore {
	return &memoryStore{samples: make(map[string][]domain.MarketSample)}
}

func (m *memoryStore) GetMarketWindow(_ context.Context, ticker string, n int) ([]domain.MarketSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.windowErr != nil {
		return nil, m.windowErr
	}
	all := m.samples[ticker]
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return append([]domain.MarketSample(nil), all...), nil
}

func (m *memoryStore) InsertSample(_ context.Context, s domain.MarketSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples[s.Ticker] = append(m.samples[s.Ticker], s)
	return nil
}

func (m *memoryStore) InsertSpike(_ context.Context, s *domain.VolumeSpike) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spikes = append(m.spikes, s)
	return nil
}

// alternating returns n values averaging avg with population stddev dev
func alternating(n int, avg, dev float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		if i%2 == 0 {
			out[i] = avg - dev
		} else {
			out[i] = avg + dev
		}
	}
	return out
}

func TestCompute_ZeroAverageNeverSpikes(t *testing.T) {
	tests := []struct {
		name   string
		window []float64
	}{
		{"empty history", nil},
		{"all zero history", []float64{0, 0, 0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, current := range []float64{0, 1, 1e9} {
				eval := Compute(tt.window, current, DefaultThreshold)
				assert.False(t, eval.IsSpike)
				assert.Equal(t, 0.0, eval.AvgVolume)
				assert.Equal(t, 0.0, eval.DeviationMultiple)
			}
		})
	}
}

func TestCompute_ReferenceSpike(t *testing.T) {
	window := alternating(20, 100_000, 20_000)

	eval := Compute(window, 500_000, DefaultThreshold)

	assert.InDelta(t, 100_000, eval.AvgVolume, 1e-6)
	assert.InDelta(t, 20_000, eval.StdDev, 1e-6)
	assert.InDelta(t, 5.0, eval.DeviationMultiple, 1e-9)
	assert.InDelta(t, 20.0, eval.ZScore, 1e-9)
	assert.True(t, eval.IsSpike)
}

func TestCompute_FlatWindowHasZeroZScore(t *testing.T) {
	eval := Compute([]float64{100, 100, 100}, 400, DefaultThreshold)

	assert.Equal(t, 0.0, eval.StdDev)
	assert.Equal(t, 0.0, eval.ZScore)
	assert.Equal(t, 4.0, eval.DeviationMultiple)
	assert.True(t, eval.IsSpike)
}

func TestCompute_ThresholdIsStrict(t *testing.T) {
	eval := Compute([]float64{100, 100}, 250, 2.5)
	assert.False(t, eval.IsSpike, "exactly at threshold is not a spike")

	eval = Compute([]float64{100, 100}, 251, 2.5)
	assert.True(t, eval.IsSpike)
}

func TestEvaluate_WindowFailureIsDataUnavailable(t *testing.T) {
	store := newMemoryStore()
	store.windowErr = errors.New("disk I/O error")
	d := NewDetector(store, 20, 2.5, nil, nil, zerolog.Nop())

	_, err := d.Evaluate(context.Background(), "ACME", 100)
	assert.ErrorIs(t, err, domain.ErrDataUnavailable)
}

func TestObserve_SkipsTickWhenWindowUnavailable(t *testing.T) {
	store := newMemoryStore()
	store.windowErr = errors.New("disk I/O error")
	reg := metrics.NewRegistry()
	d := NewDetector(store, 20, 2.5, nil, reg, zerolog.Nop())

	_, err := d.Observe(context.Background(), domain.MarketSample{Ticker: "ACME", Timestamp: time.Now(), Volume: 1, Price: 1})
	assert.ErrorIs(t, err, domain.ErrDataUnavailable)
	assert.Empty(t, store.samples["ACME"], "skipped tick is not recorded")
	assert.Equal(t, int64(1), reg.Counter(metrics.TicksSkipped).Value())
}

func TestObserve_RecordsSpikeAndEmits(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	bus := events.NewBus(zerolog.Nop())
	var emitted []*events.SpikeDetectedData
	bus.Subscribe(events.SpikeDetected, func(e *events.Event) {
		emitted = append(emitted, e.Data.(*events.SpikeDetectedData))
	})
	d := NewDetector(store, 20, 2.5, events.NewManager(bus, zerolog.Nop()), nil, zerolog.Nop())

	base := time.Date(2024, 5, 1, 14, 0, 0, 0, time.UTC)
	for i, v := range alternating(20, 200_000, 50_000) {
		obs, err := d.Observe(ctx, domain.MarketSample{Ticker: "ACME", Timestamp: base.Add(time.Duration(i) * time.Minute), Volume: v, Price: 50})
		require.NoError(t, err)
		assert.Nil(t, obs.Spike)
	}

	obs, err := d.Observe(ctx, domain.MarketSample{Ticker: "ACME", Timestamp: base.Add(21 * time.Minute), Volume: 1_100_000, Price: 56})
	require.NoError(t, err)
	require.NotNil(t, obs.Spike)

	assert.InDelta(t, 5.5, obs.Spike.DeviationMultiple, 1e-9)
	assert.InDelta(t, 18.0, obs.Spike.ZScore, 1e-9)
	assert.InDelta(t, 12.0, obs.PriceChangePct, 1e-9)
	assert.False(t, obs.Spike.Processed)
	require.Len(t, store.spikes, 1)
	require.Len(t, emitted, 1)
	assert.Equal(t, obs.Spike.ID, emitted[0].SpikeID)
}

func TestObserve_RejectsOutOfOrderSamples(t *testing.T) {
	ctx := context.Background()
	d := NewDetector(newMemoryStore(), 20, 2.5, nil, nil, zerolog.Nop())

	now := time.Now()
	_, err := d.Observe(ctx, domain.MarketSample{Ticker: "ACME", Timestamp: now, Volume: 1, Price: 1})
	require.NoError(t, err)

	_, err = d.Observe(ctx, domain.MarketSample{Ticker: "ACME", Timestamp: now.Add(-time.Second), Volume: 1, Price: 1})
	assert.True(t, domain.IsValidationError(err))
}

func TestObserve_RejectsMalformedTicker(t *testing.T) {
	d := NewDetector(newMemoryStore(), 20, 2.5, nil, nil, zerolog.Nop())
	_, err := d.Observe(context.Background(), domain.MarketSample{Ticker: "acme!", Timestamp: time.Now(), Volume: 1})
	assert.True(t, domain.IsValidationError(err))
}

func TestObserve_ConcurrentSamplesForOneTickerStayOrdered(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	d := NewDetector(store, 20, 2.5, nil, nil, zerolog.Nop())

	base := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Out-of-order arrivals are rejected, in-order ones recorded
			_, _ = d.Observe(ctx, domain.MarketSample{Ticker: "ACME", Timestamp: base.Add(time.Duration(i) * time.Second), Volume: 100, Price: 1})
		}(i)
	}
	wg.Wait()

	recorded := store.samples["ACME"]
	require.NotEmpty(t, recorded)
	for i := 1; i < len(recorded); i++ {
		assert.True(t, recorded[i].Timestamp.After(recorded[i-1].Timestamp))
	}
}

func TestObserve_WithSQLiteStore(t *testing.T) {
	ctx := context.Background()
	repo := market.NewRepository(testingpkg.NewMemoryDB(t, database.NameCore), zerolog.Nop())
	d := NewDetector(repo, 20, 2.5, nil, nil, zerolog.Nop())

	base := time.Date(2024, 5, 1, 14, 0, 0, 0, time.UTC)
	for i, v := range alternating(20, 100_000, 20_000) {
		_, err := d.Observe(ctx, domain.MarketSample{Ticker: "ACME", Timestamp: base.Add(time.Duration(i) * time.Minute), Volume: v, Price: 10})
		require.NoError(t, err)
	}

	eval, err := d.Evaluate(ctx, "ACME", 500_000)
	require.NoError(t, err)
	assert.True(t, eval.IsSpike)
	assert.InDelta(t, 20.0, eval.ZScore, 1e-6)
}

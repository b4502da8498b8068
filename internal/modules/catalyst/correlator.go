// Package catalyst decides whether public filings or news explain a volume spike.
package catalyst

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/domain"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/metrics"
)

// Defaults for catalyst lookups
const (
	DefaultWindow            = 24 * time.Hour
	DefaultMentionThreshold  = 3
	DefaultTimeout           = 3 * time.Second
	DefaultNarrativeMinDelta = 0.5
)

// Source is where filings and news are read from
type Source interface {
	GetFilingsInWindow(ctx context.Context, ticker string, from, to time.Time) ([]domain.Filing, error)
	GetNewsInWindow(ctx context.Context, ticker string, from, to time.Time) ([]domain.NewsItem, error)
}

// Result describes the evidence found around a spike.
// LowConfidence is set when the lookup failed and the result is a
// conservative "no catalyst known" default.
type Result struct {
	Filings         []domain.Filing   `json:"filings"`
	News            []domain.NewsItem `json:"news"`
	Reason          string            `json:"reason,omitempty"`
	NewsCount       int               `json:"news_count"`
	SocialCount     int               `json:"social_count"`
	Sentiment       float64           `json:"sentiment"`
	HasFiling       bool              `json:"has_filing"`
	HasNews         bool              `json:"has_news"` // mentions reached the threshold
	NarrativeChange bool              `json:"narrative_change"`
	LowConfidence   bool              `json:"low_confidence"`
}

// HasCatalyst reports whether the evidence explains the move
func (r Result) HasCatalyst() bool {
	return r.HasFiling || r.HasNews
}

// Mentions returns news plus social mentions
func (r Result) Mentions() int {
	return r.NewsCount + r.SocialCount
}

// Correlator looks up evidence with a bounded timeout
type Correlator struct {
	source            Source
	metrics           *metrics.Registry
	log               zerolog.Logger
	timeout           time.Duration
	mentionThreshold  int
	narrativeMinDelta float64
}

// NewCorrelator creates a correlator. Non-positive settings fall back to defaults.
func NewCorrelator(source Source, mentionThreshold int, timeout time.Duration, narrativeMinDelta float64, reg *metrics.Registry, log zerolog.Logger) *Correlator {
	if mentionThreshold <= 0 {
		mentionThreshold = DefaultMentionThreshold
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if narrativeMinDelta <= 0 {
		narrativeMinDelta = DefaultNarrativeMinDelta
	}
	return &Correlator{
		source:            source,
		metrics:           reg,
		log:               log.With().Str("component", "catalyst_correlator").Logger(),
		timeout:           timeout,
		mentionThreshold:  mentionThreshold,
		narrativeMinDelta: narrativeMinDelta,
	}
}

// HasCatalyst checks [spikeTime-window, spikeTime+window] for filings and
// mentions. It never fails: source errors and timeouts degrade to a
// low-confidence "no catalyst" result.
func (c *Correlator) HasCatalyst(ctx context.Context, ticker string, spikeTime time.Time, window time.Duration) Result {
	if window <= 0 {
		window = DefaultWindow
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := c.lookup(ctx, ticker, spikeTime, window)
		done <- outcome{res, err}
	}()

	var err error
	select {
	case o := <-done:
		if o.err == nil {
			return o.res
		}
		err = o.err
	case <-ctx.Done():
		err = ctx.Err()
	}

	reason := "catalyst source unavailable"
	if errors.Is(err, context.DeadlineExceeded) {
		reason = fmt.Sprintf("catalyst lookup timed out after %s", c.timeout)
	}

	c.metrics.Inc(metrics.CatalystDegraded)
	c.log.Warn().Err(domain.Degraded("catalyst", err)).Str("ticker", ticker).Msg("Catalyst lookup degraded")

	return Result{LowConfidence: true, Reason: reason}
}

func (c *Correlator) lookup(ctx context.Context, ticker string, t time.Time, window time.Duration) (Result, error) {
	from, to := t.Add(-window), t.Add(window)

	filings, err := c.source.GetFilingsInWindow(ctx, ticker, from, to)
	if err != nil {
		return Result{}, err
	}
	news, err := c.source.GetNewsInWindow(ctx, ticker, from, to)
	if err != nil {
		return Result{}, err
	}

	res := Result{
		Filings:   filings,
		News:      news,
		HasFiling: len(filings) > 0,
	}
	for _, n := range news {
		if n.Source == domain.NewsSourceSocial {
			res.SocialCount++
		} else {
			res.NewsCount++
		}
	}
	res.HasNews = res.Mentions() >= c.mentionThreshold
	res.Sentiment = meanSentiment(news)

	// Narrative change compares the run-up to the spike with the window before it
	recent, err := c.source.GetNewsInWindow(ctx, ticker, t.Add(-window), t)
	if err != nil {
		return Result{}, err
	}
	previous, err := c.source.GetNewsInWindow(ctx, ticker, t.Add(-2*window), t.Add(-window-time.Millisecond))
	if err != nil {
		return Result{}, err
	}
	res.NarrativeChange = NarrativeShift(previous, recent, c.narrativeMinDelta)

	return res, nil
}

// NarrativeShift reports whether mean sentiment flipped sign between two
// windows by at least minDelta. Both windows need mentions.
func NarrativeShift(previous, recent []domain.NewsItem, minDelta float64) bool {
	if len(previous) == 0 || len(recent) == 0 {
		return false
	}
	before, after := meanSentiment(previous), meanSentiment(recent)
	if before == 0 || after == 0 || (before > 0) == (after > 0) {
		return false
	}
	return math.Abs(after-before) >= minDelta
}

func meanSentiment(items []domain.NewsItem) float64 {
	if len(items) == 0 {
		return 0
	}
	sum := 0.0
	for _, n := range items {
		sum += n.Sentiment
	}
	return sum / float64(len(items))
}

// Contradicts reports whether the filings' mean sentiment points against
// the price move. A flat move or neutral filings never contradict.
func Contradicts(filings []domain.Filing, priceChangePct float64) bool {
	if len(filings) == 0 || priceChangePct == 0 {
		return false
	}
	sum := 0.0
	for _, f := range filings {
		sum += f.Sentiment
	}
	mean := sum / float64(len(filings))
	if mean == 0 {
		return false
	}
	return (mean > 0) != (priceChangePct > 0)
}

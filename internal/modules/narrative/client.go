// Package narrative produces the free-text hypothesis attached to each alert.
// An external text-generation service is optional; a templated sentence is
// used whenever it is unconfigured, slow or broken.
package narrative

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/domain"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/metrics"
)

// Request carries the alert context sent to the generator
type Request struct {
	Ticker            string   `json:"ticker"`
	AlertType         string   `json:"alert_type"`
	Severity          string   `json:"severity"`
	Reasoning         []string `json:"reasoning"`
	FilingTitles      []string `json:"filing_titles,omitempty"`
	DeviationMultiple float64  `json:"deviation_multiple"`
	PriceChangePct    float64  `json:"price_change_pct"`
	MentionCount      int      `json:"mention_count"`
}

// Result is either generated text or the templated fallback with a reason
type Result struct {
	Text     string
	Reason   string
	Degraded bool
}

type generateResponse struct {
	Hypothesis string `json:"hypothesis"`
}

// Client calls the generation endpoint
type Client struct {
	httpClient *http.Client
	metrics    *metrics.Registry
	log        zerolog.Logger
	url        string
	timeout    time.Duration
}

// NewClient creates a client. An empty url means always use the template.
func NewClient(url string, timeout time.Duration, reg *metrics.Registry, log zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 4 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		metrics:    reg,
		log:        log.With().Str("component", "narrative").Logger(),
		url:        url,
		timeout:    timeout,
	}
}

// Hypothesis never fails: errors degrade to the template
func (c *Client) Hypothesis(ctx context.Context, req Request) Result {
	if c.url == "" {
		return Result{Text: Fallback(req)}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	text, err := c.generate(ctx, req)
	if err != nil {
		c.metrics.Inc(metrics.NarrativeFallbacks)
		err = domain.Degraded("narrative", err)
		c.log.Warn().Err(err).Str("ticker", req.Ticker).Msg("Hypothesis generation degraded, using template")
		return Result{Text: Fallback(req), Degraded: true, Reason: err.Error()}
	}
	return Result{Text: text}
}

func (c *Client) generate(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	text := strings.TrimSpace(out.Hypothesis)
	if text == "" {
		return "", fmt.Errorf("empty hypothesis")
	}
	return text, nil
}

// Fallback renders a deterministic hypothesis from the alert context
func Fallback(req Request) string {
	direction := "rose"
	if req.PriceChangePct < 0 {
		direction = "fell"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s traded at %.1fx its average volume while price %s %.2f%%", req.Ticker, req.DeviationMultiple, direction, math.Abs(req.PriceChangePct))

	switch domain.AlertType(req.AlertType) {
	case domain.AlertTypeFilingContradiction:
		if len(req.FilingTitles) > 0 {
			fmt.Fprintf(&b, ", against the tone of the filing %q", req.FilingTitles[0])
		} else {
			b.WriteString(", against the tone of a recent filing")
		}
		b.WriteString(". The market may be pricing information the filing does not reflect.")
	case domain.AlertTypeSocialSurge:
		fmt.Fprintf(&b, " on %d social mentions and no filing or news coverage. The move may be driven by retail attention.", req.MentionCount)
	default:
		b.WriteString(" with no filing or news to explain it. Possible undisclosed information or positioning ahead of news.")
	}
	return b.String()
}

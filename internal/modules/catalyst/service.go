package catalyst

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/domain"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/events"
)

// Writer persists evidence
type Writer interface {
	InsertFiling(ctx context.Context, f domain.Filing) error
	InsertNews(ctx context.Context, n domain.NewsItem) error
}

// EvidenceService validates and records new evidence, announcing it so
// ticker-scoped caches can be invalidated.
type EvidenceService struct {
	writer Writer
	events *events.Manager
	log    zerolog.Logger
}

// NewEvidenceService creates a new evidence service
func NewEvidenceService(writer Writer, em *events.Manager, log zerolog.Logger) *EvidenceService {
	return &EvidenceService{
		writer: writer,
		events: em,
		log:    log.With().Str("service", "evidence").Logger(),
	}
}

// RecordFiling stores a filing
func (s *EvidenceService) RecordFiling(ctx context.Context, f domain.Filing) (*domain.Filing, error) {
	f.Ticker = domain.NormalizeTicker(f.Ticker)
	if err := domain.ValidateTicker(f.Ticker); err != nil {
		return nil, err
	}
	if strings.TrimSpace(f.FormType) == "" {
		return nil, domain.NewValidationError("form_type", "missing")
	}
	if err := validateSentiment(f.Sentiment); err != nil {
		return nil, err
	}
	if f.FiledAt.IsZero() {
		f.FiledAt = time.Now().UTC()
	}
	if f.ID == "" {
		f.ID = uuid.New().String()
	}

	if err := s.writer.InsertFiling(ctx, f); err != nil {
		return nil, domain.DataUnavailable("insert filing", err)
	}

	s.log.Debug().Str("ticker", f.Ticker).Str("form_type", f.FormType).Msg("Filing recorded")
	s.events.Emit("catalyst", &events.EvidenceRecordedData{Ticker: f.Ticker, Kind: "filing", ID: f.ID})
	return &f, nil
}

// RecordNews stores a news article or social mention
func (s *EvidenceService) RecordNews(ctx context.Context, n domain.NewsItem) (*domain.NewsItem, error) {
	n.Ticker = domain.NormalizeTicker(n.Ticker)
	if err := domain.ValidateTicker(n.Ticker); err != nil {
		return nil, err
	}
	if n.Source == "" {
		n.Source = domain.NewsSourceNews
	}
	if n.Source != domain.NewsSourceNews && n.Source != domain.NewsSourceSocial {
		return nil, domain.NewValidationError("source", "must be news or social")
	}
	if err := validateSentiment(n.Sentiment); err != nil {
		return nil, err
	}
	if n.PublishedAt.IsZero() {
		n.PublishedAt = time.Now().UTC()
	}
	if n.ID == "" {
		n.ID = uuid.New().String()
	}

	if err := s.writer.InsertNews(ctx, n); err != nil {
		return nil, domain.DataUnavailable("insert news", err)
	}

	s.events.Emit("catalyst", &events.EvidenceRecordedData{Ticker: n.Ticker, Kind: string(n.Source), ID: n.ID})
	return &n, nil
}

func validateSentiment(v float64) error {
	if v < -1 || v > 1 {
		return domain.NewValidationError("sentiment", "must be within [-1, 1]")
	}
	return nil
}

// Package market stores market samples and detected volume spikes.
package market

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/domain"
)

// Repository handles market_samples and volume_spikes
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new market repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "market").Logger(),
	}
}

// InsertSample appends a sample. Samples are never updated.
func (r *Repository) InsertSample(ctx context.Context, s domain.MarketSample) error {
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO market_samples (ticker, ts, volume, price) VALUES (?, ?, ?, ?)",
		s.Ticker, s.Timestamp.UnixMilli(), s.Volume, s.Price,
	)
	if err != nil {
		return fmt.Errorf("failed to insert sample for %s: %w", s.Ticker, err)
	}
	return nil
}

// GetMarketWindow returns the latest n samples for a ticker, oldest first
func (r *Repository) GetMarketWindow(ctx context.Context, ticker string, n int) ([]domain.MarketSample, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT ticker, ts, volume, price FROM market_samples
		WHERE ticker = ?
		ORDER BY ts DESC, id DESC
		LIMIT ?`,
		ticker, n,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query market window for %s: %w", ticker, err)
	}
	defer rows.Close()

	var samples []domain.MarketSample
	for rows.Next() {
		var (
			s  domain.MarketSample
			ts int64
		)
		if err := rows.Scan(&s.Ticker, &ts, &s.Volume, &s.Price); err != nil {
			return nil, fmt.Errorf("failed to scan market sample: %w", err)
		}
		s.Timestamp = time.UnixMilli(ts).UTC()
		samples = append(samples, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating market samples: %w", err)
	}

	// Reverse to chronological order
	for i, j := 0, len(samples)-1; i < j; i, j = i+1, j-1 {
		samples[i], samples[j] = samples[j], samples[i]
	}
	return samples, nil
}

// InsertSpike appends a spike record
func (r *Repository) InsertSpike(ctx context.Context, s *domain.VolumeSpike) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO volume_spikes
			(id, ticker, detected_at, volume, avg_volume, std_dev, deviation_multiple, z_score, price_change_pct, processed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Ticker, s.DetectedAt.UnixMilli(), s.Volume, s.AvgVolume, s.StdDev,
		s.DeviationMultiple, s.ZScore, s.PriceChangePct, boolToInt(s.Processed),
	)
	if err != nil {
		return fmt.Errorf("failed to insert spike for %s: %w", s.Ticker, err)
	}
	return nil
}

// GetSpike loads a spike by id
func (r *Repository) GetSpike(ctx context.Context, id string) (*domain.VolumeSpike, error) {
	var (
		s          domain.VolumeSpike
		detectedAt int64
		processed  int
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, ticker, detected_at, volume, avg_volume, std_dev, deviation_multiple, z_score, price_change_pct, processed
		FROM volume_spikes WHERE id = ?`, id,
	).Scan(&s.ID, &s.Ticker, &detectedAt, &s.Volume, &s.AvgVolume, &s.StdDev,
		&s.DeviationMultiple, &s.ZScore, &s.PriceChangePct, &processed)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("spike %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get spike %s: %w", id, err)
	}
	s.DetectedAt = time.UnixMilli(detectedAt).UTC()
	s.Processed = processed == 1
	return &s, nil
}

// MarkSpikeProcessed flips the processed flag, the only mutation a spike allows
func (r *Repository) MarkSpikeProcessed(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "UPDATE volume_spikes SET processed = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to mark spike %s processed: %w", id, err)
	}
	return nil
}

// CountSpikesSince counts spikes for a ticker detected in [since, until), excluding one id
func (r *Repository) CountSpikesSince(ctx context.Context, ticker string, since, until time.Time, excludeID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM volume_spikes
		WHERE ticker = ? AND detected_at >= ? AND detected_at < ? AND id != ?`,
		ticker, since.UnixMilli(), until.UnixMilli(), excludeID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count spikes for %s: %w", ticker, err)
	}
	return count, nil
}

// GetUnprocessedSpikes returns spikes whose pipeline run never completed, oldest first
func (r *Repository) GetUnprocessedSpikes(ctx context.Context, olderThan time.Time, limit int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id FROM volume_spikes
		WHERE processed = 0 AND detected_at < ?
		ORDER BY detected_at ASC LIMIT ?`,
		olderThan.UnixMilli(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query unprocessed spikes: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan spike id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

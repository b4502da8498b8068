package catalyst

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/domain"
)

// Repository stores filings and news/social items
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new evidence repository
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// InsertFiling upserts a filing by id
func (r *Repository) InsertFiling(ctx context.Context, f domain.Filing) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO filings (id, ticker, form_type, title, sentiment, filed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		f.ID, f.Ticker, f.FormType, f.Title, f.Sentiment, f.FiledAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert filing %s: %w", f.ID, err)
	}
	return nil
}

// InsertNews upserts a news or social item by id
func (r *Repository) InsertNews(ctx context.Context, n domain.NewsItem) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO news_items (id, ticker, source, headline, sentiment, published_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		n.ID, n.Ticker, string(n.Source), n.Headline, n.Sentiment, n.PublishedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert news item %s: %w", n.ID, err)
	}
	return nil
}

// GetFilingsInWindow returns filings with filed_at in [from, to]
func (r *Repository) GetFilingsInWindow(ctx context.Context, ticker string, from, to time.Time) ([]domain.Filing, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, ticker, form_type, title, sentiment, filed_at FROM filings
		WHERE ticker = ? AND filed_at >= ? AND filed_at <= ?
		ORDER BY filed_at ASC`,
		ticker, from.UnixMilli(), to.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query filings for %s: %w", ticker, err)
	}
	defer rows.Close()

	var filings []domain.Filing
	for rows.Next() {
		var (
			f       domain.Filing
			filedAt int64
		)
		if err := rows.Scan(&f.ID, &f.Ticker, &f.FormType, &f.Title, &f.Sentiment, &filedAt); err != nil {
			return nil, fmt.Errorf("failed to scan filing: %w", err)
		}
		f.FiledAt = time.UnixMilli(filedAt).UTC()
		filings = append(filings, f)
	}
	return filings, rows.Err()
}

// GetNewsInWindow returns news and social items with published_at in [from, to]
func (r *Repository) GetNewsInWindow(ctx context.Context, ticker string, from, to time.Time) ([]domain.NewsItem, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, ticker, source, headline, sentiment, published_at FROM news_items
		WHERE ticker = ? AND published_at >= ? AND published_at <= ?
		ORDER BY published_at ASC`,
		ticker, from.UnixMilli(), to.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query news for %s: %w", ticker, err)
	}
	defer rows.Close()

	var items []domain.NewsItem
	for rows.Next() {
		var (
			n           domain.NewsItem
			source      string
			publishedAt int64
		)
		if err := rows.Scan(&n.ID, &n.Ticker, &source, &n.Headline, &n.Sentiment, &publishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan news item: %w", err)
		}
		n.Source = domain.NewsSource(source)
		n.PublishedAt = time.UnixMilli(publishedAt).UTC()
		items = append(items, n)
	}
	return items, rows.Err()
}

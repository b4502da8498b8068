// Package subscriptions stores which users watch which tickers.
package subscriptions

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/domain"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/utils"
)

// Repository handles the subscriptions table
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new subscriptions repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "subscriptions").Logger(),
	}
}

// Upsert creates or replaces a subscription
func (r *Repository) Upsert(ctx context.Context, s domain.Subscription) error {
	if err := domain.ValidateTicker(s.Ticker); err != nil {
		return err
	}
	if s.UserID == "" {
		return domain.NewValidationError("user_id", "missing")
	}
	filter := s.SeverityFilter
	if filter == "" {
		filter = domain.SeverityLow
	}
	types := make([]string, 0, len(s.AlertTypeFilters))
	for _, t := range s.AlertTypeFilters {
		types = append(types, string(t))
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO subscriptions (user_id, ticker, severity_filter, alert_types)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, ticker) DO UPDATE SET
			severity_filter = excluded.severity_filter,
			alert_types = excluded.alert_types`,
		s.UserID, s.Ticker, string(filter), utils.JoinCSV(types),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert subscription %s/%s: %w", s.UserID, s.Ticker, err)
	}
	return nil
}

// Delete removes one subscription
func (r *Repository) Delete(ctx context.Context, userID, ticker string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM subscriptions WHERE user_id = ? AND ticker = ?", userID, ticker)
	if err != nil {
		return fmt.Errorf("failed to delete subscription %s/%s: %w", userID, ticker, err)
	}
	return nil
}

// GetSubscribersForTicker returns every subscription on a ticker
func (r *Repository) GetSubscribersForTicker(ctx context.Context, ticker string) ([]domain.Subscription, error) {
	return r.query(ctx, `
		SELECT user_id, ticker, severity_filter, alert_types FROM subscriptions
		WHERE ticker = ? ORDER BY user_id`, ticker)
}

// GetUserSubscriptions returns a user's subscriptions ordered by ticker
func (r *Repository) GetUserSubscriptions(ctx context.Context, userID string) ([]domain.Subscription, error) {
	return r.query(ctx, `
		SELECT user_id, ticker, severity_filter, alert_types FROM subscriptions
		WHERE user_id = ? ORDER BY ticker`, userID)
}

// GetUserTickers returns the watch-list of a user
func (r *Repository) GetUserTickers(ctx context.Context, userID string) ([]string, error) {
	subs, err := r.GetUserSubscriptions(ctx, userID)
	if err != nil {
		return nil, err
	}
	tickers := make([]string, 0, len(subs))
	for _, s := range subs {
		tickers = append(tickers, s.Ticker)
	}
	return tickers, nil
}

// ReplaceUserTickers makes the user's watch-list exactly tickers, keeping the
// filters of subscriptions that survive
func (r *Repository) ReplaceUserTickers(ctx context.Context, userID string, tickers []string) error {
	existing, err := r.GetUserSubscriptions(ctx, userID)
	if err != nil {
		return err
	}

	keep := make(map[string]bool, len(tickers))
	for _, t := range tickers {
		if err := domain.ValidateTicker(t); err != nil {
			return err
		}
		keep[t] = true
	}

	have := make(map[string]bool, len(existing))
	for _, s := range existing {
		have[s.Ticker] = true
		if !keep[s.Ticker] {
			if err := r.Delete(ctx, userID, s.Ticker); err != nil {
				return err
			}
		}
	}
	for _, t := range utils.UniqueStrings(tickers) {
		if have[t] {
			continue
		}
		if err := r.Upsert(ctx, domain.Subscription{UserID: userID, Ticker: t}); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) query(ctx context.Context, q string, args ...interface{}) ([]domain.Subscription, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []domain.Subscription
	for rows.Next() {
		var (
			s           domain.Subscription
			filter, csv string
		)
		if err := rows.Scan(&s.UserID, &s.Ticker, &filter, &csv); err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		s.SeverityFilter = domain.Severity(filter)
		for _, t := range utils.ParseCSV(csv) {
			s.AlertTypeFilters = append(s.AlertTypeFilters, domain.AlertType(t))
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

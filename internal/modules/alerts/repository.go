// Package alerts is the authoritative store for divergence alerts and bundles.
package alerts

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/domain"
)

const alertColumns = `id, ticker, spike_id, alert_type, severity, confidence_score, magnitude,
	hypothesis, evidence, status, primary_alert_id, created_at, resolved_at`

// Repository handles alerts and alert_bundles
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new alerts repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "alerts").Logger(),
	}
}

// Insert persists a new alert
func (r *Repository) Insert(ctx context.Context, a *domain.DivergenceAlert) error {
	evidence, err := json.Marshal(a.SupportingEvidence)
	if err != nil {
		return fmt.Errorf("failed to encode evidence for alert %s: %w", a.ID, err)
	}
	if a.Status == "" {
		a.Status = domain.AlertStatusActive
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO alerts (`+alertColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Ticker, nullString(a.SpikeID), string(a.AlertType), string(a.Severity),
		a.ConfidenceScore, a.Magnitude, a.Hypothesis, string(evidence), string(a.Status),
		nullString(a.PrimaryAlertID), a.CreatedAt.UnixMilli(), nullTime(a.ResolvedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert alert %s: %w", a.ID, err)
	}
	return nil
}

// Get loads an alert with its bundle member ids
func (r *Repository) Get(ctx context.Context, id string) (*domain.DivergenceAlert, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+alertColumns+" FROM alerts WHERE id = ?", id)
	a, err := scanAlert(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("alert %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alert %s: %w", id, err)
	}

	members, err := r.GetBundleMembers(ctx, id)
	if err != nil {
		return nil, err
	}
	a.BundledAlertIDs = members
	return a, nil
}

// UpdateStatus moves an alert along its lifecycle. The update is conditional
// on the status read, so a concurrent transition makes this one fail.
func (r *Repository) UpdateStatus(ctx context.Context, id string, next domain.AlertStatus, at time.Time) error {
	var current string
	err := r.db.QueryRowContext(ctx, "SELECT status FROM alerts WHERE id = ?", id).Scan(&current)
	if err == sql.ErrNoRows {
		return fmt.Errorf("alert %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read status of alert %s: %w", id, err)
	}

	from := domain.AlertStatus(current)
	if !from.CanTransitionTo(next) {
		return fmt.Errorf("alert %s %s -> %s: %w", id, from, next, domain.ErrInvalidTransition)
	}

	var resolvedAt interface{}
	if next == domain.AlertStatusResolved || next == domain.AlertStatusDismissed {
		resolvedAt = at.UnixMilli()
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE alerts SET status = ?, resolved_at = COALESCE(?, resolved_at)
		WHERE id = ? AND status = ?`,
		string(next), resolvedAt, id, current,
	)
	if err != nil {
		return fmt.Errorf("failed to update status of alert %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("alert %s changed concurrently: %w", id, domain.ErrInvalidTransition)
	}
	return nil
}

// SetPrimary points a bundled or merged alert at its primary
func (r *Repository) SetPrimary(ctx context.Context, id, primaryID string) error {
	_, err := r.db.ExecContext(ctx, "UPDATE alerts SET primary_alert_id = ? WHERE id = ?", primaryID, id)
	if err != nil {
		return fmt.Errorf("failed to set primary of alert %s: %w", id, err)
	}
	return nil
}

// AddBundleMembers records member ids under a primary. Re-adding is a no-op.
func (r *Repository) AddBundleMembers(ctx context.Context, primaryID string, memberIDs []string, at time.Time) error {
	for _, m := range memberIDs {
		_, err := r.db.ExecContext(ctx,
			"INSERT OR IGNORE INTO alert_bundles (primary_id, member_id, added_at) VALUES (?, ?, ?)",
			primaryID, m, at.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("failed to add %s to bundle %s: %w", m, primaryID, err)
		}
	}
	return nil
}

// GetBundleMembers returns member ids of a bundle in insertion order
func (r *Repository) GetBundleMembers(ctx context.Context, primaryID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT member_id FROM alert_bundles WHERE primary_id = ? ORDER BY added_at ASC, member_id ASC",
		primaryID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query bundle %s: %w", primaryID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan bundle member: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetActiveAlerts returns active alerts for a ticker and type created at or after since, newest first
func (r *Repository) GetActiveAlerts(ctx context.Context, ticker string, alertType domain.AlertType, since time.Time) ([]*domain.DivergenceAlert, error) {
	return r.query(ctx, `
		SELECT `+alertColumns+` FROM alerts
		WHERE ticker = ? AND alert_type = ? AND status = 'active' AND created_at >= ?
		ORDER BY created_at DESC, id ASC`,
		ticker, string(alertType), since.UnixMilli(),
	)
}

// GetActiveForTicker returns active alerts of any type for a ticker, newest first
func (r *Repository) GetActiveForTicker(ctx context.Context, ticker string, since time.Time) ([]*domain.DivergenceAlert, error) {
	return r.query(ctx, `
		SELECT `+alertColumns+` FROM alerts
		WHERE ticker = ? AND status = 'active' AND created_at >= ?
		ORDER BY created_at DESC, id ASC`,
		ticker, since.UnixMilli(),
	)
}

// GetActiveSince returns every active alert created at or after since, oldest first
func (r *Repository) GetActiveSince(ctx context.Context, since time.Time) ([]*domain.DivergenceAlert, error) {
	return r.query(ctx, `
		SELECT `+alertColumns+` FROM alerts
		WHERE status = 'active' AND created_at >= ?
		ORDER BY created_at ASC, id ASC`,
		since.UnixMilli(),
	)
}

// ListByTicker returns the latest alerts for a ticker regardless of status
func (r *Repository) ListByTicker(ctx context.Context, ticker string, limit int) ([]*domain.DivergenceAlert, error) {
	return r.query(ctx, `
		SELECT `+alertColumns+` FROM alerts
		WHERE ticker = ?
		ORDER BY created_at DESC, id ASC LIMIT ?`,
		ticker, limit,
	)
}

func (r *Repository) query(ctx context.Context, q string, args ...interface{}) ([]*domain.DivergenceAlert, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var out []*domain.DivergenceAlert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating alerts: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAlert(s scanner) (*domain.DivergenceAlert, error) {
	var (
		a                domain.DivergenceAlert
		spikeID, primary sql.NullString
		alertType, sev   string
		status, evidence string
		createdAt        int64
		resolvedAt       sql.NullInt64
	)
	err := s.Scan(&a.ID, &a.Ticker, &spikeID, &alertType, &sev, &a.ConfidenceScore, &a.Magnitude,
		&a.Hypothesis, &evidence, &status, &primary, &createdAt, &resolvedAt)
	if err != nil {
		return nil, err
	}

	a.AlertType = domain.AlertType(alertType)
	a.Severity = domain.Severity(sev)
	a.Status = domain.AlertStatus(status)
	a.CreatedAt = time.UnixMilli(createdAt).UTC()
	if spikeID.Valid {
		a.SpikeID = &spikeID.String
	}
	if primary.Valid {
		a.PrimaryAlertID = &primary.String
	}
	if resolvedAt.Valid {
		t := time.UnixMilli(resolvedAt.Int64).UTC()
		a.ResolvedAt = &t
	}
	if evidence != "" {
		if err := json.Unmarshal([]byte(evidence), &a.SupportingEvidence); err != nil {
			return nil, fmt.Errorf("failed to decode evidence of alert %s: %w", a.ID, err)
		}
	}
	return &a, nil
}

func nullString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

// Package delivery persists pending deliveries for offline subscribers.
package delivery

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/domain"
)

// Repository handles delivery_records
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new delivery repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "delivery").Logger(),
	}
}

// InsertDeliveryRecord stores a record. A second record for the same
// (user, alert) is ignored; the return reports whether a row was written.
func (r *Repository) InsertDeliveryRecord(ctx context.Context, rec *domain.DeliveryRecord) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO delivery_records
			(id, user_id, alert_id, payload, priority, created_at, expires_at, delivered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL)`,
		rec.ID, rec.UserID, rec.AlertID, rec.Payload, string(rec.Priority),
		rec.CreatedAt.UnixMilli(), rec.ExpiresAt.UnixMilli(),
	)
	if err != nil {
		return false, domain.DataUnavailable("insert delivery record", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetUndeliveredRecords returns a user's non-expired pending records, oldest first
func (r *Repository) GetUndeliveredRecords(ctx context.Context, userID string, now time.Time) ([]*domain.DeliveryRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, alert_id, payload, priority, created_at, expires_at
		FROM delivery_records
		WHERE user_id = ? AND delivered_at IS NULL AND expires_at > ?
		ORDER BY created_at ASC, id ASC`,
		userID, now.UnixMilli(),
	)
	if err != nil {
		return nil, domain.DataUnavailable("query undelivered records", err)
	}
	defer rows.Close()

	var out []*domain.DeliveryRecord
	for rows.Next() {
		var (
			rec                  domain.DeliveryRecord
			priority             string
			createdAt, expiresAt int64
		)
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.AlertID, &rec.Payload, &priority, &createdAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan delivery record: %w", err)
		}
		rec.Priority = domain.Severity(priority)
		rec.CreatedAt = time.UnixMilli(createdAt).UTC()
		rec.ExpiresAt = time.UnixMilli(expiresAt).UTC()
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// MarkDelivered stamps records as delivered. Already delivered rows keep their first stamp.
func (r *Repository) MarkDelivered(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, at.UnixMilli())
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := r.db.ExecContext(ctx,
		"UPDATE delivery_records SET delivered_at = ? WHERE delivered_at IS NULL AND id IN ("+placeholders(len(ids))+")",
		args...,
	)
	if err != nil {
		return domain.DataUnavailable("mark delivered", err)
	}
	return nil
}

// RepointAlert moves pending records of a merged duplicate onto the primary,
// replacing the stored payload and priority with the primary's. Users who
// already hold a record for the primary keep that one and the duplicate's
// record is dropped.
func (r *Repository) RepointAlert(ctx context.Context, fromAlertID, toAlertID, payload string, priority domain.Severity) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		"UPDATE OR IGNORE delivery_records SET alert_id = ?, payload = ?, priority = ? WHERE alert_id = ? AND delivered_at IS NULL",
		toAlertID, payload, string(priority), fromAlertID,
	)
	if err != nil {
		return 0, domain.DataUnavailable("repoint deliveries", err)
	}
	moved, _ := res.RowsAffected()

	if _, err := r.db.ExecContext(ctx,
		"DELETE FROM delivery_records WHERE alert_id = ? AND delivered_at IS NULL", fromAlertID,
	); err != nil {
		return moved, domain.DataUnavailable("drop repointed deliveries", err)
	}
	return moved, nil
}

// PurgeExpired deletes undelivered records past their TTL and delivered
// records older than keepDelivered
func (r *Repository) PurgeExpired(ctx context.Context, now time.Time, keepDelivered time.Duration) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM delivery_records
		WHERE (delivered_at IS NULL AND expires_at <= ?)
		   OR (delivered_at IS NOT NULL AND delivered_at < ?)`,
		now.UnixMilli(), now.Add(-keepDelivered).UnixMilli(),
	)
	if err != nil {
		return 0, domain.DataUnavailable("purge deliveries", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CountPending counts undelivered non-expired records across all users
func (r *Repository) CountPending(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM delivery_records WHERE delivered_at IS NULL AND expires_at > ?", now.UnixMilli(),
	).Scan(&n)
	if err != nil {
		return 0, domain.DataUnavailable("count pending deliveries", err)
	}
	return n, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

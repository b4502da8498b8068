package delivery

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/database"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/domain"
	testingpkg "github.com/Favour-chuks/tickerpulse-ai-sub001/internal/testing"
)

func record(id, user, alert string, created time.Time) *domain.DeliveryRecord {
	return &domain.DeliveryRecord{
		ID: id, UserID: user, AlertID: alert, Payload: `{"id":"` + alert + `"}`,
		Priority: domain.SeverityMedium, CreatedAt: created, ExpiresAt: created.Add(24 * time.Hour),
	}
}

func TestInsertDeliveryRecord_UniquePerUserAlert(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(testingpkg.NewMemoryDB(t, database.NameCore), zerolog.Nop())
	now := time.Date(2024, 5, 1, 14, 0, 0, 0, time.UTC)

	inserted, err := repo.InsertDeliveryRecord(ctx, record("d1", "u1", "a1", now))
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = repo.InsertDeliveryRecord(ctx, record("d2", "u1", "a1", now))
	require.NoError(t, err)
	assert.False(t, inserted)

	recs, err := repo.GetUndeliveredRecords(ctx, "u1", now)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "d1", recs[0].ID)
	assert.Equal(t, domain.SeverityMedium, recs[0].Priority)
}

func TestGetUndeliveredRecords_SkipsExpiredAndDelivered(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(testingpkg.NewMemoryDB(t, database.NameCore), zerolog.Nop())
	now := time.Date(2024, 5, 2, 14, 0, 0, 0, time.UTC)

	_, err := repo.InsertDeliveryRecord(ctx, record("expired", "u1", "a0", now.Add(-25*time.Hour)))
	require.NoError(t, err)
	_, err = repo.InsertDeliveryRecord(ctx, record("d1", "u1", "a1", now.Add(-time.Hour)))
	require.NoError(t, err)
	_, err = repo.InsertDeliveryRecord(ctx, record("d2", "u1", "a2", now.Add(-time.Minute)))
	require.NoError(t, err)

	require.NoError(t, repo.MarkDelivered(ctx, []string{"d1"}, now))

	recs, err := repo.GetUndeliveredRecords(ctx, "u1", now)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "d2", recs[0].ID)

	pending, err := repo.CountPending(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	purged, err := repo.PurgeExpired(ctx, now, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
}

func TestRepointAlert_KeepsOneRecordPerUser(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(testingpkg.NewMemoryDB(t, database.NameCore), zerolog.Nop())
	now := time.Date(2024, 5, 1, 14, 0, 0, 0, time.UTC)

	// u1 holds both the primary and the duplicate, u2 only the duplicate
	for _, rec := range []*domain.DeliveryRecord{
		record("p-u1", "u1", "primary", now),
		record("d-u1", "u1", "dup", now),
		record("d-u2", "u2", "dup", now),
	} {
		_, err := repo.InsertDeliveryRecord(ctx, rec)
		require.NoError(t, err)
	}

	moved, err := repo.RepointAlert(ctx, "dup", "primary", `{"id":"primary","v":2}`, domain.SeverityHigh)
	require.NoError(t, err)
	assert.Equal(t, int64(1), moved)

	u1, err := repo.GetUndeliveredRecords(ctx, "u1", now)
	require.NoError(t, err)
	require.Len(t, u1, 1)
	assert.Equal(t, "p-u1", u1[0].ID)
	assert.Equal(t, "primary", u1[0].AlertID)
	assert.Equal(t, `{"id":"primary"}`, u1[0].Payload)

	u2, err := repo.GetUndeliveredRecords(ctx, "u2", now)
	require.NoError(t, err)
	require.Len(t, u2, 1)
	assert.Equal(t, "primary", u2[0].AlertID)
	assert.Equal(t, `{"id":"primary","v":2}`, u2[0].Payload)
	assert.Equal(t, domain.SeverityHigh, u2[0].Priority)
}

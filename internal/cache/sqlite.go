package cache

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// SQLiteCache persists entries in the cache_entries table so dedup signatures
// and memoized scores survive a restart.
type SQLiteCache struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteCache creates a persistent cache over an already migrated database
func NewSQLiteCache(db *sql.DB) *SQLiteCache {
	return &SQLiteCache{db: db, now: time.Now}
}

// Get returns the value only if expires_at is in the future
func (c *SQLiteCache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	ok, _, err := c.getWithExpiry(ctx, key, dest)
	return ok, err
}

func (c *SQLiteCache) getWithExpiry(ctx context.Context, key string, dest interface{}) (bool, time.Time, error) {
	var (
		value     []byte
		expiresAt int64
	)
	err := c.db.QueryRowContext(ctx,
		"SELECT value, expires_at FROM cache_entries WHERE key = ? AND expires_at > ?",
		key, c.now().UnixMilli(),
	).Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return false, time.Time{}, nil
	}
	if err != nil {
		return false, time.Time{}, fmt.Errorf("failed to get cache entry %s: %w", key, err)
	}

	if err := decode(value, dest); err != nil {
		return false, time.Time{}, err
	}
	return true, time.UnixMilli(expiresAt), nil
}

// Set upserts with INSERT OR REPLACE
func (c *SQLiteCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	b, err := encode(value)
	if err != nil {
		return err
	}

	_, err = c.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO cache_entries (key, value, expires_at) VALUES (?, ?, ?)",
		key, b, c.now().Add(ttl).UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to store cache entry %s: %w", key, err)
	}
	return nil
}

// Delete removes a specific entry
func (c *SQLiteCache) Delete(ctx context.Context, key string) error {
	if _, err := c.db.ExecContext(ctx, "DELETE FROM cache_entries WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to delete cache entry %s: %w", key, err)
	}
	return nil
}

// DeletePrefix removes every entry under a prefix
func (c *SQLiteCache) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	result, err := c.db.ExecContext(ctx,
		"DELETE FROM cache_entries WHERE key LIKE ? ESCAPE '\\'",
		escapeLike(prefix)+"%",
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete cache prefix %s: %w", prefix, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}

// DeleteExpired removes all rows where expires_at <= now.
// Returns the number of rows deleted.
func (c *SQLiteCache) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := c.db.ExecContext(ctx,
		"DELETE FROM cache_entries WHERE expires_at <= ?", c.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired cache entries: %w", err)
	}
	return result.RowsAffected()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

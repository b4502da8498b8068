package cache

import (
	"context"
	"time"
)

// Tiered reads through a hot in-memory tier to the persistent tier.
// Writes go to both; the persistent write error is returned but the hot
// tier keeps the value.
type Tiered struct {
	hot  *MemoryCache
	cold *SQLiteCache
}

// NewTiered stacks a memory cache over a persistent cache
func NewTiered(hot *MemoryCache, cold *SQLiteCache) *Tiered {
	return &Tiered{hot: hot, cold: cold}
}

// Get implements Cache. A value found only in the persistent tier is
// promoted with its remaining TTL.
func (t *Tiered) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	if ok, err := t.hot.Get(ctx, key, dest); err == nil && ok {
		return true, nil
	}

	ok, expiresAt, err := t.cold.getWithExpiry(ctx, key, dest)
	if err != nil || !ok {
		return false, err
	}

	if remaining := expiresAt.Sub(t.hot.clock()); remaining > 0 {
		_ = t.hot.Set(ctx, key, dest, remaining)
	}
	return true, nil
}

// Set implements Cache
func (t *Tiered) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	_ = t.hot.Set(ctx, key, value, ttl)
	return t.cold.Set(ctx, key, value, ttl)
}

// Delete implements Cache
func (t *Tiered) Delete(ctx context.Context, key string) error {
	_ = t.hot.Delete(ctx, key)
	return t.cold.Delete(ctx, key)
}

// DeletePrefix implements Cache
func (t *Tiered) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	n, _ := t.hot.DeletePrefix(ctx, prefix)
	m, err := t.cold.DeletePrefix(ctx, prefix)
	if m > n {
		n = m
	}
	return n, err
}

// DeleteExpired sweeps both tiers
func (t *Tiered) DeleteExpired(ctx context.Context) (int64, error) {
	hot := int64(t.hot.DeleteExpired())
	cold, err := t.cold.DeleteExpired(ctx)
	return hot + cold, err
}

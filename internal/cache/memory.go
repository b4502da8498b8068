package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	expiresAt time.Time
	value     []byte
}

// MemoryCache is the in-process hot tier
type MemoryCache struct {
	entries map[string]memoryEntry
	now     func() time.Time
	mu      sync.RWMutex
}

// NewMemoryCache creates an empty in-memory cache
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// SetClock replaces the time source, for tests
func (c *MemoryCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Get implements Cache
func (c *MemoryCache) Get(_ context.Context, key string, dest interface{}) (bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	now := c.now()
	c.mu.RUnlock()

	if !ok || !now.Before(entry.expiresAt) {
		return false, nil
	}
	if err := decode(entry.value, dest); err != nil {
		return false, err
	}
	return true, nil
}

// Set implements Cache
func (c *MemoryCache) Set(_ context.Context, key string, value interface{}, ttl time.Duration) error {
	b, err := encode(value)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.entries[key] = memoryEntry{value: b, expiresAt: c.now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

// Delete implements Cache
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

// DeletePrefix implements Cache
func (c *MemoryCache) DeletePrefix(_ context.Context, prefix string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed, nil
}

// DeleteExpired drops expired entries and returns how many were removed
func (c *MemoryCache) DeleteExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, expired ones included
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *MemoryCache) clock() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now()
}

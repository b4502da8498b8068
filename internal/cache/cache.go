// Package cache provides the TTL key-value cache used for dedup signatures,
// score memoization and presence keys. Values are msgpack-encoded so every
// tier returns a private copy and tiers can be stacked.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Cache is a lossy accelerator. It must never be the only record of anything.
type Cache interface {
	// Get decodes the value stored at key into dest. It reports false on a miss.
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	// Set upserts a value with a TTL. Last writer wins.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every key starting with prefix and returns how many were removed.
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// Key builds a namespaced key such as "score:ACME:28512345"
func Key(parts ...interface{}) string {
	key := ""
	for i, p := range parts {
		if i > 0 {
			key += ":"
		}
		key += fmt.Sprint(p)
	}
	return key
}

func encode(value interface{}) ([]byte, error) {
	b, err := msgpack.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode cache value: %w", err)
	}
	return b, nil
}

func decode(b []byte, dest interface{}) error {
	if err := msgpack.Unmarshal(b, dest); err != nil {
		return fmt.Errorf("failed to decode cache value: %w", err)
	}
	return nil
}

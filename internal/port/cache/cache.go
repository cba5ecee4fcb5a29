// Package cache defines the port interface for caching.
package cache

import (
	"context"
	"time"
)

// Cache is the port interface for key-value caching. Implementations may
// evict entries at any time; a miss is not an error.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Lister is implemented by caches that can enumerate their keys, such as a
// shared store that outlives the process.
type Lister interface {
	Keys(ctx context.Context) ([]string, error)
}

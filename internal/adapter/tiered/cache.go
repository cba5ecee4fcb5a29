// Package tiered implements a two-level (L1 + L2) cache adapter.
package tiered

import (
	"context"
	"time"

	"github.com/Strob0t/crabwalk/internal/port/cache"
)

// Cache combines an in-process L1 with a shared L2. Get checks L1 first,
// then L2, backfilling L1 on an L2 hit. Set and Delete write through to
// both levels.
type Cache struct {
	l1       cache.Cache
	l2       cache.Cache
	l1Expire time.Duration
}

// New creates a tiered cache. l1Expire bounds how long an entry backfilled
// from L2 lives in L1, and therefore how stale a change made by another
// instance can look.
func New(l1, l2 cache.Cache, l1Expire time.Duration) *Cache {
	return &Cache{l1: l1, l2: l2, l1Expire: l1Expire}
}

// Get checks L1, then L2.
func (c *Cache) Get(ctx context.Context, key string) (data []byte, ok bool, err error) {
	val, found, err := c.l1.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if found {
		return val, true, nil
	}

	val, found, err = c.l2.Get(ctx, key)
	if err != nil || !found {
		return nil, false, err
	}
	_ = c.l1.Set(ctx, key, val, c.l1Expire)
	return val, true, nil
}

// Set writes to L1 (capped at l1Expire) and L2.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	l1TTL := ttl
	if l1TTL <= 0 || l1TTL > c.l1Expire {
		l1TTL = c.l1Expire
	}
	if err := c.l1.Set(ctx, key, value, l1TTL); err != nil {
		return err
	}
	return c.l2.Set(ctx, key, value, ttl)
}

// Delete removes from both levels.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.l1.Delete(ctx, key); err != nil {
		return err
	}
	return c.l2.Delete(ctx, key)
}

// Keys lists the keys held by L2 when it can enumerate them. L1 is a subset
// of L2 and is not consulted.
func (c *Cache) Keys(ctx context.Context) ([]string, error) {
	if l, ok := c.l2.(cache.Lister); ok {
		return l.Keys(ctx)
	}
	return nil, nil
}

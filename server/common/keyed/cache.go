// Package keyed provides a concurrency-safe get-or-compute map. At most one
// compute runs per key at a time; concurrent callers for the same key share
// its result. Errors are never cached.
package keyed

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type entry[V any] struct {
	value    V
	storedAt time.Time
}

type Cache[V any] struct {
	ttl     time.Duration
	now     func() time.Time
	mu      sync.RWMutex
	entries map[string]entry[V]
	group   singleflight.Group
}

// New returns a cache whose entries expire after ttl. A ttl <= 0 keeps
// entries for the lifetime of the cache.
func New[V any](ttl time.Duration) *Cache[V] {
	return &Cache[V]{ttl: ttl, now: time.Now, entries: map[string]entry[V]{}}
}

// WithClock replaces the time source; used by tests to expire entries.
func (c *Cache[V]) WithClock(now func() time.Time) *Cache[V] {
	c.now = now
	return c
}

func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lookupLocked(key)
}

// GetOrCompute returns the cached value for key or runs compute once for all
// concurrent callers. computed reports whether this call's value came from a
// fresh compute (shared callers of the same flight also see true).
//
// compute runs detached from the caller's cancellation so one caller giving up
// does not fail the others sharing the flight. A cancelled caller returns
// ctx.Err() at once while the compute finishes and fills the cache.
func (c *Cache[V]) GetOrCompute(ctx context.Context, key string, compute func(context.Context) (V, error)) (value V, computed bool, err error) {
	if v, ok := c.Get(key); ok {
		return v, false, nil
	}

	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		c.mu.RLock()
		v, ok := c.lookupLocked(key)
		c.mu.RUnlock()
		if ok {
			return result[V]{value: v}, nil
		}

		fresh, err := compute(detached)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = entry[V]{value: fresh, storedAt: c.now()}
		c.mu.Unlock()
		return result[V]{value: fresh, computed: true}, nil
	})

	var zero V
	select {
	case <-ctx.Done():
		return zero, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, false, res.Err
		}
		out := res.Val.(result[V])
		return out.value, out.computed, nil
	}
}

func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Range visits live entries in key order.
func (c *Cache[V]) Range(fn func(key string, value V)) {
	c.mu.RLock()
	keys := make([]string, 0, len(c.entries))
	for key := range c.entries {
		if _, ok := c.lookupLocked(key); ok {
			keys = append(keys, key)
		}
	}
	snapshot := make(map[string]V, len(keys))
	for _, key := range keys {
		snapshot[key] = c.entries[key].value
	}
	c.mu.RUnlock()

	sort.Strings(keys)
	for _, key := range keys {
		fn(key, snapshot[key])
	}
}

func (c *Cache[V]) Len() int {
	n := 0
	c.Range(func(string, V) { n++ })
	return n
}

func (c *Cache[V]) lookupLocked(key string) (V, bool) {
	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if c.ttl > 0 && c.now().Sub(e.storedAt) >= c.ttl {
		var zero V
		return zero, false
	}
	return e.value, true
}

type result[V any] struct {
	value    V
	computed bool
}

// Package cache provides named TTL caches backed by ristretto.
package cache

import (
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"

	"defi-aggregator/internal/metrics"
)

// Options size the underlying ristretto cache.
type Options struct {
	MaxItems int64
	Metrics  *metrics.Metrics
}

// TTL is a concurrency-safe cache whose entries expire after a fixed duration.
type TTL struct {
	name    string
	ttl     time.Duration
	store   *ristretto.Cache
	metrics *metrics.Metrics
}

// New builds a cache. Every entry costs 1, so MaxItems bounds the entry count.
func New(name string, ttl time.Duration, opts Options) (*TTL, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("cache %s: ttl must be positive", name)
	}
	maxItems := opts.MaxItems
	if maxItems <= 0 {
		maxItems = 10_000
	}
	store, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxItems * 10,
		MaxCost:     maxItems,
		BufferItems: 64,
		// Without this ristretto charges its own per-entry overhead against
		// MaxCost and the cache holds a small fraction of MaxItems.
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("cache %s: %w", name, err)
	}
	return &TTL{name: name, ttl: ttl, store: store, metrics: opts.Metrics}, nil
}

// MustNew is New for static wiring; it panics on invalid configuration.
func MustNew(name string, ttl time.Duration, opts Options) *TTL {
	c, err := New(name, ttl, opts)
	if err != nil {
		panic(err)
	}
	return c
}

// Name is the metrics label of the cache.
func (c *TTL) Name() string { return c.name }

// TTL is the entry lifetime.
func (c *TTL) TTL() time.Duration { return c.ttl }

// Get returns a live entry.
func (c *TTL) Get(key string) (any, bool) {
	v, ok := c.store.Get(key)
	c.metrics.CacheLookup(c.name, ok)
	return v, ok
}

// Set stores v and waits until it is visible to readers.
func (c *TTL) Set(key string, v any) {
	c.store.SetWithTTL(key, v, 1, c.ttl)
	c.store.Wait()
}

// Invalidate drops one entry.
func (c *TTL) Invalidate(key string) {
	c.store.Del(key)
}

// Clear drops every entry.
func (c *TTL) Clear() {
	c.store.Clear()
}

// Close stops the cache's background goroutines.
func (c *TTL) Close() {
	c.store.Close()
}

// GetAs is Get with a type assertion.
func GetAs[T any](c *TTL, key string) (T, bool) {
	var zero T
	v, ok := c.Get(key)
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}

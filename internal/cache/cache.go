// Package cache provides the two-tier response cache: an in-memory
// W-TinyLFU front backed by the durable SQLite table, keyed by request
// fingerprint.
package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/eugener/radagast/internal"
	"github.com/eugener/radagast/internal/storage"
)

// Stats reports cache effectiveness counters plus the durable tier summary.
type Stats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Entries int64 `json:"entries"`
	Bytes   int64 `json:"bytes"`
	Expired int64 `json:"expired"`
}

// ResponseCache is the fingerprint-keyed response cache. Lookups hit the
// memory tier first and fall through to the durable tier, promoting on hit.
type ResponseCache struct {
	mem        *otter.Cache[string, *gateway.CacheEntry]
	durable    storage.CacheStore
	defaultTTL time.Duration

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a ResponseCache bounded to maxEntries in the memory tier.
func New(maxEntries int, defaultTTL time.Duration, durable storage.CacheStore) (*ResponseCache, error) {
	mem, err := otter.New[string, *gateway.CacheEntry](&otter.Options[string, *gateway.CacheEntry]{
		MaximumSize:      maxEntries,
		ExpiryCalculator: otter.ExpiryWriting[string, *gateway.CacheEntry](defaultTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	return &ResponseCache{
		mem:        mem,
		durable:    durable,
		defaultTTL: defaultTTL,
	}, nil
}

// Lookup returns the cached entry for a fingerprint, if present and fresh.
func (c *ResponseCache) Lookup(ctx context.Context, fingerprint string) (*gateway.CacheEntry, bool) {
	now := time.Now().UTC()
	if e, ok := c.mem.GetIfPresent(fingerprint); ok {
		if !e.Expired(now) {
			c.hits.Add(1)
			return e, true
		}
		c.mem.Invalidate(fingerprint)
	}
	e, err := c.durable.CacheGet(ctx, fingerprint)
	if err != nil {
		c.misses.Add(1)
		return nil, false
	}
	c.mem.Set(fingerprint, e)
	c.hits.Add(1)
	return e, true
}

// Store writes an entry to both tiers. A zero TTL gets the default.
func (c *ResponseCache) Store(ctx context.Context, e *gateway.CacheEntry) error {
	if e.TTL <= 0 {
		e.TTL = c.defaultTTL
	}
	if e.StoredAt.IsZero() {
		e.StoredAt = time.Now().UTC()
	}
	c.mem.Set(e.Fingerprint, e)
	return c.durable.CachePut(ctx, e)
}

// Evict removes one fingerprint from both tiers.
func (c *ResponseCache) Evict(ctx context.Context, fingerprint string) error {
	c.mem.Invalidate(fingerprint)
	return c.durable.CacheEvict(ctx, fingerprint)
}

// Clear drops both tiers and returns how many durable entries were removed.
func (c *ResponseCache) Clear(ctx context.Context) (int64, error) {
	c.mem.InvalidateAll()
	return c.durable.CacheClear(ctx)
}

// Cleanup purges expired durable entries and trims the table to the given
// bounds, least-recently-used first. Memory-tier entries expire on their own.
func (c *ResponseCache) Cleanup(ctx context.Context, maxEntries int, maxBytes int64) (int64, error) {
	return c.durable.CachePurgeExpired(ctx, maxEntries, maxBytes)
}

// Stats returns hit/miss counters and the durable tier summary.
func (c *ResponseCache) Stats(ctx context.Context) (Stats, error) {
	durable, err := c.durable.CacheStats(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Entries: durable.Entries,
		Bytes:   durable.Bytes,
		Expired: durable.Expired,
	}, nil
}

// EntryFromResponse builds a cache entry from a successful response.
func EntryFromResponse(fingerprint string, resp *gateway.Response, ttl time.Duration) *gateway.CacheEntry {
	return &gateway.CacheEntry{
		Fingerprint: fingerprint,
		Text:        resp.Text,
		Thinking:    resp.Thinking,
		Usage:       resp.Usage,
		Provider:    resp.Provider,
		StoredAt:    time.Now().UTC(),
		TTL:         ttl,
	}
}

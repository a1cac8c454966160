package cache

import (
	"context"
	"testing"
	"time"

	gateway "github.com/eugener/radagast/internal"
	"github.com/eugener/radagast/internal/storage/sqlite"
)

func newTestCache(t *testing.T) *ResponseCache {
	t.Helper()
	store, err := sqlite.New(t.TempDir() + "/cache.db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	c, err := New(100, time.Minute, store)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestLookupMissThenHit(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	ctx := context.Background()

	if _, ok := c.Lookup(ctx, "fp-1"); ok {
		t.Fatal("empty cache should miss")
	}

	e := &gateway.CacheEntry{
		Fingerprint: "fp-1",
		Text:        "answer",
		Provider:    "claude",
	}
	if err := c.Store(ctx, e); err != nil {
		t.Fatal("store:", err)
	}

	got, ok := c.Lookup(ctx, "fp-1")
	if !ok {
		t.Fatal("stored entry should hit")
	}
	if got.Text != "answer" {
		t.Errorf("text = %q", got.Text)
	}
	if got.TTL != time.Minute {
		t.Errorf("ttl = %v, want default 1m", got.TTL)
	}

	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatal("stats:", err)
	}
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("hits/misses = %d/%d, want 1/1", stats.Hits, stats.Misses)
	}
	if stats.Entries != 1 {
		t.Errorf("entries = %d, want 1", stats.Entries)
	}
}

func TestLookupFallsThroughToDurable(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	ctx := context.Background()

	if err := c.Store(ctx, &gateway.CacheEntry{Fingerprint: "fp-d", Text: "warm"}); err != nil {
		t.Fatal(err)
	}
	// Drop the memory tier; the durable tier must still serve the entry.
	c.mem.InvalidateAll()

	got, ok := c.Lookup(ctx, "fp-d")
	if !ok {
		t.Fatal("durable tier should serve after memory loss")
	}
	if got.Text != "warm" {
		t.Errorf("text = %q", got.Text)
	}
}

func TestExpiredEntryMisses(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	ctx := context.Background()

	e := &gateway.CacheEntry{
		Fingerprint: "fp-exp",
		Text:        "stale",
		StoredAt:    time.Now().UTC().Add(-2 * time.Minute),
		TTL:         time.Minute,
	}
	if err := c.Store(ctx, e); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Lookup(ctx, "fp-exp"); ok {
		t.Error("expired entry should miss")
	}
}

func TestEvictAndClear(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	ctx := context.Background()

	for _, fp := range []string{"a", "b"} {
		if err := c.Store(ctx, &gateway.CacheEntry{Fingerprint: fp, Text: "x"}); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.Evict(ctx, "a"); err != nil {
		t.Fatal("evict:", err)
	}
	if _, ok := c.Lookup(ctx, "a"); ok {
		t.Error("evicted entry should miss")
	}
	n, err := c.Clear(ctx)
	if err != nil {
		t.Fatal("clear:", err)
	}
	if n != 1 {
		t.Errorf("cleared = %d, want 1", n)
	}
	if _, ok := c.Lookup(ctx, "b"); ok {
		t.Error("cache should be empty after clear")
	}
}

func TestFlightLeaderAndWaiters(t *testing.T) {
	t.Parallel()
	f := NewFlight()

	if !f.Join("fp", "r1") {
		t.Fatal("first join should lead")
	}
	if f.Join("fp", "r2") || f.Join("fp", "r3") {
		t.Fatal("later joins should wait")
	}
	if leader, _ := f.Leader("fp"); leader != "r1" {
		t.Errorf("leader = %q, want r1", leader)
	}

	waiters := f.Resolve("fp")
	if len(waiters) != 2 || waiters[0] != "r2" || waiters[1] != "r3" {
		t.Errorf("waiters = %v", waiters)
	}
	if f.Size() != 0 {
		t.Errorf("size = %d, want 0 after resolve", f.Size())
	}
	// A new request for the same fingerprint starts a fresh flight.
	if !f.Join("fp", "r4") {
		t.Error("post-resolve join should lead")
	}
}

func TestFlightLeavePromotesWaiter(t *testing.T) {
	t.Parallel()
	f := NewFlight()
	f.Join("fp", "r1")
	f.Join("fp", "r2")
	f.Join("fp", "r3")

	promoted, ok := f.Leave("fp", "r1")
	if !ok || promoted != "r2" {
		t.Fatalf("promoted = %q/%v, want r2/true", promoted, ok)
	}
	if leader, _ := f.Leader("fp"); leader != "r2" {
		t.Errorf("leader = %q, want r2", leader)
	}

	// A waiter leaving promotes nobody.
	if _, ok := f.Leave("fp", "r3"); ok {
		t.Error("waiter departure should not promote")
	}
	if waiters := f.Resolve("fp"); len(waiters) != 0 {
		t.Errorf("waiters = %v, want none", waiters)
	}
}

func TestFlightLastLeaderLeaves(t *testing.T) {
	t.Parallel()
	f := NewFlight()
	f.Join("fp", "r1")
	if _, ok := f.Leave("fp", "r1"); ok {
		t.Error("no waiter to promote")
	}
	if f.Size() != 0 {
		t.Errorf("size = %d, want 0", f.Size())
	}
}

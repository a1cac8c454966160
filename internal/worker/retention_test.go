package worker

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	gateway "github.com/eugener/radagast/internal"
	"github.com/eugener/radagast/internal/storage/sqlite"
)

func newRetentionStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "retention_test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func putFinished(t *testing.T, store *sqlite.Store, id string, submittedAt time.Time) {
	t.Helper()
	ctx := context.Background()
	err := store.PutRequest(ctx, &gateway.Request{
		ID:          id,
		Provider:    "p",
		Prompt:      "x",
		SubmittedAt: submittedAt,
		Status:      gateway.StatusQueued,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Transition(ctx, id, gateway.StatusQueued, gateway.StatusProcessing, ""); err != nil {
		t.Fatal(err)
	}
	err = store.FinishRequest(ctx, gateway.StatusProcessing, gateway.StatusCompleted, &gateway.Response{
		RequestID:   id,
		Text:        "done",
		CompletedAt: submittedAt.Add(time.Second),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestRetentionSweep(t *testing.T) {
	t.Parallel()
	store := newRetentionStore(t)
	ctx := context.Background()
	old := time.Now().UTC().Add(-48 * time.Hour)

	putFinished(t, store, "old-done", old)
	putFinished(t, store, "fresh-done", time.Now().UTC())
	// Old but still queued: retention must never touch it.
	err := store.PutRequest(ctx, &gateway.Request{
		ID: "old-queued", Provider: "p", Prompt: "x",
		SubmittedAt: old, Status: gateway.StatusQueued,
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := store.AppendCostSamples(ctx, []gateway.CostSample{
		{Provider: "p", RequestID: "old-done", CostUSD: 0.01, CreatedAt: old},
		{Provider: "p", RequestID: "fresh-done", CostUSD: 0.02, CreatedAt: time.Now().UTC()},
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.CachePut(ctx, &gateway.CacheEntry{
		Fingerprint: "fp-expired", Text: "stale", Provider: "p",
		StoredAt: old, TTL: time.Minute,
	}); err != nil {
		t.Fatal(err)
	}

	w := NewRetentionWorker(store, 24*time.Hour, 1000, 0)
	w.sweep(ctx)

	if _, err := store.GetRequest(ctx, "old-done"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("old terminal request: err = %v, want ErrNotFound", err)
	}
	if _, err := store.GetRequest(ctx, "fresh-done"); err != nil {
		t.Errorf("fresh request purged: %v", err)
	}
	if _, err := store.GetRequest(ctx, "old-queued"); err != nil {
		t.Errorf("queued request purged: %v", err)
	}

	buckets, err := store.CostByProvider(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(buckets) != 1 || buckets[0].Requests != 1 {
		t.Errorf("cost buckets = %+v, want single fresh sample", buckets)
	}

	if _, err := store.CacheGet(ctx, "fp-expired"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("expired cache entry: err = %v, want ErrNotFound", err)
	}
}

func TestRetentionDisabled(t *testing.T) {
	t.Parallel()
	store := newRetentionStore(t)
	ctx := context.Background()
	old := time.Now().UTC().Add(-48 * time.Hour)
	putFinished(t, store, "old-done", old)

	w := NewRetentionWorker(store, 0, 1000, 0)
	w.sweep(ctx)

	if _, err := store.GetRequest(ctx, "old-done"); err != nil {
		t.Errorf("zero retention must not purge requests: %v", err)
	}
}

package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/eugener/radagast/internal/storage"
)

const retentionSweepEvery = time.Hour

// retentionStore is the slice of the store the retention worker touches.
type retentionStore interface {
	storage.RequestStore
	storage.CacheStore
	storage.CostStore
}

// RetentionWorker deletes terminal requests and cost samples older than the
// retention window and trims the durable cache to its configured bounds.
// Non-terminal requests are never touched.
type RetentionWorker struct {
	store           retentionStore
	retention       time.Duration
	cacheMaxEntries int
	cacheMaxBytes   int64
	interval        time.Duration
}

// NewRetentionWorker creates a retention worker. A non-positive retention
// disables request and cost purging; cache trimming still runs.
func NewRetentionWorker(store retentionStore, retention time.Duration, cacheMaxEntries int, cacheMaxBytes int64) *RetentionWorker {
	return &RetentionWorker{
		store:           store,
		retention:       retention,
		cacheMaxEntries: cacheMaxEntries,
		cacheMaxBytes:   cacheMaxBytes,
		interval:        retentionSweepEvery,
	}
}

// Name returns the worker identifier.
func (w *RetentionWorker) Name() string { return "retention" }

// Run sweeps once immediately and then on the interval until ctx is done.
func (w *RetentionWorker) Run(ctx context.Context) error {
	w.sweep(ctx)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *RetentionWorker) sweep(ctx context.Context) {
	var requests, costs int64
	if w.retention > 0 {
		cutoff := time.Now().UTC().Add(-w.retention)
		var err error
		if requests, err = w.store.PurgeOldRequests(ctx, cutoff); err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "request purge failed",
				slog.String("error", err.Error()))
		}
		if costs, err = w.store.PurgeOldCostSamples(ctx, cutoff); err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "cost purge failed",
				slog.String("error", err.Error()))
		}
	}
	cacheRemoved, err := w.store.CachePurgeExpired(ctx, w.cacheMaxEntries, w.cacheMaxBytes)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "cache purge failed",
			slog.String("error", err.Error()))
	}
	if requests > 0 || costs > 0 || cacheRemoved > 0 {
		slog.LogAttrs(ctx, slog.LevelInfo, "retention sweep",
			slog.Int64("requests", requests),
			slog.Int64("cost_samples", costs),
			slog.Int64("cache_entries", cacheRemoved),
		)
	}
}

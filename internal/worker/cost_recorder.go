package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	gateway "github.com/eugener/radagast/internal"
	"github.com/eugener/radagast/internal/storage"
)

const (
	costChanSize   = 1000
	costBatchSize  = 100
	costFlushEvery = 5 * time.Second
	costDrainTime  = 30 * time.Second
)

// CostRecorder buffers cost samples and batch-flushes them to the store.
// Samples are dropped if the channel is full (back-pressure on slow DB).
type CostRecorder struct {
	ch    chan gateway.CostSample
	store storage.CostStore
	gauge prometheus.Gauge // nil disables queue-length reporting
}

// NewCostRecorder creates a CostRecorder backed by store. gauge may be nil.
func NewCostRecorder(store storage.CostStore, gauge prometheus.Gauge) *CostRecorder {
	return &CostRecorder{
		ch:    make(chan gateway.CostSample, costChanSize),
		store: store,
		gauge: gauge,
	}
}

// Name returns the worker identifier.
func (c *CostRecorder) Name() string { return "cost_recorder" }

// Record enqueues a cost sample. It never blocks; drops on full channel.
func (c *CostRecorder) Record(s gateway.CostSample) {
	select {
	case c.ch <- s:
		if c.gauge != nil {
			c.gauge.Set(float64(len(c.ch)))
		}
	default:
		slog.Warn("cost sample dropped, channel full")
	}
}

// Run processes samples until ctx is cancelled, then drains remaining samples.
func (c *CostRecorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(costFlushEvery)
	defer ticker.Stop()

	buf := make([]gateway.CostSample, 0, costBatchSize)

	for {
		select {
		case s := <-c.ch:
			buf = append(buf, s)
			if len(buf) >= costBatchSize {
				c.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				c.flush(ctx, buf)
				buf = buf[:0]
			}
			if c.gauge != nil {
				c.gauge.Set(float64(len(c.ch)))
			}

		case <-ctx.Done():
			// Drain remaining samples with a timeout.
			c.drain(buf)
			return nil
		}
	}
}

func (c *CostRecorder) drain(buf []gateway.CostSample) {
	ctx, cancel := context.WithTimeout(context.Background(), costDrainTime)
	defer cancel()

	for {
		select {
		case s := <-c.ch:
			buf = append(buf, s)
			if len(buf) >= costBatchSize {
				c.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			// Channel empty, flush remaining.
			if len(buf) > 0 {
				c.flush(ctx, buf)
			}
			return
		}
	}
}

func (c *CostRecorder) flush(ctx context.Context, buf []gateway.CostSample) {
	// Copy to avoid aliasing the caller's slice.
	batch := make([]gateway.CostSample, len(buf))
	copy(batch, buf)

	if err := c.store.AppendCostSamples(ctx, batch); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "cost flush failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
	}
}

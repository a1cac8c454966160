package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gateway "github.com/eugener/radagast/internal"
	"github.com/eugener/radagast/internal/cache"
)

// Name returns the worker identifier for the dispatch pool.
func (s *Service) Name() string { return "dispatcher" }

// Run starts the worker pool and blocks until ctx is done. Each worker pops
// runnable requests off the priority queue and drives them through the
// executor to a terminal state.
func (s *Service) Run(ctx context.Context) error {
	n := s.cfg.Queue.Workers
	if n <= 0 {
		n = 8
	}
	var wg sync.WaitGroup
	for i := range n {
		workerID := fmt.Sprintf("worker-%d", i+1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runWorker(ctx, workerID)
		}()
	}
	wg.Wait()
	return nil
}

func (s *Service) runWorker(ctx context.Context, workerID string) {
	for {
		req, err := s.queue.Pop(ctx, s.runnable)
		if err != nil {
			return
		}
		s.setQueueGauge()
		s.process(ctx, workerID, req)
		s.releaseSlot(req.Provider)
	}
}

// runnable gates dequeueing: the preferred provider must be up and have a
// free concurrency slot. The slot is taken here, before the request leaves
// the queue, so a saturated provider never accumulates processing requests
// past its cap; requests that cannot run are skipped (within the skip-ahead
// window) so they do not block the head.
func (s *Service) runnable(req *gateway.Request) bool {
	if s.health != nil && !s.health.Runnable(req.Provider) {
		return false
	}
	entry, err := s.providers.Get(req.Provider)
	if err != nil {
		return false
	}
	return entry.TryAcquire()
}

// releaseSlot frees the slot held since dequeue and re-wakes workers parked
// on saturation.
func (s *Service) releaseSlot(providerName string) {
	if entry, err := s.providers.Get(providerName); err == nil {
		entry.Release()
	}
	s.queue.Wake()
}

// process drives one request to a terminal state.
func (s *Service) process(ctx context.Context, workerID string, req *gateway.Request) {
	if err := s.store.Transition(ctx, req.ID, gateway.StatusQueued, gateway.StatusProcessing, ""); err != nil {
		// Usually a cancellation racing the pickup.
		slog.LogAttrs(ctx, slog.LevelDebug, "skipping request no longer queued",
			slog.String("request_id", req.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := s.store.AssignWorker(ctx, req.ID, workerID); err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "assign worker failed",
			slog.String("request_id", req.ID),
			slog.String("error", err.Error()),
		)
	}
	s.event(gateway.EventRequestProcessing, req.ID, req.Provider, map[string]any{"worker": workerID})
	if s.metrics != nil {
		s.metrics.ActiveWorkers.Inc()
		defer s.metrics.ActiveWorkers.Dec()
	}

	reqCtx, cancel := context.WithCancel(ctx)
	s.registerInflight(req.ID, cancel)
	defer func() {
		s.unregisterInflight(req.ID)
		cancel()
	}()

	lastProvider := ""
	onAttempt := func(providerName string) {
		if _, err := s.store.BumpAttempt(reqCtx, req.ID); err != nil {
			slog.LogAttrs(reqCtx, slog.LevelWarn, "attempt bump failed",
				slog.String("request_id", req.ID),
				slog.String("error", err.Error()),
			)
		}
		if s.metrics != nil {
			if providerName == lastProvider {
				s.metrics.Retries.WithLabelValues(providerName).Inc()
			} else if providerName != req.Provider {
				s.metrics.Fallbacks.WithLabelValues(providerName).Inc()
			}
		}
		lastProvider = providerName
		s.event(gateway.EventCLIExecuting, req.ID, providerName, nil)
	}

	start := time.Now()
	out := s.exec.Execute(reqCtx, req, onAttempt)
	resp := out.Response
	resp.RequestID = req.ID
	resp.CompletedAt = time.Now().UTC()
	status := statusFor(resp.ErrorKind)

	// Persistence must survive both request cancellation and pool shutdown.
	persistCtx := context.WithoutCancel(ctx)
	if err := s.store.FinishRequest(persistCtx, gateway.StatusProcessing, status, resp); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "finish failed",
			slog.String("request_id", req.ID),
			slog.String("error", err.Error()),
		)
	}

	if status == gateway.StatusCompleted && s.cache != nil && !req.BypassCache {
		s.storeInCache(persistCtx, req, resp)
	}
	s.settleWaiters(persistCtx, req, resp, status)
	s.notify(req.ID, resp)
	s.event(eventFor(status), req.ID, req.Provider, eventData(resp, status))
	s.recordOutcome(req, resp, status, out.CostUSD, time.Since(start))

	slog.LogAttrs(ctx, slog.LevelInfo, "request finished",
		slog.String("request_id", req.ID),
		slog.String("provider", req.Provider),
		slog.String("status", string(status)),
		slog.Int64("latency_ms", resp.LatencyMs),
		slog.Int("tokens", resp.Usage.Total),
	)
}

func (s *Service) storeInCache(ctx context.Context, req *gateway.Request, resp *gateway.Response) {
	ttl := s.cfg.Cache.DefaultTTL()
	if entry, err := s.providers.Get(req.Provider); err == nil {
		ttl = entry.Descriptor().CacheTTL
	}
	if err := s.cache.Store(ctx, cache.EntryFromResponse(req.Fingerprint, resp, ttl)); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "cache store failed",
			slog.String("request_id", req.ID),
			slog.String("error", err.Error()),
		)
	}
}

// settleWaiters finishes every single-flight waiter with a copy of the
// leader's outcome, success or failure alike.
func (s *Service) settleWaiters(ctx context.Context, req *gateway.Request, resp *gateway.Response, status gateway.Status) {
	for _, waiterID := range s.flight.Resolve(req.Fingerprint) {
		wresp := *resp
		wresp.RequestID = waiterID
		if status == gateway.StatusCompleted {
			wresp.Cached = true
		}
		if err := s.store.FinishRequest(ctx, gateway.StatusQueued, status, &wresp); err != nil {
			// Waiter was cancelled in the meantime; nothing to settle.
			slog.LogAttrs(ctx, slog.LevelDebug, "waiter settle skipped",
				slog.String("request_id", waiterID),
				slog.String("error", err.Error()),
			)
			continue
		}
		s.notify(waiterID, &wresp)
		s.event(eventFor(status), waiterID, req.Provider, eventData(&wresp, status))
		if s.metrics != nil {
			s.metrics.RequestsTotal.WithLabelValues(req.Provider, string(status)).Inc()
		}
	}
}

func (s *Service) recordOutcome(req *gateway.Request, resp *gateway.Response, status gateway.Status, costUSD float64, elapsed time.Duration) {
	providerUsed := resp.Provider
	if providerUsed == "" {
		providerUsed = req.Provider
	}
	if s.recorder != nil && (resp.Usage.Total > 0 || costUSD > 0) {
		s.recorder.Record(gateway.CostSample{
			Provider:     providerUsed,
			RequestID:    req.ID,
			Model:        req.Model,
			InputTokens:  resp.Usage.Input,
			OutputTokens: resp.Usage.Output,
			CostUSD:      costUSD,
			CreatedAt:    resp.CompletedAt,
		})
	}
	if s.metrics == nil {
		return
	}
	s.metrics.RequestsTotal.WithLabelValues(req.Provider, string(status)).Inc()
	s.metrics.RequestDuration.WithLabelValues(providerUsed).Observe(elapsed.Seconds())
	if resp.ErrorKind != "" {
		s.metrics.UpstreamErrors.WithLabelValues(providerUsed, string(resp.ErrorKind)).Inc()
	}
	if resp.Usage.Input > 0 {
		s.metrics.TokensProcessed.WithLabelValues(providerUsed, "input").Add(float64(resp.Usage.Input))
	}
	if resp.Usage.Output > 0 {
		s.metrics.TokensProcessed.WithLabelValues(providerUsed, "output").Add(float64(resp.Usage.Output))
	}
	if costUSD > 0 {
		s.metrics.CostUSD.WithLabelValues(providerUsed).Add(costUSD)
	}
}

func (s *Service) registerInflight(id string, cancel context.CancelFunc) {
	s.mu.Lock()
	if s.inflight == nil {
		s.inflight = make(map[string]context.CancelFunc)
	}
	s.inflight[id] = cancel
	s.mu.Unlock()
}

func (s *Service) unregisterInflight(id string) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}

// cancelInflight signals the worker driving id, if any.
func (s *Service) cancelInflight(id string) bool {
	s.mu.Lock()
	cancel, ok := s.inflight[id]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func statusFor(kind gateway.ErrorKind) gateway.Status {
	switch kind {
	case "":
		return gateway.StatusCompleted
	case gateway.ErrKindTimedOut:
		return gateway.StatusTimedOut
	case gateway.ErrKindCancelled:
		return gateway.StatusCancelled
	default:
		return gateway.StatusFailed
	}
}

func eventFor(status gateway.Status) gateway.EventType {
	switch status {
	case gateway.StatusCompleted:
		return gateway.EventRequestCompleted
	case gateway.StatusCancelled:
		return gateway.EventRequestCancelled
	default:
		return gateway.EventRequestFailed
	}
}

func eventData(resp *gateway.Response, status gateway.Status) map[string]any {
	data := map[string]any{"status": string(status)}
	if resp.Provider != "" {
		data["provider_used"] = resp.Provider
	}
	if resp.ErrorKind != "" {
		data["error_kind"] = string(resp.ErrorKind)
	}
	if resp.Cached {
		data["cached"] = true
	}
	return data
}

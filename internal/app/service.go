// Package app implements the orchestration core: request intake, cache and
// single-flight handling, the worker dispatch loop, cancellation, and the
// runtime status surface. HTTP handlers stay thin by delegating here.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	gateway "github.com/eugener/radagast/internal"
	"github.com/eugener/radagast/internal/cache"
	"github.com/eugener/radagast/internal/circuitbreaker"
	"github.com/eugener/radagast/internal/config"
	"github.com/eugener/radagast/internal/executor"
	"github.com/eugener/radagast/internal/health"
	"github.com/eugener/radagast/internal/provider"
	"github.com/eugener/radagast/internal/queue"
	"github.com/eugener/radagast/internal/storage"
	"github.com/eugener/radagast/internal/telemetry"
	"github.com/eugener/radagast/internal/worker"
)

const maxPromptBytes = 1 << 20

// Deps bundles what the Service needs. Cache, Health, Recorder, Metrics and
// Publish are optional.
type Deps struct {
	Store     storage.Store
	Queue     *queue.Queue
	Cache     *cache.ResponseCache
	Providers *provider.Registry
	Executor  *executor.Executor
	Health    *health.Monitor
	Breakers  *circuitbreaker.Registry
	Recorder  *worker.CostRecorder
	Metrics   *telemetry.Metrics
	Publish   func(gateway.Event)
}

// Service is the orchestration core.
type Service struct {
	cfg       *config.Config
	store     storage.Store
	queue     *queue.Queue
	cache     *cache.ResponseCache // nil when caching is disabled
	flight    *cache.Flight
	providers *provider.Registry
	exec      *executor.Executor
	health    *health.Monitor
	breakers  *circuitbreaker.Registry
	recorder  *worker.CostRecorder
	metrics   *telemetry.Metrics
	publish   func(gateway.Event)

	mu       sync.Mutex
	waiters  map[string][]chan *gateway.Response
	inflight map[string]context.CancelFunc // processing request id -> cancel
}

// NewService wires the orchestration core.
func NewService(cfg *config.Config, d Deps) *Service {
	return &Service{
		cfg:       cfg,
		store:     d.Store,
		queue:     d.Queue,
		cache:     d.Cache,
		flight:    cache.NewFlight(),
		providers: d.Providers,
		exec:      d.Executor,
		health:    d.Health,
		breakers:  d.Breakers,
		recorder:  d.Recorder,
		metrics:   d.Metrics,
		publish:   d.Publish,
	}
}

// SubmitParams is a validated-on-entry intake payload.
type SubmitParams struct {
	Provider    string `json:"provider"`
	Message     string `json:"message"`
	Model       string `json:"model,omitempty"`
	Agent       string `json:"agent,omitempty"`
	Priority    int    `json:"priority,omitempty"`
	BypassCache bool   `json:"bypass_cache,omitempty"`
	Stream      bool   `json:"stream,omitempty"`

	APIKeyID string `json:"-"`
}

// SubmitResult is the intake outcome. Response is non-nil only when the
// request completed synchronously from the cache.
type SubmitResult struct {
	Request  *gateway.Request
	Response *gateway.Response
}

// Submit validates and persists a request. On a fresh cache hit the request
// completes synchronously with cached=true and never reaches the queue. On
// a single-flight collision the request is stored as a waiter and settled
// when the leader finishes. Otherwise it is enqueued.
func (s *Service) Submit(ctx context.Context, p SubmitParams) (*SubmitResult, error) {
	entry, err := s.validate(&p)
	if err != nil {
		return nil, err
	}
	desc := entry.Descriptor()
	if p.Model == "" {
		p.Model = desc.Model
	}

	now := time.Now().UTC()
	req := &gateway.Request{
		ID:          uuid.Must(uuid.NewV7()).String(),
		Provider:    p.Provider,
		Model:       p.Model,
		Agent:       p.Agent,
		Prompt:      p.Message,
		Priority:    p.Priority,
		SubmittedAt: now,
		Deadline:    now.Add(desc.Timeout),
		Status:      gateway.StatusQueued,
		APIKeyID:    p.APIKeyID,
		Fingerprint: gateway.Fingerprint(p.Provider, p.Model, p.Agent, p.Message),
		BypassCache: p.BypassCache,
		Stream:      p.Stream,
	}

	if s.cache != nil && !p.BypassCache {
		if e, ok := s.cache.Lookup(ctx, req.Fingerprint); ok {
			return s.completeFromCache(ctx, req, e)
		}
		if s.metrics != nil {
			s.metrics.CacheMisses.Inc()
		}
	}

	leader := s.flight.Join(req.Fingerprint, req.ID)
	if err := s.store.PutRequest(ctx, req); err != nil {
		s.leaveFlight(ctx, req.Fingerprint, req.ID)
		return nil, err
	}
	if leader {
		if err := s.queue.Push(req); err != nil {
			s.leaveFlight(ctx, req.Fingerprint, req.ID)
			s.finishOverflow(ctx, req, err)
			return nil, err
		}
	}
	s.event(gateway.EventRequestSubmitted, req.ID, req.Provider, map[string]any{
		"priority": req.Priority,
		"waiter":   !leader,
	})
	s.setQueueGauge()
	return &SubmitResult{Request: req}, nil
}

// validate checks intake fields and resolves the provider entry.
func (s *Service) validate(p *SubmitParams) (*provider.Entry, error) {
	p.Message = strings.TrimSpace(p.Message)
	if p.Message == "" {
		return nil, fmt.Errorf("%w: message is required", gateway.ErrBadRequest)
	}
	if len(p.Message) > maxPromptBytes {
		return nil, fmt.Errorf("%w: message exceeds %d bytes", gateway.ErrBadRequest, maxPromptBytes)
	}
	if p.Provider == "" {
		return nil, fmt.Errorf("%w: provider is required", gateway.ErrBadRequest)
	}
	entry, err := s.providers.Get(p.Provider)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown provider %q", gateway.ErrBadRequest, p.Provider)
	}
	return entry, nil
}

// completeFromCache persists the request as immediately completed with the
// cached response.
func (s *Service) completeFromCache(ctx context.Context, req *gateway.Request, e *gateway.CacheEntry) (*SubmitResult, error) {
	if err := s.store.PutRequest(ctx, req); err != nil {
		return nil, err
	}
	resp := &gateway.Response{
		RequestID:   req.ID,
		Text:        e.Text,
		Thinking:    e.Thinking,
		Usage:       e.Usage,
		Provider:    e.Provider,
		Cached:      true,
		CompletedAt: time.Now().UTC(),
	}
	if err := s.store.FinishRequest(ctx, gateway.StatusQueued, gateway.StatusCompleted, resp); err != nil {
		return nil, err
	}
	req.Status = gateway.StatusCompleted
	if s.metrics != nil {
		s.metrics.CacheHits.Inc()
		s.metrics.RequestsTotal.WithLabelValues(req.Provider, string(gateway.StatusCompleted)).Inc()
	}
	s.event(gateway.EventRequestSubmitted, req.ID, req.Provider, nil)
	s.event(gateway.EventRequestCompleted, req.ID, req.Provider, map[string]any{"cached": true})
	return &SubmitResult{Request: req, Response: resp}, nil
}

// finishOverflow marks a request rejected at the queue as failed.
func (s *Service) finishOverflow(ctx context.Context, req *gateway.Request, cause error) {
	resp := &gateway.Response{
		RequestID:    req.ID,
		ErrorKind:    gateway.ErrKindQueueFull,
		ErrorMessage: cause.Error(),
		CompletedAt:  time.Now().UTC(),
	}
	if err := s.store.FinishRequest(ctx, gateway.StatusQueued, gateway.StatusFailed, resp); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "overflow finish failed",
			slog.String("request_id", req.ID),
			slog.String("error", err.Error()),
		)
	}
}

// Await blocks until the request reaches a terminal state or waitTimeout
// elapses. It returns gateway.ErrWaitTimeout on expiry; the request keeps
// running either way.
func (s *Service) Await(ctx context.Context, id string, waitTimeout time.Duration) (*gateway.Response, error) {
	ch := s.subscribe(id)
	defer s.unsubscribe(id, ch)

	// The request may already be terminal; check after subscribing so a
	// settle between the two cannot be missed.
	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status.Terminal() {
		return s.store.GetResponse(ctx, id)
	}

	timer := time.NewTimer(waitTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("request %s still %s: %w", id, req.Status, gateway.ErrWaitTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get returns the request and, if terminal, its response.
func (s *Service) Get(ctx context.Context, id string) (*gateway.Request, *gateway.Response, error) {
	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !req.Status.Terminal() {
		return req, nil, nil
	}
	resp, err := s.store.GetResponse(ctx, id)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return req, nil, nil
		}
		return nil, nil, err
	}
	return req, resp, nil
}

// List returns requests matching the filter.
func (s *Service) List(ctx context.Context, f storage.RequestFilter) ([]*gateway.Request, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	return s.store.ListRequests(ctx, f)
}

// Transitions returns the audit trail for a request.
func (s *Service) Transitions(ctx context.Context, id string) ([]storage.TransitionRow, error) {
	return s.store.Transitions(ctx, id)
}

// Cancel cancels a request. Queued requests are removed from the queue and
// finished immediately; processing requests get their context cancelled and
// unwind through the worker. Cancelling a terminal request returns
// gateway.ErrConflict.
func (s *Service) Cancel(ctx context.Context, id string) (*gateway.Request, error) {
	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status.Terminal() {
		return nil, fmt.Errorf("request %s already %s: %w", id, req.Status, gateway.ErrConflict)
	}

	if req.Status == gateway.StatusQueued {
		s.queue.Remove(id)
		s.leaveFlight(ctx, req.Fingerprint, id)
		resp := &gateway.Response{
			RequestID:    id,
			ErrorKind:    gateway.ErrKindCancelled,
			ErrorMessage: "cancelled by caller",
			CompletedAt:  time.Now().UTC(),
		}
		err := s.store.FinishRequest(ctx, gateway.StatusQueued, gateway.StatusCancelled, resp)
		if err == nil {
			req.Status = gateway.StatusCancelled
			s.notify(id, resp)
			s.event(gateway.EventRequestCancelled, id, req.Provider, nil)
			s.setQueueGauge()
			if s.metrics != nil {
				s.metrics.RequestsTotal.WithLabelValues(req.Provider, string(gateway.StatusCancelled)).Inc()
			}
			return req, nil
		}
		if !errors.Is(err, gateway.ErrConflict) {
			return nil, err
		}
		// Lost the race with a worker pickup; fall through to the
		// processing path.
	}

	if !s.cancelInflight(id) {
		// Between the status read and here the request went terminal.
		return nil, fmt.Errorf("request %s is not cancellable: %w", id, gateway.ErrConflict)
	}
	req.Status = gateway.StatusProcessing
	return req, nil
}

// leaveFlight removes a request from its single-flight group. A leader
// leaving with waiters attached hands the group to the oldest waiter, which
// must then be dispatched itself or it would wait forever.
func (s *Service) leaveFlight(ctx context.Context, fingerprint, id string) {
	if promoted, ok := s.flight.Leave(fingerprint, id); ok {
		s.promoteWaiter(ctx, promoted)
	}
}

// promoteWaiter turns a former waiter into a dispatchable leader.
func (s *Service) promoteWaiter(ctx context.Context, id string) {
	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "promoted waiter lookup failed",
			slog.String("request_id", id),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := s.queue.Push(req); err != nil {
		s.finishOverflow(ctx, req, err)
	}
}

// ToggleProvider flips a provider's enabled flag and returns the new state.
func (s *Service) ToggleProvider(name string) (bool, error) {
	entry, err := s.providers.Get(name)
	if err != nil {
		return false, err
	}
	enabled := !entry.Enabled()
	entry.SetEnabled(enabled)
	s.queue.Wake()
	s.event(gateway.EventProviderHealth, "", name, map[string]any{"enabled": enabled})
	return enabled, nil
}

// ProviderStatus is one row of the runtime status report.
type ProviderStatus struct {
	gateway.Provider
	Health  gateway.HealthState `json:"health"`
	Breaker string              `json:"breaker"`
}

// StatusReport is the /api/status payload.
type StatusReport struct {
	Providers  []ProviderStatus         `json:"providers"`
	QueueDepth int                      `json:"queue_depth"`
	InFlight   int                      `json:"in_flight"`
	Flights    int                      `json:"single_flight_groups"`
	Counts     map[gateway.Status]int64 `json:"requests_by_status"`
}

// Status assembles the runtime status report.
func (s *Service) Status(ctx context.Context) (*StatusReport, error) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	breakers := s.breakers.States()

	descs := s.providers.Snapshot()
	providers := make([]ProviderStatus, 0, len(descs))
	for _, desc := range descs {
		st := ProviderStatus{Provider: desc, Health: gateway.HealthUnknown, Breaker: circuitbreaker.StateClosed.String()}
		if s.health != nil {
			st.Health = s.health.State(desc.Name)
		}
		if b, ok := breakers[desc.Name]; ok {
			st.Breaker = b.String()
		}
		providers = append(providers, st)
	}

	s.mu.Lock()
	inflight := len(s.inflight)
	s.mu.Unlock()

	return &StatusReport{
		Providers:  providers,
		QueueDepth: s.queue.Depth(),
		InFlight:   inflight,
		Flights:    s.flight.Size(),
		Counts:     counts,
	}, nil
}

// HealthSnapshot exposes the monitor's per-provider view, if one is wired.
func (s *Service) HealthSnapshot() []health.Status {
	if s.health == nil {
		return nil
	}
	return s.health.Snapshot()
}

// --- waiter notification ---

func (s *Service) subscribe(id string) chan *gateway.Response {
	ch := make(chan *gateway.Response, 1)
	s.mu.Lock()
	if s.waiters == nil {
		s.waiters = make(map[string][]chan *gateway.Response)
	}
	s.waiters[id] = append(s.waiters[id], ch)
	s.mu.Unlock()
	return ch
}

func (s *Service) unsubscribe(id string, ch chan *gateway.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chans := s.waiters[id]
	for i, c := range chans {
		if c == ch {
			s.waiters[id] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(s.waiters[id]) == 0 {
		delete(s.waiters, id)
	}
}

// notify settles every Await call parked on the request id.
func (s *Service) notify(id string, resp *gateway.Response) {
	s.mu.Lock()
	chans := s.waiters[id]
	delete(s.waiters, id)
	s.mu.Unlock()
	for _, ch := range chans {
		ch <- resp
	}
}

func (s *Service) event(t gateway.EventType, requestID, providerName string, data map[string]any) {
	if s.publish == nil {
		return
	}
	s.publish(gateway.NewEvent(t, requestID, providerName, data))
}

func (s *Service) setQueueGauge() {
	if s.metrics != nil {
		s.metrics.QueueDepth.Set(float64(s.queue.Depth()))
	}
}

// RecoverInterrupted fails every request stranded by a previous run and
// announces each on the bus, so subscribers see them go terminal like any
// other request. Runs once at startup, before the worker pool starts.
func RecoverInterrupted(ctx context.Context, store storage.Store, publish func(gateway.Event)) (int, error) {
	ids, err := store.RecoverInterrupted(ctx)
	if err != nil {
		return 0, err
	}
	if publish != nil {
		for _, id := range ids {
			publish(gateway.NewEvent(gateway.EventRequestFailed, id, "", map[string]any{
				"status":     string(gateway.StatusFailed),
				"error_kind": string(gateway.ErrKindInterrupted),
			}))
		}
	}
	return len(ids), nil
}

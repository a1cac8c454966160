// Package executor runs a single request through its provider chain:
// primary first, then fallbacks, with per-provider retry, backoff, and
// circuit breaking. It is storage-free; the caller persists the outcome.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	gateway "github.com/eugener/radagast/internal"
	"github.com/eugener/radagast/internal/circuitbreaker"
	"github.com/eugener/radagast/internal/config"
	"github.com/eugener/radagast/internal/provider"
)

// healthView is the slice of the health monitor the executor consumes.
type healthView interface {
	Runnable(name string) bool
	Record(name string, ok bool, latency time.Duration, errMsg string)
}

// Outcome is the result of running one request to completion: the response
// to persist plus the accumulated upstream cost.
type Outcome struct {
	Response *gateway.Response
	CostUSD  float64
}

// Executor walks provider chains. Safe for concurrent use.
type Executor struct {
	providers *provider.Registry
	breakers  *circuitbreaker.Registry
	health    healthView // nil disables health gating
	retry     config.RetryConfig
}

// New builds an Executor. health may be nil, in which case every provider
// is considered runnable.
func New(providers *provider.Registry, breakers *circuitbreaker.Registry, health healthView, retry config.RetryConfig) *Executor {
	return &Executor{
		providers: providers,
		breakers:  breakers,
		health:    health,
		retry:     retry,
	}
}

// Execute runs the request through its provider chain and returns the
// outcome. It never returns a nil Outcome; failures are encoded in the
// response's error kind. The returned response carries no RequestID or
// CompletedAt; the caller stamps those when persisting.
//
// The caller holds the preferred provider's concurrency slot for the whole
// call (the dispatcher acquires it at dequeue); slots for fallback providers
// are acquired and released here.
//
// onAttempt, if non-nil, fires right before each upstream call with the
// provider actually dialled, so observers can see fallbacks as they happen.
func (e *Executor) Execute(ctx context.Context, req *gateway.Request, onAttempt func(provider string)) *Outcome {
	chain, err := e.providers.Chain(req.Provider)
	if err != nil {
		return failure(gateway.ErrKindValidation, fmt.Sprintf("unknown provider %q", req.Provider))
	}

	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	lastMsg := "no provider available"
	lastKind := gateway.ErrKindTransient
	for i, entry := range chain {
		desc := entry.Descriptor()
		if !entry.Enabled() {
			continue
		}
		if e.health != nil && !e.health.Runnable(desc.Name) {
			slog.LogAttrs(ctx, slog.LevelDebug, "skipping down provider",
				slog.String("request_id", req.ID),
				slog.String("provider", desc.Name),
			)
			continue
		}

		out, kind, msg := e.runProvider(ctx, entry, req, i > 0, onAttempt)
		if out != nil {
			return out
		}
		lastKind, lastMsg = kind, msg

		if ctx.Err() != nil {
			return ctxFailure(ctx, lastMsg)
		}
		if kind == gateway.ErrKindPermanent || kind == gateway.ErrKindValidation {
			// The request itself is bad; fallbacks would fail the same way.
			return failure(kind, msg)
		}
	}
	if ctx.Err() != nil {
		return ctxFailure(ctx, lastMsg)
	}
	return failure(lastKind, lastMsg)
}

// runProvider attempts one provider, retrying transient failures up to the
// configured attempt budget. acquire says whether the provider's concurrency
// slot must be taken per call; it is false for the chain head, whose slot the
// dispatcher already holds. A nil Outcome means move on to the next provider
// in the chain; kind and msg describe the final failure.
func (e *Executor) runProvider(ctx context.Context, entry *provider.Entry, req *gateway.Request, acquire bool, onAttempt func(provider string)) (*Outcome, gateway.ErrorKind, string) {
	desc := entry.Descriptor()
	breaker := e.breakers.Get(desc.Name)

	maxAttempts := 1
	if e.retry.IsEnabled() && e.retry.MaxAttempts > 1 {
		maxAttempts = e.retry.MaxAttempts
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.retry.BaseBackoff()
	bo.Multiplier = 2
	bo.RandomizationFactor = e.retry.Jitter

	kind := gateway.ErrKindTransient
	msg := fmt.Sprintf("%s: breaker open", desc.Name)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if !breaker.Allow() {
			return nil, gateway.ErrKindTransient, fmt.Sprintf("%s: breaker open", desc.Name)
		}
		if acquire {
			if err := entry.Acquire(ctx); err != nil {
				return nil, gateway.ErrKindTransient, fmt.Sprintf("%s: waiting for slot: %v", desc.Name, err)
			}
		}

		if onAttempt != nil {
			onAttempt(desc.Name)
		}
		attemptCtx, cancel := context.WithTimeout(ctx, desc.Timeout)
		start := time.Now()
		res := entry.Backend().Execute(attemptCtx, req)
		latency := time.Since(start)
		cancel()
		if acquire {
			entry.Release()
		}

		if res.Kind == gateway.ResultSuccess {
			breaker.RecordSuccess()
			if e.health != nil {
				e.health.Record(desc.Name, true, latency, "")
			}
			return &Outcome{
				Response: &gateway.Response{
					Text:        res.Text,
					Thinking:    res.Thinking,
					Usage:       res.Usage,
					LatencyMs:   latency.Milliseconds(),
					BackendType: string(entry.Backend().Type()),
					Provider:    desc.Name,
				},
				CostUSD: res.CostUSD,
			}, "", ""
		}

		breaker.RecordError(circuitbreaker.Weight(res.Kind))
		if e.health != nil {
			e.health.Record(desc.Name, false, latency, res.Message)
		}
		kind = res.Kind.ErrorKind()
		msg = res.Message
		if res.AuthURL != "" {
			msg = fmt.Sprintf("%s (login: %s)", msg, res.AuthURL)
		}
		slog.LogAttrs(ctx, slog.LevelWarn, "provider attempt failed",
			slog.String("request_id", req.ID),
			slog.String("provider", desc.Name),
			slog.Int("attempt", attempt),
			slog.String("kind", string(kind)),
			slog.String("error", res.Message),
		)

		if ctx.Err() != nil {
			return nil, kind, msg
		}
		switch res.Kind {
		case gateway.ResultPermanent:
			return nil, kind, msg
		case gateway.ResultAuthRequired:
			// Retrying cannot fix missing credentials; try the next provider.
			return nil, kind, msg
		case gateway.ResultRateLimited:
			if attempt == maxAttempts {
				return nil, kind, msg
			}
			wait := res.RetryAfter
			if wait <= 0 {
				wait = bo.NextBackOff()
			}
			if !sleep(ctx, wait) {
				return nil, kind, msg
			}
		case gateway.ResultTransient:
			if attempt == maxAttempts {
				return nil, kind, msg
			}
			if !sleep(ctx, bo.NextBackOff()) {
				return nil, kind, msg
			}
		}
	}
	return nil, kind, msg
}

// sleep waits for d or until ctx is done, reporting whether the full wait
// elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func failure(kind gateway.ErrorKind, msg string) *Outcome {
	return &Outcome{Response: &gateway.Response{
		ErrorKind:    kind,
		ErrorMessage: msg,
	}}
}

// ctxFailure distinguishes deadline expiry from caller cancellation.
func ctxFailure(ctx context.Context, lastMsg string) *Outcome {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return failure(gateway.ErrKindTimedOut, "deadline exceeded: "+lastMsg)
	}
	return failure(gateway.ErrKindCancelled, "cancelled: "+lastMsg)
}

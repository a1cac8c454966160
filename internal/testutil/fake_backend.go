// Package testutil provides configurable test fakes for gateway interfaces.
package testutil

import (
	"context"
	"sync"

	gateway "github.com/eugener/radagast/internal"
)

// FakeBackend is a configurable gateway.Backend for testing.
type FakeBackend struct {
	BackendName string
	BackendType gateway.BackendType
	ExecuteFn   func(ctx context.Context, req *gateway.Request) *gateway.BackendResult
	HealthFn    func(ctx context.Context) error

	mu    sync.Mutex
	calls int
}

// Name returns the configured backend name.
func (f *FakeBackend) Name() string { return f.BackendName }

// Type returns the configured backend type, defaulting to http_api.
func (f *FakeBackend) Type() gateway.BackendType {
	if f.BackendType == "" {
		return gateway.BackendHTTP
	}
	return f.BackendType
}

// Execute delegates to ExecuteFn or returns a canned success.
func (f *FakeBackend) Execute(ctx context.Context, req *gateway.Request) *gateway.BackendResult {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.ExecuteFn != nil {
		return f.ExecuteFn(ctx, req)
	}
	return &gateway.BackendResult{
		Kind:  gateway.ResultSuccess,
		Text:  "fake response",
		Usage: gateway.Usage{Input: 3, Output: 1, Total: 4},
	}
}

// HealthCheck delegates to HealthFn or returns nil.
func (f *FakeBackend) HealthCheck(ctx context.Context) error {
	if f.HealthFn != nil {
		return f.HealthFn(ctx)
	}
	return nil
}

// EstimatedCost returns zero.
func (f *FakeBackend) EstimatedCost(*gateway.Request) float64 { return 0 }

// Calls returns how many times Execute ran.
func (f *FakeBackend) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// BlockingBackend blocks Execute until released or ctx is cancelled. It is
// used to pin a provider's concurrency slot in scheduling tests.
type BlockingBackend struct {
	BackendName string
	Release     chan struct{}
	Started     chan string // receives the request id as Execute begins
}

// NewBlockingBackend returns a BlockingBackend with fresh channels.
func NewBlockingBackend(name string) *BlockingBackend {
	return &BlockingBackend{
		BackendName: name,
		Release:     make(chan struct{}),
		Started:     make(chan string, 16),
	}
}

// Name returns the configured backend name.
func (b *BlockingBackend) Name() string { return b.BackendName }

// Type returns http_api.
func (b *BlockingBackend) Type() gateway.BackendType { return gateway.BackendHTTP }

// Execute blocks until Release is closed (or receives) or ctx is done.
func (b *BlockingBackend) Execute(ctx context.Context, req *gateway.Request) *gateway.BackendResult {
	select {
	case b.Started <- req.ID:
	default:
	}
	select {
	case <-ctx.Done():
		return &gateway.BackendResult{Kind: gateway.ResultTransient, Message: "interrupted"}
	case <-b.Release:
		return &gateway.BackendResult{
			Kind:  gateway.ResultSuccess,
			Text:  "released",
			Usage: gateway.Usage{Input: 1, Output: 1, Total: 2},
		}
	}
}

// HealthCheck returns nil.
func (b *BlockingBackend) HealthCheck(context.Context) error { return nil }

// EstimatedCost returns zero.
func (b *BlockingBackend) EstimatedCost(*gateway.Request) float64 { return 0 }

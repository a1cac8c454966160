// Package provider maintains the runtime provider table: descriptor,
// backend, and concurrency gate per configured upstream.
package provider

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/sync/semaphore"

	gateway "github.com/eugener/radagast/internal"
)

// Entry pairs a provider descriptor with its backend and concurrency gate.
type Entry struct {
	mu      sync.RWMutex
	desc    gateway.Provider
	backend gateway.Backend
	sem     *semaphore.Weighted
}

// Descriptor returns a copy of the provider descriptor.
func (e *Entry) Descriptor() gateway.Provider {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.desc
}

// Backend returns the transport for this provider.
func (e *Entry) Backend() gateway.Backend { return e.backend }

// Enabled reports whether the provider accepts traffic.
func (e *Entry) Enabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.desc.Enabled
}

// SetEnabled toggles the provider at runtime.
func (e *Entry) SetEnabled(enabled bool) {
	e.mu.Lock()
	e.desc.Enabled = enabled
	e.mu.Unlock()
}

// Acquire takes a concurrency slot, blocking until one frees or ctx is done.
func (e *Entry) Acquire(ctx context.Context) error {
	return e.sem.Acquire(ctx, 1)
}

// TryAcquire takes a concurrency slot without blocking.
func (e *Entry) TryAcquire() bool {
	return e.sem.TryAcquire(1)
}

// Release frees a concurrency slot.
func (e *Entry) Release() {
	e.sem.Release(1)
}

// Registry maps provider names to entries. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Register adds a provider. It overwrites any previously registered provider
// with the same name.
func (r *Registry) Register(desc gateway.Provider, backend gateway.Backend) {
	concurrency := desc.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	e := &Entry{
		desc:    desc,
		backend: backend,
		sem:     semaphore.NewWeighted(concurrency),
	}
	r.mu.Lock()
	r.entries[desc.Name] = e
	r.mu.Unlock()
}

// Get returns the entry registered under name.
func (r *Registry) Get(name string) (*Entry, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider %q: %w", name, gateway.ErrNotFound)
	}
	return e, nil
}

// List returns a sorted slice of all registered provider names.
func (r *Registry) List() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	r.mu.RUnlock()
	slices.Sort(names)
	return names
}

// Chain returns the execution order for a request: the primary provider
// followed by its configured fallbacks.
func (r *Registry) Chain(primary string) ([]*Entry, error) {
	first, err := r.Get(primary)
	if err != nil {
		return nil, err
	}
	chain := []*Entry{first}
	for _, name := range first.Descriptor().Fallbacks {
		e, err := r.Get(name)
		if err != nil {
			continue // validated at load time; tolerate races on reload
		}
		chain = append(chain, e)
	}
	return chain, nil
}

// Snapshot returns a copy of every descriptor, sorted by name.
func (r *Registry) Snapshot() []gateway.Provider {
	names := r.List()
	out := make([]gateway.Provider, 0, len(names))
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range names {
		out = append(out, r.entries[name].Descriptor())
	}
	return out
}

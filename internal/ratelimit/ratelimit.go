// Package ratelimit implements per-key RPM limiting with lazy-refill token
// buckets, plus an optional gateway-wide ceiling.
package ratelimit

import (
	"sync"
	"time"
)

// Limits holds the effective limits for a key. A value of 0 means unlimited.
type Limits struct {
	RPM   int64
	Burst int64 // bucket capacity; defaults to RPM when 0
}

// Result is the outcome of a rate limit check.
type Result struct {
	Allowed           bool
	Limit             int64
	Remaining         int64
	RetryAfterSeconds float64
}

// Bucket is a token bucket with lazy refill (no background goroutine).
type Bucket struct {
	tokens   float64
	max      float64
	rate     float64 // tokens per second
	lastFill time.Time
}

func newBucket(limit, burst int64) *Bucket {
	capacity := burst
	if capacity <= 0 {
		capacity = limit
	}
	return &Bucket{
		tokens:   float64(capacity),
		max:      float64(capacity),
		rate:     float64(limit) / 60.0, // per-minute limit -> per-second rate
		lastFill: time.Now(),
	}
}

// refill adds tokens based on elapsed time since last refill.
func (b *Bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = min(b.max, b.tokens+elapsed*b.rate)
	b.lastFill = now
}

// tryConsume attempts to consume n tokens. Returns remaining and whether allowed.
func (b *Bucket) tryConsume(n float64, now time.Time) (remaining int64, allowed bool) {
	b.refill(now)
	if b.tokens >= n {
		b.tokens -= n
		return int64(b.tokens), true
	}
	return 0, false
}

// retryAfter returns seconds until n tokens are available.
func (b *Bucket) retryAfter(n float64) float64 {
	if b.tokens >= n {
		return 0
	}
	deficit := n - b.tokens
	return deficit / b.rate
}

// refund returns tokens to the bucket (when a later gate rejected the request).
func (b *Bucket) refund(n float64) {
	b.tokens = min(b.max, b.tokens+n)
}

// Limiter holds the RPM bucket for a single key.
type Limiter struct {
	mu       sync.Mutex
	rpm      *Bucket // nil if unlimited
	limits   Limits
	lastUsed time.Time
}

func newLimiter(limits Limits) *Limiter {
	l := &Limiter{limits: limits, lastUsed: time.Now()}
	if limits.RPM > 0 {
		l.rpm = newBucket(limits.RPM, limits.Burst)
	}
	return l
}

// Allow consumes one request token.
func (l *Limiter) Allow() Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	l.lastUsed = now

	if l.rpm == nil {
		return Result{Allowed: true}
	}
	remaining, ok := l.rpm.tryConsume(1, now)
	if ok {
		return Result{Allowed: true, Limit: l.limits.RPM, Remaining: remaining}
	}
	return Result{
		Allowed:           false,
		Limit:             l.limits.RPM,
		RetryAfterSeconds: l.rpm.retryAfter(1),
	}
}

// Refund returns one token (used when the global gate rejects after the
// per-key gate already consumed).
func (l *Limiter) Refund() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rpm != nil {
		l.rpm.refund(1)
	}
}

// Registry manages per-key Limiters.
type Registry struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
}

// NewRegistry creates a new rate limiter registry.
func NewRegistry() *Registry {
	return &Registry{limiters: make(map[string]*Limiter)}
}

// GetOrCreate returns the limiter for keyID, creating one if needed.
// If the key's limits have changed, a new limiter is created.
func (r *Registry) GetOrCreate(keyID string, limits Limits) *Limiter {
	r.mu.RLock()
	l, ok := r.limiters[keyID]
	r.mu.RUnlock()
	if ok && l.limits == limits {
		return l
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Double-check after acquiring write lock.
	if l, ok := r.limiters[keyID]; ok && l.limits == limits {
		return l
	}
	l = newLimiter(limits)
	r.limiters[keyID] = l
	return l
}

// EvictStale removes limiters not used since cutoff.
func (r *Registry) EvictStale(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for k, l := range r.limiters {
		l.mu.Lock()
		stale := l.lastUsed.Before(cutoff)
		l.mu.Unlock()
		if stale {
			delete(r.limiters, k)
			evicted++
		}
	}
	return evicted
}

// Gate combines the per-key registry with the gateway-wide ceiling.
type Gate struct {
	defaults Limits
	global   *Limiter // nil if unlimited
	reg      *Registry
}

// NewGate creates a gate with the configured default per-key limits and an
// optional global RPM ceiling.
func NewGate(defaultRPM, burst, globalRPM int64) *Gate {
	g := &Gate{
		defaults: Limits{RPM: defaultRPM, Burst: burst},
		reg:      NewRegistry(),
	}
	if globalRPM > 0 {
		g.global = newLimiter(Limits{RPM: globalRPM, Burst: globalRPM})
	}
	return g
}

// Allow checks the per-key bucket and then the global ceiling. rpmOverride,
// when positive, replaces the default per-key limit.
func (g *Gate) Allow(keyID string, rpmOverride int64) Result {
	limits := g.defaults
	if rpmOverride > 0 {
		// Key-level override replaces the whole bucket; capacity follows the
		// overridden limit.
		limits = Limits{RPM: rpmOverride}
	}
	limiter := g.reg.GetOrCreate(keyID, limits)
	res := limiter.Allow()
	if !res.Allowed || g.global == nil {
		return res
	}
	if global := g.global.Allow(); !global.Allowed {
		limiter.Refund()
		return global
	}
	return res
}

// EvictStale removes per-key limiters idle since cutoff.
func (g *Gate) EvictStale(cutoff time.Time) int {
	return g.reg.EvictStale(cutoff)
}

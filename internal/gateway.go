// Package gateway defines domain types and interfaces for the Radagast AI
// orchestration gateway. This package has no project imports -- it is the
// dependency root.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// --- Request lifecycle ---

// Status is a request lifecycle state.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusTimedOut   Status = "timed_out"
)

// Terminal reports whether the status is final. A terminal request's status
// never changes again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// ErrorKind classifies a failure for retry decisions and API responses.
type ErrorKind string

const (
	ErrKindValidation  ErrorKind = "validation"
	ErrKindAuth        ErrorKind = "auth_required"
	ErrKindRateLimited ErrorKind = "rate_limited"
	ErrKindTransient   ErrorKind = "transient_backend"
	ErrKindPermanent   ErrorKind = "permanent_backend"
	ErrKindTimedOut    ErrorKind = "timed_out"
	ErrKindCancelled   ErrorKind = "cancelled"
	ErrKindInterrupted ErrorKind = "interrupted"
	ErrKindQueueFull   ErrorKind = "queue_full"
	ErrKindStorage     ErrorKind = "storage_unavailable"
)

// Request is the unit of work flowing through the gateway.
type Request struct {
	ID          string    `json:"id"`
	Provider    string    `json:"provider"`
	Model       string    `json:"model,omitempty"`
	Agent       string    `json:"agent,omitempty"`
	Prompt      string    `json:"prompt"`
	Priority    int       `json:"priority"`
	SubmittedAt time.Time `json:"submitted_at"`
	Deadline    time.Time `json:"deadline"`
	Status      Status    `json:"status"`
	Attempts    int       `json:"attempts"`
	WorkerID    string    `json:"worker_id,omitempty"`
	APIKeyID    string    `json:"api_key_id,omitempty"`
	ParentID    string    `json:"parent_id,omitempty"`
	Fingerprint string    `json:"fingerprint"`
	BypassCache bool      `json:"bypass_cache,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

// Response is the terminal outcome of a request. At most one exists per request.
type Response struct {
	RequestID    string    `json:"request_id"`
	Text         string    `json:"response,omitempty"`
	Thinking     string    `json:"thinking,omitempty"`
	Usage        Usage     `json:"tokens"`
	LatencyMs    int64     `json:"latency_ms"`
	BackendType  string    `json:"backend_type,omitempty"`
	Provider     string    `json:"provider_used,omitempty"`
	ErrorKind    ErrorKind `json:"error_kind,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Cached       bool      `json:"cached"`
	CompletedAt  time.Time `json:"completed_at"`
}

// Usage holds token counts for a single exchange.
type Usage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

// Fingerprint returns the deterministic cache and single-flight key for a
// request: SHA-256 over NFC-normalized, lowercased provider/model and the
// trimmed prompt. Two requests with equal fingerprints are interchangeable
// for caching purposes.
func Fingerprint(provider, model, agent, prompt string) string {
	h := sha256.New()
	h.Write([]byte(strings.ToLower(provider)))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToLower(model)))
	h.Write([]byte{0})
	h.Write([]byte(agent))
	h.Write([]byte{0})
	h.Write([]byte(norm.NFC.String(strings.TrimSpace(prompt))))
	return hex.EncodeToString(h.Sum(nil))
}

// --- Backend abstraction ---

// BackendType is the transport used to reach an upstream provider.
type BackendType string

const (
	BackendHTTP     BackendType = "http_api"
	BackendCLI      BackendType = "cli"
	BackendTerminal BackendType = "terminal"
)

// ResultKind classifies the outcome of a backend execution.
type ResultKind int

const (
	ResultSuccess ResultKind = iota
	ResultAuthRequired
	ResultTransient
	ResultPermanent
	ResultRateLimited
)

// ErrorKind maps a non-success result to its error taxonomy entry.
func (k ResultKind) ErrorKind() ErrorKind {
	switch k {
	case ResultAuthRequired:
		return ErrKindAuth
	case ResultRateLimited:
		return ErrKindRateLimited
	case ResultPermanent:
		return ErrKindPermanent
	default:
		return ErrKindTransient
	}
}

// BackendResult is the uniform outcome of Backend.Execute across all
// transport variants.
type BackendResult struct {
	Kind       ResultKind
	Text       string
	Thinking   string
	Usage      Usage
	CostUSD    float64
	Message    string        // error detail for non-success kinds
	AuthURL    string        // optional login hint for ResultAuthRequired
	RetryAfter time.Duration // optional server hint for ResultRateLimited
}

// Backend is the interface every transport variant implements. Execute must
// honor ctx cancellation and deadline cooperatively; the worker enforces a
// grace window before force-terminating the underlying transport.
type Backend interface {
	// Name returns the provider identifier this backend serves.
	Name() string
	// Type returns the transport variant.
	Type() BackendType
	// Execute runs the request against the upstream and classifies the outcome.
	Execute(ctx context.Context, req *Request) *BackendResult
	// HealthCheck probes upstream connectivity with a lightweight call.
	HealthCheck(ctx context.Context) error
	// EstimatedCost predicts the USD cost of the request (zero if unknown).
	EstimatedCost(req *Request) float64
}

// StreamSink receives incremental output from backends that support token
// streaming. Chunks for one request arrive in order; the terminal lifecycle
// event follows after the last chunk.
type StreamSink interface {
	StreamChunk(requestID, provider, text string)
}

// --- Provider model ---

// HealthState is a provider's rolled-up health classification.
type HealthState string

const (
	HealthOK       HealthState = "ok"
	HealthDegraded HealthState = "degraded"
	HealthDown     HealthState = "down"
	HealthUnknown  HealthState = "unknown"
)

// Provider is a configured upstream, loaded at startup and mutable via the
// admin API. Backend-variant specifics live in the config entry that built
// the Backend instance; the runtime only needs these fields.
type Provider struct {
	Name        string        `json:"name"`
	Enabled     bool          `json:"enabled"`
	Backend     BackendType   `json:"backend_type"`
	Model       string        `json:"model,omitempty"`
	Timeout     time.Duration `json:"-"`
	Concurrency int64         `json:"concurrency"`
	Fallbacks   []string      `json:"fallback_chain,omitempty"`
	CostPer1K   float64       `json:"cost_per_1k,omitempty"`
	CacheTTL    time.Duration `json:"-"`
}

// --- API keys ---

// APIKeyPrefix is the prefix for all Radagast API keys.
const APIKeyPrefix = "rgt_"

// APIKey is an opaque client credential. The secret is stored hashed.
type APIKey struct {
	ID         string     `json:"id"`
	SecretHash string     `json:"-"`
	Prefix     string     `json:"key_prefix"` // first 8 chars for display
	Name       string     `json:"name"`
	Disabled   bool       `json:"disabled"`
	RPMLimit   int64      `json:"rpm_limit,omitempty"` // 0 = gateway default
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// HashKey returns the hex-encoded SHA-256 hash of a raw API key.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// Identity is the authenticated caller attached to request context.
type Identity struct {
	KeyID    string
	Name     string
	RPMLimit int64 // 0 = gateway default
}

// Authenticator validates a raw bearer token and returns the caller identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Identity, error)
}

// --- Cost tracking ---

// CostSample records the token cost of one completed upstream call.
type CostSample struct {
	ID           int64     `json:"id,omitempty"`
	Provider     string    `json:"provider"`
	RequestID    string    `json:"request_id"`
	Model        string    `json:"model,omitempty"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	CreatedAt    time.Time `json:"created_at"`
}

// --- Cache entries ---

// CacheEntry is a durable fingerprint -> response mapping.
type CacheEntry struct {
	Fingerprint string        `json:"fingerprint"`
	Text        string        `json:"response"`
	Thinking    string        `json:"thinking,omitempty"`
	Usage       Usage         `json:"tokens"`
	Provider    string        `json:"provider"`
	StoredAt    time.Time     `json:"stored_at"`
	TTL         time.Duration `json:"-"`
}

// Expired reports whether the entry is past stored-at + ttl.
func (e *CacheEntry) Expired(now time.Time) bool {
	return now.After(e.StoredAt.Add(e.TTL))
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Identity field is set later by the authenticate middleware via mutation
// of the same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Identity  *Identity
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// IdentityFromContext extracts the authenticated identity from context.
func IdentityFromContext(ctx context.Context) *Identity {
	if m := metaFromContext(ctx); m != nil {
		return m.Identity
	}
	return nil
}

// ContextWithIdentity stores the identity in the existing requestMeta if
// present, falling back to a new context value (e.g. in tests).
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Identity = id
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Identity: id})
}

// RequestIDFromContext extracts the HTTP request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given HTTP request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

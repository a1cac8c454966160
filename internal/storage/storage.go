// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"
	"time"

	gateway "github.com/eugener/radagast/internal"
)

// RequestFilter narrows ListRequests results.
type RequestFilter struct {
	Status   gateway.Status
	Provider string
	Limit    int
	Offset   int
}

// CacheStats summarizes the durable cache table.
type CacheStats struct {
	Entries int64 `json:"entries"`
	Bytes   int64 `json:"bytes"`
	Expired int64 `json:"expired"`
}

// CostBucket is one row of a cost aggregate.
type CostBucket struct {
	Key          string  `json:"key"` // provider name or day (YYYY-MM-DD)
	Requests     int64   `json:"requests"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// RequestStore persists request lifecycle state. All writes are durable
// before returning; reads reflect the latest committed write.
type RequestStore interface {
	// PutRequest inserts a new request in status queued.
	// Returns gateway.ErrConflict if the id already exists.
	PutRequest(ctx context.Context, req *gateway.Request) error
	// Transition is an atomic compare-and-set on status; it appends an audit
	// row. Returns gateway.ErrConflict if the current status != from.
	Transition(ctx context.Context, id string, from, to gateway.Status, meta string) error
	// FinishRequest commits a terminal transition and the response row in a
	// single transaction. The target status is derived from resp.ErrorKind.
	FinishRequest(ctx context.Context, from, to gateway.Status, resp *gateway.Response) error
	// BumpAttempt increments the attempt counter and returns the new value.
	BumpAttempt(ctx context.Context, id string) (int, error)
	// AssignWorker records which worker picked up the request.
	AssignWorker(ctx context.Context, id, workerID string) error
	GetRequest(ctx context.Context, id string) (*gateway.Request, error)
	GetResponse(ctx context.Context, id string) (*gateway.Response, error)
	ListRequests(ctx context.Context, f RequestFilter) ([]*gateway.Request, error)
	// Transitions returns the audit trail for a request, oldest first.
	Transitions(ctx context.Context, id string) ([]TransitionRow, error)
	// RecoverInterrupted marks all non-terminal requests from a previous run
	// as failed with error-kind interrupted and returns their ids.
	RecoverInterrupted(ctx context.Context) ([]string, error)
	// PurgeOldRequests deletes terminal requests (and their responses and
	// audit rows) older than cutoff. Non-terminal rows are never touched.
	PurgeOldRequests(ctx context.Context, cutoff time.Time) (int64, error)
	CountByStatus(ctx context.Context) (map[gateway.Status]int64, error)
}

// TransitionRow is one audit entry.
type TransitionRow struct {
	RequestID string         `json:"request_id"`
	From      gateway.Status `json:"from"`
	To        gateway.Status `json:"to"`
	Meta      string         `json:"meta,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// CacheStore persists the durable response cache.
type CacheStore interface {
	CacheGet(ctx context.Context, fingerprint string) (*gateway.CacheEntry, error)
	CachePut(ctx context.Context, e *gateway.CacheEntry) error
	CacheEvict(ctx context.Context, fingerprint string) error
	CacheClear(ctx context.Context) (int64, error)
	// CachePurgeExpired removes entries past stored_at + ttl and trims the
	// table to the configured bounds, least-recently-used first.
	CachePurgeExpired(ctx context.Context, maxEntries int, maxBytes int64) (int64, error)
	CacheStats(ctx context.Context) (CacheStats, error)
}

// APIKeyStore manages API key persistence.
type APIKeyStore interface {
	CreateKey(ctx context.Context, key *gateway.APIKey) error
	GetKeyByHash(ctx context.Context, hash string) (*gateway.APIKey, error)
	GetKey(ctx context.Context, id string) (*gateway.APIKey, error)
	ListKeys(ctx context.Context, offset, limit int) ([]*gateway.APIKey, error)
	SetKeyDisabled(ctx context.Context, id string, disabled bool) error
	DeleteKey(ctx context.Context, id string) error
	TouchKeyUsed(ctx context.Context, id string) error
}

// CostStore manages cost sample persistence and aggregates.
type CostStore interface {
	AppendCostSamples(ctx context.Context, samples []gateway.CostSample) error
	CostSummary(ctx context.Context) (CostBucket, error)
	CostByProvider(ctx context.Context) ([]CostBucket, error)
	CostByDay(ctx context.Context, days int) ([]CostBucket, error)
	PurgeOldCostSamples(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store combines all storage interfaces.
type Store interface {
	RequestStore
	CacheStore
	APIKeyStore
	CostStore
	Ping(ctx context.Context) error
	Close() error
}

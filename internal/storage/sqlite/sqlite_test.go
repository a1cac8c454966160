package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	gateway "github.com/eugener/radagast/internal"
	"github.com/eugener/radagast/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	// Use a unique file-based temp DB for each test to avoid shared :memory: races
	path := t.TempDir() + "/test.db"
	s, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestRequest(id string) *gateway.Request {
	now := time.Now().UTC().Truncate(time.Second)
	return &gateway.Request{
		ID:          id,
		Provider:    "claude",
		Model:       "claude-sonnet",
		Prompt:      "hello",
		Priority:    5,
		SubmittedAt: now,
		Deadline:    now.Add(5 * time.Minute),
		Status:      gateway.StatusQueued,
		Fingerprint: gateway.Fingerprint("claude", "claude-sonnet", "", "hello"),
	}
}

func TestRequestLifecycle(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	req := newTestRequest("req-1")
	if err := s.PutRequest(ctx, req); err != nil {
		t.Fatal("put:", err)
	}
	if err := s.PutRequest(ctx, req); !errors.Is(err, gateway.ErrConflict) {
		t.Errorf("duplicate put err = %v, want ErrConflict", err)
	}

	got, err := s.GetRequest(ctx, "req-1")
	if err != nil {
		t.Fatal("get:", err)
	}
	if got.Status != gateway.StatusQueued {
		t.Errorf("status = %q, want queued", got.Status)
	}
	if got.Priority != 5 {
		t.Errorf("priority = %d, want 5", got.Priority)
	}

	if err := s.Transition(ctx, "req-1", gateway.StatusQueued, gateway.StatusProcessing, ""); err != nil {
		t.Fatal("transition:", err)
	}
	// Same CAS again must lose: the row is no longer queued.
	err = s.Transition(ctx, "req-1", gateway.StatusQueued, gateway.StatusProcessing, "")
	if !errors.Is(err, gateway.ErrConflict) {
		t.Errorf("stale transition err = %v, want ErrConflict", err)
	}

	if err := s.AssignWorker(ctx, "req-1", "worker-3"); err != nil {
		t.Fatal("assign worker:", err)
	}
	n, err := s.BumpAttempt(ctx, "req-1")
	if err != nil {
		t.Fatal("bump:", err)
	}
	if n != 1 {
		t.Errorf("attempts = %d, want 1", n)
	}

	resp := &gateway.Response{
		RequestID:   "req-1",
		Text:        "hi there",
		Usage:       gateway.Usage{Input: 3, Output: 5, Total: 8},
		LatencyMs:   120,
		Provider:    "claude",
		BackendType: "http_api",
		CompletedAt: time.Now().UTC(),
	}
	if err := s.FinishRequest(ctx, gateway.StatusProcessing, gateway.StatusCompleted, resp); err != nil {
		t.Fatal("finish:", err)
	}

	got, _ = s.GetRequest(ctx, "req-1")
	if got.Status != gateway.StatusCompleted {
		t.Errorf("final status = %q, want completed", got.Status)
	}
	if got.WorkerID != "worker-3" {
		t.Errorf("worker = %q, want worker-3", got.WorkerID)
	}

	gotResp, err := s.GetResponse(ctx, "req-1")
	if err != nil {
		t.Fatal("get response:", err)
	}
	if gotResp.Text != "hi there" {
		t.Errorf("text = %q, want %q", gotResp.Text, "hi there")
	}
	if gotResp.Usage.Total != 8 {
		t.Errorf("total tokens = %d, want 8", gotResp.Usage.Total)
	}

	trail, err := s.Transitions(ctx, "req-1")
	if err != nil {
		t.Fatal("transitions:", err)
	}
	if len(trail) < 3 {
		t.Fatalf("audit rows = %d, want >= 3", len(trail))
	}
	if trail[0].To != gateway.StatusQueued {
		t.Errorf("first audit to = %q, want queued", trail[0].To)
	}
}

func TestFinishRequestRejectsNonTerminal(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	req := newTestRequest("req-nt")
	if err := s.PutRequest(ctx, req); err != nil {
		t.Fatal("put:", err)
	}
	resp := &gateway.Response{RequestID: "req-nt", CompletedAt: time.Now().UTC()}
	err := s.FinishRequest(ctx, gateway.StatusQueued, gateway.StatusProcessing, resp)
	if !errors.Is(err, gateway.ErrBadRequest) {
		t.Errorf("err = %v, want ErrBadRequest", err)
	}
}

func TestRecoverInterrupted(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	queued := newTestRequest("req-q")
	if err := s.PutRequest(ctx, queued); err != nil {
		t.Fatal(err)
	}
	processing := newTestRequest("req-p")
	if err := s.PutRequest(ctx, processing); err != nil {
		t.Fatal(err)
	}
	if err := s.Transition(ctx, "req-p", gateway.StatusQueued, gateway.StatusProcessing, ""); err != nil {
		t.Fatal(err)
	}
	done := newTestRequest("req-d")
	if err := s.PutRequest(ctx, done); err != nil {
		t.Fatal(err)
	}
	if err := s.FinishRequest(ctx, gateway.StatusQueued, gateway.StatusCancelled,
		&gateway.Response{RequestID: "req-d", ErrorKind: gateway.ErrKindCancelled, CompletedAt: time.Now().UTC()}); err != nil {
		t.Fatal(err)
	}

	ids, err := s.RecoverInterrupted(ctx)
	if err != nil {
		t.Fatal("recover:", err)
	}
	if len(ids) != 2 {
		t.Fatalf("recovered = %d, want 2", len(ids))
	}

	for _, id := range []string{"req-q", "req-p"} {
		got, err := s.GetRequest(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != gateway.StatusFailed {
			t.Errorf("%s status = %q, want failed", id, got.Status)
		}
		resp, err := s.GetResponse(ctx, id)
		if err != nil {
			t.Fatalf("%s response: %v", id, err)
		}
		if resp.ErrorKind != gateway.ErrKindInterrupted {
			t.Errorf("%s error kind = %q, want interrupted", id, resp.ErrorKind)
		}
	}
	// Terminal row untouched.
	got, _ := s.GetRequest(ctx, "req-d")
	if got.Status != gateway.StatusCancelled {
		t.Errorf("req-d status = %q, want cancelled", got.Status)
	}
}

func TestListRequestsAndCounts(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		req := newTestRequest("req-" + id)
		if id == "c" {
			req.Provider = "gemini"
		}
		if err := s.PutRequest(ctx, req); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Transition(ctx, "req-a", gateway.StatusQueued, gateway.StatusProcessing, ""); err != nil {
		t.Fatal(err)
	}

	queued, err := s.ListRequests(ctx, storage.RequestFilter{Status: gateway.StatusQueued})
	if err != nil {
		t.Fatal("list:", err)
	}
	if len(queued) != 2 {
		t.Errorf("queued = %d, want 2", len(queued))
	}
	gemini, err := s.ListRequests(ctx, storage.RequestFilter{Provider: "gemini"})
	if err != nil {
		t.Fatal("list:", err)
	}
	if len(gemini) != 1 {
		t.Errorf("gemini = %d, want 1", len(gemini))
	}

	counts, err := s.CountByStatus(ctx)
	if err != nil {
		t.Fatal("counts:", err)
	}
	if counts[gateway.StatusQueued] != 2 || counts[gateway.StatusProcessing] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestPurgeOldRequests(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	old := newTestRequest("req-old")
	old.SubmittedAt = time.Now().UTC().Add(-48 * time.Hour)
	if err := s.PutRequest(ctx, old); err != nil {
		t.Fatal(err)
	}
	if err := s.FinishRequest(ctx, gateway.StatusQueued, gateway.StatusCompleted,
		&gateway.Response{RequestID: "req-old", Text: "x", CompletedAt: time.Now().UTC()}); err != nil {
		t.Fatal(err)
	}
	// Old but still queued: retention must not touch it.
	stuck := newTestRequest("req-stuck")
	stuck.SubmittedAt = time.Now().UTC().Add(-48 * time.Hour)
	if err := s.PutRequest(ctx, stuck); err != nil {
		t.Fatal(err)
	}

	n, err := s.PurgeOldRequests(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatal("purge:", err)
	}
	if n != 1 {
		t.Errorf("purged = %d, want 1", n)
	}
	if _, err := s.GetRequest(ctx, "req-old"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("old request err = %v, want ErrNotFound", err)
	}
	if _, err := s.GetResponse(ctx, "req-old"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("old response err = %v, want ErrNotFound", err)
	}
	trail, err := s.Transitions(ctx, "req-old")
	if err != nil {
		t.Fatal(err)
	}
	if len(trail) != 0 {
		t.Errorf("audit rows after purge = %d, want 0", len(trail))
	}
	if _, err := s.GetRequest(ctx, "req-stuck"); err != nil {
		t.Errorf("stuck request should survive purge: %v", err)
	}
}

func TestCacheRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	e := &gateway.CacheEntry{
		Fingerprint: "fp-1",
		Text:        "cached answer",
		Usage:       gateway.Usage{Input: 2, Output: 4, Total: 6},
		Provider:    "claude",
		StoredAt:    time.Now().UTC(),
		TTL:         time.Minute,
	}
	if err := s.CachePut(ctx, e); err != nil {
		t.Fatal("put:", err)
	}

	got, err := s.CacheGet(ctx, "fp-1")
	if err != nil {
		t.Fatal("get:", err)
	}
	if got.Text != "cached answer" {
		t.Errorf("text = %q", got.Text)
	}
	if got.TTL != time.Minute {
		t.Errorf("ttl = %v, want 1m", got.TTL)
	}

	// Upsert replaces in place.
	e.Text = "newer answer"
	if err := s.CachePut(ctx, e); err != nil {
		t.Fatal("reput:", err)
	}
	got, _ = s.CacheGet(ctx, "fp-1")
	if got.Text != "newer answer" {
		t.Errorf("after upsert text = %q", got.Text)
	}

	if err := s.CacheEvict(ctx, "fp-1"); err != nil {
		t.Fatal("evict:", err)
	}
	if _, err := s.CacheGet(ctx, "fp-1"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("after evict err = %v, want ErrNotFound", err)
	}
	if err := s.CacheEvict(ctx, "fp-1"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("double evict err = %v, want ErrNotFound", err)
	}
}

func TestCacheExpiry(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	e := &gateway.CacheEntry{
		Fingerprint: "fp-exp",
		Text:        "stale",
		StoredAt:    time.Now().UTC().Add(-2 * time.Minute),
		TTL:         time.Minute,
	}
	if err := s.CachePut(ctx, e); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CacheGet(ctx, "fp-exp"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("expired get err = %v, want ErrNotFound", err)
	}
}

func TestCachePurgeTrimsToBounds(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	for i, fp := range []string{"fp-a", "fp-b", "fp-c", "fp-d"} {
		e := &gateway.CacheEntry{
			Fingerprint: fp,
			Text:        "0123456789",
			StoredAt:    time.Now().UTC().Add(time.Duration(i) * time.Second),
			TTL:         time.Hour,
		}
		if err := s.CachePut(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.CachePurgeExpired(ctx, 2, 0)
	if err != nil {
		t.Fatal("purge:", err)
	}
	if n != 2 {
		t.Errorf("trimmed = %d, want 2", n)
	}
	stats, err := s.CacheStats(ctx)
	if err != nil {
		t.Fatal("stats:", err)
	}
	if stats.Entries != 2 {
		t.Errorf("entries = %d, want 2", stats.Entries)
	}
	if stats.Bytes != 20 {
		t.Errorf("bytes = %d, want 20", stats.Bytes)
	}

	cleared, err := s.CacheClear(ctx)
	if err != nil {
		t.Fatal("clear:", err)
	}
	if cleared != 2 {
		t.Errorf("cleared = %d, want 2", cleared)
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	key := &gateway.APIKey{
		ID:         "key-1",
		SecretHash: "abc123hash",
		Prefix:     "rgt_abc1",
		Name:       "ci",
		RPMLimit:   120,
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
	}
	if err := s.CreateKey(ctx, key); err != nil {
		t.Fatal("create:", err)
	}

	got, err := s.GetKeyByHash(ctx, "abc123hash")
	if err != nil {
		t.Fatal("get:", err)
	}
	if got.Name != "ci" || got.RPMLimit != 120 {
		t.Errorf("got = %+v", got)
	}

	keys, err := s.ListKeys(ctx, 0, 10)
	if err != nil {
		t.Fatal("list:", err)
	}
	if len(keys) != 1 {
		t.Fatalf("list count = %d, want 1", len(keys))
	}

	if err := s.SetKeyDisabled(ctx, "key-1", true); err != nil {
		t.Fatal("disable:", err)
	}
	got, _ = s.GetKey(ctx, "key-1")
	if !got.Disabled {
		t.Error("disabled should be true")
	}

	if err := s.TouchKeyUsed(ctx, "key-1"); err != nil {
		t.Fatal("touch:", err)
	}
	got, _ = s.GetKey(ctx, "key-1")
	if got.LastUsedAt == nil {
		t.Error("last_used_at should be set after touch")
	}

	if err := s.DeleteKey(ctx, "key-1"); err != nil {
		t.Fatal("delete:", err)
	}
	if _, err := s.GetKeyByHash(ctx, "abc123hash"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("after delete err = %v, want ErrNotFound", err)
	}
}

func TestCostAggregates(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	samples := []gateway.CostSample{
		{Provider: "claude", RequestID: "r1", InputTokens: 10, OutputTokens: 20, CostUSD: 0.03},
		{Provider: "claude", RequestID: "r2", InputTokens: 5, OutputTokens: 5, CostUSD: 0.01},
		{Provider: "gemini", RequestID: "r3", InputTokens: 8, OutputTokens: 2, CostUSD: 0.005},
	}
	if err := s.AppendCostSamples(ctx, samples); err != nil {
		t.Fatal("append:", err)
	}

	total, err := s.CostSummary(ctx)
	if err != nil {
		t.Fatal("summary:", err)
	}
	if total.Requests != 3 {
		t.Errorf("requests = %d, want 3", total.Requests)
	}
	if total.InputTokens != 23 || total.OutputTokens != 27 {
		t.Errorf("tokens = %d/%d", total.InputTokens, total.OutputTokens)
	}

	byProv, err := s.CostByProvider(ctx)
	if err != nil {
		t.Fatal("by provider:", err)
	}
	if len(byProv) != 2 {
		t.Fatalf("providers = %d, want 2", len(byProv))
	}
	if byProv[0].Key != "claude" {
		t.Errorf("most expensive = %q, want claude", byProv[0].Key)
	}

	byDay, err := s.CostByDay(ctx, 7)
	if err != nil {
		t.Fatal("by day:", err)
	}
	if len(byDay) != 1 {
		t.Fatalf("days = %d, want 1", len(byDay))
	}
	if byDay[0].Requests != 3 {
		t.Errorf("day requests = %d, want 3", byDay[0].Requests)
	}

	n, err := s.PurgeOldCostSamples(ctx, time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatal("purge:", err)
	}
	if n != 3 {
		t.Errorf("purged = %d, want 3", n)
	}
}

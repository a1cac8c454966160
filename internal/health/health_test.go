package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	gateway "github.com/eugener/radagast/internal"
	"github.com/eugener/radagast/internal/provider"
)

type probeBackend struct {
	mu      sync.Mutex
	healthy bool
	probes  int
}

func (b *probeBackend) Name() string              { return "probe" }
func (b *probeBackend) Type() gateway.BackendType { return gateway.BackendHTTP }
func (b *probeBackend) Execute(context.Context, *gateway.Request) *gateway.BackendResult {
	return &gateway.BackendResult{Kind: gateway.ResultSuccess}
}
func (b *probeBackend) EstimatedCost(*gateway.Request) float64 { return 0 }

func (b *probeBackend) HealthCheck(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probes++
	if !b.healthy {
		return errors.New("connection refused")
	}
	return nil
}

func testConfig() Config {
	return Config{
		Interval:          time.Hour, // probes driven manually in tests
		Window:            4,
		SuccessThreshold:  0.7,
		DownAfterFailures: 3,
	}
}

func TestPassiveSamplesDriveState(t *testing.T) {
	t.Parallel()
	reg := provider.NewRegistry()
	m := NewMonitor(reg, testConfig(), nil, nil)

	m.Record("alpha", true, 10*time.Millisecond, "")
	m.Record("alpha", true, 10*time.Millisecond, "")
	if got := m.State("alpha"); got != gateway.HealthOK {
		t.Fatalf("state = %s, want ok", got)
	}

	m.Record("alpha", false, 0, "boom")
	m.Record("alpha", false, 0, "boom")
	if got := m.State("alpha"); got != gateway.HealthDegraded {
		t.Fatalf("state = %s, want degraded", got)
	}
	if !m.Runnable("alpha") {
		t.Error("degraded provider should stay runnable")
	}

	m.Record("alpha", false, 0, "boom")
	if got := m.State("alpha"); got != gateway.HealthDown {
		t.Fatalf("state = %s, want down after 3 consecutive failures", got)
	}
	if m.Runnable("alpha") {
		t.Error("down provider must not be runnable")
	}

	// Recovery: successes refill the window and the state climbs back.
	for range 4 {
		m.Record("alpha", true, 10*time.Millisecond, "")
	}
	if got := m.State("alpha"); got != gateway.HealthOK {
		t.Fatalf("state = %s, want ok after recovery", got)
	}
}

func TestLatencyBudgetDegrades(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.LatencyBudget = 50 * time.Millisecond
	m := NewMonitor(provider.NewRegistry(), cfg, nil, nil)

	for range 4 {
		m.Record("slow", true, 200*time.Millisecond, "")
	}
	if got := m.State("slow"); got != gateway.HealthDegraded {
		t.Fatalf("state = %s, want degraded on slow medians", got)
	}
}

func TestStateChangePublishesEvent(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var events []gateway.Event
	wakes := 0
	m := NewMonitor(provider.NewRegistry(), testConfig(),
		func(ev gateway.Event) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		},
		func() {
			mu.Lock()
			wakes++
			mu.Unlock()
		},
	)

	m.Record("beta", true, time.Millisecond, "")
	for range 3 {
		m.Record("beta", false, 0, "refused")
	}

	mu.Lock()
	defer mu.Unlock()
	// unknown -> ok, ok -> degraded, degraded -> down.
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	last := events[len(events)-1]
	if last.Type != gateway.EventProviderHealth || last.Provider != "beta" {
		t.Errorf("event = %+v", last)
	}
	if last.Data["to"] != string(gateway.HealthDown) {
		t.Errorf("to = %v", last.Data["to"])
	}
	if wakes != 3 {
		t.Errorf("wakes = %d, want 3", wakes)
	}
}

func TestProbeCycle(t *testing.T) {
	t.Parallel()
	reg := provider.NewRegistry()
	backend := &probeBackend{healthy: true}
	reg.Register(gateway.Provider{Name: "probe", Enabled: true, Concurrency: 1}, backend)

	m := NewMonitor(reg, testConfig(), nil, nil)
	m.probeAll(context.Background())
	if got := m.State("probe"); got != gateway.HealthOK {
		t.Fatalf("state = %s, want ok", got)
	}

	backend.mu.Lock()
	backend.healthy = false
	backend.mu.Unlock()
	for range 3 {
		m.probeAll(context.Background())
	}
	if got := m.State("probe"); got != gateway.HealthDown {
		t.Fatalf("state = %s, want down", got)
	}

	snap := m.Snapshot()
	if len(snap) != 1 || snap[0].Provider != "probe" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap[0].ConsecutiveFailures != 3 || snap[0].LastError == "" {
		t.Errorf("snapshot = %+v", snap[0])
	}
	if snap[0].LastProbe.IsZero() {
		t.Error("last probe should be stamped")
	}
}

func TestDisabledProviderNotProbed(t *testing.T) {
	t.Parallel()
	reg := provider.NewRegistry()
	backend := &probeBackend{healthy: true}
	reg.Register(gateway.Provider{Name: "probe", Enabled: false, Concurrency: 1}, backend)

	m := NewMonitor(reg, testConfig(), nil, nil)
	m.probeAll(context.Background())
	backend.mu.Lock()
	probes := backend.probes
	backend.mu.Unlock()
	if probes != 0 {
		t.Errorf("probes = %d, want 0 for disabled provider", probes)
	}
	if got := m.State("probe"); got != gateway.HealthUnknown {
		t.Errorf("state = %s, want unknown", got)
	}
}

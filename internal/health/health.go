// Package health runs the provider health monitor: periodic probes plus
// passive samples from real traffic, rolled up into an ok/degraded/down
// classification per provider.
package health

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	gateway "github.com/eugener/radagast/internal"
	"github.com/eugener/radagast/internal/provider"
)

const probeTimeout = 10 * time.Second

// Config holds monitor thresholds.
type Config struct {
	Interval          time.Duration // time between probe cycles
	Window            int           // samples kept per provider
	SuccessThreshold  float64       // success rate below this degrades
	DownAfterFailures int           // consecutive failures marking down
	LatencyBudget     time.Duration // median latency above this degrades
}

type sample struct {
	ok      bool
	latency time.Duration
}

type providerState struct {
	window      []sample
	consecutive int
	state       gateway.HealthState
	lastProbe   time.Time
	lastError   string
}

// Status is the externally visible health snapshot for one provider.
type Status struct {
	Provider            string              `json:"provider"`
	State               gateway.HealthState `json:"state"`
	SuccessRate         float64             `json:"success_rate"`
	MedianLatencyMs     int64               `json:"median_latency_ms"`
	ConsecutiveFailures int                 `json:"consecutive_failures"`
	LastError           string              `json:"last_error,omitempty"`
	LastProbe           time.Time           `json:"last_probe"`
}

// Monitor tracks provider health and publishes change events.
type Monitor struct {
	reg *provider.Registry
	cfg Config

	mu     sync.RWMutex
	states map[string]*providerState

	publish  func(gateway.Event) // nil disables events
	onChange func()              // nil disables wakeups
}

// NewMonitor creates a Monitor over the registry. publish receives
// provider-health-changed events; onChange fires on any state change (used
// to re-wake queue workers).
func NewMonitor(reg *provider.Registry, cfg Config, publish func(gateway.Event), onChange func()) *Monitor {
	if cfg.Window <= 0 {
		cfg.Window = 10
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Monitor{
		reg:      reg,
		cfg:      cfg,
		states:   make(map[string]*providerState),
		publish:  publish,
		onChange: onChange,
	}
}

// Name returns the worker identifier.
func (m *Monitor) Name() string { return "health_monitor" }

// Run probes all providers on the configured interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	m.probeAll(ctx)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.probeAll(ctx)
		}
	}
}

func (m *Monitor) probeAll(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	for _, name := range m.reg.List() {
		entry, err := m.reg.Get(name)
		if err != nil || !entry.Enabled() {
			continue
		}
		g.Go(func() error {
			m.probe(ctx, name, entry.Backend())
			return nil
		})
	}
	g.Wait()
}

func (m *Monitor) probe(ctx context.Context, name string, b gateway.Backend) {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	start := time.Now()
	err := b.HealthCheck(probeCtx)
	latency := time.Since(start)

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
		slog.LogAttrs(ctx, slog.LevelWarn, "health probe failed",
			slog.String("provider", name),
			slog.String("error", errMsg),
		)
	}
	m.record(name, err == nil, latency, errMsg, true)
}

// Record feeds a passive sample from real traffic into the window.
func (m *Monitor) Record(name string, ok bool, latency time.Duration, errMsg string) {
	m.record(name, ok, latency, errMsg, false)
}

func (m *Monitor) record(name string, ok bool, latency time.Duration, errMsg string, isProbe bool) {
	m.mu.Lock()
	st, exists := m.states[name]
	if !exists {
		st = &providerState{state: gateway.HealthUnknown}
		m.states[name] = st
	}
	st.window = append(st.window, sample{ok: ok, latency: latency})
	if len(st.window) > m.cfg.Window {
		st.window = st.window[len(st.window)-m.cfg.Window:]
	}
	if ok {
		st.consecutive = 0
		st.lastError = ""
	} else {
		st.consecutive++
		st.lastError = errMsg
	}
	if isProbe {
		st.lastProbe = time.Now().UTC()
	}
	prev := st.state
	st.state = m.classify(st)
	next := st.state
	m.mu.Unlock()

	if prev == next {
		return
	}
	slog.LogAttrs(context.Background(), slog.LevelInfo, "provider health changed",
		slog.String("provider", name),
		slog.String("from", string(prev)),
		slog.String("to", string(next)),
	)
	if m.publish != nil {
		m.publish(gateway.NewEvent(gateway.EventProviderHealth, "", name, map[string]any{
			"from": string(prev),
			"to":   string(next),
		}))
	}
	if m.onChange != nil {
		m.onChange()
	}
}

// classify rolls the window up into a state. Caller holds m.mu.
func (m *Monitor) classify(st *providerState) gateway.HealthState {
	if st.consecutive >= m.cfg.DownAfterFailures && m.cfg.DownAfterFailures > 0 {
		return gateway.HealthDown
	}
	if len(st.window) == 0 {
		return gateway.HealthUnknown
	}
	rate := successRate(st.window)
	if rate < m.cfg.SuccessThreshold {
		return gateway.HealthDegraded
	}
	if m.cfg.LatencyBudget > 0 {
		if med := medianLatency(st.window); med > m.cfg.LatencyBudget {
			return gateway.HealthDegraded
		}
	}
	return gateway.HealthOK
}

func successRate(window []sample) float64 {
	okCount := 0
	for _, s := range window {
		if s.ok {
			okCount++
		}
	}
	return float64(okCount) / float64(len(window))
}

// medianLatency considers successful samples only; failure latencies say
// more about timeouts than about the provider's serving speed.
func medianLatency(window []sample) time.Duration {
	var lats []time.Duration
	for _, s := range window {
		if s.ok {
			lats = append(lats, s.latency)
		}
	}
	if len(lats) == 0 {
		return 0
	}
	slices.Sort(lats)
	return lats[len(lats)/2]
}

// State returns the current classification for a provider.
func (m *Monitor) State(name string) gateway.HealthState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[name]
	if !ok {
		return gateway.HealthUnknown
	}
	return st.state
}

// Runnable reports whether requests should be dispatched to the provider.
// Unknown and degraded providers still take traffic; down ones do not.
func (m *Monitor) Runnable(name string) bool {
	return m.State(name) != gateway.HealthDown
}

// Snapshot returns the health status of every tracked provider.
func (m *Monitor) Snapshot() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.states))
	for name := range m.states {
		names = append(names, name)
	}
	slices.Sort(names)

	out := make([]Status, 0, len(names))
	for _, name := range names {
		st := m.states[name]
		status := Status{
			Provider:            name,
			State:               st.state,
			ConsecutiveFailures: st.consecutive,
			LastError:           st.lastError,
			LastProbe:           st.lastProbe,
		}
		if len(st.window) > 0 {
			status.SuccessRate = successRate(st.window)
			status.MedianLatencyMs = medianLatency(st.window).Milliseconds()
		}
		out = append(out, status)
	}
	return out
}

// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"

	gateway "github.com/eugener/radagast/internal"
)

// Config is the top-level gateway configuration.
type Config struct {
	Listen    string          `yaml:"listen"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Providers []ProviderEntry `yaml:"providers"`
	Retry     RetryConfig     `yaml:"retry"`
	Cache     CacheConfig     `yaml:"cache"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Health    HealthConfig    `yaml:"health"`
	Queue     QueueConfig     `yaml:"queue"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig holds SQLite settings.
type StorageConfig struct {
	Path           string `yaml:"path"` // file path or ":memory:"
	RetentionHours int    `yaml:"retention_hours"`
}

// RetryConfig controls the retry/fallback executor.
type RetryConfig struct {
	Enabled       *bool   `yaml:"enabled"`
	MaxAttempts   int     `yaml:"max_attempts"`
	BaseBackoffMs int     `yaml:"base_backoff_ms"`
	Jitter        float64 `yaml:"jitter"`
}

// IsEnabled reports whether retry is on (defaults to true when nil).
func (r RetryConfig) IsEnabled() bool { return r.Enabled == nil || *r.Enabled }

// BaseBackoff returns the first-attempt backoff duration.
func (r RetryConfig) BaseBackoff() time.Duration {
	return time.Duration(r.BaseBackoffMs) * time.Millisecond
}

// CacheConfig holds response cache settings.
type CacheConfig struct {
	Enabled     *bool `yaml:"enabled"`
	DefaultTTLs int   `yaml:"default_ttl_s"`
	MaxEntries  int   `yaml:"max_entries"`
	MaxBytes    int64 `yaml:"max_bytes"`
}

// IsEnabled reports whether caching is on (defaults to true when nil).
func (c CacheConfig) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

// DefaultTTL returns the per-provider default cache TTL.
func (c CacheConfig) DefaultTTL() time.Duration {
	return time.Duration(c.DefaultTTLs) * time.Second
}

// RateLimitConfig holds token-bucket settings.
type RateLimitConfig struct {
	DefaultRPM int64 `yaml:"default_rpm"` // per api-key default (0 = unlimited)
	Burst      int64 `yaml:"burst"`
	GlobalRPM  int64 `yaml:"global_rpm"` // gateway-wide ceiling (0 = unlimited)
}

// HealthConfig controls the provider health monitor.
type HealthConfig struct {
	IntervalS         int     `yaml:"interval_s"`
	Window            int     `yaml:"window"`
	SuccessThreshold  float64 `yaml:"success_threshold"`
	DownAfterFailures int     `yaml:"down_after_failures"`
	LatencyBudgetMs   int     `yaml:"latency_budget_ms"`
}

// Interval returns the time between health probe cycles.
func (h HealthConfig) Interval() time.Duration {
	return time.Duration(h.IntervalS) * time.Second
}

// LatencyBudget returns the median latency above which a provider degrades.
func (h HealthConfig) LatencyBudget() time.Duration {
	return time.Duration(h.LatencyBudgetMs) * time.Millisecond
}

// QueueConfig bounds the global priority queue.
type QueueConfig struct {
	MaxDepth  int `yaml:"max_depth"`
	SkipAhead int `yaml:"skip_ahead"`
	Workers   int `yaml:"workers"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// ProviderEntry is a provider definition in the config file.
type ProviderEntry struct {
	Name        string   `yaml:"name"`
	BackendType string   `yaml:"backend_type"` // http_api, cli, terminal
	Enabled     *bool    `yaml:"enabled"`
	Priority    int      `yaml:"priority"`
	TimeoutS    float64  `yaml:"timeout_s"`
	Model       string   `yaml:"model"`
	MaxTokens   int      `yaml:"max_tokens"`
	Concurrency int64    `yaml:"concurrency"`
	Fallbacks   []string `yaml:"fallback_chain"`
	CostPer1K   float64  `yaml:"cost_per_1k"`
	CacheTTLs   int      `yaml:"cache_ttl_s"`

	// http_api fields
	APIBaseURL   string            `yaml:"api_base_url"`
	APIKeyEnv    string            `yaml:"api_key_env"`
	Dialect      string            `yaml:"dialect"` // anthropic, openai, gemini
	ExtraHeaders map[string]string `yaml:"extra_headers"`

	// cli fields
	Command        string            `yaml:"command"`
	ArgsTemplate   []string          `yaml:"args_template"`
	Env            map[string]string `yaml:"env"`
	AuthIndicators []string          `yaml:"auth_indicators"`

	// terminal fields
	PaneID           string `yaml:"pane_id"`
	PromptPrefix     string `yaml:"prompt_prefix"`
	CompletionMarker string `yaml:"completion_marker"`
}

// IsEnabled reports whether the provider is enabled (defaults to true when nil).
func (p ProviderEntry) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// Timeout returns the per-provider request timeout.
func (p ProviderEntry) Timeout() time.Duration {
	if p.TimeoutS <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(p.TimeoutS * float64(time.Second))
}

// Descriptor converts the entry into the runtime provider descriptor.
func (p ProviderEntry) Descriptor(defaultTTL time.Duration) gateway.Provider {
	concurrency := p.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	ttl := defaultTTL
	if p.CacheTTLs > 0 {
		ttl = time.Duration(p.CacheTTLs) * time.Second
	}
	return gateway.Provider{
		Name:        p.Name,
		Enabled:     p.IsEnabled(),
		Backend:     gateway.BackendType(p.BackendType),
		Model:       p.Model,
		Timeout:     p.Timeout(),
		Concurrency: concurrency,
		Fallbacks:   p.Fallbacks,
		CostPer1K:   p.CostPer1K,
		CacheTTL:    ttl,
	}
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Default returns a config populated with defaults; Load overlays the file on top.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		Server: ServerConfig{
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			Path:           "radagast.db",
			RetentionHours: 168,
		},
		Retry: RetryConfig{
			MaxAttempts:   3,
			BaseBackoffMs: 500,
			Jitter:        0.25,
		},
		Cache: CacheConfig{
			DefaultTTLs: 300,
			MaxEntries:  10_000,
		},
		RateLimit: RateLimitConfig{
			DefaultRPM: 60,
			Burst:      10,
		},
		Health: HealthConfig{
			IntervalS:         60,
			Window:            10,
			SuccessThreshold:  0.7,
			DownAfterFailures: 3,
			LatencyBudgetMs:   30_000,
		},
		Queue: QueueConfig{
			MaxDepth:  1000,
			SkipAhead: 8,
			Workers:   8,
		},
	}
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that yaml decoding cannot express.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider with empty name")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate provider %q", p.Name)
		}
		seen[p.Name] = true
		switch gateway.BackendType(p.BackendType) {
		case gateway.BackendHTTP:
			if p.APIBaseURL == "" {
				return fmt.Errorf("provider %q: api_base_url is required for http_api", p.Name)
			}
			switch p.Dialect {
			case "anthropic", "openai", "gemini":
			default:
				return fmt.Errorf("provider %q: unknown dialect %q", p.Name, p.Dialect)
			}
		case gateway.BackendCLI:
			if p.Command == "" {
				return fmt.Errorf("provider %q: command is required for cli", p.Name)
			}
		case gateway.BackendTerminal:
			if p.PaneID == "" {
				return fmt.Errorf("provider %q: pane_id is required for terminal", p.Name)
			}
		default:
			return fmt.Errorf("provider %q: unknown backend_type %q", p.Name, p.BackendType)
		}
	}
	for _, p := range c.Providers {
		for _, fb := range p.Fallbacks {
			if !seen[fb] {
				return fmt.Errorf("provider %q: unknown fallback %q", p.Name, fb)
			}
		}
	}
	return nil
}

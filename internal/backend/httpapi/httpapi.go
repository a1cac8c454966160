// Package httpapi implements the HTTP backend variant. One Backend serves
// one configured provider, translating requests through a wire dialect
// (anthropic, openai, or gemini) and classifying every outcome into the
// gateway's result taxonomy.
package httpapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	gateway "github.com/eugener/radagast/internal"
	"github.com/eugener/radagast/internal/tokencount"
)

const maxErrorBody = 4096

// Config holds what New needs to build one HTTP backend.
type Config struct {
	Name         string
	BaseURL      string
	Dialect      string // anthropic, openai, gemini
	Model        string
	APIKey       string
	MaxTokens    int
	ExtraHeaders map[string]string
	CostPer1K    float64
	Client       *http.Client
	Sink         gateway.StreamSink // nil disables streaming
}

// Backend is an HTTP transport to one upstream provider.
type Backend struct {
	name      string
	baseURL   string
	model     string
	apiKey    string
	maxTokens int
	extra     map[string]string
	costPer1K float64
	d         dialect
	http      *http.Client
	sink      gateway.StreamSink
	counter   *tokencount.Counter
}

// New builds an HTTP backend from config.
func New(cfg Config) (*Backend, error) {
	d, ok := dialectFor(cfg.Dialect)
	if !ok {
		return nil, fmt.Errorf("unknown dialect %q", cfg.Dialect)
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	return &Backend{
		name:      cfg.Name,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		model:     cfg.Model,
		apiKey:    cfg.APIKey,
		maxTokens: cfg.MaxTokens,
		extra:     cfg.ExtraHeaders,
		costPer1K: cfg.CostPer1K,
		d:         d,
		http:      client,
		sink:      cfg.Sink,
		counter:   tokencount.NewCounter(),
	}, nil
}

// Name returns the provider identifier this backend serves.
func (b *Backend) Name() string { return b.name }

// Type returns the transport variant.
func (b *Backend) Type() gateway.BackendType { return gateway.BackendHTTP }

// Execute runs the request against the upstream and classifies the outcome.
func (b *Backend) Execute(ctx context.Context, req *gateway.Request) *gateway.BackendResult {
	model := req.Model
	if model == "" {
		model = b.model
	}
	stream := req.Stream && b.sink != nil

	body, err := b.d.body(req, model, b.maxTokens, stream)
	if err != nil {
		return &gateway.BackendResult{Kind: gateway.ResultPermanent, Message: "marshal request: " + err.Error()}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		b.baseURL+b.d.path(model, stream), bytes.NewReader(body))
	if err != nil {
		return &gateway.BackendResult{Kind: gateway.ResultPermanent, Message: "create request: " + err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range b.extra {
		httpReq.Header.Set(k, v)
	}
	b.d.headers(httpReq.Header, b.apiKey)

	resp, err := b.http.Do(httpReq)
	if err != nil {
		return b.classifyNetErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return b.classifyStatus(resp)
	}

	var result *gateway.BackendResult
	if stream {
		result = b.readStream(ctx, req, resp.Body)
	} else {
		result = b.readComplete(resp.Body)
	}
	if result.Kind == gateway.ResultSuccess {
		b.fillUsage(req, result)
	}
	return result
}

func (b *Backend) readComplete(body io.Reader) *gateway.BackendResult {
	data, err := io.ReadAll(io.LimitReader(body, 16<<20))
	if err != nil {
		return &gateway.BackendResult{Kind: gateway.ResultTransient, Message: "read response: " + err.Error()}
	}
	text, thinking, usage := b.d.parse(data)
	return &gateway.BackendResult{
		Kind:     gateway.ResultSuccess,
		Text:     text,
		Thinking: thinking,
		Usage:    usage,
	}
}

// readStream consumes SSE payloads, forwarding deltas to the sink and
// accumulating the full text.
func (b *Backend) readStream(ctx context.Context, req *gateway.Request, body io.Reader) *gateway.BackendResult {
	var text strings.Builder
	var usage gateway.Usage

	scanner := newSSEScanner(body)
	for scanner.Scan() {
		_, data, ok := parseSSELine(scanner.Text())
		if !ok || data == "" {
			continue
		}
		if data == "[DONE]" {
			break
		}
		chunk, u, done := b.d.delta([]byte(data))
		if u != nil {
			mergeUsage(&usage, u)
		}
		if chunk != "" {
			text.WriteString(chunk)
			b.sink.StreamChunk(req.ID, b.name, chunk)
		}
		if done {
			break
		}
		if ctx.Err() != nil {
			return b.classifyNetErr(ctx.Err())
		}
	}
	if err := scanner.Err(); err != nil {
		return &gateway.BackendResult{Kind: gateway.ResultTransient, Message: "read stream: " + err.Error()}
	}
	if usage.Total == 0 {
		usage.Total = usage.Input + usage.Output
	}
	return &gateway.BackendResult{
		Kind:  gateway.ResultSuccess,
		Text:  text.String(),
		Usage: usage,
	}
}

// fillUsage estimates token counts when the upstream reported none, and
// prices the exchange.
func (b *Backend) fillUsage(req *gateway.Request, result *gateway.BackendResult) {
	if result.Usage.Input == 0 {
		result.Usage.Input = b.counter.EstimateRequest(req)
	}
	if result.Usage.Output == 0 && result.Text != "" {
		result.Usage.Output = b.counter.CountText(result.Text)
	}
	if result.Usage.Total == 0 {
		result.Usage.Total = result.Usage.Input + result.Usage.Output
	}
	result.CostUSD = b.costPer1K * float64(result.Usage.Total) / 1000
}

// Network failures, timeouts, and cancellation all classify transient; the
// executor decides whether the deadline or the caller killed the request.
func (b *Backend) classifyNetErr(err error) *gateway.BackendResult {
	return &gateway.BackendResult{
		Kind:    gateway.ResultTransient,
		Message: fmt.Sprintf("%s: %v", b.name, err),
	}
}

func (b *Backend) classifyStatus(resp *http.Response) *gateway.BackendResult {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := fmt.Sprintf("%s: HTTP %d: %s", b.name, resp.StatusCode, string(body))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &gateway.BackendResult{Kind: gateway.ResultAuthRequired, Message: msg}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &gateway.BackendResult{
			Kind:       gateway.ResultRateLimited,
			Message:    msg,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode >= 500:
		return &gateway.BackendResult{Kind: gateway.ResultTransient, Message: msg}
	default:
		return &gateway.BackendResult{Kind: gateway.ResultPermanent, Message: msg}
	}
}

// parseRetryAfter handles the delta-seconds form; the HTTP-date form is rare
// from LLM APIs and falls back to zero.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func mergeUsage(dst *gateway.Usage, src *gateway.Usage) {
	if src.Input > 0 {
		dst.Input = src.Input
	}
	if src.Output > 0 {
		dst.Output = src.Output
	}
	if src.Total > 0 {
		dst.Total = src.Total
	}
}

// HealthCheck probes upstream connectivity with a lightweight GET.
func (b *Backend) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+b.d.healthPath(), nil)
	if err != nil {
		return fmt.Errorf("%s: create health check request: %w", b.name, err)
	}
	b.d.headers(httpReq.Header, b.apiKey)

	resp, err := b.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s: health check: %w", b.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s: health check: HTTP %d", b.name, resp.StatusCode)
	}
	return nil
}

// EstimatedCost predicts the USD cost of the request before execution.
func (b *Backend) EstimatedCost(req *gateway.Request) float64 {
	return b.costPer1K * float64(b.counter.EstimateRequest(req)) / 1000
}

// Package term implements the terminal backend variant. Instead of spawning
// a process per request it types the prompt into a long-lived tmux pane
// (where an interactive agent session is already running) and polls the
// pane's capture buffer until the configured completion marker shows up.
package term

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	gateway "github.com/eugener/radagast/internal"
	"github.com/eugener/radagast/internal/tokencount"
)

const defaultPollInterval = 500 * time.Millisecond

var (
	ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)
	urlPattern  = regexp.MustCompile(`https?://[^\s"']+`)
)

// defaultAuthIndicators are scanned case-insensitively when the config
// provides none. Interactive agents print these instead of an answer when
// their session has expired.
var defaultAuthIndicators = []string{
	"please log in",
	"please login",
	"not logged in",
	"authentication required",
	"login required",
	"please run /login",
	"session expired",
}

// runner abstracts tmux invocation for tests.
type runner func(ctx context.Context, args ...string) ([]byte, error)

func tmuxRunner(ctx context.Context, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, "tmux", args...).CombinedOutput()
}

// Config holds what New needs to build one terminal backend.
type Config struct {
	Name             string
	PaneID           string // tmux pane target, e.g. "main:0.1"
	PromptPrefix     string // typed before the prompt, e.g. agent invocation
	CompletionMarker string // output line signalling the answer is complete
	AuthIndicators   []string
	CostPer1K        float64
	PollInterval     time.Duration
	Run              runner // nil uses tmux
}

// Backend drives an interactive session in an existing tmux pane.
type Backend struct {
	name         string
	paneID       string
	prefix       string
	marker       string
	indicators   []string
	costPer1K    float64
	pollInterval time.Duration
	run          runner
	counter      *tokencount.Counter
}

// New builds a terminal backend from config.
func New(cfg Config) (*Backend, error) {
	if cfg.PaneID == "" {
		return nil, fmt.Errorf("terminal backend: pane_id is required")
	}
	if cfg.CompletionMarker == "" {
		return nil, fmt.Errorf("terminal backend: completion_marker is required")
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	run := cfg.Run
	if run == nil {
		run = tmuxRunner
	}
	indicators := cfg.AuthIndicators
	if len(indicators) == 0 {
		indicators = defaultAuthIndicators
	}
	lowered := make([]string, len(indicators))
	for i, s := range indicators {
		lowered[i] = strings.ToLower(s)
	}
	return &Backend{
		name:         cfg.Name,
		paneID:       cfg.PaneID,
		prefix:       cfg.PromptPrefix,
		marker:       cfg.CompletionMarker,
		indicators:   lowered,
		costPer1K:    cfg.CostPer1K,
		pollInterval: interval,
		run:          run,
		counter:      tokencount.NewCounter(),
	}, nil
}

// Name returns the provider identifier this backend serves.
func (b *Backend) Name() string { return b.name }

// Type returns the transport variant.
func (b *Backend) Type() gateway.BackendType { return gateway.BackendTerminal }

// Execute types the prompt into the pane and polls until the completion
// marker appears or ctx expires. The response is the pane output between
// the typed prompt and the marker.
func (b *Backend) Execute(ctx context.Context, req *gateway.Request) *gateway.BackendResult {
	before, err := b.capture(ctx)
	if err != nil {
		return b.classifyTmuxErr(err)
	}

	line := req.Prompt
	if b.prefix != "" {
		line = b.prefix + " " + line
	}
	// Literal send (-l) so the prompt is not interpreted as key names.
	if _, err := b.run(ctx, "send-keys", "-t", b.paneID, "-l", line); err != nil {
		return b.classifyTmuxErr(err)
	}
	if _, err := b.run(ctx, "send-keys", "-t", b.paneID, "Enter"); err != nil {
		return b.classifyTmuxErr(err)
	}

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return &gateway.BackendResult{
				Kind:    gateway.ResultTransient,
				Message: fmt.Sprintf("%s: no completion marker before deadline", b.name),
			}
		case <-ticker.C:
		}

		current, err := b.capture(ctx)
		if err != nil {
			return b.classifyTmuxErr(err)
		}
		fresh := freshOutput(before, current, line)
		// The agent may print a login prompt instead of an answer; the
		// completion marker never arrives in that case.
		if msg, url, found := b.detectAuthPrompt(fresh); found {
			return &gateway.BackendResult{Kind: gateway.ResultAuthRequired, Message: msg, AuthURL: url}
		}
		text, done := extractResponse(fresh, b.marker)
		if !done {
			continue
		}
		usage := gateway.Usage{
			Input:  b.counter.EstimateRequest(req),
			Output: b.counter.CountText(text),
		}
		usage.Total = usage.Input + usage.Output
		return &gateway.BackendResult{
			Kind:    gateway.ResultSuccess,
			Text:    text,
			Usage:   usage,
			CostUSD: b.costPer1K * float64(usage.Total) / 1000,
		}
	}
}

// capture grabs the pane's full scrollback.
func (b *Backend) capture(ctx context.Context) (string, error) {
	out, err := b.run(ctx, "capture-pane", "-p", "-J", "-t", b.paneID, "-S", "-")
	if err != nil {
		return "", err
	}
	return ansiPattern.ReplaceAllString(string(out), ""), nil
}

// freshOutput diffs the pane content against the pre-send snapshot and drops
// the echoed prompt line when the pane shows it.
func freshOutput(before, current, sentLine string) string {
	fresh := strings.TrimPrefix(current, before)
	if idx := strings.Index(fresh, sentLine); idx >= 0 {
		fresh = fresh[idx+len(sentLine):]
	}
	return fresh
}

// extractResponse returns the text preceding the completion marker.
func extractResponse(fresh, marker string) (string, bool) {
	markerIdx := strings.Index(fresh, marker)
	if markerIdx < 0 {
		return "", false
	}
	return strings.TrimSpace(fresh[:markerIdx]), true
}

// detectAuthPrompt scans fresh pane output for configured login indicators
// and pulls the first URL near a match as the login hint.
func (b *Backend) detectAuthPrompt(output string) (msg, url string, found bool) {
	lowered := strings.ToLower(output)
	for _, ind := range b.indicators {
		idx := strings.Index(lowered, ind)
		if idx < 0 {
			continue
		}
		if m := urlPattern.FindString(output[idx:]); m != "" {
			url = m
		} else {
			url = urlPattern.FindString(output)
		}
		return fmt.Sprintf("%s requires login (matched %q)", b.name, ind), url, true
	}
	return "", "", false
}

func (b *Backend) classifyTmuxErr(err error) *gateway.BackendResult {
	msg := fmt.Sprintf("%s: tmux: %v", b.name, err)
	if strings.Contains(err.Error(), "can't find pane") ||
		strings.Contains(err.Error(), "no server running") {
		return &gateway.BackendResult{Kind: gateway.ResultPermanent, Message: msg}
	}
	return &gateway.BackendResult{Kind: gateway.ResultTransient, Message: msg}
}

// HealthCheck verifies the pane exists.
func (b *Backend) HealthCheck(ctx context.Context) error {
	if _, err := b.run(ctx, "list-panes", "-t", b.paneID); err != nil {
		return fmt.Errorf("%s: pane %s: %w", b.name, b.paneID, err)
	}
	return nil
}

// EstimatedCost predicts the USD cost of the request before execution.
func (b *Backend) EstimatedCost(req *gateway.Request) float64 {
	return b.costPer1K * float64(b.counter.EstimateRequest(req)) / 1000
}

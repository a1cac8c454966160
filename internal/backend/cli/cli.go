// Package cli implements the subprocess backend variant. Each execution
// spawns the configured command, feeds it the prompt, and classifies the
// outcome from the exit code and output. CLI tools managed this way hold
// their own credentials; the backend watches for their login prompts and
// surfaces them as auth-required results instead of garbage responses.
package cli

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"syscall"
	"time"

	gateway "github.com/eugener/radagast/internal"
	"github.com/eugener/radagast/internal/tokencount"
)

// killGrace bounds how long a cancelled subprocess may outlive its context:
// SIGTERM on cancellation, SIGKILL once the grace elapses.
const (
	maxOutputBytes = 16 << 20
	killGrace      = 2 * time.Second
)

var (
	ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)
	urlPattern  = regexp.MustCompile(`https?://[^\s"']+`)
)

// defaultAuthIndicators are scanned case-insensitively when the config
// provides none.
var defaultAuthIndicators = []string{
	"please log in",
	"please login",
	"not logged in",
	"authentication required",
	"login required",
	"please run /login",
	"session expired",
}

// Config holds what New needs to build one CLI backend.
type Config struct {
	Name           string
	Command        string
	ArgsTemplate   []string // {prompt}, {model}, {agent} placeholders
	Env            map[string]string
	AuthIndicators []string
	Model          string
	CostPer1K      float64
	Sink           gateway.StreamSink // nil disables line streaming
}

// Backend executes requests by spawning a CLI subprocess per call.
type Backend struct {
	name       string
	command    string
	args       []string
	env        []string
	indicators []string
	model      string
	costPer1K  float64
	sink       gateway.StreamSink
	counter    *tokencount.Counter
}

// New builds a CLI backend from config.
func New(cfg Config) (*Backend, error) {
	if cfg.Command == "" {
		return nil, errors.New("cli backend: command is required")
	}
	indicators := cfg.AuthIndicators
	if len(indicators) == 0 {
		indicators = defaultAuthIndicators
	}
	lowered := make([]string, len(indicators))
	for i, s := range indicators {
		lowered[i] = strings.ToLower(s)
	}
	var env []string
	if len(cfg.Env) > 0 {
		env = os.Environ()
		for k, v := range cfg.Env {
			env = append(env, k+"="+v)
		}
	}
	return &Backend{
		name:       cfg.Name,
		command:    cfg.Command,
		args:       cfg.ArgsTemplate,
		env:        env,
		indicators: lowered,
		model:      cfg.Model,
		costPer1K:  cfg.CostPer1K,
		sink:       cfg.Sink,
		counter:    tokencount.NewCounter(),
	}, nil
}

// Name returns the provider identifier this backend serves.
func (b *Backend) Name() string { return b.name }

// Type returns the transport variant.
func (b *Backend) Type() gateway.BackendType { return gateway.BackendCLI }

// Execute spawns the subprocess and classifies its outcome. On ctx expiry
// the process gets SIGTERM, then SIGKILL after a grace window.
func (b *Backend) Execute(ctx context.Context, req *gateway.Request) *gateway.BackendResult {
	args, promptInArgs := b.expandArgs(req)

	cmd := exec.CommandContext(ctx, b.command, args...)
	if b.env != nil {
		cmd.Env = b.env
	}
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killGrace

	if !promptInArgs {
		cmd.Stdin = strings.NewReader(req.Prompt)
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &gateway.BackendResult{Kind: gateway.ResultTransient, Message: "stdout pipe: " + err.Error()}
	}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return &gateway.BackendResult{Kind: gateway.ResultPermanent, Message: fmt.Sprintf("%s: %v", b.command, err)}
		}
		return &gateway.BackendResult{Kind: gateway.ResultTransient, Message: fmt.Sprintf("%s: %v", b.command, err)}
	}

	var out strings.Builder
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() && out.Len() < maxOutputBytes {
		line := stripANSI(scanner.Text())
		if out.Len() > 0 {
			out.WriteByte('\n')
		}
		out.WriteString(line)
		if b.sink != nil && req.Stream {
			b.sink.StreamChunk(req.ID, b.name, line+"\n")
		}
	}

	waitErr := cmd.Wait()
	text := strings.TrimSpace(out.String())
	errText := stripANSI(stderr.String())

	// Auth prompts show up on either stream, with the CLI often still
	// exiting zero.
	if msg, url, found := b.detectAuthPrompt(text + "\n" + errText); found {
		return &gateway.BackendResult{Kind: gateway.ResultAuthRequired, Message: msg, AuthURL: url}
	}

	if waitErr != nil {
		if ctx.Err() != nil {
			return &gateway.BackendResult{
				Kind:    gateway.ResultTransient,
				Message: fmt.Sprintf("%s: terminated: %v", b.command, ctx.Err()),
			}
		}
		msg := strings.TrimSpace(errText)
		if msg == "" {
			msg = waitErr.Error()
		}
		return &gateway.BackendResult{
			Kind:    gateway.ResultTransient,
			Message: fmt.Sprintf("%s: %s", b.command, msg),
		}
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

// expandArgs substitutes template placeholders. Reports whether the prompt
// was placed in argv; otherwise it goes to stdin.
func (b *Backend) expandArgs(req *gateway.Request) ([]string, bool) {
	model := req.Model
	if model == "" {
		model = b.model
	}
	promptInArgs := false
	args := make([]string, 0, len(b.args))
	for _, a := range b.args {
		if strings.Contains(a, "{prompt}") {
			promptInArgs = true
		}
		a = strings.ReplaceAll(a, "{prompt}", req.Prompt)
		a = strings.ReplaceAll(a, "{model}", model)
		a = strings.ReplaceAll(a, "{agent}", req.Agent)
		args = append(args, a)
	}
	return args, promptInArgs
}

// detectAuthPrompt scans combined output for configured login indicators and
// pulls the first URL near a match as the login hint.
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

func stripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

// HealthCheck verifies the command is resolvable on PATH.
func (b *Backend) HealthCheck(_ context.Context) error {
	if _, err := exec.LookPath(b.command); err != nil {
		return fmt.Errorf("%s: %w", b.name, err)
	}
	return nil
}

// EstimatedCost predicts the USD cost of the request before execution.
func (b *Backend) EstimatedCost(req *gateway.Request) float64 {
	return b.costPer1K * float64(b.counter.EstimateRequest(req)) / 1000
}

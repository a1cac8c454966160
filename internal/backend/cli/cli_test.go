package cli

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	gateway "github.com/eugener/radagast/internal"
)

func TestExecuteEchoSuccess(t *testing.T) {
	t.Parallel()
	b, err := New(Config{
		Name:         "echo",
		Command:      "sh",
		ArgsTemplate: []string{"-c", "echo {prompt}"},
		CostPer1K:    0.002,
	})
	if err != nil {
		t.Fatal(err)
	}
	res := b.Execute(context.Background(), &gateway.Request{ID: "r1", Prompt: "hello world"})
	if res.Kind != gateway.ResultSuccess {
		t.Fatalf("kind = %v: %s", res.Kind, res.Message)
	}
	if res.Text != "hello world" {
		t.Errorf("text = %q", res.Text)
	}
	if res.Usage.Total == 0 {
		t.Error("usage should be estimated")
	}
	if res.CostUSD == 0 {
		t.Error("cost should be priced")
	}
}

func TestExecutePromptViaStdin(t *testing.T) {
	t.Parallel()
	b, err := New(Config{Name: "cat", Command: "cat"})
	if err != nil {
		t.Fatal(err)
	}
	res := b.Execute(context.Background(), &gateway.Request{ID: "r1", Prompt: "from stdin"})
	if res.Kind != gateway.ResultSuccess {
		t.Fatalf("kind = %v: %s", res.Kind, res.Message)
	}
	if res.Text != "from stdin" {
		t.Errorf("text = %q", res.Text)
	}
}

func TestExecuteStripsANSI(t *testing.T) {
	t.Parallel()
	b, err := New(Config{
		Name:         "color",
		Command:      "sh",
		ArgsTemplate: []string{"-c", `printf '\033[31mred\033[0m plain\n'`},
	})
	if err != nil {
		t.Fatal(err)
	}
	res := b.Execute(context.Background(), &gateway.Request{ID: "r1", Prompt: "x"})
	if res.Text != "red plain" {
		t.Errorf("text = %q, want ansi stripped", res.Text)
	}
}

func TestExecuteDetectsAuthPrompt(t *testing.T) {
	t.Parallel()
	b, err := New(Config{
		Name:         "needy",
		Command:      "sh",
		ArgsTemplate: []string{"-c", "echo 'Not logged in. Visit https://example.com/login to continue'"},
	})
	if err != nil {
		t.Fatal(err)
	}
	res := b.Execute(context.Background(), &gateway.Request{ID: "r1", Prompt: "x"})
	if res.Kind != gateway.ResultAuthRequired {
		t.Fatalf("kind = %v: %s", res.Kind, res.Message)
	}
	if res.AuthURL != "https://example.com/login" {
		t.Errorf("auth url = %q", res.AuthURL)
	}
}

func TestExecuteCustomIndicators(t *testing.T) {
	t.Parallel()
	b, err := New(Config{
		Name:           "custom",
		Command:        "sh",
		ArgsTemplate:   []string{"-c", "echo 'TOKEN EXPIRED'"},
		AuthIndicators: []string{"token expired"},
	})
	if err != nil {
		t.Fatal(err)
	}
	res := b.Execute(context.Background(), &gateway.Request{ID: "r1", Prompt: "x"})
	if res.Kind != gateway.ResultAuthRequired {
		t.Errorf("kind = %v, want auth required", res.Kind)
	}
}

func TestExecuteNonZeroExitIsTransient(t *testing.T) {
	t.Parallel()
	b, err := New(Config{
		Name:         "fail",
		Command:      "sh",
		ArgsTemplate: []string{"-c", "echo oops >&2; exit 3"},
	})
	if err != nil {
		t.Fatal(err)
	}
	res := b.Execute(context.Background(), &gateway.Request{ID: "r1", Prompt: "x"})
	if res.Kind != gateway.ResultTransient {
		t.Fatalf("kind = %v", res.Kind)
	}
	if !strings.Contains(res.Message, "oops") {
		t.Errorf("message = %q, want stderr included", res.Message)
	}
}

func TestExecuteMissingCommandIsPermanent(t *testing.T) {
	t.Parallel()
	b, err := New(Config{Name: "ghost", Command: "definitely-not-a-real-binary-xyz"})
	if err != nil {
		t.Fatal(err)
	}
	res := b.Execute(context.Background(), &gateway.Request{ID: "r1", Prompt: "x"})
	if res.Kind != gateway.ResultPermanent {
		t.Errorf("kind = %v, want permanent", res.Kind)
	}
	if err := b.HealthCheck(context.Background()); err == nil {
		t.Error("health check should fail for missing binary")
	}
}

func TestExecuteTimeoutKillsProcess(t *testing.T) {
	t.Parallel()
	b, err := New(Config{
		Name:         "slow",
		Command:      "sh",
		ArgsTemplate: []string{"-c", "sleep 10"},
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	res := b.Execute(ctx, &gateway.Request{ID: "r1", Prompt: "x"})
	if res.Kind != gateway.ResultTransient {
		t.Errorf("kind = %v, want transient", res.Kind)
	}
	if elapsed := time.Since(start); elapsed > 8*time.Second {
		t.Errorf("process not terminated promptly: %v", elapsed)
	}
}

func TestExecuteKillsSigtermIgnoringProcess(t *testing.T) {
	t.Parallel()
	b, err := New(Config{
		Name:         "stubborn",
		Command:      "sh",
		ArgsTemplate: []string{"-c", "trap '' TERM; sleep 10"},
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	res := b.Execute(ctx, &gateway.Request{ID: "r1", Prompt: "x"})
	if res.Kind != gateway.ResultTransient {
		t.Errorf("kind = %v, want transient", res.Kind)
	}
	// SIGTERM is ignored, so the kill grace bounds the wait.
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Errorf("process outlived the kill grace: %v", elapsed)
	}
}

type lineSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *lineSink) StreamChunk(_, _, text string) {
	s.mu.Lock()
	s.lines = append(s.lines, text)
	s.mu.Unlock()
}

func TestExecuteStreamsLines(t *testing.T) {
	t.Parallel()
	sink := &lineSink{}
	b, err := New(Config{
		Name:         "multi",
		Command:      "sh",
		ArgsTemplate: []string{"-c", "echo one; echo two"},
		Sink:         sink,
	})
	if err != nil {
		t.Fatal(err)
	}
	res := b.Execute(context.Background(), &gateway.Request{ID: "r1", Prompt: "x", Stream: true})
	if res.Kind != gateway.ResultSuccess {
		t.Fatal(res.Message)
	}
	if res.Text != "one\ntwo" {
		t.Errorf("text = %q", res.Text)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.lines) != 2 {
		t.Errorf("streamed lines = %v", sink.lines)
	}
}

func TestEnvPassthrough(t *testing.T) {
	t.Parallel()
	b, err := New(Config{
		Name:         "env",
		Command:      "sh",
		ArgsTemplate: []string{"-c", "echo $RADAGAST_TEST_VAR"},
		Env:          map[string]string{"RADAGAST_TEST_VAR": "present"},
	})
	if err != nil {
		t.Fatal(err)
	}
	res := b.Execute(context.Background(), &gateway.Request{ID: "r1", Prompt: "x"})
	if res.Text != "present" {
		t.Errorf("text = %q, want env var expanded", res.Text)
	}
}

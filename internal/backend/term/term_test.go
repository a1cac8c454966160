package term

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	gateway "github.com/eugener/radagast/internal"
)

// fakePane simulates a tmux pane: send-keys appends to the buffer, the
// response appears after a couple of captures.
type fakePane struct {
	mu       sync.Mutex
	buffer   string
	captures int
	response string // appended to buffer after the second capture
	failWith error
}

func (p *fakePane) run(_ context.Context, args ...string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return nil, p.failWith
	}
	switch args[0] {
	case "capture-pane":
		p.captures++
		if p.captures == 3 && p.response != "" {
			p.buffer += p.response
		}
		return []byte(p.buffer), nil
	case "send-keys":
		if args[len(args)-1] != "Enter" {
			p.buffer += args[len(args)-1] + "\n"
		}
		return nil, nil
	case "list-panes":
		return []byte("0: [80x24]"), nil
	}
	return nil, fmt.Errorf("unexpected tmux command %v", args)
}

func newTestBackend(t *testing.T, pane *fakePane) *Backend {
	t.Helper()
	b, err := New(Config{
		Name:             "pane",
		PaneID:           "main:0.1",
		PromptPrefix:     "ask",
		CompletionMarker: "<<DONE>>",
		PollInterval:     5 * time.Millisecond,
		Run:              pane.run,
	})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestExecuteWaitsForMarker(t *testing.T) {
	t.Parallel()
	pane := &fakePane{
		buffer:   "$ previous output\n",
		response: "The answer is 42.\n<<DONE>>\n",
	}
	b := newTestBackend(t, pane)

	res := b.Execute(context.Background(), &gateway.Request{ID: "r1", Prompt: "meaning of life"})
	if res.Kind != gateway.ResultSuccess {
		t.Fatalf("kind = %v: %s", res.Kind, res.Message)
	}
	if res.Text != "The answer is 42." {
		t.Errorf("text = %q", res.Text)
	}
	if res.Usage.Total == 0 {
		t.Error("usage should be estimated")
	}
}

func TestExecuteTimesOutWithoutMarker(t *testing.T) {
	t.Parallel()
	pane := &fakePane{buffer: "$ \n"}
	b := newTestBackend(t, pane)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res := b.Execute(ctx, &gateway.Request{ID: "r1", Prompt: "hello"})
	if res.Kind != gateway.ResultTransient {
		t.Errorf("kind = %v, want transient", res.Kind)
	}
	if !strings.Contains(res.Message, "no completion marker") {
		t.Errorf("message = %q", res.Message)
	}
}

func TestExecuteDetectsAuthPrompt(t *testing.T) {
	t.Parallel()
	pane := &fakePane{
		buffer:   "$ \n",
		response: "Not logged in. Visit https://example.com/device to continue\n",
	}
	b := newTestBackend(t, pane)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res := b.Execute(ctx, &gateway.Request{ID: "r1", Prompt: "hello"})
	if res.Kind != gateway.ResultAuthRequired {
		t.Fatalf("kind = %v: %s", res.Kind, res.Message)
	}
	if res.AuthURL != "https://example.com/device" {
		t.Errorf("auth url = %q", res.AuthURL)
	}
}

func TestExecuteCustomAuthIndicators(t *testing.T) {
	t.Parallel()
	pane := &fakePane{buffer: "$ \n", response: "TOKEN EXPIRED\n"}
	b, err := New(Config{
		Name:             "pane",
		PaneID:           "main:0.1",
		CompletionMarker: "<<DONE>>",
		AuthIndicators:   []string{"token expired"},
		PollInterval:     5 * time.Millisecond,
		Run:              pane.run,
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res := b.Execute(ctx, &gateway.Request{ID: "r1", Prompt: "hi"})
	if res.Kind != gateway.ResultAuthRequired {
		t.Errorf("kind = %v, want auth required", res.Kind)
	}
}

func TestExecuteMissingPaneIsPermanent(t *testing.T) {
	t.Parallel()
	pane := &fakePane{failWith: errors.New("can't find pane: main:0.9")}
	b := newTestBackend(t, pane)
	res := b.Execute(context.Background(), &gateway.Request{ID: "r1", Prompt: "x"})
	if res.Kind != gateway.ResultPermanent {
		t.Errorf("kind = %v, want permanent", res.Kind)
	}
}

func TestHealthCheck(t *testing.T) {
	t.Parallel()
	ok := &fakePane{}
	b := newTestBackend(t, ok)
	if err := b.HealthCheck(context.Background()); err != nil {
		t.Errorf("health: %v", err)
	}

	dead := &fakePane{failWith: errors.New("no server running")}
	b2 := newTestBackend(t, dead)
	if err := b2.HealthCheck(context.Background()); err == nil {
		t.Error("want error for dead server")
	}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Name: "x", CompletionMarker: "m"}); err == nil {
		t.Error("missing pane_id should fail")
	}
	if _, err := New(Config{Name: "x", PaneID: "p"}); err == nil {
		t.Error("missing completion_marker should fail")
	}
}

// Package backend constructs transport variants from provider configuration.
package backend

import (
	"fmt"
	"net/http"
	"os"

	gateway "github.com/eugener/radagast/internal"
	"github.com/eugener/radagast/internal/backend/cli"
	"github.com/eugener/radagast/internal/backend/httpapi"
	"github.com/eugener/radagast/internal/backend/term"
	"github.com/eugener/radagast/internal/config"
)

// Options carries the shared wiring backends need.
type Options struct {
	HTTPClient *http.Client       // shared client with the cached-DNS transport
	Sink       gateway.StreamSink // nil disables streaming
}

// Build constructs the backend for one provider entry. The entry must have
// passed config validation.
func Build(entry config.ProviderEntry, opts Options) (gateway.Backend, error) {
	switch gateway.BackendType(entry.BackendType) {
	case gateway.BackendHTTP:
		apiKey := ""
		if entry.APIKeyEnv != "" {
			apiKey = os.Getenv(entry.APIKeyEnv)
		}
		return httpapi.New(httpapi.Config{
			Name:         entry.Name,
			BaseURL:      entry.APIBaseURL,
			Dialect:      entry.Dialect,
			Model:        entry.Model,
			APIKey:       apiKey,
			MaxTokens:    entry.MaxTokens,
			ExtraHeaders: entry.ExtraHeaders,
			CostPer1K:    entry.CostPer1K,
			Client:       opts.HTTPClient,
			Sink:         opts.Sink,
		})
	case gateway.BackendCLI:
		return cli.New(cli.Config{
			Name:           entry.Name,
			Command:        entry.Command,
			ArgsTemplate:   entry.ArgsTemplate,
			Env:            entry.Env,
			AuthIndicators: entry.AuthIndicators,
			Model:          entry.Model,
			CostPer1K:      entry.CostPer1K,
			Sink:           opts.Sink,
		})
	case gateway.BackendTerminal:
		return term.New(term.Config{
			Name:             entry.Name,
			PaneID:           entry.PaneID,
			PromptPrefix:     entry.PromptPrefix,
			CompletionMarker: entry.CompletionMarker,
			AuthIndicators:   entry.AuthIndicators,
			CostPer1K:        entry.CostPer1K,
		})
	default:
		return nil, fmt.Errorf("provider %q: unknown backend type %q", entry.Name, entry.BackendType)
	}
}

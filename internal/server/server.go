// Package server implements the HTTP and WebSocket transport layer for the
// Radagast gateway.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	gateway "github.com/eugener/radagast/internal"
	"github.com/eugener/radagast/internal/app"
	"github.com/eugener/radagast/internal/auth"
	"github.com/eugener/radagast/internal/bus"
	"github.com/eugener/radagast/internal/cache"
	"github.com/eugener/radagast/internal/ratelimit"
	"github.com/eugener/radagast/internal/storage"
	"github.com/eugener/radagast/internal/telemetry"
)

// CacheLimits bounds the durable cache table for the cleanup endpoint.
type CacheLimits struct {
	MaxEntries int
	MaxBytes   int64
}

// Deps holds all dependencies for the HTTP server. Auth, Cache, Bus, Gate,
// Metrics and Gatherer are optional.
type Deps struct {
	Service     *app.Service
	Auth        gateway.Authenticator // nil = no authentication (tests)
	Keys        *auth.KeyManager
	Store       storage.Store
	Cache       *cache.ResponseCache // nil = caching disabled
	CacheLimits CacheLimits
	Bus         *bus.Bus             // nil = no WebSocket endpoint
	Gate        *ratelimit.Gate      // nil = no rate limiting
	Metrics     *telemetry.Metrics   // nil = no HTTP metrics
	Gatherer    prometheus.Gatherer  // nil = prometheus.DefaultGatherer
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(s.httpMetrics)
	}

	// Unauthenticated system endpoints.
	r.Get("/api/health", s.handleHealth)
	r.Method(http.MethodGet, "/api/metrics", s.metricsHandler())

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		// Intake routes sit behind the rate limit gate.
		r.Group(func(r chi.Router) {
			r.Use(s.rateLimit)
			r.Post("/api/ask", s.handleAsk)
			r.Post("/api/submit", s.handleSubmit)
		})

		r.Get("/api/query/{id}", s.handleQuery)
		r.Delete("/api/request/{id}", s.handleCancel)
		r.Get("/api/requests", s.handleListRequests)
		r.Get("/api/status", s.handleStatus)
		r.Post("/api/provider/{name}/toggle", s.handleToggleProvider)

		r.Get("/api/cache/stats", s.handleCacheStats)
		r.Post("/api/cache/clear", s.handleCacheClear)
		r.Post("/api/cache/cleanup", s.handleCacheCleanup)

		r.Get("/api/keys", s.handleListKeys)
		r.Post("/api/keys", s.handleCreateKey)
		r.Get("/api/keys/{id}", s.handleGetKey)
		r.Post("/api/keys/{id}/disable", s.handleDisableKey)
		r.Post("/api/keys/{id}/enable", s.handleEnableKey)
		r.Delete("/api/keys/{id}", s.handleDeleteKey)

		r.Get("/api/costs/summary", s.handleCostSummary)
		r.Get("/api/costs/by-provider", s.handleCostByProvider)
		r.Get("/api/costs/by-day", s.handleCostByDay)

		r.Get("/api/ws", s.handleWS)
	})

	return r
}

type server struct {
	deps Deps
}

func (s *server) metricsHandler() http.Handler {
	g := s.deps.Gatherer
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// --- Response envelope ---

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type envelope struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *apiError `json:"error,omitempty"`
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, envelope{Success: false, Error: &apiError{Code: code, Message: msg}})
}

// writeDomainError maps a domain error to its HTTP status and stable code.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	if status == http.StatusInternalServerError || status == http.StatusServiceUnavailable {
		// Log the full error server-side, return a sanitized message.
		slog.LogAttrs(r.Context(), slog.LevelError, "request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		writeError(w, status, code, http.StatusText(status))
		return
	}
	writeError(w, status, code, err.Error())
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, gateway.ErrBadRequest):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, gateway.ErrUnauthorized), errors.Is(err, gateway.ErrKeyDisabled):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, gateway.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, gateway.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, gateway.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, gateway.ErrQueueFull):
		return http.StatusServiceUnavailable, "queue_full"
	case errors.Is(err, gateway.ErrStorage):
		return http.StatusServiceUnavailable, "storage_unavailable"
	case errors.Is(err, gateway.ErrWaitTimeout):
		return http.StatusGatewayTimeout, "wait_timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// jsonCT is a pre-allocated header value slice; direct map assignment avoids
// the []string{v} alloc that Header.Set creates on every call.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/eugener/radagast/internal/storage"
)

// handleHealth is the liveness endpoint. It reports the gateway process is
// up plus the per-provider health snapshot; it never fails.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeData(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"providers": s.deps.Service.HealthSnapshot(),
	})
}

// handleStatus returns the full runtime status report.
func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Service.Status(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, report)
}

// handleToggleProvider flips a provider's enabled flag.
func (s *server) handleToggleProvider(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	enabled, err := s.deps.Service.ToggleProvider(name)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"provider": name,
		"enabled":  enabled,
	})
}

// --- Cache admin ---

func (s *server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cache == nil {
		writeData(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	stats, err := s.deps.Cache.Stats(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, stats)
}

func (s *server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cache == nil {
		writeData(w, http.StatusOK, map[string]any{"removed": 0})
		return
	}
	removed, err := s.deps.Cache.Clear(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"removed": removed})
}

func (s *server) handleCacheCleanup(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cache == nil {
		writeData(w, http.StatusOK, map[string]any{"removed": 0})
		return
	}
	limits := s.deps.CacheLimits
	removed, err := s.deps.Cache.Cleanup(r.Context(), limits.MaxEntries, limits.MaxBytes)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"removed": removed})
}

// --- Cost aggregates ---

func (s *server) handleCostSummary(w http.ResponseWriter, r *http.Request) {
	bucket, err := s.deps.Store.CostSummary(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, bucket)
}

func (s *server) handleCostByProvider(w http.ResponseWriter, r *http.Request) {
	buckets, err := s.deps.Store.CostByProvider(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if buckets == nil {
		buckets = []storage.CostBucket{}
	}
	writeData(w, http.StatusOK, buckets)
}

func (s *server) handleCostByDay(w http.ResponseWriter, r *http.Request) {
	days := 30
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 365 {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid days parameter")
			return
		}
		days = n
	}
	buckets, err := s.deps.Store.CostByDay(r.Context(), days)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if buckets == nil {
		buckets = []storage.CostBucket{}
	}
	writeData(w, http.StatusOK, buckets)
}

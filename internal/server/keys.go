package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	gateway "github.com/eugener/radagast/internal"
)

// handleListKeys lists API keys. Secrets are never returned; only the
// display prefix.
func (s *server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	keys, err := s.deps.Keys.List(r.Context(), offset, limit)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if keys == nil {
		keys = []*gateway.APIKey{}
	}
	writeData(w, http.StatusOK, map[string]any{
		"keys":  keys,
		"count": len(keys),
	})
}

// handleCreateKey mints a new API key. The secret appears in this response
// only; afterwards just its hash is stored.
func (s *server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name     string `json:"name"`
		RPMLimit int64  `json:"rpm_limit"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	key, secret, err := s.deps.Keys.Create(r.Context(), body.Name, body.RPMLimit)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"key":    key,
		"secret": secret,
	})
}

func (s *server) handleGetKey(w http.ResponseWriter, r *http.Request) {
	key, err := s.deps.Keys.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, key)
}

func (s *server) handleDisableKey(w http.ResponseWriter, r *http.Request) {
	s.setKeyDisabled(w, r, true)
}

func (s *server) handleEnableKey(w http.ResponseWriter, r *http.Request) {
	s.setKeyDisabled(w, r, false)
}

func (s *server) setKeyDisabled(w http.ResponseWriter, r *http.Request, disabled bool) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Keys.SetDisabled(r.Context(), id, disabled); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"id":       id,
		"disabled": disabled,
	})
}

func (s *server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Keys.Delete(r.Context(), id); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
}

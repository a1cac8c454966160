package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	gateway "github.com/eugener/radagast/internal"
	"github.com/eugener/radagast/internal/app"
	"github.com/eugener/radagast/internal/storage"
)

// maxBody bounds intake and admin request bodies (2 MB; prompts are capped
// at 1 MB downstream).
const maxBody = 2 << 20

const (
	defaultWaitTimeout = 300 * time.Second
	maxWaitTimeout     = 600 * time.Second
)

// decodeJSON limits body size, decodes JSON into v, and writes a 400 on
// error. Returns true if decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return false
	}
	return true
}

// requestView flattens a request and its response (when terminal) into one
// JSON object.
type requestView struct {
	*gateway.Request
	*gateway.Response
}

// handleAsk submits a request and, unless wait=false, blocks until it
// reaches a terminal state.
func (s *server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var p app.SubmitParams
	if !decodeJSON(w, r, &p) {
		return
	}
	if id := gateway.IdentityFromContext(r.Context()); id != nil {
		p.APIKeyID = id.KeyID
	}

	wait := true
	if raw := r.URL.Query().Get("wait"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid wait parameter")
			return
		}
		wait = b
	}
	timeout := defaultWaitTimeout
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs <= 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid timeout parameter")
			return
		}
		timeout = min(time.Duration(secs)*time.Second, maxWaitTimeout)
	}

	result, err := s.deps.Service.Submit(r.Context(), p)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if result.Response != nil {
		// Synchronous cache hit.
		writeData(w, http.StatusOK, requestView{result.Request, result.Response})
		return
	}
	if !wait {
		writeData(w, http.StatusAccepted, requestView{Request: result.Request})
		return
	}

	// Long polls may outlive the server's write timeout; extend it for this
	// response.
	rc := http.NewResponseController(w)
	rc.SetWriteDeadline(time.Now().Add(timeout + 10*time.Second))

	if _, err := s.deps.Service.Await(r.Context(), result.Request.ID, timeout); err != nil {
		writeDomainError(w, r, err)
		return
	}
	req, resp, err := s.deps.Service.Get(r.Context(), result.Request.ID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, requestView{req, resp})
}

// handleSubmit enqueues a request and returns immediately.
func (s *server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var p app.SubmitParams
	if !decodeJSON(w, r, &p) {
		return
	}
	if id := gateway.IdentityFromContext(r.Context()); id != nil {
		p.APIKeyID = id.KeyID
	}
	result, err := s.deps.Service.Submit(r.Context(), p)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeData(w, http.StatusAccepted, map[string]any{
		"request_id": result.Request.ID,
		"status":     result.Request.Status,
	})
}

// handleQuery returns the current state of a request, with its response once
// terminal.
func (s *server) handleQuery(w http.ResponseWriter, r *http.Request) {
	req, resp, err := s.deps.Service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, requestView{req, resp})
}

// handleCancel cancels a queued or processing request.
func (s *server) handleCancel(w http.ResponseWriter, r *http.Request) {
	req, err := s.deps.Service.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"request_id": req.ID,
		"status":     req.Status,
	})
}

// handleListRequests lists requests filtered by status and provider.
func (s *server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.RequestFilter{
		Provider: q.Get("provider"),
	}
	if raw := q.Get("status"); raw != "" {
		st := gateway.Status(raw)
		if !st.Valid() {
			writeError(w, http.StatusBadRequest, "bad_request", "unknown status "+strconv.Quote(raw))
			return
		}
		f.Status = st
	}
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	f.Offset, _ = strconv.Atoi(q.Get("offset"))
	if f.Offset < 0 {
		f.Offset = 0
	}

	reqs, err := s.deps.Service.List(r.Context(), f)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if reqs == nil {
		reqs = []*gateway.Request{}
	}
	writeData(w, http.StatusOK, map[string]any{
		"requests": reqs,
		"count":    len(reqs),
		"offset":   f.Offset,
	})
}

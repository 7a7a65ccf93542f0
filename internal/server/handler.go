package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kvoss/ccproxy/internal/anthropic"
	"github.com/kvoss/ccproxy/internal/cache"
	"github.com/kvoss/ccproxy/internal/modelregistry"
	"github.com/kvoss/ccproxy/internal/pipeline"
	"github.com/kvoss/ccproxy/internal/sse"
)

type contextKey string

const requestIDKey contextKey = "request_id"

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// requestID assigns each request a correlation id, echoed on x-request-id
// and used to prefix the log lines this package writes for the request.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("x-request-id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("x-request-id", id)
		next.ServeHTTP(w, r.WithContext(withRequestID(r.Context(), id)))
	})
}

// requireAPIKey enforces the shared-secret check on x-api-key when one is
// configured. With no shared secret configured, every caller is admitted.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" || r.Header.Get("x-api-key") == s.apiKey {
			next.ServeHTTP(w, r)
			return
		}
		writeError(w, http.StatusUnauthorized, anthropic.NewErrorBody(anthropic.ErrAuthentication, "missing or invalid x-api-key"))
	})
}

// handleHealth responds with a simple JSON liveness status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleModels responds with the static Model Registry, in the Anthropic
// /v1/models list shape.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	type modelEntry struct {
		ID          string `json:"id"`
		Type        string `json:"type"`
		DisplayName string `json:"display_name"`
	}
	var data []modelEntry
	for _, m := range modelregistry.List() {
		data = append(data, modelEntry{ID: m.Canonical, Type: "model", DisplayName: m.Canonical})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"data": data, "has_more": false})
}

// handleStats exposes the Prometheus registry backing per-account and
// per-model counters in the standard exposition format.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	promhttp.HandlerFor(s.metrics.Gatherer(), promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

// handleMessages handles POST /v1/messages. It decodes the request,
// extracts the per-request controls from headers, and dispatches to
// either the streaming or buffered pipeline path.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	var req anthropic.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, anthropic.NewErrorBody(anthropic.ErrInvalidRequest, "invalid request body: "+err.Error()))
		return
	}

	opts := pipeline.Options{
		NoCache:         r.Header.Get("x-no-cache") != "",
		AccountOverride: r.Header.Get("X-CCProxy-Account"),
	}

	if req.Stream {
		s.handleMessagesStream(w, r, &req, opts)
		return
	}

	out, err := s.pipeline.Handle(r.Context(), &req, opts)
	if err != nil {
		s.logError(r, err)
		status, body := pipeline.ClassifyError(err)
		if secs, ok := pipeline.RetryAfterSeconds(err); ok {
			w.Header().Set("retry-after", strconv.Itoa(secs))
		}
		writeError(w, status, body)
		return
	}

	w.Header().Set("x-cache", string(out.CacheStatus))
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out.Response)
}

func (s *Server) handleMessagesStream(w http.ResponseWriter, r *http.Request, req *anthropic.Request, opts pipeline.Options) {
	writer, err := sse.NewWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, anthropic.NewErrorBody(anthropic.ErrAPI, err.Error()))
		return
	}

	w.Header().Set("x-cache", string(cache.StatusBypass))

	var started bool
	err = s.pipeline.HandleStream(r.Context(), req, opts, func(ev sse.Event) {
		started = true
		if werr := writer.Write(ev); werr != nil {
			log.Printf("[%s] server: writing SSE frame: %v", requestIDFrom(r.Context()), werr)
		}
	})
	if err == nil {
		return
	}
	s.logError(r, err)

	if !started {
		// Nothing has reached the wire yet (validation, unknown model, or
		// account leasing failed before dispatch): undo the SSE headers
		// and answer with a plain HTTP error instead of a stream frame.
		w.Header().Del("Content-Type")
		w.Header().Del("Cache-Control")
		w.Header().Del("Connection")
		status, body := pipeline.ClassifyError(err)
		if secs, ok := pipeline.RetryAfterSeconds(err); ok {
			w.Header().Set("retry-after", strconv.Itoa(secs))
		}
		writeError(w, status, body)
		return
	}

	// Bytes are already flowing: the only way to end this cleanly is a
	// synthetic terminal error event, matching what Abort would have sent
	// had the pipeline already drained the stream this far itself.
	_, body := pipeline.ClassifyError(err)
	writer.Write(sse.Event{Type: sse.EventError, Data: sse.ErrorData{Type: "error", Error: body.Error}})
}

func (s *Server) logError(r *http.Request, err error) {
	id := requestIDFrom(r.Context())
	if s.debug {
		log.Printf("[%s] server: request failed: %+v", id, err)
		return
	}
	status, body := pipeline.ClassifyError(err)
	log.Printf("[%s] server: request failed: status=%d kind=%s", id, status, body.Error.Type)
}

func writeError(w http.ResponseWriter, status int, body anthropic.ErrorBody) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

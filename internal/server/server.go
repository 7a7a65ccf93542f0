// Package server sets up the HTTP router, middleware, and request handlers.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kvoss/ccproxy/internal/metrics"
	"github.com/kvoss/ccproxy/internal/pipeline"
)

// Server holds the HTTP router and all dependencies that handlers need.
type Server struct {
	router chi.Router

	pipeline *pipeline.Pipeline
	metrics  *metrics.Registry

	// apiKey is the shared secret required on x-api-key for POST
	// /v1/messages. Empty disables the check.
	apiKey string
	debug  bool
}

// New creates a Server, wires up routes and middleware, and returns it
// ready to use as an http.Handler.
func New(p *pipeline.Pipeline, m *metrics.Registry, apiKey string, debug bool) *Server {
	s := &Server{pipeline: p, metrics: m, apiKey: apiKey, debug: debug}
	s.routes()
	return s
}

// routes builds the chi router with all middleware and route definitions.
func (s *Server) routes() {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(s.requestID)

	// --- Routes ---
	r.Get("/health", s.handleHealth)
	r.Get("/v1/models", s.handleModels)
	r.Get("/stats", s.handleStats)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAPIKey)
		r.Post("/v1/messages", s.handleMessages)
	})

	s.router = r
}

// ServeHTTP makes Server satisfy the http.Handler interface. Every incoming
// request flows through this method, and we just delegate to chi's router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

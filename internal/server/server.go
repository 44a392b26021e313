// Package server sets up the HTTP router, middleware, and request handlers.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/howard-nolan/chatproxy/internal/config"
	"github.com/howard-nolan/chatproxy/internal/engine"
	"github.com/howard-nolan/chatproxy/internal/metrics"
	"github.com/howard-nolan/chatproxy/internal/registry"
)

// Server holds the HTTP router and everything the handlers need. The
// registry and dispatcher are read-only after start-up, so handlers share
// them across requests without locking.
type Server struct {
	router     chi.Router
	cfg        *config.Config
	registry   *registry.Registry
	dispatcher *engine.Dispatcher
	metrics    *metrics.Metrics
}

// New creates a Server and wires up routes and middleware. m may be nil,
// in which case nothing is recorded and no metrics route is mounted.
func New(cfg *config.Config, reg *registry.Registry, d *engine.Dispatcher, m *metrics.Metrics) *Server {
	s := &Server{cfg: cfg, registry: reg, dispatcher: d, metrics: m}
	s.routes()
	return s
}

// routes builds the chi router with all middleware and route definitions,
// gathered in one method so the routing table is easy to scan.
//
// Middleware registered with r.Use runs for every route, in order, before
// the handler: each one wraps the next. The request logger is outermost so
// that it still sees the final status when Recoverer turns a panic into a
// 500 further in.
func (s *Server) routes() {
	r := chi.NewRouter()

	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	// Health checks and scrapes stay outside the auth group: a load balancer or a
	// Prometheus server has no client token.
	r.Get("/health", s.handleHealth)
	if m := s.metrics; m != nil && s.cfg.Metrics.Enabled {
		r.Handle(s.cfg.Metrics.Path, m.Handler())
	}

	// r.Group creates an inline sub-router that shares the parent's
	// middleware stack and adds its own. Everything the OpenAI client
	// library talks to lives here, behind the token check.
	//
	// The chat endpoint answers GET as well as POST. Both carry the request
	// as a JSON body, which some older clients send on GET.
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/v1/models", s.handleModels)
		r.Get("/v1/chat/completions", s.handleChatCompletions)
		r.Post("/v1/chat/completions", s.handleChatCompletions)
	})

	s.router = r
}

// ServeHTTP makes Server satisfy http.Handler by delegating to chi.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

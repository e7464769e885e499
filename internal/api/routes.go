package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server holds the HTTP handlers and router.
type Server struct {
	router   *mux.Router
	handlers *Handlers
	limiter  *PerIPRateLimiter
}

// NewServer creates an API server. A positive RateLimitRPS in the handler
// config enables per-IP rate limiting.
func NewServer(h *Handlers) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		handlers: h,
	}
	if h.config.RateLimitRPS > 0 {
		s.limiter = NewPerIPRateLimiter(h.config.RateLimitRPS, h.config.RateLimitBurst, 0, h.logger)
	}
	s.setupRoutes()
	return s
}

// Router returns the configured router for use with http.Server.
func (s *Server) Router() http.Handler {
	return s.router
}

// Close stops background work owned by the server.
func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.Stop()
	}
}

func (s *Server) setupRoutes() {
	h := s.handlers

	s.router.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", h.Health).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", h.Ready).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/workflows", h.SubmitWorkflow).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/workflows", h.ListWorkflows).Methods(http.MethodGet)
	api.HandleFunc("/workflows/{id}", h.GetWorkflow).Methods(http.MethodGet)
	api.HandleFunc("/workflows/{id}/cancel", h.CancelWorkflow).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/workflows/{id}/resume", h.ResumeWorkflow).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/workflows/{id}/events", h.StreamEvents).Methods(http.MethodGet)
	api.HandleFunc("/workflows/{id}/ws", h.StreamWebSocket).Methods(http.MethodGet)
	api.HandleFunc("/workflows/{id}/main-thread", h.ListPendingCalls).Methods(http.MethodGet)
	api.HandleFunc("/workflows/{id}/steps/{stepId}/result", h.SubmitStepResult).Methods(http.MethodPost, http.MethodOptions)

	api.HandleFunc("/tasks/{id}", h.GetTask).Methods(http.MethodGet)
	api.HandleFunc("/tools", h.ListTools).Methods(http.MethodGet)

	s.router.Use(h.RequestIDMiddleware)
	s.router.Use(h.CORSMiddleware)
	s.router.Use(h.RecoveryMiddleware)
	s.router.Use(h.TracingMiddleware)
	s.router.Use(h.LoggingMiddleware)
	if s.limiter != nil {
		s.router.Use(s.limiter.Middleware)
	}
}

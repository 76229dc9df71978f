// Package core provides the HTTP chassis of the ScopeSafe billing API. It
// builds a chi router usable both behind net/http (local) and behind the
// Lambda proxy integration, and applies the cross-cutting concerns
// (recovery, request IDs, logging, CORS, auth, rate limiting, metrics)
// before requests reach the domain handlers.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"scopesafe/internal/config"
)

// MetricsCollector records API request telemetry.
type MetricsCollector interface {
	RecordRequest(method, endpoint, status string, duration time.Duration)
}

// RouteRegistrar mounts a group of handlers under /v1.
type RouteRegistrar func(r chi.Router)

// Server holds the dependencies of the API router. Optional fields left nil
// disable the corresponding middleware, which keeps tests small.
type Server struct {
	Config         *config.Config
	Logger         *slog.Logger
	Validator      *Validator
	Metrics        MetricsCollector
	Authenticator  Authenticator
	RateLimitStore RateLimitStore
	HealthProbes   []HealthProbe

	// V1RouteRegistrars are populated by the entry point; core cannot import
	// the handler packages.
	V1RouteRegistrars []RouteRegistrar

	// MetricsHandler serves GET /metrics when set (Prometheus backend).
	MetricsHandler http.Handler

	// ShutdownHooks run in order on Shutdown (pool close, metric flush).
	ShutdownHooks []func(ctx context.Context) error

	router *chi.Mux
}

// NewServer validates the mandatory dependencies and prepares an empty
// router. The caller sets optional dependencies and then calls MountRoutes.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Shutdown runs every shutdown hook, continuing past failures, and returns
// the joined errors.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("server shutdown initiated")

	var errs []error
	for _, hook := range s.ShutdownHooks {
		if err := hook(ctx); err != nil {
			s.Logger.Error("shutdown hook failed", "error", err)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("server shutdown: %w", errors.Join(errs...))
	}

	s.Logger.Info("server shutdown complete")
	return nil
}

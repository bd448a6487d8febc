// Package core provides the HTTP chassis for the tripledger API. It builds
// a chi router, applies the cross-cutting middleware (panic recovery,
// request ids, logging, metrics, security headers), and exposes the health
// endpoint. Domain handlers attach through RouteRegistrars.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"tripledger/internal/config"
)

// MetricsCollector records API telemetry.
type MetricsCollector interface {
	RecordRequest(method, endpoint, status string, duration time.Duration)
}

// RouteRegistrar mounts a group of routes. Handler packages provide these so
// core does not import them.
type RouteRegistrar func(r chi.Router)

// Server holds the dependencies of the HTTP surface.
type Server struct {
	Config       *config.Config
	Logger       *slog.Logger
	Metrics      MetricsCollector
	HealthProbes []HealthProbe

	// RouteRegistrars are invoked by MountRoutes, in order.
	RouteRegistrars []RouteRegistrar

	// Closers run on Shutdown, e.g. the database pool.
	Closers []func()

	router *chi.Mux
}

// NewServer validates critical dependencies and prepares an empty router.
// Callers populate RouteRegistrars and then call MountRoutes.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config: cfg,
		Logger: logger,
		router: chi.NewRouter(),
	}, nil
}

// Handler returns the http.Handler for the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Shutdown releases resources registered in Closers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.InfoContext(ctx, "server shutdown initiated")
	for i := len(s.Closers) - 1; i >= 0; i-- {
		s.Closers[i]()
	}
	s.Logger.InfoContext(ctx, "server shutdown complete")
	return nil
}

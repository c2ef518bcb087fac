// Package core provides the API chassis for the TapRoom admin surface.
// It assembles a chi router with the cross-cutting middleware every request
// passes through -- panic recovery, request correlation, security headers,
// structured logging, CORS, latency metrics, and admin key auth -- before
// requests reach the domain handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"taproom/internal/config"
	"taproom/internal/telemetry"
)

// Server holds the dependencies of the admin API. Fields are exported so the
// entrypoint can wire them after construction and tests can substitute fakes.
type Server struct {
	Config    *config.Config
	Logger    *slog.Logger
	Validator *Validator

	// Metrics records request latency. Nil disables recording.
	Metrics telemetry.EnrichmentMetrics

	// HealthProbes are executed concurrently by GET /health.
	HealthProbes []HealthProbe

	// V1RouteRegistrars mount domain handler routes under /v1. Populated by
	// main before MountRoutes; the indirection avoids an import cycle
	// between core and the handler packages.
	V1RouteRegistrars []func(chi.Router)

	router        *chi.Mux
	shutdownHooks []func()
}

// NewServer validates the critical dependencies and prepares the router.
// The caller mounts routes afterwards via MountRoutes, which lets tests
// customize registration.
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
		Validator: NewValidator(),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the router as an http.Handler for http.ListenAndServe.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration in tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// OnShutdown registers a cleanup hook (closing the pgx pool, flushing
// clients). Hooks run in registration order during Shutdown.
func (s *Server) OnShutdown(fn func()) {
	s.shutdownHooks = append(s.shutdownHooks, fn)
}

// Shutdown runs the registered cleanup hooks. The context is accepted for
// signature symmetry with http.Server.Shutdown; hooks are expected to be
// fast, non-blocking closes.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("server shutdown initiated")
	for _, fn := range s.shutdownHooks {
		fn()
	}
	s.Logger.Info("server shutdown complete")
	return nil
}

// Package server hosts the HTTP sidecar endpoints: health probes for
// orchestration platforms and the version report. Business traffic
// stays on the bus.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/centerfuze/opentext-service/internal/config"
	apperrors "github.com/centerfuze/opentext-service/internal/errors"
	"github.com/centerfuze/opentext-service/internal/observability"
	"github.com/centerfuze/opentext-service/internal/server/handlers"
	servermw "github.com/centerfuze/opentext-service/internal/server/middleware"
)

// Server represents the HTTP server
type Server struct {
	router *chi.Mux
	server *http.Server
	cfg    config.ServerConfig
	health *handlers.HealthManager
}

// New creates a new HTTP server instance
func New(cfg config.ServerConfig, health *handlers.HealthManager) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)

	// Custom middleware in order: RequestID → Metrics → Recovery
	r.Use(servermw.RequestID)
	r.Use(servermw.RequestMetrics)
	r.Use(servermw.Recovery)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		HandleError(w, req, apperrors.NewNotFoundError("The requested resource was not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		HandleError(w, req, apperrors.NewMethodNotAllowedError("The requested method is not allowed for this resource"))
	})

	s := &Server{
		router: r,
		cfg:    cfg,
		health: health,
	}

	// Ensure handlers use the centralized error responder
	handlers.SetHTTPErrorResponder(HandleError)

	s.registerRoutes()

	return s
}

// registerRoutes registers all HTTP routes
func (s *Server) registerRoutes() {
	s.router.Get("/health", s.health.HealthHandler)
	s.router.Get("/health/live", s.health.LivenessHandler)
	s.router.Get("/health/ready", s.health.ReadinessHandler)
	s.router.Get("/health/startup", s.health.StartupHandler)

	s.router.Get("/version", handlers.VersionHandler)
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	if observability.ServerLogger != nil {
		observability.ServerLogger.Info("Starting HTTP server",
			zap.String("addr", addr))
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	if observability.ServerLogger != nil {
		observability.ServerLogger.Info("Shutting down HTTP server")
	}
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler exposes the underlying router for testing and instrumentation
func (s *Server) Handler() http.Handler {
	return s.router
}

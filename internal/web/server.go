// Package web provides the HTTP API for the bulk operation engine.
package web

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/JonMunkholm/bulkops/internal/config"
	"github.com/JonMunkholm/bulkops/internal/engine"
	"github.com/JonMunkholm/bulkops/internal/web/middleware"
)

// Archive serves history entries past the engine's in-memory horizon.
// Implemented by store.PostgresSink; nil when no database is configured.
type Archive interface {
	RecentEntries(ctx context.Context, limit int) ([]engine.HistoryEntry, error)
}

// Server is the HTTP server for the operation engine API.
type Server struct {
	engine  *engine.Engine
	archive Archive
	cfg     *config.Config
	router  *chi.Mux
	server  *http.Server
	hub     *eventHub

	unsubscribe func()
}

// NewServer creates a Server wired to the given engine. archive may be nil.
func NewServer(cfg *config.Config, eng *engine.Engine, archive Archive) *Server {
	s := &Server{
		engine:  eng,
		archive: archive,
		cfg:     cfg,
		router:  chi.NewRouter(),
		hub:     newEventHub(),
	}
	s.unsubscribe = eng.Subscribe(s.hub.broadcast)
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// setupMiddleware configures middleware for all routes.
func (s *Server) setupMiddleware() {
	s.router.Use(chimw.RequestID)
	s.router.Use(middleware.TrustedRealIP(s.cfg.Security.TrustedProxies))
	s.router.Use(middleware.Logger)
	s.router.Use(chimw.Recoverer)
	s.router.Use(chimw.Compress(5))

	// Security hardening
	s.router.Use(securityHeaders)

	if s.cfg.Rate.Enabled {
		limiter := newRateLimiter(s.cfg.Rate.RequestsPerMinute, time.Minute)
		s.router.Use(limiter.middleware)
	}
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)

	// Event stream; exempt from the request timeout so connections stay open.
	s.router.Get("/ws", s.handleEvents)

	s.router.Route("/api", func(r chi.Router) {
		r.Use(chimw.Timeout(s.cfg.Server.RequestTimeout))
		r.Use(middleware.APIKeyAuth(&s.cfg.Security))

		// Operation lifecycle
		r.Group(func(r chi.Router) {
			if s.cfg.Rate.Enabled {
				opLimiter := newRateLimiter(s.cfg.Rate.OperationLimit, time.Minute)
				r.Use(opLimiter.middleware)
			}
			r.Post("/operations", s.handleCreateOperation)
		})
		r.Get("/operations", s.handleListOperations)
		r.Get("/operations/{operationID}", s.handleGetOperation)
		r.Post("/operations/{operationID}/enqueue", s.handleEnqueueOperation)
		r.Post("/operations/{operationID}/cancel", s.handleCancelOperation)
		r.Get("/operations/{operationID}/timeline", s.handleTimeline)
		r.Get("/operations/{operationID}/audit", s.handleAuditLogs)

		// Validation schemas and quality metrics
		r.Post("/schemas", s.handleRegisterSchema)
		r.Get("/schemas", s.handleListSchemas)
		r.Post("/schemas/{schemaID}/validate", s.handleValidate)
		r.Get("/metrics", s.handleAllMetrics)
		r.Get("/metrics/{schemaID}", s.handleSchemaMetrics)

		// History and statistics
		r.Get("/history", s.handleHistory)
		r.Get("/history/archive", s.handleArchive)
		r.Get("/statistics", s.handleStatistics)

		// Queue control
		r.Get("/queue", s.handleQueueStatus)
		r.Post("/queue/{priority}/pause", s.handlePauseLane)
		r.Post("/queue/{priority}/resume", s.handleResumeLane)
	})
}

// Start begins listening for HTTP requests. Blocks until the listener stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Server.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server and closes event stream clients.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.hub.closeAll()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// securityHeaders adds security headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Prevent MIME type sniffing
		w.Header().Set("X-Content-Type-Options", "nosniff")

		// Prevent clickjacking
		w.Header().Set("X-Frame-Options", "DENY")

		// API responses are never renderable documents
		w.Header().Set("Content-Security-Policy", "default-src 'none'")

		// Control referrer information
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		next.ServeHTTP(w, r)
	})
}

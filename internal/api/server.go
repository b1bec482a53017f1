// Package api serves run history and live dispatch progress over HTTP.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/stackfleet/internal/events"
	"github.com/mattjoyce/stackfleet/internal/ledger"
)

// RunStore defines the read side of the run ledger.
type RunStore interface {
	List(ctx context.Context, limit int) ([]ledger.Run, error)
	Get(ctx context.Context, runID string) (*ledger.RunDetail, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// Token is the bearer token required on protected routes. Empty leaves
	// them open.
	Token string
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	runs      RunStore
	events    *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
	ready     chan struct{}
	addr      string
}

// New creates a new API server instance. hub may be nil, in which case
// /events reports the stream as unavailable.
func New(config Config, runs RunStore, hub *events.Hub, logger *slog.Logger) *Server {
	return &Server{
		config:    config,
		runs:      runs,
		events:    hub,
		logger:    logger,
		startedAt: time.Now(),
		ready:     make(chan struct{}),
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server and blocks until ctx is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Listen, err)
	}

	s.server = &http.Server{
		Handler:     s.setupRoutes(),
		ReadTimeout: 10 * time.Second,
		// WriteTimeout stays zero: /events is a long-lived stream.
		IdleTimeout: 60 * time.Second,
	}
	s.addr = ln.Addr().String()
	close(s.ready)

	s.logger.Info("API server starting", "listen", s.addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Addr blocks until the server is listening and returns its address.
func (s *Server) Addr(ctx context.Context) (string, error) {
	select {
	case <-s.ready:
		return s.addr, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		if s.config.Token != "" {
			r.Use(s.authMiddleware)
		}
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{runID}", s.handleGetRun)
		r.Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

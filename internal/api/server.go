package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mattjoyce/loopback/internal/events"
	"github.com/mattjoyce/loopback/internal/task"
)

// TaskCatalog lists registered task kinds. *task.Registry satisfies it.
type TaskCatalog interface {
	Names() []string
	Lookup(name string) (*task.Descriptor, bool)
}

// EndpointMounter mounts the run-task endpoint. *worker.Worker satisfies it.
type EndpointMounter interface {
	Register(r chi.Router)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the bearer token for /tasks, /events and /openapi.json.
	// Empty disables those routes; /healthz and the run-task endpoint stay up.
	APIKey string
	// EndpointPath is documented in /openapi.json.
	EndpointPath string
}

// Server represents the HTTP server hosting the run-task endpoint
type Server struct {
	config    Config
	endpoint  EndpointMounter
	tasks     TaskCatalog
	events    *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new server instance. hub may be nil.
func New(config Config, endpoint EndpointMounter, tasks TaskCatalog, hub *events.Hub, logger *slog.Logger) *Server {
	if hub == nil {
		hub = events.NewHub(256)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:    config,
		endpoint:  endpoint,
		tasks:     tasks,
		events:    hub,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Handler returns the fully routed HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:      s.setupRoutes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Minute, // blocking dispatches wait on task completion
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("server starting", "listen", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	// The endpoint authenticates each request with its own token.
	if s.endpoint != nil {
		s.endpoint.Register(r)
	}

	if s.config.APIKey != "" {
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Get("/tasks", s.handleListTasks)
			r.Get("/events", s.handleEvents)
			r.Get("/openapi.json", s.handleOpenAPI)
		})
	}

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

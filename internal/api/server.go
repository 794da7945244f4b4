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

	"github.com/quan-xiao/testmanager/internal/events"
	"github.com/quan-xiao/testmanager/internal/protocol"
	"github.com/quan-xiao/testmanager/internal/scheduler"
	"github.com/quan-xiao/testmanager/internal/store"
)

// TestBoxHandler answers one testbox protocol command. Implemented by
// dispatch.Boundary.
type TestBoxHandler interface {
	Handle(ctx context.Context, command string, params map[string]string, caller protocol.Caller) protocol.Outcome
}

// TaskStore is the read and enqueue surface of the task store.
type TaskStore interface {
	EnqueueTask(ctx context.Context, req store.EnqueueRequest, now time.Time) (*store.Task, error)
	GetTask(ctx context.Context, id string) (*store.Task, error)
	ListTasks(ctx context.Context, state store.TaskState, limit int) ([]*store.Task, error)
	ResultsForTask(ctx context.Context, taskID string) ([]*store.Result, error)
	TaskCounts(ctx context.Context) (map[store.TaskState]int, error)
	ListTestBoxes(ctx context.Context) ([]*store.TestBox, error)
	TestBoxCounts(ctx context.Context) (map[store.TestBoxState]int, error)
}

// FleetAdmin performs operator actions on testboxes. Implemented by
// dispatch.Engine.
type FleetAdmin interface {
	Disable(ctx context.Context, testBoxID string) (*store.Task, error)
}

// Sweeper runs a liveness sweep on demand.
type Sweeper interface {
	Sweep(ctx context.Context) (*scheduler.Report, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey guards the admin routes. Empty disables them.
	APIKey string
	// MaxAttempts is applied to enqueued tasks that do not set their own.
	MaxAttempts int
	// MaxBodyBytes bounds request bodies. Defaults to 1 MiB.
	MaxBodyBytes int64
}

// Server exposes the testbox protocol and the admin API over HTTP.
type Server struct {
	config    Config
	testboxes TestBoxHandler
	tasks     TaskStore
	fleet     FleetAdmin
	sweeper   Sweeper
	events    *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
	now       func() time.Time
}

// New creates a new API server instance
func New(config Config, testboxes TestBoxHandler, tasks TaskStore, fleet FleetAdmin, sweeper Sweeper, hub *events.Hub, logger *slog.Logger) *Server {
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = 1 << 20
	}
	if hub == nil {
		hub = events.NewHub(0)
	}
	return &Server{
		config:    config,
		testboxes: testboxes,
		tasks:     tasks,
		fleet:     fleet,
		sweeper:   sweeper,
		events:    hub,
		logger:    logger.With("component", "api"),
		startedAt: time.Now(),
		now:       time.Now,
	}
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server and blocks until ctx is done or the listener
// fails. A cancelled context yields a nil error.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// SSE streams stay open; per-write deadlines are not used.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
		// Request contexts end with ctx so open event streams let Shutdown finish.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	s.logger.Info("API server starting", "listen", s.config.Listen, "admin", s.config.APIKey != "")

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated: ops probe and the testbox protocol itself.
	r.Get("/healthz", s.handleHealthz)
	r.Get("/openapi.json", s.handleOpenAPI)
	r.Post("/testbox/{command}", s.handleTestBox)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/tasks", s.handleEnqueue)
		r.Get("/tasks", s.handleListTasks)
		r.Get("/tasks/{taskID}", s.handleGetTask)
		r.Get("/testboxes", s.handleListTestBoxes)
		r.Post("/testboxes/{testboxID}/disable", s.handleDisable)
		r.Post("/sweep", s.handleSweep)
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

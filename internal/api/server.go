// Package api serves the REST interface: task submission, queries, health,
// and the metrics endpoint.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/untoldecay/dts/internal/metrics"
	"github.com/untoldecay/dts/internal/types"
)

// Store is the slice of the repository the API needs.
type Store interface {
	CreateTask(ctx context.Context, task *types.TaskCreate, nowMS int64, defaultMaxAttempts int) error
	CreateTasksBatch(ctx context.Context, tasks []types.TaskCreate, nowMS int64, defaultMaxAttempts int) ([]string, error)
	GetTask(ctx context.Context, taskID string) (*types.Task, error)
	ListTasks(ctx context.Context, limit, offset int) ([]*types.Task, int, error)
}

// ServerConfig holds the dependencies and settings for the API server.
type ServerConfig struct {
	Store       Store
	Logger      *slog.Logger
	Version     string
	MaxAttempts int
}

// Server handles HTTP requests for the task API.
type Server struct {
	store       Store
	logger      *slog.Logger
	version     string
	maxAttempts int
	mux         *http.ServeMux
	handler     http.Handler
	httpServer  *http.Server
}

// NewServer creates the API server and registers all routes.
func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		store:       cfg.Store,
		logger:      cfg.Logger,
		version:     cfg.Version,
		maxAttempts: cfg.MaxAttempts,
		mux:         http.NewServeMux(),
	}

	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/tasks", s.handleTasks)
	s.mux.HandleFunc("/tasks/", s.handleTasksSubpath)
	s.mux.Handle("/metrics", metrics.Handler())

	// Innermost first: metrics observe what the access log reports.
	handler := withMetrics(s.mux)
	handler = withAccessLog(handler, s.logger)
	s.handler = withRequestID(handler, s.logger)

	return s
}

// Start starts the HTTP server on the given address and blocks until it
// stops. Returns http.ErrServerClosed after a clean Shutdown.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info("api server listening", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Handler returns the fully wrapped HTTP handler for use with custom
// servers and tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

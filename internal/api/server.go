// Package api serves the HTTP JSON interface: workflow definitions, runs,
// run events (including a live SSE stream) and named-event triggers.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/rendis/opflow/internal/engine"
	"github.com/rendis/opflow/internal/identity"
	"github.com/rendis/opflow/internal/scheduler"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/internal/streaming"
	"github.com/rendis/opflow/pkg/schema"
)

// DefinitionChecker validates a definition and reports every issue.
type DefinitionChecker interface {
	Validate(ctx context.Context, def *schema.WorkflowDefinition) *schema.ValidationResult
}

// Deps holds the dependencies for the API server.
type Deps struct {
	Store     store.Store
	Engine    engine.Engine
	Validator DefinitionChecker
	Catalog   *identity.Catalog
	Hub       streaming.EventHub
	Logger    *slog.Logger
}

// Server serves the HTTP API.
type Server struct {
	deps   Deps
	events *store.EventLog
	router *scheduler.EventRouter
}

// NewServer creates a Server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Server{
		deps:   deps,
		events: store.NewEventLog(deps.Store),
		router: scheduler.NewEventRouter(deps.Store, deps.Engine, deps.Logger),
	}
}

// Handler returns the HTTP handler for all API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Definitions.
	mux.HandleFunc("GET /api/workflows", s.handleListWorkflows)
	mux.HandleFunc("GET /api/workflows/{id}", s.handleGetWorkflow)
	mux.HandleFunc("PUT /api/workflows/{id}", s.handlePutWorkflow)
	mux.HandleFunc("DELETE /api/workflows/{id}", s.handleDeleteWorkflow)
	mux.HandleFunc("GET /api/workflows/{id}/status", s.handleWorkflowStatus)
	mux.HandleFunc("POST /api/workflows/{id}/runs", s.handleStartRun)
	mux.HandleFunc("GET /api/workflows/{id}/diagram", s.handleWorkflowDiagram)

	// Runs.
	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	mux.HandleFunc("POST /api/runs/{id}/cancel", s.handleCancelRun)
	mux.HandleFunc("GET /api/runs/{id}/events", s.handleRunEvents)
	mux.HandleFunc("GET /api/runs/{id}/trace", s.handleRunTrace)
	mux.HandleFunc("GET /api/runs/{id}/diagram", s.handleRunDiagram)

	// Agents.
	mux.HandleFunc("GET /api/agents", s.handleListAgents)
	mux.HandleFunc("PUT /api/agents/{id}", s.handlePutAgent)

	// Triggers.
	mux.HandleFunc("POST /api/events/{name}", s.handleFireEvent)

	// SSE streams.
	mux.HandleFunc("GET /sse/runs/{id}", s.handleSSERun)

	return s.logRequests(mux)
}

// ListenAndServe serves the API on addr until ctx is cancelled, then shuts
// the listener down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.deps.Logger.Info("http api listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// statusRecorder captures the response status for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.deps.Logger.DebugContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

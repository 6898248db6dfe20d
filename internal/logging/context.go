// Package logging carries run correlation ids through context.Context and
// injects them into slog records.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

type ctxKey int

const (
	runIDKey ctxKey = iota
	workflowIDKey
	stepIDKey
	agentIDKey
)

// Attribute names, in the order they are attached to records.
var correlationFields = []struct {
	key  ctxKey
	attr string
}{
	{runIDKey, "run_id"},
	{workflowIDKey, "workflow_id"},
	{stepIDKey, "step_id"},
	{agentIDKey, "agent_id"},
}

// WithRunID returns a context with the run ID set.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// WithWorkflowID returns a context with the workflow ID set.
func WithWorkflowID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workflowIDKey, id)
}

// WithStepID returns a context with the step ID set.
func WithStepID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, stepIDKey, id)
}

// WithAgentID returns a context with the agent ID set.
func WithAgentID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, agentIDKey, id)
}

// WithRun sets the run and workflow IDs at once.
func WithRun(ctx context.Context, runID, workflowID string) context.Context {
	return WithWorkflowID(WithRunID(ctx, runID), workflowID)
}

// WithStep sets the step and agent IDs at once.
func WithStep(ctx context.Context, stepID, agentID string) context.Context {
	return WithAgentID(WithStepID(ctx, stepID), agentID)
}

func RunID(ctx context.Context) string      { return value(ctx, runIDKey) }
func WorkflowID(ctx context.Context) string { return value(ctx, workflowIDKey) }
func StepID(ctx context.Context) string     { return value(ctx, stepIDKey) }
func AgentID(ctx context.Context) string    { return value(ctx, agentIDKey) }

func value(ctx context.Context, key ctxKey) string {
	v, _ := ctx.Value(key).(string)
	return v
}

// attrs returns the non-empty correlation IDs on ctx.
func attrs(ctx context.Context) []slog.Attr {
	var out []slog.Attr
	for _, f := range correlationFields {
		if v := value(ctx, f.key); v != "" {
			out = append(out, slog.String(f.attr, v))
		}
	}
	return out
}

// LogWith returns a logger enriched with correlation IDs from the context.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range attrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, injecting correlation IDs from
// the context into every record logged with a *Context method.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(attrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(as []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(as)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// ParseLevel maps debug, info, warn and error (case-insensitive) to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// NewLogger builds a text logger on w with correlation injection. Passing a
// *slog.LevelVar lets the level change at runtime.
func NewLogger(w io.Writer, level slog.Leveler) *slog.Logger {
	return slog.New(NewCorrelationHandler(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allKeys = []string{"run_id", "workflow_id", "step_id", "agent_id"}

// jsonRecord logs one message through a CorrelationHandler and decodes it.
func jsonRecord(t *testing.T, wrap func(slog.Handler) slog.Handler, ctx context.Context, msg string, args ...any) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	var h slog.Handler = NewCorrelationHandler(slog.NewJSONHandler(&buf, nil))
	if wrap != nil {
		h = wrap(h)
	}
	slog.New(h).InfoContext(ctx, msg, args...)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	return rec
}

func TestContextAccessors(t *testing.T) {
	ctx := context.Background()
	for _, get := range []func(context.Context) string{RunID, WorkflowID, StepID, AgentID} {
		assert.Empty(t, get(ctx))
	}

	ctx = WithAgentID(WithStepID(WithWorkflowID(WithRunID(ctx, "r"), "w"), "s"), "a")
	assert.Equal(t, []string{"r", "w", "s", "a"}, []string{RunID(ctx), WorkflowID(ctx), StepID(ctx), AgentID(ctx)})

	ctx = WithStep(WithRun(context.Background(), "run-9", "wf-1"), "step-2", "agent-3")
	assert.Equal(t, []string{"run-9", "wf-1", "step-2", "agent-3"}, []string{RunID(ctx), WorkflowID(ctx), StepID(ctx), AgentID(ctx)})

	// Inner scopes override.
	ctx = WithStepID(ctx, "step-3")
	assert.Equal(t, "step-3", StepID(ctx))
	assert.Equal(t, "run-9", RunID(ctx))
}

func TestCorrelationHandler_InjectsPresentIDs(t *testing.T) {
	cases := []struct {
		name string
		ctx  context.Context
		want map[string]string
	}{
		{"empty", context.Background(), map[string]string{}},
		{"workflow only", WithWorkflowID(context.Background(), "wf-only"), map[string]string{"workflow_id": "wf-only"}},
		{"run scope", WithRun(context.Background(), "run-1", "wf-1"), map[string]string{"run_id": "run-1", "workflow_id": "wf-1"}},
		{
			"step scope",
			WithStep(WithRun(context.Background(), "run-1", "wf-1"), "s1", "bot"),
			map[string]string{"run_id": "run-1", "workflow_id": "wf-1", "step_id": "s1", "agent_id": "bot"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := jsonRecord(t, nil, tc.ctx, "hello")
			assert.Equal(t, "hello", rec["msg"])
			for _, k := range allKeys {
				if want, ok := tc.want[k]; ok {
					assert.Equal(t, want, rec[k], k)
				} else {
					assert.NotContains(t, rec, k)
				}
			}
		})
	}
}

func TestCorrelationHandler_WithAttrsKeepsInjection(t *testing.T) {
	rec := jsonRecord(t, func(h slog.Handler) slog.Handler {
		return h.WithAttrs([]slog.Attr{slog.String("component", "engine")})
	}, WithRunID(context.Background(), "run-a"), "with attrs")

	assert.Equal(t, "engine", rec["component"])
	assert.Equal(t, "run-a", rec["run_id"])
}

func TestCorrelationHandler_WithGroup(t *testing.T) {
	rec := jsonRecord(t, func(h slog.Handler) slog.Handler {
		return h.WithGroup("engine")
	}, WithWorkflowID(context.Background(), "wf-grp"), "grouped", "key", "val")

	group, ok := rec["engine"].(map[string]any)
	require.True(t, ok, "record: %v", rec)
	assert.Equal(t, "val", group["key"])
	assert.Equal(t, "wf-grp", group["workflow_id"])
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	plain := slog.New(slog.NewTextHandler(&buf, nil))

	LogWith(WithStep(WithRun(context.Background(), "run-x", "wf-x"), "step-x", ""), plain).Info("enriched")
	out := buf.String()
	assert.Contains(t, out, "run_id=run-x")
	assert.Contains(t, out, "step_id=step-x")
	assert.NotContains(t, out, "agent_id")

	buf.Reset()
	LogWith(context.Background(), plain).Info("bare")
	for _, k := range allKeys {
		assert.NotContains(t, buf.String(), k)
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"":        slog.LevelInfo,
		"info":    slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		" error ": slog.LevelError,
	} {
		got, err := ParseLevel(in)
		assert.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}

func TestNewLogger_LevelVar(t *testing.T) {
	var buf bytes.Buffer
	level := new(slog.LevelVar)
	level.Set(slog.LevelWarn)
	logger := NewLogger(&buf, level)

	ctx := WithRunID(context.Background(), "run-1")
	logger.InfoContext(ctx, "hidden")
	logger.WarnContext(ctx, "shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
	assert.Contains(t, buf.String(), "run_id=run-1")

	level.Set(slog.LevelDebug)
	logger.DebugContext(ctx, "now visible")
	assert.Contains(t, buf.String(), "now visible")
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opflow/internal/actions"
	"github.com/rendis/opflow/internal/engine"
	"github.com/rendis/opflow/internal/identity"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/internal/streaming"
	"github.com/rendis/opflow/internal/validation"
	"github.com/rendis/opflow/pkg/schema"
)

type apiEnv struct {
	handler http.Handler
	store   *store.MemoryStore
	engine  engine.Engine
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()
	catalog := identity.NewCatalog(s)
	_, err := catalog.Register(ctx, &store.Agent{ID: "bot", Name: "Bot", Type: identity.AgentTypeSystem})
	require.NoError(t, err)

	schemas, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)
	reg := actions.NewRegistry(actions.WithAuthorizer(catalog), actions.WithInputValidator(schemas))
	require.NoError(t, actions.RegisterBuiltins(reg, schemas))
	validator, err := validation.NewWorkflowValidator(reg, catalog)
	require.NoError(t, err)

	hub := streaming.NewMemoryHub()
	eng := engine.New(s, reg, validator, engine.Config{Hub: hub, Agents: catalog})
	t.Cleanup(eng.Shutdown)

	srv := NewServer(Deps{
		Store:     s,
		Engine:    eng,
		Validator: validator,
		Catalog:   catalog,
		Hub:       hub,
	})
	return &apiEnv{handler: srv.Handler(), store: s, engine: eng}
}

func (env *apiEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), "body: %s", rec.Body.String())
}

func echoWorkflow(id string) map[string]any {
	return map[string]any{
		"id":   id,
		"name": "Echo",
		"steps": []map[string]any{
			{"id": "echo", "agent_id": "bot", "action_type": "passthrough", "input": "{input.msg}"},
		},
	}
}

// --- Definitions ---

func TestAPI_WorkflowCRUD(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodPut, "/api/workflows/echo", echoWorkflow("echo"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var put putWorkflowResponse
	decodeBody(t, rec, &put)
	assert.Equal(t, "echo", put.Definition.ID)
	assert.Equal(t, schema.TriggerManual, put.Definition.Trigger)

	rec = env.do(t, http.MethodGet, "/api/workflows/echo", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var def schema.WorkflowDefinition
	decodeBody(t, rec, &def)
	assert.Len(t, def.Steps, 1)

	rec = env.do(t, http.MethodGet, "/api/workflows", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Workflows []schema.WorkflowDefinition `json:"workflows"`
	}
	decodeBody(t, rec, &list)
	assert.Len(t, list.Workflows, 1)

	rec = env.do(t, http.MethodDelete, "/api/workflows/echo", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/workflows/echo", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_PutWorkflowRejections(t *testing.T) {
	env := newAPIEnv(t)

	tests := []struct {
		name string
		path string
		body any
		code string
	}{
		{"id mismatch", "/api/workflows/a", echoWorkflow("b"), schema.ErrCodeValidation},
		{"unknown action", "/api/workflows/bad", map[string]any{
			"id":    "bad",
			"steps": []map[string]any{{"id": "s", "agent_id": "bot", "action_type": "nope"}},
		}, schema.ErrCodeDefinition},
		{"unknown agent", "/api/workflows/ghost", map[string]any{
			"id":    "ghost",
			"steps": []map[string]any{{"id": "s", "agent_id": "ghost", "action_type": "passthrough"}},
		}, schema.ErrCodeDefinition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPut, tt.path, tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			var body errorBody
			decodeBody(t, rec, &body)
			assert.Equal(t, tt.code, body.Code)
		})
	}

	rec := env.do(t, http.MethodGet, "/api/workflows", nil)
	assert.Contains(t, rec.Body.String(), `"workflows":[]`)
}

func TestAPI_PutWorkflowMalformedJSON(t *testing.T) {
	env := newAPIEnv(t)
	req := httptest.NewRequest(http.MethodPut, "/api/workflows/x", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// --- Runs ---

func TestAPI_SyncRun(t *testing.T) {
	env := newAPIEnv(t)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPut, "/api/workflows/echo", echoWorkflow("echo")).Code)

	rec := env.do(t, http.MethodPost, "/api/workflows/echo/runs", map[string]any{
		"input": map[string]any{"msg": "hello"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var run schema.Run
	decodeBody(t, rec, &run)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)
	assert.Equal(t, map[string]any{"echo": "hello"}, run.Output)
	require.Len(t, run.StepResults, 1)

	rec = env.do(t, http.MethodGet, "/api/runs/"+run.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/runs?workflow_id=echo&status=completed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var runs struct {
		Runs []schema.Run `json:"runs"`
	}
	decodeBody(t, rec, &runs)
	require.Len(t, runs.Runs, 1)
	assert.Equal(t, run.ID, runs.Runs[0].ID)

	rec = env.do(t, http.MethodGet, "/api/runs/"+run.ID+"/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var events struct {
		Events []store.Event `json:"events"`
	}
	decodeBody(t, rec, &events)
	require.NotEmpty(t, events.Events)
	assert.Equal(t, schema.EventRunStarted, events.Events[0].Type)
	assert.Equal(t, schema.EventRunCompleted, events.Events[len(events.Events)-1].Type)

	rec = env.do(t, http.MethodGet, "/api/runs/"+run.ID+"/events?since=2", nil)
	decodeBody(t, rec, &events)
	assert.Equal(t, int64(3), events.Events[0].Sequence)

	rec = env.do(t, http.MethodGet, "/api/runs/"+run.ID+"/trace", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var trace struct {
		Steps []store.StepTrace `json:"steps"`
	}
	decodeBody(t, rec, &trace)
	require.Len(t, trace.Steps, 1)
	assert.Equal(t, "completed", trace.Steps[0].Status)
}

func TestAPI_SyncRunFailureStillReturnsRun(t *testing.T) {
	env := newAPIEnv(t)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPut, "/api/workflows/echo", echoWorkflow("echo")).Code)

	rec := env.do(t, http.MethodPost, "/api/workflows/echo/runs", map[string]any{"input": map[string]any{}})
	require.Equal(t, http.StatusOK, rec.Code)
	var run schema.Run
	decodeBody(t, rec, &run)
	assert.Equal(t, schema.RunStatusFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, schema.ErrCodeResolution, run.Error.Code)
	assert.Equal(t, "echo", run.Error.StepID)
}

func TestAPI_AsyncRunAndCancel(t *testing.T) {
	env := newAPIEnv(t)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPut, "/api/workflows/echo", echoWorkflow("echo")).Code)

	rec := env.do(t, http.MethodPost, "/api/workflows/echo/runs", map[string]any{
		"input": map[string]any{"msg": "later"},
		"async": true,
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var accepted map[string]string
	decodeBody(t, rec, &accepted)
	runID := accepted["run_id"]
	require.NotEmpty(t, runID)

	require.Eventually(t, func() bool {
		run, err := env.engine.GetRun(context.Background(), runID)
		return err == nil && run.Status == schema.RunStatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	rec = env.do(t, http.MethodPost, "/api/runs/"+runID+"/cancel", map[string]string{"reason": "too late"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	var body errorBody
	decodeBody(t, rec, &body)
	assert.Equal(t, schema.ErrCodeInvalidTransition, body.Code)
}

func TestAPI_RunErrors(t *testing.T) {
	env := newAPIEnv(t)

	tests := []struct {
		name   string
		method string
		path   string
		status int
	}{
		{"start unknown workflow", http.MethodPost, "/api/workflows/nope/runs", http.StatusNotFound},
		{"get unknown run", http.MethodGet, "/api/runs/nope", http.StatusNotFound},
		{"cancel unknown run", http.MethodPost, "/api/runs/nope/cancel", http.StatusNotFound},
		{"events of unknown run", http.MethodGet, "/api/runs/nope/events", http.StatusNotFound},
		{"trace of unknown run", http.MethodGet, "/api/runs/nope/trace", http.StatusNotFound},
		{"status of unknown workflow", http.MethodGet, "/api/workflows/nope/status", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, tt.method, tt.path, nil)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestAPI_WorkflowStatus(t *testing.T) {
	env := newAPIEnv(t)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPut, "/api/workflows/echo", echoWorkflow("echo")).Code)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/workflows/echo/runs",
		map[string]any{"input": map[string]any{"msg": "x"}}).Code)

	rec := env.do(t, http.MethodGet, "/api/workflows/echo/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st schema.DefinitionStatus
	decodeBody(t, rec, &st)
	assert.Equal(t, schema.DefinitionActive, st.Status)
	assert.Equal(t, schema.RunStatusCompleted, st.LastRunStatus)
	assert.NotNil(t, st.LastRun)
}

// --- Agents ---

func TestAPI_Agents(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodPut, "/api/agents/mailer", map[string]any{
		"name": "Mailer", "type": "service", "capabilities": []string{"passthrough"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPut, "/api/agents/weird", map[string]any{"name": "Weird", "type": "robot"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Agents []store.Agent `json:"agents"`
	}
	decodeBody(t, rec, &list)
	require.Len(t, list.Agents, 2)
	assert.Equal(t, "bot", list.Agents[0].ID)
	assert.Equal(t, "mailer", list.Agents[1].ID)
}

// --- Triggers ---

func TestAPI_FireEvent(t *testing.T) {
	env := newAPIEnv(t)
	wf := echoWorkflow("on-order")
	wf["trigger"] = "event"
	wf["trigger_config"] = map[string]any{"event": "order.created"}
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPut, "/api/workflows/on-order", wf).Code)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPut, "/api/workflows/echo", echoWorkflow("echo")).Code)

	rec := env.do(t, http.MethodPost, "/api/events/order.created", map[string]any{"msg": "order 7"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var fired struct {
		Event string `json:"event"`
		Runs  []struct {
			WorkflowID string `json:"workflow_id"`
			RunID      string `json:"run_id"`
		} `json:"runs"`
	}
	decodeBody(t, rec, &fired)
	assert.Equal(t, "order.created", fired.Event)
	require.Len(t, fired.Runs, 1)
	assert.Equal(t, "on-order", fired.Runs[0].WorkflowID)

	require.Eventually(t, func() bool {
		run, err := env.engine.GetRun(context.Background(), fired.Runs[0].RunID)
		return err == nil && run.Status == schema.RunStatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	rec = env.do(t, http.MethodPost, "/api/events/nobody.listens", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"runs":[]`)
}

// --- SSE ---

func TestAPI_SSEReplaysFinishedRun(t *testing.T) {
	env := newAPIEnv(t)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPut, "/api/workflows/echo", echoWorkflow("echo")).Code)
	rec := env.do(t, http.MethodPost, "/api/workflows/echo/runs", map[string]any{"input": map[string]any{"msg": "hi"}})
	var run schema.Run
	decodeBody(t, rec, &run)

	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/sse/runs/" + run.ID)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)
	assert.Contains(t, text, "id: 1\nevent: run_started\n")
	assert.Contains(t, text, "event: run_completed\n")

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/sse/runs/"+run.ID, nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "2")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	body, err = io.ReadAll(resp2.Body)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "event: run_started")
	assert.Contains(t, string(body), "id: 3\n")
}

func TestAPI_SSEUnknownRun(t *testing.T) {
	env := newAPIEnv(t)
	rec := env.do(t, http.MethodGet, "/sse/runs/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// --- Diagrams ---

func TestAPI_Diagrams(t *testing.T) {
	env := newAPIEnv(t)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPut, "/api/workflows/echo", echoWorkflow("echo")).Code)
	rec := env.do(t, http.MethodPost, "/api/workflows/echo/runs", map[string]any{"input": map[string]any{"msg": "hi"}})
	var run schema.Run
	decodeBody(t, rec, &run)

	rec = env.do(t, http.MethodGet, "/api/workflows/echo/diagram", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "graph TD")
	assert.NotContains(t, rec.Body.String(), "class echo completed")

	rec = env.do(t, http.MethodGet, "/api/runs/"+run.ID+"/diagram?format=ascii", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "[OK]")

	rec = env.do(t, http.MethodGet, "/api/workflows/echo/diagram?format=svg", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/runs/nope/diagram", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

package validation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

// mockActionLookup implements ActionLookup for tests.
type mockActionLookup struct {
	registered map[string]bool
}

func (m *mockActionLookup) Has(name string) bool {
	return m.registered[name]
}

func newMockLookup(names ...string) *mockActionLookup {
	m := &mockActionLookup{registered: make(map[string]bool)}
	for _, n := range names {
		m.registered[n] = true
	}
	return m
}

// mockAgents implements AgentLookup for tests.
type mockAgents struct {
	agents map[string]*store.Agent
	err    error
	calls  int
}

func (m *mockAgents) Get(_ context.Context, id string) (*store.Agent, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	a, ok := m.agents[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "agent %q not found", id)
	}
	return a, nil
}

func newMockAgents(agents ...*store.Agent) *mockAgents {
	m := &mockAgents{agents: make(map[string]*store.Agent)}
	for _, a := range agents {
		m.agents[a.ID] = a
	}
	return m
}

func step(id, agent, action string) schema.StepDefinition {
	return schema.StepDefinition{ID: id, AgentID: agent, ActionType: action}
}

func semantic(def *schema.WorkflowDefinition, actions ActionLookup, agents AgentLookup) *schema.ValidationResult {
	return validateSemantic(context.Background(), def, actions, agents)
}

// --- Ids and output keys ---

func TestSemantic_UniqueIDs(t *testing.T) {
	def := &schema.WorkflowDefinition{ID: "wf", Steps: []schema.StepDefinition{
		step("a", "bot", "x"), step("b", "bot", "x"),
	}}
	result := semantic(def, nil, nil)
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}

func TestSemantic_DuplicateStepID(t *testing.T) {
	def := &schema.WorkflowDefinition{ID: "wf", Steps: []schema.StepDefinition{
		step("a", "bot", "x"), step("a", "bot", "x"),
	}}
	result := semantic(def, nil, nil)
	require.False(t, result.Valid())
	paths := issuePaths(result.Errors)
	assert.Contains(t, paths, "steps[1].id")
	// Same id also collides as an output key.
	assert.Contains(t, paths, "steps[1].output_mapping")
}

func TestSemantic_DuplicateOutputKey(t *testing.T) {
	first := step("a", "bot", "x")
	first.OutputMapping = "result"
	second := step("b", "bot", "x")
	second.OutputMapping = "result"

	result := semantic(&schema.WorkflowDefinition{ID: "wf", Steps: []schema.StepDefinition{first, second}}, nil, nil)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "steps[1].output_mapping", result.Errors[0].Path)
	assert.Contains(t, result.Errors[0].Message, `"result"`)
}

func TestSemantic_OutputMappingShadowsStepID(t *testing.T) {
	first := step("a", "bot", "x")
	second := step("b", "bot", "x")
	second.OutputMapping = "a"

	result := semantic(&schema.WorkflowDefinition{ID: "wf", Steps: []schema.StepDefinition{first, second}}, nil, nil)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "duplicate output key")
}

func TestSemantic_UnreferenceableOutputKeyWarns(t *testing.T) {
	s := step("fetch user", "bot", "x")
	result := semantic(&schema.WorkflowDefinition{ID: "wf", Steps: []schema.StepDefinition{s}}, nil, nil)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0].Message, "cannot be referenced")
}

// --- Actions and agents ---

func TestSemantic_ActionNotRegistered(t *testing.T) {
	def := &schema.WorkflowDefinition{ID: "wf", Steps: []schema.StepDefinition{step("s1", "bot", "http.get")}}
	result := semantic(def, newMockLookup("http.post"), nil)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "steps[0].action_type", result.Errors[0].Path)
	assert.Equal(t, schema.ErrCodeActionUnavailable, result.Errors[0].Code)
	assert.Contains(t, result.Errors[0].Message, "http.get")
}

func TestSemantic_NilLookupsSkipExistenceChecks(t *testing.T) {
	def := &schema.WorkflowDefinition{ID: "wf", Steps: []schema.StepDefinition{step("s1", "ghost", "anything")}}
	assert.True(t, semantic(def, nil, nil).Valid())
}

func TestSemantic_UnknownAgent(t *testing.T) {
	def := &schema.WorkflowDefinition{ID: "wf", Steps: []schema.StepDefinition{
		step("s1", "ghost", "x"), step("s2", "ghost", "x"),
	}}
	agents := newMockAgents()
	result := semantic(def, nil, agents)
	require.Len(t, result.Errors, 2)
	assert.Equal(t, "steps[0].agent_id", result.Errors[0].Path)
	assert.Equal(t, schema.ErrCodeNotFound, result.Errors[0].Code)
	assert.Equal(t, "steps[1].agent_id", result.Errors[1].Path)
	assert.Equal(t, 1, agents.calls, "agent lookups are cached per definition")
}

func TestSemantic_AgentLookupFailure(t *testing.T) {
	def := &schema.WorkflowDefinition{ID: "wf", Steps: []schema.StepDefinition{step("s1", "bot", "x")}}
	agents := &mockAgents{err: errors.New("database is locked")}
	result := semantic(def, nil, agents)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, schema.ErrCodeStore, result.Errors[0].Code)
	assert.Contains(t, result.Errors[0].Message, "database is locked")
}

func TestSemantic_AgentCapabilities(t *testing.T) {
	agents := newMockAgents(
		&store.Agent{ID: "mailer", Capabilities: []string{"mail.send"}},
		&store.Agent{ID: "generalist"},
	)
	def := &schema.WorkflowDefinition{ID: "wf", Steps: []schema.StepDefinition{
		step("a", "mailer", "mail.send"),
		step("b", "mailer", "sms.send"),
		step("c", "generalist", "sms.send"),
	}}
	result := semantic(def, nil, agents)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "steps[1].action_type", result.Errors[0].Path)
	assert.Equal(t, schema.ErrCodeActionUnavailable, result.Errors[0].Code)
}

// --- Conditions and timeouts ---

func TestSemantic_Conditions(t *testing.T) {
	tests := []struct {
		name     string
		cond     *schema.Condition
		errors   int
		warnings int
	}{
		{"nil", nil, 0, 0},
		{"always", &schema.Condition{Type: schema.ConditionAlways}, 0, 0},
		{"always with expression", &schema.Condition{Type: schema.ConditionAlways, Expression: "true"}, 0, 1},
		{"if valid", &schema.Condition{Type: schema.ConditionIf, Expression: "{input.n} > 3"}, 0, 0},
		{"if empty", &schema.Condition{Type: schema.ConditionIf}, 1, 0},
		{"if malformed", &schema.Condition{Type: schema.ConditionIf, Expression: "{input.n} >"}, 1, 0},
		{"if loose equality", &schema.Condition{Type: schema.ConditionIf, Expression: "{input.n} == 3"}, 1, 0},
		{"if-else valid", &schema.Condition{Type: schema.ConditionIfElse, Expression: "{input.ok}"}, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := step("s1", "bot", "x")
			s.Condition = tt.cond
			result := semantic(&schema.WorkflowDefinition{ID: "wf", Steps: []schema.StepDefinition{s}}, nil, nil)
			assert.Len(t, result.Errors, tt.errors)
			assert.Len(t, result.Warnings, tt.warnings)
			for _, e := range result.Errors {
				assert.Equal(t, schema.ErrCodeCondition, e.Code)
				assert.Equal(t, "steps[0].condition.expression", e.Path)
			}
		})
	}
}

func TestSemantic_Timeout(t *testing.T) {
	for timeout, wantErr := range map[string]bool{
		"":      false,
		"30s":   false,
		"1m30s": false,
		"0s":    true,
		"10":    true,
	} {
		s := step("s1", "bot", "x")
		s.Timeout = timeout
		result := semantic(&schema.WorkflowDefinition{ID: "wf", Steps: []schema.StepDefinition{s}}, nil, nil)
		assert.Equal(t, wantErr, !result.Valid(), "timeout %q", timeout)
	}
}

// --- Triggers ---

func TestSemantic_Triggers(t *testing.T) {
	tests := []struct {
		name    string
		trigger schema.TriggerType
		config  map[string]any
		valid   bool
	}{
		{"manual", schema.TriggerManual, nil, true},
		{"empty is manual", "", nil, true},
		{"scheduled valid", schema.TriggerScheduled, map[string]any{"cron": "*/5 * * * *"}, true},
		{"scheduled descriptor", schema.TriggerScheduled, map[string]any{"cron": "@daily"}, true},
		{"scheduled missing cron", schema.TriggerScheduled, nil, false},
		{"scheduled non-string cron", schema.TriggerScheduled, map[string]any{"cron": 5}, false},
		{"scheduled bad cron", schema.TriggerScheduled, map[string]any{"cron": "every tuesday"}, false},
		{"event valid", schema.TriggerEvent, map[string]any{"event": "order.created"}, true},
		{"event missing", schema.TriggerEvent, map[string]any{}, false},
		{"event blank", schema.TriggerEvent, map[string]any{"event": "  "}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := &schema.WorkflowDefinition{ID: "wf", Trigger: tt.trigger, TriggerConfig: tt.config}
			result := semantic(def, nil, nil)
			assert.Equal(t, tt.valid, result.Valid(), "%v", result.Errors)
		})
	}
}

// --- References ---

func TestSemantic_References(t *testing.T) {
	first := step("fetch", "bot", "x")
	first.OutputMapping = "user"
	first.Input = map[string]any{"id": "{input.user_id}"}

	second := step("greet", "bot", "x")
	second.Input = "Hello {steps.user.name}"

	def := &schema.WorkflowDefinition{ID: "wf", Steps: []schema.StepDefinition{first, second}}
	result := semantic(def, nil, nil)
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}

func TestSemantic_ForwardReferenceWarnsOnly(t *testing.T) {
	first := step("a", "bot", "x")
	first.Input = "{steps.b.value}"
	second := step("b", "bot", "x")

	result := semantic(&schema.WorkflowDefinition{ID: "wf", Steps: []schema.StepDefinition{first, second}}, nil, nil)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "steps[0].input", result.Warnings[0].Path)
	assert.Equal(t, schema.ErrCodeResolution, result.Warnings[0].Code)
}

func TestSemantic_ConditionReferenceToMissingOutputWarns(t *testing.T) {
	s := step("a", "bot", "x")
	s.Condition = &schema.Condition{Type: schema.ConditionIf, Expression: "{steps.nope.ok} === true"}

	result := semantic(&schema.WorkflowDefinition{ID: "wf", Steps: []schema.StepDefinition{s}}, nil, nil)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "steps[0].condition.expression", result.Warnings[0].Path)
}

func TestSemantic_UnknownNamespaceWarnsOnly(t *testing.T) {
	s := step("a", "bot", "x")
	s.Input = map[string]any{"who": "{env.USER}", "greeting": "Dear {name}, welcome"}

	result := semantic(&schema.WorkflowDefinition{ID: "wf", Steps: []schema.StepDefinition{s}}, nil, nil)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 2)
	for _, w := range result.Warnings {
		assert.Equal(t, schema.ErrCodeResolution, w.Code)
		assert.Equal(t, "steps[0].input", w.Path)
	}
	assert.Contains(t, result.Warnings[0].Message+result.Warnings[1].Message, `"env"`)
}

func TestSemantic_LiteralBracesIgnored(t *testing.T) {
	s := step("a", "bot", "x")
	s.Input = `{"json": "text"} and { spaced }`

	result := semantic(&schema.WorkflowDefinition{ID: "wf", Steps: []schema.StepDefinition{s}}, nil, nil)
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}

func TestSemantic_MultipleErrors(t *testing.T) {
	a := step("a", "bot", "missing.action")
	a.Timeout = "-1s"
	b := step("a", "bot", "passthrough")
	b.Condition = &schema.Condition{Type: schema.ConditionIf}

	result := semantic(&schema.WorkflowDefinition{ID: "wf", Steps: []schema.StepDefinition{a, b}}, newMockLookup("passthrough"), nil)
	assert.GreaterOrEqual(t, len(result.Errors), 4)
}

func issuePaths(issues []schema.ValidationIssue) []string {
	out := make([]string, 0, len(issues))
	for _, i := range issues {
		out = append(out, i.Path)
	}
	return out
}

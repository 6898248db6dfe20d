package validation

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opflow/pkg/schema"
)

func newJSV(t *testing.T) *JSONSchemaValidator {
	t.Helper()
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	require.NotNil(t, v.workflowSchema)
	return v
}

func requireFlowCode(t *testing.T, err error, code string) *schema.FlowError {
	t.Helper()
	require.Error(t, err)
	var fe *schema.FlowError
	require.True(t, errors.As(err, &fe), "expected *schema.FlowError, got %T", err)
	assert.Equal(t, code, fe.Code)
	return fe
}

// --- ValidateDefinition ---

func TestValidateDefinition_Nil(t *testing.T) {
	fe := requireFlowCode(t, newJSV(t).ValidateDefinition(nil), schema.ErrCodeValidation)
	assert.Contains(t, fe.Message, "nil")
}

func TestValidateDefinition_MinimalValid(t *testing.T) {
	def := &schema.WorkflowDefinition{
		ID: "wf",
		Steps: []schema.StepDefinition{
			{ID: "s1", AgentID: "bot", ActionType: "passthrough"},
		},
	}
	assert.NoError(t, newJSV(t).ValidateDefinition(def))
}

func TestValidateDefinition_ZeroStepsValid(t *testing.T) {
	assert.NoError(t, newJSV(t).ValidateDefinition(&schema.WorkflowDefinition{ID: "empty"}))
}

func TestValidateDefinition_FullValid(t *testing.T) {
	def := &schema.WorkflowDefinition{
		ID:            "onboarding",
		Name:          "Onboarding",
		Description:   "greets new users",
		Trigger:       schema.TriggerEvent,
		TriggerConfig: map[string]any{"event": "user.created"},
		Steps: []schema.StepDefinition{
			{
				ID:            "lookup",
				AgentID:       "crm",
				ActionType:    "crm.lookup",
				Name:          "Lookup",
				Input:         map[string]any{"email": "{input.email}"},
				InputType:     schema.InputDynamic,
				OutputMapping: "profile",
				Timeout:       "1m30s",
			},
			{
				ID:         "greet",
				AgentID:    "mailer",
				ActionType: "mail.send",
				Input:      "Hello {steps.profile.name}",
				InputType:  schema.InputPrevious,
				Condition:  &schema.Condition{Type: schema.ConditionIf, Expression: "{steps.profile.vip} === true"},
			},
		},
	}
	assert.NoError(t, newJSV(t).ValidateDefinition(def))
}

func TestValidateDefinition_StructuralViolations(t *testing.T) {
	tests := []struct {
		name    string
		def     *schema.WorkflowDefinition
		contain string
	}{
		{
			name:    "missing id",
			def:     &schema.WorkflowDefinition{Steps: []schema.StepDefinition{}},
			contain: "/id",
		},
		{
			name: "step missing agent",
			def: &schema.WorkflowDefinition{ID: "wf", Steps: []schema.StepDefinition{
				{ID: "s1", ActionType: "passthrough"},
			}},
			contain: "/steps/0/agent_id",
		},
		{
			name: "step missing action type",
			def: &schema.WorkflowDefinition{ID: "wf", Steps: []schema.StepDefinition{
				{ID: "s1", AgentID: "bot"},
			}},
			contain: "/steps/0/action_type",
		},
		{
			name:    "unknown trigger",
			def:     &schema.WorkflowDefinition{ID: "wf", Trigger: "webhook"},
			contain: "/trigger",
		},
		{
			name: "unknown condition type",
			def: &schema.WorkflowDefinition{ID: "wf", Steps: []schema.StepDefinition{
				{ID: "s1", AgentID: "bot", ActionType: "a", Condition: &schema.Condition{Type: "unless"}},
			}},
			contain: "/steps/0/condition/type",
		},
		{
			name: "bad input type",
			def: &schema.WorkflowDefinition{ID: "wf", Steps: []schema.StepDefinition{
				{ID: "s1", AgentID: "bot", ActionType: "a", InputType: "computed"},
			}},
			contain: "/steps/0/input_type",
		},
		{
			name: "bad timeout",
			def: &schema.WorkflowDefinition{ID: "wf", Steps: []schema.StepDefinition{
				{ID: "s1", AgentID: "bot", ActionType: "a", Timeout: "soon"},
			}},
			contain: "/steps/0/timeout",
		},
	}

	v := newJSV(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fe := requireFlowCode(t, v.ValidateDefinition(tt.def), schema.ErrCodeValidation)
			violations, ok := fe.Details["violations"].([]string)
			require.True(t, ok)
			assert.Contains(t, strings.Join(violations, "\n"), tt.contain)
		})
	}
}

func TestValidateDefinition_EmptyTriggerIsManual(t *testing.T) {
	def := &schema.WorkflowDefinition{ID: "wf", Trigger: ""}
	assert.NoError(t, newJSV(t).ValidateDefinition(def))
	assert.Equal(t, schema.TriggerType(""), def.Trigger, "caller's definition must not be modified")
}

// --- ValidateInput ---

func TestValidateInput(t *testing.T) {
	v := newJSV(t)
	inputSchema := []byte(`{
		"type": "object",
		"required": ["name"],
		"properties": {
			"name": {"type": "string"},
			"age": {"type": "integer", "minimum": 0}
		}
	}`)

	assert.NoError(t, v.ValidateInput(map[string]any{"name": "ada", "age": 36}, inputSchema))

	fe := requireFlowCode(t, v.ValidateInput(map[string]any{"age": -1}, inputSchema), schema.ErrCodeValidation)
	assert.Contains(t, fe.Message, "2 errors")

	fe = requireFlowCode(t, v.ValidateInput(map[string]any{"name": 7}, inputSchema), schema.ErrCodeValidation)
	assert.Contains(t, fe.Message, "/name")
}

func TestValidateInput_NonObjectValues(t *testing.T) {
	v := newJSV(t)
	assert.NoError(t, v.ValidateInput("hello", []byte(`{"type":"string"}`)))
	assert.NoError(t, v.ValidateInput(nil, []byte(`{"type":"null"}`)))
	assert.NoError(t, v.ValidateInput([]any{1, 2}, []byte(`{"type":"array","items":{"type":"number"}}`)))
	assert.Error(t, v.ValidateInput(3.5, []byte(`{"type":"integer"}`)))
}

func TestValidateInput_NoSchema(t *testing.T) {
	assert.NoError(t, newJSV(t).ValidateInput(map[string]any{"anything": true}, nil))
}

func TestValidateInput_InvalidSchema(t *testing.T) {
	fe := requireFlowCode(t, newJSV(t).ValidateInput("x", []byte(`{not json`)), schema.ErrCodeValidation)
	assert.Equal(t, "invalid input schema", fe.Message)
}

func TestValidateInput_CachesCompiledSchemas(t *testing.T) {
	v := newJSV(t)
	inputSchema := []byte(`{"type":"object"}`)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, v.ValidateInput(map[string]any{}, inputSchema))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, v.compiledCount())
}

package validation

import (
	"context"
	"errors"

	"github.com/rendis/opflow/pkg/schema"
)

// Validator checks workflow definitions before any run is created.
type Validator interface {
	ValidateDefinition(ctx context.Context, def *schema.WorkflowDefinition) error
	ValidateInput(input any, inputSchema []byte) error
}

// WorkflowValidator orchestrates the two-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (ids, output keys, agents, actions, conditions, triggers, references)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	actions    ActionLookup
	agents     AgentLookup
}

// NewWorkflowValidator creates a WorkflowValidator.
// actions and agents may be nil to skip the matching existence checks.
func NewWorkflowValidator(actions ActionLookup, agents AgentLookup) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{
		jsonSchema: jsv,
		actions:    actions,
		agents:     agents,
	}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit the semantic stage.
func (wv *WorkflowValidator) Validate(ctx context.Context, def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}

	result := validateStructural(wv.jsonSchema, def)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(ctx, def, wv.actions, wv.agents))
	return result
}

// ValidateDefinition returns a DEFINITION_ERROR describing every problem, or nil.
func (wv *WorkflowValidator) ValidateDefinition(ctx context.Context, def *schema.WorkflowDefinition) error {
	return wv.Validate(ctx, def).ToError()
}

// ValidateInput delegates to the underlying JSONSchemaValidator.
func (wv *WorkflowValidator) ValidateInput(input any, inputSchema []byte) error {
	return wv.jsonSchema.ValidateInput(input, inputSchema)
}

// Schemas exposes the JSON Schema validator so handler input schemas share its cache.
func (wv *WorkflowValidator) Schemas() *JSONSchemaValidator {
	return wv.jsonSchema
}

// validateStructural converts JSONSchemaValidator.ValidateDefinition output
// into a ValidationResult, one issue per violation.
func validateStructural(v *JSONSchemaValidator, def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDefinition(def)
	if err == nil {
		return result
	}

	var fe *schema.FlowError
	if !errors.As(err, &fe) {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	if violations, ok := fe.Details["violations"].([]string); ok {
		for _, v := range violations {
			result.AddError("/", schema.ErrCodeValidation, v)
		}
		return result
	}
	result.AddError("/", schema.ErrCodeValidation, fe.Message)
	return result
}

var _ Validator = (*WorkflowValidator)(nil)

package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/rendis/opflow/internal/expressions"
	"github.com/rendis/opflow/pkg/schema"
)

// AssertHandlers returns the assertion handlers, registered under the
// "assert" namespace by RegisterBuiltins.
func AssertHandlers(cel *expressions.CELEngine, validator InputValidator) []Handler {
	return []Handler{
		&assertCELHandler{engine: cel},
		&assertEqualsHandler{},
		&assertContainsHandler{},
		&assertMatchesHandler{},
		&assertSchemaHandler{validator: validator},
	}
}

func passResult() map[string]any { return map[string]any{"pass": true} }

func failureMessage(custom, fallback string) string {
	if custom != "" {
		return custom
	}
	return fallback
}

// --- assert.cel ---

type assertCELHandler struct {
	engine *expressions.CELEngine
}

func (a *assertCELHandler) Type() string { return "cel" }

func (a *assertCELHandler) Schema() HandlerSchema {
	return HandlerSchema{
		Description: "Assert that a CEL predicate over data holds",
		InputSchema: json.RawMessage(expressionInputSchema),
	}
}

func (a *assertCELHandler) Execute(ctx context.Context, call Call) (any, error) {
	var in expressionInput
	if err := decodeInput(call.ActionType, call.Input, &in); err != nil {
		return nil, err
	}

	out, err := a.engine.Evaluate(ctx, in.Expression, in.engineData())
	if err != nil {
		return nil, err
	}
	ok, isBool := out.(bool)
	if !isBool {
		return nil, schema.NewErrorf(schema.ErrCodeAction,
			"CEL predicate %q must evaluate to bool, got %T", in.Expression, out)
	}
	if !ok {
		return nil, schema.NewError(schema.ErrCodeAssertionFailed,
			failureMessage(in.Message, fmt.Sprintf("assertion failed: %s", in.Expression))).
			WithDetails(map[string]any{"expression": in.Expression})
	}
	return passResult(), nil
}

// --- assert.equals ---

type assertEqualsHandler struct{}

func (a *assertEqualsHandler) Type() string { return "equals" }

func (a *assertEqualsHandler) Schema() HandlerSchema {
	return HandlerSchema{
		Description: "Assert that two values are deeply equal",
		InputSchema: json.RawMessage(`{"type":"object","required":["expected","actual"]}`),
	}
}

func (a *assertEqualsHandler) Execute(_ context.Context, call Call) (any, error) {
	params, err := objectInput(call)
	if err != nil {
		return nil, err
	}
	expected, err := expressions.Normalize(params["expected"])
	if err != nil {
		return nil, err
	}
	actual, err := expressions.Normalize(params["actual"])
	if err != nil {
		return nil, err
	}

	if reflect.DeepEqual(expected, actual) {
		return passResult(), nil
	}

	msg, _ := params["message"].(string)
	return nil, schema.NewError(schema.ErrCodeAssertionFailed,
		failureMessage(msg, "assertion failed: values are not equal")).
		WithDetails(map[string]any{"expected": expected, "actual": actual})
}

// --- assert.contains ---

type assertContainsHandler struct{}

func (a *assertContainsHandler) Type() string { return "contains" }

func (a *assertContainsHandler) Schema() HandlerSchema {
	return HandlerSchema{
		Description: "Assert that a string or array contains a value",
		InputSchema: json.RawMessage(`{"type":"object","required":["haystack","needle"]}`),
	}
}

func (a *assertContainsHandler) Execute(_ context.Context, call Call) (any, error) {
	params, err := objectInput(call)
	if err != nil {
		return nil, err
	}
	haystack := params["haystack"]
	needle := params["needle"]
	msg, _ := params["message"].(string)
	msg = failureMessage(msg, "assertion failed: value not found")

	switch hs := haystack.(type) {
	case string:
		if strings.Contains(hs, expressions.Stringify(needle)) {
			return passResult(), nil
		}
	case []any:
		for _, item := range hs {
			if reflect.DeepEqual(item, needle) {
				return passResult(), nil
			}
		}
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"assert.contains: haystack must be string or array, got %T", haystack)
	}
	return nil, schema.NewError(schema.ErrCodeAssertionFailed, msg).
		WithDetails(map[string]any{"haystack": haystack, "needle": needle})
}

// --- assert.matches ---

type assertMatchesHandler struct{}

func (a *assertMatchesHandler) Type() string { return "matches" }

func (a *assertMatchesHandler) Schema() HandlerSchema {
	return HandlerSchema{
		Description: "Assert that a string matches a regular expression",
		InputSchema: json.RawMessage(`{
  "type": "object",
  "required": ["value", "pattern"],
  "properties": {
    "value": {"type": "string"},
    "pattern": {"type": "string"},
    "message": {"type": "string"}
  }
}`),
	}
}

func (a *assertMatchesHandler) Execute(_ context.Context, call Call) (any, error) {
	params, err := objectInput(call)
	if err != nil {
		return nil, err
	}
	value, _ := params["value"].(string)
	pattern, _ := params["pattern"].(string)

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid regex pattern: %s", err)
	}

	if !re.MatchString(value) {
		msg, _ := params["message"].(string)
		return nil, schema.NewError(schema.ErrCodeAssertionFailed,
			failureMessage(msg, "assertion failed: value does not match pattern")).
			WithDetails(map[string]any{"value": value, "pattern": pattern})
	}

	return map[string]any{"pass": true, "matches": re.FindString(value)}, nil
}

// --- assert.schema ---

type assertSchemaHandler struct {
	validator InputValidator
}

func (a *assertSchemaHandler) Type() string { return "schema" }

func (a *assertSchemaHandler) Schema() HandlerSchema {
	return HandlerSchema{
		Description: "Assert that data conforms to a JSON Schema",
		InputSchema: json.RawMessage(`{
  "type": "object",
  "required": ["data", "schema"],
  "properties": {
    "schema": {"type": ["object", "boolean"]},
    "message": {"type": "string"}
  }
}`),
	}
}

func (a *assertSchemaHandler) Execute(_ context.Context, call Call) (any, error) {
	if a.validator == nil {
		return nil, schema.NewError(schema.ErrCodeActionUnavailable, "assert.schema: no schema validator configured")
	}
	params, err := objectInput(call)
	if err != nil {
		return nil, err
	}

	schemaBytes, err := json.Marshal(params["schema"])
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "failed to serialize schema: %s", err)
	}

	if err := a.validator.ValidateInput(params["data"], schemaBytes); err != nil {
		msg, _ := params["message"].(string)
		details := map[string]any{"error": err.Error()}
		var fe *schema.FlowError
		if errors.As(err, &fe) && fe.Details != nil {
			details["violations"] = fe.Details["violations"]
		}
		return nil, schema.NewError(schema.ErrCodeAssertionFailed,
			failureMessage(msg, "assertion failed: data does not match schema")).
			WithDetails(details)
	}
	return passResult(), nil
}

// objectInput returns the call input as a plain JSON object.
func objectInput(call Call) (map[string]any, error) {
	normalized, err := expressions.Normalize(call.Input)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: %v", call.ActionType, err)
	}
	params, ok := normalized.(map[string]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"%s: input must be an object, got %T", call.ActionType, call.Input)
	}
	return params, nil
}

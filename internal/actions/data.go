package actions

import (
	"context"
	"encoding/json"

	"github.com/rendis/opflow/internal/expressions"
	"github.com/rendis/opflow/pkg/schema"
)

// DataHandlers returns the handlers that compute over their input without side effects.
func DataHandlers() []Handler {
	return []Handler{
		&passthroughHandler{},
		&exprEvalHandler{engine: expressions.NewExprEngine()},
		&jqTransformHandler{engine: expressions.NewGoJQEngine()},
	}
}

// expressionInput is the common input shape of expression handlers:
// {"expression": "...", "data": <any>, "vars": {...}}.
type expressionInput struct {
	Expression string         `json:"expression"`
	Data       any            `json:"data"`
	Vars       map[string]any `json:"vars"`
	Message    string         `json:"message"`
}

func decodeInput(actionType string, input any, out any) error {
	raw, err := json.Marshal(input)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s: serialize input: %v", actionType, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s: input must be an object: %v", actionType, err)
	}
	return nil
}

// engineData is the variable set every expression handler sees.
func (in expressionInput) engineData() map[string]any {
	vars := in.Vars
	if vars == nil {
		vars = map[string]any{}
	}
	return map[string]any{"input": in.Data, "vars": vars}
}

const expressionInputSchema = `{
  "type": "object",
  "required": ["expression"],
  "properties": {
    "expression": {"type": "string", "minLength": 1},
    "data": {},
    "vars": {"type": "object"},
    "message": {"type": "string"}
  }
}`

// --- passthrough ---

type passthroughHandler struct{}

func (h *passthroughHandler) Type() string { return "passthrough" }

func (h *passthroughHandler) Schema() HandlerSchema {
	return HandlerSchema{Description: "Return the input unchanged"}
}

func (h *passthroughHandler) Execute(_ context.Context, call Call) (any, error) {
	return call.Input, nil
}

// --- expr.eval ---

type exprEvalHandler struct {
	engine *expressions.ExprEngine
}

func (h *exprEvalHandler) Type() string { return "expr.eval" }

func (h *exprEvalHandler) Schema() HandlerSchema {
	return HandlerSchema{
		Description: "Evaluate an Expr expression; 'input' is bound to data and 'vars' to vars",
		InputSchema: json.RawMessage(expressionInputSchema),
	}
}

func (h *exprEvalHandler) Execute(ctx context.Context, call Call) (any, error) {
	var in expressionInput
	if err := decodeInput(h.Type(), call.Input, &in); err != nil {
		return nil, err
	}
	return h.engine.Evaluate(ctx, in.Expression, in.engineData())
}

// --- jq.transform ---

type jqTransformHandler struct {
	engine *expressions.GoJQEngine
}

func (h *jqTransformHandler) Type() string { return "jq.transform" }

func (h *jqTransformHandler) Schema() HandlerSchema {
	return HandlerSchema{
		Description: "Apply a jq filter to data; several results are returned as an array",
		InputSchema: json.RawMessage(`{
  "type": "object",
  "required": ["filter"],
  "properties": {
    "filter": {"type": "string", "minLength": 1},
    "data": {}
  }
}`),
	}
}

func (h *jqTransformHandler) Execute(ctx context.Context, call Call) (any, error) {
	var in struct {
		Filter string `json:"filter"`
		Data   any    `json:"data"`
	}
	if err := decodeInput(h.Type(), call.Input, &in); err != nil {
		return nil, err
	}
	return h.engine.Query(ctx, in.Filter, in.Data)
}

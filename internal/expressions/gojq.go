package expressions

import (
	"context"

	"github.com/itchyny/gojq"
	"github.com/rendis/opflow/pkg/schema"
)

// GoJQEngine runs jq filters. $ENV is always empty.
type GoJQEngine struct {
	programs *programCache[*gojq.Code]
}

func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{programs: newProgramCache[*gojq.Code]()}
}

func (e *GoJQEngine) Name() string { return "jq" }

func (e *GoJQEngine) Compile(expression string) error {
	_, err := e.code(expression)
	return err
}

// Evaluate runs expression with data as the input document.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	return e.Query(ctx, expression, data)
}

// Query runs expression against any JSON-compatible value. A filter that
// emits one value returns it, several are collected into []any, none is nil.
func (e *GoJQEngine) Query(ctx context.Context, expression string, input any) (any, error) {
	code, err := e.code(expression)
	if err != nil {
		return nil, err
	}
	doc, err := Normalize(input)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "jq: input is not JSON-compatible: %v", err)
	}

	var results []any
	iter := code.RunWithContext(ctx, doc)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, evalError(e.Name(), expression, err)
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

func (e *GoJQEngine) code(expression string) (*gojq.Code, error) {
	if expression == "" {
		return nil, emptyExpression(e.Name())
	}
	return e.programs.get(expression, func(src string) (*gojq.Code, error) {
		q, err := gojq.Parse(src)
		if err != nil {
			return nil, compileError(e.Name(), src, err)
		}
		code, err := gojq.Compile(q, gojq.WithEnvironLoader(func() []string { return nil }))
		if err != nil {
			return nil, compileError(e.Name(), src, err)
		}
		return code, nil
	})
}

var _ Engine = (*GoJQEngine)(nil)

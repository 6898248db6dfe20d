package expressions

import (
	"context"
	"sync"

	"github.com/rendis/opflow/pkg/schema"
)

// Engine evaluates an expression language over a data map. The built-in
// assert.cel, expr.eval and jq.transform handlers each hold one. Step
// conditions do not use an Engine.
type Engine interface {
	Name() string
	// Compile reports a syntax error without evaluating.
	Compile(expression string) error
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// programCache memoizes compiled programs by expression text.
type programCache[P any] struct {
	mu    sync.RWMutex
	progs map[string]P
}

func newProgramCache[P any]() *programCache[P] {
	return &programCache[P]{progs: make(map[string]P)}
}

// get returns the cached program for expression or compiles it. Failed
// compilations are not cached.
func (c *programCache[P]) get(expression string, compile func(string) (P, error)) (P, error) {
	c.mu.RLock()
	p, ok := c.progs[expression]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.progs[expression]; ok {
		return p, nil
	}
	p, err := compile(expression)
	if err != nil {
		return p, err
	}
	c.progs[expression] = p
	return p, nil
}

func (c *programCache[P]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.progs)
}

// compileError is the VALIDATION_ERROR for an expression that does not compile.
func compileError(engine, expression string, err error) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s: cannot compile %q: %v", engine, expression, err).
		WithCause(err).
		WithDetails(map[string]any{"engine": engine, "expression": expression})
}

// evalError is the ACTION_ERROR for an expression that failed at runtime.
func evalError(engine, expression string, err error) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeAction, "%s: evaluating %q: %v", engine, expression, err).
		WithCause(err).
		WithDetails(map[string]any{"engine": engine, "expression": expression})
}

func emptyExpression(engine string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s: empty expression", engine)
}

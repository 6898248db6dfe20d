package actions

import (
	"context"
	"encoding/json"
)

// Dispatcher performs one agent action. It is the only contract the engine
// has with action implementations.
type Dispatcher interface {
	Invoke(ctx context.Context, agentID, actionType string, input any) (any, error)
}

// DispatcherFunc adapts a plain function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, agentID, actionType string, input any) (any, error)

// Invoke calls f.
func (f DispatcherFunc) Invoke(ctx context.Context, agentID, actionType string, input any) (any, error) {
	return f(ctx, agentID, actionType, input)
}

// Handler executes a single action type.
type Handler interface {
	Type() string
	Schema() HandlerSchema
	Execute(ctx context.Context, call Call) (any, error)
}

// HandlerSchema describes the input contract of a handler.
// An empty InputSchema accepts any input.
type HandlerSchema struct {
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Call is the data handed to a handler for one invocation.
type Call struct {
	AgentID    string `json:"agent_id"`
	ActionType string `json:"action_type"`
	Input      any    `json:"input"`
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc struct {
	ActionType string
	Info       HandlerSchema
	Fn         func(ctx context.Context, call Call) (any, error)
}

func (h HandlerFunc) Type() string          { return h.ActionType }
func (h HandlerFunc) Schema() HandlerSchema { return h.Info }

func (h HandlerFunc) Execute(ctx context.Context, call Call) (any, error) {
	return h.Fn(ctx, call)
}

// HandlerInfo is a summary of a registered handler for listing.
type HandlerInfo struct {
	Type        string          `json:"type"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

package actions

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

// Authorizer decides whether an agent may perform an action type.
// identity.Catalog satisfies it.
type Authorizer interface {
	Authorize(ctx context.Context, agentID, actionType string) (*store.Agent, error)
}

// InputValidator checks a value against a JSON Schema.
// validation.JSONSchemaValidator satisfies it.
type InputValidator interface {
	ValidateInput(input any, inputSchema []byte) error
}

// Option configures a Registry.
type Option func(*Registry)

// WithAuthorizer makes Invoke reject agents whose capability set does not
// include the requested action type.
func WithAuthorizer(a Authorizer) Option {
	return func(r *Registry) { r.authorizer = a }
}

// WithInputValidator makes Invoke check inputs against each handler's InputSchema.
func WithInputValidator(v InputValidator) Option {
	return func(r *Registry) { r.inputs = v }
}

// Registry is a thread-safe set of handlers keyed by action type. It is the
// engine's Dispatcher.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler

	authorizer Authorizer
	inputs     InputValidator
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		handlers: make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a handler. Returns CONFLICT on a duplicate action type.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return schema.NewError(schema.ErrCodeValidation, "handler is nil")
	}
	actionType := h.Type()
	if actionType == "" {
		return schema.NewError(schema.ErrCodeValidation, "handler action type is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[actionType]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "action type %q already registered", actionType)
	}
	r.handlers[actionType] = h
	return nil
}

// RegisterNamespace bulk-registers handlers under a prefix.
// Each action type becomes "prefix.type" (e.g. "assert.cel").
func (r *Registry) RegisterNamespace(prefix string, handlers []Handler) (int, error) {
	if prefix == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "namespace prefix is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	registered := 0
	for _, h := range handlers {
		prefixed := fmt.Sprintf("%s.%s", prefix, h.Type())
		if _, exists := r.handlers[prefixed]; exists {
			return registered, schema.NewErrorf(schema.ErrCodeConflict, "action type %q already registered", prefixed)
		}
		r.handlers[prefixed] = &prefixedHandler{inner: h, actionType: prefixed}
		registered++
	}
	return registered, nil
}

// Get retrieves a handler by action type.
func (r *Registry) Get(actionType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[actionType]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeActionUnavailable, "action type %q not registered", actionType).
			WithDetails(map[string]any{"action_type": actionType})
	}
	return h, nil
}

// Has reports whether an action type is registered.
func (r *Registry) Has(actionType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[actionType]
	return ok
}

// Count returns the number of registered handlers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// List returns info for all registered handlers, sorted by action type.
func (r *Registry) List() []HandlerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]HandlerInfo, 0, len(r.handlers))
	for actionType, h := range r.handlers {
		s := h.Schema()
		infos = append(infos, HandlerInfo{
			Type:        actionType,
			Description: s.Description,
			InputSchema: s.InputSchema,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Type < infos[j].Type
	})
	return infos
}

// Invoke dispatches one action. Every failure is returned as a *schema.FlowError:
// ACTION_UNAVAILABLE for unknown action types and disallowed agents,
// VALIDATION_ERROR for inputs that violate the handler schema, and the
// handler's own error otherwise (wrapped as ACTION_ERROR unless it already
// carries a code). A panicking handler is reported as ACTION_ERROR.
func (r *Registry) Invoke(ctx context.Context, agentID, actionType string, input any) (any, error) {
	h, err := r.Get(actionType)
	if err != nil {
		return nil, err
	}

	if r.authorizer != nil {
		if _, err := r.authorizer.Authorize(ctx, agentID, actionType); err != nil {
			return nil, unavailable(agentID, actionType, err)
		}
	}

	if r.inputs != nil {
		if s := h.Schema().InputSchema; len(s) > 0 {
			if err := r.inputs.ValidateInput(input, s); err != nil {
				fe := schema.AsFlowError(err, schema.ErrCodeValidation)
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"invalid input for %q: %s", actionType, fe.Message).
					WithCause(err).
					WithDetails(fe.Details)
			}
		}
	}

	out, err := execute(ctx, h, Call{AgentID: agentID, ActionType: actionType, Input: input})
	if err != nil {
		return nil, schema.AsFlowError(err, schema.ErrCodeAction)
	}
	return out, nil
}

func execute(ctx context.Context, h Handler, call Call) (out any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			out = nil
			err = schema.NewErrorf(schema.ErrCodeAction, "action %q panicked: %v", call.ActionType, rec)
		}
	}()
	return h.Execute(ctx, call)
}

func unavailable(agentID, actionType string, err error) *schema.FlowError {
	if schema.HasCode(err, schema.ErrCodeNotFound) {
		return schema.NewErrorf(schema.ErrCodeActionUnavailable,
			"agent %q is not registered", agentID).
			WithCause(err).
			WithDetails(map[string]any{"agent_id": agentID, "action_type": actionType})
	}
	return schema.AsFlowError(err, schema.ErrCodeActionUnavailable)
}

// prefixedHandler exposes a handler under a namespaced action type.
type prefixedHandler struct {
	inner      Handler
	actionType string
}

func (p *prefixedHandler) Type() string          { return p.actionType }
func (p *prefixedHandler) Schema() HandlerSchema { return p.inner.Schema() }

func (p *prefixedHandler) Execute(ctx context.Context, call Call) (any, error) {
	return p.inner.Execute(ctx, call)
}

var _ Dispatcher = (*Registry)(nil)

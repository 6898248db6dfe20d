package scheduler

import (
	"context"
	"log/slog"

	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

// RunSubmitter starts a run in the background.
type RunSubmitter interface {
	Submit(ctx context.Context, workflowID string, input any) (string, error)
}

// DefinitionLister lists stored workflow definitions.
type DefinitionLister interface {
	ListDefinitions(ctx context.Context, filter store.DefinitionFilter) ([]*schema.WorkflowDefinition, error)
}

// FiredRun is the outcome of starting one listening definition.
type FiredRun struct {
	WorkflowID string            `json:"workflow_id"`
	RunID      string            `json:"run_id,omitempty"`
	Error      *schema.FlowError `json:"error,omitempty"`
}

// EventRouter starts a run of every active event-triggered definition whose
// trigger_config names the fired event.
type EventRouter struct {
	defs   DefinitionLister
	runs   RunSubmitter
	logger *slog.Logger
}

// NewEventRouter creates an EventRouter.
func NewEventRouter(defs DefinitionLister, runs RunSubmitter, logger *slog.Logger) *EventRouter {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventRouter{defs: defs, runs: runs, logger: logger}
}

// Listeners returns the active definitions subscribed to name.
func (r *EventRouter) Listeners(ctx context.Context, name string) ([]*schema.WorkflowDefinition, error) {
	defs, err := r.defs.ListDefinitions(ctx, store.DefinitionFilter{Trigger: schema.TriggerEvent})
	if err != nil {
		return nil, err
	}
	var out []*schema.WorkflowDefinition
	for _, def := range defs {
		if event, ok := EventName(def); ok && event == name && !def.Inactive {
			out = append(out, def)
		}
	}
	return out, nil
}

// Fire submits one run per listener with input as the run input. A listener
// that fails to start is reported in its FiredRun and does not stop the others.
func (r *EventRouter) Fire(ctx context.Context, name string, input any) ([]FiredRun, error) {
	listeners, err := r.Listeners(ctx, name)
	if err != nil {
		return nil, err
	}

	fired := make([]FiredRun, 0, len(listeners))
	for _, def := range listeners {
		runID, err := r.runs.Submit(ctx, def.ID, input)
		fr := FiredRun{WorkflowID: def.ID, RunID: runID}
		if err != nil {
			fr.Error = schema.AsFlowError(err, schema.ErrCodeStore)
			r.logger.WarnContext(ctx, "event trigger failed to start run",
				"event", name, "workflow_id", def.ID, "error", err)
		}
		fired = append(fired, fr)
	}
	r.logger.InfoContext(ctx, "event fired", "event", name, "listeners", len(listeners))
	return fired, nil
}

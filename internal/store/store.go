package store

import (
	"context"

	"github.com/rendis/opflow/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
//
// Run writes are guarded: AppendStepResult and CompleteRun reject runs that
// are not running with INVALID_TRANSITION, and AppendStepResult rejects a
// result that would exceed the run's step count.
type Store interface {
	// Definitions
	SaveDefinition(ctx context.Context, def *schema.WorkflowDefinition) error
	GetDefinition(ctx context.Context, id string) (*schema.WorkflowDefinition, error)
	ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*schema.WorkflowDefinition, error)
	DeleteDefinition(ctx context.Context, id string) error

	// Runs (append-only step history)
	CreateRun(ctx context.Context, run *schema.Run) error
	GetRun(ctx context.Context, id string) (*schema.Run, error)
	AppendStepResult(ctx context.Context, runID string, result *schema.StepResult) error
	CompleteRun(ctx context.Context, runID string, completion RunCompletion) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*schema.Run, error)

	// Events (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error)

	// Agents
	RegisterAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	UpdateAgentSeen(ctx context.Context, id string) error
	ListAgents(ctx context.Context) ([]*Agent, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func runNotRunning(id string, status schema.RunStatus) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeInvalidTransition, "run %q is %s; no further writes allowed", id, status).
		WithDetails(map[string]any{"run_id": id, "status": string(status)})
}

func stepCountExceeded(id string, count int) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeInvalidTransition, "run %q already holds %d step results", id, count).
		WithDetails(map[string]any{"run_id": id, "step_count": count})
}

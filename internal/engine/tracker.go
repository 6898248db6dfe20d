package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

// Tracker owns the lifecycle record of runs. The store enforces the
// append/complete guards; the tracker routes every mutation through the FSMs
// so each one leaves an event.
type Tracker struct {
	store   store.Store
	emitter Emitter
	runs    *RunFSM
	steps   *StepFSM
}

// NewTracker creates a Tracker persisting to s and emitting via emitter.
func NewTracker(s store.Store, emitter Emitter) *Tracker {
	return &Tracker{
		store:   s,
		emitter: emitter,
		runs:    NewRunFSM(emitter),
		steps:   NewStepFSM(emitter),
	}
}

// RunFSM exposes the run state machine so callers can register hooks.
func (t *Tracker) RunFSM() *RunFSM { return t.runs }

// StepFSM exposes the step state machine.
func (t *Tracker) StepFSM() *StepFSM { return t.steps }

// CreateRun persists a new run of def in the running state.
func (t *Tracker) CreateRun(ctx context.Context, def *schema.WorkflowDefinition, input any) (*schema.Run, error) {
	return t.CreateRunWithID(ctx, uuid.NewString(), def, input)
}

// CreateRunWithID is CreateRun with a caller-allocated run id, so the caller
// can make the run cancellable before it becomes visible in the store.
func (t *Tracker) CreateRunWithID(ctx context.Context, runID string, def *schema.WorkflowDefinition, input any) (*schema.Run, error) {
	run := &schema.Run{
		ID:          runID,
		WorkflowID:  def.ID,
		Status:      schema.RunStatusCreated,
		StartTime:   time.Now().UTC(),
		StepResults: []schema.StepResult{},
		StepCount:   len(def.Steps),
		Input:       input,
	}

	err := t.runs.Transition(ctx, RunTransition{
		RunID:      run.ID,
		WorkflowID: run.WorkflowID,
		From:       schema.RunStatusCreated,
		To:         schema.RunStatusRunning,
		Payload:    map[string]any{"step_count": run.StepCount},
	}, func(ctx context.Context) error {
		run.Status = schema.RunStatusRunning
		if err := t.store.CreateRun(ctx, run); err != nil {
			run.Status = schema.RunStatusCreated
			return storeError("create run", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// AppendStepResult records the outcome of one executed step.
func (t *Tracker) AppendStepResult(ctx context.Context, runID string, result schema.StepResult) error {
	if err := t.store.AppendStepResult(ctx, runID, &result); err != nil {
		return storeError("append step result", err)
	}
	return nil
}

// CompleteRun freezes the run in a terminal status. A second call fails with
// INVALID_TRANSITION.
func (t *Tracker) CompleteRun(ctx context.Context, run *schema.Run, status schema.RunStatus, output any, runErr *schema.FlowError) error {
	payload := map[string]any{"status": string(status)}
	if runErr != nil {
		payload["error"] = runErr.Message
		payload["code"] = runErr.Code
		if runErr.StepID != "" {
			payload["step_id"] = runErr.StepID
		}
	}

	return t.runs.Transition(ctx, RunTransition{
		RunID:      run.ID,
		WorkflowID: run.WorkflowID,
		From:       schema.RunStatusRunning,
		To:         status,
		Err:        runErr,
		Payload:    payload,
	}, func(ctx context.Context) error {
		if err := t.store.CompleteRun(ctx, run.ID, store.RunCompletion{
			Status:  status,
			Output:  output,
			Error:   runErr,
			EndTime: time.Now().UTC(),
		}); err != nil {
			return storeError("complete run", err)
		}
		return nil
	})
}

// Emit records an event for run that carries no state change.
func (t *Tracker) Emit(ctx context.Context, run *schema.Run, stepID, eventType string, payload any) {
	t.emitter.Emit(ctx, run.ID, run.WorkflowID, stepID, eventType, payload)
}

// Get returns a copy of the run.
func (t *Tracker) Get(ctx context.Context, runID string) (*schema.Run, error) {
	return t.store.GetRun(ctx, runID)
}

// storeError passes guard errors through and wraps anything else as STORE_ERROR.
func storeError(op string, err error) error {
	if schema.HasCode(err, schema.ErrCodeNotFound) ||
		schema.HasCode(err, schema.ErrCodeInvalidTransition) ||
		schema.HasCode(err, schema.ErrCodeConflict) {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %v", op, err).WithCause(err)
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/opflow/internal/actions"
	"github.com/rendis/opflow/internal/expressions"
	"github.com/rendis/opflow/internal/logging"
	"github.com/rendis/opflow/internal/scheduler"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/internal/streaming"
	"github.com/rendis/opflow/pkg/schema"
)

// Engine drives workflow runs.
type Engine interface {
	// StartRun executes a run of workflowID to completion and returns its ID.
	// Definition and lookup failures are returned; step failures are recorded
	// in the run and leave err nil.
	StartRun(ctx context.Context, workflowID string, input any) (string, error)

	// Submit creates the run synchronously and executes it on the worker pool.
	Submit(ctx context.Context, workflowID string, input any) (string, error)

	// Cancel signals an in-flight run to stop before its next step and aborts
	// the current dispatcher call.
	Cancel(ctx context.Context, runID, reason string) error

	// GetRun returns a snapshot of a run.
	GetRun(ctx context.Context, runID string) (*schema.Run, error)

	// DefinitionStatus computes the convenience status of a definition from its runs.
	DefinitionStatus(ctx context.Context, workflowID string) (*schema.DefinitionStatus, error)

	// Shutdown stops accepting background runs and waits for in-flight ones.
	Shutdown()
}

// DefinitionValidator checks a definition before a run is created.
type DefinitionValidator interface {
	ValidateDefinition(ctx context.Context, def *schema.WorkflowDefinition) error
}

// AgentToucher records agent activity after a successful dispatch.
type AgentToucher interface {
	Touch(ctx context.Context, agentID string) error
}

// DefaultPoolSize is the default number of concurrently executing background runs.
const DefaultPoolSize = 10

// statusLookback bounds how many recent runs DefinitionStatus scans for the
// latest terminal transition.
const statusLookback = 50

// Config holds engine options. Zero values are usable.
type Config struct {
	PoolSize    int
	StepTimeout time.Duration // applied when a step sets no timeout; 0 = unbounded
	Hub         streaming.EventHub
	Agents      AgentToucher
	Logger      *slog.Logger
}

// activeRun tracks a run executing in this process.
type activeRun struct {
	workflowID string
	cancel     context.CancelCauseFunc
}

type engineImpl struct {
	store      store.Store
	dispatcher actions.Dispatcher
	validator  DefinitionValidator
	tracker    *Tracker
	conditions *expressions.ConditionEvaluator
	pool       *WorkerPool
	config     Config
	logger     *slog.Logger

	mu     sync.Mutex
	active map[string]*activeRun
}

// New creates an Engine. validator may be nil to skip definition checks.
func New(s store.Store, dispatcher actions.Dispatcher, validator DefinitionValidator, cfg Config) Engine {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	sink := NewEventSink(store.NewEventLog(s), cfg.Hub, logger)
	e := &engineImpl{
		store:      s,
		dispatcher: dispatcher,
		validator:  validator,
		tracker:    NewTracker(s, sink),
		conditions: expressions.NewConditionEvaluator(),
		config:     cfg,
		logger:     logger,
		active:     make(map[string]*activeRun),
	}
	e.pool = NewWorkerPool(cfg.PoolSize, func(ctx context.Context, r any) {
		logger.ErrorContext(ctx, "run goroutine panicked", "panic", fmt.Sprint(r))
	})
	return e
}

// preparedRun is a created run plus what its execution needs.
type preparedRun struct {
	def     *schema.WorkflowDefinition
	run     *schema.Run
	outputs *expressions.OutputSet
}

// prepare loads and validates the definition, then creates the run. The run
// is tracked with cancel before it is persisted, so a Cancel that sees the
// stored run always reaches this process's executor. No run is created and
// nothing stays tracked when it returns an error.
func (e *engineImpl) prepare(ctx context.Context, workflowID string, input any, cancel context.CancelCauseFunc) (*preparedRun, error) {
	def, err := e.store.GetDefinition(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if def.Inactive {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition, "workflow %q is inactive", workflowID)
	}
	if e.validator != nil {
		if err := e.validator.ValidateDefinition(ctx, def); err != nil {
			return nil, err
		}
	}

	outputs, err := expressions.NewOutputSet(input)
	if err != nil {
		return nil, err
	}
	runID := uuid.NewString()
	e.track(runID, workflowID, cancel)
	run, err := e.tracker.CreateRunWithID(ctx, runID, def, outputs.Scope().Input)
	if err != nil {
		e.untrack(runID)
		return nil, err
	}
	return &preparedRun{def: def, run: run, outputs: outputs}, nil
}

func (e *engineImpl) StartRun(ctx context.Context, workflowID string, input any) (string, error) {
	runCtx, cancel := context.WithCancelCause(ctx)
	p, err := e.prepare(ctx, workflowID, input, cancel)
	if err != nil {
		cancel(nil)
		return "", err
	}
	defer func() {
		e.untrack(p.run.ID)
		cancel(nil)
	}()

	e.execute(runCtx, p)
	return p.run.ID, nil
}

func (e *engineImpl) Submit(ctx context.Context, workflowID string, input any) (string, error) {
	// The run outlives the caller's request; only Cancel stops it.
	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	p, err := e.prepare(ctx, workflowID, input, cancel)
	if err != nil {
		cancel(nil)
		return "", err
	}

	err = e.pool.Submit(ctx, func(context.Context) error {
		defer func() {
			e.untrack(p.run.ID)
			cancel(nil)
		}()
		e.execute(runCtx, p)
		return nil
	})
	if err != nil {
		e.untrack(p.run.ID)
		cancel(nil)
		reason := schema.NewErrorf(schema.ErrCodeCancelled, "run not scheduled: %v", err).WithCause(err)
		if cerr := e.tracker.CompleteRun(context.WithoutCancel(ctx), p.run, schema.RunStatusFailed, nil, reason); cerr != nil {
			e.logger.WarnContext(ctx, "fail unscheduled run", "run_id", p.run.ID, "error", cerr)
		}
		return p.run.ID, reason
	}
	return p.run.ID, nil
}

func (e *engineImpl) Cancel(ctx context.Context, runID, reason string) error {
	if reason == "" {
		reason = "cancelled by request"
	}
	cause := schema.NewErrorf(schema.ErrCodeCancelled, "run cancelled: %s", reason).
		WithDetails(map[string]any{"reason": reason})

	e.mu.Lock()
	ar, ok := e.active[runID]
	e.mu.Unlock()
	if ok {
		ar.cancel(cause)
		logging.LogWith(logging.WithRun(ctx, runID, ar.workflowID), e.logger).
			InfoContext(ctx, "run cancellation requested", "reason", reason)
		return nil
	}

	run, err := e.tracker.Get(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "run %q is already %s", runID, run.Status)
	}

	// Running in the store but not in this process: the executor is gone.
	return e.tracker.CompleteRun(ctx, run, schema.RunStatusFailed, nil, cause)
}

func (e *engineImpl) GetRun(ctx context.Context, runID string) (*schema.Run, error) {
	return e.tracker.Get(ctx, runID)
}

func (e *engineImpl) DefinitionStatus(ctx context.Context, workflowID string) (*schema.DefinitionStatus, error) {
	def, err := e.store.GetDefinition(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	running, err := e.store.ListRuns(ctx, store.RunFilter{WorkflowID: workflowID, Status: schema.RunStatusRunning})
	if err != nil {
		return nil, storeError("list running runs", err)
	}
	recent, err := e.store.ListRuns(ctx, store.RunFilter{WorkflowID: workflowID, Limit: statusLookback})
	if err != nil {
		return nil, storeError("list recent runs", err)
	}

	st := &schema.DefinitionStatus{
		WorkflowID:  workflowID,
		Status:      schema.DefinitionActive,
		RunningRuns: len(running),
	}
	switch {
	case def.Inactive:
		st.Status = schema.DefinitionInactive
	case len(running) > 0:
		st.Status = schema.DefinitionRunning
	}

	if len(recent) > 0 {
		st.LastRunID = recent[0].ID
		st.LastRunStatus = recent[0].Status
	}
	for _, r := range recent {
		if r.EndTime != nil && (st.LastRun == nil || r.EndTime.After(*st.LastRun)) {
			end := *r.EndTime
			st.LastRun = &end
		}
	}
	st.NextRun = scheduler.NextRun(def, time.Now())
	return st, nil
}

func (e *engineImpl) Shutdown() {
	e.pool.Shutdown()
}

func (e *engineImpl) track(runID, workflowID string, cancel context.CancelCauseFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active[runID] = &activeRun{workflowID: workflowID, cancel: cancel}
}

func (e *engineImpl) untrack(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, runID)
}

// --- Execution ---

// execute drives the run's steps in order and completes it. Records are
// written with a context that survives cancellation so a cancelled run still
// reaches a terminal state.
func (e *engineImpl) execute(ctx context.Context, p *preparedRun) {
	ctx = logging.WithRun(ctx, p.run.ID, p.def.ID)
	rec := context.WithoutCancel(ctx)
	logger := logging.LogWith(ctx, e.logger)
	logger.InfoContext(ctx, "run started", "steps", len(p.def.Steps))

	for i := range p.def.Steps {
		step := &p.def.Steps[i]
		if ctx.Err() != nil {
			e.finish(rec, p, schema.RunStatusFailed, nil, cancelledError(ctx, ""))
			return
		}
		if ferr := e.executeStep(ctx, rec, p, step); ferr != nil {
			if e.completedElsewhere(rec, p, ferr) {
				return
			}
			e.finish(rec, p, schema.RunStatusFailed, nil, ferr)
			return
		}
	}
	e.finish(rec, p, schema.RunStatusCompleted, p.outputs.Outputs(), nil)
}

// completedElsewhere reports whether a step failed because the stored run is
// already terminal. The run then belongs to whoever completed it.
func (e *engineImpl) completedElsewhere(ctx context.Context, p *preparedRun, ferr *schema.FlowError) bool {
	if ferr.Code != schema.ErrCodeInvalidTransition {
		return false
	}
	run, err := e.tracker.Get(ctx, p.run.ID)
	if err != nil || !run.Status.IsTerminal() {
		return false
	}
	logging.LogWith(ctx, e.logger).WarnContext(ctx, "run completed outside its executor; stopping",
		"status", run.Status, "step_id", ferr.StepID)
	return true
}

func (e *engineImpl) finish(ctx context.Context, p *preparedRun, status schema.RunStatus, output any, runErr *schema.FlowError) {
	logger := logging.LogWith(ctx, e.logger)
	if err := e.tracker.CompleteRun(ctx, p.run, status, output, runErr); err != nil {
		logger.ErrorContext(ctx, "complete run", "status", status, "error", err)
		return
	}
	if runErr != nil {
		logger.WarnContext(ctx, "run failed", "code", runErr.Code, "failed_step", runErr.StepID, "error", runErr.Message)
		return
	}
	logger.InfoContext(ctx, "run completed")
}

// executeStep runs one step. It returns nil when the step completed or was
// skipped, and the step's failure otherwise.
func (e *engineImpl) executeStep(ctx, rec context.Context, p *preparedRun, step *schema.StepDefinition) *schema.FlowError {
	ctx = logging.WithStep(ctx, step.ID, step.AgentID)
	rec = logging.WithStep(rec, step.ID, step.AgentID)
	start := time.Now().UTC()
	scope := p.outputs.Scope()

	input, err := expressions.Resolve(step.Input, scope)
	if err != nil {
		return e.failStep(rec, p, step, StepPending, start, schema.AsFlowError(err, schema.ErrCodeResolution))
	}

	proceed, err := e.conditions.ShouldRun(step.Condition, scope)
	if err != nil {
		return e.failStep(rec, p, step, StepPending, start, schema.AsFlowError(err, schema.ErrCodeCondition))
	}
	if step.Condition != nil && step.Condition.Type != schema.ConditionAlways {
		e.tracker.Emit(rec, p.run, step.ID, schema.EventConditionEvaluated, map[string]any{
			"type":       string(step.Condition.Type),
			"expression": step.Condition.Expression,
			"result":     proceed,
		})
	}
	if !proceed {
		if err := e.tracker.StepFSM().Transition(rec, p.run.ID, p.def.ID, step.ID, StepPending, StepSkipped,
			map[string]any{"reason": "condition evaluated to false", "expression": step.Condition.Expression}); err != nil {
			return withStep(schema.AsFlowError(err, schema.ErrCodeInvalidTransition), step.ID)
		}
		logging.LogWith(ctx, e.logger).DebugContext(ctx, "step skipped")
		return nil
	}

	if err := e.tracker.StepFSM().Transition(rec, p.run.ID, p.def.ID, step.ID, StepPending, StepRunning,
		map[string]any{"agent_id": step.AgentID, "action_type": step.ActionType}); err != nil {
		return withStep(schema.AsFlowError(err, schema.ErrCodeInvalidTransition), step.ID)
	}

	raw, ferr := e.dispatch(ctx, step, input)
	if ferr != nil {
		return e.failStep(rec, p, step, StepRunning, start, ferr)
	}
	output, err := expressions.Normalize(raw)
	if err != nil {
		return e.failStep(rec, p, step, StepRunning, start,
			schema.NewErrorf(schema.ErrCodeAction, "action %q returned a non-JSON output: %v", step.ActionType, err).WithCause(err))
	}
	key := step.OutputKey()
	if err := p.outputs.Add(key, output); err != nil {
		return e.failStep(rec, p, step, StepRunning, start, schema.AsFlowError(err, schema.ErrCodeAction))
	}

	result := schema.StepResult{
		StepID:    step.ID,
		Status:    schema.StepStatusCompleted,
		Output:    output,
		StartTime: start,
		EndTime:   time.Now().UTC(),
	}
	if err := e.tracker.AppendStepResult(rec, p.run.ID, result); err != nil {
		return withStep(schema.AsFlowError(err, schema.ErrCodeStore), step.ID)
	}
	_ = e.tracker.StepFSM().Transition(rec, p.run.ID, p.def.ID, step.ID, StepRunning, StepCompleted, map[string]any{
		"output_key":  key,
		"duration_ms": result.EndTime.Sub(start).Milliseconds(),
	})

	if e.config.Agents != nil {
		if err := e.config.Agents.Touch(rec, step.AgentID); err != nil {
			logging.LogWith(ctx, e.logger).DebugContext(ctx, "touch agent", "error", err)
		}
	}
	return nil
}

// failStep records a failed StepResult and returns the failure bound to the step.
func (e *engineImpl) failStep(rec context.Context, p *preparedRun, step *schema.StepDefinition, from StepPhase, start time.Time, cause *schema.FlowError) *schema.FlowError {
	ferr := withStep(cause, step.ID)
	result := schema.StepResult{
		StepID:    step.ID,
		Status:    schema.StepStatusFailed,
		Error:     ferr.Message,
		ErrorCode: ferr.Code,
		StartTime: start,
		EndTime:   time.Now().UTC(),
	}
	if err := e.tracker.AppendStepResult(rec, p.run.ID, result); err != nil {
		if schema.HasCode(err, schema.ErrCodeInvalidTransition) {
			return withStep(schema.AsFlowError(err, schema.ErrCodeInvalidTransition), step.ID)
		}
		logging.LogWith(rec, e.logger).ErrorContext(rec, "record failed step", "error", err)
	}
	_ = e.tracker.StepFSM().Transition(rec, p.run.ID, p.def.ID, step.ID, from, StepFailed, map[string]any{
		"error": ferr.Message,
		"code":  ferr.Code,
	})
	return ferr
}

var errStepTimeout = errors.New("step timeout")

// dispatch invokes the dispatcher under the step timeout. The call runs in its
// own goroutine so a dispatcher that ignores its context cannot hold the run.
func (e *engineImpl) dispatch(ctx context.Context, step *schema.StepDefinition, input any) (any, *schema.FlowError) {
	timeout := e.stepTimeout(step)
	var (
		callCtx context.Context
		cancel  context.CancelFunc
	)
	if timeout > 0 {
		callCtx, cancel = context.WithTimeoutCause(ctx, timeout, errStepTimeout)
	} else {
		callCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	type outcome struct {
		out any
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: schema.NewErrorf(schema.ErrCodeAction, "dispatcher panicked: %v", r)}
			}
		}()
		out, err := e.dispatcher.Invoke(callCtx, step.AgentID, step.ActionType, input)
		done <- outcome{out: out, err: err}
	}()

	select {
	case o := <-done:
		if o.err == nil {
			return o.out, nil
		}
		if callCtx.Err() != nil {
			return nil, interruptedError(ctx, callCtx, step, timeout)
		}
		return nil, copyError(schema.AsFlowError(o.err, schema.ErrCodeAction))
	case <-callCtx.Done():
		return nil, interruptedError(ctx, callCtx, step, timeout)
	}
}

func (e *engineImpl) stepTimeout(step *schema.StepDefinition) time.Duration {
	if step.Timeout != "" {
		if d, err := time.ParseDuration(step.Timeout); err == nil && d > 0 {
			return d
		}
	}
	return e.config.StepTimeout
}

// interruptedError maps a done dispatcher context to TIMEOUT or CANCELLED.
func interruptedError(runCtx, callCtx context.Context, step *schema.StepDefinition, timeout time.Duration) *schema.FlowError {
	if runCtx.Err() == nil && errors.Is(context.Cause(callCtx), errStepTimeout) {
		return schema.NewErrorf(schema.ErrCodeTimeout, "step %q timed out after %s", step.ID, timeout).
			WithDetails(map[string]any{"timeout": timeout.String()})
	}
	return cancelledError(runCtx, step.ID)
}

// cancelledError builds the CANCELLED failure for a run whose context is done.
func cancelledError(ctx context.Context, stepID string) *schema.FlowError {
	cause := context.Cause(ctx)
	var fe *schema.FlowError
	if errors.As(cause, &fe) && fe.Code == schema.ErrCodeCancelled {
		return withStep(fe, stepID)
	}
	return withStep(schema.NewErrorf(schema.ErrCodeCancelled, "run cancelled: %v", cause).WithCause(cause), stepID)
}

// withStep returns a copy of err bound to stepID; errors may be shared
// between callers and must not be mutated in place.
func withStep(err *schema.FlowError, stepID string) *schema.FlowError {
	cp := copyError(err)
	cp.StepID = stepID
	return cp
}

func copyError(err *schema.FlowError) *schema.FlowError {
	cp := *err
	return &cp
}

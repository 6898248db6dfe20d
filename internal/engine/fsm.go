package engine

import (
	"context"
	"slices"
	"sync"

	"github.com/rendis/opflow/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to string) error

// --- Run FSM ---

type runHookKey struct {
	from, to schema.RunStatus
}

// RunTransition describes one run state change.
type RunTransition struct {
	RunID      string
	WorkflowID string
	From, To   schema.RunStatus
	Err        *schema.FlowError // set when To is failed
	Payload    any
}

// RunFSM guards run lifecycle transitions and emits the matching events.
type RunFSM struct {
	mu      sync.Mutex
	emitter Emitter
	before  map[runHookKey][]TransitionHook
	after   map[runHookKey][]TransitionHook
}

// NewRunFSM creates a RunFSM that emits events via emitter.
func NewRunFSM(emitter Emitter) *RunFSM {
	return &RunFSM{
		emitter: emitter,
		before:  make(map[runHookKey][]TransitionHook),
		after:   make(map[runHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a run transition is persisted.
func (f *RunFSM) OnBefore(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a run transition is persisted and emitted.
func (f *RunFSM) OnAfter(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates tr, runs before hooks, calls persist, emits the event
// and runs after hooks. Nothing is emitted when persist fails.
func (f *RunFSM) Transition(ctx context.Context, tr RunTransition, persist func(ctx context.Context) error) error {
	if !isValidRunTransition(tr.From, tr.To) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", tr.From, tr.To).
			WithDetails(map[string]any{"run_id": tr.RunID, "from": string(tr.From), "to": string(tr.To)})
	}

	key := runHookKey{tr.From, tr.To}
	f.mu.Lock()
	before := slices.Clone(f.before[key])
	after := slices.Clone(f.after[key])
	f.mu.Unlock()

	for _, hook := range before {
		if err := hook(string(tr.From), string(tr.To)); err != nil {
			return err
		}
	}

	if persist != nil {
		if err := persist(ctx); err != nil {
			return err
		}
	}

	if eventType := runEventType(tr.To, tr.Err); eventType != "" {
		f.emitter.Emit(ctx, tr.RunID, tr.WorkflowID, "", eventType, tr.Payload)
	}

	for _, hook := range after {
		if err := hook(string(tr.From), string(tr.To)); err != nil {
			return err
		}
	}
	return nil
}

func isValidRunTransition(from, to schema.RunStatus) bool {
	return slices.Contains(ValidRunTransitions[from], to)
}

func runEventType(to schema.RunStatus, err *schema.FlowError) string {
	switch to {
	case schema.RunStatusRunning:
		return schema.EventRunStarted
	case schema.RunStatusCompleted:
		return schema.EventRunCompleted
	case schema.RunStatusFailed:
		if err != nil && err.Code == schema.ErrCodeCancelled {
			return schema.EventRunCancelled
		}
		return schema.EventRunFailed
	default:
		return ""
	}
}

// --- Step FSM ---

// StepPhase is the in-flight state of a step within a run. Only the terminal
// completed and failed phases are recorded as StepResults; skipped steps leave
// an event only.
type StepPhase string

const (
	StepPending   StepPhase = "pending"
	StepRunning   StepPhase = "running"
	StepCompleted StepPhase = "completed"
	StepFailed    StepPhase = "failed"
	StepSkipped   StepPhase = "skipped"
)

// StepFSM guards step phase transitions and emits step events.
type StepFSM struct {
	emitter Emitter
}

// NewStepFSM creates a StepFSM that emits events via emitter.
func NewStepFSM(emitter Emitter) *StepFSM {
	return &StepFSM{emitter: emitter}
}

// Transition validates and emits a step phase change.
func (f *StepFSM) Transition(ctx context.Context, runID, workflowID, stepID string, from, to StepPhase, payload any) error {
	if !slices.Contains(ValidStepTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid step transition: %s -> %s", from, to).
			WithStep(stepID).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}
	if eventType := stepEventType(to); eventType != "" {
		f.emitter.Emit(ctx, runID, workflowID, stepID, eventType, payload)
	}
	return nil
}

func stepEventType(to StepPhase) string {
	switch to {
	case StepRunning:
		return schema.EventStepStarted
	case StepCompleted:
		return schema.EventStepCompleted
	case StepFailed:
		return schema.EventStepFailed
	case StepSkipped:
		return schema.EventStepSkipped
	default:
		return ""
	}
}

// --- Transition tables ---

// ValidRunTransitions defines the allowed state transitions for runs.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusCreated:   {schema.RunStatusRunning},
	schema.RunStatusRunning:   {schema.RunStatusCompleted, schema.RunStatusFailed},
	schema.RunStatusCompleted: {},
	schema.RunStatusFailed:    {},
}

// ValidStepTransitions defines the allowed phase transitions for steps.
// Resolution and condition failures move a step straight from pending to failed.
var ValidStepTransitions = map[StepPhase][]StepPhase{
	StepPending:   {StepRunning, StepSkipped, StepFailed},
	StepRunning:   {StepCompleted, StepFailed},
	StepCompleted: {},
	StepFailed:    {},
	StepSkipped:   {},
}

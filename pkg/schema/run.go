package schema

import "time"

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunStatusCreated   RunStatus = "created"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// StepStatus is the outcome of an executed step.
type StepStatus string

const (
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
)

// Run is one execution of a workflow definition and its audit record.
type Run struct {
	ID          string       `json:"id"`
	WorkflowID  string       `json:"workflow_id"`
	Status      RunStatus    `json:"status"`
	StartTime   time.Time    `json:"start_time"`
	EndTime     *time.Time   `json:"end_time,omitempty"`
	StepResults []StepResult `json:"step_results"`
	StepCount   int          `json:"step_count"`
	Input       any          `json:"input,omitempty"`
	Output      any          `json:"output,omitempty"`
	Error       *FlowError   `json:"error,omitempty"`
}

// StepResult is the immutable outcome of one executed step.
type StepResult struct {
	StepID    string     `json:"step_id"`
	Status    StepStatus `json:"status"`
	Output    any        `json:"output,omitempty"`
	Error     string     `json:"error,omitempty"`
	ErrorCode string     `json:"error_code,omitempty"`
	StartTime time.Time  `json:"start_time"`
	EndTime   time.Time  `json:"end_time"`
}

// Failed reports whether the step failed.
func (r StepResult) Failed() bool { return r.Status == StepStatusFailed }

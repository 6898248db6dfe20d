package schema

import "time"

// TriggerType names what starts a workflow. The engine itself is trigger-agnostic;
// the value only matters to validation and to the outer surfaces that fire runs.
type TriggerType string

const (
	TriggerManual    TriggerType = "manual"
	TriggerScheduled TriggerType = "scheduled"
	TriggerEvent     TriggerType = "event"
)

// WorkflowDefinition is a named, ordered automation of agent actions.
// It is read-only to the engine; live status is computed from runs (see DefinitionStatus).
type WorkflowDefinition struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	Description   string           `json:"description,omitempty"`
	Trigger       TriggerType      `json:"trigger"`
	TriggerConfig map[string]any   `json:"trigger_config,omitempty"` // cron for scheduled, event for event
	Steps         []StepDefinition `json:"steps"`
	Inactive      bool             `json:"inactive,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// StepDefinition is one agent action within a workflow definition.
type StepDefinition struct {
	ID            string     `json:"id"`
	AgentID       string     `json:"agent_id"`
	ActionType    string     `json:"action_type"`
	Name          string     `json:"name,omitempty"`
	Description   string     `json:"description,omitempty"`
	Input         any        `json:"input,omitempty"`
	InputType     InputType  `json:"input_type,omitempty"` // advisory only
	OutputMapping string     `json:"output_mapping,omitempty"`
	Condition     *Condition `json:"condition,omitempty"`
	Timeout       string     `json:"timeout,omitempty"` // e.g. "30s"; bounds the dispatcher call
}

// OutputKey is the name under which the step's output is visible to later steps.
func (s *StepDefinition) OutputKey() string {
	if s.OutputMapping != "" {
		return s.OutputMapping
	}
	return s.ID
}

// InputType is an authoring hint describing where a step's input comes from.
type InputType string

const (
	InputStatic   InputType = "static"
	InputDynamic  InputType = "dynamic"
	InputPrevious InputType = "previous"
)

// ConditionType selects how a step's gate is evaluated.
type ConditionType string

const (
	ConditionAlways ConditionType = "always"
	ConditionIf     ConditionType = "if"
	ConditionIfElse ConditionType = "if-else"
)

// Condition gates a step. A nil Condition behaves as ConditionAlways.
type Condition struct {
	Type       ConditionType `json:"type"`
	Expression string        `json:"expression,omitempty"`
}

// DefinitionState is the computed convenience status of a definition.
type DefinitionState string

const (
	DefinitionActive   DefinitionState = "active"
	DefinitionRunning  DefinitionState = "running"
	DefinitionInactive DefinitionState = "inactive"
)

// DefinitionStatus is a read-only view over a definition's runs.
type DefinitionStatus struct {
	WorkflowID    string          `json:"workflow_id"`
	Status        DefinitionState `json:"status"`
	RunningRuns   int             `json:"running_runs"`
	LastRunID     string          `json:"last_run_id,omitempty"`
	LastRunStatus RunStatus       `json:"last_run_status,omitempty"`
	LastRun       *time.Time      `json:"last_run,omitempty"`
	NextRun       *time.Time      `json:"next_run,omitempty"` // scheduled triggers only
}

package store

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/rendis/opflow/pkg/schema"
)

// Event is an immutable entry in a run's audit log.
type Event struct {
	ID         int64           `json:"id"`
	RunID      string          `json:"run_id"`
	WorkflowID string          `json:"workflow_id"`
	StepID     string          `json:"step_id,omitempty"`
	Type       string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   int64           `json:"sequence"` // monotonic per run, starting at 1
}

// Agent is a registered executor of actions. Capabilities lists the action
// types it accepts; an empty list accepts every registered action.
type Agent struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Type         string          `json:"type"` // llm, system, human, service
	Capabilities []string        `json:"capabilities,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	LastSeenAt   *time.Time      `json:"last_seen_at,omitempty"`
}

// Allows reports whether the agent may perform actionType.
func (a *Agent) Allows(actionType string) bool {
	return len(a.Capabilities) == 0 || slices.Contains(a.Capabilities, actionType)
}

// DefinitionFilter narrows ListDefinitions results.
type DefinitionFilter struct {
	Trigger         schema.TriggerType
	IncludeInactive bool
	Limit           int
	Offset          int
}

// RunFilter narrows ListRuns results. Runs are returned newest first.
type RunFilter struct {
	WorkflowID string
	Status     schema.RunStatus
	Since      *time.Time
	Limit      int
	Offset     int
}

// RunCompletion is the terminal write applied by CompleteRun.
type RunCompletion struct {
	Status  schema.RunStatus
	Output  any
	Error   *schema.FlowError
	EndTime time.Time
}

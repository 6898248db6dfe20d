package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/opflow/pkg/schema"
)

// EventLog provides typed audit-log operations on top of a Store.
type EventLog struct {
	store Store
}

// NewEventLog wraps a Store to provide audit-log operations.
func NewEventLog(s Store) *EventLog {
	return &EventLog{store: s}
}

// Append marshals payload and appends an event for the run.
func (el *EventLog) Append(ctx context.Context, runID, workflowID, stepID, eventType string, payload any) (*Event, error) {
	e := &Event{
		RunID:      runID,
		WorkflowID: workflowID,
		StepID:     stepID,
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
		e.Payload = raw
	}
	if err := el.store.AppendEvent(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// GetEvents returns events for a run with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, runID, since)
}

// StepTrace is the per-step view rebuilt from a run's events.
type StepTrace struct {
	StepID     string     `json:"step_id"`
	Status     string     `json:"status"` // started, completed, failed, skipped
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	DurationMs int64      `json:"duration_ms,omitempty"`
	Error      string     `json:"error,omitempty"`
	SkipReason string     `json:"skip_reason,omitempty"`
}

// ReplaySteps replays a run's events and returns one trace per step touched,
// in the order steps first appeared. Sequence gaps are reported as STORE_ERROR.
func (el *EventLog) ReplaySteps(ctx context.Context, runID string) ([]*StepTrace, error) {
	events, err := el.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}
	}

	traces := []*StepTrace{}
	byID := make(map[string]*StepTrace)

	for _, e := range events {
		if e.StepID == "" {
			continue
		}
		tr, ok := byID[e.StepID]
		if !ok {
			tr = &StepTrace{StepID: e.StepID}
			byID[e.StepID] = tr
			traces = append(traces, tr)
		}

		ts := e.Timestamp
		switch e.Type {
		case schema.EventStepStarted:
			tr.Status = "started"
			tr.StartedAt = &ts

		case schema.EventStepCompleted:
			tr.Status = "completed"
			tr.FinishedAt = &ts

		case schema.EventStepFailed:
			tr.Status = "failed"
			tr.FinishedAt = &ts
			var p struct {
				Error string `json:"error"`
			}
			if json.Unmarshal(e.Payload, &p) == nil {
				tr.Error = p.Error
			}

		case schema.EventStepSkipped:
			tr.Status = "skipped"
			var p struct {
				Reason string `json:"reason"`
			}
			if json.Unmarshal(e.Payload, &p) == nil {
				tr.SkipReason = p.Reason
			}
		}

		if tr.StartedAt != nil && tr.FinishedAt != nil {
			tr.DurationMs = tr.FinishedAt.Sub(*tr.StartedAt).Milliseconds()
		}
	}

	return traces, nil
}

// Package streaming fans out live run events to in-process subscribers such
// as the SSE endpoint.
package streaming

import (
	"context"
	"time"
)

// RunEvent is a real-time event emitted while a run executes. It mirrors the
// persisted audit event, so subscribers can resume from the store by Sequence.
type RunEvent struct {
	RunID      string    `json:"run_id"`
	WorkflowID string    `json:"workflow_id"`
	StepID     string    `json:"step_id,omitempty"`
	Type       string    `json:"type"`
	Sequence   int64     `json:"sequence"`
	Payload    any       `json:"payload,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// EventFilter specifies which events a subscriber wants to receive.
// Empty fields match everything.
type EventFilter struct {
	RunID      string   `json:"run_id,omitempty"`
	WorkflowID string   `json:"workflow_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for run events. The cancel function returned by
// Subscribe closes the channel.
type EventHub interface {
	Publish(ctx context.Context, event RunEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan RunEvent, func(), error)
}

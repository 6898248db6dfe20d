package engine

import (
	"context"
	"log/slog"

	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/internal/streaming"
)

// Emitter records a run event. Emission is best effort: failures are logged
// by the implementation and never change a run's outcome.
type Emitter interface {
	Emit(ctx context.Context, runID, workflowID, stepID, eventType string, payload any)
}

// EventSink appends events to the audit log and then publishes them, with
// their assigned sequence, to the live hub.
type EventSink struct {
	log    *store.EventLog
	hub    streaming.EventHub
	logger *slog.Logger
}

// NewEventSink creates an EventSink. hub may be nil.
func NewEventSink(log *store.EventLog, hub streaming.EventHub, logger *slog.Logger) *EventSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventSink{log: log, hub: hub, logger: logger}
}

func (s *EventSink) Emit(ctx context.Context, runID, workflowID, stepID, eventType string, payload any) {
	ctx = context.WithoutCancel(ctx)

	ev, err := s.log.Append(ctx, runID, workflowID, stepID, eventType, payload)
	if err != nil {
		s.logger.WarnContext(ctx, "append run event", "event", eventType, "error", err)
		return
	}
	if s.hub == nil {
		return
	}
	if err := s.hub.Publish(ctx, streaming.RunEvent{
		RunID:      runID,
		WorkflowID: workflowID,
		StepID:     stepID,
		Type:       eventType,
		Sequence:   ev.Sequence,
		Payload:    payload,
		Timestamp:  ev.Timestamp,
	}); err != nil {
		s.logger.DebugContext(ctx, "publish run event", "event", eventType, "error", err)
	}
}

var _ Emitter = (*EventSink)(nil)

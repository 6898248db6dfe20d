package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/internal/streaming"
	"github.com/rendis/opflow/pkg/schema"
)

// handleSSERun streams a run's events via Server-Sent Events. Stored events
// after Last-Event-ID (or ?since=) are replayed first, then live events follow
// until the run reaches a terminal event or the client goes away.
func (s *Server) handleSSERun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := r.PathValue("id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	run, err := s.deps.Store.GetRun(ctx, runID)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	if s.deps.Hub == nil {
		writeError(w, http.StatusNotImplemented, "event hub not configured")
		return
	}

	// Subscribe before replaying so nothing published in between is lost.
	ch, cancel, err := s.deps.Hub.Subscribe(ctx, streaming.EventFilter{RunID: runID})
	if err != nil {
		s.deps.Logger.Error("SSE subscribe failed", "run_id", runID, "error", err)
		http.Error(w, "subscribe failed", http.StatusInternalServerError)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	last := lastEventID(r)
	stored, err := s.events.GetEvents(ctx, runID, last)
	if err != nil {
		s.deps.Logger.Error("SSE replay failed", "run_id", runID, "error", err)
		return
	}
	for _, e := range stored {
		writeSSE(w, fromStored(e))
		last = e.Sequence
		if isTerminalEvent(e.Type) {
			flusher.Flush()
			return
		}
	}
	flusher.Flush()

	// The client already holds the terminal event of a finished run.
	if run.Status.IsTerminal() {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if event.Sequence != 0 && event.Sequence <= last {
				continue
			}
			writeSSE(w, event)
			flusher.Flush()
			if event.Sequence > last {
				last = event.Sequence
			}
			if isTerminalEvent(event.Type) {
				return
			}
		}
	}
}

func lastEventID(r *http.Request) int64 {
	v := r.Header.Get("Last-Event-ID")
	if v == "" {
		v = r.URL.Query().Get("since")
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func fromStored(e *store.Event) streaming.RunEvent {
	ev := streaming.RunEvent{
		RunID:      e.RunID,
		WorkflowID: e.WorkflowID,
		StepID:     e.StepID,
		Type:       e.Type,
		Sequence:   e.Sequence,
		Timestamp:  e.Timestamp,
	}
	if len(e.Payload) > 0 {
		ev.Payload = e.Payload
	}
	return ev
}

func writeSSE(w http.ResponseWriter, event streaming.RunEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	if event.Sequence > 0 {
		fmt.Fprintf(w, "id: %d\n", event.Sequence)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
}

func isTerminalEvent(eventType string) bool {
	switch eventType {
	case schema.EventRunCompleted, schema.EventRunFailed, schema.EventRunCancelled:
		return true
	}
	return false
}

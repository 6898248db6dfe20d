package api

import (
	"net/http"
	"strconv"

	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	runs, err := s.deps.Store.ListRuns(r.Context(), store.RunFilter{
		WorkflowID: q.Get("workflow_id"),
		Status:     schema.RunStatus(q.Get("status")),
		Since:      queryTime(r, "since"),
		Limit:      queryInt(r, "limit", 50),
		Offset:     queryInt(r, "offset", 0),
	})
	if err != nil {
		writeFlowError(w, err)
		return
	}
	if runs == nil {
		runs = []*schema.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Engine.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Reason == "" {
		body.Reason = "cancelled via api"
	}

	if err := s.deps.Engine.Cancel(r.Context(), runID, body.Reason); err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "reason": body.Reason})
}

// handleRunEvents returns the audit events of a run with sequence > since.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := r.PathValue("id")
	if _, err := s.deps.Store.GetRun(ctx, runID); err != nil {
		writeFlowError(w, err)
		return
	}

	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	events, err := s.events.GetEvents(ctx, runID, since)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	if events == nil {
		events = []*store.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// handleRunTrace returns the per-step view replayed from the run's events.
func (s *Server) handleRunTrace(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := r.PathValue("id")
	if _, err := s.deps.Store.GetRun(ctx, runID); err != nil {
		writeFlowError(w, err)
		return
	}
	traces, err := s.events.ReplaySteps(ctx, runID)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"steps": traces})
}

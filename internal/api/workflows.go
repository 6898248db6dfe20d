package api

import (
	"net/http"

	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

// putWorkflowResponse returns the stored definition with any advisory warnings.
type putWorkflowResponse struct {
	Definition *schema.WorkflowDefinition `json:"definition"`
	Warnings   []schema.ValidationIssue   `json:"warnings,omitempty"`
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	defs, err := s.deps.Store.ListDefinitions(r.Context(), store.DefinitionFilter{
		Trigger:         schema.TriggerType(q.Get("trigger")),
		IncludeInactive: q.Get("include_inactive") == "true",
		Limit:           queryInt(r, "limit", 50),
		Offset:          queryInt(r, "offset", 0),
	})
	if err != nil {
		writeFlowError(w, err)
		return
	}
	if defs == nil {
		defs = []*schema.WorkflowDefinition{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": defs})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	def, err := s.deps.Store.GetDefinition(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// handlePutWorkflow creates or replaces a definition after validating it.
func (s *Server) handlePutWorkflow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	var def schema.WorkflowDefinition
	if err := decodeJSON(r, &def); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if def.ID == "" {
		def.ID = id
	}
	if def.ID != id {
		writeFlowError(w, schema.NewErrorf(schema.ErrCodeValidation,
			"body id %q does not match path id %q", def.ID, id))
		return
	}

	var warnings []schema.ValidationIssue
	if s.deps.Validator != nil {
		result := s.deps.Validator.Validate(ctx, &def)
		if err := result.ToError(); err != nil {
			writeFlowError(w, err)
			return
		}
		warnings = result.Warnings
	}

	if err := s.deps.Store.SaveDefinition(ctx, &def); err != nil {
		writeFlowError(w, err)
		return
	}
	s.deps.Logger.InfoContext(ctx, "workflow saved", "workflow_id", def.ID, "steps", len(def.Steps))
	writeJSON(w, http.StatusOK, putWorkflowResponse{Definition: &def, Warnings: warnings})
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteDefinition(r.Context(), r.PathValue("id")); err != nil {
		writeFlowError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWorkflowStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Engine.DefinitionStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// startRunRequest is the body of POST /api/workflows/{id}/runs.
type startRunRequest struct {
	Input any  `json:"input"`
	Async bool `json:"async"`
}

// handleStartRun runs a workflow. Synchronous runs answer with the finished
// run; async runs answer 202 with the run ID.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	workflowID := r.PathValue("id")

	var req startRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.Async {
		runID, err := s.deps.Engine.Submit(ctx, workflowID, req.Input)
		if err != nil {
			writeFlowError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "status": string(schema.RunStatusRunning)})
		return
	}

	runID, err := s.deps.Engine.StartRun(ctx, workflowID, req.Input)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	run, err := s.deps.Engine.GetRun(ctx, runID)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

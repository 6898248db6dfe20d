package api

import (
	"net/http"

	"github.com/rendis/opflow/internal/store"
)

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Catalog == nil {
		writeError(w, http.StatusNotImplemented, "agent catalog not configured")
		return
	}
	agents, err := s.deps.Catalog.List(r.Context())
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Server) handlePutAgent(w http.ResponseWriter, r *http.Request) {
	if s.deps.Catalog == nil {
		writeError(w, http.StatusNotImplemented, "agent catalog not configured")
		return
	}
	id := r.PathValue("id")

	var agent store.Agent
	if err := decodeJSON(r, &agent); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	agent.ID = id

	saved, err := s.deps.Catalog.Register(r.Context(), &agent)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

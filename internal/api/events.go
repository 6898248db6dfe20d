package api

import (
	"net/http"

	"github.com/rendis/opflow/internal/scheduler"
)

// handleFireEvent starts a run of every active definition listening for the
// named event. The request body, if any, becomes the run input.
func (s *Server) handleFireEvent(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var input any
	if err := decodeJSON(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	fired, err := s.router.Fire(r.Context(), name, input)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	if fired == nil {
		fired = []scheduler.FiredRun{}
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"event": name, "runs": fired})
}

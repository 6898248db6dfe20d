package api

import (
	"net/http"

	"github.com/rendis/opflow/internal/diagram"
)

var diagramContentTypes = map[diagram.Format]string{
	diagram.FormatMermaid: "text/plain; charset=utf-8",
	diagram.FormatASCII:   "text/plain; charset=utf-8",
	diagram.FormatPNG:     "image/png",
}

func (s *Server) handleWorkflowDiagram(w http.ResponseWriter, r *http.Request) {
	s.serveDiagram(w, r, r.PathValue("id"), r.URL.Query().Get("run_id"))
}

func (s *Server) handleRunDiagram(w http.ResponseWriter, r *http.Request) {
	s.serveDiagram(w, r, "", r.PathValue("id"))
}

// serveDiagram renders the workflow, or one run of it, in ?format= (default mermaid).
func (s *Server) serveDiagram(w http.ResponseWriter, r *http.Request, workflowID, runID string) {
	format := diagram.Format(r.URL.Query().Get("format"))
	if format == "" {
		format = diagram.FormatMermaid
	}

	model, err := diagram.Load(r.Context(), s.deps.Store, workflowID, runID)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	out, err := diagram.Render(r.Context(), model, format)
	if err != nil {
		writeFlowError(w, err)
		return
	}

	w.Header().Set("Content-Type", diagramContentTypes[format])
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

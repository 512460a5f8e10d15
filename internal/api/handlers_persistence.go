package api

import (
	"net/http"
	"strings"

	"github.com/kingrea/playbooks/internal/playbook"
)

// GET /playbooks/executions?customer_id=<id>
func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	customerID, err := s.tenant(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	execs, err := s.store.List(r.Context(), customerID)
	if err != nil {
		s.writeError(w, r, playbook.Persistence("api: list", err))
		return
	}
	if execs == nil {
		execs = []playbook.Execution{}
	}
	for i := range execs {
		if execs[i].Results == nil {
			execs[i].Results = []playbook.Result{}
		}
	}
	writeJSON(w, http.StatusOK, playbook.ExecutionsEnvelope{Executions: execs})
}

// POST /playbooks/executions upserts the full execution by id.
func (s *Server) handleSaveExecution(w http.ResponseWriter, r *http.Request) {
	customerID, err := s.tenant(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	data, err := s.readBody(w, r)
	if err != nil {
		s.writeBodyError(w, r, err)
		return
	}
	exec, err := playbook.DecodeExecution(data)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if exec.CustomerID != customerID {
		s.writeError(w, r, playbook.Validation("api: save", "execution %s belongs to customer %d, not %d", exec.ID, exec.CustomerID, customerID))
		return
	}
	if err := s.store.Save(r.Context(), exec); err != nil {
		s.writeError(w, r, playbook.Persistence("api: save", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DELETE /playbooks/executions/{id}
func (s *Server) handleDeleteExecution(w http.ResponseWriter, r *http.Request) {
	customerID, err := s.tenant(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		s.writeError(w, r, playbook.Validation("api: delete", "execution id is required"))
		return
	}
	if err := s.store.Delete(r.Context(), customerID, id); err != nil {
		s.writeError(w, r, playbook.Persistence("api: delete", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

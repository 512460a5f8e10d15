package api

import (
	"net/http"
	"strings"

	"github.com/kingrea/playbooks/internal/playbook"
	"github.com/kingrea/playbooks/internal/playbook/resolver"
	"github.com/kingrea/playbooks/internal/projection"
)

type startRequest struct {
	PlaybookID string                    `json:"playbookId"`
	Context    playbook.ExecutionContext `json:"context"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type executionResponse struct {
	Execution playbook.Execution `json:"execution"`
	Summary   projection.Summary `json:"summary"`
}

type resultResponse struct {
	Result playbook.Result `json:"result"`
}

type boardResponse struct {
	Summaries []projection.Summary `json:"summaries"`
}

type planNode struct {
	ID        string             `json:"id"`
	Title     string             `json:"title"`
	State     resolver.NodeState `json:"state"`
	BlockedBy []string           `json:"blockedBy,omitempty"`
	Missing   []string           `json:"missing,omitempty"`
}

type planResponse struct {
	ExecutionID string     `json:"executionId"`
	Progress    int        `json:"progress"`
	Steps       []planNode `json:"steps"`
	Next        []string   `json:"next"`
	Queue       []string   `json:"queue,omitempty"`
}

// GET /engine/executions reloads the tenant's executions from the store and
// returns them newest first.
func (s *Server) handleEngineList(w http.ResponseWriter, r *http.Request) {
	customerID, err := s.tenant(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.manager.LoadExecutions(r.Context(), customerID)
	writeJSON(w, http.StatusOK, playbook.ExecutionsEnvelope{Executions: s.manager.GetCustomerExecutions(customerID)})
}

// GET /engine/board
func (s *Server) handleEngineBoard(w http.ResponseWriter, r *http.Request) {
	customerID, err := s.tenant(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.manager.LoadExecutions(r.Context(), customerID)
	board := projection.BoardAt(s.manager.Catalog(), s.manager.GetCustomerExecutions(customerID), s.clock())
	writeJSON(w, http.StatusOK, boardResponse{Summaries: board})
}

// POST /engine/executions
func (s *Server) handleEngineStart(w http.ResponseWriter, r *http.Request) {
	customerID, err := s.tenant(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req startRequest
	if err := s.decodeBody(w, r, &req, false); err != nil {
		s.writeBodyError(w, r, err)
		return
	}
	if req.Context.CustomerID == 0 {
		req.Context.CustomerID = customerID
	}
	if req.Context.CustomerID != customerID {
		s.writeError(w, r, playbook.Validation("api: start", "context customer %d does not match tenant %d", req.Context.CustomerID, customerID))
		return
	}
	exec, err := s.manager.StartPlaybook(r.Context(), strings.TrimSpace(req.PlaybookID), req.Context)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.executionView(exec))
}

// GET /engine/executions/{id}
func (s *Server) handleEngineGet(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.owned(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.executionView(exec))
}

// GET /engine/executions/{id}/plan[?target=stepId...]. With targets the
// response also carries the dependency-ordered steps still needed to reach
// them.
func (s *Server) handleEnginePlan(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.owned(w, r)
	if !ok {
		return
	}
	def, found := s.manager.Catalog().GetByID(exec.PlaybookID)
	if !found {
		s.writeError(w, r, playbook.NotFound("api: plan", "playbook %s", exec.PlaybookID))
		return
	}
	plan := resolver.Evaluate(def, exec)
	resp := planResponse{
		ExecutionID: exec.ID,
		Progress:    resolver.ProgressPercentage(exec, plan.Total()),
		Steps:       make([]planNode, 0, plan.Total()),
		Next:        []string{},
	}
	for _, node := range plan.Nodes() {
		resp.Steps = append(resp.Steps, planNode{
			ID:        node.ID,
			Title:     node.Step.Title,
			State:     node.State,
			BlockedBy: node.BlockedBy,
			Missing:   node.Missing,
		})
	}
	for _, step := range resolver.NextEligibleSteps(def, exec) {
		resp.Next = append(resp.Next, step.ID)
	}
	if targets := r.URL.Query()["target"]; len(targets) > 0 {
		queue, err := plan.Queue(targets...)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		resp.Queue = make([]string, 0, len(queue))
		for _, node := range queue {
			resp.Queue = append(resp.Queue, node.ID)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// POST /engine/executions/{id}/steps/{stepId} with an optional StepDetails
// body.
func (s *Server) handleEngineStep(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.owned(w, r)
	if !ok {
		return
	}
	var details playbook.StepDetails
	if err := s.decodeBody(w, r, &details, true); err != nil {
		s.writeBodyError(w, r, err)
		return
	}
	res, err := s.manager.ExecuteStep(r.Context(), exec.ID, strings.TrimSpace(r.PathValue("stepId")), &details)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resultResponse{Result: res})
}

// PUT /engine/executions/{id}/status
func (s *Server) handleEngineStatus(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.owned(w, r)
	if !ok {
		return
	}
	var req statusRequest
	if err := s.decodeBody(w, r, &req, false); err != nil {
		s.writeBodyError(w, r, err)
		return
	}
	status, valid := playbook.ParseStatus(req.Status)
	if !valid {
		s.writeError(w, r, playbook.Validation("api: status", "unknown status %q", req.Status))
		return
	}
	if err := s.manager.UpdateExecutionStatus(r.Context(), exec.ID, status); err != nil {
		s.writeError(w, r, err)
		return
	}
	updated, _ := s.manager.GetExecution(exec.ID)
	writeJSON(w, http.StatusOK, s.executionView(updated))
}

// DELETE /engine/executions/{id}
func (s *Server) handleEngineDelete(w http.ResponseWriter, r *http.Request) {
	customerID, err := s.tenant(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.manager.DeleteExecution(r.Context(), customerID, strings.TrimSpace(r.PathValue("id"))); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// owned resolves the {id} execution for the calling tenant, hydrating the
// cache on a miss. Another tenant's execution is reported as missing.
func (s *Server) owned(w http.ResponseWriter, r *http.Request) (playbook.Execution, bool) {
	customerID, err := s.tenant(r)
	if err != nil {
		s.writeError(w, r, err)
		return playbook.Execution{}, false
	}
	id := strings.TrimSpace(r.PathValue("id"))
	exec, ok := s.manager.GetExecution(id)
	if !ok {
		s.manager.LoadExecutions(r.Context(), customerID)
		exec, ok = s.manager.GetExecution(id)
	}
	if !ok || exec.CustomerID != customerID {
		s.writeError(w, r, playbook.NotFound("api: engine", "execution %s", id))
		return playbook.Execution{}, false
	}
	return exec, true
}

func (s *Server) executionView(exec playbook.Execution) executionResponse {
	resp := executionResponse{Execution: exec}
	board := projection.BoardAt(s.manager.Catalog(), []playbook.Execution{exec}, s.clock())
	if len(board) == 1 {
		resp.Summary = board[0]
	}
	if resp.Execution.Results == nil {
		resp.Execution.Results = []playbook.Result{}
	}
	return resp
}

// GET /engine/feed upgrades to a websocket streaming the tenant's changes.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	customerID, err := s.tenant(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.metrics.FeedSessionOpened()
	defer s.metrics.FeedSessionClosed()
	s.feed.Stream(w, r, customerID)
}

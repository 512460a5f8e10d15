// Package projection derives read models from executions for dashboards and
// the terminal board. Projections never mutate their inputs.
package projection

import (
	"sort"
	"strings"
	"time"

	"github.com/kingrea/playbooks/internal/playbook"
	"github.com/kingrea/playbooks/internal/playbook/resolver"
)

// Definitions resolves playbook ids. *catalog.Catalog satisfies it.
type Definitions interface {
	GetByID(id string) (playbook.Definition, bool)
}

// StepRef names a step in a summary.
type StepRef struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	BlockedBy []string `json:"blockedBy,omitempty"`
}

// Summary is the flattened view of one execution.
type Summary struct {
	ExecutionID        string          `json:"executionId"`
	PlaybookID         string          `json:"playbookId"`
	PlaybookName       string          `json:"playbookName"`
	Category           string          `json:"category,omitempty"`
	CustomerID         int64           `json:"customerId"`
	AccountID          *int64          `json:"accountId,omitempty"`
	AccountName        string          `json:"accountName,omitempty"`
	Status             playbook.Status `json:"status"`
	StatusLabel        string          `json:"statusLabel"`
	Progress           int             `json:"progress"`
	CompletedSteps     int             `json:"completedSteps"`
	TotalSteps         int             `json:"totalSteps"`
	NextSteps          []StepRef       `json:"nextSteps"`
	Blocked            []StepRef       `json:"blocked"`
	StartedAt          time.Time       `json:"startedAt"`
	CompletedAt        *time.Time      `json:"completedAt"`
	Elapsed            time.Duration   `json:"elapsed"`
	EstimatedRemaining int             `json:"estimatedRemaining"`
	// Unknown is set when the execution references a playbook the catalog
	// no longer carries.
	Unknown bool `json:"unknown,omitempty"`
}

// Summarize projects exec against its definition using the current time for
// open executions.
func Summarize(def playbook.Definition, exec playbook.Execution) Summary {
	return SummarizeAt(def, exec, time.Now())
}

// SummarizeAt is Summarize with an explicit clock reading.
func SummarizeAt(def playbook.Definition, exec playbook.Execution, now time.Time) Summary {
	s := base(exec, now)
	s.PlaybookName = def.Name
	if s.PlaybookName == "" {
		s.PlaybookName = exec.PlaybookID
	}
	s.Category = string(def.Category)
	s.TotalSteps = len(def.Steps)
	s.Progress = resolver.ProgressPercentage(exec, s.TotalSteps)

	plan := resolver.Evaluate(def, exec)
	s.CompletedSteps = plan.CompletedCount()
	if !exec.Status.Terminal() {
		for _, node := range plan.Ready() {
			s.NextSteps = append(s.NextSteps, StepRef{ID: node.ID, Title: node.Step.Title})
		}
		for _, node := range plan.Blocked() {
			s.Blocked = append(s.Blocked, StepRef{ID: node.ID, Title: node.Step.Title, BlockedBy: node.BlockedBy})
		}
	}
	for _, node := range plan.Nodes() {
		if node.State != resolver.NodeStateComplete {
			s.EstimatedRemaining += node.Step.EstimatedTime
		}
	}
	if exec.Status == playbook.StatusCompleted {
		s.EstimatedRemaining = 0
	}
	return s
}

func base(exec playbook.Execution, now time.Time) Summary {
	s := Summary{
		ExecutionID: exec.ID,
		PlaybookID:  exec.PlaybookID,
		CustomerID:  exec.CustomerID,
		AccountID:   exec.AccountID,
		AccountName: exec.Context.AccountName,
		Status:      exec.Status,
		StatusLabel: StatusLabel(exec.Status),
		StartedAt:   exec.StartedAt,
		CompletedAt: exec.CompletedAt,
		NextSteps:   []StepRef{},
		Blocked:     []StepRef{},
	}
	end := now
	if exec.CompletedAt != nil {
		end = *exec.CompletedAt
	}
	if !exec.StartedAt.IsZero() && end.After(exec.StartedAt) {
		s.Elapsed = end.Sub(exec.StartedAt)
	}
	return s
}

// Board summarizes executions newest first. Executions of unknown playbooks
// are kept and flagged.
func Board(defs Definitions, execs []playbook.Execution) []Summary {
	return BoardAt(defs, execs, time.Now())
}

// BoardAt is Board with an explicit clock reading.
func BoardAt(defs Definitions, execs []playbook.Execution, now time.Time) []Summary {
	out := make([]Summary, 0, len(execs))
	for _, exec := range execs {
		var (
			def playbook.Definition
			ok  bool
		)
		if defs != nil {
			def, ok = defs.GetByID(exec.PlaybookID)
		}
		if !ok {
			s := base(exec, now)
			s.PlaybookName = exec.PlaybookID
			s.Unknown = true
			s.Progress = resolver.ProgressPercentage(exec, 0)
			out = append(out, s)
			continue
		}
		out = append(out, SummarizeAt(def, exec, now))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ExecutionID < out[j].ExecutionID
	})
	return out
}

// StatusLabel renders a status for humans: "in-progress" becomes
// "In Progress".
func StatusLabel(status playbook.Status) string {
	value := strings.TrimSpace(string(status))
	if value == "" {
		return "Unknown"
	}
	words := strings.Fields(strings.NewReplacer("_", " ", "-", " ").Replace(strings.ToLower(value)))
	for i, word := range words {
		words[i] = strings.ToUpper(word[:1]) + word[1:]
	}
	return strings.Join(words, " ")
}

package projection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/playbooks/internal/playbook"
	"github.com/kingrea/playbooks/internal/playbook/catalog"
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func vocExecution(status playbook.Status, steps ...string) playbook.Execution {
	exec := playbook.Execution{
		ID:         "exec-1",
		PlaybookID: "voc-sprint",
		CustomerID: 7,
		Status:     status,
		StartedAt:  t0,
		Results:    []playbook.Result{},
		Context:    playbook.ExecutionContext{CustomerID: 7, UserID: 1, UserName: "U", AccountName: "Acme"},
	}
	for _, id := range steps {
		exec.Results = append(exec.Results, playbook.Result{StepID: id, Status: playbook.StatusCompleted, CompletedAt: t0})
	}
	return exec
}

func refIDs(refs []StepRef) []string {
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		out = append(out, ref.ID)
	}
	return out
}

func TestSummarizeFreshExecution(t *testing.T) {
	def, ok := catalog.MustLoad().GetByID("voc-sprint")
	require.True(t, ok)

	s := SummarizeAt(def, vocExecution(playbook.StatusInProgress), t0.Add(90*time.Minute))
	assert.Equal(t, "exec-1", s.ExecutionID)
	assert.Equal(t, def.Name, s.PlaybookName)
	assert.Equal(t, "voice-of-customer", s.Category)
	assert.Equal(t, "Acme", s.AccountName)
	assert.Equal(t, "In Progress", s.StatusLabel)
	assert.Equal(t, 0, s.Progress)
	assert.Equal(t, 12, s.TotalSteps)
	assert.Equal(t, []string{"voc-trigger-check"}, refIDs(s.NextSteps))
	assert.Len(t, s.Blocked, 11)
	assert.Equal(t, 90*time.Minute, s.Elapsed)

	total := 0
	for _, step := range def.Steps {
		total += step.EstimatedTime
	}
	assert.Equal(t, total, s.EstimatedRemaining)
}

func TestSummarizeAfterFirstStep(t *testing.T) {
	def, _ := catalog.MustLoad().GetByID("voc-sprint")
	s := SummarizeAt(def, vocExecution(playbook.StatusInProgress, "voc-trigger-check"), t0)

	assert.Equal(t, 8, s.Progress)
	assert.Equal(t, 1, s.CompletedSteps)
	assert.Equal(t, []string{"voc-stakeholder-map", "voc-survey-design"}, refIDs(s.NextSteps))
	for _, b := range s.Blocked {
		assert.NotEmpty(t, b.BlockedBy, b.ID)
	}
}

func TestSummarizeTerminalExecution(t *testing.T) {
	def, _ := catalog.MustLoad().GetByID("voc-sprint")
	exec := vocExecution(playbook.StatusCompleted, "voc-trigger-check")
	done := t0.Add(2 * time.Hour)
	exec.CompletedAt = &done

	s := SummarizeAt(def, exec, t0.Add(48*time.Hour))
	assert.Equal(t, 100, s.Progress)
	assert.Empty(t, s.NextSteps)
	assert.Empty(t, s.Blocked)
	assert.Equal(t, 2*time.Hour, s.Elapsed)
	assert.Zero(t, s.EstimatedRemaining)
	assert.Equal(t, "Completed", s.StatusLabel)
}

func TestBoardSortsNewestFirstAndFlagsUnknown(t *testing.T) {
	cat := catalog.MustLoad()
	older := vocExecution(playbook.StatusInProgress)
	older.ID = "b"
	newer := vocExecution(playbook.StatusPaused)
	newer.ID = "a"
	newer.StartedAt = t0.Add(time.Hour)
	orphan := vocExecution(playbook.StatusInProgress)
	orphan.ID = "c"
	orphan.PlaybookID = "retired"
	orphan.StartedAt = t0.Add(-time.Hour)

	board := BoardAt(cat, []playbook.Execution{older, orphan, newer}, t0.Add(2*time.Hour))
	require.Len(t, board, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{board[0].ExecutionID, board[1].ExecutionID, board[2].ExecutionID})
	assert.True(t, board[2].Unknown)
	assert.Equal(t, "retired", board[2].PlaybookName)
	assert.Equal(t, "Paused", board[0].StatusLabel)
}

func TestStatusLabel(t *testing.T) {
	cases := map[playbook.Status]string{
		playbook.StatusNotStarted: "Not Started",
		playbook.StatusCancelled:  "Cancelled",
		"":                        "Unknown",
	}
	for status, want := range cases {
		assert.Equal(t, want, StatusLabel(status))
	}
}

package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/playbooks/internal/playbook"
	"github.com/kingrea/playbooks/internal/projection"
)

var (
	labelStyleReady   = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	labelStyleBlocked = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	labelStyleRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	labelStylePaused  = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
	labelStyleDone    = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
	labelStyleDefault = lipgloss.NewStyle().Foreground(lipgloss.Color("#CCCCCC"))
	detailTextStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
)

func labelStyleForStatus(status playbook.Status) lipgloss.Style {
	switch status {
	case playbook.StatusInProgress:
		return labelStyleRunning
	case playbook.StatusPaused:
		return labelStylePaused
	case playbook.StatusCompleted:
		return labelStyleReady
	case playbook.StatusFailed:
		return labelStyleBlocked
	case playbook.StatusCancelled:
		return labelStyleDone
	default:
		return labelStyleDefault
	}
}

// renderDetails shows the selected execution's progress and the steps that
// can run next or are still waiting on dependencies.
func (a *App) renderDetails(s projection.Summary) string {
	title := fmt.Sprintf("%s · [%s]", s.PlaybookName, labelStyleForStatus(s.Status).Render(s.StatusLabel))
	lines := []string{
		title,
		a.progress.ViewAs(float64(s.Progress) / 100),
	}
	timing := fmt.Sprintf("Started %s · elapsed %s", s.StartedAt.Local().Format("2006-01-02 15:04"), roundDuration(s.Elapsed))
	if s.CompletedAt != nil {
		timing = fmt.Sprintf("Completed %s", s.CompletedAt.Local().Format("2006-01-02 15:04"))
	} else if s.EstimatedRemaining > 0 {
		timing += fmt.Sprintf(" · ~%d min remaining", s.EstimatedRemaining)
	}
	lines = append(lines, detailTextStyle.Render(timing))

	if s.Status.Terminal() {
		return boxed(lines)
	}
	if len(s.NextSteps) > 0 {
		lines = append(lines, "")
		for _, step := range s.NextSteps {
			lines = append(lines, fmt.Sprintf("  %s %s", labelStyleReady.Render("Ready"), step.Title))
		}
	}
	if len(s.Blocked) > 0 {
		lines = append(lines, "")
		for _, step := range s.Blocked {
			line := fmt.Sprintf("  %s %s", labelStyleBlocked.Render("Blocked"), step.Title)
			if len(step.BlockedBy) > 0 {
				line += detailTextStyle.Render(" · waiting on " + strings.Join(step.BlockedBy, ", "))
			}
			lines = append(lines, line)
		}
	}
	return boxed(lines)
}

func boxed(lines []string) string {
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Padding(0, 1).
		Render(strings.Join(lines, "\n"))
}

func roundDuration(d time.Duration) time.Duration {
	if d < time.Minute {
		return d.Round(time.Second)
	}
	return d.Round(time.Minute)
}

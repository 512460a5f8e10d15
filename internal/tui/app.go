// Package tui renders a read-only terminal board of a tenant's playbook
// executions. It follows The Elm Architecture via bubbletea: the App holds
// the board state, Update folds messages into it and View renders it.
package tui

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/playbooks/internal/logbook"
	"github.com/kingrea/playbooks/internal/playbook/manager"
	"github.com/kingrea/playbooks/internal/projection"
)

const (
	boardRefreshInterval = 3 * time.Second
	fetchTimeout         = 10 * time.Second
)

// BoardSource produces the current board, newest execution first.
type BoardSource func(ctx context.Context) ([]projection.Summary, error)

// ManagerSource hydrates the manager for customerID and projects its cached
// executions.
func ManagerSource(m *manager.Manager, customerID int64) BoardSource {
	return func(ctx context.Context) ([]projection.Summary, error) {
		m.LoadExecutions(ctx, customerID)
		return projection.Board(m.Catalog(), m.GetCustomerExecutions(customerID)), nil
	}
}

// AppOption customizes App construction for tests and alternate runtimes.
type AppOption func(*App)

// WithLogbook shows the tail of the audit logbook under the board.
func WithLogbook(lb *logbook.Logbook) AppOption {
	return func(a *App) {
		if lb != nil {
			a.logbook = lb
		}
	}
}

// WithRefreshInterval overrides the automatic refresh period. Zero disables
// automatic refreshes.
func WithRefreshInterval(d time.Duration) AppOption {
	return func(a *App) {
		if d >= 0 {
			a.refreshEvery = d
		}
	}
}

type boardMsg struct {
	summaries []projection.Summary
	err       error
	at        time.Time
}

type refreshTickMsg struct{}

// App is the board model.
type App struct {
	source       BoardSource
	customerID   int64
	logbook      *logbook.Logbook
	refreshEvery time.Duration

	table    table.Model
	progress progress.Model
	details  bool

	summaries []projection.Summary
	loaded    bool
	err       error
	statusMsg string
	lastFetch time.Time

	width  int
	height int
}

// NewApp creates a board for customerID fed by source.
func NewApp(source BoardSource, customerID int64, opts ...AppOption) (*App, error) {
	if source == nil {
		return nil, fmt.Errorf("tui: board source is required")
	}
	t := table.New(
		table.WithColumns(boardColumns(100)),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		BorderBottom(true).
		Bold(true)
	styles.Selected = styles.Selected.
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(lipgloss.Color("#5B8DEF")).
		Bold(false)
	t.SetStyles(styles)

	app := &App{
		source:       source,
		customerID:   customerID,
		refreshEvery: boardRefreshInterval,
		table:        t,
		progress:     progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		details:      true,
		statusMsg:    "Loading board...",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(app)
		}
	}
	if app.logbook != nil {
		_ = app.logbook.Info("Board opened · customer %d", customerID)
	}
	return app, nil
}

func boardColumns(width int) []table.Column {
	name := max(16, width-70)
	return []table.Column{
		{Title: "Playbook", Width: name},
		{Title: "Account", Width: 16},
		{Title: "Status", Width: 12},
		{Title: "Progress", Width: 9},
		{Title: "Steps", Width: 7},
		{Title: "Next", Width: 20},
	}
}

// Init is called once when the program starts.
func (a *App) Init() tea.Cmd {
	return a.fetch()
}

// Update is called when a message is received.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.table.SetColumns(boardColumns(max(60, msg.Width-4)))
		a.table.SetWidth(max(60, msg.Width-4))
		a.table.SetHeight(max(5, msg.Height/2))
		a.progress.Width = max(20, min(60, msg.Width/3))
		return a, nil

	case boardMsg:
		a.lastFetch = msg.at
		if msg.err != nil {
			a.err = msg.err
			a.statusMsg = fmt.Sprintf("Refresh failed: %v", msg.err)
			return a, a.scheduleRefresh()
		}
		a.err = nil
		a.loaded = true
		a.applyBoard(msg.summaries)
		a.statusMsg = fmt.Sprintf("%d executions · updated %s", len(a.summaries), msg.at.Format("15:04:05"))
		return a, a.scheduleRefresh()

	case refreshTickMsg:
		return a, a.fetch()

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return a, tea.Quit
		case "r":
			a.statusMsg = "Refreshing board..."
			return a, a.fetch()
		case "enter", "d":
			a.details = !a.details
			return a, nil
		}
	}

	var cmd tea.Cmd
	a.table, cmd = a.table.Update(msg)
	return a, cmd
}

func (a *App) fetch() tea.Cmd {
	source := a.source
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		summaries, err := source(ctx)
		return boardMsg{summaries: summaries, err: err, at: time.Now()}
	}
}

func (a *App) scheduleRefresh() tea.Cmd {
	if a.refreshEvery <= 0 {
		return nil
	}
	return tea.Tick(a.refreshEvery, func(time.Time) tea.Msg {
		return refreshTickMsg{}
	})
}

func (a *App) applyBoard(summaries []projection.Summary) {
	a.summaries = summaries
	rows := make([]table.Row, 0, len(summaries))
	for _, s := range summaries {
		rows = append(rows, summaryRow(s))
	}
	a.table.SetRows(rows)
	if cursor := a.table.Cursor(); cursor >= len(rows) {
		a.table.SetCursor(max(0, len(rows)-1))
	}
}

func summaryRow(s projection.Summary) table.Row {
	account := s.AccountName
	if account == "" && s.AccountID != nil {
		account = fmt.Sprintf("#%d", *s.AccountID)
	}
	if account == "" {
		account = "-"
	}
	next := "-"
	if len(s.NextSteps) > 0 {
		next = s.NextSteps[0].Title
		if len(s.NextSteps) > 1 {
			next = fmt.Sprintf("%s +%d", next, len(s.NextSteps)-1)
		}
	}
	name := s.PlaybookName
	if s.Unknown {
		name += " (unknown)"
	}
	return table.Row{
		name,
		account,
		s.StatusLabel,
		fmt.Sprintf("%d%%", s.Progress),
		fmt.Sprintf("%d/%d", s.CompletedSteps, s.TotalSteps),
		next,
	}
}

// Selected returns the highlighted execution, if any.
func (a *App) Selected() (projection.Summary, bool) {
	idx := a.table.Cursor()
	if idx < 0 || idx >= len(a.summaries) {
		return projection.Summary{}, false
	}
	return a.summaries[idx], true
}

// View renders the board.
func (a *App) View() string {
	header := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#FF6B6B")).
		MarginBottom(1).
		Render(fmt.Sprintf("⬡ PLAYBOOKS · customer %d", a.customerID))

	var body string
	switch {
	case !a.loaded && a.err != nil:
		body = labelStyleBlocked.Render(fmt.Sprintf("Board unavailable: %v", a.err))
	case !a.loaded:
		body = "Loading executions..."
	case len(a.summaries) == 0:
		body = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")).Render("No executions yet. Start a playbook to see it here.")
	default:
		body = a.table.View()
	}
	box := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Padding(0, 1).
		Render(body)

	sections := []string{header, box}
	if a.details {
		if selected, ok := a.Selected(); ok {
			sections = append(sections, a.renderDetails(selected))
		}
	}
	if logPanel := a.renderLogPanel(); logPanel != "" {
		sections = append(sections, logPanel)
	}
	footer := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#888888")).
		MarginTop(1).
		Render(a.statusMsg + "\n↑/↓=select  enter=details  r=refresh  q=quit")
	sections = append(sections, footer)
	return strings.Join(sections, "\n")
}

func (a *App) renderLogPanel() string {
	if a.logbook == nil {
		return ""
	}
	lines, _ := a.logbook.Tail(6)
	if len(lines) == 0 {
		return ""
	}
	fileName := filepath.Base(a.logbook.Path())
	if fileName == "." || fileName == "" {
		fileName = "log"
	}
	head := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#5B8DEF")).
		Render(fmt.Sprintf("LOG · %s", fileName))
	body := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#AAAAAA")).
		Render(strings.Join(lines, "\n"))
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Padding(0, 1).
		Render(fmt.Sprintf("%s\n%s", head, body))
}

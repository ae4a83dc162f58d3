// Package tui provides a live terminal monitor for the job queue.
package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/markxbrooks/schedarray/internal/models"
	"github.com/markxbrooks/schedarray/internal/scheduler"
)

const refreshInterval = time.Second

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	footerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))

	statusPending   = lipgloss.NewStyle().Foreground(lipgloss.Color("3")) // Yellow
	statusRunning   = lipgloss.NewStyle().Foreground(lipgloss.Color("6")) // Cyan
	statusCompleted = lipgloss.NewStyle().Foreground(lipgloss.Color("2")) // Green
	statusFailed    = lipgloss.NewStyle().Foreground(lipgloss.Color("1")) // Red
	statusCancelled = lipgloss.NewStyle().Foreground(lipgloss.Color("5")) // Magenta
	statusTimeout   = lipgloss.NewStyle().Foreground(lipgloss.Color("1")) // Red
)

func formatState(state models.JobState) string {
	switch state {
	case models.JobStatePending:
		return statusPending.Render(string(state))
	case models.JobStateRunning:
		return statusRunning.Render(string(state))
	case models.JobStateCompleted:
		return statusCompleted.Render(string(state))
	case models.JobStateFailed:
		return statusFailed.Render(string(state))
	case models.JobStateCancelled:
		return statusCancelled.Render(string(state))
	case models.JobStateTimeout:
		return statusTimeout.Render(string(state))
	default:
		return string(state)
	}
}

type tickMsg time.Time

type queueMsg struct {
	jobs   []models.Job
	counts map[models.JobState]int
	err    error
}

// Model is the monitor screen: a refreshing table of jobs plus state counts.
type Model struct {
	sched  *scheduler.Scheduler
	table  table.Model
	counts map[models.JobState]int
	err    error
	limit  int
}

// New creates a monitor model over a scheduler.
func New(sched *scheduler.Scheduler) Model {
	columns := []table.Column{
		{Title: "JOB ID", Width: 26},
		{Title: "NAME", Width: 16},
		{Title: "STATE", Width: 10},
		{Title: "PRI", Width: 4},
		{Title: "USER", Width: 10},
		{Title: "SUBMITTED", Width: 19},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(20),
	)

	return Model{
		sched: sched,
		table: t,
		limit: 100,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.refresh, tick())
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) refresh() tea.Msg {
	jobs, err := m.sched.List(scheduler.ListFilter{Limit: m.limit})
	if err != nil {
		return queueMsg{err: err}
	}
	counts, err := m.sched.CountByState()
	if err != nil {
		return queueMsg{err: err}
	}
	return queueMsg{jobs: jobs, counts: counts}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.table.SetHeight(msg.Height - 6)

	case tickMsg:
		return m, tea.Batch(m.refresh, tick())

	case queueMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.err = nil
		m.counts = msg.counts
		rows := make([]table.Row, 0, len(msg.jobs))
		for _, job := range msg.jobs {
			rows = append(rows, table.Row{
				job.JobID,
				job.JobName,
				formatState(job.State),
				fmt.Sprintf("%d", job.Priority),
				job.User,
				job.SubmitTime.Local().Format("2006-01-02 15:04:05"),
			})
		}
		m.table.SetRows(rows)
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	view := titleStyle.Render("schedarray monitor") + "\n\n"
	view += m.table.View() + "\n"

	if m.err != nil {
		view += footerStyle.Render(fmt.Sprintf("error: %v", m.err)) + "\n"
	} else if m.counts != nil {
		view += footerStyle.Render(fmt.Sprintf(
			"pending %d  running %d  completed %d  failed %d  cancelled %d  timeout %d",
			m.counts[models.JobStatePending], m.counts[models.JobStateRunning],
			m.counts[models.JobStateCompleted], m.counts[models.JobStateFailed],
			m.counts[models.JobStateCancelled], m.counts[models.JobStateTimeout],
		)) + "\n"
	}
	view += footerStyle.Render("q to quit")
	return view
}

// Run starts the monitor and blocks until the user quits.
func Run(sched *scheduler.Scheduler) error {
	_, err := tea.NewProgram(New(sched), tea.WithAltScreen()).Run()
	return err
}

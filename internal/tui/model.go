// Package tui renders live dispatch progress in the terminal.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/stackfleet/internal/events"
)

const maxEventLog = 8

// DeviceRow is the progress of one stack.
type DeviceRow struct {
	Serial   string
	Worker   int
	Status   string
	Duration time.Duration
	Error    string
}

// Totals summarizes a run so far.
type Totals struct {
	Jobs         int
	Workers      int
	Running      int
	Succeeded    int
	Failed       int
	Skipped      int
	StartFailed  int
}

// Queued is the number of jobs not yet picked up by a worker.
func (t Totals) Queued() int {
	q := t.Jobs - t.Running - t.Succeeded - t.Failed - t.Skipped
	if q < 0 {
		return 0
	}
	return q
}

type eventMsg events.Event

type streamClosedMsg struct{}

// Model is the BubbleTea model for the run progress view.
type Model struct {
	source <-chan events.Event

	width int

	runID    string
	totals   Totals
	rows     map[string]*DeviceRow
	order    []string
	eventLog []events.Event
	done     bool
	detached bool
	// interrupted is set when the user pressed ctrl+c rather than q.
	interrupted bool
	lastError   string

	spinner spinner.Model
	table   table.Model
	theme   Theme
}

// New creates a progress model reading from source. The view quits when
// run.completed arrives or source is closed.
func New(source <-chan events.Event) Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Device", Width: 24},
			{Title: "Worker", Width: 6},
			{Title: "Duration", Width: 10},
			{Title: "Error", Width: 40},
		}),
		table.WithHeight(12),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = lipgloss.NewStyle()
	t.SetStyles(s)

	return Model{
		source:  source,
		rows:    make(map[string]*DeviceRow),
		spinner: spinner.New(spinner.WithSpinner(spinner.Dot)),
		table:   t,
		theme:   NewDefaultTheme(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForEvent(m.source))
}

// waitForEvent blocks on the next event from source.
func waitForEvent(source <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-source
		if !ok {
			return streamClosedMsg{}
		}
		return eventMsg(ev)
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc":
			m.detached = true
			return m, tea.Quit
		case "ctrl+c":
			m.interrupted = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.table.SetWidth(max(msg.Width-6, 40))

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case eventMsg:
		m.apply(events.Event(msg))
		m.refreshTable()
		if m.done {
			return m, tea.Quit
		}
		return m, waitForEvent(m.source)

	case streamClosedMsg:
		if !m.done {
			m.lastError = "event stream closed before the run completed"
		}
		m.done = true
		return m, tea.Quit
	}

	return m, nil
}

// apply folds one event into the model state.
func (m *Model) apply(ev events.Event) {
	m.eventLog = append([]events.Event{ev}, m.eventLog...)
	if len(m.eventLog) > maxEventLog {
		m.eventLog = m.eventLog[:maxEventLog]
	}

	switch ev.Type {
	case events.RunStarted:
		var p events.RunPayload
		if ev.Decode(&p) != nil {
			return
		}
		m.runID = p.RunID
		m.totals.Jobs = p.Jobs
		m.totals.Workers = p.Workers

	case events.WorkerStartFailed:
		m.totals.StartFailed++

	case events.JobStarted:
		var p events.JobPayload
		if ev.Decode(&p) != nil {
			return
		}
		row := m.row(p.Serial)
		row.Worker = p.Worker
		if row.Status != "running" {
			row.Status = "running"
			m.totals.Running++
		}

	case events.JobCompleted:
		var p events.JobPayload
		if ev.Decode(&p) != nil {
			return
		}
		row := m.row(p.Serial)
		if row.Status == "running" {
			m.totals.Running--
		}
		row.Worker = p.Worker
		row.Status = p.Status
		row.Duration = p.Duration
		row.Error = p.Error
		switch p.Status {
		case "succeeded":
			m.totals.Succeeded++
		case "failed":
			m.totals.Failed++
		case "skipped":
			m.totals.Skipped++
		}

	case events.RunCompleted:
		var p events.RunPayload
		if ev.Decode(&p) == nil {
			m.totals.Succeeded = p.Succeeded
			m.totals.Failed = p.Failed
			m.totals.Skipped = p.Skipped
			m.totals.Running = 0
		}
		m.done = true
	}
}

func (m *Model) row(serial string) *DeviceRow {
	if r, ok := m.rows[serial]; ok {
		return r
	}
	r := &DeviceRow{Serial: serial}
	m.rows[serial] = r
	m.order = append(m.order, serial)
	return r
}

func (m *Model) refreshTable() {
	rows := make([]table.Row, 0, len(m.order))
	for _, serial := range m.order {
		r := m.rows[serial]
		duration := "-"
		if r.Duration > 0 {
			duration = r.Duration.Round(10 * time.Millisecond).String()
		}
		worker := "-"
		if r.Worker > 0 {
			worker = fmt.Sprintf("%d", r.Worker)
		}
		rows = append(rows, table.Row{m.theme.symbol(r.Status), r.Serial, worker, duration, r.Error})
	}
	m.table.SetRows(rows)
}

// Totals returns the counts seen so far.
func (m Model) Totals() Totals { return m.totals }

// Rows returns device progress in first-seen order.
func (m Model) Rows() []DeviceRow {
	out := make([]DeviceRow, 0, len(m.order))
	for _, serial := range m.order {
		out = append(out, *m.rows[serial])
	}
	return out
}

// Done reports whether the run completed or the stream ended.
func (m Model) Done() bool { return m.done }

// Interrupted reports whether the user asked to stop the run.
func (m Model) Interrupted() bool { return m.interrupted }

func (m Model) View() string {
	title := "stackfleet"
	if m.runID != "" {
		title += " " + m.theme.Dim.Render(shortID(m.runID))
	}

	status := m.spinner.View() + " dispatching"
	if m.done {
		status = m.theme.StatusOK.Render("✓") + " run complete"
	}

	t := m.totals
	totals := fmt.Sprintf("jobs %d  workers %d  queued %d  running %s  ok %s  failed %s  skipped %s",
		t.Jobs, t.Workers, t.Queued(),
		m.theme.StatusRunning.Render(fmt.Sprintf("%d", t.Running)),
		m.theme.StatusOK.Render(fmt.Sprintf("%d", t.Succeeded)),
		m.theme.StatusFailed.Render(fmt.Sprintf("%d", t.Failed)),
		m.theme.StatusSkipped.Render(fmt.Sprintf("%d", t.Skipped)),
	)
	if t.StartFailed > 0 {
		totals += m.theme.StatusFailed.Render(fmt.Sprintf("  worker start failures %d", t.StartFailed))
	}

	parts := []string{
		m.theme.Title.Render(title) + "  " + status,
		totals,
		m.theme.Border.Render(m.table.View()),
		renderEventLog(m.eventLog, m.theme),
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(" ⚠ "+m.lastError))
	}
	if !m.done {
		parts = append(parts, m.theme.Dim.Render(" [q] detach • [ctrl+c] stop run"))
	}

	return lipgloss.NewStyle().Margin(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}

func renderEventLog(log []events.Event, theme Theme) string {
	if len(log) == 0 {
		return theme.Dim.Render("  waiting for events...")
	}
	lines := make([]string, 0, len(log))
	for _, e := range log {
		lines = append(lines, formatEvent(e, theme))
	}
	return strings.Join(lines, "\n")
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Local().Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch {
	case strings.HasSuffix(e.Type, ".completed"):
		typeStyle = theme.StatusOK
	case strings.HasSuffix(e.Type, ".start_failed"):
		typeStyle = theme.StatusFailed
	case strings.HasSuffix(e.Type, ".started"):
		typeStyle = theme.StatusRunning
	default:
		typeStyle = theme.Dim
	}

	desc := ""
	var p events.JobPayload
	if e.Decode(&p) == nil && p.Serial != "" {
		desc = p.Serial
		if p.Status != "" {
			desc += " " + p.Status
		}
	}
	return fmt.Sprintf("%s %s %s", ts, typeStyle.Render(fmt.Sprintf("%-20s", e.Type)), desc)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

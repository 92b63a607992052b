package main

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/joshuapare/vmkit/vmo"
)

// tickMsg drives the periodic refresh of the object table.
type tickMsg time.Time

const refreshInterval = 500 * time.Millisecond

type model struct {
	workload *workload
	table    table.Model
	width    int
	height   int
}

func newModel(w *workload) model {
	columns := []table.Column{
		{Title: "ID", Width: 5},
		{Title: "Kind", Width: 11},
		{Title: "Name", Width: 24},
		{Title: "Size", Width: 12},
		{Title: "Committed", Width: 12},
		{Title: "Pinned", Width: 8},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(16),
	)
	s := table.DefaultStyles()
	s.Header = tableHeaderStyle
	s.Selected = tableSelectedStyle
	t.SetStyles(s)

	m := model{workload: w, table: t}
	m.refreshRows()
	return m
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) Init() tea.Cmd {
	return tick()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case " ":
			m.workload.togglePause()
			return m, nil
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		if msg.Height > 8 {
			m.table.SetHeight(msg.Height - 6)
		}
		return m, nil
	case tickMsg:
		m.refreshRows()
		return m, tick()
	}
	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m *model) refreshRows() {
	objects := vmo.AllObjects()
	rows := make([]table.Row, 0, len(objects))
	for _, o := range objects {
		size := o.Size()
		rows = append(rows, table.Row{
			fmt.Sprintf("%d", o.ID()),
			kindOf(o),
			o.Name(),
			formatBytes(size),
			formatBytes(o.AttributedMemory(0, size)),
			fmt.Sprintf("%d", o.PinnedPages()),
		})
	}
	m.table.SetRows(rows)
}

func kindOf(o *vmo.Object) string {
	switch {
	case o.IsSlice():
		return "slice"
	case o.IsReference():
		return "reference"
	case o.Contiguous():
		return "contiguous"
	case o.Discardable():
		return "discardable"
	default:
		return "paged"
	}
}

func formatBytes(n uint64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}

func (m model) View() string {
	header := headerStyle.Render("vmoexplorer — live object table")
	state := "running"
	if m.workload.paused.Load() {
		state = "paused"
	}
	status := statusStyle.Render(fmt.Sprintf(
		"%d objects · %d workload rounds · %s · space pause · q quit",
		len(m.table.Rows()), m.workload.roundsDone(), state,
	))
	return header + "\n" + paneStyle.Render(m.table.View()) + "\n" + status
}

package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/swarm/internal/events"
)

const maxLogLines = 500

// EventLogModel is a scrolling log of every event received.
type EventLogModel struct {
	lines    []string
	viewport viewport.Model
	follow   bool // stick to the newest line
	width    int
	height   int
	focused  bool
}

// NewEventLogModel creates an empty log that follows new events.
func NewEventLogModel() EventLogModel {
	return EventLogModel{
		viewport: viewport.New(0, 0),
		follow:   true,
	}
}

// Update handles messages for the event log.
func (m EventLogModel) Update(msg tea.Msg) (EventLogModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		m.viewport, cmd = m.viewport.Update(msg)
		m.follow = m.viewport.AtBottom()

	case events.Event:
		m.lines = append(m.lines, Describe(msg))
		if len(m.lines) > maxLogLines {
			m.lines = m.lines[len(m.lines)-maxLogLines:]
		}
		m.viewport.SetContent(strings.Join(m.lines, "\n"))
		if m.follow {
			m.viewport.GotoBottom()
		}
	}

	return m, cmd
}

// Lines returns the buffered log lines.
func (m EventLogModel) Lines() []string {
	return m.lines
}

// View renders the event log.
func (m EventLogModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	title := StyleTitle.Render("Events")
	content := lipgloss.JoinVertical(lipgloss.Left, title, m.viewport.View())

	return paneBorder(m.focused).
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

// Describe renders one event as a single log line.
func Describe(e events.Event) string {
	var detail string
	switch ev := e.(type) {
	case events.WorkerCreated:
		detail = fmt.Sprintf("%s created (%s)", ev.WorkerID, ev.WorkerType)
	case events.WorkerRetired:
		detail = fmt.Sprintf("%s retired after %d tasks", ev.WorkerID, ev.CompletedCount)
	case events.WorkerStatusChanged:
		detail = fmt.Sprintf("%s -> %s", ev.WorkerID, ev.Status)
	case events.TaskAssigned:
		detail = fmt.Sprintf("task %d -> %s", ev.TaskID, ev.WorkerID)
	case events.TaskBlocked:
		detail = fmt.Sprintf("task %d waiting on %v", ev.TaskID, ev.BlockedBy)
	case events.TaskUnblocked:
		detail = fmt.Sprintf("task %d ready", ev.TaskID)
		if ev.UnblockedBy != nil {
			detail += fmt.Sprintf(" (after %d)", *ev.UnblockedBy)
		}
	case events.TaskStatusChanged:
		detail = fmt.Sprintf("task %d %s", ev.TaskID, ev.Status)
	case events.ProgressUpdate:
		detail = fmt.Sprintf("%d/%d done (%.0f%%)", ev.Completed, ev.Total, ev.Percentage())
	default:
		detail = e.Entity()
	}
	return fmt.Sprintf("%-21s %s", e.EventType(), detail)
}

// SetSize updates the pane dimensions.
func (m *EventLogModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.viewport.Width = max(w-4, 10)
	m.viewport.Height = max(h-3, 3)
}

// SetFocused updates the focus state.
func (m *EventLogModel) SetFocused(focused bool) {
	m.focused = focused
}

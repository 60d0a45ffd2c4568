package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/swarm/internal/events"
	"github.com/aristath/swarm/internal/scheduler"
)

// WorkerView is what the pane knows about one worker handle.
type WorkerView struct {
	ID          string
	Type        scheduler.WorkerType
	Status      string // idle, busy, blocked, retired
	CurrentTask *scheduler.TaskID
	Completed   int
	History     []string
}

// WorkerPaneModel lists workers and shows the selected worker's history.
type WorkerPaneModel struct {
	workers     map[string]*WorkerView
	order       []string // creation order
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
	updateTag   int // debounces viewport refreshes
}

// NewWorkerPaneModel creates an empty worker pane.
func NewWorkerPaneModel() WorkerPaneModel {
	return WorkerPaneModel{
		workers:  make(map[string]*WorkerView),
		viewport: viewport.New(0, 0),
	}
}

type tickMsg struct {
	tag int
}

// Update handles messages for the worker pane.
func (m WorkerPaneModel) Update(msg tea.Msg) (WorkerPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.order)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.WorkerCreated:
		if _, exists := m.workers[msg.WorkerID]; !exists {
			m.workers[msg.WorkerID] = &WorkerView{
				ID:     msg.WorkerID,
				Type:   msg.WorkerType,
				Status: "idle",
			}
			m.order = append(m.order, msg.WorkerID)
			if len(m.order) == 1 {
				m.selectedIdx = 0
			}
		}
		cmd = m.appendHistory(msg.WorkerID, msg.Timestamp, "created")

	case events.WorkerStatusChanged:
		if w, exists := m.workers[msg.WorkerID]; exists {
			w.Status = msg.Status
			w.CurrentTask = msg.CurrentTaskID
		}
		line := msg.Status
		if msg.CurrentTaskID != nil {
			line = fmt.Sprintf("%s (task %d)", msg.Status, *msg.CurrentTaskID)
		}
		cmd = m.appendHistory(msg.WorkerID, msg.Timestamp, line)

	case events.TaskAssigned:
		cmd = m.appendHistory(msg.WorkerID, msg.Timestamp, fmt.Sprintf("assigned task %d: %s", msg.TaskID, msg.TaskTitle))

	case events.WorkerRetired:
		if w, exists := m.workers[msg.WorkerID]; exists {
			w.Status = "retired"
			w.CurrentTask = nil
			w.Completed = msg.CompletedCount
		}
		cmd = m.appendHistory(msg.WorkerID, msg.Timestamp, fmt.Sprintf("retired after %d tasks", msg.CompletedCount))

	case tickMsg:
		if msg.tag == m.updateTag {
			m.updateViewportContent()
		}
	}

	return m, cmd
}

// appendHistory records a line for a worker and schedules a debounced
// refresh when that worker is on screen.
func (m *WorkerPaneModel) appendHistory(workerID string, at time.Time, line string) tea.Cmd {
	w, exists := m.workers[workerID]
	if !exists {
		return nil
	}
	w.History = append(w.History, fmt.Sprintf("%s  %s", at.Local().Format("15:04:05"), line))
	if m.selectedID() != workerID {
		return nil
	}
	m.updateTag++
	tag := m.updateTag
	return tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
		return tickMsg{tag: tag}
	})
}

// View renders the worker pane.
func (m WorkerPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	listWidth := 28
	viewportWidth := m.width - listWidth - 4

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderList(listWidth),
		lipgloss.NewStyle().
			Width(viewportWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	return paneBorder(m.focused).
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m WorkerPaneModel) renderList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Workers")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.order) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	}
	for i, id := range m.order {
		w := m.workers[id]
		label := id
		if len(label) > width-4 {
			label = label[:width-7] + "..."
		}
		line := fmt.Sprintf("%s %s", WorkerStatusIcon(w.Status), label)
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// WorkerStatusIcon returns a styled indicator for a worker status.
func WorkerStatusIcon(status string) string {
	switch status {
	case "busy":
		return StyleStatusRunning.Render("●")
	case "idle":
		return StyleStatusComplete.Render("○")
	case "blocked":
		return StyleStatusFailed.Render("◌")
	default:
		return StyleStatusPending.Render("·")
	}
}

func (m WorkerPaneModel) selectedID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.order) {
		return m.order[m.selectedIdx]
	}
	return ""
}

// Selected returns the worker currently highlighted, if any.
func (m WorkerPaneModel) Selected() (WorkerView, bool) {
	w, ok := m.workers[m.selectedID()]
	if !ok {
		return WorkerView{}, false
	}
	return *w, true
}

// Len returns the number of workers seen so far.
func (m WorkerPaneModel) Len() int {
	return len(m.order)
}

func (m *WorkerPaneModel) updateViewportContent() {
	w, exists := m.workers[m.selectedID()]
	if !exists {
		m.viewport.SetContent("Waiting for workers...")
		return
	}

	header := fmt.Sprintf("%s  [%s]  %s  completed: %d\n\n", w.ID, w.Type, w.Status, w.Completed)
	m.viewport.SetContent(header + strings.Join(w.History, "\n"))
	m.viewport.GotoBottom()
}

func (m *WorkerPaneModel) resizeViewport() {
	m.viewport.Width = max(m.width-28-4, 10)
	m.viewport.Height = max(m.height-4, 5)
}

// SetSize updates the pane dimensions.
func (m *WorkerPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *WorkerPaneModel) SetFocused(focused bool) {
	m.focused = focused
}

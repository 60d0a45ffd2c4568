package tui

import (
	"fmt"
	"sort"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/swarm/internal/events"
	"github.com/aristath/swarm/internal/scheduler"
)

// TaskView is what the pane knows about one task.
type TaskView struct {
	ID        scheduler.TaskID
	Status    scheduler.TaskStatus
	WorkerID  string
	BlockedBy []scheduler.TaskID
}

// ProgressPaneModel shows run totals, a progress bar and every task's status.
type ProgressPaneModel struct {
	progress events.ProgressUpdate
	tasks    map[scheduler.TaskID]*TaskView
	offset   int // first task row shown
	width    int
	height   int
	focused  bool
}

// NewProgressPaneModel creates an empty progress pane.
func NewProgressPaneModel() ProgressPaneModel {
	return ProgressPaneModel{
		tasks: make(map[scheduler.TaskID]*TaskView),
	}
}

// Update handles messages for the progress pane.
func (m ProgressPaneModel) Update(msg tea.Msg) (ProgressPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.offset < len(m.tasks)-1 {
				m.offset++
			}
		case KeyK, KeyUp:
			if m.offset > 0 {
				m.offset--
			}
		}

	case events.ProgressUpdate:
		m.progress = msg

	case events.TaskStatusChanged:
		t := m.task(msg.TaskID)
		t.Status = msg.Status
		t.WorkerID = msg.WorkerID
		if msg.Status != scheduler.TaskBlocked {
			t.BlockedBy = nil
		}

	case events.TaskBlocked:
		t := m.task(msg.TaskID)
		t.Status = scheduler.TaskBlocked
		t.BlockedBy = append([]scheduler.TaskID(nil), msg.BlockedBy...)

	case events.TaskUnblocked:
		t := m.task(msg.TaskID)
		t.BlockedBy = nil
	}

	return m, nil
}

func (m *ProgressPaneModel) task(id scheduler.TaskID) *TaskView {
	t, ok := m.tasks[id]
	if !ok {
		t = &TaskView{ID: id}
		m.tasks[id] = t
	}
	return t
}

// Task returns the pane's view of a task.
func (m ProgressPaneModel) Task(id scheduler.TaskID) (TaskView, bool) {
	t, ok := m.tasks[id]
	if !ok {
		return TaskView{}, false
	}
	return *t, true
}

// Progress returns the latest totals.
func (m ProgressPaneModel) Progress() events.ProgressUpdate {
	return m.progress
}

// View renders the progress pane.
func (m ProgressPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	title := StyleTitle.Render("Progress")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	p := m.progress
	pending := max(0, p.Total-p.Completed-p.Failed-p.Blocked-p.InProgress)
	fmt.Fprintf(&b, "Total: %d  Completed: %s  Running: %s  Failed: %s  Blocked: %s  Pending: %s\n",
		p.Total,
		StyleStatusComplete.Render(fmt.Sprint(p.Completed)),
		StyleStatusRunning.Render(fmt.Sprint(p.InProgress)),
		StyleStatusFailed.Render(fmt.Sprint(p.Failed)),
		StyleStatusBlocked.Render(fmt.Sprint(p.Blocked)),
		StyleStatusPending.Render(fmt.Sprint(pending)))

	if p.Total > 0 {
		barWidth := min(m.width-16, 50)
		completedWidth := (p.Completed * barWidth) / p.Total
		failedWidth := ((p.Failed + p.Blocked) * barWidth) / p.Total
		runningWidth := (p.InProgress * barWidth) / p.Total
		pendingWidth := barWidth - completedWidth - failedWidth - runningWidth

		bar := StyleStatusComplete.Render(strings.Repeat("=", max(0, completedWidth)))
		bar += StyleStatusFailed.Render(strings.Repeat("!", max(0, failedWidth)))
		bar += StyleStatusRunning.Render(strings.Repeat("-", max(0, runningWidth)))
		bar += StyleStatusPending.Render(strings.Repeat(".", max(0, pendingWidth)))

		fmt.Fprintf(&b, "[%s] %5.1f%%\n", bar, p.Percentage())
	}
	b.WriteString("\n")

	ids := make([]scheduler.TaskID, 0, len(m.tasks))
	for id := range m.tasks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	rows := max(m.height-10, 1)
	start := min(m.offset, max(len(ids)-1, 0))
	for _, id := range ids[start:min(len(ids), start+rows)] {
		b.WriteString(m.renderTask(m.tasks[id]))
		b.WriteString("\n")
	}

	return paneBorder(m.focused).
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

func (m ProgressPaneModel) renderTask(t *TaskView) string {
	line := fmt.Sprintf("%s %4d  %-11s", TaskStatusIcon(t.Status), t.ID, t.Status)
	switch {
	case t.Status == scheduler.TaskBlocked && len(t.BlockedBy) > 0:
		line += fmt.Sprintf(" waiting on %v", t.BlockedBy)
	case t.WorkerID != "":
		line += " " + t.WorkerID
	}
	return line
}

// TaskStatusIcon returns a styled indicator for a task status.
func TaskStatusIcon(status scheduler.TaskStatus) string {
	switch status {
	case scheduler.TaskAssigned, scheduler.TaskInProgress:
		return StyleStatusRunning.Render("●")
	case scheduler.TaskCompleted:
		return StyleStatusComplete.Render("✓")
	case scheduler.TaskFailed:
		return StyleStatusFailed.Render("✗")
	case scheduler.TaskBlocked:
		return StyleStatusBlocked.Render("◌")
	default:
		return StyleStatusPending.Render("○")
	}
}

// SetSize updates the pane dimensions.
func (m *ProgressPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *ProgressPaneModel) SetFocused(focused bool) {
	m.focused = focused
}

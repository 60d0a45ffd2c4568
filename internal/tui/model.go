package tui

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/swarm/internal/events"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneWorkers PaneID = iota
	PaneProgress
	PaneEvents
	paneCount
)

// Source is the subscription side of events.Broadcaster.
type Source interface {
	SubscribeAll(bufSize int) <-chan events.Event
}

// streamClosedMsg reports that the broadcaster closed the subscription.
type streamClosedMsg struct{}

// Model is the root Bubble Tea model. It only observes: every pane is fed
// from the event subscription and nothing is sent back to the scheduler.
type Model struct {
	workerPane   WorkerPaneModel
	progressPane ProgressPaneModel
	eventLog     EventLogModel
	focusedPane  PaneID
	eventSub     <-chan events.Event
	projectID    int
	finished     bool
	width        int
	height       int
	quitting     bool
}

// New creates a TUI model subscribed to every event from source.
func New(source Source, projectID int, bufSize int) Model {
	return Model{
		workerPane:   NewWorkerPaneModel(),
		progressPane: NewProgressPaneModel(),
		eventLog:     NewEventLogModel(),
		focusedPane:  PaneWorkers,
		eventSub:     source.SubscribeAll(bufSize),
		projectID:    projectID,
	}
}

// Init starts listening for events.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.eventSub)
}

// waitForEvent returns a command that waits for the next event.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return streamClosedMsg{}
		}
		return event
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, tea.Quit

		case KeyTab:
			m.focusedPane = (m.focusedPane + 1) % paneCount
			m.updateFocusStates()

		case KeyShiftTab:
			m.focusedPane = (m.focusedPane + paneCount - 1) % paneCount
			m.updateFocusStates()

		case KeyPane1:
			m.focusedPane = PaneWorkers
			m.updateFocusStates()

		case KeyPane2:
			m.focusedPane = PaneProgress
			m.updateFocusStates()

		case KeyPane3:
			m.focusedPane = PaneEvents
			m.updateFocusStates()

		default:
			var cmd tea.Cmd
			switch m.focusedPane {
			case PaneWorkers:
				m.workerPane, cmd = m.workerPane.Update(msg)
			case PaneProgress:
				m.progressPane, cmd = m.progressPane.Update(msg)
			case PaneEvents:
				m.eventLog, cmd = m.eventLog.Update(msg)
			}
			cmds = append(cmds, cmd)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()

	case tickMsg:
		var cmd tea.Cmd
		m.workerPane, cmd = m.workerPane.Update(msg)
		cmds = append(cmds, cmd)

	case streamClosedMsg:
		m.finished = true

	case events.Event:
		var cmd tea.Cmd
		switch msg.(type) {
		case events.WorkerCreated, events.WorkerRetired, events.WorkerStatusChanged, events.TaskAssigned:
			m.workerPane, cmd = m.workerPane.Update(msg)
		default:
			m.progressPane, cmd = m.progressPane.Update(msg)
		}
		cmds = append(cmds, cmd)

		m.eventLog, cmd = m.eventLog.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))
	}

	return m, tea.Batch(cmds...)
}

// Finished reports whether the event stream has ended.
func (m Model) Finished() bool {
	return m.finished
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	right := lipgloss.JoinVertical(lipgloss.Left, m.progressPane.View(), m.eventLog.View())
	main := lipgloss.JoinHorizontal(lipgloss.Top, m.workerPane.View(), right)
	return lipgloss.JoinVertical(lipgloss.Left, main, HelpView(m.projectID, m.finished))
}

// computeLayout splits the screen: workers on the left, progress above the
// event log on the right, one line of help at the bottom.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 40) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 1
	progressHeight := (availableHeight * 60) / 100

	m.workerPane.SetSize(leftWidth, availableHeight)
	m.progressPane.SetSize(rightWidth, progressHeight)
	m.eventLog.SetSize(rightWidth, availableHeight-progressHeight)

	m.updateFocusStates()
}

func (m *Model) updateFocusStates() {
	m.workerPane.SetFocused(m.focusedPane == PaneWorkers)
	m.progressPane.SetFocused(m.focusedPane == PaneProgress)
	m.eventLog.SetFocused(m.focusedPane == PaneEvents)
}

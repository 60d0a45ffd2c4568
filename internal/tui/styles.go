package tui

import "github.com/charmbracelet/lipgloss"

// ANSI 256 palette.
const (
	colorAccent  = lipgloss.Color("62")
	colorMuted   = lipgloss.Color("240")
	colorHelp    = lipgloss.Color("241")
	colorActive  = lipgloss.Color("214")
	colorDone    = lipgloss.Color("42")
	colorFailed  = lipgloss.Color("196")
	colorBlocked = lipgloss.Color("208")
)

// Status styles, shared by worker and task icons and the progress bar.
var (
	StyleStatusRunning  = lipgloss.NewStyle().Foreground(colorActive).Bold(true)
	StyleStatusComplete = lipgloss.NewStyle().Foreground(colorDone).Bold(true)
	StyleStatusFailed   = lipgloss.NewStyle().Foreground(colorFailed).Bold(true)
	StyleStatusBlocked  = lipgloss.NewStyle().Foreground(colorBlocked)
	StyleStatusPending  = lipgloss.NewStyle().Foreground(colorMuted)
)

var (
	StyleTitle    = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	StyleHelp     = lipgloss.NewStyle().Foreground(colorHelp)
	StyleSelected = lipgloss.NewStyle().Background(colorAccent).Foreground(lipgloss.Color("0"))
)

// paneBorder is the frame around a pane; the focused pane is highlighted.
func paneBorder(focused bool) lipgloss.Style {
	border := colorMuted
	if focused {
		border = colorAccent
	}
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(border)
}

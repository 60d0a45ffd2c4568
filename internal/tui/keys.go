package tui

import (
	"fmt"
	"strings"
)

// Key names as reported by tea.KeyMsg.String().
const (
	KeyTab      = "tab"
	KeyShiftTab = "shift+tab"
	KeyQuit     = "q"
	KeyCtrlC    = "ctrl+c"
	KeyPane1    = "1"
	KeyPane2    = "2"
	KeyPane3    = "3"
	KeyUp       = "up"
	KeyDown     = "down"
	KeyJ        = "j"
	KeyK        = "k"
)

var helpBindings = []struct{ keys, action string }{
	{"tab", "cycle focus"},
	{"1/2/3", "jump to pane"},
	{"j/k", "scroll"},
	{"q", "quit"},
}

// HelpView renders the bottom bar: run state on the left, key bindings after.
func HelpView(projectID int, finished bool) string {
	state := "running"
	if finished {
		state = "finished, press q to exit"
	}

	parts := []string{fmt.Sprintf("project %d (%s)", projectID, state)}
	for _, b := range helpBindings {
		parts = append(parts, b.keys+": "+b.action)
	}
	return StyleHelp.Render(strings.Join(parts, " | "))
}

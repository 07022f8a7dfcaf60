package ui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/waggleworks/waggle/recovery"
)

const (
	aliveIcon   = "● "
	endedIcon   = "○ "
	crashedIcon = "✗ "
	orphanIcon  = "? "
	blockedIcon = " "
)

var aliveStyle = lipgloss.NewStyle().
	Foreground(lipgloss.AdaptiveColor{Light: "#51bd73", Dark: "#51bd73"})

var endedStyle = lipgloss.NewStyle().
	Foreground(lipgloss.AdaptiveColor{Light: "#888888", Dark: "#888888"})

var crashedStyle = lipgloss.NewStyle().
	Foreground(lipgloss.Color("#de613e"))

var orphanStyle = lipgloss.NewStyle().
	Foreground(lipgloss.Color("#F0A868"))

var blockedStyle = lipgloss.NewStyle().
	Foreground(lipgloss.Color("#7EC8D8"))

var headerStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(lipgloss.AdaptiveColor{Light: "#1a1a1a", Dark: "#dddddd"})

var dimStyle = lipgloss.NewStyle().
	Foreground(lipgloss.AdaptiveColor{Light: "#A49FA5", Dark: "#777777"})

var warnStyle = lipgloss.NewStyle().
	Foreground(lipgloss.Color("#F0A868"))

// stateStyle returns the icon and style for one detection outcome.
func stateStyle(state recovery.State) (string, lipgloss.Style) {
	switch state {
	case recovery.StateAlive:
		return aliveIcon, aliveStyle
	case recovery.StateEnded:
		return endedIcon, endedStyle
	case recovery.StateCrashed:
		return crashedIcon, crashedStyle
	case recovery.StateOrphaned:
		return orphanIcon, orphanStyle
	case recovery.StateResourceBlocked:
		return blockedIcon, blockedStyle
	default:
		return "  ", dimStyle
	}
}

package tui

import "github.com/charmbracelet/lipgloss"

var (
	colorBorder  = lipgloss.Color("#4b5563")
	colorDimmed  = lipgloss.Color("#6b7280")
	colorBright  = lipgloss.Color("#f9fafb")
	colorHealthy = lipgloss.Color("#22c55e")
	colorWarning = lipgloss.Color("#d97706")
	colorDanger  = lipgloss.Color("#dc2626")
)

var (
	styleTitle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorBright)

	styleDimmed = lipgloss.NewStyle().
			Foreground(colorDimmed)

	styleConnected = lipgloss.NewStyle().
			Foreground(colorHealthy)

	styleConnecting = lipgloss.NewStyle().
			Foreground(colorWarning)

	styleError = lipgloss.NewStyle().
			Foreground(colorDanger)

	styleBar = lipgloss.NewStyle().
			Padding(0, 1).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(colorBorder)
)

package main

import "github.com/charmbracelet/lipgloss"

// Cyan-based color scheme for consistent TUI appearance
var (
	cyanColor   = lipgloss.Color("86")  // Bright cyan
	greenColor  = lipgloss.Color("78")  // Success green
	grayColor   = lipgloss.Color("242") // Muted gray
	orangeColor = lipgloss.Color("208") // Warning orange
	redColor    = lipgloss.Color("196") // Error red

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(cyanColor).
			MarginBottom(1)

	countStyle = lipgloss.NewStyle().
			Foreground(grayColor)

	taskIDStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))

	actionStyle = lipgloss.NewStyle().
			Foreground(grayColor).
			Italic(true)

	helpStyle = lipgloss.NewStyle().
			Foreground(grayColor).
			MarginTop(1)
)

func statusStyle(status string) lipgloss.Style {
	switch TaskStatus(status) {
	case StatusCompleted:
		return lipgloss.NewStyle().Foreground(greenColor)
	case StatusCompletedWithWarnings, StatusCompletedWithErrors:
		return lipgloss.NewStyle().Foreground(orangeColor)
	case StatusFailed, StatusUnknown:
		return lipgloss.NewStyle().Foreground(redColor)
	case StatusCanceled:
		return lipgloss.NewStyle().Foreground(grayColor)
	case StatusWorking:
		return lipgloss.NewStyle().Foreground(cyanColor)
	default:
		return lipgloss.NewStyle().Foreground(grayColor)
	}
}

func statusIcon(status string) string {
	switch TaskStatus(status) {
	case StatusCompleted:
		return "✓"
	case StatusCompletedWithWarnings, StatusCompletedWithErrors:
		return "!"
	case StatusFailed, StatusUnknown:
		return "✗"
	case StatusCanceled:
		return "○"
	case StatusWorking:
		return "●"
	default:
		return "·"
	}
}

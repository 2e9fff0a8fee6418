// Package ui holds the shared terminal styles for the CLI.
package ui

import "github.com/charmbracelet/lipgloss"

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// Accent renders headings and identifiers.
func Accent(s string) string { return accentStyle.Render(s) }

// Pass renders success messages.
func Pass(s string) string { return passStyle.Render(s) }

// Fail renders error messages.
func Fail(s string) string { return failStyle.Render(s) }

// Warn renders warnings and conflict markers.
func Warn(s string) string { return warnStyle.Render(s) }

// Dim renders secondary detail.
func Dim(s string) string { return dimStyle.Render(s) }

// StatusBadge colors a queue entry status for list output.
func StatusBadge(status string) string {
	switch status {
	case "synced":
		return Pass(status)
	case "failed":
		return Fail(status)
	case "conflict":
		return Warn(status)
	case "syncing":
		return Accent(status)
	default:
		return Dim(status)
	}
}

// Package ui provides terminal styling helpers for CLI output.
package ui

import "github.com/charmbracelet/lipgloss"

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12")) // bright blue
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10")) // bright green
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11")) // bright yellow
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))  // bright red
	dimStyle    = lipgloss.NewStyle().Faint(true)
)

// RenderAccent styles informational markers.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderPass styles success markers.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn styles warning markers.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderFail styles failure markers.
func RenderFail(s string) string { return failStyle.Render(s) }

// RenderDim styles secondary detail text.
func RenderDim(s string) string { return dimStyle.Render(s) }

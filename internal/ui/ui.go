// Package ui holds the terminal styles shared by CLI commands.
package ui

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

var (
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

// colorEnabled is false when stdout is not a color-capable terminal,
// so piped output stays clean.
var colorEnabled = termenv.EnvColorProfile() != termenv.Ascii

func render(style lipgloss.Style, s string) string {
	if !colorEnabled {
		return s
	}
	return style.Render(s)
}

// RenderPass styles success markers.
func RenderPass(s string) string { return render(passStyle, s) }

// RenderFail styles failure markers.
func RenderFail(s string) string { return render(failStyle, s) }

// RenderWarn styles warnings.
func RenderWarn(s string) string { return render(warnStyle, s) }

// RenderAccent styles informational highlights.
func RenderAccent(s string) string { return render(accentStyle, s) }

// RenderMuted styles secondary detail.
func RenderMuted(s string) string { return render(mutedStyle, s) }

package tui

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
)

var (
	mutedStyleColor   = lipgloss.AdaptiveColor{Light: "#666666", Dark: "#999999"}
	warningStyleColor = lipgloss.AdaptiveColor{Light: "#FFA500", Dark: "#FFA500"}
	titleStyleColor   = lipgloss.AdaptiveColor{Light: "#071330", Dark: "#F652A0"}
	successColor      = lipgloss.AdaptiveColor{Light: "#009900", Dark: "#00FF00"}
	errorColor        = lipgloss.AdaptiveColor{Light: "#990000", Dark: "#FF0000"}
)

func Title(text string) string {
	return lipgloss.NewStyle().Bold(true).Foreground(titleStyleColor).Render(text)
}

func Muted(text string) string {
	return lipgloss.NewStyle().Foreground(mutedStyleColor).Render(text)
}

func Warning(text string) string {
	return lipgloss.NewStyle().Foreground(warningStyleColor).Render(text)
}

// ShowSuccess writes a check-marked message.
func ShowSuccess(w io.Writer, msg string, args ...any) {
	fmt.Fprintln(w, lipgloss.NewStyle().Foreground(successColor).Render("✓ ")+fmt.Sprintf(msg, args...))
}

// ShowError writes a cross-marked message.
func ShowError(w io.Writer, msg string, args ...any) {
	fmt.Fprintln(w, lipgloss.NewStyle().Foreground(errorColor).Render("✕ ")+fmt.Sprintf(msg, args...))
}

// Package color provides the semantic terminal styles used for user-facing
// diagnostics. Colors adapt to light and dark backgrounds and respect
// NO_COLOR via lipgloss's renderer detection.
package color

import (
	"github.com/charmbracelet/lipgloss"
)

// Semantic colors with light/dark variants.
var (
	ColorSuccess = lipgloss.AdaptiveColor{
		Light: "#059669",
		Dark:  "#10B981",
	}
	ColorError = lipgloss.AdaptiveColor{
		Light: "#DC2626",
		Dark:  "#EF4444",
	}
	ColorWarning = lipgloss.AdaptiveColor{
		Light: "#D97706",
		Dark:  "#F59E0B",
	}
	ColorInfo = lipgloss.AdaptiveColor{
		Light: "#2563EB",
		Dark:  "#3B82F6",
	}
	ColorMuted = lipgloss.AdaptiveColor{
		Light: "#9CA3AF",
		Dark:  "#6B7280",
	}
)

var (
	SuccessStyle = lipgloss.NewStyle().
			Foreground(ColorSuccess)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(ColorError).
			Bold(true)

	WarningStyle = lipgloss.NewStyle().
			Foreground(ColorWarning)

	InfoStyle = lipgloss.NewStyle().
			Foreground(ColorInfo)

	MutedStyle = lipgloss.NewStyle().
			Foreground(ColorMuted)
)

// Success renders s in the success style.
func Success(s string) string { return SuccessStyle.Render(s) }

// Error renders s in the error style.
func Error(s string) string { return ErrorStyle.Render(s) }

// Warning renders s in the warning style.
func Warning(s string) string { return WarningStyle.Render(s) }

// Info renders s in the info style.
func Info(s string) string { return InfoStyle.Render(s) }

// Muted renders s in the muted style.
func Muted(s string) string { return MutedStyle.Render(s) }

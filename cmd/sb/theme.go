package main

import "github.com/charmbracelet/lipgloss"

// Theme defines the colors of styled status output.
type Theme struct {
	Primary lipgloss.Color
	Success lipgloss.Color
	Warning lipgloss.Color
	Error   lipgloss.Color
	Muted   lipgloss.Color
}

// DefaultTheme returns the default theme.
func DefaultTheme() Theme {
	return Theme{
		Primary: lipgloss.Color("12"),  // Blue
		Success: lipgloss.Color("10"),  // Green
		Warning: lipgloss.Color("11"),  // Yellow
		Error:   lipgloss.Color("9"),   // Red
		Muted:   lipgloss.Color("240"), // Gray
	}
}

// styles are the lipgloss styles for one render. Plain styles render text
// unchanged.
type styles struct {
	Title   lipgloss.Style
	Section lipgloss.Style
	Good    lipgloss.Style
	Warn    lipgloss.Style
	Bad     lipgloss.Style
	Dim     lipgloss.Style
}

func newStyles(t Theme, color bool) styles {
	if !color {
		plain := lipgloss.NewStyle()
		return styles{plain, plain, plain, plain, plain, plain}
	}
	return styles{
		Title:   lipgloss.NewStyle().Bold(true).Foreground(t.Primary),
		Section: lipgloss.NewStyle().Bold(true).Underline(true),
		Good:    lipgloss.NewStyle().Foreground(t.Success),
		Warn:    lipgloss.NewStyle().Foreground(t.Warning),
		Bad:     lipgloss.NewStyle().Foreground(t.Error),
		Dim:     lipgloss.NewStyle().Foreground(t.Muted),
	}
}

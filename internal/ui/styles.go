package ui

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// Palette
var (
	ColorAccent = lipgloss.Color("12")  // bright blue
	ColorPass   = lipgloss.Color("10")  // bright green
	ColorWarn   = lipgloss.Color("11")  // bright yellow
	ColorFail   = lipgloss.Color("9")   // bright red
	ColorBusy   = lipgloss.Color("13")  // bright magenta
	ColorMuted  = lipgloss.Color("240") // gray
)

// Table Styles
var (
	TableHeaderStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorAccent).
		Align(lipgloss.Center)

	TableBorderStyle = lipgloss.NewStyle().
		Foreground(ColorMuted)

	TableHintStyle = lipgloss.NewStyle().
		Foreground(ColorMuted)

	SuccessStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorPass)
)

// NewTable creates a table with the default dts styling.
func NewTable(width int) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(TableBorderStyle).
		Width(width)
}

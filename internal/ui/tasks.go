package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/untoldecay/dts/internal/types"
)

// StatusStyle returns the display style for a task status.
func StatusStyle(status types.TaskStatus) lipgloss.Style {
	switch status {
	case types.StatusCompleted:
		return lipgloss.NewStyle().Foreground(ColorPass)
	case types.StatusFailed:
		return lipgloss.NewStyle().Foreground(ColorFail).Bold(true)
	case types.StatusRunning:
		return lipgloss.NewStyle().Foreground(ColorWarn)
	case types.StatusBlocked:
		return lipgloss.NewStyle().Foreground(ColorBusy)
	default:
		return lipgloss.NewStyle()
	}
}

// RenderTaskTable renders tasks as a bordered table.
func RenderTaskTable(tasks []*types.Task, width int) string {
	if len(tasks) == 0 {
		return TableHintStyle.Render("(no tasks)")
	}

	rows := make([][]string, 0, len(tasks))
	for _, t := range tasks {
		rows = append(rows, []string{
			t.ID,
			t.Type,
			string(t.Status),
			fmt.Sprintf("%d/%d", t.Attempts, t.MaxAttempts),
			formatDuration(t.DurationMS),
			formatDeps(t),
		})
	}

	const statusCol = 2
	return NewTable(width).
		Headers("ID", "TYPE", "STATUS", "ATTEMPTS", "DURATION", "DEPS").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return TableHeaderStyle
			}
			style := lipgloss.NewStyle().Padding(0, 1)
			if col == statusCol && row < len(tasks) {
				style = style.Inherit(StatusStyle(tasks[row].Status))
			}
			return style
		}).
		String()
}

// RenderStatusLine renders a one-line summary like
// "12 tasks: 3 QUEUED, 2 RUNNING, 6 COMPLETED, 1 FAILED".
func RenderStatusLine(total int, counts map[types.TaskStatus]int) string {
	order := []types.TaskStatus{
		types.StatusQueued,
		types.StatusRunning,
		types.StatusCompleted,
		types.StatusFailed,
		types.StatusBlocked,
	}

	parts := make([]string, 0, len(order))
	for _, status := range order {
		if n := counts[status]; n > 0 {
			parts = append(parts, StatusStyle(status).Render(fmt.Sprintf("%d %s", n, status)))
		}
	}

	label := "tasks"
	if total == 1 {
		label = "task"
	}
	if len(parts) == 0 {
		return fmt.Sprintf("%d %s", total, label)
	}
	return fmt.Sprintf("%d %s: %s", total, label, strings.Join(parts, ", "))
}

// formatDuration renders a millisecond duration compactly ("750ms", "1.5s").
func formatDuration(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	if d >= time.Second {
		d = d.Round(100 * time.Millisecond)
	}
	return d.String()
}

func formatDeps(t *types.Task) string {
	total := len(t.Dependencies)
	if total == 0 {
		return "-"
	}
	return fmt.Sprintf("%d/%d", total-t.RemainingDeps, total)
}

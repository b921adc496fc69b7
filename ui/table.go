package ui

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/deemkeen/tusk/domain"
)

// Table renders rows under headers with a rounded border.
func Table(headers []string, rows [][]string) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(COLOR_PURPLE))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return lipgloss.NewStyle().Bold(true).Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Headers(headers...).
		Rows(rows...)
	return t.Render()
}

// DeliveryStatus colors a delivery job status.
func DeliveryStatus(s domain.DeliveryStatus) string {
	color := COLOR_GREY
	switch s {
	case domain.DeliveryDelivered:
		color = COLOR_GREEN
	case domain.DeliveryFailed:
		color = COLOR_RED
	case domain.DeliveryInFlight:
		color = COLOR_LIGHTBLUE
	case domain.DeliveryPending:
		color = COLOR_ORANGE
	}
	return lipgloss.NewStyle().Foreground(lipgloss.Color(color)).Render(string(s))
}

// Truncate shortens s to n runes, marking the cut with an ellipsis.
func Truncate(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	if n == 1 {
		return "…"
	}
	return string(r[:n-1]) + "…"
}

package watch

import (
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/quan-xiao/testmanager/internal/api"
)

func newFleetTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Testbox", Width: 20},
			{Title: "State", Width: 13},
			{Title: "Task", Width: 10},
			{Title: "Seen", Width: 9},
			{Title: "Deadline", Width: 9},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)
	return t
}

// fleetRows orders testboxes by id and renders one row each.
func fleetRows(boxes []api.TestBoxView, theme Theme, now time.Time) []table.Row {
	sorted := make([]api.TestBoxView, len(boxes))
	copy(sorted, boxes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	rows := make([]table.Row, 0, len(sorted))
	for _, b := range sorted {
		task := "-"
		if b.TaskID != nil {
			task = *b.TaskID
			if len(task) > 8 {
				task = task[:8]
			}
		}
		deadline := "-"
		if b.DeadlineAt != nil {
			if left := b.DeadlineAt.Sub(now); left > 0 {
				deadline = formatDuration(left)
			} else {
				deadline = "overdue"
			}
		}
		seen := "-"
		if !b.LastSeen.IsZero() {
			seen = formatDuration(now.Sub(b.LastSeen))
		}
		rows = append(rows, table.Row{
			theme.BoxSymbol(b.State),
			b.ID,
			string(b.State),
			task,
			seen,
			deadline,
		})
	}
	return rows
}

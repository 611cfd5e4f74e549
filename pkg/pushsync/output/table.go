package output

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

// TableFormatter renders styled tables for terminals.
type TableFormatter struct{}

// Format writes the formatted output to the buffer.
func (f *TableFormatter) Format(w *bytes.Buffer, r *Result) error {
	if r.Source != "" {
		w.WriteString(HeaderBox.Render(LabelStyle.Render("Source:") + " " + ValueStyle.Render(r.Source)))
		w.WriteString("\n")
	}

	empty := true
	if len(r.Backups) > 0 {
		empty = false
		w.WriteString(f.backups(r))
	}
	if len(r.Runs) > 0 {
		empty = false
		w.WriteString(f.runs(r))
	}
	if len(r.Restored) > 0 {
		empty = false
		w.WriteString(f.restored(r))
	}
	if empty {
		w.WriteString(MutedStyle.Render("  Nothing to show"))
		w.WriteString("\n")
	}
	return nil
}

func (f *TableFormatter) backups(r *Result) string {
	rows := make([][]string, 0, len(r.Backups))
	for _, b := range r.Backups {
		rows = append(rows, []string{b.BackedUp.Local().Format(timeLayout), b.SizeHuman, b.Path, b.BackupPath})
	}
	table := renderTable([]string{"BACKED UP", "SIZE", "PATH", "BACKUP"}, rows, func(col int, _ string) lipgloss.Style {
		if col == 1 {
			return SizeStyle
		}
		if col == 3 {
			return MutedStyle
		}
		return ValueStyle
	})

	footer := fmt.Sprintf("%s %s  %s %s",
		LabelStyle.Render("Backups:"), ValueStyle.Render(fmt.Sprintf("%d", len(r.Backups))),
		LabelStyle.Render("Total:"), SizeStyle.Render(humanize.IBytes(uint64(r.TotalSize()))))
	return table + FooterBox.Render(footer) + "\n"
}

func (f *TableFormatter) runs(r *Result) string {
	rows := make([][]string, 0, len(r.Runs))
	for _, run := range r.Runs {
		status := "ok"
		if run.Error != "" {
			status = "failed"
		} else if run.Failed > 0 {
			status = fmt.Sprintf("%d failed", run.Failed)
		}
		rows = append(rows, []string{
			run.Timestamp.Local().Format(timeLayout),
			run.Operation,
			run.Target,
			fmt.Sprintf("%d", run.Files),
			humanize.IBytes(uint64(run.Bytes)),
			status,
		})
	}
	return renderTable([]string{"TIME", "OP", "TARGET", "FILES", "SIZE", "STATUS"}, rows, func(col int, v string) lipgloss.Style {
		switch col {
		case 4:
			return SizeStyle
		case 5:
			if v == "ok" {
				return SuccessStyle
			}
			return WarningStyle
		}
		return ValueStyle
	})
}

func (f *TableFormatter) restored(r *Result) string {
	rows := make([][]string, 0, len(r.Restored))
	for _, x := range r.Restored {
		rows = append(rows, []string{x.Outcome, x.Path, x.BackedUp.Local().Format(timeLayout), x.Error})
	}
	return renderTable([]string{"OUTCOME", "PATH", "FROM", "ERROR"}, rows, func(col int, v string) lipgloss.Style {
		if col == 0 {
			return outcomeStyle(v)
		}
		if col == 3 {
			return ErrorStyle
		}
		return ValueStyle
	})
}

// renderTable pads cells on their raw width so styling never skews columns.
func renderTable(headers []string, rows [][]string, style func(col int, v string) lipgloss.Style) string {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if w := lipgloss.Width(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}

	var sb strings.Builder
	cells := make([]string, len(headers))
	for i, h := range headers {
		cells[i] = TableHeaderStyle.Render(padRight(h, widths[i]))
	}
	sb.WriteString("  " + strings.TrimRight(strings.Join(cells, "  "), " ") + "\n")

	for _, row := range rows {
		for i, cell := range row {
			cells[i] = style(i, cell).Render(padRight(cell, widths[i]))
		}
		sb.WriteString("  " + strings.TrimRight(strings.Join(cells, "  "), " ") + "\n")
	}
	return sb.String()
}

func padRight(s string, width int) string {
	if n := lipgloss.Width(s); n < width {
		return s + strings.Repeat(" ", width-n)
	}
	return s
}

func init() {
	Register("table", func() Formatter {
		return &TableFormatter{}
	})
}

var _ Formatter = (*TableFormatter)(nil)

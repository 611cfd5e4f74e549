package output

import (
	"bytes"
	"fmt"
	"text/tabwriter"
)

// PlainFormatter writes unstyled, tab-aligned columns for scripting.
type PlainFormatter struct{}

// Format writes the formatted output to the buffer.
func (f *PlainFormatter) Format(w *bytes.Buffer, r *Result) error {
	tw := tabwriter.NewWriter(w, 0, 0, 1, ' ', 0)

	if len(r.Backups) > 0 {
		fmt.Fprintln(tw, "BACKED_UP\tSIZE\tPATH\tBACKUP")
		for _, b := range r.Backups {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", b.BackedUp.Local().Format(timeLayout), b.Size, b.Path, b.BackupPath)
		}
	}
	if len(r.Runs) > 0 {
		fmt.Fprintln(tw, "ID\tOP\tTARGET\tFILES\tBYTES\tFAILED")
		for _, run := range r.Runs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\n", run.ID, run.Operation, run.Target, run.Files, run.Bytes, run.Failed)
		}
	}
	if len(r.Restored) > 0 {
		fmt.Fprintln(tw, "OUTCOME\tPATH\tBACKUP")
		for _, x := range r.Restored {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", x.Outcome, x.Path, x.Backup)
		}
	}

	return tw.Flush()
}

func init() {
	Register("plain", func() Formatter {
		return &PlainFormatter{}
	})
}

var _ Formatter = (*PlainFormatter)(nil)

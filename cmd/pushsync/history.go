package main

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jamesainslie/pushsync/pkg/pushsync/config"
	"github.com/jamesainslie/pushsync/pkg/pushsync/journal"
	"github.com/jamesainslie/pushsync/pkg/pushsync/output"
	"github.com/jamesainslie/pushsync/pkg/pushsync/store"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List backups recorded by the server",
	Long: `List the server's backup log, newest first. Filter by path or by a
backup-time window.

Examples:
  pushsync history --path docs/report.txt
  pushsync history --since 24h -o json
  pushsync history runs`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

var historyRunsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent sync and restore runs",
	Args:  cobra.NoArgs,
	RunE:  runHistoryRuns,
}

var historyShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show the files of one run",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryShow,
}

var historyCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove journal entries older than the retention period",
	Args:  cobra.NoArgs,
	RunE:  runHistoryClean,
}

var (
	historyLimit  int
	historyFormat string
)

func init() {
	historyCmd.PersistentFlags().IntVarP(&historyLimit, "limit", "l", 50, "maximum number of rows (0 = all)")
	historyCmd.PersistentFlags().StringVarP(&historyFormat, "format", "o", "table", "output format: "+formatList())
	historyCmd.Flags().String("path", "", "only backups of this relative path")
	historyCmd.Flags().String("start", "", "window start, local time")
	historyCmd.Flags().String("end", "", "window end, local time")
	historyCmd.Flags().String("since", "", "window from this long ago until now")

	historyCmd.AddCommand(historyRunsCmd)
	historyCmd.AddCommand(historyShowCmd)
	historyCmd.AddCommand(historyCleanCmd)
	rootCmd.AddCommand(historyCmd)
}

func formatList() string {
	return strings.Join(output.Available(), ", ")
}

func render(r *output.Result) error {
	formatter, err := output.Get(historyFormat)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := formatter.Format(&buf, r); err != nil {
		return err
	}
	fmt.Print(buf.String())
	return nil
}

func runHistory(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("path")
	start, _ := cmd.Flags().GetString("start")
	end, _ := cmd.Flags().GetString("end")
	since, _ := cmd.Flags().GetString("since")

	w, err := parseWindow(start, end, since, time.Now())
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := store.OpenReadOnly(cfg.RegistryPath())
	if err != nil {
		return fmt.Errorf("opening server registry: %w", err)
	}
	defer st.Close()

	recs, err := st.ListBackups(store.BackupQuery{Path: path, Start: w.start, End: w.end, Limit: historyLimit})
	if err != nil {
		return err
	}
	return render(&output.Result{Source: cfg.Root, Backups: output.FromBackups(recs)})
}

func runHistoryRuns(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	j, err := journal.New(cfg.JournalPath())
	if err != nil {
		return err
	}
	entries, err := j.List(historyLimit)
	if err != nil {
		return err
	}
	return render(&output.Result{Runs: output.FromEntries(entries)})
}

func runHistoryShow(_ *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	j, err := journal.New(cfg.JournalPath())
	if err != nil {
		return err
	}
	entry, err := j.Get(args[0])
	if err != nil {
		return err
	}

	fmt.Println("\nRun Details")
	fmt.Println(strings.Repeat("=", 60))
	fmt.Printf("ID:         %s\n", entry.ID)
	fmt.Printf("Timestamp:  %s\n", entry.Timestamp.Local().Format(timeLayout))
	fmt.Printf("Operation:  %s\n", entry.Operation)
	fmt.Printf("Target:     %s\n", entry.Target)
	fmt.Printf("Files:      %d (%d failed)\n", entry.Summary.TotalFiles, entry.Summary.Failed)
	fmt.Printf("Total Size: %s\n", humanize.IBytes(uint64(entry.Summary.TotalBytes)))
	if entry.Error != "" {
		fmt.Printf("Error:      %s\n", entry.Error)
	}

	if len(entry.Files) == 0 {
		return nil
	}
	fmt.Println("\nFiles:")
	fmt.Println(strings.Repeat("-", 60))

	limit := len(entry.Files)
	if historyLimit > 0 && limit > historyLimit {
		limit = historyLimit
	}
	for _, f := range entry.Files[:limit] {
		fmt.Printf("%-14s  %-10s  %s\n", f.Status, humanize.IBytes(uint64(f.Size)), f.Path)
	}
	if len(entry.Files) > limit {
		fmt.Printf("\n... and %d more files\n", len(entry.Files)-limit)
	}
	return nil
}

func runHistoryClean(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	j, err := journal.New(cfg.JournalPath())
	if err != nil {
		return err
	}
	days := cfg.Journal.RetentionDays
	if days <= 0 {
		days = config.DefaultRetentionDays
	}
	n, err := j.Cleanup(days)
	if err != nil {
		return err
	}
	printInfo("removed %d journal entries older than %d days", n, days)
	return nil
}

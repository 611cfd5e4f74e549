package main

import (
	"bytes"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jamesainslie/pushsync/pkg/pushsync/journal"
	"github.com/jamesainslie/pushsync/pkg/pushsync/output"
	"github.com/jamesainslie/pushsync/pkg/pushsync/restore"
	"github.com/jamesainslie/pushsync/pkg/pushsync/store"
	"github.com/jamesainslie/pushsync/pkg/server"
)

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Roll files back to their snapshots from a time window",
	Long: `For every path with a backup taken inside the window, copy its most recent
snapshot from that window back into the server's sync root and update the
registry. Backups are never removed.

Times are local, in the form "YYYY-MM-DD HH:MM:SS".

Examples:
  pushsync restore --start "2024-06-15 09:00:00" --end "2024-06-15 12:00:00"
  pushsync restore --since 2h`,
	Args: cobra.NoArgs,
	RunE: runRestore,
}

func init() {
	restoreCmd.Flags().String("start", "", "window start, local time")
	restoreCmd.Flags().String("end", "", "window end, local time")
	restoreCmd.Flags().String("since", "", "window from this long ago until now (e.g. 90m)")
	restoreCmd.Flags().StringP("format", "o", "table", "output format: "+formatList())

	rootCmd.AddCommand(restoreCmd)
}

func runRestore(cmd *cobra.Command, _ []string) error {
	start, _ := cmd.Flags().GetString("start")
	end, _ := cmd.Flags().GetString("end")
	since, _ := cmd.Flags().GetString("since")
	format, _ := cmd.Flags().GetString("format")

	now := time.Now()
	w, err := parseWindow(start, end, since, now)
	if err != nil {
		return err
	}
	if !w.complete() {
		return errWindowRequired
	}
	formatter, err := output.Get(format)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if server.IsRunning(cfg.PIDPath()) {
		printInfo("note: a server is running on this data directory; concurrent pushes may overwrite restored files")
	}

	st, err := store.Open(cfg.RegistryPath())
	if err != nil {
		return err
	}
	defer st.Close()

	r := restore.New(restore.Options{Root: cfg.Root, BackupDir: cfg.BackupPath()})
	res, runErr := r.Restore(st, *w.start, *w.end)
	recordRestore(openJournal(cfg), cfg.Root, res, time.Since(now), runErr)
	if runErr != nil {
		return runErr
	}

	var buf bytes.Buffer
	if err := formatter.Format(&buf, &output.Result{Source: cfg.Root, Restored: output.FromRestore(res)}); err != nil {
		return err
	}
	fmt.Print(buf.String())

	printInfo("restored %d, missing %d, failed %d", res.Restored, res.Missing, res.Failed)
	if res.Failed > 0 {
		return fmt.Errorf("%d files could not be restored", res.Failed)
	}
	return nil
}

func recordRestore(j *journal.Journal, root string, res *restore.Result, elapsed time.Duration, runErr error) {
	if j == nil {
		return
	}
	var files []journal.FileRecord
	if res != nil {
		for _, f := range res.Files {
			files = append(files, journal.FileRecord{Path: f.Path, Status: string(f.Outcome)})
		}
	}
	if _, err := j.Record(journal.OpRestore, root, files, elapsed, runErr); err != nil {
		printVerbose("journal: %v", err)
	}
}

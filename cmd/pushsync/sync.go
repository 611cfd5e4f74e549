package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jamesainslie/pushsync/pkg/client"
	"github.com/jamesainslie/pushsync/pkg/pushsync/journal"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push the sync root to a server",
	Long: `Scan the sync root, compare it with the server's registry and send every
file that changed. Failed sessions are retried with a backoff that depends on
the kind of failure.

With --watch the command keeps running and pushes again whenever files under
the root change.`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().String("host", "", "server host (default localhost)")
	syncCmd.Flags().Bool("progress", false, "show a transfer progress bar")
	syncCmd.Flags().BoolP("watch", "w", false, "keep watching the root and re-sync on change")
	_ = viper.BindPFlag("client.host", syncCmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("client.progress", syncCmd.Flags().Lookup("progress"))

	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}
	rules, err := loadRules(cfg)
	if err != nil {
		return err
	}

	c, err := client.New(client.OptionsFromConfig(cfg, rules))
	if err != nil {
		return err
	}
	j := openJournal(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report := func(res *client.SyncResult, err error) {
		recordSync(j, cfg.Addr(), res, err)
		if err != nil {
			printError("%v", err)
			return
		}
		printSummary(res)
	}

	if watch, _ := cmd.Flags().GetBool("watch"); watch {
		printInfo("watching %s, pushing to %s", cfg.Root, cfg.Addr())
		return c.Watch(ctx, cfg.Client.WatchDebounce, report)
	}

	res, err := c.Run(ctx)
	recordSync(j, cfg.Addr(), res, err)
	if err != nil {
		return err
	}
	printSummary(res)
	return nil
}

func printSummary(res *client.SyncResult) {
	printInfo("sent %d of %d files (%s) in %s",
		res.Confirmed, res.Planned, humanize.IBytes(uint64(res.PlannedBytes)), res.Elapsed.Round(time.Millisecond))
	if res.Mismatched > 0 || res.Refused > 0 {
		printInfo("  %d hash mismatches, %d refused", res.Mismatched, res.Refused)
	}
	printVerbose("scanned %d, excluded %d, identical %d, time diff %.2fs",
		res.Scanned, res.Excluded, res.Identical, res.TimeDiff)
}

func recordSync(j *journal.Journal, target string, res *client.SyncResult, runErr error) {
	if j == nil {
		return
	}
	var (
		files   []journal.FileRecord
		elapsed time.Duration
	)
	if res != nil {
		elapsed = res.Elapsed
		for _, f := range res.Files {
			files = append(files, journal.FileRecord{Path: f.Path, Size: f.Size, Status: f.Status})
		}
	}
	if _, err := j.Record(journal.OpSync, target, files, elapsed, runErr); err != nil {
		printVerbose("journal: %v", err)
	}
}

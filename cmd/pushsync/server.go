package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jamesainslie/pushsync/pkg/server"
)

var serverCmd = &cobra.Command{
	Use:     "server",
	Aliases: []string{"serve"},
	Short:   "Run the sync server",
	Long: `Accept push sessions and write incoming files into the sync root.

Every overwritten file is copied into the backup area first and recorded in
the server registry. Stop with Ctrl-C or SIGTERM; live sessions are closed.`,
	Args: cobra.NoArgs,
	RunE: runServer,
}

var serverStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether a server is running",
	Args:  cobra.NoArgs,
	RunE:  runServerStatus,
}

func init() {
	serverCmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9108)")
	serverCmd.Flags().Bool("no-scan", false, "skip the startup scan of the sync root")
	_ = viper.BindPFlag("server.metrics_addr", serverCmd.Flags().Lookup("metrics-addr"))

	serverCmd.AddCommand(serverStatusCmd)
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return err
	}

	pidPath := cfg.PIDPath()
	if err := server.AcquirePIDFile(pidPath); err != nil {
		if errors.Is(err, server.ErrAlreadyRunning) {
			return fmt.Errorf("a server already owns %s", cfg.DataDir)
		}
		return err
	}
	defer func() { _ = server.RemovePIDFile(pidPath) }()

	statusPath := server.StatusPath(cfg.DataDir)
	opts := server.OptionsFromConfig(cfg)
	if noScan, _ := cmd.Flags().GetBool("no-scan"); noScan {
		opts.ScanOnStart = false
	}

	srv, err := server.New(opts)
	if err != nil {
		_ = server.WriteStatusError(statusPath, err)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.WriteStatusReady(statusPath, srv.Addr().String(), srv.Root()); err != nil {
		printVerbose("writing status file: %v", err)
	}
	defer func() { _ = server.RemoveStatus(statusPath) }()

	printInfo("pushsync server on %s, root %s", srv.Addr(), srv.Root())
	return srv.Run(ctx)
}

func runServerStatus(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if !server.IsRunning(cfg.PIDPath()) {
		printInfo("server: not running")
		return nil
	}

	pid, _ := server.ReadPIDFile(cfg.PIDPath())
	status, err := server.ReadStatus(server.StatusPath(cfg.DataDir))
	if err != nil {
		printInfo("server: running (pid %d)", pid)
		return nil
	}
	printInfo("server: %s (pid %d)", status.State, pid)
	printInfo("  addr:    %s", status.Addr)
	printInfo("  root:    %s", status.Root)
	printInfo("  started: %s", status.Started.Format(timeLayout))
	return nil
}

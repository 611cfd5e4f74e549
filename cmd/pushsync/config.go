package main

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jamesainslie/pushsync/pkg/pushsync/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long: `Manage pushsync configuration settings.

Configuration is loaded from:
  1. $XDG_CONFIG_HOME/pushsync/config.yaml (if set)
  2. ~/.config/pushsync/config.yaml

Environment variables override config file settings using the PUSHSYNC_ prefix:
  PUSHSYNC_PORT=9000
  PUSHSYNC_CLIENT_HOST=nas.local
  PUSHSYNC_DATA_DIR=/var/lib/pushsync`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runConfigShow,
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Edit configuration file",
	Long: `Open the configuration file in $VISUAL, $EDITOR or vi.
A default file is created first if none exists.`,
	RunE: runConfigEdit,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create default configuration file",
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show configuration file path",
	RunE:  runConfigPath,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
	rootCmd.AddCommand(configCmd)
}

// envOverrides lists the variables config show reports.
var envOverrides = []string{
	"PUSHSYNC_PORT",
	"PUSHSYNC_ROOT",
	"PUSHSYNC_DATA_DIR",
	"PUSHSYNC_EXCLUDE_FILE",
	"PUSHSYNC_SERVER_QUEUE_SIZE",
	"PUSHSYNC_SERVER_METRICS_ADDR",
	"PUSHSYNC_CLIENT_HOST",
	"PUSHSYNC_CLIENT_TIME_THRESHOLD",
	"PUSHSYNC_CLIENT_SIZE_THRESHOLD",
	"PUSHSYNC_CLIENT_DOWNLOAD_TIMEOUT",
	"PUSHSYNC_CLIENT_PROGRESS",
	"PUSHSYNC_JOURNAL_ENABLED",
	"PUSHSYNC_JOURNAL_RETENTION_DAYS",
	"PUSHSYNC_LOGGING_LEVEL",
}

func runConfigShow(_ *cobra.Command, _ []string) error {
	cfg, err := config.Decode(viper.GetViper())
	if err != nil {
		return err
	}
	if cfg.Port == 0 {
		cfg.Port = config.DefaultPort
	}

	if file := viper.ConfigFileUsed(); file != "" {
		fmt.Printf("Config file: %s\n\n", file)
	} else {
		fmt.Print("Config file: (using defaults, no file found)\n\n")
	}

	fmt.Println("Current Configuration:")
	fmt.Println("----------------------")
	fmt.Printf("port:                    %d\n", cfg.Port)
	fmt.Printf("root:                    %s\n", cfg.Root)
	fmt.Printf("data_dir:                %s\n", cfg.DataDir)
	fmt.Printf("exclude_file:            %s\n", cfg.ExcludeFile)
	fmt.Printf("server.queue_size:       %d\n", cfg.Server.QueueSize)
	fmt.Printf("server.metrics_addr:     %s\n", cfg.Server.MetricsAddr)
	fmt.Printf("client.host:             %s\n", cfg.Client.Host)
	fmt.Printf("client.time_threshold:   %s\n", cfg.Client.TimeThreshold)
	fmt.Printf("client.size_threshold:   %s\n", humanize.IBytes(uint64(cfg.Client.SizeThreshold)))
	fmt.Printf("client.download_timeout: %s\n", cfg.Client.DownloadTimeout)
	fmt.Printf("client.retry.attempts:   %d\n", cfg.Client.Retry.MaxAttempts)
	fmt.Printf("journal.enabled:         %t\n", cfg.Journal.Enabled)
	fmt.Printf("journal.retention:       %d days\n", cfg.Journal.RetentionDays)
	fmt.Printf("logging.level:           %s\n", cfg.Logging.Level)

	fmt.Println("\nEnvironment Overrides:")
	fmt.Println("----------------------")
	found := false
	for _, name := range envOverrides {
		if val := os.Getenv(name); val != "" {
			fmt.Printf("%s=%s\n", name, val)
			found = true
		}
	}
	if !found {
		fmt.Println("(none)")
	}
	return nil
}

func runConfigEdit(_ *cobra.Command, _ []string) error {
	path, _, err := config.WriteDefault()
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}

	editor := os.Getenv("VISUAL")
	if editor == "" {
		editor = os.Getenv("EDITOR")
	}
	if editor == "" {
		editor = "vi"
	}
	printVerbose("Opening %s with %s", path, editor)

	c := exec.Command(editor, path)
	c.Stdin = os.Stdin
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	if err := c.Run(); err != nil {
		return fmt.Errorf("editor command failed: %w", err)
	}
	return nil
}

func runConfigInit(_ *cobra.Command, _ []string) error {
	path, created, err := config.WriteDefault()
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	if !created {
		printInfo("Config file already exists: %s", path)
		printInfo("Use 'pushsync config edit' to modify it.")
		return nil
	}
	printInfo("Created default config file: %s", path)
	return nil
}

func runConfigPath(_ *cobra.Command, _ []string) error {
	path, err := config.ConfigPath()
	if err != nil {
		return err
	}
	fmt.Println(path)

	if _, err := os.Stat(path); err == nil {
		printVerbose("File exists")
	} else if os.IsNotExist(err) {
		printVerbose("File does not exist (will use defaults)")
	}
	return nil
}

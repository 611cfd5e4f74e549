package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jamesainslie/pushsync/pkg/pushsync/config"
	"github.com/jamesainslie/pushsync/pkg/pushsync/exclude"
	"github.com/jamesainslie/pushsync/pkg/pushsync/journal"
	"github.com/jamesainslie/pushsync/pkg/pushsync/logging"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "pushsync",
		Short: "Push a directory tree to a remote server with versioned backups",
		Long: `Pushsync mirrors a local directory onto a server over TCP. Every file the
server overwrites is snapshotted first, so any point in time can be restored.

Examples:
  pushsync server -r /srv/mirror          # Serve /srv/mirror on :8765
  pushsync sync -r ~/project --host nas   # Push ~/project to nas:8765
  pushsync sync --watch                   # Keep pushing on every change
  pushsync history --since 24h            # Backups from the last day
  pushsync restore --since 1h             # Roll back the last hour`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.config/pushsync/config.yaml)")
	rootCmd.PersistentFlags().IntP("port", "p", 0, "server port (default 8765)")
	rootCmd.PersistentFlags().StringP("root", "r", "", "sync root directory (default .)")
	rootCmd.PersistentFlags().String("data-dir", "", "directory for registries, backups and the journal")
	rootCmd.PersistentFlags().String("exclude-file", "", "exclusion rules file")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "minimal output")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug output")

	_ = viper.BindPFlag("port", rootCmd.PersistentFlags().Lookup("port"))
	_ = viper.BindPFlag("root", rootCmd.PersistentFlags().Lookup("root"))
	_ = viper.BindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	_ = viper.BindPFlag("exclude_file", rootCmd.PersistentFlags().Lookup("exclude-file"))
	_ = viper.BindPFlag("quiet", rootCmd.PersistentFlags().Lookup("quiet"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

// initConfig reads the config file and environment.
func initConfig() {
	config.Configure(viper.GetViper(), cfgFile)

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && cfgFile != "" {
			printError("reading config: %v", err)
		}
	}
}

// Execute runs the root command.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		printError("%v", err)
	}
	_ = logging.Close()
	return err
}

// loadConfig decodes the merged configuration and starts logging.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Decode(viper.GetViper())
	if err != nil {
		return nil, err
	}
	if cfg.Port == 0 {
		cfg.Port = config.DefaultPort
	}
	if err := initLogging(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func initLogging(cfg *config.Config) error {
	lc, err := cfg.LoggingSetup()
	if err != nil {
		return err
	}
	switch {
	case getVerbose():
		lc.ConsoleLevel = "debug"
		lc.Level = "debug"
	case getQuiet():
		lc.ConsoleLevel = "error"
	}
	return logging.Init(lc)
}

// loadRules builds the exclusion rules: built-in defaults plus the rule file.
func loadRules(cfg *config.Config) (*exclude.RuleSet, error) {
	return exclude.New(exclude.WithDefaults(), exclude.WithFile(cfg.ExcludeFile))
}

// openJournal returns nil when the journal is disabled.
func openJournal(cfg *config.Config) *journal.Journal {
	if !cfg.Journal.Enabled {
		return nil
	}
	j, err := journal.New(cfg.JournalPath())
	if err != nil {
		printVerbose("journal disabled: %v", err)
		return nil
	}
	if n, err := j.Cleanup(cfg.Journal.RetentionDays); err == nil && n > 0 {
		printVerbose("removed %d expired journal entries", n)
	}
	return j
}

func getVerbose() bool {
	return viper.GetBool("verbose")
}

func getQuiet() bool {
	return viper.GetBool("quiet")
}

// printVerbose prints a message if verbose mode is enabled.
func printVerbose(format string, args ...interface{}) {
	if getVerbose() && !getQuiet() {
		fmt.Fprintf(os.Stderr, "[DEBUG] "+format+"\n", args...)
	}
}

// printInfo prints a message if quiet mode is not enabled.
func printInfo(format string, args ...interface{}) {
	if !getQuiet() {
		fmt.Printf(format+"\n", args...)
	}
}

// printError prints an error message to stderr.
func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
}

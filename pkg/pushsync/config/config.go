package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"

	"github.com/jamesainslie/pushsync/pkg/pushsync/logging"
)

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSize    string `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Daily      bool   `mapstructure:"daily"`
}

// LoggingConfig configures application logging.
type LoggingConfig struct {
	Level      string            `mapstructure:"level"`
	Path       string            `mapstructure:"path"`
	Console    string            `mapstructure:"console"`
	Rotation   RotationConfig    `mapstructure:"rotation"`
	Components map[string]string `mapstructure:"components"`
}

// ServerConfig configures the sync server.
type ServerConfig struct {
	QueueSize   int    `mapstructure:"queue_size"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// RetryConfig is the client's session retry policy.
type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	RefusedBackoff  time.Duration `mapstructure:"refused_backoff"`
	TimeoutBackoff  time.Duration `mapstructure:"timeout_backoff"`
	ProtocolBackoff time.Duration `mapstructure:"protocol_backoff"`
	TransferBackoff time.Duration `mapstructure:"transfer_backoff"`
	DefaultBackoff  time.Duration `mapstructure:"default_backoff"`
}

// ClientConfig configures the sync client.
type ClientConfig struct {
	Host            string        `mapstructure:"host"`
	TimeThreshold   time.Duration `mapstructure:"time_threshold"`
	SizeThreshold   int64         `mapstructure:"size_threshold"`
	DownloadTimeout time.Duration `mapstructure:"download_timeout"`
	Progress        bool          `mapstructure:"progress"`
	WatchDebounce   time.Duration `mapstructure:"watch_debounce"`
	Retry           RetryConfig   `mapstructure:"retry"`
}

// JournalConfig configures the run journal.
type JournalConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	RetentionDays int  `mapstructure:"retention_days"`
}

// Config represents the application configuration.
type Config struct {
	Port        int           `mapstructure:"port"`
	Root        string        `mapstructure:"root"`
	DataDir     string        `mapstructure:"data_dir"`
	ExcludeFile string        `mapstructure:"exclude_file"`
	Server      ServerConfig  `mapstructure:"server"`
	Client      ClientConfig  `mapstructure:"client"`
	Journal     JournalConfig `mapstructure:"journal"`
	Logging     LoggingConfig `mapstructure:"logging"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("port", DefaultPort)
	v.SetDefault("root", DefaultRoot)
	v.SetDefault("data_dir", "") // Empty means DataDir()
	v.SetDefault("exclude_file", "")

	v.SetDefault("server.queue_size", DefaultQueueSize)
	v.SetDefault("server.metrics_addr", "")

	v.SetDefault("client.host", DefaultHost)
	v.SetDefault("client.time_threshold", DefaultTimeThreshold)
	v.SetDefault("client.size_threshold", DefaultSizeThreshold)
	v.SetDefault("client.download_timeout", DefaultDownloadTimeout)
	v.SetDefault("client.progress", false)
	v.SetDefault("client.watch_debounce", DefaultWatchDebounce)
	v.SetDefault("client.retry.max_attempts", DefaultMaxAttempts)
	v.SetDefault("client.retry.refused_backoff", DefaultRefusedBackoff)
	v.SetDefault("client.retry.timeout_backoff", DefaultTimeoutBackoff)
	v.SetDefault("client.retry.protocol_backoff", DefaultProtocolBackoff)
	v.SetDefault("client.retry.transfer_backoff", DefaultTransferBackoff)
	v.SetDefault("client.retry.default_backoff", DefaultOtherBackoff)

	v.SetDefault("journal.enabled", true)
	v.SetDefault("journal.retention_days", DefaultRetentionDays)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.path", "") // Empty means DefaultLogPath()
	v.SetDefault("logging.console", "info")
	v.SetDefault("logging.rotation.max_size", "10MB")
	v.SetDefault("logging.rotation.max_age", 30)
	v.SetDefault("logging.rotation.max_backups", 5)
	v.SetDefault("logging.rotation.daily", true)
	v.SetDefault("logging.components", map[string]string{
		"server":  "info",
		"session": "info",
		"client":  "info",
		"scanner": "info",
		"backup":  "info",
		"restore": "info",
	})
}

// Configure points v at the standard config locations and the PUSHSYNC_
// environment prefix. A non-empty file overrides the search paths.
func Configure(v *viper.Viper, file string) {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if dir, err := ConfigDir(); err == nil {
			v.AddConfigPath(dir)
		}
	}

	v.SetEnvPrefix("PUSHSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	SetDefaults(v)
}

// Load loads configuration from file and environment variables.
// Config file locations (in order of precedence):
//   - $XDG_CONFIG_HOME/pushsync/config.yaml
//   - $HOME/.config/pushsync/config.yaml
//
// Environment variables are prefixed with PUSHSYNC_ (e.g., PUSHSYNC_PORT).
func Load() (*Config, error) {
	v := viper.New()
	Configure(v, "")

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return Decode(v)
}

// Decode unmarshals v into a Config and resolves derived paths.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	var err error
	if cfg.DataDir == "" {
		cfg.DataDir = DataDir()
	}
	if cfg.DataDir, err = ExpandPath(cfg.DataDir); err != nil {
		return nil, err
	}
	if cfg.Root, err = ExpandPath(cfg.Root); err != nil {
		return nil, err
	}
	if cfg.ExcludeFile == "" {
		if dir, dirErr := ConfigDir(); dirErr == nil {
			cfg.ExcludeFile = filepath.Join(dir, ExcludeFile)
		}
	}
	if cfg.ExcludeFile, err = ExpandPath(cfg.ExcludeFile); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// RegistryPath is the server's metadata store.
func (c *Config) RegistryPath() string {
	return filepath.Join(c.DataDir, RegistryFile)
}

// ClientRegistryPath is the client's local metadata store.
func (c *Config) ClientRegistryPath() string {
	return filepath.Join(c.DataDir, ClientRegistryFile)
}

// BackupPath is the server's private backup area.
func (c *Config) BackupPath() string {
	return filepath.Join(c.DataDir, BackupsDir)
}

// PIDPath is the server's PID file.
func (c *Config) PIDPath() string {
	return filepath.Join(c.DataDir, PIDFile)
}

// JournalPath is the run journal directory.
func (c *Config) JournalPath() string {
	return filepath.Join(c.DataDir, JournalDir)
}

// Addr is the address the client dials.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Client.Host, c.Port)
}

// ListenAddr is the address the server binds on all interfaces.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// LoggingSetup converts the logging section into a logging.Config.
func (c *Config) LoggingSetup() (logging.Config, error) {
	lc := logging.Config{
		Level:        c.Logging.Level,
		Path:         c.Logging.Path,
		ConsoleLevel: c.Logging.Console,
		Components:   c.Logging.Components,
		Rotation: logging.RotationConfig{
			MaxAge:     c.Logging.Rotation.MaxAge,
			MaxBackups: c.Logging.Rotation.MaxBackups,
			Daily:      c.Logging.Rotation.Daily,
		},
	}
	if c.Logging.Rotation.MaxSize != "" {
		n, err := humanize.ParseBytes(c.Logging.Rotation.MaxSize)
		if err != nil {
			return lc, fmt.Errorf("parsing logging.rotation.max_size: %w", err)
		}
		lc.Rotation.MaxSize = int64(n)
	}
	if lc.Path == "" {
		lc.Path = DefaultLogPath()
	}
	return lc, nil
}

// ConfigDir returns the configuration directory path.
func ConfigDir() (string, error) {
	if xdgConfigHome := os.Getenv("XDG_CONFIG_HOME"); xdgConfigHome != "" {
		return filepath.Join(xdgConfigHome, "pushsync"), nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	return filepath.Join(homeDir, ".config", "pushsync"), nil
}

// ConfigPath returns the default config file path.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// WriteDefault writes a default config file if none exists.
// It returns the path and whether a file was created.
func WriteDefault() (string, bool, error) {
	configPath, err := ConfigPath()
	if err != nil {
		return "", false, err
	}

	if _, err := os.Stat(configPath); err == nil {
		return configPath, false, nil
	} else if !os.IsNotExist(err) {
		return "", false, fmt.Errorf("failed to check config file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return "", false, fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(defaultTemplate()), 0o644); err != nil {
		return "", false, fmt.Errorf("failed to write default config: %w", err)
	}

	return configPath, true, nil
}

func defaultTemplate() string {
	return fmt.Sprintf(`# pushsync configuration

# TCP port (server listens on all interfaces, client dials client.host)
port: %d

# Directory tree to sync (client) or receive into (server)
root: %s

# Registries, backups, PID file and journal (empty: $XDG_DATA_HOME/pushsync)
data_dir: ""

# Exclusion rule file with ext:, dir:, path: and glob: lines
exclude_file: ""

server:
  queue_size: %d
  # Prometheus endpoint, e.g. ":9090" (empty disables)
  metrics_addr: ""

client:
  host: %s
  time_threshold: %s
  size_threshold: %d
  download_timeout: %s
  progress: false
  watch_debounce: %s
  retry:
    max_attempts: %d
    refused_backoff: %s
    timeout_backoff: %s
    protocol_backoff: %s
    transfer_backoff: %s
    default_backoff: %s

journal:
  enabled: true
  retention_days: %d

logging:
  # Log level: debug, info, warn, error
  level: info
  # Log file path (empty: $XDG_STATE_HOME/pushsync/pushsync.log)
  path: ""
  # Console level (empty disables console output)
  console: info
  rotation:
    max_size: 10MB
    max_age: 30       # days
    max_backups: 5
    daily: true
  components:
    server: info
    session: info
    client: info
    scanner: info
    backup: info
    restore: info
`, DefaultPort, DefaultRoot, DefaultQueueSize, DefaultHost,
		DefaultTimeThreshold, DefaultSizeThreshold, DefaultDownloadTimeout, DefaultWatchDebounce,
		DefaultMaxAttempts, DefaultRefusedBackoff, DefaultTimeoutBackoff, DefaultProtocolBackoff,
		DefaultTransferBackoff, DefaultOtherBackoff, DefaultRetentionDays)
}

// ExpandPath expands ~ in a path to the user's home directory.
func ExpandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	return filepath.Join(homeDir, path[1:]), nil
}

// DataDir returns $XDG_DATA_HOME/pushsync/ for registries, backups and the PID file.
func DataDir() string {
	return filepath.Join(xdg.DataHome, "pushsync")
}

// StateDir returns $XDG_STATE_HOME/pushsync/ for log files.
func StateDir() string {
	return filepath.Join(xdg.StateHome, "pushsync")
}

// DefaultLogPath returns the default log file path.
func DefaultLogPath() string {
	return filepath.Join(StateDir(), "pushsync.log")
}

// EnsureDataDir creates the configured data and backup directories.
func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.BackupPath(), 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	return nil
}

// Package config provides configuration management for pushsync.
package config

import "time"

// Default configuration values for pushsync.
const (
	// DefaultPort is the TCP port the server listens on and the client dials.
	DefaultPort = 8765

	// DefaultHost is the server address the client dials.
	DefaultHost = "localhost"

	// DefaultRoot is the sync root when none is specified.
	DefaultRoot = "."

	// DefaultQueueSize bounds the accept to dispatch hand-off.
	DefaultQueueSize = 16

	// DefaultSizeThreshold is the byte difference below which sizes are treated as equal.
	DefaultSizeThreshold = 10

	// DefaultTimeThreshold is the mtime difference below which timestamps are treated as equal.
	DefaultTimeThreshold = 60 * time.Second

	// DefaultDownloadTimeout is the idle read timeout for the registry download.
	DefaultDownloadTimeout = 30 * time.Second

	// DefaultMaxAttempts is the number of full sessions the client tries.
	DefaultMaxAttempts = 3

	DefaultRefusedBackoff  = 5 * time.Second
	DefaultTimeoutBackoff  = 3 * time.Second
	DefaultProtocolBackoff = 3 * time.Second
	DefaultTransferBackoff = 2 * time.Second
	DefaultOtherBackoff    = 3 * time.Second

	// DefaultWatchDebounce is how long watch mode waits for changes to settle.
	DefaultWatchDebounce = 2 * time.Second

	// DefaultRetentionDays is how long run journal entries are kept.
	DefaultRetentionDays = 30
)

// File names inside the data directory.
const (
	RegistryFile       = "file_sync.db"
	ClientRegistryFile = "file_sync_client.db"
	BackupsDir         = "backups"
	PIDFile            = "pushsync.pid"
	JournalDir         = "journal"
	ExcludeFile        = "exclude.conf"
)

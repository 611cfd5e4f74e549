// Package journal keeps a JSON record of every sync and restore run.
package journal

import "time"

// Operation is the kind of run an entry describes.
type Operation string

const (
	OpSync    Operation = "sync"
	OpRestore Operation = "restore"
)

// Entry is one run.
type Entry struct {
	ID        string       `json:"id" yaml:"id"`
	Timestamp time.Time    `json:"timestamp" yaml:"timestamp"`
	Operation Operation    `json:"operation" yaml:"operation"`
	Target    string       `json:"target" yaml:"target"` // server address or restore root
	Files     []FileRecord `json:"files" yaml:"files"`
	Summary   Summary      `json:"summary" yaml:"summary"`
	Error     string       `json:"error,omitempty" yaml:"error,omitempty"`
}

// FileRecord is one file touched by a run.
type FileRecord struct {
	Path   string `json:"path" yaml:"path"`
	Size   int64  `json:"size" yaml:"size"`
	Status string `json:"status" yaml:"status"`
}

// Summary totals a run.
type Summary struct {
	TotalFiles int64   `json:"total_files" yaml:"total_files"`
	TotalBytes int64   `json:"total_bytes" yaml:"total_bytes"`
	Failed     int64   `json:"failed" yaml:"failed"`
	Seconds    float64 `json:"seconds" yaml:"seconds"`
}

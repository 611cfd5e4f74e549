// Package output renders history listings (backups, runs, restore results)
// in several formats.
//
// Formatters are looked up by name from a registry:
//
//	f, err := output.Get("table")
//	if err != nil {
//	    return err
//	}
//	var buf bytes.Buffer
//	if err := f.Format(&buf, result); err != nil {
//	    return err
//	}
package output

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jamesainslie/pushsync/pkg/pushsync/fileutil"
	"github.com/jamesainslie/pushsync/pkg/pushsync/journal"
	"github.com/jamesainslie/pushsync/pkg/pushsync/restore"
	"github.com/jamesainslie/pushsync/pkg/pushsync/store"
)

// Backup is one snapshot row.
type Backup struct {
	ID         int64     `json:"id" yaml:"id"`
	Path       string    `json:"path" yaml:"path"`
	BackupPath string    `json:"backup_path" yaml:"backup_path"`
	Size       int64     `json:"size" yaml:"size"`
	SizeHuman  string    `json:"size_human" yaml:"size_human"`
	Modified   time.Time `json:"modified" yaml:"modified"`
	BackedUp   time.Time `json:"backed_up" yaml:"backed_up"`
	Hash       string    `json:"hash,omitempty" yaml:"hash,omitempty"`
}

// Run is one journal entry without its file list.
type Run struct {
	ID        string    `json:"id" yaml:"id"`
	Operation string    `json:"operation" yaml:"operation"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	Target    string    `json:"target" yaml:"target"`
	Files     int64     `json:"files" yaml:"files"`
	Bytes     int64     `json:"bytes" yaml:"bytes"`
	Failed    int64     `json:"failed" yaml:"failed"`
	Error     string    `json:"error,omitempty" yaml:"error,omitempty"`
}

// Restored is one restore outcome.
type Restored struct {
	Path     string    `json:"path" yaml:"path"`
	Backup   string    `json:"backup" yaml:"backup"`
	BackedUp time.Time `json:"backed_up" yaml:"backed_up"`
	Outcome  string    `json:"outcome" yaml:"outcome"`
	Error    string    `json:"error,omitempty" yaml:"error,omitempty"`
}

// Result is everything a formatter can render. Empty sections are skipped
// by the text formatters.
type Result struct {
	Source   string     `json:"source" yaml:"source"`
	Backups  []Backup   `json:"backups,omitempty" yaml:"backups,omitempty"`
	Runs     []Run      `json:"runs,omitempty" yaml:"runs,omitempty"`
	Restored []Restored `json:"restored,omitempty" yaml:"restored,omitempty"`
}

// TotalSize is the sum of backup sizes.
func (r *Result) TotalSize() int64 {
	var n int64
	for _, b := range r.Backups {
		n += b.Size
	}
	return n
}

// FromBackups converts store records.
func FromBackups(recs []store.BackupRecord) []Backup {
	out := make([]Backup, 0, len(recs))
	for _, rec := range recs {
		out = append(out, Backup{
			ID:         rec.ID,
			Path:       rec.OriginalPath,
			BackupPath: rec.BackupPath,
			Size:       rec.Size,
			SizeHuman:  humanize.IBytes(uint64(rec.Size)),
			Modified:   fileutil.FromEpoch(rec.ModifiedTime),
			BackedUp:   fileutil.FromEpoch(rec.BackupTime),
			Hash:       rec.Hash,
		})
	}
	return out
}

// FromEntries converts journal entries.
func FromEntries(entries []journal.Entry) []Run {
	out := make([]Run, 0, len(entries))
	for _, e := range entries {
		out = append(out, Run{
			ID:        e.ID,
			Operation: string(e.Operation),
			Timestamp: e.Timestamp,
			Target:    e.Target,
			Files:     e.Summary.TotalFiles,
			Bytes:     e.Summary.TotalBytes,
			Failed:    e.Summary.Failed,
			Error:     e.Error,
		})
	}
	return out
}

// FromRestore converts restore outcomes.
func FromRestore(res *restore.Result) []Restored {
	if res == nil {
		return nil
	}
	out := make([]Restored, 0, len(res.Files))
	for _, f := range res.Files {
		out = append(out, Restored{
			Path:     f.Path,
			Backup:   f.BackupPath,
			BackedUp: fileutil.FromEpoch(f.BackupTime),
			Outcome:  string(f.Outcome),
			Error:    f.Error,
		})
	}
	return out
}

// Formatter renders a Result.
type Formatter interface {
	Format(w *bytes.Buffer, r *Result) error
}

// FormatterFactory creates a Formatter.
type FormatterFactory func() Formatter

// Registry maps names to formatter factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]FormatterFactory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]FormatterFactory)}
}

// Register adds or replaces a formatter.
func (r *Registry) Register(name string, factory FormatterFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Get returns a new formatter by name.
func (r *Registry) Get(name string) (Formatter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown formatter: %s", name)
	}
	return factory(), nil
}

// Available returns the registered names, sorted.
func (r *Registry) Available() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry holds the built-in formatters.
var DefaultRegistry = NewRegistry()

// Register adds a formatter to the default registry.
func Register(name string, factory FormatterFactory) {
	DefaultRegistry.Register(name, factory)
}

// Get returns a formatter from the default registry.
func Get(name string) (Formatter, error) {
	return DefaultRegistry.Get(name)
}

// Available lists the default registry.
func Available() []string {
	return DefaultRegistry.Available()
}

const timeLayout = "2006-01-02 15:04:05"

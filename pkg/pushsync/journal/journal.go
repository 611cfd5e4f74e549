package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Get for an unknown ID.
var ErrNotFound = errors.New("journal entry not found")

// Journal stores entries as one JSON file each.
type Journal struct {
	dir string
	now func() time.Time
	mu  sync.Mutex
}

// Option configures a Journal.
type Option func(*Journal)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(j *Journal) { j.now = now }
}

// New creates a Journal in dir. The directory is created on first write.
func New(dir string, opts ...Option) (*Journal, error) {
	if dir == "" {
		return nil, errors.New("journal directory cannot be empty")
	}
	j := &Journal{dir: dir, now: time.Now}
	for _, o := range opts {
		o(j)
	}
	return j, nil
}

// Dir returns the journal directory.
func (j *Journal) Dir() string {
	return j.dir
}

// Record persists a run. runErr, when set, is kept as the entry's error.
func (j *Journal) Record(op Operation, target string, files []FileRecord, elapsed time.Duration, runErr error) (*Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	now := j.now().UTC()
	entry := &Entry{
		ID:        newID(op, now),
		Timestamp: now,
		Operation: op,
		Target:    target,
		Files:     files,
		Summary:   summarize(files, elapsed),
	}
	if entry.Files == nil {
		entry.Files = []FileRecord{}
	}
	if runErr != nil {
		entry.Error = runErr.Error()
	}

	if err := os.MkdirAll(j.dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}
	if err := j.write(entry); err != nil {
		return nil, fmt.Errorf("writing journal entry: %w", err)
	}
	return entry, nil
}

// Failed statuses count towards Summary.Failed.
var failedStatuses = map[string]bool{
	"hash_mismatch": true,
	"refused":       true,
	"failed":        true,
	"missing":       true,
}

func summarize(files []FileRecord, elapsed time.Duration) Summary {
	s := Summary{TotalFiles: int64(len(files)), Seconds: elapsed.Seconds()}
	for _, f := range files {
		s.TotalBytes += f.Size
		if failedStatuses[f.Status] {
			s.Failed++
		}
	}
	return s
}

// write stores the entry via a temp file and rename.
func (j *Journal) write(entry *Entry) error {
	path := filepath.Join(j.dir, entry.ID+".json")

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// List returns entries newest first. limit <= 0 returns all of them.
// Unparseable files are skipped.
func (j *Journal) List(limit int) ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	entries, err := j.readAll()
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(a, b int) bool {
		return entries[a].Timestamp.After(entries[b].Timestamp)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// Get returns the entry with id.
func (j *Journal) Get(id string) (*Entry, error) {
	if id == "" {
		return nil, errors.New("entry ID cannot be empty")
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	entry, err := j.read(id + ".json")
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return entry, err
}

func (j *Journal) readAll() ([]Entry, error) {
	files, err := os.ReadDir(j.dir)
	if errors.Is(err, os.ErrNotExist) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading journal directory: %w", err)
	}

	entries := []Entry{}
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		entry, err := j.read(f.Name())
		if err != nil {
			continue
		}
		entries = append(entries, *entry)
	}
	return entries, nil
}

func (j *Journal) read(name string) (*Entry, error) {
	data, err := os.ReadFile(filepath.Join(j.dir, name))
	if err != nil {
		return nil, err
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", name, err)
	}
	return &entry, nil
}

// Cleanup removes entries older than retentionDays and returns how many
// were removed. retentionDays <= 0 keeps everything.
func (j *Journal) Cleanup(retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	entries, err := j.readAll()
	if err != nil {
		return 0, err
	}

	cutoff := j.now().AddDate(0, 0, -retentionDays)
	removed := 0
	for _, e := range entries {
		if !e.Timestamp.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(j.dir, e.ID+".json")); err == nil {
			removed++
		}
	}
	return removed, nil
}

// newID builds an ID like "sync-2024-06-15T10-30-00-1b4e28ba".
func newID(op Operation, ts time.Time) string {
	return fmt.Sprintf("%s-%s-%s", op, ts.Format("2006-01-02T15-04-05"), uuid.NewString()[:8])
}

package logging

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// RotationConfig configures log file rotation.
type RotationConfig struct {
	// MaxSize in bytes; zero uses the 10MB default.
	MaxSize int64

	// MaxAge in days; zero keeps rotated files regardless of age.
	MaxAge int

	// MaxBackups caps the number of rotated files; zero keeps all of them.
	MaxBackups int

	// Daily also rotates on the first write of a new local day.
	Daily bool
}

// DefaultRotationConfig returns 10MB files, five backups, 30 days, daily.
func DefaultRotationConfig() RotationConfig {
	return RotationConfig{
		MaxSize:    10 * 1024 * 1024,
		MaxAge:     30,
		MaxBackups: 5,
		Daily:      true,
	}
}

const rotatedStamp = "2006-01-02-150405"

// RotatingWriter is an io.WriteCloser over one log file. A server and a
// sync client on the same host may append to the same file, so every write
// holds an exclusive flock.
type RotatingWriter struct {
	path string
	cfg  RotationConfig
	now  func() time.Time

	mu     sync.Mutex
	file   *os.File
	size   int64
	opened time.Time
}

// NewRotatingWriter opens path for appending, creating its directory, and
// prunes rotated files left over from earlier runs.
func NewRotatingWriter(path string, cfg RotationConfig) (*RotatingWriter, error) {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultRotationConfig().MaxSize
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}

	w := &RotatingWriter{path: path, cfg: cfg, now: time.Now}
	if err := w.open(); err != nil {
		return nil, err
	}
	w.prune()
	return w, nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, fs.ErrClosed
	}
	if w.due(int64(len(p))) {
		if err := w.rotate(); err != nil {
			return 0, fmt.Errorf("rotating log file: %w", err)
		}
	}

	fd := int(w.file.Fd())
	if err := unix.Flock(fd, unix.LOCK_EX); err != nil {
		return 0, fmt.Errorf("locking log file: %w", err)
	}
	defer func() { _ = unix.Flock(fd, unix.LOCK_UN) }()

	n, err := w.file.Write(p)
	w.size += int64(n)
	if err != nil {
		return n, fmt.Errorf("writing log file: %w", err)
	}
	return n, nil
}

// Close syncs and closes the file. Further writes fail with fs.ErrClosed.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	syncErr := w.file.Sync()
	closeErr := w.file.Close()
	w.file = nil
	return errors.Join(syncErr, closeErr)
}

func (w *RotatingWriter) open() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		return errors.Join(fmt.Errorf("stat log file: %w", err), f.Close())
	}
	w.file = f
	w.size = info.Size()
	w.opened = info.ModTime()
	if w.size == 0 {
		w.opened = w.now()
	}
	return nil
}

// due reports whether writing n more bytes needs a fresh file. An empty
// file is never rotated for size, so an oversized line still gets written.
func (w *RotatingWriter) due(n int64) bool {
	if w.size > 0 && w.size+n > w.cfg.MaxSize {
		return true
	}
	if !w.cfg.Daily {
		return false
	}
	y1, m1, d1 := w.now().Date()
	y2, m2, d2 := w.opened.Date()
	return y1 != y2 || m1 != m2 || d1 != d2
}

func (w *RotatingWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("closing log file: %w", err)
	}
	w.file = nil

	if err := os.Rename(w.path, w.nextName()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("renaming log file: %w", err)
	}
	if err := w.open(); err != nil {
		return err
	}
	w.prune()
	return nil
}

// nextName returns "<base>.<stamp>[.N]<ext>" that does not exist yet, so
// several rotations within one second keep distinct files.
func (w *RotatingWriter) nextName() string {
	ext := filepath.Ext(w.path)
	base := strings.TrimSuffix(w.path, ext)
	stamp := w.now().Format(rotatedStamp)

	name := fmt.Sprintf("%s.%s%s", base, stamp, ext)
	for i := 1; ; i++ {
		if _, err := os.Lstat(name); errors.Is(err, fs.ErrNotExist) {
			return name
		}
		name = fmt.Sprintf("%s.%s.%d%s", base, stamp, i, ext)
	}
}

// rotated lists this writer's rotated files, newest first.
func (w *RotatingWriter) rotated() []string {
	dir := filepath.Dir(w.path)
	current := filepath.Base(w.path)
	ext := filepath.Ext(current)
	prefix := strings.TrimSuffix(current, ext) + "."

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	type candidate struct {
		path string
		mod  time.Time
	}
	var found []candidate
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == current || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ext) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		found = append(found, candidate{filepath.Join(dir, name), info.ModTime()})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].mod.After(found[j].mod) })

	out := make([]string, len(found))
	for i, c := range found {
		out[i] = c.path
	}
	return out
}

// prune removes rotated files beyond MaxBackups or older than MaxAge and
// returns how many were removed. Removal errors are ignored.
func (w *RotatingWriter) prune() int {
	var cutoff time.Time
	if w.cfg.MaxAge > 0 {
		cutoff = w.now().AddDate(0, 0, -w.cfg.MaxAge)
	}

	removed := 0
	for i, path := range w.rotated() {
		drop := w.cfg.MaxBackups > 0 && i >= w.cfg.MaxBackups
		if !drop && !cutoff.IsZero() {
			if info, err := os.Stat(path); err == nil && info.ModTime().Before(cutoff) {
				drop = true
			}
		}
		if drop && os.Remove(path) == nil {
			removed++
		}
	}
	return removed
}

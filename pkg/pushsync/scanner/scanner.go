// Package scanner walks a sync root and records size and mtime for every
// regular file. It never hashes; hashes are computed lazily by the diff.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charlievieth/fastwalk"
	"github.com/dustin/go-humanize"

	"github.com/jamesainslie/pushsync/pkg/pushsync/fileutil"
	"github.com/jamesainslie/pushsync/pkg/pushsync/logging"
	"github.com/jamesainslie/pushsync/pkg/pushsync/store"
	"github.com/jamesainslie/pushsync/pkg/pushsync/tuner"
)

// Recorder receives scan results in batches.
type Recorder interface {
	UpsertScanned(recs []store.FileRecord) error
}

// Options configures a Scanner.
type Options struct {
	// Root is the directory to walk.
	Root string

	// SkipDirs are absolute directories pruned from the walk, such as a data
	// directory nested inside the root.
	SkipDirs []string

	// BatchSize is the number of records per write. Zero sizes it from
	// available memory.
	BatchSize int

	// Workers is the walk parallelism. Zero uses one per core.
	Workers int

	// Logger receives warnings. Nil uses logging.Get("scanner").
	Logger logging.Sink

	// Now stamps last_sync_time. Nil uses time.Now.
	Now func() time.Time
}

// Result summarises one scan.
type Result struct {
	Files   int64
	Bytes   int64
	Errors  int64
	Elapsed time.Duration
}

// Scanner walks a root with fastwalk.
type Scanner struct {
	opts Options
	log  logging.Sink

	files  atomic.Int64
	bytes  atomic.Int64
	errors atomic.Int64

	mu      sync.Mutex
	pending []store.FileRecord
	flushed error
}

// New creates a Scanner.
func New(opts Options) *Scanner {
	if opts.BatchSize <= 0 || opts.Workers <= 0 {
		tuned := tuner.Auto()
		if opts.BatchSize <= 0 {
			opts.BatchSize = tuned.BatchSize
		}
		if opts.Workers <= 0 {
			opts.Workers = tuned.WalkWorkers
		}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Scanner{opts: opts, log: opts.Logger}
	if s.log == nil {
		s.log = logging.Get("scanner")
	}
	return s
}

// Scan walks the root and upserts a record per regular file into rec.
// A missing or non-directory root logs a warning and yields an empty Result.
func (s *Scanner) Scan(ctx context.Context, rec Recorder) (Result, error) {
	start := time.Now()
	s.reset()

	root, err := s.validateRoot()
	if err != nil {
		s.log.Warn("scan root unusable", "root", s.opts.Root, "error", err)
		return Result{}, nil
	}

	skip := make(map[string]struct{}, len(s.opts.SkipDirs))
	for _, d := range s.opts.SkipDirs {
		if abs, err := filepath.Abs(d); err == nil {
			skip[abs] = struct{}{}
		}
	}

	syncTime := fileutil.Epoch(s.opts.Now())
	conf := fastwalk.Config{Follow: false, NumWorkers: s.opts.Workers}

	walkErr := fastwalk.Walk(&conf, root, func(path string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			s.errors.Add(1)
			s.log.Warn("scan entry failed", "path", path, "error", err)
			return nil //nolint:nilerr // unreadable entries are skipped
		}

		if d.IsDir() {
			if _, ok := skip[path]; ok {
				return fastwalk.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			s.errors.Add(1)
			s.log.Warn("stat failed", "path", path, "error", err)
			return nil //nolint:nilerr // vanished files are skipped
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			s.errors.Add(1)
			return nil //nolint:nilerr // cannot happen for paths under root
		}

		s.files.Add(1)
		s.bytes.Add(info.Size())
		return s.add(rec, store.FileRecord{
			Path:         filepath.ToSlash(rel),
			Size:         info.Size(),
			ModifiedTime: fileutil.Epoch(info.ModTime()),
			LastSyncTime: syncTime,
		})
	})
	if walkErr != nil {
		if errors.Is(walkErr, context.Canceled) || errors.Is(walkErr, context.DeadlineExceeded) {
			return s.result(start), walkErr
		}
		return s.result(start), fmt.Errorf("walking %s: %w", root, walkErr)
	}

	if err := s.flush(rec); err != nil {
		return s.result(start), err
	}

	res := s.result(start)
	s.log.Info("scan complete",
		"root", root,
		"files", res.Files,
		"size", humanize.Bytes(uint64(res.Bytes)),
		"errors", res.Errors,
		"elapsed", res.Elapsed.Round(time.Millisecond))
	return res, nil
}

func (s *Scanner) add(rec Recorder, r store.FileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.flushed != nil {
		return s.flushed
	}
	s.pending = append(s.pending, r)
	if len(s.pending) < s.opts.BatchSize {
		return nil
	}
	return s.flushLocked(rec)
}

func (s *Scanner) flush(rec Recorder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flushed != nil {
		return s.flushed
	}
	return s.flushLocked(rec)
}

func (s *Scanner) flushLocked(rec Recorder) error {
	if len(s.pending) == 0 {
		return nil
	}
	if err := rec.UpsertScanned(s.pending); err != nil {
		s.flushed = fmt.Errorf("recording scan batch: %w", err)
		return s.flushed
	}
	s.pending = s.pending[:0]
	return nil
}

func (s *Scanner) reset() {
	s.files.Store(0)
	s.bytes.Store(0)
	s.errors.Store(0)
	s.mu.Lock()
	s.pending = nil
	s.flushed = nil
	s.mu.Unlock()
}

func (s *Scanner) result(start time.Time) Result {
	return Result{
		Files:   s.files.Load(),
		Bytes:   s.bytes.Load(),
		Errors:  s.errors.Load(),
		Elapsed: time.Since(start),
	}
}

func (s *Scanner) validateRoot() (string, error) {
	root, err := filepath.Abs(s.opts.Root)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(root)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s: %w", root, os.ErrInvalid)
	}

	return root, nil
}

// Package diff decides which locally tracked files must be pushed, by
// comparing the local registry with a snapshot of the server's.
package diff

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/jamesainslie/pushsync/pkg/protocol"
	"github.com/jamesainslie/pushsync/pkg/pushsync/exclude"
	"github.com/jamesainslie/pushsync/pkg/pushsync/fileutil"
	"github.com/jamesainslie/pushsync/pkg/pushsync/logging"
	"github.com/jamesainslie/pushsync/pkg/pushsync/store"
)

// Default staleness thresholds.
const (
	DefaultSizeThreshold int64 = 10
	DefaultTimeThreshold       = 60 * time.Second
)

// Hasher computes the content hash of a file given its absolute path.
type Hasher interface {
	Hash(path string) (string, error)
}

// HasherFunc adapts a function to Hasher.
type HasherFunc func(path string) (string, error)

// Hash calls f.
func (f HasherFunc) Hash(path string) (string, error) { return f(path) }

// MD5 hashes with fileutil.HashFile.
var MD5 Hasher = HasherFunc(fileutil.HashFile)

// Options configures an Engine.
type Options struct {
	Root          string
	SizeThreshold int64
	TimeThreshold time.Duration
	Exclude       *exclude.RuleSet
	Hasher        Hasher
	Logger        logging.Sink
}

// Engine computes transfer sets.
type Engine struct {
	opts Options
	log  logging.Sink
}

// New creates an Engine. Zero thresholds take the defaults; a nil Hasher uses MD5.
func New(opts Options) *Engine {
	if opts.SizeThreshold == 0 {
		opts.SizeThreshold = DefaultSizeThreshold
	}
	if opts.TimeThreshold == 0 {
		opts.TimeThreshold = DefaultTimeThreshold
	}
	if opts.Hasher == nil {
		opts.Hasher = MD5
	}
	e := &Engine{opts: opts, log: opts.Logger}
	if e.log == nil {
		e.log = logging.Get("client")
	}
	return e
}

// Plan is the outcome of one diff.
type Plan struct {
	// Files is the transfer set, in local registry order.
	Files []protocol.FileEntry

	// Hashes holds every hash computed this run, keyed by relative path.
	Hashes map[string]string

	Tracked   int
	Excluded  int
	Unchanged int // within both thresholds, never hashed
	Identical int // candidates dropped on equal hash
	Cached    int // candidates whose registry hash was reused
	Vanished  int // tracked locally but gone from disk
	Failed    int // could not be hashed
}

// Bytes is the total size of the transfer set.
func (p *Plan) Bytes() int64 {
	var n int64
	for _, f := range p.Files {
		n += f.Size
	}
	return n
}

// Stale reports whether local differs from remote beyond the thresholds.
// A nil remote is always stale.
func (e *Engine) Stale(local store.FileRecord, remote *store.FileRecord) bool {
	if remote == nil {
		return true
	}
	if abs64(local.Size-remote.Size) > e.opts.SizeThreshold {
		return true
	}
	return math.Abs(local.ModifiedTime-remote.ModifiedTime) > e.opts.TimeThreshold.Seconds()
}

// Plan compares local records with the remote snapshot. Only stale
// candidates are hashed, and a registry hash is reused while the file's
// size and mtime still match the record. A candidate whose hash equals
// the remote hash is dropped. Entries carry the file's current on-disk
// size and mtime.
func (e *Engine) Plan(local, remote []store.FileRecord) *Plan {
	index := make(map[string]*store.FileRecord, len(remote))
	for i := range remote {
		index[remote[i].Path] = &remote[i]
	}

	plan := &Plan{Hashes: make(map[string]string)}
	for _, rec := range local {
		plan.Tracked++

		if reason := e.opts.Exclude.Reason(rec.Path); reason != "" {
			plan.Excluded++
			e.log.Debug("excluded", "path", rec.Path, "rule", reason)
			continue
		}

		srv := index[rec.Path]
		if !e.Stale(rec, srv) {
			plan.Unchanged++
			continue
		}

		full, err := fileutil.SafeJoin(e.opts.Root, rec.Path)
		if err != nil {
			plan.Failed++
			e.log.Warn("skipping unsafe path", "path", rec.Path, "error", err)
			continue
		}

		info, err := os.Stat(full)
		if errors.Is(err, os.ErrNotExist) {
			plan.Vanished++
			continue
		}
		if err != nil {
			plan.Failed++
			e.log.Warn("stat failed", "path", rec.Path, "error", err)
			continue
		}
		if !info.Mode().IsRegular() {
			plan.Vanished++
			continue
		}

		hash := rec.Hash
		if hash != "" && info.Size() == rec.Size && fileutil.Epoch(info.ModTime()) == rec.ModifiedTime {
			plan.Cached++
		} else {
			hash, err = e.opts.Hasher.Hash(full)
			if err != nil {
				plan.Failed++
				e.log.Warn("hash failed", "path", rec.Path, "error", err)
				continue
			}
			plan.Hashes[rec.Path] = hash
		}

		if srv != nil && srv.Hash != "" && srv.Hash == hash {
			plan.Identical++
			continue
		}

		plan.Files = append(plan.Files, protocol.FileEntry{
			Path:         filepath.ToSlash(rec.Path),
			Size:         info.Size(),
			ModifiedTime: fileutil.Epoch(info.ModTime()),
			Hash:         hash,
		})
	}

	return plan
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// Package backup snapshots a destination file into the private backup
// area before it is overwritten, and logs the snapshot in the registry.
package backup

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jamesainslie/pushsync/pkg/pushsync/fileutil"
	"github.com/jamesainslie/pushsync/pkg/pushsync/logging"
	"github.com/jamesainslie/pushsync/pkg/pushsync/store"
)

// maxCollisions bounds the suffix search when two snapshots of the same
// name land in the same second.
const maxCollisions = 1000

// ErrNameExhausted is returned when no free backup name could be found.
var ErrNameExhausted = errors.New("no free backup name")

// Recorder appends backup records.
type Recorder interface {
	InsertBackup(rec store.BackupRecord) (int64, error)
}

// Option configures a Snapshotter.
type Option func(*Snapshotter)

// WithClock overrides the event clock.
func WithClock(now func() time.Time) Option {
	return func(s *Snapshotter) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l logging.Sink) Option {
	return func(s *Snapshotter) { s.log = l }
}

// Snapshotter copies files into dir. It is safe for concurrent use as long
// as callers serialise snapshots of the same path.
type Snapshotter struct {
	dir string
	now func() time.Time
	log logging.Sink
}

// New returns a Snapshotter writing under dir.
func New(dir string, opts ...Option) *Snapshotter {
	s := &Snapshotter{dir: dir, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logging.Get("backup")
	}
	return s
}

// Dir returns the backup area.
func (s *Snapshotter) Dir() string {
	return s.dir
}

// Snapshot copies the file at dest (tracked as rel) into the backup area
// and records it. It returns nil, nil when dest does not exist. The copy is
// fsynced and recorded before Snapshot returns; on any error no record is
// left behind and the destination must not be overwritten.
func (s *Snapshotter) Snapshot(rec Recorder, rel, dest string) (*store.BackupRecord, error) {
	info, err := os.Stat(dest)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", dest, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("backing up %s: not a regular file", rel)
	}

	hash, err := fileutil.HashFile(dest)
	if err != nil {
		return nil, err
	}

	now := s.now()
	blobRel, err := s.copyToFreeName(rel, dest, now)
	if err != nil {
		return nil, err
	}

	br := store.BackupRecord{
		OriginalPath: rel,
		BackupPath:   blobRel,
		Size:         info.Size(),
		ModifiedTime: fileutil.Epoch(info.ModTime()),
		BackupTime:   fileutil.Epoch(now),
		Hash:         hash,
	}
	id, err := rec.InsertBackup(br)
	if err != nil {
		_ = os.Remove(s.BlobPath(blobRel))
		return nil, err
	}
	br.ID = id

	s.log.Info("backup created",
		"path", rel,
		"backup", blobRel,
		"size", humanize.Bytes(uint64(br.Size)))
	return &br, nil
}

// BlobPath resolves a record's BackupPath inside the backup area.
func (s *Snapshotter) BlobPath(backupPath string) string {
	return filepath.Join(s.dir, filepath.FromSlash(backupPath))
}

// copyToFreeName writes the snapshot as <dir of rel>/<base>_<unix seconds>,
// adding _N when that name is taken.
func (s *Snapshotter) copyToFreeName(rel, src string, now time.Time) (string, error) {
	relDir := path.Dir(rel)
	if err := os.MkdirAll(filepath.Join(s.dir, filepath.FromSlash(relDir)), 0o755); err != nil {
		return "", fmt.Errorf("creating backup directory: %w", err)
	}

	stem := path.Base(rel) + "_" + strconv.FormatInt(now.Unix(), 10)
	for i := 0; i < maxCollisions; i++ {
		name := stem
		if i > 0 {
			name = stem + "_" + strconv.Itoa(i)
		}
		blobRel := path.Join(relDir, name)

		_, err := fileutil.CopyFile(src, s.BlobPath(blobRel), os.O_EXCL)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			_ = os.Remove(s.BlobPath(blobRel))
			return "", err
		}
		return blobRel, nil
	}
	return "", fmt.Errorf("%w for %s", ErrNameExhausted, rel)
}

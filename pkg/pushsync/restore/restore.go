// Package restore rolls files back to their latest snapshot inside a
// backup-time window.
package restore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/jamesainslie/pushsync/pkg/pushsync/fileutil"
	"github.com/jamesainslie/pushsync/pkg/pushsync/logging"
	"github.com/jamesainslie/pushsync/pkg/pushsync/store"
)

// ErrInvalidWindow is returned when start is after end.
var ErrInvalidWindow = errors.New("invalid restore window")

// Registry is the part of the store the restorer needs.
type Registry interface {
	BackupsInRange(start, end float64) ([]store.BackupRecord, error)
	UpsertFile(rec store.FileRecord) error
}

// Options configures a Restorer.
type Options struct {
	// Root is the sync root files are restored into.
	Root string

	// BackupDir is the backup area BackupRecord.BackupPath is relative to.
	BackupDir string

	// Logger receives per-file outcomes. Nil uses logging.Get("restore").
	Logger logging.Sink

	// Now stamps last_sync_time on restored records. Nil uses time.Now.
	Now func() time.Time
}

// Outcome is what happened to one selected backup.
type Outcome string

const (
	OutcomeRestored Outcome = "restored"
	OutcomeMissing  Outcome = "missing"
	OutcomeFailed   Outcome = "failed"
)

// FileResult reports one path.
type FileResult struct {
	Path       string  `json:"path"`
	BackupPath string  `json:"backup_path"`
	BackupTime float64 `json:"backup_time"`
	Outcome    Outcome `json:"outcome"`
	Error      string  `json:"error,omitempty"`
}

// Result summarises a restore run.
type Result struct {
	Restored int
	Missing  int
	Failed   int
	Files    []FileResult
}

// Restorer replays snapshots onto the sync root.
type Restorer struct {
	opts Options
	log  logging.Sink
}

// New creates a Restorer.
func New(opts Options) *Restorer {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	r := &Restorer{opts: opts, log: opts.Logger}
	if r.log == nil {
		r.log = logging.Get("restore")
	}
	return r
}

// Latest keeps, per original path, the record with the greatest
// backup_time (ties go to the later row). The result is sorted by path.
func Latest(recs []store.BackupRecord) []store.BackupRecord {
	best := make(map[string]store.BackupRecord, len(recs))
	for _, rec := range recs {
		cur, ok := best[rec.OriginalPath]
		if !ok || rec.BackupTime > cur.BackupTime || (rec.BackupTime == cur.BackupTime && rec.ID > cur.ID) {
			best[rec.OriginalPath] = rec
		}
	}

	out := make([]store.BackupRecord, 0, len(best))
	for _, rec := range best {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OriginalPath < out[j].OriginalPath })
	return out
}

// Restore restores the latest backup per path with backup_time in
// [start, end]. Per-file failures are logged and counted, never fatal.
func (r *Restorer) Restore(reg Registry, start, end float64) (*Result, error) {
	if start > end {
		return nil, fmt.Errorf("%w: start %v after end %v", ErrInvalidWindow, start, end)
	}

	recs, err := reg.BackupsInRange(start, end)
	if err != nil {
		return nil, err
	}

	selected := Latest(recs)
	res := &Result{}
	if len(selected) == 0 {
		r.log.Info("no backups in window",
			"start", fileutil.FromEpoch(start).Format(time.DateTime),
			"end", fileutil.FromEpoch(end).Format(time.DateTime))
		return res, nil
	}
	r.log.Info("restoring", "backups", len(recs), "paths", len(selected))

	for _, rec := range selected {
		fr := FileResult{Path: rec.OriginalPath, BackupPath: rec.BackupPath, BackupTime: rec.BackupTime}
		outcome, err := r.restoreOne(reg, rec)
		fr.Outcome = outcome
		switch outcome {
		case OutcomeRestored:
			res.Restored++
			r.log.Info("restored", "path", rec.OriginalPath, "progress", fmt.Sprintf("%d/%d", res.Restored, len(selected)))
		case OutcomeMissing:
			res.Missing++
			fr.Error = err.Error()
			r.log.Warn("backup blob missing", "path", rec.OriginalPath, "backup", rec.BackupPath)
		default:
			res.Failed++
			fr.Error = err.Error()
			r.log.Error("restore failed", "path", rec.OriginalPath, "error", err)
		}
		res.Files = append(res.Files, fr)
	}

	r.log.Info("restore complete", "restored", res.Restored, "missing", res.Missing, "failed", res.Failed)
	return res, nil
}

func (r *Restorer) restoreOne(reg Registry, rec store.BackupRecord) (Outcome, error) {
	dest, err := fileutil.SafeJoin(r.opts.Root, rec.OriginalPath)
	if err != nil {
		return OutcomeFailed, err
	}
	blob, err := fileutil.SafeJoin(r.opts.BackupDir, rec.BackupPath)
	if err != nil {
		return OutcomeFailed, err
	}

	if _, err := os.Stat(blob); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return OutcomeMissing, fmt.Errorf("backup %s not found", rec.BackupPath)
		}
		return OutcomeFailed, err
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return OutcomeFailed, fmt.Errorf("creating parent of %s: %w", rec.OriginalPath, err)
	}
	if _, err := fileutil.CopyFile(blob, dest, os.O_TRUNC); err != nil {
		return OutcomeFailed, err
	}
	if err := fileutil.SetModTime(dest, rec.ModifiedTime); err != nil {
		return OutcomeFailed, err
	}

	err = reg.UpsertFile(store.FileRecord{
		Path:         rec.OriginalPath,
		Size:         rec.Size,
		ModifiedTime: rec.ModifiedTime,
		Hash:         rec.Hash,
		LastSyncTime: fileutil.Epoch(r.opts.Now()),
	})
	if err != nil {
		return OutcomeFailed, err
	}
	return OutcomeRestored, nil
}

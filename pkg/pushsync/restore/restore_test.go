package restore_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesainslie/pushsync/pkg/pushsync/backup"
	"github.com/jamesainslie/pushsync/pkg/pushsync/fileutil"
	"github.com/jamesainslie/pushsync/pkg/pushsync/restore"
	"github.com/jamesainslie/pushsync/pkg/pushsync/store"
)

type env struct {
	root      string
	backupDir string
	st        *store.Store
}

func newEnv(t *testing.T) *env {
	t.Helper()
	data := t.TempDir()
	st, err := store.Open(filepath.Join(data, "file_sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return &env{root: t.TempDir(), backupDir: filepath.Join(data, "backups"), st: st}
}

func (e *env) addBackup(t *testing.T, path, content string, mtime, backupTime float64) store.BackupRecord {
	t.Helper()
	blobRel := path + "_" + time.Unix(int64(backupTime), 0).Format("150405")
	blob := filepath.Join(e.backupDir, filepath.FromSlash(blobRel))
	require.NoError(t, os.MkdirAll(filepath.Dir(blob), 0o755))
	require.NoError(t, os.WriteFile(blob, []byte(content), 0o644))
	rec := store.BackupRecord{
		OriginalPath: path,
		BackupPath:   blobRel,
		Size:         int64(len(content)),
		ModifiedTime: mtime,
		BackupTime:   backupTime,
		Hash:         "h-" + content,
	}
	id, err := e.st.InsertBackup(rec)
	require.NoError(t, err)
	rec.ID = id
	return rec
}

func (e *env) restorer() *restore.Restorer {
	return restore.New(restore.Options{Root: e.root, BackupDir: e.backupDir})
}

func TestLatestPicksMaxInWindow(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.addBackup(t, "a.txt", "ten", 1, 10)
	e.addBackup(t, "a.txt", "twenty", 2, 20)
	e.addBackup(t, "a.txt", "thirty", 3, 30)

	res, err := e.restorer().Restore(e.st, 0, 25)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Restored)

	data, err := os.ReadFile(filepath.Join(e.root, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "twenty", string(data))

	rec, err := e.st.GetFile("a.txt")
	require.NoError(t, err)
	assert.Equal(t, "h-twenty", rec.Hash)
	assert.EqualValues(t, 2, rec.ModifiedTime)
}

func TestLatestTieBreaksOnRowOrder(t *testing.T) {
	t.Parallel()

	got := restore.Latest([]store.BackupRecord{
		{ID: 1, OriginalPath: "b", BackupTime: 5},
		{ID: 2, OriginalPath: "b", BackupTime: 5},
		{ID: 3, OriginalPath: "a", BackupTime: 1},
	})
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].OriginalPath)
	assert.EqualValues(t, 2, got[1].ID)
}

func TestRestoreSetsMtimeAndCreatesParents(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.addBackup(t, "deep/nested/file.txt", "previous", 1600000000.5, 100)

	res, err := e.restorer().Restore(e.st, 100, 100)
	require.NoError(t, err)
	require.Equal(t, 1, res.Restored)

	info, err := os.Stat(filepath.Join(e.root, "deep", "nested", "file.txt"))
	require.NoError(t, err)
	assert.InDelta(t, 1600000000.5, fileutil.Epoch(info.ModTime()), 1e-3)
}

func TestRestoreSkipsMissingBlob(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	gone := e.addBackup(t, "gone.txt", "lost", 1, 10)
	require.NoError(t, os.Remove(filepath.Join(e.backupDir, gone.BackupPath)))
	e.addBackup(t, "kept.txt", "here", 1, 11)

	res, err := e.restorer().Restore(e.st, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Restored)
	assert.Equal(t, 1, res.Missing)
	require.Len(t, res.Files, 2)
	assert.Equal(t, restore.OutcomeMissing, res.Files[0].Outcome)
	assert.Equal(t, restore.OutcomeRestored, res.Files[1].Outcome)

	_, err = os.Stat(filepath.Join(e.root, "gone.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestRestoreRejectsUnsafeRecord(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	_, err := e.st.InsertBackup(store.BackupRecord{OriginalPath: "../escape.txt", BackupPath: "x", BackupTime: 1})
	require.NoError(t, err)

	res, err := e.restorer().Restore(e.st, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
}

func TestRestoreEmptyAndInvalidWindow(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	res, err := e.restorer().Restore(e.st, 0, 10)
	require.NoError(t, err)
	assert.Zero(t, res.Restored)

	_, err = e.restorer().Restore(e.st, 10, 0)
	require.ErrorIs(t, err, restore.ErrInvalidWindow)
}

func TestRestoreNeverTouchesHistory(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.addBackup(t, "a.txt", "one", 1, 10)
	e.addBackup(t, "a.txt", "two", 2, 20)

	_, err := e.restorer().Restore(e.st, 0, 100)
	require.NoError(t, err)

	n, err := e.st.CountBackups()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

// Snapshot then restore brings back the pre-overwrite bytes and mtime.
func TestBackupRestoreRoundTrip(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	dest := filepath.Join(e.root, "f.txt")
	require.NoError(t, os.WriteFile(dest, []byte("B-prime"), 0o644))
	require.NoError(t, fileutil.SetModTime(dest, 1500000000))

	when := time.Unix(1700000000, 0)
	snap := backup.New(e.backupDir, backup.WithClock(func() time.Time { return when }))
	br, err := snap.Snapshot(e.st, "f.txt", dest)
	require.NoError(t, err)
	require.NotNil(t, br)

	require.NoError(t, os.WriteFile(dest, []byte("B"), 0o644))

	res, err := e.restorer().Restore(e.st, br.BackupTime-1, br.BackupTime+1)
	require.NoError(t, err)
	require.Equal(t, 1, res.Restored)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "B-prime", string(data))
	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.InDelta(t, 1500000000, fileutil.Epoch(info.ModTime()), 1e-3)
}

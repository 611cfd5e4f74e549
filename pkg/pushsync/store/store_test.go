package store_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesainslie/pushsync/pkg/pushsync/store"
)

func openTemp(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "registry", "file_sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenRecordsSchemaVersion(t *testing.T) {
	t.Parallel()

	s := openTemp(t)
	v, err := s.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, store.CurrentSchemaVersion, v)

	// Reopen is a no-op migration.
	path := s.Path()
	require.NoError(t, s.Close())
	s2, err := store.Open(path)
	require.NoError(t, err)
	defer s2.Close()
	v, err = s2.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, store.CurrentSchemaVersion, v)
}

func TestOpenPathWithURIDelimiters(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	path := filepath.Join(base, "we?ird#dir%20x", "file_sync.db")
	s, err := store.Open(path)
	require.NoError(t, err)
	require.NoError(t, s.UpsertFile(store.FileRecord{Path: "a.txt", Size: 1}))
	require.NoError(t, s.Close())

	_, err = os.Stat(path)
	require.NoError(t, err)
	entries, err := os.ReadDir(base)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "we?ird#dir%20x", entries[0].Name())

	ro, err := store.OpenReadOnly(path)
	require.NoError(t, err)
	defer ro.Close()
	n, err := ro.CountFiles()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestUpsertAndGetFile(t *testing.T) {
	t.Parallel()

	s := openTemp(t)

	_, err := s.GetFile("missing.txt")
	require.ErrorIs(t, err, store.ErrNotFound)

	rec := store.FileRecord{Path: "docs/a.txt", Size: 100, ModifiedTime: 1700000000.25, Hash: "abc", LastSyncTime: 5}
	require.NoError(t, s.UpsertFile(rec))

	got, err := s.GetFile("docs/a.txt")
	require.NoError(t, err)
	assert.Equal(t, rec, *got)

	rec.Size = 200
	rec.Hash = ""
	require.NoError(t, s.UpsertFile(rec))
	got, err = s.GetFile("docs/a.txt")
	require.NoError(t, err)
	assert.EqualValues(t, 200, got.Size)
	assert.Empty(t, got.Hash)

	n, err := s.CountFiles()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestUpsertScannedKeepsHashOnlyWhenUnchanged(t *testing.T) {
	t.Parallel()

	s := openTemp(t)
	require.NoError(t, s.UpsertFile(store.FileRecord{Path: "same.txt", Size: 10, ModifiedTime: 100, Hash: "h1"}))
	require.NoError(t, s.UpsertFile(store.FileRecord{Path: "moved.txt", Size: 10, ModifiedTime: 100, Hash: "h2"}))

	require.NoError(t, s.UpsertScanned([]store.FileRecord{
		{Path: "same.txt", Size: 10, ModifiedTime: 100, LastSyncTime: 50},
		{Path: "moved.txt", Size: 10, ModifiedTime: 200, LastSyncTime: 50},
		{Path: "new.txt", Size: 1, ModifiedTime: 1, LastSyncTime: 50},
	}))

	same, err := s.GetFile("same.txt")
	require.NoError(t, err)
	assert.Equal(t, "h1", same.Hash)
	assert.EqualValues(t, 50, same.LastSyncTime)

	moved, err := s.GetFile("moved.txt")
	require.NoError(t, err)
	assert.Empty(t, moved.Hash)
	assert.EqualValues(t, 200, moved.ModifiedTime)

	all, err := s.AllFiles()
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"moved.txt", "new.txt", "same.txt"},
		[]string{all[0].Path, all[1].Path, all[2].Path})
}

func TestSetHash(t *testing.T) {
	t.Parallel()

	s := openTemp(t)
	require.NoError(t, s.UpsertScanned([]store.FileRecord{{Path: "a", Size: 1, ModifiedTime: 1}}))
	require.NoError(t, s.SetHash("a", "d41d8cd98f00b204e9800998ecf8427e"))
	got, err := s.GetFile("a")
	require.NoError(t, err)
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", got.Hash)
}

func TestBackupLogIsAppendOnly(t *testing.T) {
	t.Parallel()

	s := openTemp(t)
	for i, bt := range []float64{10, 20, 30} {
		_, err := s.InsertBackup(store.BackupRecord{
			OriginalPath: "a.txt",
			BackupPath:   "a.txt_" + string(rune('0'+i)),
			Size:         int64(i),
			ModifiedTime: bt - 1,
			BackupTime:   bt,
		})
		require.NoError(t, err)
	}
	_, err := s.InsertBackup(store.BackupRecord{OriginalPath: "b.txt", BackupPath: "b.txt_1", BackupTime: 15})
	require.NoError(t, err)

	n, err := s.CountBackups()
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	inRange, err := s.BackupsInRange(0, 25)
	require.NoError(t, err)
	require.Len(t, inRange, 3)
	assert.EqualValues(t, 20, inRange[0].BackupTime)
	assert.Equal(t, "b.txt", inRange[1].OriginalPath)
	assert.EqualValues(t, 10, inRange[2].BackupTime)

	history, err := s.BackupsForPath("a.txt")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.EqualValues(t, 30, history[0].BackupTime)

	limited, err := s.ListBackups(store.BackupQuery{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestSnapshotIsReadable(t *testing.T) {
	t.Parallel()

	s := openTemp(t)
	require.NoError(t, s.UpsertFile(store.FileRecord{Path: "a.txt", Size: 3, ModifiedTime: 1, Hash: "h"}))

	dst := filepath.Join(t.TempDir(), "snap.db")
	require.NoError(t, s.Snapshot(dst))

	snap, err := store.OpenReadOnly(dst)
	require.NoError(t, err)
	defer snap.Close()

	got, err := snap.GetFile("a.txt")
	require.NoError(t, err)
	assert.Equal(t, "h", got.Hash)

	require.Error(t, snap.UpsertFile(store.FileRecord{Path: "b"}), "snapshot handle is read-only")
}

func TestOpenReadOnlyMissing(t *testing.T) {
	t.Parallel()

	_, err := store.OpenReadOnly(filepath.Join(t.TempDir(), "nope.db"))
	require.Error(t, err)
}

func TestSeparateHandlesShareRegistry(t *testing.T) {
	t.Parallel()

	s := openTemp(t)
	other, err := store.Open(s.Path())
	require.NoError(t, err)
	defer other.Close()

	require.NoError(t, other.UpsertFile(store.FileRecord{Path: "x", Size: 1, ModifiedTime: 1}))
	got, err := s.GetFile("x")
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.Size)
}

package scanner_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesainslie/pushsync/pkg/pushsync/scanner"
	"github.com/jamesainslie/pushsync/pkg/pushsync/store"
)

type memRecorder struct {
	mu      sync.Mutex
	batches int
	recs    []store.FileRecord
	err     error
}

func (m *memRecorder) UpsertScanned(recs []store.FileRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.batches++
	m.recs = append(m.recs, recs...)
	return nil
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func TestScanRecordsRegularFiles(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"a.txt":           "aaaa",
		"sub/b.txt":       "bb",
		"sub/deep/c.log":  "c",
		".data/reg.db":    "skip me",
		".data/other.txt": "skip me too",
	})
	require.NoError(t, os.Symlink(filepath.Join(root, "a.txt"), filepath.Join(root, "link.txt")))

	mtime := time.Unix(1700000000, 0)
	require.NoError(t, os.Chtimes(filepath.Join(root, "a.txt"), mtime, mtime))

	now := time.Unix(1800000000, 0)
	rec := &memRecorder{}
	s := scanner.New(scanner.Options{
		Root:      root,
		SkipDirs:  []string{filepath.Join(root, ".data")},
		BatchSize: 2,
		Workers:   2,
		Now:       func() time.Time { return now },
	})

	res, err := s.Scan(context.Background(), rec)
	require.NoError(t, err)
	assert.EqualValues(t, 3, res.Files)
	assert.EqualValues(t, 7, res.Bytes)
	assert.GreaterOrEqual(t, rec.batches, 2)

	sort.Slice(rec.recs, func(i, j int) bool { return rec.recs[i].Path < rec.recs[j].Path })
	require.Len(t, rec.recs, 3)
	assert.Equal(t, "a.txt", rec.recs[0].Path)
	assert.EqualValues(t, 4, rec.recs[0].Size)
	assert.InDelta(t, 1700000000, rec.recs[0].ModifiedTime, 1e-6)
	assert.InDelta(t, 1800000000, rec.recs[0].LastSyncTime, 1e-6)
	assert.Empty(t, rec.recs[0].Hash)
	assert.Equal(t, "sub/b.txt", rec.recs[1].Path)
	assert.Equal(t, "sub/deep/c.log", rec.recs[2].Path)

	// Rescans start from zero.
	res, err = s.Scan(context.Background(), &memRecorder{})
	require.NoError(t, err)
	assert.EqualValues(t, 3, res.Files)
}

func TestScanMissingRoot(t *testing.T) {
	t.Parallel()

	rec := &memRecorder{}
	res, err := scanner.New(scanner.Options{Root: filepath.Join(t.TempDir(), "nope")}).Scan(context.Background(), rec)
	require.NoError(t, err)
	assert.Zero(t, res.Files)
	assert.Empty(t, rec.recs)
}

func TestScanFileRoot(t *testing.T) {
	t.Parallel()

	f := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(f, []byte("x"), 0o644))

	res, err := scanner.New(scanner.Options{Root: f}).Scan(context.Background(), &memRecorder{})
	require.NoError(t, err)
	assert.Zero(t, res.Files)
}

func TestScanRecorderFailure(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeTree(t, root, map[string]string{"a": "1"})

	_, err := scanner.New(scanner.Options{Root: root}).Scan(context.Background(), &memRecorder{err: errors.New("disk full")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestScanIntoStore(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeTree(t, root, map[string]string{"x/y.txt": "hello"})

	st, err := store.Open(filepath.Join(t.TempDir(), "reg.db"))
	require.NoError(t, err)
	defer st.Close()

	_, err = scanner.New(scanner.Options{Root: root}).Scan(context.Background(), st)
	require.NoError(t, err)

	got, err := st.GetFile("x/y.txt")
	require.NoError(t, err)
	assert.EqualValues(t, 5, got.Size)
}

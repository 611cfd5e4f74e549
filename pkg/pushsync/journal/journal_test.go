package journal

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newJournal(t *testing.T) (*Journal, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2024, 6, 15, 10, 30, 0, 0, time.UTC)}
	j, err := New(filepath.Join(t.TempDir(), "journal"), WithClock(c.now))
	require.NoError(t, err)
	return j, c
}

func TestNewRejectsEmptyDir(t *testing.T) {
	t.Parallel()

	_, err := New("")
	assert.Error(t, err)
}

func TestRecordWritesEntry(t *testing.T) {
	t.Parallel()

	j, _ := newJournal(t)
	files := []FileRecord{
		{Path: "a.txt", Size: 10, Status: "confirmed"},
		{Path: "b.txt", Size: 5, Status: "hash_mismatch"},
	}

	entry, err := j.Record(OpSync, "host:8765", files, 2*time.Second, nil)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(entry.ID, "sync-2024-06-15T10-30-00-"))
	assert.Equal(t, int64(2), entry.Summary.TotalFiles)
	assert.Equal(t, int64(15), entry.Summary.TotalBytes)
	assert.Equal(t, int64(1), entry.Summary.Failed)
	assert.InDelta(t, 2.0, entry.Summary.Seconds, 1e-9)
	assert.Empty(t, entry.Error)

	assert.FileExists(t, filepath.Join(j.Dir(), entry.ID+".json"))
	assert.NoFileExists(t, filepath.Join(j.Dir(), entry.ID+".json.tmp"))

	got, err := j.Get(entry.ID)
	require.NoError(t, err)
	assert.Equal(t, entry.Files, got.Files)
	assert.Equal(t, "host:8765", got.Target)
}

func TestRecordKeepsRunError(t *testing.T) {
	t.Parallel()

	j, _ := newJournal(t)
	entry, err := j.Record(OpRestore, "/srv", nil, 0, errors.New("window is empty"))
	require.NoError(t, err)
	assert.Equal(t, "window is empty", entry.Error)
	assert.NotNil(t, entry.Files)
}

func TestListNewestFirst(t *testing.T) {
	t.Parallel()

	j, c := newJournal(t)
	first, err := j.Record(OpSync, "a", nil, 0, nil)
	require.NoError(t, err)
	c.advance(time.Minute)
	second, err := j.Record(OpRestore, "b", nil, 0, nil)
	require.NoError(t, err)

	entries, err := j.List(0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, second.ID, entries[0].ID)
	assert.Equal(t, first.ID, entries[1].ID)

	entries, err = j.List(1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, second.ID, entries[0].ID)
}

func TestListMissingDir(t *testing.T) {
	t.Parallel()

	j, _ := newJournal(t)
	entries, err := j.List(0)
	require.NoError(t, err)
	assert.NotNil(t, entries)
	assert.Empty(t, entries)
}

func TestListSkipsCorruptFiles(t *testing.T) {
	t.Parallel()

	j, _ := newJournal(t)
	_, err := j.Record(OpSync, "a", nil, 0, nil)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(j.Dir(), "junk.json"), []byte("{"), 0o644))

	entries, err := j.List(0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestGetUnknown(t *testing.T) {
	t.Parallel()

	j, _ := newJournal(t)
	_, err := j.Get("sync-nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = j.Get("")
	assert.Error(t, err)
}

func TestCleanupRemovesOldEntries(t *testing.T) {
	t.Parallel()

	j, c := newJournal(t)
	old, err := j.Record(OpSync, "a", nil, 0, nil)
	require.NoError(t, err)

	c.advance(40 * 24 * time.Hour)
	fresh, err := j.Record(OpSync, "a", nil, 0, nil)
	require.NoError(t, err)

	removed, err := j.Cleanup(30)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = j.Get(old.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = j.Get(fresh.ID)
	assert.NoError(t, err)
}

func TestCleanupDisabled(t *testing.T) {
	t.Parallel()

	j, _ := newJournal(t)
	_, err := j.Record(OpSync, "a", nil, 0, nil)
	require.NoError(t, err)

	removed, err := j.Cleanup(0)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestConcurrentRecords(t *testing.T) {
	t.Parallel()

	j, _ := newJournal(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := j.Record(OpSync, "a", nil, 0, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	entries, err := j.List(0)
	require.NoError(t, err)
	assert.Len(t, entries, 8)
}

package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesainslie/pushsync/pkg/pushsync/exclude"
	"github.com/jamesainslie/pushsync/pkg/pushsync/logging"
)

type recorder struct {
	mu   sync.Mutex
	seen []string
}

func (r *recorder) add(rel string, _ fsnotify.Op) {
	r.mu.Lock()
	r.seen = append(r.seen, rel)
	r.mu.Unlock()
}

func (r *recorder) has(rel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.seen {
		if s == rel {
			return true
		}
	}
	return false
}

func startWatcher(t *testing.T, opts Options) (*Watcher, *recorder) {
	t.Helper()
	opts.Logger = logging.Discard()
	w, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	rec := &recorder{}
	go w.Run(ctx, rec.add)
	return w, rec
}

func TestNewWatchesTree(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "a", "b"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".git", "objects"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".pushsync"), 0o755))

	w, _ := startWatcher(t, Options{
		Root:     root,
		SkipDirs: []string{filepath.Join(root, ".pushsync")},
	})

	// root, a, a/b; .git is excluded and .pushsync skipped.
	assert.Equal(t, 3, w.Watched())
}

func TestNewMissingRoot(t *testing.T) {
	_, err := New(Options{Root: filepath.Join(t.TempDir(), "missing"), Logger: logging.Discard()})
	assert.Error(t, err)
}

func TestReportsFileChanges(t *testing.T) {
	root := t.TempDir()
	_, rec := startWatcher(t, Options{Root: root})

	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("hi"), 0o644))

	assert.Eventually(t, func() bool { return rec.has("notes.txt") }, 2*time.Second, 10*time.Millisecond)
}

func TestDropsExcludedFiles(t *testing.T) {
	root := t.TempDir()
	rules, err := exclude.New(exclude.WithDefaults())
	require.NoError(t, err)
	_, rec := startWatcher(t, Options{Root: root, Exclude: rules})

	require.NoError(t, os.WriteFile(filepath.Join(root, "app.log"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "keep.txt"), []byte("x"), 0o644))

	assert.Eventually(t, func() bool { return rec.has("keep.txt") }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, rec.has("app.log"))
}

func TestWatchesNewDirectories(t *testing.T) {
	root := t.TempDir()
	w, rec := startWatcher(t, Options{Root: root})

	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0o755))
	assert.Eventually(t, func() bool { return w.Watched() == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "f.txt"), []byte("x"), 0o644))
	assert.Eventually(t, func() bool { return rec.has("sub/f.txt") }, 2*time.Second, 10*time.Millisecond)
}

func TestRemovedDirectoryDropsWatches(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "gone", "deep"), 0o755))
	w, _ := startWatcher(t, Options{Root: root})
	require.Equal(t, 3, w.Watched())

	require.NoError(t, os.RemoveAll(filepath.Join(root, "gone")))
	assert.Eventually(t, func() bool { return w.Watched() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestCloseIsIdempotent(t *testing.T) {
	w, err := New(Options{Root: t.TempDir(), Logger: logging.Discard()})
	require.NoError(t, err)
	require.NoError(t, w.Close())
	assert.NoError(t, w.Close())
	assert.Equal(t, 0, w.Watched())
}

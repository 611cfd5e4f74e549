// Package watcher reports changes under a sync root.
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/jamesainslie/pushsync/pkg/pushsync/exclude"
	"github.com/jamesainslie/pushsync/pkg/pushsync/fileutil"
	"github.com/jamesainslie/pushsync/pkg/pushsync/logging"
)

// Watcher watches a root recursively. Excluded directories and SkipDirs
// are never watched, and events for excluded files are dropped.
type Watcher struct {
	root    string
	rules   *exclude.RuleSet
	skip    []string
	watcher *fsnotify.Watcher
	log     logging.Sink

	mu     sync.RWMutex
	paths  map[string]bool
	closed bool
}

// Options configures a Watcher.
type Options struct {
	Root     string
	Exclude  *exclude.RuleSet
	SkipDirs []string
	Logger   logging.Sink
}

// New creates a Watcher and adds watches for the whole tree.
func New(opts Options) (*Watcher, error) {
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		root:    root,
		rules:   opts.Exclude,
		watcher: fsw,
		log:     opts.Logger,
		paths:   make(map[string]bool),
	}
	if w.rules == nil {
		w.rules = exclude.Default()
	}
	if w.log == nil {
		w.log = logging.Get("watcher")
	}
	for _, d := range opts.SkipDirs {
		if abs, err := filepath.Abs(d); err == nil {
			w.skip = append(w.skip, abs)
		}
	}

	if err := w.addTree(root); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

// rel returns the slash-separated path of p relative to the root.
func (w *Watcher) rel(p string) (string, bool) {
	r, err := filepath.Rel(w.root, p)
	if err != nil || r == "." {
		return "", false
	}
	return filepath.ToSlash(r), true
}

func (w *Watcher) skipDir(p string) bool {
	for _, d := range w.skip {
		if p == d || fileutil.Within(d, p) {
			return true
		}
	}
	if rel, ok := w.rel(p); ok {
		return w.rules.ExcludedDir(rel)
	}
	return false
}

// addTree watches dir and every directory below it. Symlinks are not
// followed.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if p == dir {
				return walkErr
			}
			return nil //nolint:nilerr // unreadable entries are skipped
		}
		if d.Type()&fs.ModeSymlink != 0 || !d.IsDir() {
			return nil
		}
		if w.skipDir(p) {
			return filepath.SkipDir
		}
		return w.addWatch(p)
	})
}

func (w *Watcher) addWatch(p string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed || w.paths[p] {
		return nil
	}
	if err := w.watcher.Add(p); err != nil {
		w.log.Warn("failed to add watch", "path", p, "error", err)
		return err
	}
	w.paths[p] = true
	return nil
}

// Watched returns the number of watched directories.
func (w *Watcher) Watched() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.paths)
}

// Run delivers relevant events until ctx is done or the watcher is closed.
// onChange receives the root-relative path of each change.
func (w *Watcher) Run(ctx context.Context, onChange func(rel string, op fsnotify.Op)) {
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event, onChange)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event, onChange func(rel string, op fsnotify.Op)) {
	switch {
	case event.Op&fsnotify.Create != 0:
		if info, err := os.Lstat(event.Name); err == nil && info.IsDir() {
			if w.skipDir(event.Name) {
				return
			}
			// Files may land in a new directory before its watch exists.
			_ = w.addTree(event.Name)
		}
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		w.dropWatches(event.Name)
	case event.Op&fsnotify.Chmod != 0:
		return
	}

	rel, ok := w.rel(event.Name)
	if !ok {
		return
	}
	for _, d := range w.skip {
		if event.Name == d || fileutil.Within(d, event.Name) {
			return
		}
	}
	if w.rules.Excluded(rel) {
		return
	}
	if onChange != nil {
		onChange(rel, event.Op)
	}
}

// dropWatches forgets p and everything below it.
func (w *Watcher) dropWatches(p string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for path := range w.paths {
		if path == p || fileutil.Within(p, path) {
			_ = w.watcher.Remove(path)
			delete(w.paths, path)
		}
	}
}

// Close releases the underlying watcher.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	w.paths = make(map[string]bool)
	return w.watcher.Close()
}

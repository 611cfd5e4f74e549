package client

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jamesainslie/pushsync/pkg/pushsync/watcher"
)

// Watch runs an initial sync, then re-syncs whenever the root changes.
// Bursts of events within debounce collapse into one run. onRun receives
// every run's outcome; failed runs do not stop watching. Watch returns
// when ctx is done.
func (c *Client) Watch(ctx context.Context, debounce time.Duration, onRun func(*SyncResult, error)) error {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}

	w, err := watcher.New(watcher.Options{
		Root:     c.opts.Root,
		Exclude:  c.opts.Exclude,
		SkipDirs: []string{filepath.Dir(c.opts.RegistryPath), c.opts.TempDir},
		Logger:   c.log,
	})
	if err != nil {
		return wrapAs(ClassFilesystem, "watching "+c.opts.Root, err)
	}
	defer w.Close()

	changed := make(chan struct{}, 1)
	go w.Run(ctx, func(rel string, op fsnotify.Op) {
		c.log.Debug("change detected", "path", rel, "op", op.String())
		select {
		case changed <- struct{}{}:
		default:
		}
	})

	run := func() {
		res, err := c.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return
		}
		if onRun != nil {
			onRun(res, err)
		}
	}

	c.log.Info("watching for changes", "root", c.opts.Root, "directories", w.Watched())
	run()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changed:
		}

		// Settle: keep waiting while events arrive.
		timer := time.NewTimer(debounce)
	settle:
		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-changed:
				timer.Reset(debounce)
			case <-timer.C:
				break settle
			}
		}
		run()
	}
}

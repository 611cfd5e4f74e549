package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/jamesainslie/pushsync/pkg/pushsync/fileutil"
)

// timeLayout is the local-time format accepted by --start and --end.
const timeLayout = "2006-01-02 15:04:05"

var errWindowRequired = errors.New("a time window is required: use --start and --end, or --since")

// window is an optional backup-time range in epoch seconds.
type window struct {
	start *float64
	end   *float64
}

func (w window) complete() bool {
	return w.start != nil && w.end != nil
}

// parseWindow reads --start/--end (local time) or --since (a duration back
// from now). The two forms are exclusive.
func parseWindow(start, end, since string, now time.Time) (window, error) {
	var w window

	if since != "" {
		if start != "" || end != "" {
			return w, errors.New("--since cannot be combined with --start or --end")
		}
		d, err := time.ParseDuration(since)
		if err != nil {
			return w, fmt.Errorf("invalid --since %q: %w", since, err)
		}
		if d <= 0 {
			return w, fmt.Errorf("invalid --since %q: must be positive", since)
		}
		s, e := fileutil.Epoch(now.Add(-d)), fileutil.Epoch(now)
		return window{start: &s, end: &e}, nil
	}

	if start != "" {
		t, err := time.ParseInLocation(timeLayout, start, time.Local)
		if err != nil {
			return w, fmt.Errorf("invalid --start %q (want %q): %w", start, timeLayout, err)
		}
		s := fileutil.Epoch(t)
		w.start = &s
	}
	if end != "" {
		t, err := time.ParseInLocation(timeLayout, end, time.Local)
		if err != nil {
			return w, fmt.Errorf("invalid --end %q (want %q): %w", end, timeLayout, err)
		}
		e := fileutil.Epoch(t)
		w.end = &e
	}
	if w.complete() && *w.start > *w.end {
		return w, errors.New("--start is after --end")
	}
	return w, nil
}

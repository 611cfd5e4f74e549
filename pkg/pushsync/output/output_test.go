package output

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/jamesainslie/pushsync/pkg/pushsync/journal"
	"github.com/jamesainslie/pushsync/pkg/pushsync/restore"
	"github.com/jamesainslie/pushsync/pkg/pushsync/store"
)

func sampleResult() *Result {
	return &Result{
		Source: "/srv/sync",
		Backups: FromBackups([]store.BackupRecord{
			{ID: 1, OriginalPath: "docs/a.txt", BackupPath: "docs/a.txt_1700000000", Size: 2048, ModifiedTime: 1699999000, BackupTime: 1700000000, Hash: "abc"},
			{ID: 2, OriginalPath: "b.txt", BackupPath: "b.txt_1700000100", Size: 10, BackupTime: 1700000100},
		}),
	}
}

func TestRegistryDefaults(t *testing.T) {
	assert.Equal(t, []string{"json", "plain", "table", "yaml"}, Available())

	_, err := Get("xml")
	assert.Error(t, err)

	f, err := Get("table")
	require.NoError(t, err)
	assert.IsType(t, &TableFormatter{}, f)
}

func TestRegistryRegisterReplaces(t *testing.T) {
	r := NewRegistry()
	r.Register("x", func() Formatter { return &PlainFormatter{} })
	r.Register("x", func() Formatter { return &JSONFormatter{} })

	f, err := r.Get("x")
	require.NoError(t, err)
	assert.IsType(t, &JSONFormatter{}, f)
	assert.Equal(t, []string{"x"}, r.Available())
}

func TestFromBackups(t *testing.T) {
	rows := sampleResult().Backups
	require.Len(t, rows, 2)
	assert.Equal(t, "docs/a.txt", rows[0].Path)
	assert.Equal(t, "2.0 KiB", rows[0].SizeHuman)
	assert.Equal(t, int64(1700000000), rows[0].BackedUp.Unix())
	assert.Equal(t, int64(2058), sampleResult().TotalSize())
}

func TestFromEntries(t *testing.T) {
	ts := time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC)
	runs := FromEntries([]journal.Entry{{
		ID:        "sync-x",
		Timestamp: ts,
		Operation: journal.OpSync,
		Target:    "host:8765",
		Summary:   journal.Summary{TotalFiles: 3, TotalBytes: 30, Failed: 1},
	}})
	require.Len(t, runs, 1)
	assert.Equal(t, "sync", runs[0].Operation)
	assert.Equal(t, int64(1), runs[0].Failed)
}

func TestFromRestore(t *testing.T) {
	assert.Nil(t, FromRestore(nil))

	rows := FromRestore(&restore.Result{Files: []restore.FileResult{
		{Path: "a", BackupPath: "a_1", BackupTime: 1700000000, Outcome: restore.OutcomeRestored},
		{Path: "b", BackupPath: "b_1", Outcome: restore.OutcomeMissing, Error: "gone"},
	}})
	require.Len(t, rows, 2)
	assert.Equal(t, "restored", rows[0].Outcome)
	assert.Equal(t, "gone", rows[1].Error)
}

func TestPlainFormatter(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, (&PlainFormatter{}).Format(&buf, sampleResult()))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "BACKED_UP"))
	assert.Contains(t, lines[1], "docs/a.txt")
	assert.Contains(t, lines[1], "2048")
	assert.Contains(t, lines[2], "b.txt_1700000100")
}

func TestPlainFormatterEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, (&PlainFormatter{}).Format(&buf, &Result{}))
	assert.Empty(t, buf.String())
}

func TestTableFormatter(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, (&TableFormatter{}).Format(&buf, sampleResult()))

	out := buf.String()
	assert.Contains(t, out, "/srv/sync")
	assert.Contains(t, out, "BACKED UP")
	assert.Contains(t, out, "docs/a.txt")
	assert.Contains(t, out, "Backups:")
}

func TestTableFormatterRunsAndRestore(t *testing.T) {
	r := &Result{
		Runs: []Run{
			{ID: "sync-1", Operation: "sync", Target: "h:1", Files: 2},
			{ID: "restore-1", Operation: "restore", Target: "/srv", Error: "boom"},
		},
		Restored: []Restored{{Path: "x.txt", Outcome: "missing", Error: "no blob"}},
	}
	var buf bytes.Buffer
	require.NoError(t, (&TableFormatter{}).Format(&buf, r))

	out := buf.String()
	assert.Contains(t, out, "STATUS")
	assert.Contains(t, out, "failed")
	assert.Contains(t, out, "x.txt")
	assert.Contains(t, out, "no blob")
}

func TestTableFormatterEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, (&TableFormatter{}).Format(&buf, &Result{}))
	assert.Contains(t, buf.String(), "Nothing to show")
}

func TestJSONFormatter(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, (&JSONFormatter{}).Format(&buf, sampleResult()))

	var got struct {
		Source  string `json:"source"`
		Backups []struct {
			Path string `json:"path"`
			Size int64  `json:"size"`
		} `json:"backups"`
		Runs []Run `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "/srv/sync", got.Source)
	require.Len(t, got.Backups, 2)
	assert.Equal(t, int64(2048), got.Backups[0].Size)
	assert.Nil(t, got.Runs)
}

func TestYAMLFormatter(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, (&YAMLFormatter{}).Format(&buf, sampleResult()))

	var got map[string]interface{}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "/srv/sync", got["source"])
	assert.Len(t, got["backups"], 2)
	assert.NotContains(t, got, "runs")
}

package diff_test

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesainslie/pushsync/pkg/pushsync/diff"
	"github.com/jamesainslie/pushsync/pkg/pushsync/exclude"
	"github.com/jamesainslie/pushsync/pkg/pushsync/fileutil"
	"github.com/jamesainslie/pushsync/pkg/pushsync/store"
)

type countingHasher struct {
	calls atomic.Int64
}

func (h *countingHasher) Hash(path string) (string, error) {
	h.calls.Add(1)
	return fileutil.HashFile(path)
}

// writeFile writes content at root/rel with the given mtime and returns
// the matching local record.
func writeFile(t *testing.T, root, rel, content string, mtime float64) store.FileRecord {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	require.NoError(t, fileutil.SetModTime(p, mtime))
	return store.FileRecord{Path: rel, Size: int64(len(content)), ModifiedTime: mtime}
}

type recordingSink struct {
	infos []string
}

func (r *recordingSink) Debug(string, ...interface{})      {}
func (r *recordingSink) Info(msg string, _ ...interface{}) { r.infos = append(r.infos, msg) }
func (r *recordingSink) Warn(string, ...interface{})       {}
func (r *recordingSink) Error(string, ...interface{})      {}

func hashOf(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "h")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	h, err := fileutil.HashFile(p)
	require.NoError(t, err)
	return h
}

func TestPlanNewFileTransfersWithHash(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	content := string(make([]byte, 100))
	local := []store.FileRecord{writeFile(t, root, "a.txt", content, 1000)}

	plan := diff.New(diff.Options{Root: root}).Plan(local, nil)

	require.Len(t, plan.Files, 1)
	f := plan.Files[0]
	assert.Equal(t, "a.txt", f.Path)
	assert.EqualValues(t, 100, f.Size)
	assert.Equal(t, hashOf(t, content), f.Hash)
	assert.InDelta(t, 1000, f.ModifiedTime, 1e-3)
	assert.EqualValues(t, 100, plan.Bytes())
}

func TestPlanWithinThresholdsNeverHashes(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	h := &countingHasher{}
	local := []store.FileRecord{
		writeFile(t, root, "same.txt", "0123456789", 1000),
		writeFile(t, root, "skewed.txt", "0123456789abc", 1059),
	}
	remote := []store.FileRecord{
		{Path: "same.txt", Size: 10, ModifiedTime: 1000, Hash: "whatever"},
		{Path: "skewed.txt", Size: 5, ModifiedTime: 1000},
	}

	plan := diff.New(diff.Options{Root: root, Hasher: h}).Plan(local, remote)

	assert.Empty(t, plan.Files)
	assert.Equal(t, 2, plan.Unchanged)
	assert.Zero(t, h.calls.Load())
}

func TestPlanThresholdBoundaries(t *testing.T) {
	t.Parallel()

	e := diff.New(diff.Options{})
	local := store.FileRecord{Size: 100, ModifiedTime: 1000}

	assert.True(t, e.Stale(local, nil))
	assert.False(t, e.Stale(local, &store.FileRecord{Size: 90, ModifiedTime: 940}), "exactly at both thresholds")
	assert.True(t, e.Stale(local, &store.FileRecord{Size: 89, ModifiedTime: 1000}))
	assert.True(t, e.Stale(local, &store.FileRecord{Size: 100, ModifiedTime: 939.5}))

	tight := diff.New(diff.Options{SizeThreshold: 1, TimeThreshold: time.Second})
	assert.True(t, tight.Stale(local, &store.FileRecord{Size: 98, ModifiedTime: 1000}))
}

func TestPlanEqualHashDropsCandidate(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	h := &countingHasher{}
	content := "identical content"
	local := []store.FileRecord{writeFile(t, root, "doc.txt", content, 5000)}
	remote := []store.FileRecord{{Path: "doc.txt", Size: 9999, ModifiedTime: 1, Hash: hashOf(t, content)}}

	plan := diff.New(diff.Options{Root: root, Hasher: h}).Plan(local, remote)

	assert.Empty(t, plan.Files)
	assert.Equal(t, 1, plan.Identical)
	assert.EqualValues(t, 1, h.calls.Load())
	assert.Equal(t, remote[0].Hash, plan.Hashes["doc.txt"])
}

func TestPlanReusesRegistryHash(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	h := &countingHasher{}
	content := "cached content"
	rec := writeFile(t, root, "doc.txt", content, 5000)
	rec.Hash = hashOf(t, content)
	remote := []store.FileRecord{{Path: "doc.txt", Size: 9999, ModifiedTime: 1, Hash: rec.Hash}}

	plan := diff.New(diff.Options{Root: root, Hasher: h}).Plan([]store.FileRecord{rec}, remote)

	assert.Empty(t, plan.Files)
	assert.Equal(t, 1, plan.Identical)
	assert.Equal(t, 1, plan.Cached)
	assert.Zero(t, h.calls.Load())
	assert.Empty(t, plan.Hashes)
}

func TestPlanRehashesWhenFileMovedPastRecord(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	h := &countingHasher{}
	rec := writeFile(t, root, "doc.txt", "old", 5000)
	rec.Hash = hashOf(t, "old")
	writeFile(t, root, "doc.txt", "newer", 6000)

	plan := diff.New(diff.Options{Root: root, Hasher: h}).Plan([]store.FileRecord{rec}, nil)

	require.Len(t, plan.Files, 1)
	assert.Equal(t, hashOf(t, "newer"), plan.Files[0].Hash)
	assert.EqualValues(t, 1, h.calls.Load())
	assert.Zero(t, plan.Cached)
}

// The client owns the per-run summary line.
func TestPlanLeavesSummaryToCaller(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	sink := &recordingSink{}
	local := []store.FileRecord{writeFile(t, root, "a.txt", "alpha", 100)}

	plan := diff.New(diff.Options{Root: root, Logger: sink}).Plan(local, nil)

	require.Len(t, plan.Files, 1)
	assert.Empty(t, sink.infos)
}

func TestPlanRemoteWithoutHashTransfers(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	local := []store.FileRecord{writeFile(t, root, "doc.txt", "x", 5000)}
	remote := []store.FileRecord{{Path: "doc.txt", Size: 1, ModifiedTime: 1}}

	plan := diff.New(diff.Options{Root: root}).Plan(local, remote)
	require.Len(t, plan.Files, 1)
}

func TestPlanExcludedAndVanished(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	h := &countingHasher{}
	local := []store.FileRecord{
		writeFile(t, root, "logs/app.log", "log", 1),
		writeFile(t, root, "keep.txt", "k", 1),
		{Path: "gone.txt", Size: 3, ModifiedTime: 1},
	}

	plan := diff.New(diff.Options{Root: root, Hasher: h, Exclude: exclude.Default()}).Plan(local, nil)

	require.Len(t, plan.Files, 1)
	assert.Equal(t, "keep.txt", plan.Files[0].Path)
	assert.Equal(t, 1, plan.Excluded)
	assert.Equal(t, 1, plan.Vanished)
	assert.EqualValues(t, 1, h.calls.Load())
}

func TestPlanIsIdempotentAfterSync(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	local := []store.FileRecord{
		writeFile(t, root, "a.txt", "alpha", 100),
		writeFile(t, root, "b/c.txt", "gamma", 200),
	}
	e := diff.New(diff.Options{Root: root})

	first := e.Plan(local, nil)
	require.Len(t, first.Files, 2)

	// What the server records after confirming each file.
	var remote []store.FileRecord
	for _, f := range first.Files {
		remote = append(remote, store.FileRecord{Path: f.Path, Size: f.Size, ModifiedTime: f.ModifiedTime, Hash: f.Hash})
	}

	second := e.Plan(local, remote)
	assert.Empty(t, second.Files)
}

func TestPlanPreservesLocalOrder(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	local := []store.FileRecord{
		writeFile(t, root, "a", "1", 1),
		writeFile(t, root, "m/n", "2", 1),
		writeFile(t, root, "z", "3", 1),
	}
	plan := diff.New(diff.Options{Root: root}).Plan(local, nil)
	require.Len(t, plan.Files, 3)
	assert.Equal(t, []string{"a", "m/n", "z"}, []string{plan.Files[0].Path, plan.Files[1].Path, plan.Files[2].Path})
}

package server

import (
	"path/filepath"
	"strings"

	"github.com/jamesainslie/pushsync/pkg/pushsync/config"
	"github.com/jamesainslie/pushsync/pkg/pushsync/fileutil"
)

// registrySnapshotPrefix names the temp files db_download streams from.
const registrySnapshotPrefix = ".registry-"

// reservedPaths are the server-owned locations a client may never write.
// They hold even when the data directory is the sync root itself.
type reservedPaths struct {
	dataDir string
	dirs    []string
	files   map[string]struct{}
}

func newReservedPaths(root, registryPath, backupDir string) *reservedPaths {
	dataDir := absOr(filepath.Dir(registryPath))
	r := &reservedPaths{
		dataDir: dataDir,
		dirs:    nestedDirs(root, dataDir, backupDir, filepath.Join(dataDir, config.JournalDir)),
		files:   make(map[string]struct{}),
	}

	for _, db := range []string{absOr(registryPath), filepath.Join(dataDir, config.ClientRegistryFile)} {
		for _, suffix := range []string{"", "-wal", "-shm", "-journal"} {
			r.files[db+suffix] = struct{}{}
		}
	}
	r.files[filepath.Join(dataDir, config.PIDFile)] = struct{}{}
	r.files[StatusPath(dataDir)] = struct{}{}
	return r
}

// contains reports whether the absolute path dest is server-owned.
func (r *reservedPaths) contains(dest string) bool {
	if _, ok := r.files[dest]; ok {
		return true
	}
	if filepath.Dir(dest) == r.dataDir && strings.HasPrefix(filepath.Base(dest), registrySnapshotPrefix) {
		return true
	}
	for _, dir := range r.dirs {
		if fileutil.Within(dir, dest) {
			return true
		}
	}
	return false
}

func absOr(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}

// Package fileutil holds the file helpers shared by scanner, server,
// client and restorer: content hashing, durable copies, path validation
// and epoch conversions.
package fileutil

import (
	"crypto/md5" //nolint:gosec // MD5 is the wire-level content identity, not a security primitive.
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// ErrUnsafePath is returned for paths that are absolute or escape the root.
var ErrUnsafePath = errors.New("unsafe relative path")

// HashFile returns the hex MD5 digest of the file at p.
func HashFile(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", fmt.Errorf("opening %s for hashing: %w", p, err)
	}
	defer f.Close()
	return HashReader(f)
}

// HashReader returns the hex MD5 digest of everything read from r.
func HashReader(r io.Reader) (string, error) {
	h := md5.New() //nolint:gosec
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("hashing: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CopyFile copies src to dst and fsyncs dst before returning. flag is
// OR-ed into O_WRONLY|O_CREATE, e.g. os.O_EXCL or os.O_TRUNC.
func CopyFile(src, dst string, flag int) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|flag, 0o644)
	if err != nil {
		return 0, fmt.Errorf("creating %s: %w", dst, err)
	}

	n, err := io.Copy(out, in)
	if err != nil {
		_ = out.Close()
		return n, fmt.Errorf("copying %s to %s: %w", src, dst, err)
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return n, fmt.Errorf("syncing %s: %w", dst, err)
	}
	if err := out.Close(); err != nil {
		return n, fmt.Errorf("closing %s: %w", dst, err)
	}
	return n, nil
}

// CleanRel validates a wire path and returns it in clean slash form.
// Absolute paths, parent escapes and empty paths are rejected.
func CleanRel(rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("%w: empty", ErrUnsafePath)
	}
	slashed := strings.ReplaceAll(rel, "\\", "/")
	if strings.HasPrefix(slashed, "/") || filepath.IsAbs(rel) || filepath.VolumeName(rel) != "" {
		return "", fmt.Errorf("%w: %s is absolute", ErrUnsafePath, rel)
	}
	clean := path.Clean(slashed)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %s escapes the root", ErrUnsafePath, rel)
	}
	return clean, nil
}

// SafeJoin joins a validated relative path onto root.
func SafeJoin(root, rel string) (string, error) {
	clean, err := CleanRel(rel)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, filepath.FromSlash(clean)), nil
}

// Within reports whether target is root or lies under it.
func Within(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// Epoch converts t to fractional epoch seconds.
func Epoch(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// FromEpoch converts fractional epoch seconds to a time.
func FromEpoch(sec float64) time.Time {
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(math.Round(frac*1e9)))
}

// SetModTime sets both atime and mtime of p to the epoch value sec.
func SetModTime(p string, sec float64) error {
	t := FromEpoch(sec)
	if err := os.Chtimes(p, t, t); err != nil {
		return fmt.Errorf("setting mtime on %s: %w", p, err)
	}
	return nil
}

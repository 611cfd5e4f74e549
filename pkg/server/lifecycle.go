package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/jamesainslie/pushsync/pkg/pushsync/logging"
)

// ErrAlreadyRunning is returned when a live server already owns the PID file.
var ErrAlreadyRunning = errors.New("server already running")

// WritePIDFile writes the current process ID to path.
func WritePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// ReadPIDFile reads a PID from path.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parsing pid file %s: %w", path, err)
	}
	return pid, nil
}

// RemovePIDFile removes the PID file.
func RemovePIDFile(path string) error {
	return os.Remove(path)
}

// IsProcessRunning probes pid with signal 0.
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// IsRunning reports whether the PID file names a live process.
func IsRunning(pidPath string) bool {
	pid, err := ReadPIDFile(pidPath)
	if err != nil {
		return false
	}
	return IsProcessRunning(pid)
}

// AcquirePIDFile claims pidPath for this process. A PID file left by a dead
// server is removed first; a live one yields ErrAlreadyRunning.
func AcquirePIDFile(pidPath string) error {
	pid, err := ReadPIDFile(pidPath)
	if err == nil {
		if pid != os.Getpid() && IsProcessRunning(pid) {
			return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
		}
		logging.Get("server").Warn("cleaning up stale pid file", "stale_pid", pid)
		_ = os.Remove(pidPath)
	}
	return WritePIDFile(pidPath)
}

// Status is the server's startup record, written next to the PID file.
type Status struct {
	State   string    `json:"state" yaml:"state"` // "ready" or "error"
	PID     int       `json:"pid,omitempty" yaml:"pid,omitempty"`
	Addr    string    `json:"addr,omitempty" yaml:"addr,omitempty"`
	Root    string    `json:"root,omitempty" yaml:"root,omitempty"`
	Started time.Time `json:"started,omitempty" yaml:"started,omitempty"`
	Error   string    `json:"error,omitempty" yaml:"error,omitempty"`
}

// StatusPath returns the status file path for a data directory.
func StatusPath(dataDir string) string {
	return filepath.Join(dataDir, "pushsync.status")
}

// WriteStatusReady records a server that is accepting connections.
func WriteStatusReady(path, addr, root string) error {
	return writeStatus(path, &Status{
		State:   "ready",
		PID:     os.Getpid(),
		Addr:    addr,
		Root:    root,
		Started: time.Now(),
	})
}

// WriteStatusError records a failed start.
func WriteStatusError(path string, err error) error {
	return writeStatus(path, &Status{State: "error", Error: err.Error()})
}

func writeStatus(path string, status *Status) error {
	data, err := json.Marshal(status)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadStatus reads a status file.
func ReadStatus(path string) (*Status, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var status Status
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// RemoveStatus removes the status file.
func RemoveStatus(path string) error {
	return os.Remove(path)
}

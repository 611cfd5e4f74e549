//go:build darwin

package tuner

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// Detect reads hw.memsize. macOS keeps free memory low on purpose, so half
// of physical memory is treated as available.
func Detect() (SystemResources, error) {
	memsize, err := unix.SysctlUint64("hw.memsize")
	if err != nil {
		return fallback(), fmt.Errorf("sysctl hw.memsize: %w", err)
	}
	return SystemResources{
		CPUCores:     runtime.NumCPU(),
		TotalRAM:     int64(memsize),
		AvailableRAM: int64(memsize / 2),
	}, nil
}

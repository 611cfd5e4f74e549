//go:build linux

package tuner

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// Detect reads memory figures from sysinfo(2). Buffer memory counts as
// available.
func Detect() (SystemResources, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return fallback(), fmt.Errorf("sysinfo: %w", err)
	}
	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	return SystemResources{
		CPUCores:     runtime.NumCPU(),
		TotalRAM:     int64(uint64(info.Totalram) * unit),
		AvailableRAM: int64((uint64(info.Freeram) + uint64(info.Bufferram)) * unit),
	}, nil
}

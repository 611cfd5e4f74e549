// Package tuner sizes the scanner for the host: walk parallelism from the
// CPU count and registry batch size from available memory.
package tuner

import "runtime"

const (
	minWalkWorkers = 4
	maxWalkWorkers = 32

	minBatchSize = 500
	maxBatchSize = 20000

	// A pending scan record is a path plus three numbers.
	bytesPerRecord = 384

	// Share of available RAM a pending batch may occupy.
	batchMemoryFraction = 0.01
)

// defaultTotalRAM is assumed when detection fails.
const defaultTotalRAM = 8 * 1024 * 1024 * 1024

// SystemResources contains detected system resources.
type SystemResources struct {
	CPUCores     int
	TotalRAM     int64
	AvailableRAM int64
}

// Settings is the tuned scanner configuration.
type Settings struct {
	// WalkWorkers is the fastwalk worker count.
	WalkWorkers int

	// BatchSize is the number of scan records per registry transaction.
	BatchSize int
}

// Calculate derives Settings from resources. Walk workers track the core
// count since SQLite writes are serialised behind the walk anyway.
func Calculate(res SystemResources) Settings {
	workers := min(max(res.CPUCores, minWalkWorkers), maxWalkWorkers)

	batch := int(float64(res.AvailableRAM) * batchMemoryFraction / bytesPerRecord)
	batch = min(max(batch, minBatchSize), maxBatchSize)

	return Settings{WalkWorkers: workers, BatchSize: batch}
}

// Auto detects resources and calculates Settings. Detection errors fall
// back to the defaults Detect fills in.
func Auto() Settings {
	res, err := Detect()
	if err != nil || res.CPUCores <= 0 {
		res = fallback()
	}
	return Calculate(res)
}

func fallback() SystemResources {
	return SystemResources{
		CPUCores:     runtime.NumCPU(),
		TotalRAM:     defaultTotalRAM,
		AvailableRAM: defaultTotalRAM / 2,
	}
}

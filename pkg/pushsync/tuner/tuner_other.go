//go:build !linux && !darwin

package tuner

// Detect reports the CPU count and assumed memory figures.
func Detect() (SystemResources, error) {
	return fallback(), nil
}

//go:build !linux && !windows

package recovery

// memoryFree has no portable answer here; the detector skips the memory
// floor when the probe is unsupported.
func memoryFree() (uint64, error) {
	return 0, errMemoryUnsupported
}

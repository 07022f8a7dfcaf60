//go:build linux

package recovery

import (
	"golang.org/x/sys/unix"
)

// memoryFree returns the free RAM reported by the kernel.
func memoryFree() (uint64, error) {
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return 0, err
	}
	return uint64(si.Freeram) * uint64(si.Unit), nil
}

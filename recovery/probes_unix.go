//go:build !windows

package recovery

import (
	"golang.org/x/sys/unix"
)

// ProcessAlive probes a process with the null signal. EPERM still means
// the process exists, just under another uid.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err == unix.EPERM
}

// diskFree returns the bytes available to unprivileged writers on the
// filesystem containing path.
func diskFree(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}

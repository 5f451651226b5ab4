//go:build !windows

package identitylock

import (
	"os"
	"syscall"
)

// isAlive probes pid with signal 0 (POSIX): delivering no actual signal,
// it only reports whether the process exists and is signalable by us.
func isAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	if err == syscall.ESRCH {
		return false
	}
	// EPERM means the process exists but we can't signal it: still alive.
	return err == syscall.EPERM
}

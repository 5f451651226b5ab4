//go:build !windows

// Package procutil probes whether a PID recorded in an on-disk lock or
// session record still belongs to a live process (spec §3.7, §4.13).
package procutil

import (
	"os"
	"syscall"
)

// IsAlive probes pid with signal 0 (POSIX): delivering no actual
// signal, it only reports whether the process exists and is signalable
// by us.
func IsAlive(pid int) bool {
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

// Interrupt sends SIGINT to pid (control.interrupt, spec §4.13).
func Interrupt(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(syscall.SIGINT)
}

//go:build !darwin && !linux

package terminal

// detectDefaultShell has no platform-specific lookup on this OS.
func detectDefaultShell() string {
	return "/bin/sh"
}

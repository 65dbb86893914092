//go:build unix

package lockfile

import (
	"os"
	"syscall"
)

// isAlive reports whether pid names a running, signalable process. Sending
// signal 0 performs existence/permission checks without actually
// delivering a signal.
func isAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

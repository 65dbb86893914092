//go:build windows

package lockfile

import "os"

// isAlive reports whether pid names a running process. Windows offers no
// signal-0 liveness probe; FindProcess succeeding is the best available
// check (it always succeeds on Windows without actually opening a handle
// to a dead process, so a stale lock with an unlucky reused PID is possible
// but rare enough not to special-case further here).
func isAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := os.FindProcess(pid)
	return err == nil
}

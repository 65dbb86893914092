//go:build windows

package procgroup

import (
	"os"
	"os/exec"
)

func Set(cmd *exec.Cmd) {
	// Windows doesn't use Setpgid; the child is stopped directly.
}

// Terminate stops the child process itself. Windows has no process group
// or SIGTERM here, so this is the same hard stop as Kill.
func Terminate(pid int) error { return killPID(pid) }

func Kill(pid int) error { return killPID(pid) }

func killPID(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

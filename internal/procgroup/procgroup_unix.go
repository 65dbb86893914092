//go:build unix

// Package procgroup isolates a spawned CLI into its own process group so
// cancellation reaches the whole tree (a tool subprocess the CLI spawned,
// not just the CLI itself), not only this process's direct child.
package procgroup

import (
	"os/exec"
	"syscall"
)

func Set(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// Terminate sends SIGTERM to the process group rooted at pid.
func Terminate(pid int) error {
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		return err
	}
	return syscall.Kill(-pgid, syscall.SIGTERM)
}

// Kill sends SIGKILL to the process group rooted at pid.
func Kill(pid int) error {
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		return err
	}
	return syscall.Kill(-pgid, syscall.SIGKILL)
}

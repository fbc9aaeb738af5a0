//go:build !windows

package backend

import (
	"os/exec"
	"syscall"
)

// detach starts the process in its own session so it survives the caller and its terminal.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

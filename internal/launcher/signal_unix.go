//go:build !windows

package launcher

import (
	"os/exec"
	"syscall"
)

// setSysProcAttr places the server in its own process group so termination
// signals reach any children it spawns.
func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminateProcess(pid int) {
	_ = syscall.Kill(-pid, syscall.SIGTERM)
}

func killProcess(pid int) {
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}

//go:build windows

package launcher

import (
	"os"
	"os/exec"
)

func setSysProcAttr(_ *exec.Cmd) {}

// Windows has no process groups in the unix sense; Kill is the only
// termination primitive, so graceful and forced stop collapse into one.
func terminateProcess(pid int) {
	if p, err := os.FindProcess(pid); err == nil {
		_ = p.Kill()
	}
}

func killProcess(pid int) { terminateProcess(pid) }

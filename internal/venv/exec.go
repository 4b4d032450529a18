package venv

import (
	"context"
	"os/exec"
)

// runExec is the production runCommand: invoke the interpreter directly
// and capture combined output for error reporting.
func runExec(ctx context.Context, exe string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, exe, args...) // #nosec G204 -- exe is a resolved interpreter path
	return cmd.CombinedOutput()
}

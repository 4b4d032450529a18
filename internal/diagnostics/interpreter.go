package diagnostics

import (
	"os"
	"path/filepath"
)

// interpreterNames lists the executable names probed, in preference order.
// Both the flat Windows layout (python.exe at the root) and the POSIX
// bin/ layout are considered so the same probe works for embedded
// distributions, venvs and system installs.
var interpreterNames = []string{
	"python.exe",
	filepath.Join("Scripts", "python.exe"),
	filepath.Join("bin", "python3"),
	filepath.Join("bin", "python"),
	"python3",
	"python",
}

// FindInterpreter probes dir for a Python executable and returns its full
// path. Absence is not an error; the second return reports success.
func FindInterpreter(dir string) (string, bool) {
	for _, name := range interpreterNames {
		p := filepath.Join(dir, name)
		fi, err := os.Stat(p)
		if err != nil || fi.IsDir() {
			continue
		}
		return p, true
	}
	return "", false
}

// InterpreterIn returns the interpreter path inside a virtual environment,
// or "" when none exists. Callers rely on the empty string to mean the
// environment is absent.
func InterpreterIn(venvPath string) string {
	p, ok := FindInterpreter(venvPath)
	if !ok {
		return ""
	}
	return p
}

package diagnostics

import (
	"os"
	"path/filepath"
)

// condaMarkers are files or directories whose presence identifies a conda
// installation. pip is assumed otherwise when an interpreter exists.
var condaMarkers = []string{
	"condabin",
	filepath.Join("Scripts", "conda.exe"),
	filepath.Join("bin", "conda"),
	"conda-meta",
}

// DetectFlavor reports whether dir is a conda installation or a plain
// pip-managed one. Directories without an interpreter report FlavorUnknown.
func DetectFlavor(dir string) Flavor {
	for _, m := range condaMarkers {
		if _, err := os.Stat(filepath.Join(dir, m)); err == nil {
			return FlavorConda
		}
	}
	if _, ok := FindInterpreter(dir); ok {
		return FlavorPip
	}
	return FlavorUnknown
}

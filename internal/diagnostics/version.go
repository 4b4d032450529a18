package diagnostics

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
)

// versionPattern matches version-bearing filenames such as python3.12,
// python312.dll, libpython3.12.so.1.0 and python311._pth.
var versionPattern = regexp.MustCompile(`(?i)^(?:lib)?python(\d)\.?(\d{1,2})(?:\D|$)`)

// DetectVersion scans dir (and its bin/ subdirectory when present) for
// version-bearing filenames and returns the numerically greatest version as
// "major.minor". It returns "" when nothing version-bearing is found.
func DetectVersion(dir string) string {
	bestMajor, bestMinor := -1, -1
	scan := func(d string) {
		entries, err := os.ReadDir(d)
		if err != nil {
			return
		}
		for _, e := range entries {
			m := versionPattern.FindStringSubmatch(e.Name())
			if m == nil {
				continue
			}
			major, _ := strconv.Atoi(m[1])
			minor, _ := strconv.Atoi(m[2])
			if major > bestMajor || (major == bestMajor && minor > bestMinor) {
				bestMajor, bestMinor = major, minor
			}
		}
	}
	scan(dir)
	scan(filepath.Join(dir, "bin"))
	scan(filepath.Join(dir, "lib"))
	if bestMajor < 0 {
		return ""
	}
	return strconv.Itoa(bestMajor) + "." + strconv.Itoa(bestMinor)
}

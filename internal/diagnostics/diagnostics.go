package diagnostics

import (
	"fmt"
	"os"
)

// Arch is the detected bitness of an interpreter binary.
type Arch int

const (
	ArchUnknown Arch = iota
	Arch32
	Arch64
)

func (a Arch) String() string {
	switch a {
	case Arch32:
		return "32-bit"
	case Arch64:
		return "64-bit"
	default:
		return "unknown"
	}
}

// Flavor is the package-manager flavor of an installation.
type Flavor int

const (
	FlavorUnknown Flavor = iota
	FlavorPip
	FlavorConda
)

func (f Flavor) String() string {
	switch f {
	case FlavorPip:
		return "pip"
	case FlavorConda:
		return "conda"
	default:
		return "unknown"
	}
}

// Description is the composed result of probing a candidate runtime directory.
// Message carries the first failure encountered so a caller gets one
// actionable diagnostic instead of a stack of booleans.
type Description struct {
	Path            string `json:"path"`
	Exists          bool   `json:"exists"`
	InterpreterPath string `json:"interpreter_path,omitempty"`
	HasInterpreter  bool   `json:"has_interpreter"`
	Version         string `json:"version,omitempty"`
	Arch            string `json:"arch"`
	Flavor          string `json:"flavor"`
	OK              bool   `json:"ok"`
	Message         string `json:"message,omitempty"`
}

// DescribeRuntime probes path and returns a structured description.
// It never returns an error: all I/O failures and absence conditions are
// folded into Description.Message. Checks short-circuit in order: path
// missing, version undetectable, architecture unknown, interpreter absent.
func DescribeRuntime(path string) Description {
	d := Description{Path: path, Arch: ArchUnknown.String(), Flavor: FlavorUnknown.String()}

	fi, err := os.Stat(path)
	if err != nil || !fi.IsDir() {
		d.Message = fmt.Sprintf("runtime directory %q does not exist", path)
		return d
	}
	d.Exists = true

	d.Version = DetectVersion(path)
	if d.Version == "" {
		d.Message = fmt.Sprintf("no version-bearing files found under %q; the runtime may be incomplete", path)
		return d
	}

	exe, ok := FindInterpreter(path)
	if ok {
		d.InterpreterPath = exe
		arch := DetectArch(exe)
		d.Arch = arch.String()
		if arch == ArchUnknown {
			d.Message = fmt.Sprintf("could not determine architecture of %q", exe)
			return d
		}
	}
	if !ok {
		d.Message = fmt.Sprintf("no interpreter executable found under %q; run the initialize command to acquire one", path)
		return d
	}

	d.HasInterpreter = true
	d.Flavor = DetectFlavor(path).String()
	d.OK = true
	return d
}

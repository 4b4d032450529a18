// Package scripts embeds the Python entry points the launcher runs inside
// a provisioned environment. The servers share one execution engine module
// so every transport exposes identical semantics.
package scripts

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Server entry point file names, relative to the directory Write populates.
const (
	HTTPServer = "http_server.py"
	PipeServer = "pipe_server.py"
	RPCServer  = "rpc_server.py"
)

//go:embed *.py
var files embed.FS

// Write materializes the embedded scripts into dir, replacing stale copies
// from earlier versions.
func Write(dir string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	entries, err := fs.ReadDir(files, ".")
	if err != nil {
		return err
	}
	for _, e := range entries {
		b, err := files.ReadFile(e.Name())
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dir, e.Name()), b, 0o600); err != nil {
			return fmt.Errorf("write %s: %w", e.Name(), err)
		}
	}
	return nil
}

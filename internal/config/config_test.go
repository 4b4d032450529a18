package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadEmptyPathYieldsDefaults(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Home == "" || c.Registry.Path == "" || c.Venv.Root == "" {
		t.Fatalf("defaults not applied: %+v", c)
	}
	if c.Store.Type != "sqlite" || c.Store.Path == "" {
		t.Fatalf("store defaults: %+v", c.Store)
	}
	if c.Server.Listen != "127.0.0.1:8099" {
		t.Fatalf("server default: %q", c.Server.Listen)
	}
}

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pyhost.toml")
	content := `
home = "` + dir + `"

[registry]
path = "` + filepath.Join(dir, "reg.json") + `"

[registry.download]
base_url = "https://mirror.internal/dist"
release = "20250818"
python_version = "3.12.11"
timeout = "5m"

[venv]
pip_args = ["--index-url", "https://pypi.internal/simple"]

[backend]
start_timeout = "90s"

[store]
type = "memory"

[history]
dsns = ["sqlite:///tmp/history.db"]

[log]
level = "debug"

[server]
listen = "127.0.0.1:9000"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Registry.Download.BaseURL != "https://mirror.internal/dist" {
		t.Fatalf("download: %+v", c.Registry.Download)
	}
	if c.Registry.Download.Timeout != 5*time.Minute {
		t.Fatalf("timeout: %v", c.Registry.Download.Timeout)
	}
	if c.Backend.StartTimeout != 90*time.Second {
		t.Fatalf("start timeout: %v", c.Backend.StartTimeout)
	}
	if len(c.Venv.PipArgs) != 2 {
		t.Fatalf("pip args: %v", c.Venv.PipArgs)
	}
	if c.Store.Type != "memory" {
		t.Fatalf("store: %+v", c.Store)
	}
	if len(c.History.DSNs) != 1 {
		t.Fatalf("history: %+v", c.History)
	}
	if c.Server.Listen != "127.0.0.1:9000" {
		t.Fatalf("server: %+v", c.Server)
	}
	// unset fields still rooted under home
	if c.Venv.Root != dir {
		t.Fatalf("venv root: %q", c.Venv.Root)
	}
	if c.Backend.RunDir != filepath.Join(dir, "run") {
		t.Fatalf("run dir: %q", c.Backend.RunDir)
	}

	opts := c.RegistryOptions()
	if opts.ConfigPath != filepath.Join(dir, "reg.json") || opts.Download.Release != "20250818" {
		t.Fatalf("registry options: %+v", opts)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

// Package config loads the TOML host configuration and maps it onto the
// component options used across the codebase. Everything has a usable
// default rooted under the home directory, so a missing config file is not
// an error.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/pyhost/pyhost/internal/logger"
	"github.com/pyhost/pyhost/internal/registry"
	"github.com/pyhost/pyhost/internal/store"
)

// FileConfig represents the top-level TOML structure.
type FileConfig struct {
	// Home is the base directory for all managed state. Defaults to
	// ~/.pyhost.
	Home     string         `toml:"home" mapstructure:"home"`
	Registry RegistryConfig `toml:"registry" mapstructure:"registry"`
	Venv     VenvConfig     `toml:"venv" mapstructure:"venv"`
	Backend  BackendConfig  `toml:"backend" mapstructure:"backend"`
	Store    store.Config   `toml:"store" mapstructure:"store"`
	History  HistoryConfig  `toml:"history" mapstructure:"history"`
	Log      logger.Config  `toml:"log" mapstructure:"log"`
	Server   ServerConfig   `toml:"server" mapstructure:"server"`
}

type RegistryConfig struct {
	// Path of the registry JSON file.
	Path string `toml:"path" mapstructure:"path"`
	// ManagedRoot is where embedded runtimes are extracted.
	ManagedRoot string         `toml:"managed_root" mapstructure:"managed_root"`
	Download    DownloadConfig `toml:"download" mapstructure:"download"`
}

type DownloadConfig struct {
	// URL overrides the computed distribution URL entirely.
	URL string `toml:"url" mapstructure:"url"`
	// BaseURL points at a distribution mirror.
	BaseURL       string        `toml:"base_url" mapstructure:"base_url"`
	Release       string        `toml:"release" mapstructure:"release"`
	PythonVersion string        `toml:"python_version" mapstructure:"python_version"`
	Timeout       time.Duration `toml:"timeout" mapstructure:"timeout"`
}

type VenvConfig struct {
	// Root is the directory environments are created under.
	Root string `toml:"root" mapstructure:"root"`
	// PipArgs are appended to every pip invocation (index mirrors, proxies).
	PipArgs []string `toml:"pip_args" mapstructure:"pip_args"`
}

type BackendConfig struct {
	// RunDir holds server scripts and pipe sockets.
	RunDir         string        `toml:"run_dir" mapstructure:"run_dir"`
	StartTimeout   time.Duration `toml:"start_timeout" mapstructure:"start_timeout"`
	HealthInterval time.Duration `toml:"health_interval" mapstructure:"health_interval"`
	StopGrace      time.Duration `toml:"stop_grace" mapstructure:"stop_grace"`
}

type HistoryConfig struct {
	// DSNs list event sinks: sqlite paths, postgres:// or clickhouse:// URLs.
	DSNs []string `toml:"dsns" mapstructure:"dsns"`
}

type ServerConfig struct {
	// Listen is the management API address, e.g. "127.0.0.1:8099".
	Listen string `toml:"listen" mapstructure:"listen"`
	// BasePath prefixes all management routes when the API is mounted
	// behind a reverse proxy.
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

// Default returns the configuration used when no file is present.
func Default() *FileConfig {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	c := &FileConfig{Home: filepath.Join(home, ".pyhost")}
	c.applyDefaults()
	return c
}

// Load reads path as TOML and fills unset fields with defaults. An empty
// path yields Default().
func Load(path string) (*FileConfig, error) {
	if path == "" {
		return Default(), nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if fc.Home == "" {
		fc.Home = Default().Home
	}
	fc.applyDefaults()
	return &fc, nil
}

// applyDefaults roots every unset path under Home.
func (c *FileConfig) applyDefaults() {
	if c.Registry.Path == "" {
		c.Registry.Path = filepath.Join(c.Home, "registry.json")
	}
	if c.Registry.ManagedRoot == "" {
		c.Registry.ManagedRoot = c.Home
	}
	if c.Venv.Root == "" {
		c.Venv.Root = c.Home
	}
	if c.Backend.RunDir == "" {
		c.Backend.RunDir = filepath.Join(c.Home, "run")
	}
	if c.Store.Type == "" {
		c.Store.Type = "sqlite"
	}
	if c.Store.Type == "sqlite" && c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.Home, "state.db")
	}
	if c.Log.File.Dir == "" {
		c.Log.File.Dir = filepath.Join(c.Home, "logs")
	}
	if c.Server.Listen == "" {
		c.Server.Listen = "127.0.0.1:8099"
	}
}

// RegistryOptions maps the config onto registry.Options.
func (c *FileConfig) RegistryOptions() registry.Options {
	return registry.Options{
		ConfigPath:  c.Registry.Path,
		ManagedRoot: c.Registry.ManagedRoot,
		Download: registry.DownloadOptions{
			URL:           c.Registry.Download.URL,
			BaseURL:       c.Registry.Download.BaseURL,
			Release:       c.Registry.Download.Release,
			PythonVersion: c.Registry.Download.PythonVersion,
			Timeout:       c.Registry.Download.Timeout,
		},
	}
}

package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation parameters (lumberjack semantics).
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// FileConfig describes file destinations for a backend process's stdio.
// If StdoutPath/StderrPath are empty and Dir is set, files will be
// Dir/<name>.stdout.log and Dir/<name>.stderr.log.
type FileConfig struct {
	Dir        string `toml:"dir" mapstructure:"dir"`
	StdoutPath string `toml:"stdout" mapstructure:"stdout"`
	StderrPath string `toml:"stderr" mapstructure:"stderr"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

// Config is the unified logging configuration: the application slog handler
// plus file destinations for spawned backend processes.
type Config struct {
	Level string     `toml:"level" mapstructure:"level"` // debug|info|warn|error
	Color bool       `toml:"color" mapstructure:"color"`
	File  FileConfig `toml:"file" mapstructure:"file"`
}

// NewSlog builds the application logger writing to w.
func (c Config) NewSlog(w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: parseLevel(c.Level)}
	if c.Color {
		return slog.New(NewColorTextHandler(w, opts, true))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ProcessWriters returns io.WriteClosers for the stdout and stderr of a
// spawned backend named name (e.g. "runtime-host-http"). Both writers are
// nil when neither Dir nor explicit paths are configured.
func (c Config) ProcessWriters(name string) (io.WriteCloser, io.WriteCloser, error) {
	stdout := c.File.StdoutPath
	stderr := c.File.StderrPath
	if stdout == "" && c.File.Dir != "" {
		stdout = filepath.Join(c.File.Dir, fmt.Sprintf("%s.stdout.log", name))
	}
	if stderr == "" && c.File.Dir != "" {
		stderr = filepath.Join(c.File.Dir, fmt.Sprintf("%s.stderr.log", name))
	}
	var outW io.WriteCloser
	var errW io.WriteCloser
	if stdout != "" {
		outW = c.newRotating(stdout)
	}
	if stderr != "" {
		errW = c.newRotating(stderr)
	}
	return outW, errW, nil
}

func (c Config) newRotating(path string) io.WriteCloser {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.File.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.File.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.File.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.File.Compress,
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

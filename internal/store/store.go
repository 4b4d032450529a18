package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: not found")

// EnvRecord is the persisted form of a provisioned environment: the durable
// name→path map plus enough metadata to rebuild provisioner state on restart.
type EnvRecord struct {
	Name      string    // consumer name, optionally "-<scope>" suffixed
	Path      string    // absolute venv path
	PythonExe string    // interpreter inside the venv
	CreatedAt time.Time // UTC
}

// PackageRow is the persisted install status of one (environment, package).
type PackageRow struct {
	EnvName          string
	Package          string
	Constraint       string
	Status           string // not_installed|installing|installed|needs_update|failed|version_mismatch
	InstalledVersion string
	LastVerified     time.Time
	Error            string
}

// Store persists environment and package records.
// Implementations must be safe for concurrent use.
type Store interface {
	EnsureSchema(ctx context.Context) error

	SaveEnvironment(ctx context.Context, rec EnvRecord) error
	GetEnvironment(ctx context.Context, name string) (EnvRecord, error)
	ListEnvironments(ctx context.Context) ([]EnvRecord, error)
	DeleteEnvironment(ctx context.Context, name string) error

	UpsertPackage(ctx context.Context, row PackageRow) error
	ListPackages(ctx context.Context, envName string) ([]PackageRow, error)

	Close() error
}

// Config selects and configures a store backend.
type Config struct {
	Type string `toml:"type" mapstructure:"type"` // "sqlite" or "memory"
	Path string `toml:"path" mapstructure:"path"` // sqlite file path; ":memory:" allowed
}

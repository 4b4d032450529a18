// Package venv provisions and maintains Python virtual environments on
// behalf of named consumers. Environment paths are a pure function of the
// consumer name, creation is idempotent under concurrency, and durable
// state lives in the store so a restarted process sees the same world.
package venv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pyhost/pyhost/internal/diagnostics"
	"github.com/pyhost/pyhost/internal/history"
	"github.com/pyhost/pyhost/internal/lock"
	"github.com/pyhost/pyhost/internal/metrics"
	"github.com/pyhost/pyhost/internal/store"
)

// Package install states as persisted in store.PackageRow.Status.
const (
	PackageNotInstalled    = "not_installed"
	PackageInstalling      = "installing"
	PackageInstalled       = "installed"
	PackageNeedsUpdate     = "needs_update"
	PackageFailed          = "failed"
	PackageVersionMismatch = "version_mismatch"
)

// AdminEnvName is the reserved consumer name for the maintenance
// environment used for packaging operations.
const AdminEnvName = "admin"

// PackageSpec names one package to install, with an optional version
// constraint in pip requirement syntax ("==1.2.3", ">=2,<3", ...).
type PackageSpec struct {
	Name       string
	Constraint string
}

func (s PackageSpec) requirement() string {
	return s.Name + s.Constraint
}

// EnvironmentError reports a failed environment operation together with a
// remediation hint for operators.
type EnvironmentError struct {
	Name string
	Op   string
	Err  error
}

func (e *EnvironmentError) Error() string {
	return fmt.Sprintf("environment %q: %s failed: %v (check interpreter availability and directory permissions)", e.Name, e.Op, e.Err)
}

func (e *EnvironmentError) Unwrap() error { return e.Err }

// InstallError reports a failed package installation.
type InstallError struct {
	Env     string
	Package string
	Err     error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("install %s into %q: %v (verify the package name and network access to the package index)", e.Package, e.Env, e.Err)
}

func (e *InstallError) Unwrap() error { return e.Err }

// runCommand executes an interpreter invocation and returns combined output.
// Injectable so tests substitute a fake interpreter.
type runCommand func(ctx context.Context, exe string, args ...string) ([]byte, error)

// Options configure a Provisioner.
type Options struct {
	// Root is the directory environments are created under; each consumer
	// gets Root/envs/<name>.
	Root string
	// Store persists environment and package records. Required.
	Store store.Store
	// PipArgs are extra flags appended to every pip invocation
	// (index mirrors, proxies).
	PipArgs  []string
	Logger   *slog.Logger
	Recorder *history.Recorder
}

// Provisioner creates, inspects and deletes virtual environments. All
// methods are safe for concurrent use; operations on the same environment
// serialize, operations on different environments proceed in parallel.
type Provisioner struct {
	opts   Options
	logger *slog.Logger
	locks  *lock.KeyedMutex
	run    runCommand
}

func New(opts Options) *Provisioner {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Provisioner{
		opts:   opts,
		logger: opts.Logger.With("component", "venv"),
		locks:  lock.NewKeyed(),
		run:    runExec,
	}
}

// EnvPath derives the environment directory for a consumer name. The same
// name always yields the same path.
func (p *Provisioner) EnvPath(name string) string {
	return filepath.Join(p.opts.Root, "envs", sanitizeName(name))
}

// ScopedName combines a consumer name with an optional scope id so one
// consumer can hold several isolated environments.
func ScopedName(name, scope string) string {
	if scope == "" {
		return name
	}
	return name + "-" + scope
}

// sanitizeName keeps consumer names filesystem-safe.
func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, name)
}

// EnsureEnvironment returns the environment path for name, creating the
// venv from basePython if it does not exist yet. Repeated and concurrent
// calls for the same name converge on a single creation; callers never see
// a half-built environment.
func (p *Provisioner) EnsureEnvironment(ctx context.Context, name, basePython string) (string, error) {
	if name == "" {
		return "", &EnvironmentError{Name: name, Op: "ensure", Err: errors.New("consumer name required")}
	}
	path := p.EnvPath(name)
	if py := diagnostics.InterpreterIn(path); py != "" {
		return path, nil
	}

	unlock := p.locks.Lock(path)
	defer unlock()

	// re-check under the lock: another caller may have finished creation
	// while we waited
	if py := diagnostics.InterpreterIn(path); py != "" {
		return path, nil
	}

	p.logger.Info("creating environment", "name", name, "path", path, "python", basePython)
	out, err := p.run(ctx, basePython, "-m", "venv", path)
	if err != nil {
		_ = os.RemoveAll(path)
		metrics.IncEnvCreated(name, "failure")
		return "", &EnvironmentError{Name: name, Op: "create", Err: fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))}
	}
	py := diagnostics.InterpreterIn(path)
	if py == "" {
		_ = os.RemoveAll(path)
		metrics.IncEnvCreated(name, "failure")
		return "", &EnvironmentError{Name: name, Op: "create", Err: errors.New("venv module produced no interpreter")}
	}

	rec := store.EnvRecord{Name: name, Path: path, PythonExe: py, CreatedAt: time.Now().UTC()}
	if err := p.opts.Store.SaveEnvironment(ctx, rec); err != nil {
		p.logger.Warn("environment record not persisted", "name", name, "err", err)
	}
	metrics.IncEnvCreated(name, "success")
	p.record(ctx, history.EventEnvCreated, name, "created", path)
	return path, nil
}

// EnsureAdminEnvironment provisions the shared maintenance environment and
// brings its packaging toolchain up to date.
func (p *Provisioner) EnsureAdminEnvironment(ctx context.Context, basePython string) (string, error) {
	path, err := p.EnsureEnvironment(ctx, AdminEnvName, basePython)
	if err != nil {
		return "", err
	}
	err = p.InstallPackages(ctx, AdminEnvName,
		PackageSpec{Name: "pip"},
		PackageSpec{Name: "setuptools"},
		PackageSpec{Name: "wheel"},
	)
	if err != nil {
		return "", err
	}
	return path, nil
}

// InstallPackages installs the given packages into the named environment,
// one pip invocation per package so a failure pins blame precisely. Every
// package ends the call in a terminal state: installed, or failed with the
// error recorded. Cancellation between packages stops the loop; the
// in-flight package is marked failed before the context error returns.
func (p *Provisioner) InstallPackages(ctx context.Context, envName string, pkgs ...PackageSpec) error {
	path, ok := p.GetRegisteredPath(ctx, envName)
	if !ok {
		return &EnvironmentError{Name: envName, Op: "install", Err: errors.New("environment does not exist")}
	}
	py := diagnostics.InterpreterIn(path)
	if py == "" {
		return &EnvironmentError{Name: envName, Op: "install", Err: errors.New("environment has no interpreter")}
	}

	unlock := p.locks.Lock(path)
	defer unlock()

	for _, pkg := range pkgs {
		if err := ctx.Err(); err != nil {
			p.markPackage(envName, pkg, PackageFailed, "", err.Error())
			return err
		}
		p.markPackage(envName, pkg, PackageInstalling, "", "")

		args := append([]string{"-m", "pip", "install", "--upgrade", pkg.requirement()}, p.opts.PipArgs...)
		out, err := p.run(ctx, py, args...)
		if err != nil {
			detail := strings.TrimSpace(string(out))
			if detail == "" {
				detail = err.Error()
			}
			p.markPackage(envName, pkg, PackageFailed, "", detail)
			metrics.IncInstall("failed")
			p.record(ctx, history.EventPackageInstall, envName, PackageFailed, pkg.requirement())
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &InstallError{Env: envName, Package: pkg.requirement(), Err: err}
		}

		version := p.installedVersion(ctx, py, pkg.Name)
		p.markPackage(envName, pkg, PackageInstalled, version, "")
		metrics.IncInstall("success")
		p.record(ctx, history.EventPackageInstall, envName, PackageInstalled, pkg.requirement())
		p.logger.Info("package installed", "env", envName, "package", pkg.Name, "version", version)
	}
	return nil
}

// installedVersion asks pip for the resolved version. Best effort; an empty
// string means the query failed.
func (p *Provisioner) installedVersion(ctx context.Context, py, pkg string) string {
	out, err := p.run(ctx, py, "-m", "pip", "show", pkg)
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(out), "\n") {
		if v, ok := strings.CutPrefix(line, "Version:"); ok {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func (p *Provisioner) markPackage(envName string, pkg PackageSpec, status, version, errMsg string) {
	row := store.PackageRow{
		EnvName:          envName,
		Package:          pkg.Name,
		Constraint:       pkg.Constraint,
		Status:           status,
		InstalledVersion: version,
		LastVerified:     time.Now().UTC(),
		Error:            errMsg,
	}
	// status rows are advisory; a write failure must not fail the install
	if err := p.opts.Store.UpsertPackage(context.Background(), row); err != nil {
		p.logger.Warn("package record not persisted", "env", envName, "package", pkg.Name, "err", err)
	}
}

// GetRegisteredPath resolves a consumer name to its environment path. The
// store record wins; a directory that exists at the derived path without a
// record still resolves, so environments survive a lost store.
func (p *Provisioner) GetRegisteredPath(ctx context.Context, name string) (string, bool) {
	if rec, err := p.opts.Store.GetEnvironment(ctx, name); err == nil {
		if diagnostics.InterpreterIn(rec.Path) != "" {
			return rec.Path, true
		}
	}
	path := p.EnvPath(name)
	if diagnostics.InterpreterIn(path) != "" {
		return path, true
	}
	return "", false
}

// ListEnvironments returns the persisted environment records.
func (p *Provisioner) ListEnvironments(ctx context.Context) ([]store.EnvRecord, error) {
	return p.opts.Store.ListEnvironments(ctx)
}

// Status describes the current health of a named environment.
type Status struct {
	Name        string
	Path        string
	Exists      bool
	Description diagnostics.Description
	Packages    []store.PackageRow
}

// EnvironmentStatus inspects the named environment without modifying it.
func (p *Provisioner) EnvironmentStatus(ctx context.Context, name string) Status {
	st := Status{Name: name}
	path, ok := p.GetRegisteredPath(ctx, name)
	if !ok {
		st.Path = p.EnvPath(name)
		return st
	}
	st.Path = path
	st.Exists = true
	st.Description = diagnostics.DescribeRuntime(path)
	if rows, err := p.opts.Store.ListPackages(ctx, name); err == nil {
		st.Packages = rows
	}
	return st
}

// DeleteEnvironment removes the named environment and its records. The
// return value reports whether anything was actually deleted; an absent
// environment is not an error.
func (p *Provisioner) DeleteEnvironment(ctx context.Context, name string) bool {
	path := p.EnvPath(name)
	unlock := p.locks.Lock(path)
	defer unlock()

	rec, recErr := p.opts.Store.GetEnvironment(ctx, name)
	if recErr == nil && rec.Path != "" {
		path = rec.Path
	}

	_, statErr := os.Stat(path)
	existed := statErr == nil
	if existed {
		if err := os.RemoveAll(path); err != nil {
			p.logger.Warn("environment removal incomplete", "name", name, "path", path, "err", err)
			return false
		}
	}
	if recErr == nil {
		if err := p.opts.Store.DeleteEnvironment(ctx, name); err != nil {
			p.logger.Warn("environment record not deleted", "name", name, "err", err)
		}
		existed = true
	}
	if existed {
		p.record(ctx, history.EventEnvDeleted, name, "deleted", path)
		p.logger.Info("environment deleted", "name", name, "path", path)
	}
	return existed
}

func (p *Provisioner) record(ctx context.Context, t history.EventType, subject, status, detail string) {
	p.opts.Recorder.Record(ctx, history.Event{Type: t, Subject: subject, Status: status, Detail: detail})
}

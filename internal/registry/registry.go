package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pyhost/pyhost/internal/diagnostics"
	"github.com/pyhost/pyhost/internal/history"
	"github.com/pyhost/pyhost/internal/lock"
)

// ErrNotFound is returned for unknown runtime ids.
var ErrNotFound = errors.New("registry: runtime not found")

// Options configure a Registry.
type Options struct {
	// ConfigPath is the JSON registry file. Required.
	ConfigPath string
	// ManagedRoot is where managed (embedded) runtimes are placed.
	ManagedRoot string
	// Download configures embedded runtime acquisition.
	Download DownloadOptions
	Logger   *slog.Logger
	Recorder *history.Recorder
}

// Registry tracks named runtime entries and drives the embedded-runtime
// acquisition flow. It is an injectable service: construct, Initialize,
// then share. All methods are safe for concurrent use.
type Registry struct {
	opts   Options
	logger *slog.Logger

	mu     sync.RWMutex
	cfg    Config
	loaded bool

	// per-entry initialization locks so unrelated runtimes can be
	// initialized concurrently
	locks *lock.KeyedMutex

	downloader *downloader
}

func New(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Registry{
		opts:       opts,
		logger:     opts.Logger.With("component", "registry"),
		locks:      lock.NewKeyed(),
		downloader: newDownloader(opts.Download),
	}
}

// Initialize loads the persisted registry file if present. An absent file is
// not an error: the registry simply starts empty. Repeated calls are no-ops.
func (r *Registry) Initialize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loaded {
		return nil
	}
	b, err := os.ReadFile(r.opts.ConfigPath)
	if err != nil {
		if os.IsNotExist(err) {
			r.loaded = true
			return nil
		}
		return fmt.Errorf("read registry file: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return fmt.Errorf("parse registry file %s: %w", r.opts.ConfigPath, err)
	}
	if cfg.DefaultRuntimeID != "" && cfg.find(cfg.DefaultRuntimeID) == nil {
		return fmt.Errorf("registry file references unknown default runtime %q", cfg.DefaultRuntimeID)
	}
	r.cfg = cfg
	r.loaded = true
	r.logger.Info("registry loaded", "entries", len(cfg.Entries), "path", r.opts.ConfigPath)
	return nil
}

// CreateManagedRuntime registers a new managed entry in NotInitialized
// status and returns its id. The name must not collide with an existing
// managed entry.
func (r *Registry) CreateManagedRuntime(name string, typ RuntimeType) (string, error) {
	if name == "" {
		return "", errors.New("runtime name required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.cfg.findManagedByName(name); e != nil {
		return "", fmt.Errorf("managed runtime %q already exists (id %s)", name, e.ID)
	}
	e := &Entry{
		ID:        uuid.NewString(),
		Name:      name,
		Type:      typ,
		Path:      filepath.Join(r.opts.ManagedRoot, "runtimes", name),
		Managed:   true,
		Status:    StatusNotInitialized,
		CreatedAt: time.Now().UTC(),
	}
	r.cfg.Entries = append(r.cfg.Entries, e)
	if err := r.saveLocked(); err != nil {
		r.cfg.Entries = r.cfg.Entries[:len(r.cfg.Entries)-1]
		return "", err
	}
	r.record(history.EventRuntimeCreated, e.ID, string(e.Status), name)
	r.logger.Info("managed runtime registered", "id", e.ID, "name", name, "type", typ)
	return e.ID, nil
}

// RegisterExisting adds an unmanaged entry pointing at an interpreter that
// already exists on disk (system or conda installs discovered elsewhere).
func (r *Registry) RegisterExisting(name string, typ RuntimeType, path string) (string, error) {
	if name == "" || path == "" {
		return "", errors.New("runtime name and path required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e := &Entry{
		ID:        uuid.NewString(),
		Name:      name,
		Type:      typ,
		Path:      path,
		Status:    StatusNotInitialized,
		CreatedAt: time.Now().UTC(),
	}
	r.cfg.Entries = append(r.cfg.Entries, e)
	if err := r.saveLocked(); err != nil {
		r.cfg.Entries = r.cfg.Entries[:len(r.cfg.Entries)-1]
		return "", err
	}
	return e.ID, nil
}

// InitializeRuntime brings the entry with the given id to Ready status.
//
// For embedded runtimes a missing interpreter triggers download and
// extraction of a self-contained distribution; other types are verified in
// place. Failures are folded into status Error with LastError populated and
// a false return. The errors ever returned are ErrNotFound for an unknown id
// and the caller's own cancellation, so callers can distinguish both from an
// initialization failure. Re-invoking on a Ready entry is a cheap reverify.
func (r *Registry) InitializeRuntime(ctx context.Context, id string) (bool, error) {
	unlock := r.locks.Lock(id)
	defer unlock()

	e, err := r.GetRuntime(id)
	if err != nil {
		return false, err
	}

	// Fast path: already Ready and still verifiable.
	if e.Status == StatusReady {
		if d := diagnostics.DescribeRuntime(e.Path); d.OK {
			return true, nil
		}
		// fall through into full initialization
	}

	r.transition(id, StatusInitializing, "")

	ok, initErr := r.initialize(ctx, e)
	if initErr != nil {
		if errors.Is(initErr, context.Canceled) || errors.Is(initErr, context.DeadlineExceeded) {
			// restore a terminal status before propagating cancellation
			r.transition(id, StatusNotInitialized, initErr.Error())
			return false, initErr
		}
		r.transition(id, StatusError, initErr.Error())
		r.record(history.EventRuntimeFailed, id, string(StatusError), initErr.Error())
		r.logger.Warn("runtime initialization failed", "id", id, "err", initErr)
		return false, nil
	}
	if !ok {
		return false, nil
	}

	d := diagnostics.DescribeRuntime(e.Path)
	r.mu.Lock()
	if cur := r.cfg.find(id); cur != nil {
		cur.Status = StatusReady
		cur.Version = d.Version
		cur.LastInitialized = time.Now().UTC()
		cur.LastError = ""
		_ = r.saveLocked()
	}
	r.mu.Unlock()
	r.record(history.EventRuntimeInitialized, id, string(StatusReady), d.Version)
	r.logger.Info("runtime ready", "id", id, "version", d.Version, "path", e.Path)
	return true, nil
}

func (r *Registry) initialize(ctx context.Context, e Entry) (bool, error) {
	switch e.Type {
	case TypeEmbedded:
		if d := diagnostics.DescribeRuntime(e.Path); d.OK {
			return true, nil
		}
		if err := r.downloader.Acquire(ctx, e.Path); err != nil {
			return false, err
		}
		if d := diagnostics.DescribeRuntime(e.Path); !d.OK {
			return false, fmt.Errorf("downloaded distribution failed verification: %s", d.Message)
		}
		return true, nil
	case TypeSystem, TypeConda, TypeVirtualEnv, TypeCustom:
		d := diagnostics.DescribeRuntime(e.Path)
		if !d.OK {
			return false, errors.New(d.Message)
		}
		return true, nil
	default:
		return false, fmt.Errorf("cannot initialize runtime of type %q", e.Type)
	}
}

// GetRuntime returns a snapshot of the entry with the given id.
func (r *Registry) GetRuntime(id string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e := r.cfg.find(id)
	if e == nil {
		return Entry{}, ErrNotFound
	}
	return snapshot(e), nil
}

// GetDefaultRuntime prefers the configured default; when unset, the first
// Ready entry is treated as default.
func (r *Registry) GetDefaultRuntime() (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.cfg.DefaultRuntimeID != "" {
		if e := r.cfg.find(r.cfg.DefaultRuntimeID); e != nil {
			return snapshot(e), nil
		}
	}
	for _, e := range r.cfg.Entries {
		if e.Status == StatusReady {
			return snapshot(e), nil
		}
	}
	return Entry{}, ErrNotFound
}

// GetAvailableRuntimes returns snapshots of all entries.
func (r *Registry) GetAvailableRuntimes() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.cfg.Entries))
	for _, e := range r.cfg.Entries {
		out = append(out, snapshot(e))
	}
	return out
}

// SetDefaultRuntime records id as the default. The id must exist.
func (r *Registry) SetDefaultRuntime(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cfg.find(id) == nil {
		return ErrNotFound
	}
	r.cfg.DefaultRuntimeID = id
	return r.saveLocked()
}

// RemoveRuntime drops the entry. Managed runtime directories are left on
// disk; deleting them is the caller's decision.
func (r *Registry) RemoveRuntime(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.cfg.Entries {
		if e.ID == id {
			r.cfg.Entries = append(r.cfg.Entries[:i], r.cfg.Entries[i+1:]...)
			if r.cfg.DefaultRuntimeID == id {
				r.cfg.DefaultRuntimeID = ""
			}
			return r.saveLocked()
		}
	}
	return ErrNotFound
}

// AssociateConsumer links a consumer environment to the runtime it was
// provisioned from and stamps LastUsed.
func (r *Registry) AssociateConsumer(id, consumer string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.cfg.find(id)
	if e == nil {
		return
	}
	for _, c := range e.AssociatedConsumers {
		if c == consumer {
			e.LastUsed = time.Now().UTC()
			_ = r.saveLocked()
			return
		}
	}
	e.AssociatedConsumers = append(e.AssociatedConsumers, consumer)
	e.LastUsed = time.Now().UTC()
	_ = r.saveLocked()
}

// RecordInstalledPackage notes a package version present in the runtime.
func (r *Registry) RecordInstalledPackage(id, pkg, version string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.cfg.find(id)
	if e == nil {
		return
	}
	if e.InstalledPackages == nil {
		e.InstalledPackages = make(map[string]string)
	}
	e.InstalledPackages[pkg] = version
	_ = r.saveLocked()
}

func (r *Registry) transition(id string, status RuntimeStatus, lastErr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.cfg.find(id)
	if e == nil {
		return
	}
	e.Status = status
	if lastErr != "" {
		e.LastError = lastErr
		e.Errors = append(e.Errors, lastErr)
	}
	_ = r.saveLocked()
}

// saveLocked persists the registry file atomically. Callers hold r.mu.
func (r *Registry) saveLocked() error {
	if r.opts.ConfigPath == "" {
		return nil
	}
	b, err := json.MarshalIndent(&r.cfg, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(r.opts.ConfigPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	tmp := r.opts.ConfigPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, r.opts.ConfigPath)
}

func (r *Registry) record(t history.EventType, subject, status, detail string) {
	r.opts.Recorder.Record(context.Background(), history.Event{
		Type: t, Subject: subject, Status: status, Detail: detail,
	})
}

func snapshot(e *Entry) Entry {
	out := *e
	out.InstalledPackages = copyMap(e.InstalledPackages)
	out.Config = copyMap(e.Config)
	out.AssociatedConsumers = append([]string(nil), e.AssociatedConsumers...)
	out.Warnings = append([]string(nil), e.Warnings...)
	out.Errors = append([]string(nil), e.Errors...)
	return out
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

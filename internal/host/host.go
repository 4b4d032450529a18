// Package host wires the runtime registry, environment provisioner and
// backend launcher into one lifecycle and provides the cross-component
// orchestration: ensuring a default runtime exists, rooting environments
// at it, and starting backends against those environments.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/pyhost/pyhost/internal/backend"
	"github.com/pyhost/pyhost/internal/config"
	"github.com/pyhost/pyhost/internal/diagnostics"
	"github.com/pyhost/pyhost/internal/history"
	historyfactory "github.com/pyhost/pyhost/internal/history/factory"
	"github.com/pyhost/pyhost/internal/launcher"
	"github.com/pyhost/pyhost/internal/metrics"
	"github.com/pyhost/pyhost/internal/registry"
	"github.com/pyhost/pyhost/internal/store"
	"github.com/pyhost/pyhost/internal/venv"
)

// DefaultRuntimeName is the managed runtime created by Init when the
// registry is empty.
const DefaultRuntimeName = "Default-Embedded"

// DefaultConsumer is the environment provisioned when a backend start
// names no environment.
const DefaultConsumer = "runtime-host"

// Host owns the configured services. Construct with New, dispose with
// Close.
type Host struct {
	cfg      *config.FileConfig
	logger   *slog.Logger
	store    store.Store
	recorder *history.Recorder

	registry    *registry.Registry
	provisioner *venv.Provisioner
	launcher    *launcher.Launcher
}

// Option adjusts optional construction behavior.
type Option func(*options)

type options struct {
	progress registry.ProgressSink
}

// WithProgress routes runtime download progress samples to sink.
func WithProgress(sink registry.ProgressSink) Option {
	return func(o *options) { o.progress = sink }
}

// New builds a Host from configuration. The registry file is loaded if
// present; nothing is created on disk until an operation needs it.
func New(ctx context.Context, cfg *config.FileConfig, opts ...Option) (*Host, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	log := cfg.Log.NewSlog(os.Stderr)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		log.Warn("metrics registration failed", "err", err)
	}

	st, err := store.New(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.EnsureSchema(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("store schema: %w", err)
	}

	var sinks []history.Sink
	for _, dsn := range cfg.History.DSNs {
		sink, err := historyfactory.NewSinkFromDSN(dsn)
		if err != nil {
			log.Warn("history sink unavailable", "dsn", dsn, "err", err)
			continue
		}
		sinks = append(sinks, sink)
	}
	rec := history.NewRecorder(sinks...)

	regOpts := cfg.RegistryOptions()
	regOpts.Logger = log
	regOpts.Recorder = rec
	regOpts.Download.Progress = o.progress
	reg := registry.New(regOpts)
	if err := reg.Initialize(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}

	prov := venv.New(venv.Options{
		Root:     cfg.Venv.Root,
		Store:    st,
		PipArgs:  cfg.Venv.PipArgs,
		Logger:   log,
		Recorder: rec,
	})

	l := launcher.New(launcher.Options{
		RunDir:         cfg.Backend.RunDir,
		Log:            cfg.Log,
		StartTimeout:   cfg.Backend.StartTimeout,
		HealthInterval: cfg.Backend.HealthInterval,
		StopGrace:      cfg.Backend.StopGrace,
		Logger:         log,
		Recorder:       rec,
	})

	return &Host{
		cfg:         cfg,
		logger:      log,
		store:       st,
		recorder:    rec,
		registry:    reg,
		provisioner: prov,
		launcher:    l,
	}, nil
}

func (h *Host) Registry() *registry.Registry   { return h.registry }
func (h *Host) Provisioner() *venv.Provisioner { return h.provisioner }
func (h *Host) Launcher() *launcher.Launcher   { return h.launcher }
func (h *Host) Config() *config.FileConfig     { return h.cfg }
func (h *Host) Logger() *slog.Logger           { return h.logger }

// Init makes the host usable on a fresh machine: it registers the default
// embedded runtime if none exists and initializes it (downloading a
// distribution when the machine has no interpreter).
func (h *Host) Init(ctx context.Context) (registry.Entry, error) {
	def, err := h.registry.GetDefaultRuntime()
	if err == nil {
		if ok, ierr := h.registry.InitializeRuntime(ctx, def.ID); ierr != nil {
			return registry.Entry{}, ierr
		} else if ok {
			return h.registry.GetRuntime(def.ID)
		}
	}

	// no usable default yet; create and initialize the embedded one
	id := ""
	for _, e := range h.registry.GetAvailableRuntimes() {
		if e.Name == DefaultRuntimeName && e.Managed {
			id = e.ID
			break
		}
	}
	if id == "" {
		id, err = h.registry.CreateManagedRuntime(DefaultRuntimeName, registry.TypeEmbedded)
		if err != nil {
			return registry.Entry{}, err
		}
	}
	ok, err := h.registry.InitializeRuntime(ctx, id)
	if err != nil {
		return registry.Entry{}, err
	}
	if !ok {
		e, _ := h.registry.GetRuntime(id)
		return e, fmt.Errorf("runtime initialization failed: %s (run init again after fixing the cause)", e.LastError)
	}
	if derr := h.registry.SetDefaultRuntime(id); derr != nil {
		return registry.Entry{}, derr
	}
	return h.registry.GetRuntime(id)
}

// defaultInterpreter returns the interpreter of the default Ready runtime.
func (h *Host) defaultInterpreter(ctx context.Context) (string, registry.Entry, error) {
	def, err := h.registry.GetDefaultRuntime()
	if err != nil {
		return "", registry.Entry{}, errors.New("no runtime available (run the init command first)")
	}
	if def.Status != registry.StatusReady {
		if _, err := h.registry.InitializeRuntime(ctx, def.ID); err != nil {
			return "", registry.Entry{}, err
		}
		if def, err = h.registry.GetRuntime(def.ID); err != nil {
			return "", registry.Entry{}, err
		}
		if def.Status != registry.StatusReady {
			return "", def, fmt.Errorf("default runtime not ready: %s", def.LastError)
		}
	}
	py := diagnostics.InterpreterIn(def.Path)
	if py == "" {
		return "", def, fmt.Errorf("default runtime %s has no interpreter at %s", def.Name, def.Path)
	}
	return py, def, nil
}

// EnsureEnvironment provisions (or returns) the environment for a consumer
// name, rooted at the default runtime, and links the association in the
// registry.
func (h *Host) EnsureEnvironment(ctx context.Context, name string) (string, error) {
	py, def, err := h.defaultInterpreter(ctx)
	if err != nil {
		return "", err
	}
	path, err := h.provisioner.EnsureEnvironment(ctx, name, py)
	if err != nil {
		return "", err
	}
	h.registry.AssociateConsumer(def.ID, name)
	return path, nil
}

// EnsureAdminEnvironment provisions the reserved maintenance environment.
func (h *Host) EnsureAdminEnvironment(ctx context.Context) (string, error) {
	py, _, err := h.defaultInterpreter(ctx)
	if err != nil {
		return "", err
	}
	return h.provisioner.EnsureAdminEnvironment(ctx, py)
}

// StartBackend starts a backend of the given type. An empty venvPath
// auto-provisions the default consumer environment. RPC backends get their
// server dependency installed before launch.
func (h *Host) StartBackend(ctx context.Context, typ backend.Type, venvPath string, port int) (*launcher.Handle, error) {
	if venvPath == "" {
		p, err := h.EnsureEnvironment(ctx, DefaultConsumer)
		if err != nil {
			return nil, err
		}
		venvPath = p
	}
	if typ == backend.TypeRPC {
		if name, ok := h.consumerFor(ctx, venvPath); ok {
			if err := h.provisioner.InstallPackages(ctx, name, venv.PackageSpec{Name: "grpcio"}); err != nil {
				return nil, err
			}
		}
	}
	return h.launcher.Start(ctx, venvPath, typ, port)
}

// consumerFor maps a venv path back to its consumer name.
func (h *Host) consumerFor(ctx context.Context, venvPath string) (string, bool) {
	recs, err := h.provisioner.ListEnvironments(ctx)
	if err != nil {
		return "", false
	}
	for _, r := range recs {
		if r.Path == venvPath {
			return r.Name, true
		}
	}
	return "", false
}

// Connect returns a contract bound to a running backend's endpoint.
func (h *Host) Connect(ctx context.Context, venvPath string, typ backend.Type) (backend.Contract, error) {
	hd, ok := h.launcher.Get(venvPath, typ)
	if !ok || hd.State() != launcher.StateRunning {
		return nil, fmt.Errorf("no running %s backend for %s", typ, venvPath)
	}
	c, err := backend.New(typ, hd.Endpoint())
	if err != nil {
		return nil, err
	}
	if err := c.Initialize(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Close stops running backends and releases resources.
func (h *Host) Close(ctx context.Context) error {
	h.launcher.StopAll(ctx)
	var errs []error
	if err := h.recorder.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := h.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

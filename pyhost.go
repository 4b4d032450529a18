package pyhost

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/pyhost/pyhost/internal/backend"
	cfg "github.com/pyhost/pyhost/internal/config"
	"github.com/pyhost/pyhost/internal/host"
	"github.com/pyhost/pyhost/internal/launcher"
	"github.com/pyhost/pyhost/internal/metrics"
	"github.com/pyhost/pyhost/internal/registry"
	iapi "github.com/pyhost/pyhost/internal/server"
	"github.com/pyhost/pyhost/internal/venv"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.FileConfig

type RuntimeEntry = registry.Entry

type BackendType = backend.Type

const (
	BackendHTTP = backend.TypeHTTP
	BackendPipe = backend.TypePipe
	BackendRPC  = backend.TypeRPC
)

type BackendStatus = launcher.Status

type PackageSpec = venv.PackageSpec

// Contract is the uniform remote-execution surface. Remote exceptions are
// *RemoteError values; transport failures are *TransportError values.
type Contract = backend.Contract

type RemoteError = backend.RemoteError

type TransportError = backend.TransportError

// Host is a thin facade over internal/host.Host.
// It provides a stable public API for embedding.

type Host struct{ inner *host.Host }

// New builds a Host from configuration. A nil cfg uses the defaults rooted
// at ~/.pyhost.
func New(ctx context.Context, c *Config) (*Host, error) {
	if c == nil {
		c = cfg.Default()
	}
	h, err := host.New(ctx, c)
	if err != nil {
		return nil, err
	}
	return &Host{inner: h}, nil
}

// Init ensures a usable default runtime exists, downloading a standalone
// distribution if the machine has none.
func (h *Host) Init(ctx context.Context) (RuntimeEntry, error) { return h.inner.Init(ctx) }

// EnsureEnvironment provisions (or returns) the environment for a consumer
// name rooted at the default runtime.
func (h *Host) EnsureEnvironment(ctx context.Context, name string) (string, error) {
	return h.inner.EnsureEnvironment(ctx, name)
}

// InstallPackages installs packages into a provisioned environment.
func (h *Host) InstallPackages(ctx context.Context, envName string, pkgs ...PackageSpec) error {
	return h.inner.Provisioner().InstallPackages(ctx, envName, pkgs...)
}

// DeleteEnvironment removes an environment. It reports success and never
// returns an error.
func (h *Host) DeleteEnvironment(ctx context.Context, name string) bool {
	return h.inner.Provisioner().DeleteEnvironment(ctx, name)
}

// StartBackend launches an execution backend. An empty venvPath provisions
// the default environment first.
func (h *Host) StartBackend(ctx context.Context, typ BackendType, venvPath string, port int) (BackendStatus, error) {
	hd, err := h.inner.StartBackend(ctx, typ, venvPath, port)
	if err != nil {
		return BackendStatus{}, err
	}
	return hd.Snapshot(), nil
}

// StopBackend stops the backend for the venv/type pair. Stopping a backend
// that is not running is a no-op.
func (h *Host) StopBackend(ctx context.Context, typ BackendType, venvPath string) error {
	hd, ok := h.inner.Launcher().Get(venvPath, typ)
	if !ok {
		return nil
	}
	return h.inner.Launcher().Stop(ctx, hd)
}

// Backends snapshots all known backend handles.
func (h *Host) Backends() []BackendStatus { return h.inner.Launcher().Handles() }

// Connect returns a Contract bound to a running backend.
func (h *Host) Connect(ctx context.Context, venvPath string, typ BackendType) (Contract, error) {
	return h.inner.Connect(ctx, venvPath, typ)
}

// Close stops running backends and releases resources.
func (h *Host) Close(ctx context.Context) error { return h.inner.Close(ctx) }

// EvaluateAs evaluates an expression on a contract and deserializes the
// result into T.
func EvaluateAs[T any](ctx context.Context, c Contract, expression string, locals map[string]any) (T, error) {
	return backend.EvaluateAs[T](ctx, c, expression, locals)
}

func LoadConfig(path string) (*Config, error) {
	return cfg.Load(path)
}

// NewHTTPServer starts the management REST server for the given host.
func NewHTTPServer(addr, basePath string, h *Host) *http.Server {
	return iapi.NewServer(addr, basePath, h.inner)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the
// default registry. It runs in the caller goroutine.
func ServeMetrics(addr string) error {
	http.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           nil,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}

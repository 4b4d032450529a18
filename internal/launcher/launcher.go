// Package launcher spawns execution servers inside provisioned virtual
// environments and supervises them through an explicit state machine:
// NotStarted, Starting, Running, Stopping, Stopped, with Failed reachable
// from Starting (spawn error, early exit, readiness timeout) and from
// Running (crash). At most one non-terminal handle exists per
// (venvPath, backendType) pair.
package launcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/pyhost/pyhost/internal/backend"
	"github.com/pyhost/pyhost/internal/diagnostics"
	"github.com/pyhost/pyhost/internal/history"
	"github.com/pyhost/pyhost/internal/launcher/scripts"
	"github.com/pyhost/pyhost/internal/logger"
	"github.com/pyhost/pyhost/internal/metrics"
)

// ProcessLaunchError covers spawn failures, early exits and readiness
// timeouts.
type ProcessLaunchError struct {
	VenvPath    string
	BackendType backend.Type
	Err         error
}

func (e *ProcessLaunchError) Error() string {
	return fmt.Sprintf("launch %s backend in %s: %v (inspect the backend log files for server output)", e.BackendType, e.VenvPath, e.Err)
}

func (e *ProcessLaunchError) Unwrap() error { return e.Err }

// Options configure a Launcher.
type Options struct {
	// RunDir holds materialized server scripts and pipe sockets.
	RunDir string
	// Log supplies per-backend stdout/stderr capture.
	Log logger.Config
	// StartTimeout bounds the readiness poll. Default 60s.
	StartTimeout time.Duration
	// HealthInterval is the poll period. Default 500ms.
	HealthInterval time.Duration
	// StopGrace is how long Stop waits after the termination request
	// before force-killing. Default 5s.
	StopGrace time.Duration
	Logger    *slog.Logger
	Recorder  *history.Recorder
}

// Launcher starts and stops backend processes. Safe for concurrent use.
type Launcher struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	handles map[string]*Handle

	scriptsOnce sync.Once
	scriptsErr  error

	// probe confirms a backend accepts requests. Swapped in tests.
	probe func(ctx context.Context, typ backend.Type, endpoint string) error
}

func New(opts Options) *Launcher {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = 60 * time.Second
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 500 * time.Millisecond
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 5 * time.Second
	}
	return &Launcher{
		opts:    opts,
		logger:  opts.Logger.With("component", "launcher"),
		handles: make(map[string]*Handle),
		probe:   probeTransport,
	}
}

func probeTransport(ctx context.Context, typ backend.Type, endpoint string) error {
	c, err := backend.New(typ, endpoint)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()
	return c.Initialize(ctx)
}

func key(venvPath string, typ backend.Type) string {
	return venvPath + "|" + string(typ)
}

// Start spawns the server for backendType inside venvPath and waits until
// its readiness probe succeeds. port selects the listen port for HTTP and
// RPC; 0 picks a free one. On readiness timeout or early exit the spawned
// process is terminated before the error returns, so no orphan survives a
// failed Start.
func (l *Launcher) Start(ctx context.Context, venvPath string, typ backend.Type, port int) (*Handle, error) {
	py := diagnostics.InterpreterIn(venvPath)
	if py == "" {
		return nil, &ProcessLaunchError{VenvPath: venvPath, BackendType: typ, Err: errors.New("no interpreter in environment")}
	}

	h := newHandle(venvPath, typ)
	l.mu.Lock()
	if prev, ok := l.handles[key(venvPath, typ)]; ok && !prev.State().terminal() {
		l.mu.Unlock()
		return nil, &ProcessLaunchError{VenvPath: venvPath, BackendType: typ, Err: errors.New("backend already running for this environment")}
	}
	l.handles[key(venvPath, typ)] = h
	l.mu.Unlock()

	begin := time.Now()
	endpoint, err := l.launch(ctx, h, py, typ, port)
	if err != nil {
		h.transition(StateFailed)
		metrics.IncBackendStart("failed")
		l.record(ctx, history.EventBackendStart, venvPath, "failed", err.Error())
		return nil, err
	}

	h.transition(StateRunning)
	metrics.IncBackendStart(string(typ))
	metrics.ObserveBackendStartDuration(string(typ), time.Since(begin).Seconds())
	l.record(ctx, history.EventBackendStart, venvPath, "running", endpoint)
	l.logger.Info("backend running", "type", typ, "endpoint", endpoint, "pid", h.processPID())
	return h, nil
}

func (l *Launcher) launch(ctx context.Context, h *Handle, py string, typ backend.Type, port int) (string, error) {
	scriptDir, err := l.ensureScripts()
	if err != nil {
		return "", &ProcessLaunchError{VenvPath: h.venvPath, BackendType: typ, Err: err}
	}

	endpoint, args, err := l.serverArgs(typ, h.venvPath, port)
	if err != nil {
		return "", &ProcessLaunchError{VenvPath: h.venvPath, BackendType: typ, Err: err}
	}

	h.transition(StateStarting)

	cmd := exec.Command(py, args...) // #nosec G204 -- py resolved from the venv layout
	cmd.Dir = scriptDir
	setSysProcAttr(cmd)

	name := filepath.Base(h.venvPath) + "-" + string(typ)
	outW, errW, werr := l.opts.Log.ProcessWriters(name)
	if werr != nil {
		l.logger.Warn("backend log capture unavailable", "name", name, "err", werr)
	}
	if outW != nil {
		cmd.Stdout = outW
	}
	if errW != nil {
		cmd.Stderr = errW
	}
	h.setWriters(outW, errW)

	if err := cmd.Start(); err != nil {
		h.closeWriters()
		return "", &ProcessLaunchError{VenvPath: h.venvPath, BackendType: typ, Err: err}
	}
	h.setStarted(cmd, endpoint)

	// the monitor owns cmd.Wait for the whole process lifetime; crash
	// detection is independent of the request that started the backend
	wd := h.waitDoneChan()
	go l.monitor(h, cmd)

	if err := l.awaitReady(ctx, h, typ, endpoint, wd); err != nil {
		l.terminate(h)
		return "", err
	}
	return endpoint, nil
}

func (l *Launcher) serverArgs(typ backend.Type, venvPath string, port int) (string, []string, error) {
	switch typ {
	case backend.TypeHTTP:
		p, err := resolvePort(port)
		if err != nil {
			return "", nil, err
		}
		return fmt.Sprintf("http://127.0.0.1:%d", p), []string{scripts.HTTPServer, "--port", strconv.Itoa(p)}, nil
	case backend.TypePipe:
		sock := l.socketPath(venvPath)
		_ = os.Remove(sock)
		return sock, []string{scripts.PipeServer, "--socket", sock}, nil
	case backend.TypeRPC:
		p, err := resolvePort(port)
		if err != nil {
			return "", nil, err
		}
		addr := fmt.Sprintf("127.0.0.1:%d", p)
		return addr, []string{scripts.RPCServer, "--address", addr}, nil
	default:
		return "", nil, fmt.Errorf("unknown backend type %q", typ)
	}
}

// socketPath keeps pipe socket names short and collision-free; unix socket
// paths have a hard length limit.
func (l *Launcher) socketPath(venvPath string) string {
	sum := sha256.Sum256([]byte(venvPath))
	return filepath.Join(l.opts.RunDir, "be-"+hex.EncodeToString(sum[:6])+".sock")
}

func resolvePort(port int) (int, error) {
	if port > 0 {
		return port, nil
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	p := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return p, nil
}

func (l *Launcher) ensureScripts() (string, error) {
	dir := filepath.Join(l.opts.RunDir, "scripts")
	l.scriptsOnce.Do(func() {
		l.scriptsErr = scripts.Write(dir)
	})
	return dir, l.scriptsErr
}

// awaitReady polls the transport probe until success, overall timeout,
// caller cancellation, or early process exit.
func (l *Launcher) awaitReady(ctx context.Context, h *Handle, typ backend.Type, endpoint string, wd chan struct{}) error {
	deadline := time.NewTimer(l.opts.StartTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(l.opts.HealthInterval)
	defer tick.Stop()

	for {
		probeCtx, cancel := context.WithTimeout(ctx, l.opts.HealthInterval*4)
		err := l.probe(probeCtx, typ, endpoint)
		cancel()
		if err == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wd:
			st := h.Snapshot()
			return &ProcessLaunchError{VenvPath: h.venvPath, BackendType: typ,
				Err: fmt.Errorf("server exited during startup: %v", st.ExitErr)}
		case <-deadline.C:
			return &ProcessLaunchError{VenvPath: h.venvPath, BackendType: typ,
				Err: fmt.Errorf("not ready after %s", l.opts.StartTimeout)}
		case <-tick.C:
		}
	}
}

// monitor reaps the process and classifies unexpected exits.
func (l *Launcher) monitor(h *Handle, cmd *exec.Cmd) {
	err := cmd.Wait()
	h.markExited(err)
	h.closeWriters()
	if h.State() == StateRunning && !h.stopRequested() {
		l.logger.Warn("backend exited unexpectedly", "type", h.backendType, "venv", h.venvPath, "err", err)
		h.transition(StateFailed)
		metrics.SetCurrentState(string(h.backendType), string(StateRunning), false)
	}
}

// terminate force-stops a process that never reached Running.
func (l *Launcher) terminate(h *Handle) {
	pid := h.processPID()
	if pid == 0 {
		return
	}
	wd := h.waitDoneChan()
	h.setStopRequested()
	terminateProcess(pid)
	if wd != nil {
		select {
		case <-wd:
			return
		case <-time.After(2 * time.Second):
		}
	}
	killProcess(pid)
	if wd != nil {
		select {
		case <-wd:
		case <-time.After(time.Second):
		}
	}
}

// Stop brings the backend down. Idempotent: stopping an already-terminal
// handle is a no-op. A running process gets the graceful termination
// request first and is force-killed after the grace period.
func (l *Launcher) Stop(ctx context.Context, h *Handle) error {
	st := h.State()
	if st.terminal() {
		return nil
	}
	if st == StateNotStarted {
		h.transition(StateStopped)
		return nil
	}

	h.setStopRequested()
	h.transition(StateStopping)
	pid := h.processPID()
	wd := h.waitDoneChan()
	if pid != 0 {
		terminateProcess(pid)
		if wd != nil {
			select {
			case <-wd:
			case <-ctx.Done():
				killProcess(pid)
				h.transition(StateStopped)
				return ctx.Err()
			case <-time.After(l.opts.StopGrace):
				killProcess(pid)
				select {
				case <-wd:
				case <-time.After(time.Second):
				}
			}
		}
	}
	if h.backendType == backend.TypePipe {
		_ = os.Remove(l.socketPath(h.venvPath))
	}
	h.transition(StateStopped)
	metrics.IncBackendStop(string(h.backendType))
	l.record(ctx, history.EventBackendStop, h.venvPath, "stopped", string(h.backendType))
	l.logger.Info("backend stopped", "type", h.backendType, "venv", h.venvPath)
	return nil
}

// StopAll stops every non-terminal backend; used on host shutdown.
func (l *Launcher) StopAll(ctx context.Context) {
	l.mu.Lock()
	hs := make([]*Handle, 0, len(l.handles))
	for _, h := range l.handles {
		hs = append(hs, h)
	}
	l.mu.Unlock()
	for _, h := range hs {
		_ = l.Stop(ctx, h)
	}
}

// Get returns the current handle for a (venvPath, backendType) pair.
func (l *Launcher) Get(venvPath string, typ backend.Type) (*Handle, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.handles[key(venvPath, typ)]
	return h, ok
}

// Handles returns snapshots of all known backends.
func (l *Launcher) Handles() []Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Status, 0, len(l.handles))
	for _, h := range l.handles {
		out = append(out, h.Snapshot())
	}
	return out
}

func (l *Launcher) record(ctx context.Context, t history.EventType, subject, status, detail string) {
	l.opts.Recorder.Record(ctx, history.Event{Type: t, Subject: subject, Status: status, Detail: detail})
}

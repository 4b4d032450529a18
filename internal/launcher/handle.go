package launcher

import (
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/pyhost/pyhost/internal/backend"
	"github.com/pyhost/pyhost/internal/metrics"
)

// State is the backend process lifecycle state.
type State string

const (
	StateNotStarted State = "not_started"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateStopping   State = "stopping"
	StateStopped    State = "stopped"
	StateFailed     State = "failed"
)

func (s State) terminal() bool {
	return s == StateStopped || s == StateFailed
}

// Handle represents one spawned backend process. It is created by
// Launcher.Start and owns the process state transitions; all methods are
// safe for concurrent use.
type Handle struct {
	venvPath    string
	backendType backend.Type

	mu        sync.Mutex
	state     State
	endpoint  string
	pid       int
	startedAt time.Time
	stoppedAt time.Time
	exitErr   error
	stopping  bool // Stop requested; the monitor must not report a crash

	cmd       *exec.Cmd
	waitDone  chan struct{} // closed by the monitor once cmd.Wait returns
	outCloser io.WriteCloser
	errCloser io.WriteCloser
}

func newHandle(venvPath string, typ backend.Type) *Handle {
	return &Handle{venvPath: venvPath, backendType: typ, state: StateNotStarted}
}

// Status is a point-in-time snapshot of a handle.
type Status struct {
	VenvPath    string
	BackendType backend.Type
	Endpoint    string
	PID         int
	State       State
	StartedAt   time.Time
	StoppedAt   time.Time
	ExitErr     error
}

func (h *Handle) Snapshot() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Status{
		VenvPath:    h.venvPath,
		BackendType: h.backendType,
		Endpoint:    h.endpoint,
		PID:         h.pid,
		State:       h.state,
		StartedAt:   h.startedAt,
		StoppedAt:   h.stoppedAt,
		ExitErr:     h.exitErr,
	}
}

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Endpoint returns the transport address, or "" unless the backend reached
// Running.
func (h *Handle) Endpoint() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateRunning {
		return ""
	}
	return h.endpoint
}

// transition moves the handle to a new state and records the change.
func (h *Handle) transition(to State) {
	h.mu.Lock()
	from := h.state
	h.state = to
	if to.terminal() {
		h.stoppedAt = time.Now()
	}
	h.mu.Unlock()
	if from == to {
		return
	}
	t := string(h.backendType)
	metrics.RecordStateTransition(t, string(from), string(to))
	metrics.SetCurrentState(t, string(from), false)
	metrics.SetCurrentState(t, string(to), true)
}

func (h *Handle) setStarted(cmd *exec.Cmd, endpoint string) {
	h.mu.Lock()
	h.cmd = cmd
	h.pid = cmd.Process.Pid
	h.endpoint = endpoint
	h.startedAt = time.Now()
	h.waitDone = make(chan struct{})
	h.stopping = false
	h.mu.Unlock()
}

func (h *Handle) setStopRequested() {
	h.mu.Lock()
	h.stopping = true
	h.mu.Unlock()
}

func (h *Handle) stopRequested() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopping
}

func (h *Handle) waitDoneChan() chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.waitDone
}

func (h *Handle) markExited(err error) {
	h.mu.Lock()
	h.exitErr = err
	wd := h.waitDone
	h.waitDone = nil
	h.mu.Unlock()
	if wd != nil {
		close(wd)
	}
}

func (h *Handle) processPID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (h *Handle) setWriters(out, errW io.WriteCloser) {
	h.mu.Lock()
	h.outCloser = out
	h.errCloser = errW
	h.mu.Unlock()
}

func (h *Handle) closeWriters() {
	h.mu.Lock()
	out, errW := h.outCloser, h.errCloser
	h.outCloser, h.errCloser = nil, nil
	h.mu.Unlock()
	if out != nil {
		_ = out.Close()
	}
	if errW != nil {
		_ = errW.Close()
	}
}

//go:build !windows

package launcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/pyhost/pyhost/internal/backend"
)

// fakeVenv builds a venv-shaped directory whose interpreter is a shell
// script, so launch mechanics are testable without a real runtime.
func fakeVenv(t *testing.T, script string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "bin"), 0o750); err != nil {
		t.Fatal(err)
	}
	body := "#!/bin/sh\n" + script + "\n"
	if err := os.WriteFile(filepath.Join(dir, "bin", "python3"), []byte(body), 0o700); err != nil {
		t.Fatal(err)
	}
	return dir
}

func newTestLauncher(t *testing.T) *Launcher {
	t.Helper()
	l := New(Options{
		RunDir:         t.TempDir(),
		StartTimeout:   2 * time.Second,
		HealthInterval: 20 * time.Millisecond,
		StopGrace:      500 * time.Millisecond,
	})
	t.Cleanup(func() { l.StopAll(context.Background()) })
	return l
}

func processGone(pid int) bool {
	return syscall.Kill(pid, 0) != nil
}

func TestStartAndStop(t *testing.T) {
	l := newTestLauncher(t)
	l.probe = func(context.Context, backend.Type, string) error { return nil }
	venv := fakeVenv(t, "sleep 60")

	h, err := l.Start(context.Background(), venv, backend.TypeHTTP, 0)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if h.State() != StateRunning {
		t.Fatalf("state = %s", h.State())
	}
	if h.Endpoint() == "" {
		t.Fatalf("no endpoint after successful start")
	}
	pid := h.processPID()
	if pid == 0 {
		t.Fatalf("no pid")
	}

	if err := l.Stop(context.Background(), h); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if h.State() != StateStopped {
		t.Fatalf("state after stop = %s", h.State())
	}
	if h.Endpoint() != "" {
		t.Fatalf("endpoint must be gone after stop")
	}
	if !processGone(pid) {
		t.Fatalf("process %d survived Stop", pid)
	}
	// idempotent
	if err := l.Stop(context.Background(), h); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestStartReadinessTimeoutLeavesNoOrphan(t *testing.T) {
	l := newTestLauncher(t)
	l.opts.StartTimeout = 200 * time.Millisecond
	l.probe = func(context.Context, backend.Type, string) error { return errors.New("not ready") }
	venv := fakeVenv(t, "sleep 60")

	h, err := l.Start(context.Background(), venv, backend.TypeHTTP, 0)
	var lerr *ProcessLaunchError
	if !errors.As(err, &lerr) {
		t.Fatalf("want ProcessLaunchError, got %v (handle %v)", err, h)
	}
	got, ok := l.Get(venv, backend.TypeHTTP)
	if !ok || got.State() != StateFailed {
		t.Fatalf("handle state: %v", got.State())
	}
	pid := got.processPID()
	if pid != 0 && !processGone(pid) {
		t.Fatalf("orphan process %d after failed start", pid)
	}
}

func TestStartEarlyExitFails(t *testing.T) {
	l := newTestLauncher(t)
	l.probe = func(context.Context, backend.Type, string) error { return errors.New("not yet") }
	venv := fakeVenv(t, "exit 3")

	_, err := l.Start(context.Background(), venv, backend.TypeHTTP, 0)
	var lerr *ProcessLaunchError
	if !errors.As(err, &lerr) {
		t.Fatalf("want ProcessLaunchError, got %v", err)
	}
}

func TestStartMissingInterpreter(t *testing.T) {
	l := newTestLauncher(t)
	_, err := l.Start(context.Background(), t.TempDir(), backend.TypeHTTP, 0)
	var lerr *ProcessLaunchError
	if !errors.As(err, &lerr) {
		t.Fatalf("want ProcessLaunchError, got %v", err)
	}
}

func TestStartCancellation(t *testing.T) {
	l := newTestLauncher(t)
	l.probe = func(context.Context, backend.Type, string) error { return errors.New("not ready") }
	venv := fakeVenv(t, "sleep 60")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := l.Start(ctx, venv, backend.TypeHTTP, 0)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("cancellation must propagate, got %v", err)
	}
	got, _ := l.Get(venv, backend.TypeHTTP)
	pid := got.processPID()
	if pid != 0 && !processGone(pid) {
		t.Fatalf("orphan process %d after cancelled start", pid)
	}
}

func TestSingleRunningPerPair(t *testing.T) {
	l := newTestLauncher(t)
	l.probe = func(context.Context, backend.Type, string) error { return nil }
	venv := fakeVenv(t, "sleep 60")

	h, err := l.Start(context.Background(), venv, backend.TypeHTTP, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Start(context.Background(), venv, backend.TypeHTTP, 0); err == nil {
		t.Fatalf("second Start for the same pair must fail")
	}
	// a different transport on the same venv is allowed
	h2, err := l.Start(context.Background(), venv, backend.TypePipe, 0)
	if err != nil {
		t.Fatalf("pipe backend alongside http: %v", err)
	}
	_ = l.Stop(context.Background(), h2)

	if err := l.Stop(context.Background(), h); err != nil {
		t.Fatal(err)
	}
	// after Stop the pair is free again
	h3, err := l.Start(context.Background(), venv, backend.TypeHTTP, 0)
	if err != nil {
		t.Fatalf("restart after stop: %v", err)
	}
	_ = l.Stop(context.Background(), h3)
}

func TestCrashDetection(t *testing.T) {
	l := newTestLauncher(t)
	l.probe = func(context.Context, backend.Type, string) error { return nil }
	venv := fakeVenv(t, "sleep 60")

	h, err := l.Start(context.Background(), venv, backend.TypeHTTP, 0)
	if err != nil {
		t.Fatal(err)
	}
	killProcess(h.processPID())

	deadline := time.Now().Add(3 * time.Second)
	for h.State() != StateFailed {
		if time.Now().After(deadline) {
			t.Fatalf("crash not detected, state %s", h.State())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if st := h.Snapshot(); st.ExitErr == nil {
		t.Fatalf("exit error not captured")
	}
}

func TestHandlesSnapshot(t *testing.T) {
	l := newTestLauncher(t)
	l.probe = func(context.Context, backend.Type, string) error { return nil }
	venv := fakeVenv(t, "sleep 60")
	h, err := l.Start(context.Background(), venv, backend.TypeRPC, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = l.Stop(context.Background(), h) }()

	hs := l.Handles()
	if len(hs) != 1 || hs[0].BackendType != backend.TypeRPC || hs[0].State != StateRunning {
		t.Fatalf("handles: %+v", hs)
	}
	if hs[0].PID == 0 || hs[0].StartedAt.IsZero() {
		t.Fatalf("snapshot detail: %+v", hs[0])
	}
}

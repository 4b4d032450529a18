package host

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pyhost/pyhost/internal/backend"
	"github.com/pyhost/pyhost/internal/config"
	"github.com/pyhost/pyhost/internal/registry"
	"github.com/pyhost/pyhost/internal/store"
)

// fakeELF is a minimal 64-bit ELF header, enough for DetectArch.
func fakeELF() []byte {
	b := make([]byte, 64)
	copy(b, []byte{0x7f, 'E', 'L', 'F'})
	b[4] = 2
	return b
}

// distTarGz builds an install_only-style tarball with a stub interpreter.
func distTarGz(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	add := func(name string, body []byte) {
		hdr := &tar.Header{Name: name, Mode: 0o755, Size: int64(len(body)), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("tar header: %v", err)
		}
		if _, err := tw.Write(body); err != nil {
			t.Fatalf("tar body: %v", err)
		}
	}
	add("python/bin/python3.12", fakeELF())
	add("python/bin/python3", fakeELF())
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func newDistServer(t *testing.T) *httptest.Server {
	t.Helper()
	body := distTarGz(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestHost(t *testing.T, distURL string) *Host {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.FileConfig{Home: dir}
	cfg.Registry.Path = filepath.Join(dir, "registry.json")
	cfg.Registry.ManagedRoot = filepath.Join(dir, "managed")
	cfg.Registry.Download.URL = distURL
	cfg.Venv.Root = dir
	cfg.Backend.RunDir = filepath.Join(dir, "run")
	cfg.Store = store.Config{Type: "memory"}
	h, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = h.Close(context.Background()) })
	return h
}

func TestInitRegistersAndInitializesDefault(t *testing.T) {
	srv := newDistServer(t)
	h := newTestHost(t, srv.URL+"/dist.tar.gz")

	e, err := h.Init(context.Background())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if e.Name != DefaultRuntimeName || !e.Managed {
		t.Fatalf("unexpected entry: %#v", e)
	}
	if e.Status != registry.StatusReady {
		t.Fatalf("expected ready runtime, got %s", e.Status)
	}

	def, err := h.Registry().GetDefaultRuntime()
	if err != nil || def.ID != e.ID {
		t.Fatalf("default runtime not set: %v", err)
	}

	// A second Init reuses the same entry.
	e2, err := h.Init(context.Background())
	if err != nil {
		t.Fatalf("second Init: %v", err)
	}
	if e2.ID != e.ID {
		t.Fatalf("Init created a second runtime: %s vs %s", e2.ID, e.ID)
	}
}

func TestInitReportsDownloadFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer srv.Close()
	h := newTestHost(t, srv.URL+"/missing.tar.gz")

	_, err := h.Init(context.Background())
	if err == nil || !strings.Contains(err.Error(), "run init again") {
		t.Fatalf("expected failure with remediation hint, got %v", err)
	}
}

func TestEnsureEnvironmentWithoutRuntime(t *testing.T) {
	h := newTestHost(t, "http://127.0.0.1:1/unreachable.tar.gz")

	_, err := h.EnsureEnvironment(context.Background(), "app")
	if err == nil || !strings.Contains(err.Error(), "no runtime available") {
		t.Fatalf("expected missing-runtime error, got %v", err)
	}
}

func TestConnectWithoutBackend(t *testing.T) {
	srv := newDistServer(t)
	h := newTestHost(t, srv.URL+"/dist.tar.gz")

	_, err := h.Connect(context.Background(), "/nowhere", backend.TypeHTTP)
	if err == nil || !strings.Contains(err.Error(), "no running") {
		t.Fatalf("expected no-backend error, got %v", err)
	}
}

func TestCloseIsIdempotentEnough(t *testing.T) {
	srv := newDistServer(t)
	h := newTestHost(t, srv.URL+"/dist.tar.gz")
	if err := h.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

package registry

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

// fakeELF is a minimal 64-bit ELF header, enough for DetectArch.
func fakeELF() []byte {
	b := make([]byte, 64)
	copy(b, []byte{0x7f, 'E', 'L', 'F'})
	b[4] = 2
	return b
}

// distTarGz builds an install_only-style tarball: python/bin/python3 plus a
// version-bearing sibling.
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
	add("python/lib/libpython3.12.so", []byte{1})
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func newTestRegistry(t *testing.T, dl DownloadOptions) *Registry {
	t.Helper()
	dir := t.TempDir()
	r := New(Options{
		ConfigPath:  filepath.Join(dir, "registry.json"),
		ManagedRoot: filepath.Join(dir, "managed"),
		Download:    dl,
	})
	if err := r.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return r
}

func TestInitializeMissingFileIsNoop(t *testing.T) {
	r := newTestRegistry(t, DownloadOptions{})
	if err := r.Initialize(context.Background()); err != nil {
		t.Fatalf("second Initialize: %v", err)
	}
	if got := r.GetAvailableRuntimes(); len(got) != 0 {
		t.Fatalf("expected empty registry, got %d entries", len(got))
	}
}

func TestCreateManagedRuntime(t *testing.T) {
	r := newTestRegistry(t, DownloadOptions{})
	id, err := r.CreateManagedRuntime("Default-Embedded", TypeEmbedded)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	e, err := r.GetRuntime(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if e.Status != StatusNotInitialized || !e.Managed || e.Type != TypeEmbedded {
		t.Fatalf("entry: %+v", e)
	}
	if _, err := r.CreateManagedRuntime("Default-Embedded", TypeEmbedded); err == nil {
		t.Fatalf("expected name collision error")
	}
}

func TestRegistryPersistence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.json")
	r := New(Options{ConfigPath: path, ManagedRoot: dir})
	if err := r.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	id, err := r.CreateManagedRuntime("persisted", TypeEmbedded)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.SetDefaultRuntime(id); err != nil {
		t.Fatal(err)
	}

	// fresh instance reloads the same state
	r2 := New(Options{ConfigPath: path, ManagedRoot: dir})
	if err := r2.Initialize(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	e, err := r2.GetRuntime(id)
	if err != nil {
		t.Fatalf("entry lost on reload: %v", err)
	}
	if e.Name != "persisted" {
		t.Fatalf("entry: %+v", e)
	}
}

func TestRegistryRejectsDanglingDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.json")
	if err := os.WriteFile(path, []byte(`{"default_runtime_id":"ghost","entries":[]}`), 0o600); err != nil {
		t.Fatal(err)
	}
	r := New(Options{ConfigPath: path})
	if err := r.Initialize(context.Background()); err == nil {
		t.Fatalf("expected error for dangling default id")
	}
}

func TestInitializeRuntimeEmbeddedDownload(t *testing.T) {
	dist := distTarGz(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write(dist)
	}))
	defer srv.Close()

	var samples []Progress
	var mu sync.Mutex
	r := newTestRegistry(t, DownloadOptions{
		URL: srv.URL + "/dist.tar.gz",
		Progress: ProgressFunc(func(p Progress) {
			mu.Lock()
			samples = append(samples, p)
			mu.Unlock()
		}),
	})
	id, err := r.CreateManagedRuntime("Default-Embedded", TypeEmbedded)
	if err != nil {
		t.Fatal(err)
	}
	ok, err := r.InitializeRuntime(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("InitializeRuntime: ok=%v err=%v", ok, err)
	}
	e, _ := r.GetRuntime(id)
	if e.Status != StatusReady {
		t.Fatalf("status = %s, want ready", e.Status)
	}
	if e.Version != "3.12" {
		t.Fatalf("version = %q", e.Version)
	}
	if _, err := os.Stat(filepath.Join(e.Path, "bin", "python3")); err != nil {
		t.Fatalf("interpreter missing after extract: %v", err)
	}
	mu.Lock()
	n := len(samples)
	mu.Unlock()
	if n == 0 {
		t.Fatalf("no progress samples reported")
	}

	// Ready reverify is a cheap no-op: no second download.
	before := hits.Load()
	ok, err = r.InitializeRuntime(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("reinitialize: ok=%v err=%v", ok, err)
	}
	if hits.Load() != before {
		t.Fatalf("reinitialize re-downloaded the distribution")
	}
}

func TestInitializeRuntimeDownloadFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	r := newTestRegistry(t, DownloadOptions{URL: srv.URL + "/missing.tar.gz"})
	id, _ := r.CreateManagedRuntime("broken", TypeEmbedded)
	ok, err := r.InitializeRuntime(context.Background(), id)
	if err != nil {
		t.Fatalf("failure must not surface as error: %v", err)
	}
	if ok {
		t.Fatalf("expected failed initialization")
	}
	e, _ := r.GetRuntime(id)
	if e.Status != StatusError || e.LastError == "" {
		t.Fatalf("entry after failure: %+v", e)
	}
}

func TestInitializeRuntimeUnknownID(t *testing.T) {
	r := newTestRegistry(t, DownloadOptions{})
	ok, err := r.InitializeRuntime(context.Background(), "no-such-id")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got ok=%v err=%v", ok, err)
	}
}

func TestInitializeRuntimeCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	r := newTestRegistry(t, DownloadOptions{URL: srv.URL + "/slow.tar.gz"})
	id, _ := r.CreateManagedRuntime("cancelled", TypeEmbedded)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.InitializeRuntime(ctx, id); err == nil {
		t.Fatalf("cancellation must propagate")
	}
}

func TestInitializeRuntimeSystemVerifyOnly(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "bin"), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bin", "python3.11"), fakeELF(), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bin", "python3"), fakeELF(), 0o700); err != nil {
		t.Fatal(err)
	}

	r := newTestRegistry(t, DownloadOptions{})
	id, err := r.RegisterExisting("system", TypeSystem, dir)
	if err != nil {
		t.Fatal(err)
	}
	ok, err := r.InitializeRuntime(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("verify: ok=%v err=%v", ok, err)
	}
	e, _ := r.GetRuntime(id)
	if e.Status != StatusReady || e.Version != "3.11" {
		t.Fatalf("entry: %+v", e)
	}

	// empty dir fails verification without throwing
	id2, _ := r.RegisterExisting("empty", TypeSystem, t.TempDir())
	ok, err = r.InitializeRuntime(context.Background(), id2)
	if err != nil || ok {
		t.Fatalf("empty verify: ok=%v err=%v", ok, err)
	}
}

func TestDefaultRuntimeSelection(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "bin"), 0o750); err != nil {
		t.Fatal(err)
	}
	_ = os.WriteFile(filepath.Join(dir, "bin", "python3.10"), fakeELF(), 0o700)
	_ = os.WriteFile(filepath.Join(dir, "bin", "python3"), fakeELF(), 0o700)

	r := newTestRegistry(t, DownloadOptions{})
	if _, err := r.GetDefaultRuntime(); err == nil {
		t.Fatalf("expected no default on empty registry")
	}

	idA, _ := r.RegisterExisting("a", TypeSystem, t.TempDir()) // never ready
	idB, _ := r.RegisterExisting("b", TypeSystem, dir)
	_, _ = r.InitializeRuntime(context.Background(), idA)
	_, _ = r.InitializeRuntime(context.Background(), idB)

	// unset default → first Ready entry
	def, err := r.GetDefaultRuntime()
	if err != nil || def.ID != idB {
		t.Fatalf("default: %+v err=%v", def, err)
	}

	if err := r.SetDefaultRuntime(idA); err != nil {
		t.Fatal(err)
	}
	def, _ = r.GetDefaultRuntime()
	if def.ID != idA {
		t.Fatalf("configured default not preferred: %+v", def)
	}

	if err := r.SetDefaultRuntime("nope"); err == nil {
		t.Fatalf("expected error for unknown default id")
	}
}

func TestConcurrentInitializeDownloadsOnce(t *testing.T) {
	dist := distTarGz(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write(dist)
	}))
	defer srv.Close()

	r := newTestRegistry(t, DownloadOptions{URL: srv.URL + "/dist.tar.gz"})
	id, _ := r.CreateManagedRuntime("racy", TypeEmbedded)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := r.InitializeRuntime(context.Background(), id)
			if err != nil || !ok {
				t.Errorf("concurrent init: ok=%v err=%v", ok, err)
			}
		}()
	}
	wg.Wait()
	if hits.Load() != 1 {
		t.Fatalf("expected exactly one download, got %d", hits.Load())
	}
}

func TestAssociateConsumerAndPackages(t *testing.T) {
	r := newTestRegistry(t, DownloadOptions{})
	id, _ := r.CreateManagedRuntime("rt", TypeEmbedded)
	r.AssociateConsumer(id, "myprovider")
	r.AssociateConsumer(id, "myprovider") // dedup
	r.RecordInstalledPackage(id, "numpy", "1.26.4")
	e, _ := r.GetRuntime(id)
	if len(e.AssociatedConsumers) != 1 || e.AssociatedConsumers[0] != "myprovider" {
		t.Fatalf("consumers: %+v", e.AssociatedConsumers)
	}
	if e.InstalledPackages["numpy"] != "1.26.4" {
		t.Fatalf("packages: %+v", e.InstalledPackages)
	}
	if e.LastUsed.IsZero() {
		t.Fatalf("LastUsed not stamped")
	}
}

func TestRemoveRuntime(t *testing.T) {
	r := newTestRegistry(t, DownloadOptions{})
	id, _ := r.CreateManagedRuntime("gone", TypeEmbedded)
	_ = r.SetDefaultRuntime(id)
	if err := r.RemoveRuntime(id); err != nil {
		t.Fatal(err)
	}
	if _, err := r.GetRuntime(id); err == nil {
		t.Fatalf("entry survived removal")
	}
	if _, err := r.GetDefaultRuntime(); err == nil {
		t.Fatalf("default should be cleared with its entry")
	}
	if err := r.RemoveRuntime(id); err == nil {
		t.Fatalf("expected ErrNotFound on double remove")
	}
}

func TestSanitizeEntryName(t *testing.T) {
	cases := map[string]struct {
		out string
		ok  bool
	}{
		"python/bin/python3": {filepath.Join("bin", "python3"), true},
		"bin/python3":        {filepath.Join("bin", "python3"), true},
		"../evil":            {"", false},
		"/abs/path":          {"", false},
		"python":             {"", false},
	}
	for in, want := range cases {
		got, ok := sanitizeEntryName(in)
		if ok != want.ok || got != want.out {
			t.Fatalf("%q → (%q,%v), want (%q,%v)", in, got, ok, want.out, want.ok)
		}
	}
}

func TestPlatformTriple(t *testing.T) {
	if got := platformTriple("linux", "amd64"); got != "x86_64-unknown-linux-gnu" {
		t.Fatalf("linux/amd64: %s", got)
	}
	if got := platformTriple("darwin", "arm64"); got != "aarch64-apple-darwin" {
		t.Fatalf("darwin/arm64: %s", got)
	}
	if !strings.Contains(platformTriple("windows", "amd64"), "windows") {
		t.Fatalf("windows triple")
	}
}

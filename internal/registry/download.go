package registry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/pyhost/pyhost/internal/metrics"
)

// DefaultDownloadBaseURL serves self-contained CPython distributions
// ("install_only" tarballs). Override via config for air-gapped mirrors.
const DefaultDownloadBaseURL = "https://github.com/astral-sh/python-build-standalone/releases/download"

// DefaultDistVersion pins the release tag and CPython version acquired when
// the config does not name one.
const (
	DefaultDistRelease = "20250818"
	DefaultDistPython  = "3.12.11"
)

// DownloadError wraps network or archive failures while acquiring an
// embedded runtime.
type DownloadError struct {
	URL string
	Err error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download %s: %v (check network access or configure a mirror)", e.URL, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// Progress is a download progress sample.
type Progress struct {
	BytesTransferred int64
	TotalBytes       int64 // -1 when the server did not send Content-Length
	Percent          float64
	ETA              time.Duration
}

// ProgressSink receives download progress samples. Reporting is best-effort
// and never required for correctness.
type ProgressSink interface {
	Report(p Progress)
}

// ProgressFunc adapts a function to ProgressSink.
type ProgressFunc func(p Progress)

func (f ProgressFunc) Report(p Progress) { f(p) }

// DownloadOptions configure embedded runtime acquisition.
type DownloadOptions struct {
	// URL, when set, is used verbatim. Otherwise a python-build-standalone
	// URL is derived from BaseURL/Release/PythonVersion and the host platform.
	URL           string        `toml:"url" mapstructure:"url"`
	BaseURL       string        `toml:"base_url" mapstructure:"base_url"`
	Release       string        `toml:"release" mapstructure:"release"`
	PythonVersion string        `toml:"python_version" mapstructure:"python_version"`
	Timeout       time.Duration `toml:"timeout" mapstructure:"timeout"`
	Progress      ProgressSink  `toml:"-" mapstructure:"-"`
}

type downloader struct {
	opts   DownloadOptions
	client *http.Client
}

func newDownloader(opts DownloadOptions) *downloader {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultDownloadBaseURL
	}
	if opts.Release == "" {
		opts.Release = DefaultDistRelease
	}
	if opts.PythonVersion == "" {
		opts.PythonVersion = DefaultDistPython
	}
	// The overall timeout covers slow mirrors; per-request cancellation
	// rides on the caller's context.
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Minute
	}
	return &downloader{opts: opts, client: &http.Client{Timeout: opts.Timeout}}
}

// URL resolves the distribution URL for the host platform.
func (d *downloader) URL() string {
	if d.opts.URL != "" {
		return d.opts.URL
	}
	triple := platformTriple(runtime.GOOS, runtime.GOARCH)
	name := fmt.Sprintf("cpython-%s+%s-%s-install_only.tar.gz",
		d.opts.PythonVersion, d.opts.Release, triple)
	return fmt.Sprintf("%s/%s/%s", d.opts.BaseURL, d.opts.Release, name)
}

func platformTriple(goos, goarch string) string {
	arch := map[string]string{"amd64": "x86_64", "arm64": "aarch64", "386": "i686"}[goarch]
	if arch == "" {
		arch = goarch
	}
	switch goos {
	case "darwin":
		return arch + "-apple-darwin"
	case "windows":
		return arch + "-pc-windows-msvc"
	default:
		return arch + "-unknown-linux-gnu"
	}
}

// Acquire downloads the distribution and extracts it into destDir.
// Cancellation propagates; all other failures come back as *DownloadError.
func (d *downloader) Acquire(ctx context.Context, destDir string) error {
	url := d.URL()
	tmp, err := os.CreateTemp("", "pyhost-dist-*"+archiveExt(url))
	if err != nil {
		return &DownloadError{URL: url, Err: err}
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	if err := d.fetch(ctx, url, tmp); err != nil {
		metrics.IncDownload("failed")
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &DownloadError{URL: url, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &DownloadError{URL: url, Err: err}
	}

	if err := extractArchive(tmpPath, destDir); err != nil {
		metrics.IncDownload("failed")
		return &DownloadError{URL: url, Err: fmt.Errorf("extract: %w", err)}
	}
	metrics.IncDownload("success")
	return nil
}

func (d *downloader) fetch(ctx context.Context, url string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	pr := &progressReader{
		r:       resp.Body,
		total:   resp.ContentLength,
		sink:    d.opts.Progress,
		started: time.Now(),
	}
	n, err := io.Copy(w, pr)
	metrics.AddDownloadBytes(n)
	if err != nil {
		return err
	}
	pr.flush(true)
	return nil
}

// progressReader forwards reads and throttles progress samples to ~4/s.
type progressReader struct {
	r        io.Reader
	total    int64
	sink     ProgressSink
	started  time.Time
	read     int64
	lastEmit time.Time
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	p.flush(false)
	return n, err
}

func (p *progressReader) flush(force bool) {
	if p.sink == nil {
		return
	}
	now := time.Now()
	if !force && now.Sub(p.lastEmit) < 250*time.Millisecond {
		return
	}
	p.lastEmit = now
	sample := Progress{BytesTransferred: p.read, TotalBytes: p.total}
	if p.total > 0 {
		sample.Percent = float64(p.read) / float64(p.total) * 100
		if p.read > 0 {
			elapsed := now.Sub(p.started)
			remaining := float64(p.total-p.read) / float64(p.read) * float64(elapsed)
			sample.ETA = time.Duration(remaining)
		}
	} else {
		sample.TotalBytes = -1
	}
	p.sink.Report(sample)
}

func archiveExt(url string) string {
	if strings.HasSuffix(url, ".zip") {
		return ".zip"
	}
	return ".tar.gz"
}

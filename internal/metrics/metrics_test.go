package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second Register: %v", err)
	}
}

// Registering into a private registry first must not make a later default
// registration a no-op.
func TestRegisterCoversEachRegisterer(t *testing.T) {
	if err := Register(prometheus.NewRegistry()); err != nil {
		t.Fatalf("private Register: %v", err)
	}
	if err := Register(prometheus.DefaultRegisterer); err != nil {
		t.Fatalf("default Register: %v", err)
	}

	IncDownload("success")
	rr := httptest.NewRecorder()
	Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rr.Body.String(), "pyhost_runtime_downloads_total") {
		t.Fatal("default gatherer missing collectors registered after a private registry")
	}
}

func TestHelpersRecordAfterRegister(t *testing.T) {
	_ = Register(prometheus.DefaultRegisterer)

	IncDownload("success")
	AddDownloadBytes(1024)
	IncInstall("installed")
	IncEnvCreated("myprovider", "success")
	IncBackendStart("http")
	IncBackendStop("http")
	ObserveBackendStartDuration("http", 0.25)
	RecordStateTransition("http", "starting", "running")
	SetCurrentState("http", "running", true)

	rr := httptest.NewRecorder()
	Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rr.Body.String()
	for _, want := range []string{
		"pyhost_runtime_downloads_total",
		"pyhost_venv_package_installs_total",
		"pyhost_backend_starts_total",
		"pyhost_backend_current_state",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %s", want)
		}
	}
}

// Creation failures must stay distinguishable from successful creations for
// the same consumer.
func TestEnvCreationOutcomeLabel(t *testing.T) {
	_ = Register(prometheus.DefaultRegisterer)

	IncEnvCreated("webapp", "success")
	IncEnvCreated("webapp", "failure")

	rr := httptest.NewRecorder()
	Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rr.Body.String()
	for _, want := range []string{
		`pyhost_venv_environments_created_total{consumer="webapp",outcome="failure"}`,
		`pyhost_venv_environments_created_total{consumer="webapp",outcome="success"}`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %s", want)
		}
	}
}

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pyhost/pyhost/internal/config"
	"github.com/pyhost/pyhost/internal/host"
	"github.com/pyhost/pyhost/internal/registry"
	"github.com/pyhost/pyhost/internal/store"
)

func newTestHost(t *testing.T) *host.Host {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.FileConfig{Home: dir}
	cfg.Registry.Path = filepath.Join(dir, "registry.json")
	cfg.Registry.ManagedRoot = dir
	cfg.Venv.Root = dir
	cfg.Backend.RunDir = filepath.Join(dir, "run")
	cfg.Store = store.Config{Type: "memory"}
	cfg.Server.Listen = "127.0.0.1:0"
	h, err := host.New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close(context.Background()) })
	return h
}

func newTestServer(t *testing.T, basePath string) string {
	t.Helper()
	r := NewRouter(newTestHost(t), basePath)
	srv := httptest.NewServer(r.Handler())
	t.Cleanup(srv.Close)
	return srv.URL
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	var out bytes.Buffer
	_, _ = out.ReadFrom(resp.Body)
	return resp, out.Bytes()
}

func TestHealthz(t *testing.T) {
	url := newTestServer(t, "")
	resp, body := doJSON(t, http.MethodGet, url+"/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"ok":true}`, string(body))
}

// The daemon registers the collectors during host construction, so the
// metrics endpoint must expose them without further wiring.
func TestMetricsEndpointServesCollectors(t *testing.T) {
	url := newTestServer(t, "")
	resp, body := doJSON(t, http.MethodGet, url+"/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "pyhost_")
}

func TestBasePath(t *testing.T) {
	url := newTestServer(t, "mgmt")
	resp, _ := doJSON(t, http.MethodGet, url+"/mgmt/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = doJSON(t, http.MethodGet, url+"/healthz", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRuntimeLifecycle(t *testing.T) {
	url := newTestServer(t, "")

	resp, body := doJSON(t, http.MethodPost, url+"/api/runtimes",
		map[string]string{"name": "Default-Embedded", "type": "embedded"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var e registry.Entry
	require.NoError(t, json.Unmarshal(body, &e))
	assert.Equal(t, registry.StatusNotInitialized, e.Status)
	assert.True(t, e.Managed)

	resp, body = doJSON(t, http.MethodGet, url+"/api/runtimes", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []registry.Entry
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)

	resp, _ = doJSON(t, http.MethodPost, url+"/api/runtimes/"+e.ID+"/default", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// duplicate name rejected
	resp, _ = doJSON(t, http.MethodPost, url+"/api/runtimes",
		map[string]string{"name": "Default-Embedded", "type": "embedded"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// unsafe name rejected
	resp, _ = doJSON(t, http.MethodPost, url+"/api/runtimes",
		map[string]string{"name": "../etc", "type": "embedded"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodDelete, url+"/api/runtimes/"+e.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = doJSON(t, http.MethodDelete, url+"/api/runtimes/"+e.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// initializing a removed (or never-registered) id is not found, not a
	// conflict
	resp, _ = doJSON(t, http.MethodPost, url+"/api/runtimes/"+e.ID+"/initialize", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEnvEndpoints(t *testing.T) {
	url := newTestServer(t, "")

	resp, body := doJSON(t, http.MethodGet, url+"/api/envs", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(body))

	// no runtime yet, ensure cannot succeed
	resp, _ = doJSON(t, http.MethodPost, url+"/api/envs", map[string]string{"name": "myprovider"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodGet, url+"/api/envs/ghost", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = doJSON(t, http.MethodDelete, url+"/api/envs/ghost", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"deleted":false}`, string(body))

	resp, _ = doJSON(t, http.MethodPost, url+"/api/envs/ghost/packages",
		map[string]any{"packages": []map[string]string{{"Name": "numpy"}}})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBackendEndpoints(t *testing.T) {
	url := newTestServer(t, "")

	resp, body := doJSON(t, http.MethodGet, url+"/api/backends", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(body))

	resp, _ = doJSON(t, http.MethodPost, url+"/api/backends",
		map[string]any{"type": "carrier-pigeon"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, url+"/api/backends/stop",
		map[string]string{"type": "Http", "venv_path": "/nowhere"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSanitizeBase(t *testing.T) {
	assert.Equal(t, "", sanitizeBase(""))
	assert.Equal(t, "", sanitizeBase("/"))
	assert.Equal(t, "/mgmt", sanitizeBase("mgmt"))
	assert.Equal(t, "/mgmt", sanitizeBase("/mgmt/"))
}

func TestIsSafeName(t *testing.T) {
	assert.True(t, isSafeName("runtime-host"))
	assert.True(t, isSafeName("ml_env.v2"))
	assert.False(t, isSafeName(""))
	assert.False(t, isSafeName("../x"))
	assert.False(t, isSafeName("a/b"))
	assert.False(t, isSafeName("a b"))
}

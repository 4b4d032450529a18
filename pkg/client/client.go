// Package client is the HTTP client for the pyhost management API served
// by the daemon. It is consumed by the CLI and usable by external tooling.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to a pyhost daemon.
type Client struct {
	baseURL string
	client  *http.Client
}

// Config holds client configuration.
type Config struct {
	// BaseURL of the daemon, e.g. "http://127.0.0.1:8099".
	BaseURL string
	Timeout time.Duration
}

// DefaultConfig targets the local daemon.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8099",
		Timeout: 5 * time.Minute,
	}
}

func New(cfg Config) *Client {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: cfg.Timeout},
	}
}

// IsReachable reports whether the daemon answers its health endpoint.
func (c *Client) IsReachable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var out struct {
		OK bool `json:"ok"`
	}
	return c.do(ctx, http.MethodGet, "/healthz", nil, &out) == nil && out.OK
}

func (c *Client) ListRuntimes(ctx context.Context) ([]Runtime, error) {
	var out []Runtime
	return out, c.do(ctx, http.MethodGet, "/api/runtimes", nil, &out)
}

func (c *Client) CreateRuntime(ctx context.Context, name, typ, path string) (Runtime, error) {
	var out Runtime
	body := map[string]string{"name": name, "type": typ, "path": path}
	return out, c.do(ctx, http.MethodPost, "/api/runtimes", body, &out)
}

func (c *Client) InitializeRuntime(ctx context.Context, id string) (Runtime, error) {
	var out Runtime
	return out, c.do(ctx, http.MethodPost, "/api/runtimes/"+url.PathEscape(id)+"/initialize", nil, &out)
}

func (c *Client) SetDefaultRuntime(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/runtimes/"+url.PathEscape(id)+"/default", nil, nil)
}

func (c *Client) RemoveRuntime(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/runtimes/"+url.PathEscape(id), nil, nil)
}

func (c *Client) ListEnvironments(ctx context.Context) ([]Environment, error) {
	var out []Environment
	return out, c.do(ctx, http.MethodGet, "/api/envs", nil, &out)
}

func (c *Client) EnsureEnvironment(ctx context.Context, name, scope string) (string, error) {
	var out struct {
		Path string `json:"path"`
	}
	body := map[string]string{"name": name, "scope": scope}
	err := c.do(ctx, http.MethodPost, "/api/envs", body, &out)
	return out.Path, err
}

func (c *Client) EnvironmentStatus(ctx context.Context, name string) (EnvStatus, error) {
	var out EnvStatus
	return out, c.do(ctx, http.MethodGet, "/api/envs/"+url.PathEscape(name), nil, &out)
}

func (c *Client) InstallPackages(ctx context.Context, name string, pkgs []PackageSpec) ([]Package, error) {
	var out []Package
	body := map[string]any{"packages": pkgs}
	return out, c.do(ctx, http.MethodPost, "/api/envs/"+url.PathEscape(name)+"/packages", body, &out)
}

func (c *Client) DeleteEnvironment(ctx context.Context, name string) (bool, error) {
	var out struct {
		Deleted bool `json:"deleted"`
	}
	err := c.do(ctx, http.MethodDelete, "/api/envs/"+url.PathEscape(name), nil, &out)
	return out.Deleted, err
}

func (c *Client) ListBackends(ctx context.Context) ([]Backend, error) {
	var out []Backend
	return out, c.do(ctx, http.MethodGet, "/api/backends", nil, &out)
}

func (c *Client) StartBackend(ctx context.Context, typ, venvPath string, port int) (Backend, error) {
	var out Backend
	body := map[string]any{"type": typ, "venv_path": venvPath, "port": port}
	return out, c.do(ctx, http.MethodPost, "/api/backends", body, &out)
}

func (c *Client) StopBackend(ctx context.Context, typ, venvPath string) (Backend, error) {
	var out Backend
	body := map[string]string{"type": typ, "venv_path": venvPath}
	return out, c.do(ctx, http.MethodPost, "/api/backends/stop", body, &out)
}

// Evaluate runs an expression on a running backend. A remote-side
// exception comes back in the result's Error/Traceback fields, not as a
// transport error.
func (c *Client) Evaluate(ctx context.Context, typ, venvPath, expression string) (EvalResult, error) {
	var out EvalResult
	body := map[string]any{"type": typ, "venv_path": venvPath, "expression": expression}
	status, data, err := c.doRaw(ctx, http.MethodPost, "/api/backends/eval", body)
	if err != nil {
		return out, err
	}
	if status == http.StatusOK || status == http.StatusUnprocessableEntity {
		return out, json.Unmarshal(data, &out)
	}
	var ae apiError
	if json.Unmarshal(data, &ae) == nil && ae.Error != "" {
		return out, fmt.Errorf("eval: %s", ae.Error)
	}
	return out, fmt.Errorf("eval: status %d", status)
}

// apiError is the daemon's error envelope.
type apiError struct {
	Error string `json:"error"`
}

func (c *Client) doRaw(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, data, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	status, data, err := c.doRaw(ctx, method, path, body)
	if err != nil {
		return err
	}
	if status >= http.StatusBadRequest {
		var ae apiError
		if json.Unmarshal(data, &ae) == nil && ae.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, ae.Error)
		}
		return fmt.Errorf("%s %s: status %d", method, path, status)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

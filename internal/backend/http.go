package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPBinding speaks the REST protocol: POST /api/{import,eval,create,call}
// with JSON bodies plus GET /health.
type HTTPBinding struct {
	base   string
	client *http.Client
}

func NewHTTP(endpoint string) *HTTPBinding {
	return &HTTPBinding{
		base:   strings.TrimRight(endpoint, "/"),
		client: &http.Client{Timeout: 5 * time.Minute},
	}
}

func (h *HTTPBinding) Initialize(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.base+"/health", nil)
	if err != nil {
		return &TransportError{Endpoint: h.base, Op: "health", Err: err}
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return &TransportError{Endpoint: h.base, Op: "health", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return &TransportError{Endpoint: h.base, Op: "health", Err: fmt.Errorf("status %s", resp.Status)}
	}
	return nil
}

func (h *HTTPBinding) ImportModule(ctx context.Context, name string) error {
	_, err := h.post(ctx, "/api/import", request{Module: name})
	return err
}

func (h *HTTPBinding) Evaluate(ctx context.Context, expression string, locals map[string]any) (json.RawMessage, error) {
	resp, err := h.post(ctx, "/api/eval", request{Expression: expression, Locals: locals})
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

func (h *HTTPBinding) CreateObject(ctx context.Context, typeName string, args []any) (string, error) {
	resp, err := h.post(ctx, "/api/create", request{TypeName: typeName, Args: args})
	if err != nil {
		return "", err
	}
	return resp.Handle, nil
}

func (h *HTTPBinding) CallMethod(ctx context.Context, handle, method string, args []any) (json.RawMessage, error) {
	resp, err := h.post(ctx, "/api/call", request{Handle: handle, Method: method, Args: args})
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

func (h *HTTPBinding) Close() error {
	h.client.CloseIdleConnections()
	return nil
}

func (h *HTTPBinding) post(ctx context.Context, path string, in request) (*response, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, &TransportError{Endpoint: h.base, Op: path, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.base+path, bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Endpoint: h.base, Op: path, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, &TransportError{Endpoint: h.base, Op: path, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Endpoint: h.base, Op: path, Err: err}
	}
	var out response
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, &TransportError{Endpoint: h.base, Op: path, Err: fmt.Errorf("malformed response: %w", err)}
	}
	// remote failures ride on 200 or 4xx/5xx alike; the body decides
	if err := out.remoteErr(); err != nil {
		return nil, err
	}
	return &out, nil
}

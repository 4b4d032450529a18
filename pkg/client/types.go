package client

import (
	"encoding/json"
	"time"
)

// Runtime mirrors the registry entry as served by the management API.
type Runtime struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	Path      string    `json:"path"`
	Version   string    `json:"version,omitempty"`
	Managed   bool      `json:"managed"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	LastError string    `json:"last_error,omitempty"`
}

// Environment mirrors a persisted environment record.
type Environment struct {
	Name      string    `json:"Name"`
	Path      string    `json:"Path"`
	PythonExe string    `json:"PythonExe"`
	CreatedAt time.Time `json:"CreatedAt"`
}

// Package mirrors one package install record.
type Package struct {
	Package          string `json:"Package"`
	Constraint       string `json:"Constraint"`
	Status           string `json:"Status"`
	InstalledVersion string `json:"InstalledVersion"`
	Error            string `json:"Error"`
}

// EnvStatus is the detailed environment report.
type EnvStatus struct {
	Name     string    `json:"Name"`
	Path     string    `json:"Path"`
	Exists   bool      `json:"Exists"`
	Packages []Package `json:"Packages"`
}

// PackageSpec names a package to install.
type PackageSpec struct {
	Name       string `json:"Name"`
	Constraint string `json:"Constraint,omitempty"`
}

// Backend mirrors a backend handle snapshot.
type Backend struct {
	VenvPath    string `json:"venv_path"`
	BackendType string `json:"backend_type"`
	Endpoint    string `json:"endpoint,omitempty"`
	PID         int    `json:"pid,omitempty"`
	State       string `json:"state"`
	StartedAt   string `json:"started_at,omitempty"`
	Error       string `json:"error,omitempty"`
}

// EvalResult carries a remote evaluation result or failure detail.
type EvalResult struct {
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Type      string          `json:"type,omitempty"`
	Traceback string          `json:"traceback,omitempty"`
}

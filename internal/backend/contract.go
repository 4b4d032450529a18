// Package backend defines the remote-execution contract and its transport
// bindings. A Contract talks to one execution server over HTTP, a local
// socket, or RPC; the semantics of import/evaluate/create/call are
// identical across the three, so callers pick a transport without changing
// behavior.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Type selects a transport binding.
type Type string

const (
	TypeHTTP Type = "http"
	TypePipe Type = "pipe"
	TypeRPC  Type = "rpc"
)

// ParseType accepts the user-facing spellings (Http, Pipe, Rpc) in any case.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(s) {
	case "http":
		return TypeHTTP, nil
	case "pipe", "socket":
		return TypePipe, nil
	case "rpc", "grpc":
		return TypeRPC, nil
	default:
		return "", fmt.Errorf("unknown backend type %q (expected Http, Pipe or Rpc)", s)
	}
}

// Contract is the uniform remote-execution interface. Remote-side
// exceptions come back as *RemoteError; transport problems as
// *TransportError. Implementations are safe for concurrent use.
type Contract interface {
	// Initialize establishes the connection and performs the handshake.
	Initialize(ctx context.Context) error
	// ImportModule makes a module available in the remote context.
	ImportModule(ctx context.Context, name string) error
	// Evaluate runs an expression remotely, with optional local bindings,
	// and returns the raw JSON result.
	Evaluate(ctx context.Context, expression string, locals map[string]any) (json.RawMessage, error)
	// CreateObject instantiates a remote object and returns its handle.
	CreateObject(ctx context.Context, typeName string, args []any) (string, error)
	// CallMethod invokes a method on a remote object by handle.
	CallMethod(ctx context.Context, handle, method string, args []any) (json.RawMessage, error)
	Close() error
}

// New returns the binding for the given transport and endpoint: a base URL
// for HTTP, a socket path for Pipe, a host:port address for RPC.
func New(typ Type, endpoint string) (Contract, error) {
	switch typ {
	case TypeHTTP:
		return NewHTTP(endpoint), nil
	case TypePipe:
		return NewSocket(endpoint), nil
	case TypeRPC:
		return NewGRPC(endpoint)
	default:
		return nil, fmt.Errorf("unknown backend type %q", typ)
	}
}

// EvaluateAs evaluates an expression and deserializes the result into T.
// This is the call higher-level tooling builds on.
func EvaluateAs[T any](ctx context.Context, c Contract, expression string, locals map[string]any) (T, error) {
	var out T
	raw, err := c.Evaluate(ctx, expression, locals)
	if err != nil {
		return out, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode result %s: %w", raw, err)
	}
	return out, nil
}

// RemoteError is the typed failure for an exception raised by the remote
// code. It classifies identically regardless of transport.
type RemoteError struct {
	ExcType   string // remote exception class, e.g. "NameError"
	Message   string
	Traceback string
}

func (e *RemoteError) Error() string {
	if e.Traceback != "" {
		return fmt.Sprintf("remote %s: %s\n%s", e.ExcType, e.Message, e.Traceback)
	}
	return fmt.Sprintf("remote %s: %s", e.ExcType, e.Message)
}

// TransportError covers connection failures and malformed responses.
type TransportError struct {
	Endpoint string
	Op       string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v (is the backend running? try the status command)", e.Op, e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync"
	"time"
)

// SocketBinding speaks newline-delimited JSON frames over a local socket.
// Each frame carries a cmd discriminator; the server answers one frame per
// request, so a mutex serializes request/response pairs on the single
// connection.
type SocketBinding struct {
	endpoint string

	mu   sync.Mutex
	conn net.Conn
	r    *bufio.Reader
}

// NewSocket binds to a unix socket path, or to host:port when the endpoint
// looks like a TCP address.
func NewSocket(endpoint string) *SocketBinding {
	return &SocketBinding{endpoint: endpoint}
}

func (s *SocketBinding) network() string {
	if strings.Contains(s.endpoint, ":") && !strings.Contains(s.endpoint, "/") {
		return "tcp"
	}
	return "unix"
}

// Initialize dials the socket and exchanges the ping handshake.
func (s *SocketBinding) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.conn == nil {
		var d net.Dialer
		conn, err := d.DialContext(ctx, s.network(), s.endpoint)
		if err != nil {
			s.mu.Unlock()
			return &TransportError{Endpoint: s.endpoint, Op: "dial", Err: err}
		}
		s.conn = conn
		s.r = bufio.NewReader(conn)
	}
	s.mu.Unlock()
	_, err := s.roundTrip(ctx, request{Cmd: "ping"})
	return err
}

func (s *SocketBinding) ImportModule(ctx context.Context, name string) error {
	_, err := s.roundTrip(ctx, request{Cmd: "import", Module: name})
	return err
}

func (s *SocketBinding) Evaluate(ctx context.Context, expression string, locals map[string]any) (json.RawMessage, error) {
	resp, err := s.roundTrip(ctx, request{Cmd: "eval", Expression: expression, Locals: locals})
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

func (s *SocketBinding) CreateObject(ctx context.Context, typeName string, args []any) (string, error) {
	resp, err := s.roundTrip(ctx, request{Cmd: "create", TypeName: typeName, Args: args})
	if err != nil {
		return "", err
	}
	return resp.Handle, nil
}

func (s *SocketBinding) CallMethod(ctx context.Context, handle, method string, args []any) (json.RawMessage, error) {
	resp, err := s.roundTrip(ctx, request{Cmd: "call", Handle: handle, Method: method, Args: args})
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

func (s *SocketBinding) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	s.r = nil
	return err
}

func (s *SocketBinding) roundTrip(ctx context.Context, in request) (*response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil, &TransportError{Endpoint: s.endpoint, Op: in.Cmd, Err: errors.New("not connected (call Initialize first)")}
	}

	// the frame protocol has no per-request ids, so deadlines stand in for
	// context cancellation on the blocking reads
	deadline := time.Now().Add(5 * time.Minute)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	_ = s.conn.SetDeadline(deadline)

	frame, err := json.Marshal(in)
	if err != nil {
		return nil, &TransportError{Endpoint: s.endpoint, Op: in.Cmd, Err: err}
	}
	frame = append(frame, '\n')
	if _, err := s.conn.Write(frame); err != nil {
		return nil, &TransportError{Endpoint: s.endpoint, Op: in.Cmd, Err: err}
	}

	line, err := s.r.ReadBytes('\n')
	if err != nil {
		return nil, &TransportError{Endpoint: s.endpoint, Op: in.Cmd, Err: err}
	}
	var out response
	if err := json.Unmarshal(line, &out); err != nil {
		return nil, &TransportError{Endpoint: s.endpoint, Op: in.Cmd, Err: err}
	}
	if err := out.remoteErr(); err != nil {
		return nil, err
	}
	return &out, nil
}

package backend

import "encoding/json"

// request is the command envelope shared by all three transports. Cmd is
// only meaningful on the socket binding; HTTP routes and RPC methods carry
// the discriminator instead.
type request struct {
	Cmd        string         `json:"cmd,omitempty"`
	Module     string         `json:"module,omitempty"`
	Expression string         `json:"expression,omitempty"`
	Locals     map[string]any `json:"locals,omitempty"`
	TypeName   string         `json:"type,omitempty"`
	Handle     string         `json:"handle,omitempty"`
	Method     string         `json:"method,omitempty"`
	Args       []any          `json:"args,omitempty"`
}

type response struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Handle string          `json:"handle,omitempty"`
	Error  *wireError      `json:"error,omitempty"`
}

type wireError struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Traceback string `json:"traceback,omitempty"`
}

// remoteErr converts a failed response to the shared failure type so every
// binding classifies remote exceptions the same way.
func (r *response) remoteErr() error {
	if r.OK {
		return nil
	}
	we := r.Error
	if we == nil {
		we = &wireError{Type: "UnknownError", Message: "backend reported failure without detail"}
	}
	return &RemoteError{ExcType: we.Type, Message: we.Message, Traceback: we.Traceback}
}

package backend

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
)

// The RPC binding carries the shared JSON envelope over gRPC instead of
// protobuf messages, which keeps the three protocols byte-compatible at the
// payload level. The schema is documented in execution.proto.

const executionService = "pyhost.v1.Execution"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// GRPCBinding implements the contract over a gRPC channel.
type GRPCBinding struct {
	endpoint string
	conn     *grpc.ClientConn
}

func NewGRPC(endpoint string) (*GRPCBinding, error) {
	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype("json")),
	)
	if err != nil {
		return nil, &TransportError{Endpoint: endpoint, Op: "connect", Err: err}
	}
	return &GRPCBinding{endpoint: endpoint, conn: conn}, nil
}

func (g *GRPCBinding) Initialize(ctx context.Context) error {
	_, err := g.invoke(ctx, "Health", request{})
	return err
}

func (g *GRPCBinding) ImportModule(ctx context.Context, name string) error {
	_, err := g.invoke(ctx, "ImportModule", request{Module: name})
	return err
}

func (g *GRPCBinding) Evaluate(ctx context.Context, expression string, locals map[string]any) (json.RawMessage, error) {
	resp, err := g.invoke(ctx, "Evaluate", request{Expression: expression, Locals: locals})
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

func (g *GRPCBinding) CreateObject(ctx context.Context, typeName string, args []any) (string, error) {
	resp, err := g.invoke(ctx, "Create", request{TypeName: typeName, Args: args})
	if err != nil {
		return "", err
	}
	return resp.Handle, nil
}

func (g *GRPCBinding) CallMethod(ctx context.Context, handle, method string, args []any) (json.RawMessage, error) {
	resp, err := g.invoke(ctx, "Call", request{Handle: handle, Method: method, Args: args})
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

func (g *GRPCBinding) Close() error { return g.conn.Close() }

func (g *GRPCBinding) invoke(ctx context.Context, method string, in request) (*response, error) {
	out := new(response)
	full := "/" + executionService + "/" + method
	if err := g.conn.Invoke(ctx, full, &in, out); err != nil {
		return nil, &TransportError{Endpoint: g.endpoint, Op: method, Err: err}
	}
	if err := out.remoteErr(); err != nil {
		return nil, err
	}
	return out, nil
}

// executionServer is the server side of the RPC schema. The Python backend
// implements it with generic JSON handlers; in-process test doubles
// implement it directly.
type executionServer interface {
	ImportModule(ctx context.Context, in *request) (*response, error)
	Evaluate(ctx context.Context, in *request) (*response, error)
	Create(ctx context.Context, in *request) (*response, error)
	Call(ctx context.Context, in *request) (*response, error)
	Health(ctx context.Context, in *request) (*response, error)
}

func unaryHandler(method string, call func(executionServer, context.Context, *request) (*response, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(request)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(executionServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + executionService + "/" + method}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(executionServer), ctx, req.(*request))
		})
	}
}

// executionServiceDesc registers an executionServer on a *grpc.Server.
var executionServiceDesc = grpc.ServiceDesc{
	ServiceName: executionService,
	HandlerType: (*executionServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ImportModule", Handler: unaryHandler("ImportModule", executionServer.ImportModule)},
		{MethodName: "Evaluate", Handler: unaryHandler("Evaluate", executionServer.Evaluate)},
		{MethodName: "Create", Handler: unaryHandler("Create", executionServer.Create)},
		{MethodName: "Call", Handler: unaryHandler("Call", executionServer.Call)},
		{MethodName: "Health", Handler: unaryHandler("Health", executionServer.Health)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "execution.proto",
}

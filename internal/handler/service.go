// internal/handler/service.go
package handler

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "astro.v1.Ensemble"

const (
	processMethod  = "/" + ServiceName + "/Process"
	inferMethod    = "/" + ServiceName + "/Infer"
	randomIDMethod = "/" + ServiceName + "/RandomID"
)

// EnsembleServer is the server API of the Ensemble service. Requests and
// responses are well-known protobuf messages, so no generated code is needed.
type EnsembleServer interface {
	// Process runs a pipeline: {pipeline, objid} -> pipeline result.
	Process(context.Context, *structpb.Struct) (*structpb.Struct, error)
	// Infer runs a single model: {model, objid, extra} -> prediction.
	Infer(context.Context, *structpb.Struct) (*structpb.Struct, error)
	// RandomID returns a random catalog object id.
	RandomID(context.Context, *emptypb.Empty) (*wrapperspb.StringValue, error)
}

// RegisterEnsembleServer registers srv with s.
func RegisterEnsembleServer(s grpc.ServiceRegistrar, srv EnsembleServer) {
	s.RegisterService(&EnsembleServiceDesc, srv)
}

// EnsembleServiceDesc describes the Ensemble service for grpc.Server.
var EnsembleServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EnsembleServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Process", Handler: processHandler},
		{MethodName: "Infer", Handler: inferHandler},
		{MethodName: "RandomID", Handler: randomIDHandler},
	},
	Streams: []grpc.StreamDesc{},
}

func processHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EnsembleServer).Process(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: processMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(EnsembleServer).Process(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func inferHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EnsembleServer).Infer(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: inferMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(EnsembleServer).Infer(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func randomIDHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EnsembleServer).RandomID(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: randomIDMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(EnsembleServer).RandomID(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// Client calls the Ensemble service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps a client connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Process runs pipeline on the object objid.
func (c *Client) Process(ctx context.Context, pipeline, objid string, opts ...grpc.CallOption) (map[string]any, error) {
	in, err := structpb.NewStruct(map[string]any{"pipeline": pipeline, "objid": objid})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, processMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// Infer runs a single model on the object objid.
func (c *Client) Infer(ctx context.Context, model, objid string, extra bool, opts ...grpc.CallOption) (map[string]any, error) {
	in, err := structpb.NewStruct(map[string]any{"model": model, "objid": objid, "extra": extra})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, inferMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// RandomID returns a random catalog object id.
func (c *Client) RandomID(ctx context.Context, opts ...grpc.CallOption) (string, error) {
	out := new(wrapperspb.StringValue)
	if err := c.cc.Invoke(ctx, randomIDMethod, new(emptypb.Empty), out, opts...); err != nil {
		return "", err
	}
	return out.GetValue(), nil
}

package adminrpc

import (
	"context"
	"encoding/binary"
	"fmt"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"

	"clustercore/internal/registry"
)

// NewServer builds a grpc.Server exposing reg's (service, function)
// handlers under the single generic Invoke method. There is no per-target
// routing to do here: the AMF admin handlers this dispatches to multicast
// their requests over internal/group, so any node can serve any admin
// call and every node converges on the same result once it's delivered.
// Every call is wrapped in an otelgrpc span, so an admin Invoke shows up
// in the same trace as the executive-message dispatch it triggers on the
// node that ends up applying it.
func NewServer(reg *registry.Registry) *grpc.Server {
	srv := grpc.NewServer(
		grpc.ForceServerCodec(Codec()),
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
	)
	srv.RegisterService(&serviceDesc, reg)
	return srv
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: MethodName, Handler: invokeHandler},
	},
	Metadata: "clustercore/adminrpc",
}

// requestHeaderSize is the big-endian (service, function) id prefix on an
// Invoke request, encoded the same way wire.ServiceFnID packs the pair.
const requestHeaderSize = 4

func invokeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	var body []byte
	if err := dec(&body); err != nil {
		return nil, err
	}

	reg, ok := srv.(*registry.Registry)
	if !ok {
		return nil, fmt.Errorf("adminrpc: server registered with unexpected type %T", srv)
	}

	handler := func(ctx context.Context, req any) (any, error) {
		raw := req.([]byte)
		if len(raw) < requestHeaderSize {
			return nil, fmt.Errorf("adminrpc: request too short")
		}
		id := binary.BigEndian.Uint32(raw[:requestHeaderSize])
		return reg.Dispatch(ctx, id, raw[requestHeaderSize:])
	}

	if interceptor == nil {
		return handler(ctx, body)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod}
	return interceptor(ctx, body, info, handler)
}

// Package adminrpc exposes clusterctl's admin surface over grpc.
// It rides the same internal/registry.Registry and
// internal/wire (service,function) id scheme the component-library IPC in
// internal/ipc uses, just framed as a single generic grpc method instead of
// raw socket frames — grpc gives clusterctl connection multiplexing for
// free where the AIS component library's local socket protocol doesn't
// need it. The connection itself is plaintext grpc; see Dial.
package adminrpc

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// ServiceName is the grpc service clusterctl calls and internal/daemon's
// admin listener registers.
const ServiceName = "clustercore.admin.Admin"

// MethodName is the single generic method every admin request goes
// through; the real (service, function) selector travels inside the
// request body via wire.ServiceFnID, the same id registry.Registry.Dispatch
// already expects.
const MethodName = "Invoke"

// FullMethod is the grpc method path for the admin service.
const FullMethod = "/" + ServiceName + "/" + MethodName

// rawCodec passes request/response bodies through unchanged: admin
// messages are framed by internal/wire, not generated protobuf types, so
// there is nothing for a protobuf codec to marshal.
type rawCodec struct{}

func (rawCodec) Name() string { return "raw" }

func (rawCodec) Marshal(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case *[]byte:
		return *b, nil
	default:
		return nil, fmt.Errorf("adminrpc: codec cannot marshal %T", v)
	}
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	p, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("adminrpc: codec cannot unmarshal into %T", v)
	}
	*p = append((*p)[:0], data...)
	return nil
}

// Codec is the grpc.ForceServerCodec/grpc.ForceCodec value both the admin
// server and client install, so the generic Invoke method never has to
// round-trip through protobuf reflection for a payload internal/wire
// already framed.
func Codec() encoding.Codec { return rawCodec{} }

func init() { encoding.RegisterCodec(rawCodec{}) }

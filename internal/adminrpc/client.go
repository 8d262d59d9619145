package adminrpc

import (
	"context"
	"encoding/binary"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"clustercore/internal/wire"
)

// Client calls one node's admin listener over grpc.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to an admin listener at target (host:port). The admin
// surface rides the cluster's own encrypted WireGuard mesh,
// so it dials plaintext grpc rather than layering TLS on top of TLS.
func Dial(target string) (*Client, error) {
	conn, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(Codec())),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Invoke calls (service, function) with payload and returns the raw
// response body, following the same id scheme internal/registry.Dispatch
// uses for the component-library IPC surface.
func (c *Client) Invoke(ctx context.Context, service, function uint16, payload []byte) ([]byte, error) {
	req := make([]byte, requestHeaderSize+len(payload))
	binary.BigEndian.PutUint32(req[:requestHeaderSize], wire.ServiceFnID(service, function))
	copy(req[requestHeaderSize:], payload)

	var resp []byte
	if err := c.conn.Invoke(ctx, FullMethod, req, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

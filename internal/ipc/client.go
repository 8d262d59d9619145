package ipc

import (
	"context"
	"fmt"
	"net"
	"sync"

	"clustercore/internal/corerr"
	"clustercore/internal/wire"
)

// Client is a single synchronous request/response connection to a
// Server's unix socket, for callers that only need one round trip per
// call rather than the paired response/dispatch connections a component
// library binds.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
}

// Dial connects to the daemon's client IPC socket at socketPath.
func Dial(ctx context.Context, socketPath string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("ipc: dial %s: %w", socketPath, err)
	}
	return &Client{conn: conn}, nil
}

// Call sends one request frame under (service, function) and waits for the
// matching response, returning ErrTryAgain if the daemon reports
// backpressure (errTryAgainCode).
func (c *Client) Call(_ context.Context, service, function uint16, payload []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := wire.ServiceFnID(service, function)
	hdr := wire.Header{ID: id, Size: uint32(wire.HeaderSize + len(payload))}
	buf := make([]byte, wire.HeaderSize)
	if err := hdr.Encode(buf); err != nil {
		return nil, err
	}
	if _, err := c.conn.Write(buf); err != nil {
		return nil, fmt.Errorf("ipc: write header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := c.conn.Write(payload); err != nil {
			return nil, fmt.Errorf("ipc: write payload: %w", err)
		}
	}

	frame, err := readFrame(c.conn)
	if err != nil {
		return nil, fmt.Errorf("ipc: read response: %w", err)
	}
	respHdr, body, err := splitFrame(frame)
	if err != nil {
		return nil, err
	}
	if respHdr.Error == errTryAgainCode {
		return nil, ErrTryAgain
	}
	if respHdr.Error != 0 {
		return nil, fmt.Errorf("ipc: request failed: %s", corerr.Code(respHdr.Error))
	}
	return body, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

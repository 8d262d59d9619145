package ipc

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"clustercore/internal/registry"
	"clustercore/internal/wire"
)

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	reg := registry.New()
	reg.Register(1, 1, func(ctx context.Context, req []byte) ([]byte, error) {
		resp := append([]byte("echo:"), req...)
		return resp, nil
	})
	srv := NewServer(reg, 4096)

	dir := t.TempDir()
	sockPath := filepath.Join(dir, "test.sock")
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := srv.Listen(ctx, sockPath); err != nil {
		t.Fatalf("listen: %v", err)
	}
	return srv, sockPath
}

func dial(t *testing.T, sockPath string) net.Conn {
	t.Helper()
	var conn net.Conn
	var err error
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		conn, err = net.Dial("unix", sockPath)
		if err == nil {
			return conn
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("dial: %v", err)
	return nil
}

func sendRequest(t *testing.T, conn net.Conn, service, function uint16, body []byte) []byte {
	t.Helper()
	hdr := wire.Header{ID: wire.ServiceFnID(service, function), Size: uint32(wire.HeaderSize + len(body))}
	buf := make([]byte, wire.HeaderSize)
	if err := hdr.Encode(buf); err != nil {
		t.Fatalf("encode header: %v", err)
	}
	if _, err := conn.Write(append(buf, body...)); err != nil {
		t.Fatalf("write: %v", err)
	}

	respHdrBuf := make([]byte, wire.HeaderSize)
	if _, err := readFull(conn, respHdrBuf); err != nil {
		t.Fatalf("read resp header: %v", err)
	}
	respHdr, err := wire.DecodeHeader(respHdrBuf)
	if err != nil {
		t.Fatalf("decode resp header: %v", err)
	}
	bodyLen := respHdr.Size - wire.HeaderSize
	respBody := make([]byte, bodyLen)
	if bodyLen > 0 {
		if _, err := readFull(conn, respBody); err != nil {
			t.Fatalf("read resp body: %v", err)
		}
	}
	if respHdr.Error != 0 {
		t.Fatalf("response error code %d", respHdr.Error)
	}
	return respBody
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestDispatchRoundTrip(t *testing.T) {
	_, sockPath := startTestServer(t)
	conn := dial(t, sockPath)
	defer conn.Close()

	resp := sendRequest(t, conn, 1, 1, []byte("ping"))
	if string(resp) != "echo:ping" {
		t.Fatalf("resp = %q, want echo:ping", resp)
	}
}

func TestClientCall(t *testing.T) {
	_, sockPath := startTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	client, err := Dial(ctx, sockPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	resp, err := client.Call(ctx, 1, 1, []byte("ping"))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if string(resp) != "echo:ping" {
		t.Fatalf("resp = %q, want echo:ping", resp)
	}
}

func TestUnregisteredServiceReturnsErrorCode(t *testing.T) {
	_, sockPath := startTestServer(t)
	conn := dial(t, sockPath)
	defer conn.Close()

	hdr := wire.Header{ID: wire.ServiceFnID(9, 9), Size: uint32(wire.HeaderSize)}
	buf := make([]byte, wire.HeaderSize)
	_ = hdr.Encode(buf)
	if _, err := conn.Write(buf); err != nil {
		t.Fatalf("write: %v", err)
	}

	respHdrBuf := make([]byte, wire.HeaderSize)
	if _, err := readFull(conn, respHdrBuf); err != nil {
		t.Fatalf("read: %v", err)
	}
	respHdr, _ := wire.DecodeHeader(respHdrBuf)
	if respHdr.Error == 0 {
		t.Fatal("expected non-zero error code for unregistered service")
	}
}

func TestBindAndPartnerGet(t *testing.T) {
	srv, sockPath := startTestServer(t)
	respConn := dial(t, sockPath)
	defer respConn.Close()
	dispConn := dial(t, sockPath)
	defer dispConn.Close()

	// Give the accept loop a moment to register both connections.
	deadline := time.Now().Add(time.Second)
	var handles []ConnHandle
	for time.Now().Before(deadline) {
		srv.mu.Lock()
		if len(srv.conns) == 2 {
			for h := range srv.conns {
				handles = append(handles, h)
			}
			srv.mu.Unlock()
			break
		}
		srv.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	if len(handles) != 2 {
		t.Fatalf("expected 2 registered connections, got %d", len(handles))
	}

	if err := srv.Bind(handles[0], "proc-1", false); err != nil {
		t.Fatalf("bind response conn: %v", err)
	}
	if err := srv.Bind(handles[1], "proc-1", true); err != nil {
		t.Fatalf("bind dispatch conn: %v", err)
	}

	partner, ok := srv.PartnerGet(handles[0])
	if !ok {
		t.Fatal("expected partner for response connection")
	}
	if partner.Handle != handles[1] {
		t.Fatalf("partner handle = %d, want %d", partner.Handle, handles[1])
	}
}

func TestPrivateData(t *testing.T) {
	srv, sockPath := startTestServer(t)
	conn := dial(t, sockPath)
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	var handle ConnHandle
	for time.Now().Before(deadline) {
		srv.mu.Lock()
		for h := range srv.conns {
			handle = h
		}
		srv.mu.Unlock()
		if handle != 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if handle == 0 {
		t.Fatal("connection never registered")
	}

	if err := srv.SetPrivateData(handle, "comp-a"); err != nil {
		t.Fatalf("set private data: %v", err)
	}
	data, ok := srv.PrivateData(handle)
	if !ok || data != "comp-a" {
		t.Fatalf("private data = %v, %v, want comp-a, true", data, ok)
	}
}

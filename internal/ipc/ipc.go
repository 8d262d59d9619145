// Package ipc implements the client library contract used by application
// processes to talk to the executive: connection handles, the
// response/dispatch connection pairing a client needs to both make
// synchronous calls and receive asynchronous callbacks (healthchecks,
// CSI set/remove, component terminate), and back-pressure signaling via
// TRY_AGAIN.
package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"

	"clustercore/internal/corerr"
	"clustercore/internal/registry"
	"clustercore/internal/wire"
)

// ConnHandle identifies one client connection for the lifetime of the
// process. 0 is never valid.
type ConnHandle uint64

// ErrTryAgain signals the caller should retry: either the executive's
// invocation table or a downstream service's queue is saturated.
var ErrTryAgain = errors.New("ipc: try again")

// PeerCredentials is whatever the platform can tell us about the process on
// the other end of a unix socket, used for access-control decisions.
type PeerCredentials struct {
	PID, UID, GID int
}

// Conn is one accepted client connection. Every client opens exactly two:
// a "response" connection used for synchronous request/response calls
// (open, read, write, ...) and a "dispatch" connection the executive uses
// to push asynchronous callbacks (healthcheck, CSI operations, component
// terminate) — see PartnerGet.
type Conn struct {
	Handle ConnHandle
	Creds  PeerCredentials

	// PrivateData is opaque data the owning component attaches (e.g. the
	// AMF component/process identity this connection belongs to) and
	// retrieves later via Server.PrivateData.
	PrivateData any

	// PartnerToken, when non-empty, is the shared identity a client uses
	// across its two connections (response + dispatch) so the executive
	// can pair them with PartnerGet.
	PartnerToken string
	IsDispatch   bool

	conn net.Conn
	mu   sync.Mutex
}

func (c *Conn) writeFrame(hdr wire.Header, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	hdr.Size = uint32(wire.HeaderSize + len(payload))
	buf := make([]byte, wire.HeaderSize)
	if err := hdr.Encode(buf); err != nil {
		return err
	}
	if _, err := c.conn.Write(buf); err != nil {
		return fmt.Errorf("ipc: write header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := c.conn.Write(payload); err != nil {
			return fmt.Errorf("ipc: write payload: %w", err)
		}
	}
	return nil
}

// Server accepts client connections on a unix socket, frames requests and
// responses with wire.Header, and dispatches requests through a
// registry.Registry. It also tracks the response/dispatch connection
// pairing so a handler processing a request on one connection can push an
// asynchronous callback through the other.
type Server struct {
	reg *registry.Registry

	mu       sync.Mutex
	conns    map[ConnHandle]*Conn
	partners map[string][]*Conn // token -> connections sharing it (up to 2: response + dispatch)
	nextID   uint64

	// backpressure gates how many requests may be in flight across all
	// connections before new ones are answered with ErrTryAgain, modeling
	// the invocation table's finite slab.
	maxInFlight int
	inFlight    int
}

func NewServer(reg *registry.Registry, maxInFlight int) *Server {
	if maxInFlight <= 0 {
		maxInFlight = 4096
	}
	return &Server{
		reg:         reg,
		conns:       make(map[ConnHandle]*Conn),
		partners:    make(map[string][]*Conn),
		maxInFlight: maxInFlight,
	}
}

// Listen creates (or recreates) the unix socket at socketPath and starts
// accepting connections in the background until ctx is cancelled.
func (s *Server) Listen(ctx context.Context, socketPath string) error {
	ln, err := listenUnix(socketPath)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	go s.acceptLoop(ctx, ln)
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("ipc: accept failed", "err", err)
			continue
		}
		conn := s.registerConn(c)
		go s.serve(ctx, conn)
	}
}

func (s *Server) registerConn(nc net.Conn) *Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	conn := &Conn{Handle: ConnHandle(s.nextID), conn: nc, Creds: peerCredentials(nc)}
	s.conns[conn.Handle] = conn
	return conn
}

func (s *Server) serve(ctx context.Context, conn *Conn) {
	defer s.closeConn(conn)
	for {
		req, err := readFrame(conn.conn)
		if err != nil {
			return
		}
		s.handleFrame(ctx, conn, req)
	}
}

func (s *Server) handleFrame(ctx context.Context, conn *Conn, frame []byte) {
	hdr, body, err := splitFrame(frame)
	if err != nil {
		return
	}

	s.mu.Lock()
	if s.inFlight >= s.maxInFlight {
		s.mu.Unlock()
		_ = conn.writeFrame(wire.Header{ID: hdr.ID, Error: errTryAgainCode}, nil)
		return
	}
	s.inFlight++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()

	connCtx := withConn(ctx, conn)
	resp, err := s.reg.Dispatch(connCtx, hdr.ID, body)
	respHdr := wire.Header{ID: hdr.ID}
	if err != nil {
		respHdr.Error = errorCode(err)
		resp = nil
	}
	if werr := conn.writeFrame(respHdr, resp); werr != nil {
		slog.Debug("ipc: write response failed", "conn", conn.Handle, "err", werr)
	}
}

const errTryAgainCode = uint32(corerr.TryAgain)

// errorCode maps err onto the wire header's Error field, so a client sees NOT_EXIST, EXIST, INVALID_PARAM, and the rest
// of corerr.Code instead of a single opaque failure code. Errors that never
// passed through corerr (a bare fmt.Errorf from a handler that forgot to
// wrap one) fall back to FAILED_OPERATION rather than Unspecified, which is
// not a valid wire value.
func errorCode(err error) uint32 {
	if errors.Is(err, ErrTryAgain) {
		return errTryAgainCode
	}
	if code := corerr.CodeOf(err); code != corerr.Unspecified {
		return uint32(code)
	}
	return uint32(corerr.FailedOperation)
}

func (s *Server) closeConn(conn *Conn) {
	_ = conn.conn.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn.Handle)
	if conn.PartnerToken != "" {
		peers := s.partners[conn.PartnerToken]
		for i, c := range peers {
			if c == conn {
				s.partners[conn.PartnerToken] = append(peers[:i], peers[i+1:]...)
				break
			}
		}
		if len(s.partners[conn.PartnerToken]) == 0 {
			delete(s.partners, conn.PartnerToken)
		}
	}
}

// Bind associates conn with a shared partner token (isDispatch distinguishes
// which of the pair this connection is). A client's response connection
// calls Bind first to establish the token; its dispatch connection then
// calls Bind with the same token so PartnerGet can find it.
func (s *Server) Bind(handle ConnHandle, token string, isDispatch bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.conns[handle]
	if !ok {
		return fmt.Errorf("ipc: unknown connection handle %d", handle)
	}
	conn.PartnerToken = token
	conn.IsDispatch = isDispatch
	s.partners[token] = append(s.partners[token], conn)
	return nil
}

// PartnerGet returns the dispatch connection paired with a response
// connection's token (or vice versa), used so a handler invoked on the
// response connection can push an asynchronous callback on the dispatch
// connection.
func (s *Server) PartnerGet(handle ConnHandle) (*Conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.conns[handle]
	if !ok || conn.PartnerToken == "" {
		return nil, false
	}
	for _, peer := range s.partners[conn.PartnerToken] {
		if peer != conn {
			return peer, true
		}
	}
	return nil, false
}

// SendResponse pushes an unsolicited frame (a dispatch callback) to handle,
// used by the executive to deliver healthcheck/CSI/terminate invocations.
func (s *Server) SendResponse(handle ConnHandle, id uint32, payload []byte) error {
	s.mu.Lock()
	conn, ok := s.conns[handle]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("ipc: unknown connection handle %d", handle)
	}
	return conn.writeFrame(wire.Header{ID: id}, payload)
}

// SetPrivateData attaches caller-defined data to a connection, retrievable
// later via PrivateData.
func (s *Server) SetPrivateData(handle ConnHandle, data any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.conns[handle]
	if !ok {
		return fmt.Errorf("ipc: unknown connection handle %d", handle)
	}
	conn.PrivateData = data
	return nil
}

// PrivateData returns the data previously attached via SetPrivateData.
func (s *Server) PrivateData(handle ConnHandle) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.conns[handle]
	if !ok {
		return nil, false
	}
	return conn.PrivateData, true
}

// Credentials returns the peer credentials captured at accept time.
func (s *Server) Credentials(handle ConnHandle) (PeerCredentials, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.conns[handle]
	if !ok {
		return PeerCredentials{}, false
	}
	return conn.Creds, true
}

type connCtxKey struct{}

func withConn(ctx context.Context, conn *Conn) context.Context {
	return context.WithValue(ctx, connCtxKey{}, conn)
}

// ConnFromContext recovers the requesting Conn inside a registry.HandlerFunc,
// for handlers that need the caller's handle (e.g. to call PartnerGet).
func ConnFromContext(ctx context.Context) (*Conn, bool) {
	conn, ok := ctx.Value(connCtxKey{}).(*Conn)
	return conn, ok
}

func readFrame(conn net.Conn) ([]byte, error) {
	hdrBuf := make([]byte, wire.HeaderSize)
	if _, err := io.ReadFull(conn, hdrBuf); err != nil {
		return nil, err
	}
	hdr, err := wire.DecodeHeader(hdrBuf)
	if err != nil {
		return nil, err
	}
	if hdr.Size < wire.HeaderSize {
		return nil, fmt.Errorf("ipc: invalid frame size %d", hdr.Size)
	}
	bodyLen := hdr.Size - wire.HeaderSize
	full := make([]byte, wire.HeaderSize+bodyLen)
	copy(full, hdrBuf)
	if bodyLen > 0 {
		if _, err := io.ReadFull(conn, full[wire.HeaderSize:]); err != nil {
			return nil, err
		}
	}
	return full, nil
}

func splitFrame(frame []byte) (wire.Header, []byte, error) {
	hdr, err := wire.DecodeHeader(frame)
	if err != nil {
		return wire.Header{}, nil, err
	}
	return hdr, frame[wire.HeaderSize:], nil
}

func listenUnix(socketPath string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return nil, fmt.Errorf("ipc: create socket directory: %w", err)
	}
	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("ipc: remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("ipc: listen unix: %w", err)
	}
	if err := os.Chmod(socketPath, 0o660); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("ipc: set socket permissions: %w", err)
	}
	if err := ensureSocketGroup(socketPath); err != nil {
		_ = ln.Close()
		return nil, err
	}
	return ln, nil
}

func ensureSocketGroup(socketPath string) error {
	if runtime.GOOS != "linux" {
		return nil
	}
	group, err := user.LookupGroup("clustercore")
	if err != nil {
		return nil
	}
	gid, err := strconv.Atoi(group.Gid)
	if err != nil {
		return nil
	}
	if err := os.Chown(socketPath, -1, gid); err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil
		}
		return fmt.Errorf("ipc: set socket group: %w", err)
	}
	return nil
}

package group

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// NodeIdFromKey derives a stable 32-bit NodeId from a WireGuard public key,
// the same identity the overlay network already uses to address this peer.
// The totem ring protocol itself (framing/retransmission/ordering) stays
// out of scope; what we need from the overlay is just a stable
// per-peer identifier and a reachable address, both of which the WireGuard
// peer table already provides.
func NodeIdFromKey(key wgtypes.Key) NodeId {
	var h uint32 = 2166136261
	for _, b := range key[:] {
		h ^= uint32(b)
		h *= 16777619
	}
	return NodeId(h)
}

// PeerAddr names a cluster peer's dial target over the overlay network.
type PeerAddr struct {
	Node NodeId
	Addr string // host:port reachable over the WireGuard interface
}

// TCPTransport is the production Transport: a full mesh of persistent TCP
// connections to every configured peer, each framed with a 4-byte
// big-endian length prefix. Membership is driven externally by
// UpdatePeers (typically from watching the WireGuard peer table) rather
// than derived from connection liveness, since a peer can be a legitimate
// member while its connection is being re-established.
type TCPTransport struct {
	self       NodeId
	listenAddr string

	mu           sync.Mutex
	peers        map[NodeId]string
	conns        map[NodeId]net.Conn
	onFrame      func(from NodeId, frame []byte)
	onMembership func(kind ConfChgType, members, left, joined []NodeId, ring RingId)

	ringSeq uint64
}

func NewTCPTransport(self NodeId, listenAddr string) *TCPTransport {
	return &TCPTransport{
		self:       self,
		listenAddr: listenAddr,
		peers:      make(map[NodeId]string),
		conns:      make(map[NodeId]net.Conn),
	}
}

func (t *TCPTransport) Self() NodeId { return t.self }

// Listen starts accepting inbound peer connections. Call once at startup.
func (t *TCPTransport) Listen(ctx context.Context) error {
	ln, err := net.Listen("tcp", t.listenAddr)
	if err != nil {
		return fmt.Errorf("group: listen %s: %w", t.listenAddr, err)
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	go t.acceptLoop(ctx, ln)
	return nil
}

func (t *TCPTransport) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("group: accept failed", "err", err)
			continue
		}
		go t.readLoop(ctx, conn)
	}
}

// UpdatePeers replaces the peer set and fires a TRANSITIONAL/REGULAR
// confchg pair, then (re)establishes outbound connections for new peers.
func (t *TCPTransport) UpdatePeers(ctx context.Context, peers []PeerAddr) {
	t.mu.Lock()
	prevMembers := members(t.peers, t.self)

	newPeers := make(map[NodeId]string, len(peers))
	for _, p := range peers {
		newPeers[p.Node] = p.Addr
	}
	newMembers := members(newPeers, t.self)

	left := diff(prevMembers, newMembers)
	joined := diff(newMembers, prevMembers)
	intersection := intersect(prevMembers, newMembers)
	t.peers = newPeers

	for _, id := range left {
		if conn, ok := t.conns[id]; ok {
			_ = conn.Close()
			delete(t.conns, id)
		}
	}

	t.ringSeq++
	ring := RingId{Representative: lowest(newMembers), Seq: t.ringSeq}
	onMembership := t.onMembership
	t.mu.Unlock()

	if onMembership != nil {
		onMembership(Transitional, intersection, left, nil, ring)
		onMembership(Regular, newMembers, left, joined, ring)
	}

	for _, p := range peers {
		if p.Node == t.self {
			continue
		}
		go t.maintainConn(ctx, p.Node, p.Addr)
	}
}

func members(peers map[NodeId]string, self NodeId) []NodeId {
	out := []NodeId{self}
	for id := range peers {
		out = append(out, id)
	}
	sortNodeIds(out)
	return out
}

func (t *TCPTransport) maintainConn(ctx context.Context, id NodeId, addr string) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // retry indefinitely until peer leaves or ctx is cancelled

	_ = backoff.Retry(func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		t.mu.Lock()
		_, stillPeer := t.peers[id]
		t.mu.Unlock()
		if !stillPeer {
			return backoff.Permanent(fmt.Errorf("peer %d left", id))
		}

		conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
		if err != nil {
			return err
		}

		t.mu.Lock()
		t.conns[id] = conn
		t.mu.Unlock()

		t.readLoop(ctx, conn)
		return fmt.Errorf("connection to %d closed, reconnecting", id)
	}, backoff.WithContext(bo, ctx))
}

func (t *TCPTransport) readLoop(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
			return
		}
		size := binary.BigEndian.Uint32(lenBuf[:])
		frame := make([]byte, size)
		if _, err := io.ReadFull(conn, frame); err != nil {
			return
		}

		t.mu.Lock()
		cb := t.onFrame
		t.mu.Unlock()
		if cb != nil {
			cb(0, frame) // sender NodeId is carried inside the frame by the sequencer relay
		}
	}
}

func (t *TCPTransport) Send(to NodeId, frame []byte) error {
	if to == t.self {
		t.mu.Lock()
		cb := t.onFrame
		t.mu.Unlock()
		if cb != nil {
			cb(t.self, frame)
		}
		return nil
	}

	t.mu.Lock()
	conn, ok := t.conns[to]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("group: no connection to node %d", to)
	}
	return writeFramed(conn, frame)
}

func (t *TCPTransport) Broadcast(frame []byte) error {
	t.mu.Lock()
	conns := make([]net.Conn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	cb := t.onFrame
	t.mu.Unlock()

	if cb != nil {
		cb(t.self, frame)
	}
	var firstErr error
	for _, c := range conns {
		if err := writeFramed(c, frame); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func writeFramed(conn net.Conn, frame []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(frame)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := conn.Write(frame)
	return err
}

func (t *TCPTransport) Subscribe(onFrame func(from NodeId, frame []byte), onMembership func(kind ConfChgType, members, left, joined []NodeId, ring RingId)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onFrame = onFrame
	t.onMembership = onMembership
}

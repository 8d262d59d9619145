// Package group implements the virtual-synchrony group-messaging port that
// every other service is built on: total-ordered multicast,
// a non-blocking send_ok probe, and deliver/confchg callbacks invoked on
// the single-threaded event loop.
//
// The raw totem ring reliability protocol itself — data-plane framing,
// retransmission, the negotiated byte order flag — is treated here as a
// black box behind the Transport interface. Port supplies the total-order guarantee on top of whatever
// Transport delivers, using a designated-sequencer scheme: the lowest
// live NodeId in the current ring assigns sequence numbers for every
// mcast and rebroadcasts the sequenced frame to the full membership,
// including the original sender, so every node (sequencer included)
// delivers through the same code path.
package group

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// NodeId identifies a processor.
type NodeId uint32

// RingId is a monotonically increasing configuration epoch identifier.
type RingId struct {
	Representative NodeId
	Seq            uint64
}

func (r RingId) String() string { return fmt.Sprintf("%d:%d", r.Representative, r.Seq) }

// Guarantee selects the delivery guarantee requested of Mcast. The core
// only needs AGREED (total order, every current member, exactly once per
// epoch).A; the type exists so call sites document intent.
type Guarantee int

const (
	GuaranteeAgreed Guarantee = iota
)

// ConfChgType distinguishes the two confchg phases.
type ConfChgType int

const (
	Transitional ConfChgType = iota
	Regular
)

func (c ConfChgType) String() string {
	if c == Transitional {
		return "TRANSITIONAL"
	}
	return "REGULAR"
}

var (
	// ErrBackpressure is returned by Mcast when the outgoing token queue is
	// saturated; handlers must retry on the next tick or propagate
	// TRY_AGAIN to the client.
	ErrBackpressure = errors.New("group: backpressure")
	ErrNotJoined    = errors.New("group: not joined to this group name")
)

// Handler receives deliveries and membership changes for one joined group
// name. All methods are invoked on the event-loop goroutine.
type Handler interface {
	// Deliver is called in total order across all Mcast calls cluster-wide
	// inside one ring. sender is the node that called Mcast. Port always
	// passes endianFlip=false: frames carry no byte-order flag, and
	// internal/wire encodes every scalar big-endian.
	Deliver(sender NodeId, payload []byte, endianFlip bool)
	// ConfChg is called once per phase on every membership change.
	ConfChg(kind ConfChgType, members, left, joined []NodeId, ring RingId)
}

// Transport is the black-box substrate Port rides on: reliable point-to-point
// delivery plus membership notification. Real deployments implement this
// over an encrypted overlay (see TCPTransport); tests use MemTransport.
type Transport interface {
	Self() NodeId
	// Send delivers frame to a specific peer, or to self if to == Self().
	Send(to NodeId, frame []byte) error
	// Broadcast delivers frame to every current member, including self.
	Broadcast(frame []byte) error
	// Subscribe registers the callbacks invoked for inbound frames and
	// membership changes. Only one subscriber is supported; Port is it.
	Subscribe(onFrame func(from NodeId, frame []byte), onMembership func(kind ConfChgType, members, left, joined []NodeId, ring RingId))
}

// frame wire format (beyond the transport's own framing):
//   msgKind:u8 | groupNameLen:u16 | groupName | seq:u64 | payload
// where payload is the originating sender's NodeId as a big-endian u32
// followed by the bytes passed to Mcast.
const (
	kindUserMcast byte = iota // sent to the sequencer, requesting a seq
	kindSequenced             // sequencer's rebroadcast, carries the assigned seq
)

type pendingSend struct {
	groupName string
	payload   []byte
}

// Port is the per-node group-messaging port. One Port serves every service
// in the daemon; services Join distinct group names (the default group
// name "" carries executive dispatch traffic routed by internal/registry,
// named groups like "ykd" and "flowcontrol" carry driver-internal traffic,
//).
type Port struct {
	mu        sync.Mutex
	transport Transport
	handlers  map[string]Handler
	ring      RingId
	members   []NodeId
	sequencer NodeId
	nextSeq   uint64
	queueCap  int
	queueLen  int
}

const defaultQueueCap = 4096

// New wires Port to transport and starts listening for frames/membership.
func New(transport Transport) *Port {
	p := &Port{
		transport: transport,
		handlers:  make(map[string]Handler),
		queueCap:  defaultQueueCap,
	}
	transport.Subscribe(p.onFrame, p.onMembership)
	return p
}

// Join registers h to receive deliveries and confchgs for groupName.
func (p *Port) Join(groupName string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[groupName] = h
}

// SendOk is a non-mutating probe: true iff Mcast with a buffer of this size
// would succeed right now without blocking.
func (p *Port) SendOk(size int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queueLen+size <= p.queueCap
}

// Mcast requests total-ordered delivery of payload under groupName to every
// current member, including self, exactly once per configuration epoch.
func (p *Port) Mcast(groupName string, payload []byte, _ Guarantee) error {
	p.mu.Lock()
	if p.queueLen+len(payload) > p.queueCap {
		p.mu.Unlock()
		return ErrBackpressure
	}
	p.queueLen += len(payload)
	sequencer := p.sequencer
	p.mu.Unlock()

	var sender [4]byte
	binary.BigEndian.PutUint32(sender[:], uint32(p.transport.Self()))
	frame := encodeFrame(kindUserMcast, groupName, 0, append(sender[:], payload...))
	return p.transport.Send(sequencer, frame)
}

func (p *Port) onFrame(from NodeId, frame []byte) {
	kind, groupName, seq, payload, err := decodeFrame(frame)
	if err != nil {
		return
	}

	switch kind {
	case kindUserMcast:
		p.mu.Lock()
		isSequencer := p.transport.Self() == p.sequencer
		if !isSequencer {
			p.mu.Unlock()
			return
		}
		p.nextSeq++
		seq := p.nextSeq
		p.mu.Unlock()

		sequenced := encodeFrame(kindSequenced, groupName, seq, payload)
		_ = p.transport.Broadcast(sequenced)

	case kindSequenced:
		if len(payload) < 4 {
			return
		}
		sender := NodeId(binary.BigEndian.Uint32(payload[:4]))
		payload = payload[4:]
		p.mu.Lock()
		p.queueLen -= len(payload)
		if p.queueLen < 0 {
			p.queueLen = 0
		}
		h := p.handlers[groupName]
		p.mu.Unlock()
		if h != nil {
			h.Deliver(sender, payload, false)
		}
		_ = seq // ordering within one sequencer epoch is provided by the
		// sequencer's single outbound broadcast stream per peer connection;
		// a fuller implementation would additionally gap-detect against seq
		// to survive sequencer mid-stream failover, which is out of scope
		// (the totem ring's own reliability is a black box).
	}
}

func (p *Port) onMembership(kind ConfChgType, members, left, joined []NodeId, ring RingId) {
	p.mu.Lock()
	p.ring = ring
	p.members = append([]NodeId(nil), members...)
	p.sequencer = lowest(members)
	handlers := make([]Handler, 0, len(p.handlers))
	for _, h := range p.handlers {
		handlers = append(handlers, h)
	}
	p.mu.Unlock()

	for _, h := range handlers {
		h.ConfChg(kind, members, left, joined, ring)
	}
}

// Members returns the current membership snapshot.
func (p *Port) Members() []NodeId {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]NodeId(nil), p.members...)
}

// Ring returns the current ring id.
func (p *Port) Ring() RingId {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ring
}

func lowest(members []NodeId) NodeId {
	if len(members) == 0 {
		return 0
	}
	sorted := append([]NodeId(nil), members...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[0]
}

func encodeFrame(kind byte, groupName string, seq uint64, payload []byte) []byte {
	buf := make([]byte, 0, 1+2+len(groupName)+8+len(payload))
	buf = append(buf, kind)
	var nameLen [2]byte
	binary.BigEndian.PutUint16(nameLen[:], uint16(len(groupName)))
	buf = append(buf, nameLen[:]...)
	buf = append(buf, groupName...)
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)
	buf = append(buf, seqBuf[:]...)
	buf = append(buf, payload...)
	return buf
}

func decodeFrame(frame []byte) (kind byte, groupName string, seq uint64, payload []byte, err error) {
	if len(frame) < 1+2 {
		return 0, "", 0, nil, fmt.Errorf("group: short frame")
	}
	kind = frame[0]
	nameLen := binary.BigEndian.Uint16(frame[1:3])
	off := 3
	if len(frame) < off+int(nameLen)+8 {
		return 0, "", 0, nil, fmt.Errorf("group: short frame")
	}
	groupName = string(frame[off : off+int(nameLen)])
	off += int(nameLen)
	seq = binary.BigEndian.Uint64(frame[off : off+8])
	off += 8
	payload = frame[off:]
	return kind, groupName, seq, payload, nil
}

// Package ykd implements the Yeung–Keidar–Dolev dynamic-voting algorithm
// that decides, on every configuration change, whether the local partition
// is the unique primary component allowed to mutate replicated state.
package ykd

import (
	"sort"
	"sync"

	"clustercore/internal/group"
	"clustercore/internal/wire"
)

const groupName = "ykd"

// State is the local node's decider state.
type phase int

const (
	phaseSendState phase = iota
	phaseAttempt
)

// Session is a candidate primary-component formation.
type Session struct {
	Members []group.NodeId
	ID      uint32
}

func (s Session) memberSet() map[group.NodeId]bool {
	m := make(map[group.NodeId]bool, len(s.Members))
	for _, n := range s.Members {
		m[n] = true
	}
	return m
}

// PeerState is the full YkdState a peer publishes under SEND_STATE.
type PeerState struct {
	Node              group.NodeId
	LastPrimary       Session
	LastFormed        []Session
	AmbiguousSessions []Session
	SessionID         uint32
}

// Decider runs the YKD algorithm for one node.
type Decider struct {
	mu sync.Mutex

	port *group.Port

	self    group.NodeId
	members []group.NodeId

	phase     phase
	received  map[group.NodeId]bool
	peerState map[group.NodeId]PeerState

	lastPrimary       Session
	lastFormed        []Session
	ambiguousSessions []Session
	sessionID         uint32

	isPrimary bool

	onPrimaryChange func(isPrimary bool, members []group.NodeId)
}

// New creates a Decider and joins it to port under the "ykd" group. The
// callback receives the membership the decision was made over so callers
// (flow-control gating, the sync driver) can act on the same view.
func New(self group.NodeId, port *group.Port, onPrimaryChange func(isPrimary bool, members []group.NodeId)) *Decider {
	d := &Decider{
		self:            self,
		port:            port,
		peerState:       make(map[group.NodeId]PeerState),
		onPrimaryChange: onPrimaryChange,
	}
	port.Join(groupName, d)
	return d
}

// IsPrimary reports the most recently decided primary-component status.
func (d *Decider) IsPrimary() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.isPrimary
}

// ConfChg implements group.Handler. On TRANSITIONAL the node resets
// received-tracking, enters SEND_STATE, marks itself non-primary, and
// publishes its full state.
func (d *Decider) ConfChg(kind group.ConfChgType, members, left, joined []group.NodeId, ring group.RingId) {
	if kind != group.Transitional {
		return
	}

	d.mu.Lock()
	d.members = append([]group.NodeId(nil), members...)
	d.phase = phaseSendState
	d.received = make(map[group.NodeId]bool, len(members))
	d.peerState = make(map[group.NodeId]PeerState, len(members))
	wasPrimary := d.isPrimary
	d.isPrimary = false
	d.mu.Unlock()

	if wasPrimary {
		d.notifyPrimaryChange(false, members)
	}

	d.publishState()
}

// Deliver implements group.Handler.
func (d *Decider) Deliver(sender group.NodeId, payload []byte, endianFlip bool) {
	dec := wire.NewDecoder(payload)
	kind, err := dec.Uint32()
	if err != nil {
		return
	}

	switch kind {
	case msgSendState:
		state, err := decodePeerState(sender, dec)
		if err != nil {
			return
		}
		d.onSendState(state)
	case msgAttempt:
		d.onAttempt(sender)
	}
}

const (
	msgSendState uint32 = iota
	msgAttempt
)

func (d *Decider) publishState() {
	d.mu.Lock()
	state := PeerState{
		Node:              d.self,
		LastPrimary:       d.lastPrimary,
		LastFormed:        append([]Session(nil), d.lastFormed...),
		AmbiguousSessions: append([]Session(nil), d.ambiguousSessions...),
		SessionID:         d.sessionID,
	}
	d.mu.Unlock()

	enc := wire.NewEncoder()
	enc.PutUint32(msgSendState)
	encodePeerState(enc, state)
	_ = d.port.Mcast(groupName, enc.Bytes(), group.GuaranteeAgreed)
}

func (d *Decider) onSendState(state PeerState) {
	d.mu.Lock()
	if d.phase != phaseSendState {
		d.mu.Unlock()
		return
	}
	d.peerState[state.Node] = state
	d.received[state.Node] = true
	allReceived := d.allReceivedLocked()
	d.mu.Unlock()

	if allReceived {
		d.decidePrimary()
	}
}

func (d *Decider) onAttempt(sender group.NodeId) {
	d.mu.Lock()
	if d.phase != phaseAttempt {
		d.mu.Unlock()
		return
	}
	d.received[sender] = true
	allReceived := d.allReceivedLocked()
	d.mu.Unlock()

	if allReceived {
		d.commit()
	}
}

func (d *Decider) allReceivedLocked() bool {
	for _, n := range d.members {
		if !d.received[n] {
			return false
		}
	}
	return len(d.members) > 0
}

// decidePrimary runs the SEND_STATE all-received action: compute the
// session maxima, test subquorum, and if primary begin the ATTEMPT phase.
func (d *Decider) decidePrimary() {
	d.mu.Lock()

	var sessionIDMax uint32
	var lastPrimaryMax Session
	for _, s := range d.peerState {
		if s.SessionID > sessionIDMax {
			sessionIDMax = s.SessionID
		}
		if s.LastPrimary.ID > lastPrimaryMax.ID {
			lastPrimaryMax = s.LastPrimary
		}
	}

	ambiguousUnion := make(map[uint32]Session)
	for _, s := range d.peerState {
		for _, amb := range s.AmbiguousSessions {
			if amb.ID > lastPrimaryMax.ID {
				ambiguousUnion[amb.ID] = amb
			}
		}
	}

	currentView := Session{Members: append([]group.NodeId(nil), d.members...)}

	primary := subquorum(currentView, lastPrimaryMax)
	if primary {
		for _, amb := range ambiguousUnion {
			if !subquorum(currentView, amb) {
				primary = false
				break
			}
		}
	}

	if !primary {
		d.mu.Unlock()
		return
	}

	d.sessionID = sessionIDMax + 1
	currentView.ID = d.sessionID
	d.ambiguousSessions = append(d.ambiguousSessions, currentView)
	d.phase = phaseAttempt
	d.received = make(map[group.NodeId]bool, len(d.members))
	d.mu.Unlock()

	enc := wire.NewEncoder()
	enc.PutUint32(msgAttempt)
	_ = d.port.Mcast(groupName, enc.Bytes(), group.GuaranteeAgreed)
}

// commit implements the ATTEMPT phase's all-received action: asserts
// primary and records the new last_primary session.
func (d *Decider) commit() {
	d.mu.Lock()
	currentView := Session{Members: append([]group.NodeId(nil), d.members...), ID: d.sessionID}
	d.lastPrimary = currentView
	d.lastFormed = append(d.lastFormed, currentView)
	d.ambiguousSessions = nil
	d.isPrimary = true
	d.mu.Unlock()

	d.notifyPrimaryChange(true, currentView.Members)
}

func (d *Decider) notifyPrimaryChange(isPrimary bool, members []group.NodeId) {
	if d.onPrimaryChange != nil {
		d.onPrimaryChange(isPrimary, append([]group.NodeId(nil), members...))
	}
}

// subquorum reports whether view's intersection with reference's member
// list is at least half of reference's size, ties counting in favor.
func subquorum(view, reference Session) bool {
	if len(reference.Members) == 0 {
		return true // no reference session yet formed: any view qualifies
	}
	refSet := reference.memberSet()
	intersection := 0
	for _, n := range view.Members {
		if refSet[n] {
			intersection++
		}
	}
	return 2*intersection >= len(reference.Members)
}

func encodePeerState(enc *wire.Encoder, s PeerState) {
	encodeSession(enc, s.LastPrimary)
	enc.PutUint32(uint32(len(s.LastFormed)))
	for _, f := range s.LastFormed {
		encodeSession(enc, f)
	}
	enc.PutUint32(uint32(len(s.AmbiguousSessions)))
	for _, a := range s.AmbiguousSessions {
		encodeSession(enc, a)
	}
	enc.PutUint32(s.SessionID)
}

func decodePeerState(sender group.NodeId, dec *wire.Decoder) (PeerState, error) {
	lastPrimary, err := decodeSession(dec)
	if err != nil {
		return PeerState{}, err
	}
	nFormed, err := dec.Uint32()
	if err != nil {
		return PeerState{}, err
	}
	formed := make([]Session, 0, nFormed)
	for i := uint32(0); i < nFormed; i++ {
		s, err := decodeSession(dec)
		if err != nil {
			return PeerState{}, err
		}
		formed = append(formed, s)
	}
	nAmb, err := dec.Uint32()
	if err != nil {
		return PeerState{}, err
	}
	ambiguous := make([]Session, 0, nAmb)
	for i := uint32(0); i < nAmb; i++ {
		s, err := decodeSession(dec)
		if err != nil {
			return PeerState{}, err
		}
		ambiguous = append(ambiguous, s)
	}
	sessionID, err := dec.Uint32()
	if err != nil {
		return PeerState{}, err
	}
	return PeerState{
		Node:              sender,
		LastPrimary:       lastPrimary,
		LastFormed:        formed,
		AmbiguousSessions: ambiguous,
		SessionID:         sessionID,
	}, nil
}

func encodeSession(enc *wire.Encoder, s Session) {
	enc.PutUint32(uint32(len(s.Members)))
	for _, m := range s.Members {
		enc.PutUint32(uint32(m))
	}
	enc.PutUint32(s.ID)
}

func decodeSession(dec *wire.Decoder) (Session, error) {
	n, err := dec.Uint32()
	if err != nil {
		return Session{}, err
	}
	members := make([]group.NodeId, 0, n)
	for i := uint32(0); i < n; i++ {
		m, err := dec.Uint32()
		if err != nil {
			return Session{}, err
		}
		members = append(members, group.NodeId(m))
	}
	id, err := dec.Uint32()
	if err != nil {
		return Session{}, err
	}
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	return Session{Members: members, ID: id}, nil
}

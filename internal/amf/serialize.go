package amf

import (
	"sort"

	"clustercore/internal/group"
	"clustercore/internal/wire"
)

// Init, Process, Activate, and Abort implement clustersync.Service,
// synchronizing the entity graph's runtime tuple: a joining node
// deserializes into a fresh graph under its known parents, so only the
// per-component runtime
// fields travel; the static configuration (names, commands, timeouts) is
// assumed already loaded identically from the object database on every
// node.
func (e *Engine) Init(view []uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	names := make([]string, 0, len(e.graph.Comps))
	for name := range e.graph.Comps {
		names = append(names, name)
	}
	sort.Strings(names)

	e.syncNames = names
	e.syncIdx = 0
	e.syncRing = e.port.Ring()
	e.syncWork = make(map[string]componentRuntime, len(names))
	return nil
}

// componentRuntime is the per-component runtime tuple: oper_state,
// presence_state, restart_count, proxy_name, clccli_path, comptype, and
// error_suspected. clccli_path is resolved by internal/launcher at
// invocation time rather than stored, so it is omitted here; comptype is
// derived and re-derived on the receiving side instead of carried.
type componentRuntime struct {
	OperState      OperState
	PresenceState  PresenceState
	RestartCount   int
	ProxyName      string
	ErrorSuspected bool
}

// Process multicasts one SYNC_COMPONENT message per remaining component.
func (e *Engine) Process() (bool, error) {
	e.mu.Lock()
	if e.syncIdx >= len(e.syncNames) {
		e.mu.Unlock()
		return true, nil
	}
	name := e.syncNames[e.syncIdx]
	c, ok := e.graph.Comps[name]
	ring := e.syncRing
	e.mu.Unlock()

	if !ok {
		e.mu.Lock()
		e.syncIdx++
		e.mu.Unlock()
		return false, nil
	}

	enc := wire.NewEncoder()
	enc.PutUint16(uint16(evtSyncComponent))
	enc.PutUint32(uint32(ring.Representative))
	enc.PutUint64(ring.Seq)
	if err := enc.PutName(name); err != nil {
		return false, err
	}
	putComponentRuntime(enc, componentRuntime{
		OperState:      c.OperState,
		PresenceState:  c.PresenceState,
		RestartCount:   c.RestartCount,
		ProxyName:      c.ProxyName,
		ErrorSuspected: c.ErrorSuspected,
	})
	if err := e.port.Mcast(groupName, enc.Bytes(), group.GuaranteeAgreed); err != nil {
		return false, nil // back-pressure: PROGRESS, retry from here
	}

	e.mu.Lock()
	e.syncIdx++
	e.mu.Unlock()
	return false, nil
}

func putComponentRuntime(enc *wire.Encoder, r componentRuntime) {
	enc.PutUint32(uint32(r.OperState))
	enc.PutUint32(uint32(r.PresenceState))
	enc.PutUint32(uint32(r.RestartCount))
	_ = enc.PutName(r.ProxyName)
	if r.ErrorSuspected {
		enc.PutUint16(1)
	} else {
		enc.PutUint16(0)
	}
}

func getComponentRuntime(d *wire.Decoder) (componentRuntime, error) {
	var r componentRuntime
	oper, err := d.Uint32()
	if err != nil {
		return r, err
	}
	presence, err := d.Uint32()
	if err != nil {
		return r, err
	}
	restarts, err := d.Uint32()
	if err != nil {
		return r, err
	}
	proxy, err := d.Name()
	if err != nil {
		return r, err
	}
	suspected, err := d.Uint16()
	if err != nil {
		return r, err
	}
	r.OperState = OperState(oper)
	r.PresenceState = PresenceState(presence)
	r.RestartCount = int(restarts)
	r.ProxyName = proxy
	r.ErrorSuspected = suspected != 0
	return r, nil
}

// applySyncComponent merges an inbound SYNC_COMPONENT message into the
// in-progress reconciliation, ignoring replays stamped with the already-
// synced ring.
func (e *Engine) applySyncComponent(d *wire.Decoder) {
	repNode, err := d.Uint32()
	if err != nil {
		return
	}
	seq, err := d.Uint64()
	if err != nil {
		return
	}
	previousRing := group.RingId{Representative: group.NodeId(repNode), Seq: seq}

	e.mu.Lock()
	defer e.mu.Unlock()
	if previousRing == e.savedRing || e.syncWork == nil {
		return
	}

	name, err := d.Name()
	if err != nil {
		return
	}
	rt, err := getComponentRuntime(d)
	if err != nil {
		return
	}
	e.syncWork[name] = rt
}

// Activate applies every reconciled runtime tuple onto the live graph.
func (e *Engine) Activate() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for name, rt := range e.syncWork {
		c, ok := e.graph.Comps[name]
		if !ok {
			continue
		}
		c.OperState = rt.OperState
		c.PresenceState = rt.PresenceState
		c.RestartCount = rt.RestartCount
		c.ProxyName = rt.ProxyName
		c.ErrorSuspected = rt.ErrorSuspected
	}
	e.savedRing = e.syncRing
	e.syncWork = nil
	e.syncNames = nil
	e.syncIdx = 0
	return nil
}

// Abort discards the in-progress reconciliation.
func (e *Engine) Abort() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.syncWork = nil
	e.syncNames = nil
	e.syncIdx = 0
}

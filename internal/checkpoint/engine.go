package checkpoint

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"clustercore/internal/corerr"
	"clustercore/internal/flowcontrol"
	"clustercore/internal/group"
	"clustercore/internal/timer"
	"clustercore/internal/wire"
)

const groupName = "ckpt"

// FlowHandle gates SectionWrite/Overwrite admission without dropping
// in-flight operations: set active while the node is not primary. A
// running sync round does not set it.
// Exported so the daemon's YKD primary-change callback can drive it.
const FlowHandle flowcontrol.Handle = "checkpoint.write"

const flowHandle = FlowHandle

// LoopbackNodeId is the synthetic single-member id a node starts under
// before it has joined a real ring.
const LoopbackNodeId group.NodeId = 0

// pendingResult is what a Deliver completion hands back to the Go call
// that originated the operation on this node.
type pendingResult struct {
	value any
	err   error
}

// Engine is the per-node checkpoint service: it owns every Checkpoint this
// node knows about and is the group.Handler for the "ckpt" group.
type Engine struct {
	self group.NodeId
	port *group.Port
	fc   *flowcontrol.Controller
	wh   *timer.Wheel
	now  func() time.Time

	mu          sync.Mutex
	checkpoints map[string]*Checkpoint
	members     []group.NodeId

	pendMu  sync.Mutex
	pending map[uint64]chan pendingResult
	nextID  uint64

	// Sync round state; see sync.go. syncWork is both the snapshot Process
	// walks and the reconciliation target Activate commits.I
	// ("sync_process() walks the snapshot" / "sync_activate() replaces the
	// live list with the reconciled one" describe the same structure).
	syncActive    bool
	syncWork      map[string]*Checkpoint
	syncNames     []string
	syncRing      group.RingId
	savedRing     group.RingId
	syncNameIdx   int
	syncSectIdx   int
	syncByteOff   uint32
}

// New creates an Engine, joins it to port under the checkpoint group, and
// registers its write-gating flow-control handle.
func New(self group.NodeId, port *group.Port, fc *flowcontrol.Controller, wh *timer.Wheel) *Engine {
	e := &Engine{
		self:        self,
		port:        port,
		fc:          fc,
		wh:          wh,
		now:         time.Now,
		checkpoints: make(map[string]*Checkpoint),
		pending:     make(map[uint64]chan pendingResult),
		members:     []group.NodeId{LoopbackNodeId},
	}
	port.Join(groupName, e)
	return e
}

// SetClock replaces the clock that stamps each section's LastUpdate. Timer
// deadlines are not affected: the timer wheel keeps its own clock.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// ServiceID orders this service within a clustersync round;
// checkpoint (CKPT=3) runs after AMF.
func (e *Engine) ServiceID() uint16 { return 3 }

// call multicasts an operation and blocks for its applied result. With the
// in-process MemTransport the result is already delivered by the time
// Mcast returns (designated-sequencer relay happens on the same call
// stack); with a real transport the result arrives asynchronously on the
// reader goroutine and this blocks until then, or until ctx is done.
func (e *Engine) call(ctx context.Context, payload []byte, corrID uint64) (any, error) {
	respCh := make(chan pendingResult, 1)
	e.pendMu.Lock()
	e.pending[corrID] = respCh
	e.pendMu.Unlock()

	if err := e.port.Mcast(groupName, payload, group.GuaranteeAgreed); err != nil {
		e.pendMu.Lock()
		delete(e.pending, corrID)
		e.pendMu.Unlock()
		return nil, corerr.New(corerr.TryAgain, "checkpoint: mcast: %v", err)
	}

	select {
	case res := <-respCh:
		return res.value, res.err
	case <-ctx.Done():
		e.pendMu.Lock()
		delete(e.pending, corrID)
		e.pendMu.Unlock()
		return nil, ctx.Err()
	}
}

func (e *Engine) nextCorrID() uint64 {
	e.pendMu.Lock()
	defer e.pendMu.Unlock()
	e.nextID++
	return e.nextID
}

// admit applies the library-message admission rule to writes:
// refused with TRY_AGAIN when the write flow-control handle is active
// (this or another node is not primary) or the group port reports
// back-pressure.
func (e *Engine) admit(size int) error {
	if e.fc != nil && e.fc.State(flowHandle) {
		return corerr.New(corerr.TryAgain, "checkpoint: write gated by flow control")
	}
	if !e.port.SendOk(size) {
		return corerr.New(corerr.TryAgain, "checkpoint: group back-pressured")
	}
	return nil
}

// Deliver decodes one executive checkpoint message and applies it to
// local state; this runs identically on every node, including the
// originator.
func (e *Engine) Deliver(sender group.NodeId, payload []byte, endianFlip bool) {
	d := wire.NewDecoder(payload)
	kindRaw, err := d.Uint16()
	if err != nil {
		slog.Warn("checkpoint: short message", "err", err)
		return
	}
	corrID, err := d.Uint64()
	if err != nil {
		slog.Warn("checkpoint: short message", "err", err)
		return
	}
	originNode32, err := d.Uint32()
	if err != nil {
		slog.Warn("checkpoint: short message", "err", err)
		return
	}
	origin := group.NodeId(originNode32)
	kind := opKind(kindRaw)

	if kind == opSyncState || kind == opSyncSection {
		e.applySync(kind, d)
		return
	}

	value, applyErr := e.apply(kind, sender, d)

	if origin != e.self {
		return // only the origin node replies to its client
	}
	e.pendMu.Lock()
	ch, ok := e.pending[corrID]
	delete(e.pending, corrID)
	e.pendMu.Unlock()
	if ok {
		ch <- pendingResult{value: value, err: applyErr}
	}
}

// ConfChg implements group.Handler. On TRANSITIONAL it deducts leaving
// nodes' ref contributions (or performs the one-time loopback-to-real
// rewrite).I "Membership Exits".
func (e *Engine) ConfChg(kind group.ConfChgType, members, left, joined []group.NodeId, ring group.RingId) {
	if kind != group.Transitional {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	prior := e.members
	e.members = append([]group.NodeId(nil), members...)

	if isLoopbackBootstrap(prior, left, joined) {
		real := joined[0]
		for _, c := range e.checkpoints {
			if v, ok := c.RefPerNode[LoopbackNodeId]; ok {
				c.RefPerNode[real] += v
				delete(c.RefPerNode, LoopbackNodeId)
			}
		}
		return
	}

	for _, leaver := range left {
		for _, c := range e.checkpoints {
			contrib, ok := c.RefPerNode[leaver]
			if !ok {
				continue
			}
			delete(c.RefPerNode, leaver)
			if c.RefCount >= contrib {
				c.RefCount -= contrib
			} else {
				c.RefCount = 0
			}
			if c.RefCount == 1 {
				e.maybeArmRetention(c)
			}
		}
	}
}

func isLoopbackBootstrap(prior, left, joined []group.NodeId) bool {
	return len(prior) == 1 && prior[0] == LoopbackNodeId &&
		len(left) == 1 && left[0] == LoopbackNodeId &&
		len(joined) == 1
}

// apply is the state-transition function of (current state, decoded
// message) -> (result, error); replaying the same delivered stream on any
// node must yield identical state. Called with e.mu held internally per op.
func (e *Engine) apply(kind opKind, sender group.NodeId, d *wire.Decoder) (any, error) {
	switch kind {
	case opOpen:
		return e.applyOpen(sender, d)
	case opClose:
		return nil, e.applyClose(sender, d)
	case opUnlink:
		return nil, e.applyUnlink(d)
	case opRetentionSet:
		return nil, e.applyRetentionSet(d)
	case opSectionCreate:
		return nil, e.applySectionCreate(d)
	case opSectionDelete:
		return nil, e.applySectionDelete(d)
	case opSectionExpirationSet:
		return nil, e.applySectionExpirationSet(d)
	case opSectionWrite:
		return nil, e.applySectionWrite(d)
	case opSectionOverwrite:
		return nil, e.applySectionOverwrite(d)
	case opSectionRead:
		return e.applySectionRead(d)
	default:
		return nil, corerr.New(corerr.InvalidParam, "checkpoint: unknown op %d", kind)
	}
}

// Names returns every known checkpoint name, sorted, for admin listing.
func (e *Engine) Names() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.checkpoints))
	for name := range e.checkpoints {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns a shallow copy of the named checkpoint's metadata for
// read-only inspection (admin CLI, tests). Returns false if absent.
func (e *Engine) Snapshot(name string) (Checkpoint, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.checkpoints[name]
	if !ok {
		return Checkpoint{}, false
	}
	cp := *c
	cp.RefPerNode = make(map[group.NodeId]uint32, len(c.RefPerNode))
	for k, v := range c.RefPerNode {
		cp.RefPerNode[k] = v
	}
	return cp, true
}

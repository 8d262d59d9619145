package amf

import (
	"log/slog"
	"sync"
	"time"

	"clustercore/internal/group"
	"clustercore/internal/invocation"
	"clustercore/internal/timer"
	"clustercore/internal/wire"
)

const groupName = "amf"

// serviceID is the AMF wire service id.
const serviceID = 2

// Hooks are the side effects an Engine cannot perform itself (launching OS
// processes, dispatching IPC callbacks to a component) because those
// belong to other packages (internal/launcher, internal/ipc). Wiring them
// here rather than importing those packages keeps amf a pure graph/state-
// machine package, the same functional-option shape internal/flowcontrol
// and internal/checkpoint use for their dependencies.
type Hooks struct {
	// Instantiate/Terminate/Cleanup run only on the node hosting comp's SU;
	// on every other node they are no-ops the caller should skip. They
	// must not block the event loop — real implementations hand
	// off to a worker and report back via CleanupCompleted/Register.
	Instantiate func(comp *Component)
	Terminate   func(comp *Component)
	Cleanup     func(comp *Component)

	// CSISet/CSIRemove dispatch a callback to the component over its IPC
	// dispatch connection; the reply arrives later via ConfirmCSI.
	CSISet    func(comp *Component, csi *CSI, state HAState, flag CSISetFlag)
	CSIRemove func(comp *Component, csi *CSI)

	// CSIQuiesced fires when a component confirms (or fails) a previously
	// requested HAQuiescing CSISetCallback. This is
	// the only Confirmed-state transition amf surfaces to hooks, since it
	// is the one a caller (internal/recovery, mid-switchover) needs to act
	// on rather than merely record.
	CSIQuiesced func(comp *Component, csi *CSI, ok bool)

	// Healthcheck sends an AMF_INVOKED HealthcheckCallback request.
	Healthcheck func(comp *Component, key string)

	// ErrorReported fires after applyErrorReport resolves NO_RECOMMENDATION
	// against the component's configured default, for every recovery scope
	// wider than COMPONENT_RESTART (which amf handles locally). This is
	// where internal/recovery's Orchestrator widens the reaction:
	// COMPONENT_FAILOVER unassigns/reinstantiates elsewhere,
	// NODE_FAILOVER unassigns the whole node.
	ErrorReported func(comp *Component, recommended RecoveryScope)
}

// Engine is the per-node AMF service: it owns the entity Graph and is the
// group.Handler for the "amf" group, applying every executive event
// identically on all nodes.
type Engine struct {
	self group.NodeId
	port *group.Port
	wh   *timer.Wheel
	inv  *invocation.Table
	now  func() time.Time
	hooks Hooks

	mu    sync.Mutex
	graph *Graph

	// pendingHooks collects Hooks side-effect closures queued by apply()
	// while e.mu is held; Deliver drains and invokes them only after
	// unlocking, so a hook that reads back through Graph() (or any other
	// locking Engine method) never re-enters e.mu on the same goroutine.
	pendingHooks []func()

	// localSUs is the set of service units this node hosts, decided by
	// external configuration (objdb), so apply() knows whether to run
	// Hooks side effects for a given component.
	localSUs map[string]bool

	// onConfChg lets internal/recovery observe membership changes without
	// amf importing it.
	onConfChg func(kind group.ConfChgType, members, left, joined []group.NodeId, ring group.RingId)

	// Sync-round state; see serialize.go.
	syncNames []string
	syncIdx   int
	syncRing  group.RingId
	savedRing group.RingId
	syncWork  map[string]componentRuntime
}

// New creates an Engine, joins it to port under the AMF group, and
// installs hooks for OS/IPC side effects.
func New(self group.NodeId, port *group.Port, wh *timer.Wheel, inv *invocation.Table, hooks Hooks) *Engine {
	e := &Engine{
		self:     self,
		port:     port,
		wh:       wh,
		inv:      inv,
		now:      time.Now,
		hooks:    hooks,
		graph:    NewGraph(),
		localSUs: make(map[string]bool),
	}
	port.Join(groupName, e)
	return e
}

// SetClock replaces the Engine's clock function. Timer deadlines are not
// affected: the timer wheel keeps its own clock.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// SetHooks installs the side-effect hooks internal/recovery wires in after
// constructing its Orchestrator around this Engine.
func (e *Engine) SetHooks(hooks Hooks) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks = hooks
}

// ServiceID implements clustersync.Service; AMF (2) runs before checkpoint
// (3) in sync order.
func (e *Engine) ServiceID() uint16 { return serviceID }

// SetLocalSU marks suName as hosted by this node, so presence-transition
// Actions actually fire the launcher hooks here instead of elsewhere.
func (e *Engine) SetLocalSU(suName string, local bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.localSUs[suName] = local
}

// UpdateSGBudgets hot-applies a reloaded service group's escalation
// budgets. Counters and the current level are preserved; only the maxima
// move.
func (e *Engine) UpdateSGBudgets(sgName string, compRestartMax, suRestartMax int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sg, ok := e.graph.SGs[sgName]
	if !ok {
		return
	}
	sg.CompRestartMax = compRestartMax
	sg.SURestartMax = suRestartMax
}

// Graph returns the live entity graph for read-only inspection (admin CLI,
// tests). Callers must not retain pointers across a tick without holding
// the Engine's own discipline in mind: this is a best-effort snapshot
// reference; the graph belongs to the event loop.
func (e *Engine) Graph() *Graph {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.graph
}

// Deliver implements group.Handler.
func (e *Engine) Deliver(sender group.NodeId, payload []byte, endianFlip bool) {
	d := wire.NewDecoder(payload)
	kindRaw, err := d.Uint16()
	if err != nil {
		slog.Warn("amf: short message", "err", err)
		return
	}
	kind := evtKind(kindRaw)
	if kind == evtSyncComponent {
		e.applySyncComponent(d)
		return
	}

	e.mu.Lock()
	e.apply(kind, sender, d)
	pending := e.pendingHooks
	e.pendingHooks = nil
	e.mu.Unlock()

	for _, fn := range pending {
		fn()
	}
}

// queueHook defers a Hooks side-effect call until after the current
// apply() call returns and e.mu is released (see pendingHooks). Must be
// called with e.mu held.
func (e *Engine) queueHook(fn func()) {
	e.pendingHooks = append(e.pendingHooks, fn)
}

// ConfChg implements group.Handler. AMF's own sync/reassignment reaction
// to membership change is driven by internal/recovery, which subscribes via OnConfChg.
func (e *Engine) ConfChg(kind group.ConfChgType, members, left, joined []group.NodeId, ring group.RingId) {
	if e.onConfChg != nil {
		e.onConfChg(kind, members, left, joined, ring)
	}
}

// SetConfChgHook installs the callback internal/recovery uses to drive SI
// (re)assignment and registered-but-node-left handling.
func (e *Engine) SetConfChgHook(fn func(kind group.ConfChgType, members, left, joined []group.NodeId, ring group.RingId)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onConfChg = fn
}

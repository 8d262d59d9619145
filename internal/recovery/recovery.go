// Package recovery implements the AMF recovery orchestration subsystem
// sitting between internal/amf and internal/launcher: it keeps
// the instantiate/cleanup supervision timers, reacts to error reports by
// widening recovery scope.J's table, drives SI (re)assignment
// on membership change, and turns internal/launcher's results back into
// the multicast events internal/amf's presence machine expects.
package recovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"clustercore/internal/amf"
	"clustercore/internal/group"
	"clustercore/internal/launcher"
	"clustercore/internal/timer"
)

// Orchestrator wires internal/amf's Engine to internal/launcher's
// Launcher. One Orchestrator runs per node; only the node hosting a
// component's SU actually launches anything; every other node tracks the
// same transitions through the multicast events alone.
type Orchestrator struct {
	self   group.NodeId
	engine *amf.Engine
	launch *launcher.Launcher
	wh     *timer.Wheel

	mu sync.Mutex
	// instantiateTimers/cleanupTimers are per-component supervision
	// timers.
	instantiateTimers map[string]timer.Handle
	cleanupTimers     map[string]timer.Handle

	// quiescing tracks an SU-level switchover in progress — each assigned
	// CSI is sent CSISetCallback(QUIESCING) and must confirm before the SU
	// is unassigned: the set of
	// CSI names still owed a confirmation, and the supervision timer that
	// forces the switchover through if a component never replies.
	quiescing map[string]*quiesceWait

	// nodeNames maps the group-messaging NodeId a confchg reports leaving/
	// joining to the AMF graph's Node.Name, so onConfChg can drive the
	// per-node reactions (deducting the leaver's state, reassigning its
	// SUs). Populated by the daemon's
	// wiring from the object-database node list.
	nodeNames map[group.NodeId]string
}

// quiesceWait is the per-SU bookkeeping for a switchover awaiting
// CSIQuiescingComplete from every assigned component.
type quiesceWait struct {
	pending map[string]bool // CSI names not yet confirmed quiesced
	timer   timer.Handle
}

// defaultQuiescingTimeout bounds how long a switchover waits for a
// component's CSIQuiescingComplete before forcing the unassign/reassign
// through anyway.
const defaultQuiescingTimeout = 5 * time.Second

// New creates an Orchestrator and wires it into engine's Hooks and
// membership-change callback. engine must not have had hooks installed
// yet; New installs them.
func New(self group.NodeId, engine *amf.Engine, launch *launcher.Launcher, wh *timer.Wheel) *Orchestrator {
	o := &Orchestrator{
		self:              self,
		engine:            engine,
		launch:            launch,
		wh:                wh,
		instantiateTimers: make(map[string]timer.Handle),
		cleanupTimers:     make(map[string]timer.Handle),
		nodeNames:         make(map[group.NodeId]string),
		quiescing:         make(map[string]*quiesceWait),
	}
	engine.SetHooks(amf.Hooks{
		Instantiate:   o.onInstantiate,
		Terminate:     o.onTerminate,
		Cleanup:       o.onCleanup,
		CSISet:        o.onCSISet,
		CSIRemove:     o.onCSIRemove,
		CSIQuiesced:   o.onCSIQuiesced,
		Healthcheck:   o.onHealthcheck,
		ErrorReported: o.onErrorReport,
	})
	engine.SetConfChgHook(o.onConfChg)
	return o
}

// SetNodeName records the AMF graph Node.Name hosted at group-messaging id,
// so onConfChg can translate a leaving/joining NodeId into the entity it
// governs.
func (o *Orchestrator) SetNodeName(id group.NodeId, name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nodeNames[id] = name
}

func (o *Orchestrator) nodeName(id group.NodeId) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	name, ok := o.nodeNames[id]
	return name, ok
}

// onConfChg implements the two confchg-driven reactions:
// registered-but-node-left handling on TRANSITIONAL, and SI (re)assignment
// on REGULAR once the new view is stable. Only one node needs to decide —
// every node applies the resulting evtAssignSI/evtUnassignSU/evtNodeLeft
// events identically once multicast, so a duplicate decision
// from two nodes racing is harmless: the second one is a no-op against
// already-converged state.
func (o *Orchestrator) onConfChg(kind group.ConfChgType, members, left, joined []group.NodeId, ring group.RingId) {
	ctx := context.Background()
	switch kind {
	case group.Transitional:
		for _, id := range left {
			name, ok := o.nodeName(id)
			if !ok {
				continue
			}
			if err := o.engine.RequestNodeLeft(ctx, name); err != nil {
				slog.Error("recovery: request node left", "node", name, "err", err)
			}
		}
	case group.Regular:
		o.driveAssignments(ctx)
	}
}

// driveAssignments walks every service group's service instances and
// assigns an active (and, for 2N, a standby) SU to any SI that isn't
// fully assigned.K "Drives SI assignments on confchg or on
// oper-state transitions: chooses an active and (for 2N) a standby SU per
// SI ... using si_ranked_su if given, else SU.rank".
func (o *Orchestrator) driveAssignments(ctx context.Context) {
	g := o.engine.Graph()
	for sgName, sg := range g.SGs {
		eligible := g.EligibleSUs(sg)
		if len(eligible) == 0 {
			continue
		}
		for _, si := range g.SIsForSG(sgName) {
			o.assignSI(ctx, sg, si, eligible)
		}
	}
}

func (o *Orchestrator) assignSI(ctx context.Context, sg *amf.ServiceGroup, si *amf.ServiceInstance, eligible []*amf.ServiceUnit) {
	g := o.engine.Graph()
	ranked := eligible
	if len(si.RankedSUs) > 0 {
		ranked = rankedSUs(g, si.RankedSUs, eligible)
	}

	held := make(map[string]bool)
	for _, a := range g.AssignmentsForSI(si.Name) {
		held[a.SUName] = true
	}

	if si.NumCurrActiveAssignments == 0 {
		for _, su := range ranked {
			if held[su.Name] {
				continue
			}
			if err := o.engine.RequestAssignSI(ctx, si.Name, su.Name, amf.HAActive, amf.FlagTargetAll); err != nil {
				slog.Error("recovery: assign active", "si", si.Name, "su", su.Name, "err", err)
			}
			held[su.Name] = true
			break
		}
	}

	if sg.Redundancy == amf.Redundancy2N && si.NumCurrStandbyAssignments == 0 {
		for _, su := range ranked {
			if held[su.Name] {
				continue
			}
			if err := o.engine.RequestAssignSI(ctx, si.Name, su.Name, amf.HAStandby, amf.FlagTargetAll); err != nil {
				slog.Error("recovery: assign standby", "si", si.Name, "su", su.Name, "err", err)
			}
			break
		}
	}
}

func rankedSUs(g *amf.Graph, names []string, eligible []*amf.ServiceUnit) []*amf.ServiceUnit {
	elig := make(map[string]*amf.ServiceUnit, len(eligible))
	for _, su := range eligible {
		elig[su.Name] = su
	}
	out := make([]*amf.ServiceUnit, 0, len(names))
	for _, n := range names {
		if su, ok := elig[n]; ok {
			out = append(out, su)
		}
	}
	return out
}

// onErrorReport widens the reaction to an error report beyond the single
// component amf already handled locally.
func (o *Orchestrator) onErrorReport(c *amf.Component, recommended amf.RecoveryScope) {
	ctx := context.Background()
	g := o.engine.Graph()
	su := g.ParentSU(c.Name)
	if su == nil {
		return
	}

	switch recommended {
	case amf.RecoveryComponentFailover:
		o.failoverSU(ctx, su.Name)
	case amf.RecoveryNodeFailover:
		node := g.ParentNode(su)
		if node != nil {
			if err := o.engine.RequestSetNodeOper(ctx, node.Name, amf.OperDisabled); err != nil {
				slog.Error("recovery: set node oper", "node", node.Name, "err", err)
			}
			for _, other := range g.SUs {
				if other.HostedByNode == node.Name {
					o.failoverSU(ctx, other.Name)
				}
			}
		}
	case amf.RecoveryNodeFailfast:
		slog.Error("recovery: node failfast recommended, delegating to external collaborator", "comp", c.Name)
	default:
		// NODE_SWITCHOVER, CLUSTER_RESET, APPLICATION_RESTART: reserved
		// scopes, treated as a diagnostic no-op.
		slog.Warn("recovery: unsupported recovery scope, ignoring", "comp", c.Name, "scope", recommended)
	}
}

// failoverSU starts a quiescing switchover for suName: every currently active/standby
// assignment is asked to drain via CSISetCallback(QUIESCING) before the SU
// is actually unassigned. If suName holds no confirmable assignments (no
// local components to wait on, or nothing currently assigned), it falls
// straight through to the unassign/reassign step.
func (o *Orchestrator) failoverSU(ctx context.Context, suName string) {
	pending := make(map[string]bool)
	for _, a := range o.engine.Graph().AssignmentsForSU(suName) {
		if a.Confirmed == amf.HAActive || a.Confirmed == amf.HAStandby {
			pending[a.CSIName] = true
		}
	}

	o.mu.Lock()
	if _, already := o.quiescing[suName]; already {
		o.mu.Unlock()
		return
	}
	if len(pending) == 0 {
		o.mu.Unlock()
		o.completeFailover(ctx, suName)
		return
	}
	wait := &quiesceWait{pending: pending}
	wait.timer = o.wh.AddDuration(defaultQuiescingTimeout, func(any) {
		o.forceFailover(suName)
	}, nil)
	o.quiescing[suName] = wait
	o.mu.Unlock()

	if err := o.engine.RequestQuiesce(ctx, suName); err != nil {
		slog.Error("recovery: request quiesce", "su", suName, "err", err)
	}
}

// onCSIQuiesced resolves one CSI of an in-progress switchover; once every
// pending CSI for its SU has confirmed (or failed — either way the
// component is no longer serving it), the switchover completes.
func (o *Orchestrator) onCSIQuiesced(c *amf.Component, csi *amf.CSI, ok bool) {
	su := o.engine.Graph().ParentSU(c.Name)
	if su == nil {
		return
	}
	o.mu.Lock()
	wait, tracking := o.quiescing[su.Name]
	if !tracking {
		o.mu.Unlock()
		return
	}
	delete(wait.pending, csi.Name)
	done := len(wait.pending) == 0
	if done {
		o.wh.Delete(wait.timer)
		delete(o.quiescing, su.Name)
	}
	o.mu.Unlock()
	if done {
		o.completeFailover(context.Background(), su.Name)
	}
}

// forceFailover fires when a switchover's QuiescingCompleteCallbackTimeout
// analogue elapses with components still unconfirmed: the switchover
// proceeds anyway: a stuck component must not block SU-level failover
// indefinitely.
func (o *Orchestrator) forceFailover(suName string) {
	o.mu.Lock()
	_, tracking := o.quiescing[suName]
	delete(o.quiescing, suName)
	o.mu.Unlock()
	if !tracking {
		return
	}
	slog.Warn("recovery: quiescing timed out, forcing switchover", "su", suName)
	o.completeFailover(context.Background(), suName)
}

// completeFailover unassigns every SI hosted by suName and lets the next
// REGULAR-confchg-equivalent assignment pass (driveAssignments, called
// here directly since failover doesn't wait for a membership change) place
// it on another eligible SU in the same SG.
func (o *Orchestrator) completeFailover(ctx context.Context, suName string) {
	if err := o.engine.RequestUnassignSU(ctx, suName); err != nil {
		slog.Error("recovery: unassign SU", "su", suName, "err", err)
		return
	}
	o.driveAssignments(ctx)
}

func (o *Orchestrator) spec(c *amf.Component, op launcher.Operation) launcher.ComponentSpec {
	g := o.engine.Graph()
	su := g.ParentSU(c.Name)
	var suName, sgName, appName string
	var searchPath []string
	if su != nil {
		suName = su.Name
		if sg := g.ParentSG(su.Name); sg != nil {
			sgName = sg.Name
		}
	}

	var command string
	var timeout time.Duration
	switch op {
	case launcher.OpInstantiate:
		command, timeout = c.InstantiateCmd, c.InstantiateTimeout
	case launcher.OpTerminate:
		command, timeout = c.TerminateCmd, c.TerminateTimeout
	case launcher.OpCleanup:
		command, timeout = c.CleanupCmd, c.CleanupTimeout
	}

	return launcher.ComponentSpec{
		DN:         launcher.DN{Comp: c.Name, SU: suName, SG: sgName, App: appName},
		Command:    command,
		Timeout:    timeout,
		Env:        c.CmdEnv,
		SearchPath: searchPath,
		Container:  c.Container,
	}
}

// onInstantiate runs the instantiate command on its own goroutine, off the
// event loop, and arms the instantiate timer; a failed run is only logged.
// A successful instantiate is confirmed by the component's own Register
// call, not by this function (registration, not exit code, ends
// INSTANTIATING); a component that never registers is reported by the
// timer through NotifyInstantiateTimeout.
func (o *Orchestrator) onInstantiate(c *amf.Component) {
	spec := o.spec(c, launcher.OpInstantiate)
	go func() {
		if _, err := o.launch.Run(context.Background(), spec, launcher.OpInstantiate); err != nil {
			slog.Error("recovery: instantiate failed", "comp", c.Name, "err", err)
		}
	}()
	o.armInstantiateTimer(c.Name, c.InstantiateTimeout)
}

func (o *Orchestrator) onTerminate(c *amf.Component) {
	spec := o.spec(c, launcher.OpTerminate)
	go func() {
		if _, err := o.launch.Run(context.Background(), spec, launcher.OpTerminate); err != nil {
			slog.Error("recovery: terminate failed", "comp", c.Name, "err", err)
		}
		// Terminate itself produces no cleanup-completed event; the
		// cleanup run on terminate failure is what produces one.
	}()
}

func (o *Orchestrator) onCleanup(c *amf.Component) {
	spec := o.spec(c, launcher.OpCleanup)
	o.armCleanupTimer(c.Name, c.CleanupTimeout)
	go func() {
		res, err := o.launch.Run(context.Background(), spec, launcher.OpCleanup)
		if err != nil {
			slog.Error("recovery: cleanup failed", "comp", c.Name, "err", err)
			res.ExitCode = -1
		}
		o.cancelCleanupTimer(c.Name)
		// The parent multicasts clc_cleanup_completed; the presence
		// machine reacts identically on every node.
		if err := o.engine.NotifyCleanupCompleted(c.Name, res.ExitCode); err != nil {
			slog.Error("recovery: notify cleanup completed", "comp", c.Name, "err", err)
		}
	}()
}

func (o *Orchestrator) onCSISet(c *amf.Component, csi *amf.CSI, state amf.HAState, flag amf.CSISetFlag) {
	// Dispatched over the component's IPC connection by internal/ipc. The
	// component's eventual reply arrives through Engine.ConfirmCSI; for a
	// QUIESCING request that reply additionally routes through
	// onCSIQuiesced (CSIQuiesced hook) to drive failoverSU's wait.
	slog.Debug("recovery: csi set dispatched", "comp", c.Name, "csi", csi.Name, "state", state, "flag", flag)
}

func (o *Orchestrator) onCSIRemove(c *amf.Component, csi *amf.CSI) {
	slog.Debug("recovery: csi remove dispatched", "comp", c.Name, "csi", csi.Name)
}

func (o *Orchestrator) onHealthcheck(c *amf.Component, key string) {
	slog.Debug("recovery: healthcheck dispatched", "comp", c.Name, "key", key)
}

func (o *Orchestrator) armInstantiateTimer(compName string, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if h, ok := o.instantiateTimers[compName]; ok {
		o.wh.Delete(h)
	}
	o.instantiateTimers[compName] = o.wh.AddDuration(d, func(any) {
		if err := o.engine.NotifyInstantiateTimeout(compName); err != nil {
			slog.Error("recovery: notify instantiate timeout", "comp", compName, "err", err)
		}
	}, nil)
}

func (o *Orchestrator) armCleanupTimer(compName string, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if h, ok := o.cleanupTimers[compName]; ok {
		o.wh.Delete(h)
	}
	o.cleanupTimers[compName] = o.wh.AddDuration(d, func(any) {
		if err := o.engine.NotifyCleanupTimeout(compName); err != nil {
			slog.Error("recovery: notify cleanup timeout", "comp", compName, "err", err)
		}
	}, nil)
}

func (o *Orchestrator) cancelCleanupTimer(compName string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if h, ok := o.cleanupTimers[compName]; ok {
		o.wh.Delete(h)
		delete(o.cleanupTimers, compName)
	}
}

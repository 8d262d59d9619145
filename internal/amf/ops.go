package amf

import (
	"context"
	"log/slog"

	"clustercore/internal/group"
	"clustercore/internal/timer"
	"clustercore/internal/wire"
)

// evtKind enumerates AMF's executive messages, plus
// the request-side events the presence/HA machines react to.
type evtKind uint16

const (
	evtComponentInstantiate evtKind = iota
	evtComponentInstantiateTmo
	evtComponentCleanupTmo
	evtClcCleanupCompleted
	evtHealthcheckTmo
	evtComponentRegister
	evtRestartRequest
	evtTerminateRequest
	evtTerminateCallbackFailed
	evtCSIConfirm
	evtErrorReport
	evtSyncComponent
)

func header(kind evtKind) *wire.Encoder {
	e := wire.NewEncoder()
	e.PutUint16(uint16(kind))
	return e
}

// mcast sends one executive AMF event. Callers besides tests generally
// don't need the error, but it is returned for the
// library-origin entry points (internal/recovery, internal/ipc) to
// translate into TRY_AGAIN.
func (e *Engine) mcast(enc *wire.Encoder) error {
	return e.port.Mcast(groupName, enc.Bytes(), group.GuaranteeAgreed)
}

// RequestInstantiate multicasts an instantiate_event for compName.
func (e *Engine) RequestInstantiate(ctx context.Context, compName string) error {
	enc := header(evtComponentInstantiate)
	if err := enc.PutName(compName); err != nil {
		return err
	}
	return e.mcast(enc)
}

// RequestTerminate multicasts a terminate request for compName.
func (e *Engine) RequestTerminate(ctx context.Context, compName string) error {
	enc := header(evtTerminateRequest)
	if err := enc.PutName(compName); err != nil {
		return err
	}
	return e.mcast(enc)
}

// RequestRestart multicasts a restart request for compName.
func (e *Engine) RequestRestart(ctx context.Context, compName string) error {
	enc := header(evtRestartRequest)
	if err := enc.PutName(compName); err != nil {
		return err
	}
	return e.mcast(enc)
}

// NotifyInstantiateTimeout multicasts an instantiate-timer expiry, driven
// by internal/recovery's per-component timer.
func (e *Engine) NotifyInstantiateTimeout(compName string) error {
	enc := header(evtComponentInstantiateTmo)
	if err := enc.PutName(compName); err != nil {
		return err
	}
	return e.mcast(enc)
}

// NotifyCleanupTimeout multicasts a cleanup-timer expiry.
func (e *Engine) NotifyCleanupTimeout(compName string) error {
	enc := header(evtComponentCleanupTmo)
	if err := enc.PutName(compName); err != nil {
		return err
	}
	return e.mcast(enc)
}

// NotifyCleanupCompleted multicasts clc_cleanup_completed, carrying the exit code reported by internal/launcher.
func (e *Engine) NotifyCleanupCompleted(compName string, exitCode int) error {
	enc := header(evtClcCleanupCompleted)
	if err := enc.PutName(compName); err != nil {
		return err
	}
	enc.PutInt32(int32(exitCode))
	return e.mcast(enc)
}

// NotifyHealthcheckTimeout multicasts a healthcheck failure as an error
// report carrying the pre-configured recommended recovery.
func (e *Engine) NotifyHealthcheckTimeout(compName, key string, recommended RecoveryScope) error {
	enc := header(evtHealthcheckTmo)
	if err := enc.PutName(compName); err != nil {
		return err
	}
	if err := enc.PutName(key); err != nil {
		return err
	}
	enc.PutUint32(uint32(recommended))
	return e.mcast(enc)
}

// Register multicasts the component-registration library call.
func (e *Engine) Register(ctx context.Context, compName string) error {
	enc := header(evtComponentRegister)
	if err := enc.PutName(compName); err != nil {
		return err
	}
	return e.mcast(enc)
}

// ReportError multicasts an error report with an explicit recommended
// recovery.
func (e *Engine) ReportError(compName string, recommended RecoveryScope) error {
	enc := header(evtErrorReport)
	if err := enc.PutName(compName); err != nil {
		return err
	}
	enc.PutUint32(uint32(recommended))
	return e.mcast(enc)
}

// ConfirmCSI multicasts a component's CSISetCallback/CSIRemoveCallback
// reply.
func (e *Engine) ConfirmCSI(compName, csiName string, state HAState, ok bool) error {
	enc := header(evtCSIConfirm)
	if err := enc.PutName(compName); err != nil {
		return err
	}
	if err := enc.PutName(csiName); err != nil {
		return err
	}
	enc.PutUint32(uint32(state))
	if ok {
		enc.PutUint16(1)
	} else {
		enc.PutUint16(0)
	}
	return e.mcast(enc)
}

// apply is the deterministic (state, event) -> state' transition function
// run identically on every node, called with e.mu held.
func (e *Engine) apply(kind evtKind, sender group.NodeId, d *wire.Decoder) {
	switch kind {
	case evtComponentInstantiate:
		e.applyInstantiate(d)
	case evtComponentInstantiateTmo:
		e.applyInstantiateTmo(d)
	case evtComponentCleanupTmo:
		e.applyCleanupTmo(d)
	case evtClcCleanupCompleted:
		e.applyCleanupCompleted(d)
	case evtHealthcheckTmo:
		e.applyHealthcheckTmo(d)
	case evtComponentRegister:
		e.applyRegister(d)
	case evtRestartRequest:
		e.applyRestartRequest(d)
	case evtTerminateRequest:
		e.applyTerminateRequest(d)
	case evtTerminateCallbackFailed:
		e.applyTerminateCallbackFailed(d)
	case evtCSIConfirm:
		e.applyCSIConfirm(d)
	case evtErrorReport:
		e.applyErrorReport(d)
	case evtAssignSI:
		e.applyAssignSI(d)
	case evtUnassignSU:
		e.applyUnassignSU(d)
	case evtSetNodeOper:
		e.applySetNodeOper(d)
	case evtEscalate:
		e.applyEscalate(d)
	case evtNodeLeft:
		e.applyNodeLeft(d)
	case evtQuiesceSU:
		e.applyQuiesceSU(d)
	default:
		slog.Warn("amf: unknown event", "kind", kind)
	}
}

func (e *Engine) comp(d *wire.Decoder) (*Component, error) {
	name, err := d.Name()
	if err != nil {
		return nil, err
	}
	c, ok := e.graph.Comps[name]
	if !ok {
		return nil, errNotFound(name)
	}
	return c, nil
}

type errNotFound string

func (e errNotFound) Error() string { return "amf: component not found: " + string(e) }

func (e *Engine) runActions(c *Component, actions []Action) {
	local := e.localSUs[c.SUName]
	for _, a := range actions {
		switch a {
		case ActionInstantiate:
			if local && e.hooks.Instantiate != nil {
				fn := e.hooks.Instantiate
				e.queueHook(func() { fn(c) })
			}
		case ActionTerminate:
			if local && e.hooks.Terminate != nil {
				fn := e.hooks.Terminate
				e.queueHook(func() { fn(c) })
			}
		case ActionCleanup:
			if local && e.hooks.Cleanup != nil {
				fn := e.hooks.Cleanup
				e.queueHook(func() { fn(c) })
			}
		case ActionStopHealthchecks:
			e.cancelHealthchecks(c)
		case ActionStartInstantiateTimer, ActionStartCleanupTimer,
			ActionCancelInstantiateTimer, ActionCancelCleanupTimer:
			// Timer lifecycle for these is owned by internal/recovery,
			// which arms its supervision timers from its Instantiate and
			// Cleanup hooks; amf takes no action here.
		}
	}
}

func (e *Engine) cancelHealthchecks(c *Component) {
	for _, hc := range c.Healthchecks {
		if hc.hasPeriodTimer {
			e.wh.Delete(timer.Handle(hc.periodTimer))
			hc.hasPeriodTimer = false
		}
		if hc.hasDurationTimer {
			e.wh.Delete(timer.Handle(hc.durationTimer))
			hc.hasDurationTimer = false
		}
	}
}

func (e *Engine) applyInstantiate(d *wire.Decoder) {
	c, err := e.comp(d)
	if err != nil {
		return
	}
	e.runActions(c, c.OnInstantiateEvent())
}

func (e *Engine) applyInstantiateTmo(d *wire.Decoder) {
	c, err := e.comp(d)
	if err != nil {
		return
	}
	e.runActions(c, c.OnInstantiateTimeout())
}

func (e *Engine) applyCleanupTmo(d *wire.Decoder) {
	c, err := e.comp(d)
	if err != nil {
		return
	}
	e.runActions(c, c.OnCleanupTimeout())
}

func (e *Engine) applyCleanupCompleted(d *wire.Decoder) {
	c, err := e.comp(d)
	if err != nil {
		return
	}
	exitCode, err := d.Int32()
	if err != nil {
		return
	}
	e.runActions(c, c.OnCleanupCompleted(int(exitCode)))
}

// applyHealthcheckTmo treats a healthcheck failure as an error report
// carrying the recommended recovery the event was multicast with.
func (e *Engine) applyHealthcheckTmo(d *wire.Decoder) {
	name, err := d.Name()
	if err != nil {
		return
	}
	if _, err := d.Name(); err != nil { // healthcheck key
		return
	}
	recRaw, err := d.Uint32()
	if err != nil {
		return
	}
	report := wire.NewEncoder()
	_ = report.PutName(name)
	report.PutUint32(recRaw)
	e.applyErrorReport(wire.NewDecoder(report.Bytes()))
}

func (e *Engine) applyRegister(d *wire.Decoder) {
	c, err := e.comp(d)
	if err != nil {
		return
	}
	e.runActions(c, c.OnRegistered())
}

func (e *Engine) applyRestartRequest(d *wire.Decoder) {
	c, err := e.comp(d)
	if err != nil {
		return
	}
	e.runActions(c, c.OnRestartRequest())
}

func (e *Engine) applyTerminateRequest(d *wire.Decoder) {
	c, err := e.comp(d)
	if err != nil {
		return
	}
	e.runActions(c, c.OnTerminateRequest(c.ErrorSuspected))
}

func (e *Engine) applyTerminateCallbackFailed(d *wire.Decoder) {
	c, err := e.comp(d)
	if err != nil {
		return
	}
	e.runActions(c, c.OnTerminateCallbackFailed())
}

func (e *Engine) applyCSIConfirm(d *wire.Decoder) {
	c, err := e.comp(d)
	if err != nil {
		return
	}
	csiName, err := d.Name()
	if err != nil {
		return
	}
	stateRaw, err := d.Uint32()
	if err != nil {
		return
	}
	okRaw, err := d.Uint16()
	if err != nil {
		return
	}
	a, ok := e.graph.Assignments[(&Assignment{CompName: c.Name, CSIName: csiName}).key()]
	if !ok {
		return
	}
	requested := a.Requested
	a.ConfirmHA(HAState(stateRaw), okRaw != 0)
	if requested == HAQuiescing && e.hooks.CSIQuiesced != nil {
		if csi, ok := e.graph.CSIs[csiName]; ok {
			fn, ok2 := e.hooks.CSIQuiesced, okRaw != 0
			e.queueHook(func() { fn(c, csi, ok2) })
		}
	}
}

// applyErrorReport implements the error-report -> recovery-action
// mapping for the COMPONENT_RESTART/NO_RECOMMENDATION rows directly (the
// component-local reaction); COMPONENT_FAILOVER/NODE_FAILOVER/NODE_FAILFAST
// reach beyond this component and are left to internal/recovery's
// ConfChg/assignment-driving hook, which observes ErrorSuspected/OperState
// changes this applies.
func (e *Engine) applyErrorReport(d *wire.Decoder) {
	c, err := e.comp(d)
	if err != nil {
		return
	}
	recRaw, err := d.Uint32()
	if err != nil {
		return
	}
	recommended := RecoveryScope(recRaw)
	if recommended == RecoveryNoRecommendation {
		recommended = c.RecoveryOnError
	}
	switch recommended {
	case RecoveryComponentRestart:
		if c.DisableRestart {
			c.ErrorSuspected = true
			if e.hooks.ErrorReported != nil {
				fn := e.hooks.ErrorReported
				e.queueHook(func() { fn(c, RecoveryComponentFailover) })
			}
			return
		}
		c.ErrorSuspected = true
		e.escalateRestart(c)
	default:
		// Scope-widening recoveries (component/node failover, failfast,
		// switchover, cluster reset, application restart) reach beyond
		// this component, so amf only marks local state and hands the
		// decision to internal/recovery's Orchestrator via the
		// ErrorReported hook.
		c.ErrorSuspected = true
		if e.hooks.ErrorReported != nil {
			fn := e.hooks.ErrorReported
			e.queueHook(func() { fn(c, recommended) })
		}
	}
}

// escalateRestart runs the recovery ladder for a component-restart
// recommendation: comp restart while the SG's restart budget lasts, then
// one rung wider per exhausted counter (SU restart, SU failover, node
// failover). Budgets are per-SU counters against the SG's configured
// maxima; like every other executive reaction this runs identically on
// every node, so the counters never diverge.
func (e *Engine) escalateRestart(c *Component) {
	su := e.graph.ParentSU(c.Name)
	var sg *ServiceGroup
	if su != nil {
		sg = e.graph.ParentSG(su.Name)
	}
	if su == nil || sg == nil {
		e.runActions(c, c.OnRestartRequest())
		return
	}

	level, _, _ := e.graph.EscalationFor(sg.Name, su.Name)
	switch {
	case level >= EscalationSUFailover:
		// SU-scope recovery already ran for this SU; the next rung takes
		// the whole node out.
		e.graph.SetEscalation(sg.Name, su.Name, EscalationNodeFailover)
		if e.hooks.ErrorReported != nil {
			fn := e.hooks.ErrorReported
			e.queueHook(func() { fn(c, RecoveryNodeFailover) })
		}
	case level == EscalationSURestart:
		if e.graph.BumpFailoverCount(sg.Name, su.Name) {
			e.graph.SetEscalation(sg.Name, su.Name, EscalationSUFailover)
			if e.hooks.ErrorReported != nil {
				fn := e.hooks.ErrorReported
				e.queueHook(func() { fn(c, RecoveryComponentFailover) })
			}
			return
		}
		e.restartSU(su)
	default:
		if e.graph.BumpRestartCount(sg.Name, su.Name) {
			e.graph.SetEscalation(sg.Name, su.Name, EscalationSURestart)
			e.restartSU(su)
			return
		}
		e.runActions(c, c.OnRestartRequest())
	}
}

// restartSU is the SU-restart rung: every component of su cycles through
// cleanup and re-instantiation together.
func (e *Engine) restartSU(su *ServiceUnit) {
	su.RestartCount++
	for _, name := range su.ComponentNames {
		comp, ok := e.graph.Comps[name]
		if !ok {
			continue
		}
		e.runActions(comp, comp.OnRestartRequest())
	}
}

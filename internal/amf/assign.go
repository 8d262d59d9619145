package amf

import (
	"context"

	"clustercore/internal/wire"
)

// These executive events extend the evtKind set in ops.go with the
// assignment-driving and escalation operations the orchestration
// subsystem needs: they still flow through Deliver so every node applies
// them in the same order, even though the decision to issue one
// is made unilaterally by whichever node's internal/recovery Orchestrator
// is driving the SG redundancy policy at the time (any node may decide;
// all nodes converge on the result).
const (
	evtAssignSI evtKind = iota + 100
	evtUnassignSU
	evtSetNodeOper
	evtEscalate
	evtNodeLeft
	evtQuiesceSU
)

// RequestAssignSI assigns siName to suName with the given HA state,
// creating or updating an Assignment for every CSI of the SI and
// dispatching a CSISetCallback per component.
func (e *Engine) RequestAssignSI(ctx context.Context, siName, suName string, state HAState, flag CSISetFlag) error {
	enc := header(evtAssignSI)
	if err := enc.PutName(siName); err != nil {
		return err
	}
	if err := enc.PutName(suName); err != nil {
		return err
	}
	enc.PutUint32(uint32(state))
	enc.PutUint32(uint32(flag))
	return e.mcast(enc)
}

// RequestQuiesce moves every assignment hosted by suName that currently
// carries an ACTIVE or STANDBY HA state to QUIESCING, dispatching a
// CSISetCallback(QUIESCING) to each assigned component.
// internal/recovery calls this ahead of
// RequestUnassignSU when a switchover/failover should drain a component
// cleanly rather than cut it over instantly; a component that never
// confirms is still eventually unassigned by the caller's own timeout
// policy, since amf itself does not arm a QuiescingCompleteCallbackTimeout
// timer here (that belongs to the orchestration layer).
func (e *Engine) RequestQuiesce(ctx context.Context, suName string) error {
	enc := header(evtQuiesceSU)
	if err := enc.PutName(suName); err != nil {
		return err
	}
	return e.mcast(enc)
}

// RequestUnassignSU removes every assignment hosted by suName.
func (e *Engine) RequestUnassignSU(ctx context.Context, suName string) error {
	enc := header(evtUnassignSU)
	if err := enc.PutName(suName); err != nil {
		return err
	}
	return e.mcast(enc)
}

// RequestSetNodeOper multicasts a node oper-state change.
func (e *Engine) RequestSetNodeOper(ctx context.Context, nodeName string, state OperState) error {
	enc := header(evtSetNodeOper)
	if err := enc.PutName(nodeName); err != nil {
		return err
	}
	enc.PutUint32(uint32(state))
	return e.mcast(enc)
}

// RequestEscalate multicasts an escalation-level bump for suName within
// sgName.
func (e *Engine) RequestEscalate(ctx context.Context, sgName, suName string, level EscalationLevel) error {
	enc := header(evtEscalate)
	if err := enc.PutName(sgName); err != nil {
		return err
	}
	if err := enc.PutName(suName); err != nil {
		return err
	}
	enc.PutUint32(uint32(level))
	return e.mcast(enc)
}

// RequestNodeLeft multicasts a registered-but-node-left event for every
// component hosted under nodeName. internal/recovery calls this from its ConfChg hook
// once per leaving node.
func (e *Engine) RequestNodeLeft(ctx context.Context, nodeName string) error {
	enc := header(evtNodeLeft)
	if err := enc.PutName(nodeName); err != nil {
		return err
	}
	return e.mcast(enc)
}

func (e *Engine) applyNodeLeft(d *wire.Decoder) {
	nodeName, err := d.Name()
	if err != nil {
		return
	}
	for _, su := range e.graph.SUs {
		if su.HostedByNode != nodeName {
			continue
		}
		su.OperState = OperDisabled
		su.NumCurrActiveSIs = 0
		su.NumCurrStandbySIs = 0
		for _, compName := range su.ComponentNames {
			c, ok := e.graph.Comps[compName]
			if !ok {
				continue
			}
			c.ErrorSuspected = false
			c.PresenceState = Uninstantiated
			c.OperState = OperDisabled
		}
		for key, a := range e.graph.Assignments {
			if a.SUName != su.Name {
				continue
			}
			if a.Confirmed != a.Requested {
				a.Confirmed = HAUnknown
				e.graph.Assignments[key] = a
			}
		}
	}
}

func (e *Engine) applyAssignSI(d *wire.Decoder) {
	siName, err := d.Name()
	if err != nil {
		return
	}
	suName, err := d.Name()
	if err != nil {
		return
	}
	stateRaw, err := d.Uint32()
	if err != nil {
		return
	}
	flagRaw, err := d.Uint32()
	if err != nil {
		return
	}
	state := HAState(stateRaw)
	flag := CSISetFlag(flagRaw)

	si, ok := e.graph.SIs[siName]
	if !ok {
		return
	}
	su, ok := e.graph.SUs[suName]
	if !ok {
		return
	}

	for _, csiName := range si.CSINames {
		csi, ok := e.graph.CSIs[csiName]
		if !ok {
			continue
		}
		for _, compName := range su.ComponentNames {
			comp, ok := e.graph.Comps[compName]
			if !ok {
				continue
			}
			a := &Assignment{CompName: compName, CSIName: csiName, SUName: suName, SIName: siName}
			a.RequestHA(state)
			e.graph.Assignments[a.key()] = a
			if e.localSUs[suName] && e.hooks.CSISet != nil {
				fn, comp, csi, state, flag := e.hooks.CSISet, comp, csi, state, flag
				e.queueHook(func() { fn(comp, csi, state, flag) })
			}
		}
	}
	switch state {
	case HAActive:
		su.NumCurrActiveSIs++
		si.NumCurrActiveAssignments++
	case HAStandby:
		su.NumCurrStandbySIs++
		si.NumCurrStandbyAssignments++
	}
}

func (e *Engine) applyQuiesceSU(d *wire.Decoder) {
	suName, err := d.Name()
	if err != nil {
		return
	}
	for _, a := range e.graph.Assignments {
		if a.SUName != suName {
			continue
		}
		if a.Confirmed != HAActive && a.Confirmed != HAStandby {
			continue
		}
		a.RequestHA(HAQuiescing)
		if e.localSUs[suName] && e.hooks.CSISet != nil {
			if comp, ok := e.graph.Comps[a.CompName]; ok {
				if csi, ok := e.graph.CSIs[a.CSIName]; ok {
					fn, comp, csi := e.hooks.CSISet, comp, csi
					e.queueHook(func() { fn(comp, csi, HAQuiescing, FlagTargetAll) })
				}
			}
		}
	}
}

func (e *Engine) applyUnassignSU(d *wire.Decoder) {
	suName, err := d.Name()
	if err != nil {
		return
	}
	su, ok := e.graph.SUs[suName]
	if !ok {
		return
	}
	for key, a := range e.graph.Assignments {
		if a.SUName != suName {
			continue
		}
		if a.Confirmed != HAUnknown && e.localSUs[suName] && e.hooks.CSIRemove != nil {
			if comp, ok := e.graph.Comps[a.CompName]; ok {
				if csi, ok := e.graph.CSIs[a.CSIName]; ok {
					fn, comp, csi := e.hooks.CSIRemove, comp, csi
					e.queueHook(func() { fn(comp, csi) })
				}
			}
		}
		delete(e.graph.Assignments, key)
	}
	su.NumCurrActiveSIs = 0
	su.NumCurrStandbySIs = 0
}

func (e *Engine) applySetNodeOper(d *wire.Decoder) {
	nodeName, err := d.Name()
	if err != nil {
		return
	}
	stateRaw, err := d.Uint32()
	if err != nil {
		return
	}
	if node, ok := e.graph.Nodes[nodeName]; ok {
		node.OperState = OperState(stateRaw)
	}
}

func (e *Engine) applyEscalate(d *wire.Decoder) {
	sgName, err := d.Name()
	if err != nil {
		return
	}
	suName, err := d.Name()
	if err != nil {
		return
	}
	levelRaw, err := d.Uint32()
	if err != nil {
		return
	}
	e.graph.SetEscalation(sgName, suName, EscalationLevel(levelRaw))
}

// SetEscalation records suName's escalation level within sgName, mirroring
// it onto the ServiceUnit for display.
func (g *Graph) SetEscalation(sgName, suName string, level EscalationLevel) {
	sg, ok := g.SGs[sgName]
	if !ok {
		return
	}
	if sg.escalation == nil {
		sg.escalation = make(map[string]*escalationState)
	}
	st, ok := sg.escalation[suName]
	if !ok {
		st = &escalationState{}
		sg.escalation[suName] = st
	}
	st.Level = level
	if su, ok := g.SUs[suName]; ok {
		su.Escalation = st.Level
	}
}

// EscalationFor returns the current escalation counters for suName within
// sgName, or the zero value if untracked.
func (g *Graph) EscalationFor(sgName, suName string) (level EscalationLevel, restarts, failovers int) {
	sg, ok := g.SGs[sgName]
	if !ok {
		return EscalationNone, 0, 0
	}
	st, ok := sg.escalation[suName]
	if !ok {
		return EscalationNone, 0, 0
	}
	return st.Level, st.RestartCount, st.FailoverCount
}

// BumpRestartCount increments suName's restart counter within sgName and
// reports whether it now exceeds sg.CompRestartMax.
func (g *Graph) BumpRestartCount(sgName, suName string) (exceeded bool) {
	sg, ok := g.SGs[sgName]
	if !ok {
		return false
	}
	if sg.escalation == nil {
		sg.escalation = make(map[string]*escalationState)
	}
	st, ok := sg.escalation[suName]
	if !ok {
		st = &escalationState{}
		sg.escalation[suName] = st
	}
	st.RestartCount++
	return st.RestartCount > sg.CompRestartMax
}

// BumpFailoverCount increments suName's failover counter within sgName and
// reports whether it now exceeds sg.SURestartMax.
func (g *Graph) BumpFailoverCount(sgName, suName string) (exceeded bool) {
	sg, ok := g.SGs[sgName]
	if !ok {
		return false
	}
	if sg.escalation == nil {
		sg.escalation = make(map[string]*escalationState)
	}
	st, ok := sg.escalation[suName]
	if !ok {
		st = &escalationState{}
		sg.escalation[suName] = st
	}
	st.FailoverCount++
	return st.FailoverCount > sg.SURestartMax
}

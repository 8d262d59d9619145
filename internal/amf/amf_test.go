package amf

import (
	"context"
	"testing"
	"time"

	"clustercore/internal/adapter/fake"
	"clustercore/internal/group"
	"clustercore/internal/invocation"
	"clustercore/internal/timer"
)

func newTestEngine(t *testing.T, id group.NodeId, cluster *group.MemCluster) *Engine {
	t.Helper()
	tr := cluster.Join(id)
	port := group.New(tr)
	wh := timer.New()
	inv := invocation.New()
	return New(id, port, wh, inv, Hooks{})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return cond()
}

// buildOneComp populates e's graph with a single non-2N SU hosting one
// SA-AWARE component, one CSI, and one SI already assigned active to it —
// the minimal shape a component restart cycle needs.
func buildOneComp(e *Engine) {
	g := e.Graph()
	g.SGs["sg1"] = &ServiceGroup{Name: "sg1", Redundancy: RedundancyNoRedundancy}
	g.AddServiceUnit("sg1", &ServiceUnit{Name: "su1"})
	comp := &Component{
		Name:               "comp1",
		Category:           CategorySAAware,
		Capability:         Cap1,
		InstantiateTimeout: time.Second,
		CleanupTimeout:     time.Second,
	}
	g.AddComponent("su1", comp)
	g.CSIs["csi1"] = &CSI{Name: "csi1"}
	si := &ServiceInstance{Name: "si1", PrefActiveAssignments: 1}
	g.SIs["si1"] = si
	a := &Assignment{CompName: "comp1", CSIName: "csi1", SUName: "su1", SIName: "si1", Confirmed: HAActive}
	g.Assignments[a.key()] = a
	e.SetLocalSU("su1", true)
}

// recordingHooks captures every side-effect call an Orchestrator would
// normally turn into a fork/exec, so the test can assert on call order
// without internal/launcher.
type recordingHooks struct {
	fake.CallRecorder
}

func (r *recordingHooks) hooks(e *Engine) Hooks {
	return Hooks{
		Instantiate: func(c *Component) {
			r.Record("instantiate", c.Name)
			go func() {
				_ = e.Register(context.Background(), c.Name)
			}()
		},
		Cleanup: func(c *Component) {
			r.Record("cleanup", c.Name)
			go func() {
				_ = e.NotifyCleanupCompleted(c.Name, 0)
			}()
		},
		Terminate: func(c *Component) { r.Record("terminate", c.Name) },
		ErrorReported: func(c *Component, recommended RecoveryScope) {
			r.Record("error-reported", c.Name, recommended)
		},
	}
}

func (r *recordingHooks) has(method, comp string) bool {
	for _, c := range r.Calls(method) {
		if len(c.Args) > 0 && c.Args[0] == comp {
			return true
		}
	}
	return false
}

// TestComponentRestartCycle drives a full restart cycle: instantiate a
// component, then drive a restart request through cleanup and back to
// instantiated, confirming restart_count increments exactly once, the
// cleanup hook fires, and the presence machine lands back on INSTANTIATED.
func TestComponentRestartCycle(t *testing.T) {
	cluster := group.NewMemCluster()
	e := newTestEngine(t, 1, cluster)
	cluster.Settle()

	buildOneComp(e)
	rec := &recordingHooks{}
	e.SetHooks(rec.hooks(e))

	ctx := context.Background()
	comp := func() *Component { return e.Graph().Comps["comp1"] }

	if err := e.RequestInstantiate(ctx, "comp1"); err != nil {
		t.Fatalf("request instantiate: %v", err)
	}
	if !waitFor(t, time.Second, func() bool { return comp().PresenceState == Instantiated }) {
		t.Fatalf("expected INSTANTIATED, got %v", comp().PresenceState)
	}
	if !rec.has("instantiate", "comp1") {
		t.Fatal("expected instantiate hook to have fired")
	}

	if err := e.RequestRestart(ctx, "comp1"); err != nil {
		t.Fatalf("request restart: %v", err)
	}
	if !waitFor(t, time.Second, func() bool { return comp().PresenceState == Instantiated && comp().RestartCount == 1 }) {
		t.Fatalf("expected restart cycle to finish with restart_count=1, got state=%v count=%d",
			comp().PresenceState, comp().RestartCount)
	}
	if !rec.has("cleanup", "comp1") {
		t.Fatal("expected cleanup hook to have fired during restart")
	}
}

// TestPresenceInvariant checks that oper_state=ENABLED
// implies presence_state in {INSTANTIATED, RESTARTING} at every observable
// point along the restart cycle.
func TestPresenceInvariant(t *testing.T) {
	c := &Component{Name: "comp1"}

	check := func(step string) {
		if c.OperState == OperEnabled &&
			c.PresenceState != Instantiated && c.PresenceState != Restarting {
			t.Fatalf("%s: invariant violated: oper=ENABLED presence=%v", step, c.PresenceState)
		}
	}

	c.OnInstantiateEvent()
	check("after instantiate event")
	c.OnRegistered()
	check("after registered")
	c.OnRestartRequest()
	check("after restart request")
	c.OnCleanupCompleted(0)
	check("after cleanup completed (exit 0)")
	c.OnRegistered()
	check("after re-registered")
}

// TestErrorReportComponentRestartEscalatesOnDisableRestart covers the
// recovery table: COMPONENT_RESTART escalates to COMPONENT_FAILOVER
// when the component has disable_restart set, instead of running the SU
// restart policy.
func TestErrorReportComponentRestartEscalatesOnDisableRestart(t *testing.T) {
	cluster := group.NewMemCluster()
	e := newTestEngine(t, 1, cluster)
	cluster.Settle()
	buildOneComp(e)
	e.Graph().Comps["comp1"].DisableRestart = true

	var gotScope RecoveryScope
	var gotComp string
	done := make(chan struct{})
	e.SetHooks(Hooks{
		ErrorReported: func(c *Component, recommended RecoveryScope) {
			gotComp, gotScope = c.Name, recommended
			close(done)
		},
	})

	if err := e.ReportError("comp1", RecoveryComponentRestart); err != nil {
		t.Fatalf("report error: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ErrorReported hook")
	}
	if gotComp != "comp1" || gotScope != RecoveryComponentFailover {
		t.Fatalf("got comp=%q scope=%v, want comp1/COMPONENT_FAILOVER", gotComp, gotScope)
	}
}

// TestErrorReportNoRecommendationUsesComponentDefault exercises the
// per-component recovery_on_error default: when an error report
// carries NO_RECOMMENDATION, the component's own configured default recovery
// decides the outcome instead of always restarting.
func TestErrorReportNoRecommendationUsesComponentDefault(t *testing.T) {
	cluster := group.NewMemCluster()
	e := newTestEngine(t, 1, cluster)
	cluster.Settle()
	buildOneComp(e)
	e.Graph().Comps["comp1"].RecoveryOnError = RecoveryNodeFailover

	var gotScope RecoveryScope
	done := make(chan struct{})
	e.SetHooks(Hooks{
		ErrorReported: func(c *Component, recommended RecoveryScope) {
			gotScope = recommended
			close(done)
		},
	})

	if err := e.ReportError("comp1", RecoveryNoRecommendation); err != nil {
		t.Fatalf("report error: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ErrorReported hook")
	}
	if gotScope != RecoveryNodeFailover {
		t.Fatalf("got scope=%v, want the component's configured default NODE_FAILOVER", gotScope)
	}
}

// TestRequestQuiesceDispatchesAndConfirms exercises the
// CSISetCallback(QUIESCING)/CSIQuiescingComplete pair:
// RequestQuiesce moves the assignment's requested state to QUIESCING,
// dispatches CSISet with that state to the hosting node's hook, and the
// component's ConfirmCSI reply reaches CSIQuiesced once the assignment's
// confirmed state settles.
func TestRequestQuiesceDispatchesAndConfirms(t *testing.T) {
	cluster := group.NewMemCluster()
	e := newTestEngine(t, 1, cluster)
	cluster.Settle()
	buildOneComp(e)

	var gotState HAState
	setDone := make(chan struct{})
	quiescedDone := make(chan struct{})
	var quiescedOK bool
	e.SetHooks(Hooks{
		CSISet: func(c *Component, csi *CSI, state HAState, flag CSISetFlag) {
			gotState = state
			close(setDone)
		},
		CSIQuiesced: func(c *Component, csi *CSI, ok bool) {
			quiescedOK = ok
			close(quiescedDone)
		},
	})

	if err := e.RequestQuiesce(context.Background(), "su1"); err != nil {
		t.Fatalf("request quiesce: %v", err)
	}
	select {
	case <-setDone:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for CSISet hook")
	}
	if gotState != HAQuiescing {
		t.Fatalf("got CSISet state=%v, want QUIESCING", gotState)
	}
	if got := e.Graph().Assignments[(&Assignment{CompName: "comp1", CSIName: "csi1"}).key()].Requested; got != HAQuiescing {
		t.Fatalf("assignment requested=%v, want QUIESCING", got)
	}

	if err := e.ConfirmCSI("comp1", "csi1", HAQuiescing, true); err != nil {
		t.Fatalf("confirm csi: %v", err)
	}
	select {
	case <-quiescedDone:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for CSIQuiesced hook")
	}
	if !quiescedOK {
		t.Fatal("expected CSIQuiesced(ok=true)")
	}
	if got := e.Graph().Assignments[(&Assignment{CompName: "comp1", CSIName: "csi1"}).key()].Confirmed; got != HAQuiescing {
		t.Fatalf("assignment confirmed=%v, want QUIESCING", got)
	}
}

// TestEscalationLadderAdvances drives repeated component-restart error
// reports through a SG with single-attempt budgets and watches the
// recovery scope widen rung by rung: comp restart while CompRestartMax
// lasts, SU restart once it is spent, SU failover once SURestartMax is
// spent too, then node failover.
func TestEscalationLadderAdvances(t *testing.T) {
	cluster := group.NewMemCluster()
	e := newTestEngine(t, 1, cluster)
	cluster.Settle()
	buildOneComp(e)

	g := e.Graph()
	g.SGs["sg1"].CompRestartMax = 1
	g.SGs["sg1"].SURestartMax = 1

	rec := &recordingHooks{}
	e.SetHooks(rec.hooks(e))

	ctx := context.Background()
	comp := func() *Component { return e.Graph().Comps["comp1"] }
	settled := func(restarts int) bool {
		return comp().PresenceState == Instantiated && comp().RestartCount == restarts
	}
	reported := func(scope RecoveryScope) bool {
		for _, c := range rec.Calls("error-reported") {
			if len(c.Args) == 2 && c.Args[1] == scope {
				return true
			}
		}
		return false
	}
	report := func() {
		t.Helper()
		if err := e.ReportError("comp1", RecoveryComponentRestart); err != nil {
			t.Fatalf("report error: %v", err)
		}
	}

	if err := e.RequestInstantiate(ctx, "comp1"); err != nil {
		t.Fatalf("request instantiate: %v", err)
	}
	if !waitFor(t, time.Second, func() bool { return settled(0) }) {
		t.Fatalf("expected INSTANTIATED, got %v", comp().PresenceState)
	}

	// Rung 1: within the restart budget, a plain component restart.
	report()
	if !waitFor(t, time.Second, func() bool { return settled(1) }) {
		t.Fatalf("expected restart #1, got state=%v count=%d", comp().PresenceState, comp().RestartCount)
	}
	if level, restarts, _ := g.EscalationFor("sg1", "su1"); level != EscalationNone || restarts != 1 {
		t.Fatalf("after rung 1: level=%v restarts=%d", level, restarts)
	}

	// Rung 2: restart budget spent, the whole SU restarts.
	report()
	if !waitFor(t, time.Second, func() bool { return settled(2) }) {
		t.Fatalf("expected restart #2, got state=%v count=%d", comp().PresenceState, comp().RestartCount)
	}
	if level, _, _ := g.EscalationFor("sg1", "su1"); level != EscalationSURestart {
		t.Fatalf("after rung 2: level=%v, want SU_RESTART", level)
	}
	if g.SUs["su1"].RestartCount != 1 {
		t.Fatalf("su restart count = %d, want 1", g.SUs["su1"].RestartCount)
	}

	// Rung 2 again: still within the SU budget.
	report()
	if !waitFor(t, time.Second, func() bool { return settled(3) }) {
		t.Fatalf("expected restart #3, got state=%v count=%d", comp().PresenceState, comp().RestartCount)
	}

	// Rung 3: SU budget spent too; the scope widens to SU failover,
	// handed to the orchestrator via the ErrorReported hook.
	report()
	if !waitFor(t, time.Second, func() bool { return reported(RecoveryComponentFailover) }) {
		t.Fatal("expected COMPONENT_FAILOVER to be reported")
	}
	if level, _, _ := g.EscalationFor("sg1", "su1"); level != EscalationSUFailover {
		t.Fatalf("after rung 3: level=%v, want SU_FAILOVER", level)
	}

	// Rung 4: nothing narrower left; node failover.
	report()
	if !waitFor(t, time.Second, func() bool { return reported(RecoveryNodeFailover) }) {
		t.Fatal("expected NODE_FAILOVER to be reported")
	}
	if level, _, _ := g.EscalationFor("sg1", "su1"); level != EscalationNodeFailover {
		t.Fatalf("after rung 4: level=%v, want NODE_FAILOVER", level)
	}
}

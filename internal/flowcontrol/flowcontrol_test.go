package flowcontrol

import (
	"sync"
	"testing"
	"time"

	"clustercore/internal/group"
)

func waitFor(t *testing.T, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return cond()
}

func TestClusterStateIsORAcrossMembers(t *testing.T) {
	cluster := group.NewMemCluster()
	t1 := cluster.Join(1)
	t2 := cluster.Join(2)
	cluster.Settle()

	c1 := New(1, group.New(t1), nil)
	c2 := New(2, group.New(t2), nil)
	cluster.Settle()

	if c1.State("svc.queue") || c2.State("svc.queue") {
		t.Fatal("expected no active state before any Set")
	}

	c2.Set("svc.queue", true)

	ok := waitFor(t, func() bool { return c1.State("svc.queue") && c2.State("svc.queue") })
	if !ok {
		t.Fatalf("expected svc.queue active on both nodes, got c1=%v c2=%v", c1.State("svc.queue"), c2.State("svc.queue"))
	}

	c2.Set("svc.queue", false)
	ok = waitFor(t, func() bool { return !c1.State("svc.queue") && !c2.State("svc.queue") })
	if !ok {
		t.Fatal("expected svc.queue to clear on both nodes after Set(false)")
	}
}

func TestOnChangeFiresOnTransition(t *testing.T) {
	cluster := group.NewMemCluster()
	t1 := cluster.Join(1)
	t2 := cluster.Join(2)
	cluster.Settle()

	var mu sync.Mutex
	var transitions []bool
	c1 := New(1, group.New(t1), func(handle Handle, active bool) {
		mu.Lock()
		transitions = append(transitions, active)
		mu.Unlock()
	})
	c2 := New(2, group.New(t2), nil)
	cluster.Settle()

	c2.Set("svc.queue", true)
	waitFor(t, func() bool { return c1.State("svc.queue") })

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) == 0 || !transitions[len(transitions)-1] {
		t.Fatalf("expected onChange(true) to fire, got %v", transitions)
	}
}

func TestMembershipChangeDropsDepartedMemberState(t *testing.T) {
	cluster := group.NewMemCluster()
	t1 := cluster.Join(1)
	t2 := cluster.Join(2)
	cluster.Settle()

	c1 := New(1, group.New(t1), nil)
	c2 := New(2, group.New(t2), nil)
	cluster.Settle()

	c2.Set("svc.queue", true)
	waitFor(t, func() bool { return c1.State("svc.queue") })

	cluster.Leave(2)
	cluster.Settle()

	ok := waitFor(t, func() bool { return !c1.State("svc.queue") })
	if !ok {
		t.Fatal("expected svc.queue to clear once the only active member departed")
	}
	_ = c2
}

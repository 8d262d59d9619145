package checkpoint

import (
	"context"
	"testing"
	"time"

	"clustercore/internal/corerr"
	"clustercore/internal/group"
	"clustercore/internal/timer"
)

// clusterOf joins n nodes to a fresh MemCluster and returns one Engine per
// node, each sharing that node's group.Port with a fresh timer.Wheel. Tests
// call cluster.Settle() once every Engine exists so ConfChg installs the
// full membership before any operation is attempted.
func clusterOf(t *testing.T, ids ...group.NodeId) (*group.MemCluster, map[group.NodeId]*Engine, map[group.NodeId]*timer.Wheel) {
	t.Helper()
	cluster := group.NewMemCluster()
	engines := make(map[group.NodeId]*Engine, len(ids))
	wheels := make(map[group.NodeId]*timer.Wheel, len(ids))
	for _, id := range ids {
		tr := cluster.Join(id)
		port := group.New(tr)
		wh := timer.New()
		engines[id] = New(id, port, nil, wh)
		wheels[id] = wh
	}
	cluster.Settle()
	return cluster, engines, wheels
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) bool {
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

// TestCheckpointRoundTrip covers the three-node round trip: node1 creates a
// checkpoint and a section, node2 reads it, node1 writes into the middle of
// it, node3 observes the write. Every mutating call goes over the group, so
// the test must wait for the self-delivered Deliver to apply before a
// dependent call proceeds; since MemCluster's fan-out is synchronous within
// Mcast, the blocking Open/SectionCreate/SectionWrite calls already do that
// waiting internally via the pending-result channel.
func TestCheckpointRoundTrip(t *testing.T) {
	_, engines, _ := clusterOf(t, 1, 2, 3)
	ctx := context.Background()

	attrs := &CreationAttrs{
		CreationFlags:     FlagAllReplicasWrite,
		RetentionDuration: 10 * time.Second,
		MaxSections:       4,
		MaxSectionSize:    1024,
		MaxSectionIDSize:  32,
	}
	if _, err := engines[1].Open(ctx, "ckpt-A", attrs, FlagCreate); err != nil {
		t.Fatalf("node1 open: %v", err)
	}

	sid := NewSectionID([]byte("s"))
	if err := engines[1].SectionCreate(ctx, "ckpt-A", sid, time.Time{}, []byte("ABCD")); err != nil {
		t.Fatalf("node1 section create: %v", err)
	}

	if _, err := engines[2].Open(ctx, "ckpt-A", nil, 0); err != nil {
		t.Fatalf("node2 open (no create): %v", err)
	}

	got, err := engines[2].SectionRead(ctx, "ckpt-A", sid, 0, 4)
	if err != nil {
		t.Fatalf("node2 read: %v", err)
	}
	if string(got) != "ABCD" {
		t.Fatalf("node2 read = %q, want ABCD", got)
	}

	if err := engines[1].SectionWrite(ctx, "ckpt-A", sid, 3, []byte("E")); err != nil {
		t.Fatalf("node1 write: %v", err)
	}

	got, err = engines[3].SectionRead(ctx, "ckpt-A", sid, 0, 4)
	if err != nil {
		t.Fatalf("node3 read: %v", err)
	}
	if string(got) != "ABCE" {
		t.Fatalf("node3 read = %q, want ABCE", got)
	}
}

// TestCheckpointRetentionExpiry covers retention: once the
// last open reference closes, the checkpoint's ref_count returns to 1 and a
// retention timer starts; once it fires, every node's SectionRead fails
// with NOT_EXIST.
func TestCheckpointRetentionExpiry(t *testing.T) {
	_, engines, wheels := clusterOf(t, 1, 2)
	ctx := context.Background()

	attrs := &CreationAttrs{
		CreationFlags:     FlagAllReplicasWrite,
		RetentionDuration: 2 * time.Second,
		MaxSections:       4,
		MaxSectionSize:    64,
	}
	h, err := engines[1].Open(ctx, "ckpt-B", attrs, FlagCreate)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	sid := NewSectionID([]byte("s"))
	if err := engines[1].SectionCreate(ctx, "ckpt-B", sid, time.Time{}, []byte("hi")); err != nil {
		t.Fatalf("section create: %v", err)
	}
	if err := engines[1].Close(ctx, h); err != nil {
		t.Fatalf("close: %v", err)
	}

	c := engines[1].checkpoints["ckpt-B"]
	if c.RefCount != 1 {
		t.Fatalf("ref count after close = %d, want 1", c.RefCount)
	}
	if !c.hasRetention {
		t.Fatal("expected retention timer to be armed after ref count dropped to 1")
	}

	wheels[1].Fire(time.Now().Add(3 * time.Second))

	if _, err := engines[1].SectionRead(ctx, "ckpt-B", sid, 0, 2); err == nil {
		t.Fatal("expected NOT_EXIST after retention expiry")
	} else if ce, ok := err.(*corerr.CoreError); !ok || ce.Code != corerr.NotExist {
		t.Fatalf("expected NOT_EXIST, got %v", err)
	}
}

// TestRefCountConservation checks ref-count conservation across opens/closes
// from multiple nodes: sum(per_node_ref_vector) == ref_count - 1.
func TestRefCountConservation(t *testing.T) {
	_, engines, _ := clusterOf(t, 1, 2, 3)
	ctx := context.Background()

	attrs := &CreationAttrs{MaxSections: 2, MaxSectionSize: 16}
	if _, err := engines[1].Open(ctx, "ckpt-C", attrs, FlagCreate); err != nil {
		t.Fatalf("node1 open: %v", err)
	}
	if _, err := engines[2].Open(ctx, "ckpt-C", nil, 0); err != nil {
		t.Fatalf("node2 open: %v", err)
	}
	if _, err := engines[3].Open(ctx, "ckpt-C", nil, 0); err != nil {
		t.Fatalf("node3 open: %v", err)
	}

	checkConservation := func(t *testing.T) {
		t.Helper()
		c := engines[1].checkpoints["ckpt-C"]
		var sum uint32
		for _, v := range c.RefPerNode {
			sum += v
		}
		if sum != c.RefCount-1 {
			t.Fatalf("sum(ref_per_node)=%d, ref_count-1=%d", sum, c.RefCount-1)
		}
	}
	checkConservation(t)

	h2 := Handle{}
	if hh, err := engines[2].Open(ctx, "ckpt-C", nil, 0); err == nil {
		h2 = hh
	}
	checkConservation(t)

	if err := engines[2].Close(ctx, h2); err != nil {
		t.Fatalf("node2 close: %v", err)
	}
	checkConservation(t)
}

// TestUnlinkDestroysOnLastClose covers Unlink: once unlinked, the
// checkpoint is destroyed as soon as ref_count drops to 1 (the creator's
// implicit reference), regardless of whether retention would otherwise
// apply.
func TestUnlinkDestroysOnLastClose(t *testing.T) {
	_, engines, _ := clusterOf(t, 1)
	ctx := context.Background()

	attrs := &CreationAttrs{RetentionDuration: time.Hour, MaxSections: 2, MaxSectionSize: 16}
	h, err := engines[1].Open(ctx, "ckpt-D", attrs, FlagCreate)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := engines[1].Unlink(ctx, "ckpt-D"); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	if _, ok := engines[1].checkpoints["ckpt-D"]; !ok {
		t.Fatal("expected checkpoint to still exist: ref_count is 2 (creator + open handle) until Close")
	}
	if err := engines[1].Close(ctx, h); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := engines[1].checkpoints["ckpt-D"]; ok {
		t.Fatal("expected checkpoint destroyed immediately: unlinked and ref_count dropped to 1")
	}
}

// TestSectionCreateRejectsOverMaxSections exercises the NO_SPACE error
// once the section-count limit is reached.
func TestSectionCreateRejectsOverMaxSections(t *testing.T) {
	_, engines, _ := clusterOf(t, 1)
	ctx := context.Background()

	attrs := &CreationAttrs{MaxSections: 2, MaxSectionSize: 16}
	if _, err := engines[1].Open(ctx, "ckpt-E", attrs, FlagCreate); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := engines[1].SectionCreate(ctx, "ckpt-E", NewSectionID([]byte("a")), time.Time{}, nil); err != nil {
		t.Fatalf("first section create: %v", err)
	}
	err := engines[1].SectionCreate(ctx, "ckpt-E", NewSectionID([]byte("b")), time.Time{}, nil)
	if err == nil {
		t.Fatal("expected NO_SPACE: default section + one created already consumes max_sections=2")
	}
	if ce, ok := err.(*corerr.CoreError); !ok || ce.Code != corerr.NoSpace {
		t.Fatalf("expected NO_SPACE, got %v", err)
	}
}

// TestSyncMergeAfterPartition exercises a partition merge at the engine
// level: two independently-built checkpoint stores are merged via
// Init/Process/applySync/Activate the way internal/clustersync drives a
// sync round after a partition heals, without needing a live transport.
func TestSyncMergeAfterPartition(t *testing.T) {
	cluster := group.NewMemCluster()
	tr1 := cluster.Join(1)
	tr2 := cluster.Join(2)
	wh1 := timer.New()
	wh2 := timer.New()
	e1 := New(1, group.New(tr1), nil, wh1)
	e2 := New(2, group.New(tr2), nil, wh2)
	cluster.Settle()

	ctx := context.Background()
	attrs := &CreationAttrs{MaxSections: 2, MaxSectionSize: 64}
	if _, err := e1.Open(ctx, "ca", attrs, FlagCreate); err != nil {
		t.Fatalf("e1 open ca: %v", err)
	}
	if _, err := e2.Open(ctx, "cb", attrs, FlagCreate); err != nil {
		t.Fatalf("e2 open cb: %v", err)
	}

	// Both sides must be mid-round (syncWork non-nil) before either calls
	// Process: applySync drops incoming SYNC_STATE/SYNC_SECTION messages
	// when the local node isn't in a sync round of its own yet, so Init must run on both before Process runs on either.
	if err := e1.Init(nil); err != nil {
		t.Fatalf("e1 init: %v", err)
	}
	if err := e2.Init(nil); err != nil {
		t.Fatalf("e2 init: %v", err)
	}

	done, err := e1.Process()
	if err != nil || !done {
		t.Fatalf("e1 process: done=%v err=%v", done, err)
	}
	done, err = e2.Process()
	if err != nil || !done {
		t.Fatalf("e2 process: done=%v err=%v", done, err)
	}

	if err := e1.Activate(); err != nil {
		t.Fatalf("e1 activate: %v", err)
	}
	if err := e2.Activate(); err != nil {
		t.Fatalf("e2 activate: %v", err)
	}

	ok := waitUntil(t, time.Second, func() bool {
		_, haveCA := e2.checkpoints["ca"]
		_, haveCB := e1.checkpoints["cb"]
		return haveCA && haveCB
	})
	if !ok {
		t.Fatalf("expected both nodes to hold both checkpoints after sync: e1=%v e2=%v",
			keysOf(e1.checkpoints), keysOf(e2.checkpoints))
	}
}

func keysOf(m map[string]*Checkpoint) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// TestSectionIterationFilters covers the iterator surface: filter
// selection against expiration times, exhaustion with NO_SECTIONS, and
// the active-replica gate on initialization.
func TestSectionIterationFilters(t *testing.T) {
	_, engines, _ := clusterOf(t, 1)
	e := engines[1]
	ctx := context.Background()

	attrs := &CreationAttrs{
		CreationFlags:  FlagAllReplicasWrite,
		MaxSections:    4,
		MaxSectionSize: 64,
	}
	if _, err := e.Open(ctx, "it", attrs, FlagCreate); err != nil {
		t.Fatalf("open: %v", err)
	}

	now := time.Now()
	forever := NewSectionID([]byte("forever"))
	expiring := NewSectionID([]byte("expiring"))
	if err := e.SectionCreate(ctx, "it", forever, time.Time{}, []byte("aa")); err != nil {
		t.Fatalf("create forever: %v", err)
	}
	if err := e.SectionCreate(ctx, "it", expiring, now.Add(time.Hour), []byte("bb")); err != nil {
		t.Fatalf("create expiring: %v", err)
	}

	count := func(f IterFilter, at time.Time) int {
		t.Helper()
		it, err := e.SectionIterationInitialize("it", f, at)
		if err != nil {
			t.Fatalf("iteration init filter=%v: %v", f, err)
		}
		defer it.Finalize()
		n := 0
		for {
			if _, err := it.Next(); err != nil {
				if corerr.CodeOf(err) != corerr.NoSections {
					t.Fatalf("next: %v", err)
				}
				return n
			}
			n++
		}
	}

	// ANY sees the default section plus both named ones; the default
	// section never expires, so FOREVER sees it alongside "forever".
	if got := count(FilterAny, now); got != 3 {
		t.Fatalf("FilterAny = %d, want 3", got)
	}
	if got := count(FilterForever, now); got != 2 {
		t.Fatalf("FilterForever = %d, want 2", got)
	}
	if got := count(FilterGeqExpiration, now); got != 1 {
		t.Fatalf("FilterGeqExpiration = %d, want 1", got)
	}
	if got := count(FilterLeqExpiration, now.Add(2*time.Hour)); got != 1 {
		t.Fatalf("FilterLeqExpiration = %d, want 1", got)
	}
	if got := count(FilterCorrupted, now); got != 0 {
		t.Fatalf("FilterCorrupted = %d, want 0", got)
	}

	if _, err := e.SectionIterationInitialize("absent", FilterAny, now); corerr.CodeOf(err) != corerr.NotExist {
		t.Fatalf("init on absent checkpoint = %v, want NOT_EXIST", err)
	}
}

// TestSectionIterationRequiresActiveReplica mirrors the write-path gate:
// a checkpoint with no write flags set has no active replica anywhere, so
// iteration initialization must refuse with BAD_OPERATION.
func TestSectionIterationRequiresActiveReplica(t *testing.T) {
	_, engines, _ := clusterOf(t, 1)
	e := engines[1]
	ctx := context.Background()

	attrs := &CreationAttrs{MaxSections: 2, MaxSectionSize: 64}
	if _, err := e.Open(ctx, "ro", attrs, FlagCreate); err != nil {
		t.Fatalf("open: %v", err)
	}
	_, err := e.SectionIterationInitialize("ro", FilterAny, time.Now())
	if corerr.CodeOf(err) != corerr.BadOperation {
		t.Fatalf("init = %v, want BAD_OPERATION", err)
	}
}

// TestTruncatedSyncMarksSectionCorrupted drives Activate over a sync
// snapshot whose section descriptor declared more bytes than any chunk
// delivered, the way an interrupted round leaves it, and confirms the
// CORRUPTED iteration filter finds exactly that section.
func TestTruncatedSyncMarksSectionCorrupted(t *testing.T) {
	_, engines, _ := clusterOf(t, 1)
	e := engines[1]

	if err := e.Init(nil); err != nil {
		t.Fatalf("init: %v", err)
	}

	c := newCheckpoint("torn", CreationAttrs{
		CreationFlags:  FlagAllReplicasWrite,
		MaxSections:    2,
		MaxSectionSize: 64,
	})
	c.RefCount = 1
	c.insertSection(&Section{ID: NewSectionID([]byte("s")), Size: 8, State: SectionValid})
	e.mu.Lock()
	e.syncWork["torn"] = c
	e.mu.Unlock()

	if err := e.Activate(); err != nil {
		t.Fatalf("activate: %v", err)
	}

	it, err := e.SectionIterationInitialize("torn", FilterCorrupted, time.Now())
	if err != nil {
		t.Fatalf("iteration init: %v", err)
	}
	defer it.Finalize()
	d, err := it.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if d.State != SectionCorrupted {
		t.Fatalf("state = %v, want CORRUPTED", d.State)
	}
	if _, err := it.Next(); corerr.CodeOf(err) != corerr.NoSections {
		t.Fatalf("second next = %v, want NO_SECTIONS", err)
	}
}

// TestOpenCreateWithoutAttrsRejected: creating a checkpoint requires
// creation attributes; without them the zero-value limits would make the
// checkpoint permanently unusable.
func TestOpenCreateWithoutAttrsRejected(t *testing.T) {
	_, engines, _ := clusterOf(t, 1)
	e := engines[1]

	_, err := e.Open(context.Background(), "bare", nil, FlagCreate)
	if corerr.CodeOf(err) != corerr.InvalidParam {
		t.Fatalf("open = %v, want INVALID_PARAM", err)
	}
}

package group

import (
	"sync"
	"testing"
	"time"
)

type recordingHandler struct {
	mu        sync.Mutex
	delivered [][]byte
	confchgs  []ConfChgType
}

func (h *recordingHandler) Deliver(sender NodeId, payload []byte, endianFlip bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.delivered = append(h.delivered, payload)
}

func (h *recordingHandler) ConfChg(kind ConfChgType, members, left, joined []NodeId, ring RingId) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.confchgs = append(h.confchgs, kind)
}

func (h *recordingHandler) deliveredCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.delivered)
}

func TestMcastDeliversToAllMembersIncludingSender(t *testing.T) {
	cluster := NewMemCluster()
	t1 := cluster.Join(1)
	t2 := cluster.Join(2)
	t3 := cluster.Join(3)
	cluster.Settle()

	p1, p2, p3 := New(t1), New(t2), New(t3)
	h1, h2, h3 := &recordingHandler{}, &recordingHandler{}, &recordingHandler{}
	p1.Join("amf", h1)
	p2.Join("amf", h2)
	p3.Join("amf", h3)
	cluster.Settle() // re-announce membership after Join so sequencer state is current on each Port

	if err := p2.Mcast("amf", []byte("hello"), GuaranteeAgreed); err != nil {
		t.Fatalf("mcast: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if h1.deliveredCount() == 1 && h2.deliveredCount() == 1 && h3.deliveredCount() == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if h1.deliveredCount() != 1 || h2.deliveredCount() != 1 || h3.deliveredCount() != 1 {
		t.Fatalf("expected every member (including sender) to deliver once: h1=%d h2=%d h3=%d",
			h1.deliveredCount(), h2.deliveredCount(), h3.deliveredCount())
	}
}

func TestConfChgFiresTransitionalThenRegular(t *testing.T) {
	cluster := NewMemCluster()
	t1 := cluster.Join(1)
	p1 := New(t1)
	h1 := &recordingHandler{}
	p1.Join("amf", h1)

	cluster.Join(2)
	cluster.Settle()

	h1.mu.Lock()
	defer h1.mu.Unlock()
	if len(h1.confchgs) != 2 {
		t.Fatalf("expected 2 confchgs, got %d", len(h1.confchgs))
	}
	if h1.confchgs[0] != Transitional || h1.confchgs[1] != Regular {
		t.Fatalf("got %v, want [TRANSITIONAL REGULAR]", h1.confchgs)
	}
}

func TestSendOkReflectsQueueCapacity(t *testing.T) {
	cluster := NewMemCluster()
	tr := cluster.Join(1)
	p := New(tr)
	if !p.SendOk(10) {
		t.Fatal("expected SendOk true with empty queue")
	}
	if p.SendOk(defaultQueueCap + 1) {
		t.Fatal("expected SendOk false for oversized request")
	}
}

func TestMembersReflectsSettledView(t *testing.T) {
	cluster := NewMemCluster()
	t1 := cluster.Join(1)
	cluster.Join(2)
	p1 := New(t1)
	cluster.Settle()

	members := p1.Members()
	if len(members) != 2 {
		t.Fatalf("members = %v, want 2 entries", members)
	}
}

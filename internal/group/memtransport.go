package group

import "sync"

// MemTransport is an in-process Transport implementation used by tests to
// simulate a cluster without real sockets. A MemCluster owns the shared
// membership view; each MemTransport is one node's handle into it.
type MemTransport struct {
	cluster *MemCluster
	self    NodeId

	mu           sync.Mutex
	onFrame      func(from NodeId, frame []byte)
	onMembership func(kind ConfChgType, members, left, joined []NodeId, ring RingId)
}

// MemCluster simulates the totem ring: membership tracking and frame
// fan-out between a fixed set of MemTransport nodes.
type MemCluster struct {
	mu       sync.Mutex
	nodes    map[NodeId]*MemTransport
	members  []NodeId
	ringSeq  uint64
}

func NewMemCluster() *MemCluster {
	return &MemCluster{nodes: make(map[NodeId]*MemTransport)}
}

// Join adds a new node to the cluster and returns its Transport. The
// membership change is not yet announced; call Settle to deliver confchgs.
func (c *MemCluster) Join(id NodeId) *MemTransport {
	t := &MemTransport{cluster: c, self: id}
	c.mu.Lock()
	c.nodes[id] = t
	c.mu.Unlock()
	return t
}

// Leave removes a node from the cluster ahead of the next Settle.
func (c *MemCluster) Leave(id NodeId) {
	c.mu.Lock()
	delete(c.nodes, id)
	c.mu.Unlock()
}

// Settle recomputes membership from currently joined nodes and delivers a
// TRANSITIONAL then REGULAR confchg pair to every member, bumping the ring
// sequence. This is the test harness's analogue of a totem configuration
// change completing.
func (c *MemCluster) Settle() {
	c.mu.Lock()
	prevMembers := c.members
	var newMembers []NodeId
	for id := range c.nodes {
		newMembers = append(newMembers, id)
	}
	sortNodeIds(newMembers)

	left := diff(prevMembers, newMembers)
	joined := diff(newMembers, prevMembers)
	intersection := intersect(prevMembers, newMembers)

	c.ringSeq++
	ring := RingId{Representative: lowest(newMembers), Seq: c.ringSeq}
	c.members = newMembers

	recipients := make([]*MemTransport, 0, len(newMembers))
	for _, id := range newMembers {
		recipients = append(recipients, c.nodes[id])
	}
	c.mu.Unlock()

	for _, t := range recipients {
		t.mu.Lock()
		cb := t.onMembership
		t.mu.Unlock()
		if cb != nil {
			cb(Transitional, intersection, left, nil, ring)
		}
	}
	for _, t := range recipients {
		t.mu.Lock()
		cb := t.onMembership
		t.mu.Unlock()
		if cb != nil {
			cb(Regular, newMembers, left, joined, ring)
		}
	}
}

func (t *MemTransport) Self() NodeId { return t.self }

func (t *MemTransport) Send(to NodeId, frame []byte) error {
	t.cluster.mu.Lock()
	dst, ok := t.cluster.nodes[to]
	t.cluster.mu.Unlock()
	if !ok {
		return nil // peer left; totem-layer reliability is a black box
	}
	dst.mu.Lock()
	cb := dst.onFrame
	dst.mu.Unlock()
	if cb != nil {
		cb(t.self, frame)
	}
	return nil
}

func (t *MemTransport) Broadcast(frame []byte) error {
	t.cluster.mu.Lock()
	var recipients []*MemTransport
	for _, n := range t.cluster.nodes {
		recipients = append(recipients, n)
	}
	t.cluster.mu.Unlock()

	for _, dst := range recipients {
		dst.mu.Lock()
		cb := dst.onFrame
		dst.mu.Unlock()
		if cb != nil {
			cb(t.self, frame)
		}
	}
	return nil
}

func (t *MemTransport) Subscribe(onFrame func(from NodeId, frame []byte), onMembership func(kind ConfChgType, members, left, joined []NodeId, ring RingId)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onFrame = onFrame
	t.onMembership = onMembership
}

func sortNodeIds(ids []NodeId) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
}

func diff(from, minus []NodeId) []NodeId {
	present := make(map[NodeId]bool, len(minus))
	for _, id := range minus {
		present[id] = true
	}
	var out []NodeId
	for _, id := range from {
		if !present[id] {
			out = append(out, id)
		}
	}
	return out
}

func intersect(a, b []NodeId) []NodeId {
	present := make(map[NodeId]bool, len(b))
	for _, id := range b {
		present[id] = true
	}
	var out []NodeId
	for _, id := range a {
		if present[id] {
			out = append(out, id)
		}
	}
	return out
}

// Package flowcontrol implements cluster-wide flow control: services
// declare named handles, set a local active/inactive state on each, and
// the cluster-wide state for a handle is the logical OR of every member's
// local state. Whenever the group membership changes, every handle drops
// the entries of members no longer present, since a partitioned member's
// last-known state can no longer be trusted; this node's own local state
// is kept.
package flowcontrol

import (
	"sort"
	"sync"

	"clustercore/internal/group"
	"clustercore/internal/wire"
)

const groupName = "flowcontrol"

// Handle names one flow-control gate. Services pick their own names
// (e.g. "checkpoint.sync", "amf.healthcheck-queue"); uniqueness within a
// service is the caller's responsibility.
type Handle string

// Controller tracks local and cluster-wide flow-control state and
// publishes local changes to the rest of the cluster over the group port.
type Controller struct {
	mu sync.Mutex

	port *group.Port
	self group.NodeId

	local   map[Handle]bool
	cluster map[Handle]map[group.NodeId]bool // handle -> node -> that node's last-known state

	onChange func(handle Handle, active bool)
}

// New creates a Controller and joins it to port under the "flowcontrol"
// group name.
func New(self group.NodeId, port *group.Port, onChange func(handle Handle, active bool)) *Controller {
	c := &Controller{
		port:     port,
		self:     self,
		local:    make(map[Handle]bool),
		cluster:  make(map[Handle]map[group.NodeId]bool),
		onChange: onChange,
	}
	port.Join(groupName, c)
	return c
}

// Set changes this node's local state for handle and publishes it to the
// cluster. A no-op if the state is unchanged.
func (c *Controller) Set(handle Handle, active bool) {
	c.mu.Lock()
	if c.local[handle] == active {
		c.mu.Unlock()
		return
	}
	c.local[handle] = active
	c.recordLocked(handle, c.self, active)
	c.mu.Unlock()

	c.publish(handle, active)
}

func (c *Controller) publish(handle Handle, active bool) {
	enc := wire.NewEncoder()
	_ = enc.PutName(string(handle))
	if active {
		enc.PutUint16(1)
	} else {
		enc.PutUint16(0)
	}
	_ = c.port.Mcast(groupName, enc.Bytes(), group.GuaranteeAgreed)
}

// State reports the cluster-wide state of handle: true iff any member
// (including self) has it set active.
func (c *Controller) State(handle Handle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, active := range c.cluster[handle] {
		if active {
			return true
		}
	}
	return false
}

// Handles returns every handle name with any recorded state, sorted.
func (c *Controller) Handles() []Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Handle, 0, len(c.cluster))
	for h := range c.cluster {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Deliver implements group.Handler.
func (c *Controller) Deliver(sender group.NodeId, payload []byte, endianFlip bool) {
	dec := wire.NewDecoder(payload)
	name, err := dec.Name()
	if err != nil {
		return
	}
	flag, err := dec.Uint16()
	if err != nil {
		return
	}

	handle := Handle(name)
	before := c.State(handle)

	c.mu.Lock()
	c.recordLocked(handle, sender, flag != 0)
	after := c.stateLocked(handle)
	c.mu.Unlock()

	if after != before && c.onChange != nil {
		c.onChange(handle, after)
	}
}

// ConfChg implements group.Handler. On a REGULAR configuration change every
// handle's cluster-wide tracking is reset to reflect only currently
// present members, since a departed member's last state is stale and a
// partition must not hold a gate open indefinitely.
func (c *Controller) ConfChg(kind group.ConfChgType, members, left, joined []group.NodeId, ring group.RingId) {
	if kind != group.Regular {
		return
	}

	present := make(map[group.NodeId]bool, len(members))
	for _, m := range members {
		present[m] = true
	}

	c.mu.Lock()
	var changed []Handle
	for handle, nodeStates := range c.cluster {
		before := anyActive(nodeStates)
		for node := range nodeStates {
			if !present[node] {
				delete(nodeStates, node)
			}
		}
		if self, ok := c.local[handle]; ok {
			nodeStates[c.self] = self
		}
		if anyActive(nodeStates) != before {
			changed = append(changed, handle)
		}
	}
	c.mu.Unlock()

	if c.onChange != nil {
		for _, handle := range changed {
			c.onChange(handle, c.State(handle))
		}
	}

	// Re-publish local state so rejoining members learn it promptly rather
	// than waiting for the next explicit Set call.
	c.mu.Lock()
	locals := make(map[Handle]bool, len(c.local))
	for h, v := range c.local {
		locals[h] = v
	}
	c.mu.Unlock()
	for h, v := range locals {
		c.publish(h, v)
	}
}

func (c *Controller) recordLocked(handle Handle, node group.NodeId, active bool) {
	nodeStates, ok := c.cluster[handle]
	if !ok {
		nodeStates = make(map[group.NodeId]bool)
		c.cluster[handle] = nodeStates
	}
	nodeStates[node] = active
}

func (c *Controller) stateLocked(handle Handle) bool {
	return anyActive(c.cluster[handle])
}

func anyActive(nodeStates map[group.NodeId]bool) bool {
	for _, active := range nodeStates {
		if active {
			return true
		}
	}
	return false
}

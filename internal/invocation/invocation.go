// Package invocation implements the correlation table that ties an
// asynchronous callback request (healthcheck, CSI set/remove, component
// terminate) to the client response it must eventually produce.
package invocation

import (
	"errors"
	"sync"
)

// Interface tags the reply kind so the reply handler routes correctly.
type Interface int

const (
	InterfaceUnknown Interface = iota
	InterfaceHealthcheck
	InterfaceCSISet
	InterfaceCSIRemove
	InterfaceCompTerminate
)

func (i Interface) String() string {
	switch i {
	case InterfaceHealthcheck:
		return "HEALTHCHECK"
	case InterfaceCSISet:
		return "CSI_SET"
	case InterfaceCSIRemove:
		return "CSI_REMOVE"
	case InterfaceCompTerminate:
		return "COMP_TERMINATE"
	default:
		return "UNKNOWN"
	}
}

var ErrNotFound = errors.New("invocation: id not found")

type slot struct {
	active    bool
	iface     Interface
	data      any
}

// Table is a dense, grow-on-full array of invocation slots backed by a
// free list: ids are slot indices, never pointers, so callers never assume
// pointer stability. A freed id is handed out again by a later Create.
type Table struct {
	mu    sync.Mutex
	slots []slot
	free  []uint64 // free-list of slot indices available for reuse
}

func New() *Table {
	return &Table{}
}

// Create reuses the most recently freed slot, or appends a new one, and
// returns its id.
func (t *Table) Create(iface Interface, data any) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n := len(t.free); n > 0 {
		id := t.free[n-1]
		t.free = t.free[:n-1]
		t.slots[id] = slot{active: true, iface: iface, data: data}
		return id
	}

	id := uint64(len(t.slots))
	t.slots = append(t.slots, slot{active: true, iface: iface, data: data})
	return id
}

// Take atomically clears the slot and returns its contents.
func (t *Table) Take(id uint64) (Interface, any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id >= uint64(len(t.slots)) || !t.slots[id].active {
		return InterfaceUnknown, nil, ErrNotFound
	}
	s := t.slots[id]
	t.slots[id] = slot{}
	t.free = append(t.free, id)
	return s.iface, s.data, nil
}

// DestroyByData scans for and clears every slot whose data pointer equals
// data, returning how many were cleared. Used by a connection's lib_exit_fn
// to remove pending invocations belonging to a disconnecting client without
// knowing their ids.
func (t *Table) DestroyByData(data any) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cleared := 0
	for id := range t.slots {
		if t.slots[id].active && t.slots[id].data == data {
			t.slots[id] = slot{}
			t.free = append(t.free, uint64(id))
			cleared++
		}
	}
	return cleared
}

// Len reports the number of currently active invocations.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots) - len(t.free)
}

package checkpoint

import (
	"sync"
	"time"

	"clustercore/internal/corerr"
)

// IterFilter selects which sections an iterator yields.
type IterFilter int

const (
	FilterAny IterFilter = iota
	FilterForever
	FilterLeqExpiration
	FilterGeqExpiration
	FilterCorrupted
)

// SectionDescriptor is the read-only view of a section an iterator hands
// back: the mutable Section stays inside the Engine.
type SectionDescriptor struct {
	ID             SectionID
	Size           uint32
	ExpirationTime time.Time
	LastUpdate     time.Time
	State          SectionState
}

// Iterator is a snapshot-style cursor over one checkpoint's sections,
// stored in a per-connection handle database by the IPC layer (ownership
// lives with the connection, not with the Engine, so a disconnect
// naturally drops it).
type Iterator struct {
	mu       sync.Mutex
	items    []SectionDescriptor
	pos      int
}

// SectionIterationInitialize snapshots name's sections matching filter
// (evaluated against now) and returns an Iterator over the match set,
// ordered default-first then creation order.
func (e *Engine) SectionIterationInitialize(name string, filter IterFilter, now time.Time) (*Iterator, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.checkpoints[name]
	if !ok {
		return nil, corerr.New(corerr.NotExist, "checkpoint %q", name)
	}
	if !c.activeReplicaSetFor(e.self) {
		return nil, corerr.New(corerr.BadOperation, "checkpoint %q has no active replica here", name)
	}

	var items []SectionDescriptor
	for _, s := range c.allSections() {
		if !matchesFilter(s, filter, now) {
			continue
		}
		items = append(items, SectionDescriptor{
			ID:             s.ID,
			Size:           s.Size,
			ExpirationTime: s.ExpirationTime,
			LastUpdate:     s.LastUpdate,
			State:          s.State,
		})
	}
	return &Iterator{items: items}, nil
}

func matchesFilter(s *Section, filter IterFilter, now time.Time) bool {
	switch filter {
	case FilterAny:
		return true
	case FilterForever:
		return !hasExpiration(s.ExpirationTime)
	case FilterLeqExpiration:
		return hasExpiration(s.ExpirationTime) && !s.ExpirationTime.After(now)
	case FilterGeqExpiration:
		return hasExpiration(s.ExpirationTime) && !s.ExpirationTime.Before(now)
	case FilterCorrupted:
		return s.State == SectionCorrupted
	default:
		return false
	}
}

// Next returns the next descriptor, or a NO_SECTIONS CoreError once the
// iterator is exhausted.
func (it *Iterator) Next() (SectionDescriptor, error) {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.pos >= len(it.items) {
		return SectionDescriptor{}, corerr.New(corerr.NoSections, "iteration exhausted")
	}
	d := it.items[it.pos]
	it.pos++
	return d, nil
}

// Finalize releases the iterator. It holds no Engine-owned resources, so
// this is a no-op kept for symmetry with Initialize/Next and to give
// callers an explicit disposal point.
func (it *Iterator) Finalize() {}

// Package timer implements the monotonic deadline queue that feeds timer
// callbacks into the single-threaded event loop.
//
// The wheel owns no goroutines of its own: the daemon's event loop calls
// NextDeadline to size its poll timeout, then Fire once that deadline
// elapses. This keeps every timer-driven mutation on the same thread as
// every executive-message handler.
package timer

import (
	"container/heap"
	"sync"
	"time"
)

// Handle identifies a scheduled timer. It stays valid until Delete or
// DeleteData is called; deleting an already-fired handle is a no-op.
type Handle uint64

// Callback is invoked once, at or after Deadline, in deadline order.
type Callback func(data any)

type entry struct {
	deadline time.Time
	handle   Handle
	seq      uint64 // break deadline ties in insertion order
	cb       Callback
	data     any
	index    int // heap index, maintained by container/heap
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Wheel is a priority queue of pending timers. Not safe for unsynchronized
// concurrent use from multiple goroutines; in practice only the event-loop
// goroutine touches it's single-owner model. The mutex exists
// to let the fork/exec worker's completion path (which reports back
// asynchronously) safely query/cancel timers without a data race.
type Wheel struct {
	mu      sync.Mutex
	heap    entryHeap
	byID    map[Handle]*entry
	nextID  Handle
	nextSeq uint64
	now     func() time.Time
}

func New() *Wheel {
	return &Wheel{
		byID: make(map[Handle]*entry),
		now:  time.Now,
	}
}

// NewWithClock allows tests to inject a deterministic clock.
func NewWithClock(now func() time.Time) *Wheel {
	w := New()
	w.now = now
	return w
}

// AddAbsolute schedules cb to fire at deadline.
func (w *Wheel) AddAbsolute(deadline time.Time, cb Callback, data any) Handle {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.nextID++
	w.nextSeq++
	e := &entry{deadline: deadline, handle: w.nextID, seq: w.nextSeq, cb: cb, data: data}
	heap.Push(&w.heap, e)
	w.byID[e.handle] = e
	return e.handle
}

// AddDuration schedules cb to fire after d elapses from now.
func (w *Wheel) AddDuration(d time.Duration, cb Callback, data any) Handle {
	return w.AddAbsolute(w.now().Add(d), cb, data)
}

// Delete cancels a pending timer. No-op if handle is unknown or already fired.
func (w *Wheel) Delete(handle Handle) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.deleteLocked(handle)
}

func (w *Wheel) deleteLocked(handle Handle) *entry {
	e, ok := w.byID[handle]
	if !ok {
		return nil
	}
	delete(w.byID, handle)
	if e.index >= 0 {
		heap.Remove(&w.heap, e.index)
	}
	return e
}

// DeleteData cancels a pending timer and returns the data it carried so the
// caller can free/release any resources it owns. Returns (nil, false) if the
// handle is unknown or already fired.
func (w *Wheel) DeleteData(handle Handle) (any, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e := w.deleteLocked(handle)
	if e == nil {
		return nil, false
	}
	return e.data, true
}

// NextDeadline returns the time of the earliest pending timer and true, or
// the zero time and false if no timers are pending. Callers use
// max(NextDeadline()-now, 0) as their poll timeout.
func (w *Wheel) NextDeadline() (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.heap) == 0 {
		return time.Time{}, false
	}
	return w.heap[0].deadline, true
}

// Fire pops and invokes every timer whose deadline is <= now, in deadline
// order, and returns how many fired. Callbacks run with the lock released
// so they may themselves schedule new timers.
func (w *Wheel) Fire(now time.Time) int {
	fired := 0
	for {
		w.mu.Lock()
		if len(w.heap) == 0 || w.heap[0].deadline.After(now) {
			w.mu.Unlock()
			return fired
		}
		e := heap.Pop(&w.heap).(*entry)
		delete(w.byID, e.handle)
		w.mu.Unlock()

		e.cb(e.data)
		fired++
	}
}

// Len reports the number of pending timers.
func (w *Wheel) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.heap)
}

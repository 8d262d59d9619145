// Package clustersync implements the synchronization driver: the component
// that runs every registered service's sync_init/sync_process/sync_activate
// sequence, in service-id order, whenever the primary-component decider
// forms a new primary.
package clustersync

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Service is anything the driver can synchronize. Implementations are
// expected to be restartable: Process may be called repeatedly after a
// PROGRESS return until it reports done, and Abort must leave the service
// ready for a fresh Init on the next sync round.
type Service interface {
	// ServiceID orders this service relative to others during a sync round;
	// lower ids run first.
	ServiceID() uint16
	// Init begins a sync round against the current view's membership.
	Init(view []uint32) error
	// Process advances the sync round. done=true means this service has
	// nothing further to do; done=false means the driver should call
	// Process again (e.g. waiting on more SYNC_SECTION chunks).
	Process() (done bool, err error)
	// Activate commits the synchronized state, making it live.
	Activate() error
	// Abort cancels an in-progress sync round, discarding partial state.
	Abort()
}

// Driver sequences Service.Init/Process/Activate across every registered
// service whenever told a new primary component has formed. Only one sync
// round runs at a time; a new StartSync call while one is in progress
// aborts the old round first.
type Driver struct {
	mu       sync.Mutex
	services []Service
	running  bool
	current  []Service // services not yet finished in the active round, in order
}

func New() *Driver {
	return &Driver{}
}

// Register adds a service to the driver. Must be called before any sync
// round starts; registering mid-round is not supported.
func (d *Driver) Register(svc Service) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.services = append(d.services, svc)
	sort.Slice(d.services, func(i, j int) bool {
		return d.services[i].ServiceID() < d.services[j].ServiceID()
	})
}

// OnPrimaryFormed should be wired to the YKD decider's primary-change
// callback. Forming a new primary component (isPrimary transitioning to
// true, or the membership underlying an existing primary changing) starts
// a fresh sync round; losing primary status aborts the in-progress round.
func (d *Driver) OnPrimaryFormed(isPrimary bool, view []uint32) {
	if !isPrimary {
		d.Abort()
		return
	}
	d.StartSync(view)
}

// StartSync aborts any in-progress round and begins a new one: calls Init
// on every registered service in id order, then drives Process to
// completion, then Activate.
func (d *Driver) StartSync(view []uint32) {
	d.mu.Lock()
	if d.running {
		d.abortLocked()
	}
	services := append([]Service(nil), d.services...)
	d.running = true
	d.current = append([]Service(nil), services...)
	d.mu.Unlock()

	for _, svc := range services {
		if err := svc.Init(view); err != nil {
			slog.Error("clustersync: init failed", "service", svc.ServiceID(), "err", err)
			d.Abort()
			return
		}
	}

	for _, svc := range services {
		for {
			done, err := svc.Process()
			if err != nil {
				slog.Error("clustersync: process failed", "service", svc.ServiceID(), "err", err)
				d.Abort()
				return
			}
			if !d.InProgress() {
				return // aborted mid-round; Abort already reached every service
			}
			if done {
				break
			}
			// PROGRESS: caller's Process implementation is expected to make
			// forward movement across repeated calls (e.g. draining a bounded
			// channel of inbound SYNC_SECTION chunks); we don't busy-loop here
			// beyond what Process itself blocks for.
		}
	}

	for _, svc := range services {
		if err := svc.Activate(); err != nil {
			slog.Error("clustersync: activate failed", "service", svc.ServiceID(), "err", err)
			d.Abort()
			return
		}
	}

	d.mu.Lock()
	d.running = false
	d.current = nil
	d.mu.Unlock()
}

// Abort cancels the in-progress round, if any, calling Abort on every
// registered service so each can discard partial state.
func (d *Driver) Abort() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.abortLocked()
}

func (d *Driver) abortLocked() {
	if !d.running {
		return
	}
	for _, svc := range d.current {
		svc.Abort()
	}
	d.running = false
	d.current = nil
}

// InProgress reports whether a sync round is currently running.
func (d *Driver) InProgress() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// dupErr is returned by RegisterChecked when a service id
// collides with one already registered.
type dupErr struct{ id uint16 }

func (e dupErr) Error() string { return fmt.Sprintf("clustersync: duplicate service id %d", e.id) }

// RegisterChecked is like Register but rejects a duplicate ServiceID, since
// the driver's ordering and per-service tracking assumes uniqueness.
func (d *Driver) RegisterChecked(svc Service) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, existing := range d.services {
		if existing.ServiceID() == svc.ServiceID() {
			return dupErr{id: svc.ServiceID()}
		}
	}
	d.services = append(d.services, svc)
	sort.Slice(d.services, func(i, j int) bool {
		return d.services[i].ServiceID() < d.services[j].ServiceID()
	})
	return nil
}

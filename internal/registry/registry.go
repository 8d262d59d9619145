// Package registry implements the service dispatch table: executive
// handlers are registered per (service_id, function_id) pair and invoked by
// decoding the (service<<16|function) id carried in every wire.Header.
package registry

import (
	"context"
	"fmt"
	"sync"

	"clustercore/internal/wire"
)

// ErrNotRegistered is returned by Dispatch when no handler matches the
// header's (service, function) pair.
type ErrNotRegistered struct {
	Service, Function uint16
}

func (e ErrNotRegistered) Error() string {
	return fmt.Sprintf("registry: no handler for service=%d function=%d", e.Service, e.Function)
}

// HandlerFunc processes one decoded request body and returns the encoded
// response body (without the wire.Header — Registry's caller attaches
// that). ctx carries the requesting connection's identity (see
// internal/ipc) so handlers can authorize or attribute the call.
type HandlerFunc func(ctx context.Context, req []byte) (resp []byte, err error)

// Registry maps (service_id, function_id) pairs to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[uint32]HandlerFunc
	names    map[uint16]string // service_id -> human-readable name, for logging
}

func New() *Registry {
	return &Registry{
		handlers: make(map[uint32]HandlerFunc),
		names:    make(map[uint16]string),
	}
}

// NameService records a human-readable name for a service id, used only to
// enrich error messages and logs.
func (r *Registry) NameService(serviceID uint16, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names[serviceID] = name
}

// Register installs fn to handle calls with the given (service, function)
// id pair. Registering over an existing pair replaces the handler; the
// last bind wins.
func (r *Registry) Register(serviceID, functionID uint16, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[wire.ServiceFnID(serviceID, functionID)] = fn
}

// Dispatch decodes the (service, function) id from id and invokes the
// matching handler, or returns ErrNotRegistered.
func (r *Registry) Dispatch(ctx context.Context, id uint32, req []byte) ([]byte, error) {
	r.mu.RLock()
	fn, ok := r.handlers[id]
	r.mu.RUnlock()
	if !ok {
		service, function := wire.SplitServiceFn(id)
		return nil, ErrNotRegistered{Service: service, Function: function}
	}
	return fn(ctx, req)
}

// ServiceName returns the human-readable name registered via NameService,
// or "" if none was given.
func (r *Registry) ServiceName(serviceID uint16) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.names[serviceID]
}

// Unregister removes the handler for (serviceID, functionID), if any.
func (r *Registry) Unregister(serviceID, functionID uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, wire.ServiceFnID(serviceID, functionID))
}

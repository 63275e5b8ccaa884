package orchestrator

import (
	"sync"

	"github.com/sagakit/sagakit/pkg/saga"
	"github.com/sagakit/sagakit/pkg/store"
)

// Registration binds a saga type to the orchestrator that drives it and
// the persistence backend it is saved to.
type Registration struct {
	Orchestrator *Orchestrator
	Store        store.Store
}

// Registry is the explicit startup-time mapping from saga type to
// orchestrator and store. Cross-cutting components (timeout manager,
// diagnostics) resolve sagas through it with typed dispatch instead of
// runtime type discovery.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Registration)}
}

// Register binds a saga type. Registering the same type twice is a
// programmer error.
func (r *Registry) Register(o *Orchestrator) error {
	if o == nil {
		return saga.NewValidationError("orchestrator", "must not be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[o.SagaType()]; exists {
		return saga.NewValidationError("sagaType", "already registered: "+o.SagaType())
	}
	r.entries[o.SagaType()] = Registration{Orchestrator: o, Store: o.Store()}
	return nil
}

// Orchestrator resolves the orchestrator for a saga type.
func (r *Registry) Orchestrator(sagaType string) (*Orchestrator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[sagaType]
	if !ok {
		return nil, saga.NewNotFoundError("orchestrator", sagaType)
	}
	return entry.Orchestrator, nil
}

// StoreFor resolves the persistence backend for a saga type.
func (r *Registry) StoreFor(sagaType string) (store.Store, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[sagaType]
	if !ok {
		return nil, saga.NewNotFoundError("store", sagaType)
	}
	return entry.Store, nil
}

// Types returns all registered saga types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.entries))
	for t := range r.entries {
		types = append(types, t)
	}
	return types
}

// Stores returns the distinct persistence backends across registrations.
func (r *Registry) Stores() []store.Store {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[store.Store]struct{}, len(r.entries))
	var stores []store.Store
	for _, entry := range r.entries {
		if _, dup := seen[entry.Store]; dup {
			continue
		}
		seen[entry.Store] = struct{}{}
		stores = append(stores, entry.Store)
	}
	return stores
}

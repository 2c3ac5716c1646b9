package txengine

import (
	"sync"

	"github.com/keelwallet/keel/internal/network"
	keelerr "github.com/keelwallet/keel/pkg/errors"
)

// AdapterRegistry maps chain namespaces to transaction adapters.
// Built-ins are registered at startup; late registration is allowed
// for extensibility. Resolution happens per call, so a replaced
// adapter takes effect for the next transaction.
type AdapterRegistry struct {
	mu       sync.RWMutex
	adapters map[network.Namespace]Adapter
}

// NewAdapterRegistry creates an empty adapter registry.
func NewAdapterRegistry() *AdapterRegistry {
	return &AdapterRegistry{adapters: make(map[network.Namespace]Adapter)}
}

// Register binds an adapter to a namespace, replacing any previous
// binding.
func (r *AdapterRegistry) Register(ns network.Namespace, adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[ns] = adapter
}

// Resolve returns the adapter for a namespace.
func (r *AdapterRegistry) Resolve(ns network.Namespace) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	adapter, ok := r.adapters[ns]
	if !ok {
		return nil, keelerr.WithDetails(keelerr.ErrAdapterNotFound, map[string]string{
			"namespace": string(ns),
		})
	}
	return adapter, nil
}

// Namespaces returns the registered namespaces.
func (r *AdapterRegistry) Namespaces() []network.Namespace {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]network.Namespace, 0, len(r.adapters))
	for ns := range r.adapters {
		out = append(out, ns)
	}
	return out
}

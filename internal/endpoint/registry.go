package endpoint

import (
	"fmt"
	"sync"

	"github.com/fogesque/rdmarun/internal/device"
	"github.com/fogesque/rdmarun/internal/rdmaerr"
)

// Registry is the shared (path, op) -> Endpoint table plus the
// path-keyed advisory lock spec.md §4.5 describes. It is safe for
// concurrent use by the many session goroutines that share it on the
// control thread.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[ID]*Endpoint
	locks     map[string]chan struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		endpoints: make(map[ID]*Endpoint),
		locks:     make(map[string]chan struct{}),
	}
}

// Register adds ep to the registry. Fails with rdmaerr.Config if an
// endpoint with the same ID already exists.
func (r *Registry) Register(ep *Endpoint) error {
	const op = "endpoint.Registry.Register"

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.endpoints[ep.ID]; exists {
		return rdmaerr.New(rdmaerr.Config, op, fmt.Errorf("endpoint %s already registered", ep.ID))
	}
	r.endpoints[ep.ID] = ep

	if _, ok := r.locks[ep.ID.Path]; !ok {
		tok := make(chan struct{}, 1)
		tok <- struct{}{}
		r.locks[ep.ID.Path] = tok
	}
	return nil
}

// Get returns the endpoint registered under id.
func (r *Registry) Get(id ID) (*Endpoint, error) {
	const op = "endpoint.Registry.Get"

	r.mu.RLock()
	defer r.mu.RUnlock()

	ep, ok := r.endpoints[id]
	if !ok {
		return nil, rdmaerr.New(rdmaerr.Config, op, fmt.Errorf("endpoint %s not found", id))
	}
	return ep, nil
}

// TryLock attempts to acquire the advisory lock for path, returning true
// if acquired. Non-blocking. Returns false for an unknown path.
func (r *Registry) TryLock(path string) bool {
	r.mu.RLock()
	tok, ok := r.locks[path]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	select {
	case <-tok:
		return true
	default:
		return false
	}
}

// Unlock releases the advisory lock for path. Unlocking a path whose
// lock is not held is a programmer error and returns rdmaerr.State
// rather than panicking or silently succeeding.
func (r *Registry) Unlock(path string) error {
	const op = "endpoint.Registry.Unlock"

	r.mu.RLock()
	tok, ok := r.locks[path]
	r.mu.RUnlock()
	if !ok {
		return rdmaerr.New(rdmaerr.Config, op, fmt.Errorf("no lock registered for path %q", path))
	}

	select {
	case tok <- struct{}{}:
		return nil
	default:
		return rdmaerr.New(rdmaerr.State, op, fmt.Errorf("path %q lock not held", path))
	}
}

// MapAll maps every registered endpoint's buffer that is not yet mapped
// onto dev, deriving permissions from op kind per PermissionsFor.
func (r *Registry) MapAll(dev *device.Device) error {
	r.mu.RLock()
	eps := make([]*Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		eps = append(eps, ep)
	}
	r.mu.RUnlock()

	for _, ep := range eps {
		if ep.Buffer.IsMapped() {
			continue
		}
		perms, err := PermissionsFor(ep.ID.Op)
		if err != nil {
			return err
		}
		if err := ep.Buffer.Map(dev, perms); err != nil {
			return fmt.Errorf("map endpoint %s: %w", ep.ID, err)
		}
	}
	return nil
}

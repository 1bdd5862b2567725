package capability

import (
	"sort"
	"sync"

	"github.com/tidewater-labs/flotilla/pkg/schema"
)

// Registry maps capability types to implementations. Singletons are shared
// across steps; factories build a fresh instance per resolve for
// capabilities holding per-invocation state.
type Registry struct {
	mu         sync.RWMutex
	singletons map[string]Capability
	factories  map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{
		singletons: make(map[string]Capability),
		factories:  make(map[string]Factory),
	}
}

// RegisterSingleton registers a shared instance under its type. Registering
// the same type twice is a conflict, not a silent replacement.
func (r *Registry) RegisterSingleton(c Capability) error {
	if c == nil {
		return schema.NewError(schema.ErrCodeValidation, "capability is nil")
	}
	capType := c.Type()
	if capType == "" {
		return schema.NewError(schema.ErrCodeValidation, "capability type is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.registeredLocked(capType) {
		return schema.NewErrorf(schema.ErrCodeConflict, "capability %q already registered", capType)
	}
	r.singletons[capType] = c
	return nil
}

// RegisterFactory registers a constructor invoked on every resolve.
func (r *Registry) RegisterFactory(capType string, f Factory) error {
	if capType == "" {
		return schema.NewError(schema.ErrCodeValidation, "capability type is empty")
	}
	if f == nil {
		return schema.NewError(schema.ErrCodeValidation, "capability factory is nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.registeredLocked(capType) {
		return schema.NewErrorf(schema.ErrCodeConflict, "capability %q already registered", capType)
	}
	r.factories[capType] = f
	return nil
}

func (r *Registry) registeredLocked(capType string) bool {
	if _, ok := r.singletons[capType]; ok {
		return true
	}
	_, ok := r.factories[capType]
	return ok
}

// Resolve returns the capability registered for capType, constructing it when
// factory-backed. A missing capability is a fatal configuration error for the
// step that names it, so the error carries CAPABILITY_MISSING.
func (r *Registry) Resolve(capType string) (Capability, error) {
	r.mu.RLock()
	if c, ok := r.singletons[capType]; ok {
		r.mu.RUnlock()
		return c, nil
	}
	f, ok := r.factories[capType]
	r.mu.RUnlock()

	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeCapabilityMissing,
			"capability %q is not registered", capType)
	}

	c, err := f()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCapabilityMissing,
			"capability %q factory failed: %s", capType, err.Error()).WithCause(err)
	}
	if c == nil {
		return nil, schema.NewErrorf(schema.ErrCodeCapabilityMissing,
			"capability %q factory returned nil", capType)
	}
	return c, nil
}

// Lookup is the recoverable form of Resolve: a miss (or a factory that fails
// to produce an instance) returns ok=false instead of an error. Callers that
// can proceed without the capability use this; steps that name one cannot,
// and go through Resolve.
func (r *Registry) Lookup(capType string) (Capability, bool) {
	c, err := r.Resolve(capType)
	if err != nil {
		return nil, false
	}
	return c, true
}

// Has reports whether capType is registered.
func (r *Registry) Has(capType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.registeredLocked(capType)
}

// Count returns the number of registered capability types.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.singletons) + len(r.factories)
}

// List returns registered capabilities sorted by type.
func (r *Registry) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.singletons)+len(r.factories))
	for t := range r.singletons {
		out = append(out, Info{Type: t, Singleton: true})
	}
	for t := range r.factories {
		out = append(out, Info{Type: t})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

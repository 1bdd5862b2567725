package runctx

import (
	"sync"

	"github.com/google/uuid"
	"github.com/tidewater-labs/flotilla/pkg/schema"
)

// Context is the shared, hierarchically-scoped state store for one run.
// Steps exchange data, emit events, and record completion through it.
//
// A run has exactly one root Context; Child() forks a scope with an
// independent write surface and read-through to ancestors. All variable
// access in the whole tree is serialized through the root's mutex, so the
// run has a single locking surface regardless of how many scopes exist.
// Child writes never retroactively mutate the parent.
type Context struct {
	runID  string
	parent *Context
	root   *Context

	// vars is this scope's own writes. Guarded by root.mu for every scope.
	vars map[string]any

	// Root-only state.
	mu        sync.Mutex
	emitMu    sync.Mutex
	handlers  []subscription
	nextSubID int
	completed map[string]bool
	failed    map[string]bool
	metadata  map[string]any
}

// New creates the root Context for a run. The inputs map seeds the variable
// store. An empty runID gets a generated UUID.
func New(runID string, inputs map[string]any) *Context {
	if runID == "" {
		runID = uuid.New().String()
	}
	c := &Context{
		runID:     runID,
		vars:      make(map[string]any, len(inputs)),
		completed: make(map[string]bool),
		failed:    make(map[string]bool),
		metadata:  make(map[string]any),
	}
	c.root = c
	for k, v := range inputs {
		c.vars[k] = v
	}
	return c
}

// RunID returns the run identifier this context belongs to.
func (c *Context) RunID() string { return c.root.runID }

// Child returns a new scope sharing read access with an independent write
// surface. Lookups resolve through the nearest ancestor defining the key.
func (c *Context) Child() *Context {
	return &Context{
		runID:  c.root.runID,
		parent: c,
		root:   c.root,
		vars:   make(map[string]any),
	}
}

// Get resolves key against the nearest owning ancestor.
func (c *Context) Get(key string) (any, bool) {
	c.root.mu.Lock()
	defer c.root.mu.Unlock()
	return c.getLocked(key)
}

func (c *Context) getLocked(key string) (any, bool) {
	for scope := c; scope != nil; scope = scope.parent {
		if v, ok := scope.vars[key]; ok {
			return v, true
		}
	}
	return nil, false
}

// Set writes key into the current scope only.
func (c *Context) Set(key string, value any) {
	c.root.mu.Lock()
	c.vars[key] = value
	c.root.mu.Unlock()
}

// Has reports whether key resolves anywhere in the scope chain.
func (c *Context) Has(key string) bool {
	_, ok := c.Get(key)
	return ok
}

// Visible flattens the variables reachable from this scope, nearest
// ancestor winning on shadowed keys. The returned map is a copy.
func (c *Context) Visible() map[string]any {
	c.root.mu.Lock()
	defer c.root.mu.Unlock()

	// Walk root-first so nearer scopes overwrite.
	chain := make([]*Context, 0, 4)
	for scope := c; scope != nil; scope = scope.parent {
		chain = append(chain, scope)
	}
	out := make(map[string]any)
	for i := len(chain) - 1; i >= 0; i-- {
		for k, v := range chain[i].vars {
			out[k] = v
		}
	}
	return out
}

// MarkCompleted records a step as terminally succeeded for checkpointing.
func (c *Context) MarkCompleted(step string) {
	c.root.mu.Lock()
	c.root.completed[step] = true
	delete(c.root.failed, step)
	c.root.mu.Unlock()
}

// MarkFailed records a step as terminally failed for checkpointing.
func (c *Context) MarkFailed(step string) {
	c.root.mu.Lock()
	c.root.failed[step] = true
	c.root.mu.Unlock()
}

// IsCompleted reports whether a step was recorded as succeeded (possibly by
// a restored checkpoint).
func (c *Context) IsCompleted(step string) bool {
	c.root.mu.Lock()
	defer c.root.mu.Unlock()
	return c.root.completed[step]
}

// SetMetadata records run-level metadata carried into checkpoints.
func (c *Context) SetMetadata(key string, value any) {
	c.root.mu.Lock()
	c.root.metadata[key] = value
	c.root.mu.Unlock()
}

// Interpolate substitutes {{name}} references in s, resolving each name
// through the scope chain. A reference that resolves nowhere yields an
// unresolved-variable error.
func (c *Context) Interpolate(s string) (string, error) {
	return Interpolate(s, func(name string) (any, bool) {
		return c.Get(name)
	})
}

// InterpolateInputs resolves every string value of a step input map,
// returning a new map. Non-string values pass through untouched.
func (c *Context) InterpolateInputs(inputs map[string]any) (map[string]any, error) {
	if len(inputs) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(inputs))
	for k, v := range inputs {
		s, ok := v.(string)
		if !ok {
			out[k] = v
			continue
		}
		resolved, err := ResolveValue(s, func(name string) (any, bool) {
			return c.Get(name)
		})
		if err != nil {
			var fe *schema.FlotillaError
			if e, ok := err.(*schema.FlotillaError); ok {
				fe = e
			} else {
				fe = schema.NewError(schema.ErrCodeInterpolation, err.Error())
			}
			return nil, fe.WithDetails(map[string]any{"input_key": k})
		}
		out[k] = resolved
	}
	return out, nil
}

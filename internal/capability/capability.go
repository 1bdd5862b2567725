package capability

import (
	"context"
	"encoding/json"
)

// Capability is an abstract operation a concrete backend implements
// (e.g. "generate", "search", "publish"). Agents see only this surface and
// the execution context, never the scheduler or the graph.
type Capability interface {
	// Type identifies the capability (registry key).
	Type() string
	// Invoke performs the operation. Errors must be classified
	// (*schema.FlotillaError) so the engine can tell retryable from
	// permanent failures.
	Invoke(ctx context.Context, req Request) (*Response, error)
}

// Request is the data handed to a capability at invocation time.
type Request struct {
	Step    string          `json:"step,omitempty"`    // invoking step name
	Inputs  map[string]any  `json:"inputs,omitempty"`  // resolved step inputs
	Config  json.RawMessage `json:"config,omitempty"`  // free-form step configuration
	Backend string          `json:"backend,omitempty"` // routed backend identity, when tiered
}

// Response is the result of a capability invocation.
type Response struct {
	Data map[string]any `json:"data,omitempty"`
}

// Factory constructs a capability instance on demand.
type Factory func() (Capability, error)

// Info is a summary of a registered capability for listing.
type Info struct {
	Type      string `json:"type"`
	Singleton bool   `json:"singleton"`
}

// Func adapts a plain function into a Capability.
type Func struct {
	CapType string
	Fn      func(ctx context.Context, req Request) (*Response, error)
}

func (f Func) Type() string { return f.CapType }

func (f Func) Invoke(ctx context.Context, req Request) (*Response, error) {
	return f.Fn(ctx, req)
}

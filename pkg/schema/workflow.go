package schema

import "encoding/json"

// WorkflowDefinition is the validated workflow format the core consumes.
// An external loader produces it; the core never parses raw user input.
type WorkflowDefinition struct {
	Name     string           `json:"name,omitempty"`
	Steps    []StepDefinition `json:"steps"`
	Inputs   map[string]any   `json:"inputs,omitempty"`
	Timeout  string           `json:"timeout,omitempty"`
	Metadata map[string]any   `json:"metadata,omitempty"`
}

// StepDefinition describes a single step in a workflow.
type StepDefinition struct {
	Name       string          `json:"name"`
	Capability string          `json:"capability"`           // capability type the step invokes (e.g. "generate")
	Inputs     map[string]any  `json:"inputs,omitempty"`     // literals or {{reference}} strings
	Outputs    []OutputSpec    `json:"outputs,omitempty"`    // keys published to the context on success
	DependsOn  []string        `json:"depends_on,omitempty"` // step names that must succeed first
	Tier       Tier            `json:"tier,omitempty"`       // preferred backend tier for generation work
	MaxTier    Tier            `json:"max_tier,omitempty"`   // last tier the fallback chain may reach
	Retry      *RetryPolicy    `json:"retry,omitempty"`
	Timeout    string          `json:"timeout,omitempty"`  // step wall-clock limit (e.g. "30s")
	Optional   bool            `json:"optional,omitempty"` // failure does not fail the run
	When       string          `json:"when,omitempty"`     // CEL guard; false skips the step
	Config     json.RawMessage `json:"config,omitempty"`   // free-form payload passed to the capability
}

// OutputSpec declares one output key a step publishes.
// Path is an optional jq expression applied to the capability response;
// empty path publishes the whole response under Key.
type OutputSpec struct {
	Key  string `json:"key"`
	Path string `json:"path,omitempty"`
}

// RetryPolicy configures retry behavior for a step.
type RetryPolicy struct {
	Max      int    `json:"max"`                 // max retry attempts on the selected backend
	Backoff  string `json:"backoff,omitempty"`   // none | constant | linear | exponential
	Delay    string `json:"delay,omitempty"`     // initial delay (e.g. "1s", "500ms")
	MaxDelay string `json:"max_delay,omitempty"` // cap on the computed delay
}

// Tier is an ordered class of backend quality/cost.
type Tier string

const (
	TierPremium Tier = "premium"
	TierMid     Tier = "mid"
	TierLocal   Tier = "local"
)

// TierChain is the fixed fall-through order. Fallback always moves toward
// the end of the chain, never backwards, so selection terminates.
var TierChain = []Tier{TierPremium, TierMid, TierLocal}

// Valid reports whether t names a known tier.
func (t Tier) Valid() bool {
	for _, c := range TierChain {
		if c == t {
			return true
		}
	}
	return false
}

// Next returns the next broader tier in the chain, or "" at the end.
func (t Tier) Next() Tier {
	for i, c := range TierChain {
		if c == t && i+1 < len(TierChain) {
			return TierChain[i+1]
		}
	}
	return ""
}

package router

import (
	"context"
	"sort"
	"sync"

	"github.com/tidewater-labs/flotilla/internal/expressions"
	"github.com/tidewater-labs/flotilla/pkg/schema"
)

// Backend describes one concrete provider of generation capacity: an API
// endpoint, a local process, anything a capability can be pointed at. The
// router never invokes backends; it only decides which one a step should use.
type Backend struct {
	// ID uniquely identifies the backend within the router.
	ID string
	// Tier is the quality/cost class the backend belongs to.
	Tier schema.Tier
	// CostClass and LatencyClass are advisory labels carried into events.
	CostClass    string
	LatencyClass string
	// Predicate is an optional expr-lang expression over the backend's live
	// stats. A false result (or evaluation error) marks the backend
	// unavailable for this selection.
	Predicate string
	// Stats supplies the environment for Predicate. Nil means empty stats.
	Stats func() map[string]any
	// Healthy is an optional liveness probe consulted before Predicate.
	Healthy func(ctx context.Context) bool
}

// Selection is the outcome of one routing decision.
type Selection struct {
	Backend Backend
	// Tier the backend was found in (may be broader than the requested tier).
	Tier schema.Tier
	// Skipped lists backends that were considered and rejected, in order,
	// with the reason each was passed over. Used for fallback events.
	Skipped []SkippedBackend
}

// SkippedBackend records one backend passed over during selection.
type SkippedBackend struct {
	ID     string      `json:"id"`
	Tier   schema.Tier `json:"tier"`
	Reason string      `json:"reason"`
}

// TieredRouter selects backends along the fixed tier chain. Selection is
// deterministic: within a tier, backends are tried in ID order, and fallback
// always moves toward broader tiers, never backwards.
type TieredRouter struct {
	mu       sync.RWMutex
	byTier   map[schema.Tier][]Backend
	breakers *breakerRegistry
	preds    *expressions.PredicateEngine
}

// New creates a router with the given circuit breaker configuration.
func New(cfg BreakerConfig) *TieredRouter {
	return &TieredRouter{
		byTier:   make(map[schema.Tier][]Backend),
		breakers: newBreakerRegistry(cfg),
		preds:    expressions.NewPredicateEngine(),
	}
}

// Register adds a backend. Registering a duplicate ID or an unknown tier is
// a validation error.
func (r *TieredRouter) Register(b Backend) error {
	if b.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "backend ID is empty")
	}
	if !b.Tier.Valid() {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"backend %q has unknown tier %q", b.ID, b.Tier)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tier := range r.byTier {
		for _, existing := range tier {
			if existing.ID == b.ID {
				return schema.NewErrorf(schema.ErrCodeConflict,
					"backend %q already registered", b.ID)
			}
		}
	}
	backends := append(r.byTier[b.Tier], b)
	sort.Slice(backends, func(i, j int) bool { return backends[i].ID < backends[j].ID })
	r.byTier[b.Tier] = backends
	return nil
}

// Select picks the first available backend starting at tier and widening
// along the tier chain up to and including maxTier. Backends named in
// exclude are skipped, which lets a step re-route after a backend already
// consumed its attempt.
//
// A request that exhausts every tier in range returns TIER_EXHAUSTED with
// the full rejection trace in the error details.
func (r *TieredRouter) Select(ctx context.Context, tier, maxTier schema.Tier, exclude map[string]bool) (*Selection, error) {
	if tier == "" {
		tier = schema.TierPremium
	}
	if !tier.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown tier %q", tier)
	}
	if maxTier == "" {
		maxTier = schema.TierChain[len(schema.TierChain)-1]
	}
	if !maxTier.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown max tier %q", maxTier)
	}

	var skipped []SkippedBackend
	var tried []string

	reached := false
	for _, t := range schema.TierChain {
		if !reached {
			if t != tier {
				continue
			}
			reached = true
		}
		tried = append(tried, string(t))

		for _, b := range r.tierBackends(t) {
			if exclude[b.ID] {
				skipped = append(skipped, SkippedBackend{ID: b.ID, Tier: t, Reason: "already_attempted"})
				continue
			}
			if reason, ok := r.available(ctx, b); !ok {
				skipped = append(skipped, SkippedBackend{ID: b.ID, Tier: t, Reason: reason})
				continue
			}
			return &Selection{Backend: b, Tier: t, Skipped: skipped}, nil
		}

		if t == maxTier {
			break
		}
	}

	details := map[string]any{"tiers_tried": tried}
	if len(skipped) > 0 {
		details["skipped"] = skipped
	}
	return nil, schema.NewErrorf(schema.ErrCodeTierExhausted,
		"no backend available in tiers %q through %q", tier, maxTier).
		WithDetails(details)
}

// available checks breaker state, health, and the availability predicate.
// Returns the rejection reason when the backend cannot serve.
func (r *TieredRouter) available(ctx context.Context, b Backend) (string, bool) {
	if err := r.breakers.AllowRequest(b.ID); err != nil {
		return "circuit_open", false
	}
	if b.Healthy != nil && !b.Healthy(ctx) {
		return "unhealthy", false
	}
	if b.Predicate != "" {
		stats := map[string]any{}
		if b.Stats != nil {
			stats = b.Stats()
		}
		ok, err := r.preds.EvaluateBool(ctx, b.Predicate, stats)
		if err != nil {
			// A broken predicate means the backend cannot vouch for itself.
			return "predicate_error", false
		}
		if !ok {
			return "predicate_false", false
		}
	}
	return "", true
}

// RecordSuccess feeds the backend's circuit breaker after a successful
// invocation.
func (r *TieredRouter) RecordSuccess(backendID string) {
	r.breakers.RecordSuccess(backendID)
}

// RecordFailure feeds the backend's circuit breaker after a failed
// invocation and returns the resulting circuit state.
func (r *TieredRouter) RecordFailure(backendID string) CircuitState {
	return r.breakers.RecordFailure(backendID)
}

// BreakerStats exposes circuit diagnostics for one backend.
func (r *TieredRouter) BreakerStats(backendID string) map[string]any {
	return r.breakers.Stats(backendID)
}

// Backends returns all registered backends in tier-chain order, ID-sorted
// within each tier.
func (r *TieredRouter) Backends() []Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Backend
	for _, t := range schema.TierChain {
		out = append(out, r.byTier[t]...)
	}
	return out
}

func (r *TieredRouter) tierBackends(t schema.Tier) []Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byTier[t]
}

package router

import (
	"sync"
	"time"

	"github.com/tidewater-labs/flotilla/pkg/schema"
)

// CircuitState represents the state of a backend's circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures circuit breaker behavior for all backends.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before transitioning to half-open.
	Cooldown time.Duration
	// HalfOpenMax is the number of test requests allowed in half-open state.
	HalfOpenMax int
}

// DefaultBreakerConfig returns a sensible default configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// circuitBreaker tracks failure state for a single backend.
type circuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
	config              BreakerConfig
}

// breakerRegistry manages per-backend circuit breakers.
type breakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   BreakerConfig
}

func newBreakerRegistry(config BreakerConfig) *breakerRegistry {
	return &breakerRegistry{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
	}
}

// AllowRequest checks whether a request to the given backend is allowed.
// Returns nil if allowed, or a BACKEND_UNAVAILABLE error when the circuit is
// open, which the router treats like any other unavailable backend.
func (r *breakerRegistry) AllowRequest(backendID string) error {
	cb := r.getOrCreate(backendID)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil

	case CircuitOpen:
		// Check if cooldown has elapsed.
		if time.Since(cb.lastFailureTime) >= cb.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1 // this request counts as the first test request
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeBackendUnavailable,
			"circuit breaker open for backend %q: %d consecutive failures, cooldown remaining",
			backendID, cb.consecutiveFailures).
			WithDetails(map[string]any{
				"backend":              backendID,
				"consecutive_failures": cb.consecutiveFailures,
				"state":                cb.state.String(),
				"cooldown_remaining":   (cb.config.Cooldown - time.Since(cb.lastFailureTime)).String(),
			})

	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= cb.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeBackendUnavailable,
				"circuit breaker half-open for backend %q: max test requests reached", backendID)
		}
		cb.halfOpenAttempts++
		return nil
	}

	return nil
}

// RecordSuccess records a successful invocation for the backend.
func (r *breakerRegistry) RecordSuccess(backendID string) {
	cb := r.getOrCreate(backendID)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
}

// RecordFailure records a failed invocation for the backend.
// Returns the new circuit state.
func (r *breakerRegistry) RecordFailure(backendID string) CircuitState {
	cb := r.getOrCreate(backendID)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailureTime = time.Now()

	if cb.state == CircuitHalfOpen {
		// Any failure in half-open reopens the circuit.
		cb.state = CircuitOpen
		return CircuitOpen
	}

	if cb.consecutiveFailures >= cb.config.FailureThreshold {
		cb.state = CircuitOpen
		return CircuitOpen
	}

	return cb.state
}

// State returns the current circuit state for a backend.
func (r *breakerRegistry) State(backendID string) CircuitState {
	cb := r.getOrCreate(backendID)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	// Automatic transition from open to half-open after cooldown.
	if cb.state == CircuitOpen && time.Since(cb.lastFailureTime) >= cb.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
	}

	return cb.state
}

// Stats returns diagnostic information about a backend's circuit breaker.
func (r *breakerRegistry) Stats(backendID string) map[string]any {
	cb := r.getOrCreate(backendID)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return map[string]any{
		"backend":              backendID,
		"state":                cb.state.String(),
		"consecutive_failures": cb.consecutiveFailures,
		"failure_threshold":    cb.config.FailureThreshold,
		"cooldown":             cb.config.Cooldown.String(),
	}
}

func (r *breakerRegistry) getOrCreate(backendID string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[backendID]
	if !ok {
		cb = &circuitBreaker{
			state:  CircuitClosed,
			config: r.config,
		}
		r.breakers[backendID] = cb
	}
	return cb
}

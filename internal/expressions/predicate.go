package expressions

import (
	"context"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/tidewater-labs/flotilla/pkg/schema"
)

// PredicateEngine evaluates backend availability predicates using
// expr-lang/expr. Backend descriptors may declare an expression over the
// backend's live stats (load, error rate, queue depth) that the router
// consults before selecting the backend.
// Thread-safe: compiled *vm.Program objects are cached and reused.
type PredicateEngine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewPredicateEngine creates a new predicate engine.
func NewPredicateEngine() *PredicateEngine {
	return &PredicateEngine{
		cache: make(map[string]*vm.Program),
	}
}

// Evaluate compiles (or retrieves from cache) a predicate and evaluates it
// against the provided stats. The stats map is injected as the expression
// environment, making all keys available as top-level variables.
func (e *PredicateEngine) Evaluate(ctx context.Context, expression string, stats map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty predicate expression")
	}

	prg, err := e.getOrCompile(expression, stats)
	if err != nil {
		return nil, err
	}

	env := stats
	if env == nil {
		env = map[string]any{}
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"predicate evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	return out, nil
}

// EvaluateBool evaluates an availability predicate and requires a boolean
// result. The router treats an evaluation error the same as "unavailable"
// but a type mismatch is surfaced so misconfigured descriptors are caught.
func (e *PredicateEngine) EvaluateBool(ctx context.Context, expression string, stats map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, stats)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"predicate %q evaluated to %T, expected bool", expression, out).
			WithDetails(map[string]any{"expression": expression})
	}
	return b, nil
}

// getOrCompile returns a cached compiled program or compiles and caches a
// new one. The stats map is used to infer the environment for compilation.
func (e *PredicateEngine) getOrCompile(expression string, stats map[string]any) (*vm.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	env := stats
	if env == nil {
		env = map[string]any{}
	}

	prg, err := expr.Compile(expression,
		expr.Env(env),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"predicate compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}

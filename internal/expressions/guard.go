package expressions

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/tidewater-labs/flotilla/pkg/schema"
)

// GuardEngine evaluates step `when` conditions using Google's Common
// Expression Language. A guard that evaluates to false skips the step
// without failing the run.
// Thread-safe: compiled programs are cached and reused across goroutines.
type GuardEngine struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewGuardEngine creates a sandboxed CEL environment with two top-level
// variables:
//   - vars: map(string, dyn) with the variables visible to the step's scope
//   - run:  map(string, dyn) with run metadata (run_id, workflow)
func NewGuardEngine() (*GuardEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)

	env, err := cel.NewEnv(
		cel.Variable("vars", mapType),
		cel.Variable("run", mapType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &GuardEngine{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Evaluate compiles (or retrieves from cache) a guard expression and
// evaluates it against the provided variable scope and run metadata.
func (e *GuardEngine) Evaluate(ctx context.Context, expression string, vars, run map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty guard expression")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	// Missing keys default to empty maps to prevent CEL nil-ref errors.
	if vars == nil {
		vars = map[string]any{}
	}
	if run == nil {
		run = map[string]any{}
	}

	out, _, err := prg.Eval(map[string]any{"vars": vars, "run": run})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"guard evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	return out.Value(), nil
}

// EvaluateBool evaluates a guard and requires a boolean result. Any
// non-boolean result is a validation error so that a typo in a guard fails
// loudly instead of silently running or skipping the step.
func (e *GuardEngine) EvaluateBool(ctx context.Context, expression string, vars, run map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, vars, run)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"guard %q evaluated to %T, expected bool", expression, out).
			WithDetails(map[string]any{"expression": expression})
	}
	return b, nil
}

// getOrCompile returns a cached compiled program or compiles and caches a new one.
func (e *GuardEngine) getOrCompile(expression string) (cel.Program, error) {
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

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"guard compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"guard program error for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}

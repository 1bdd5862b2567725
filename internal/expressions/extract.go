package expressions

import (
	"context"
	"sync"

	"github.com/itchyny/gojq"
	"github.com/tidewater-labs/flotilla/pkg/schema"
)

// Extractor applies jq paths to capability responses to produce the values a
// step publishes into the run context. An output spec with path ".items[0].id"
// selects that fragment of the response instead of the whole payload.
// Thread-safe: compiled *Code objects are cached and reused across goroutines.
type Extractor struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewExtractor creates a new jq extractor.
func NewExtractor() *Extractor {
	return &Extractor{
		cache: make(map[string]*gojq.Code),
	}
}

// Extract compiles (or retrieves from cache) a jq path and runs it against
// the response data.
//
// jq expressions can produce multiple outputs. When there is exactly one
// output it is returned directly; multiple outputs are collected into []any.
// Zero outputs yield nil, which the step publishes as an explicit null.
func (e *Extractor) Extract(ctx context.Context, path string, data map[string]any) (any, error) {
	if path == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty output path")
	}

	code, err := e.getOrCompile(path)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, normalizeForJQ(data))

	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"output extraction failed for %q: %s", path, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"path": path})
		}
		results = append(results, val)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// getOrCompile returns a cached compiled code or compiles and caches a new one.
func (e *Extractor) getOrCompile(path string) (*gojq.Code, error) {
	e.mu.RLock()
	if code, ok := e.cache[path]; ok {
		e.mu.RUnlock()
		return code, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if code, ok := e.cache[path]; ok {
		return code, nil
	}

	query, err := gojq.Parse(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq parse error in %q: %s", path, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"path": path})
	}

	code, err := gojq.Compile(query,
		// Sandbox: return empty env to block $ENV and env access.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq compile error in %q: %s", path, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"path": path})
	}

	e.cache[path] = code
	return code, nil
}

// normalizeForJQ converts Go native types to jq-compatible types.
// jq uses float64 for all numbers, so int family values are widened.
func normalizeForJQ(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeForJQ(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeForJQ(item)
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}

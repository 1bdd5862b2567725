package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidewater-labs/flotilla/pkg/schema"
)

func TestPredicate_StatsAsTopLevelVariables(t *testing.T) {
	e := NewPredicateEngine()
	stats := map[string]any{"load": 0.4, "error_rate": 0.01, "queue_depth": 3}

	ok, err := e.EvaluateBool(context.Background(), `load < 0.8 && error_rate < 0.05`, stats)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.EvaluateBool(context.Background(), `queue_depth < 2`, stats)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPredicate_UndefinedVariableAllowed(t *testing.T) {
	e := NewPredicateEngine()

	// Backends report uneven stats; a predicate referencing an absent key
	// must not hard-fail compilation.
	out, err := e.Evaluate(context.Background(), `missing == nil`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestPredicate_EmptyExpression(t *testing.T) {
	e := NewPredicateEngine()
	_, err := e.Evaluate(context.Background(), "", nil)
	require.Error(t, err)
}

func TestPredicate_CompileError(t *testing.T) {
	e := NewPredicateEngine()
	_, err := e.Evaluate(context.Background(), `load <<< 1`, map[string]any{"load": 0.1})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, err.(*schema.FlotillaError).Code)
}

func TestPredicate_NonBoolResultRejected(t *testing.T) {
	e := NewPredicateEngine()
	_, err := e.EvaluateBool(context.Background(), `load * 2`, map[string]any{"load": 0.5})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, err.(*schema.FlotillaError).Code)
}

func TestPredicate_NilStats(t *testing.T) {
	e := NewPredicateEngine()
	ok, err := e.EvaluateBool(context.Background(), `true`, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPredicate_CacheReuse(t *testing.T) {
	e := NewPredicateEngine()
	for i := 0; i < 3; i++ {
		_, err := e.Evaluate(context.Background(), `load < 1.0`, map[string]any{"load": 0.2})
		require.NoError(t, err)
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	assert.Len(t, e.cache, 1)
}

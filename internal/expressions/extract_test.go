package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidewater-labs/flotilla/pkg/schema"
)

func TestExtract_FieldAccess(t *testing.T) {
	e := NewExtractor()
	data := map[string]any{"status": "ok", "count": 3}

	v, err := e.Extract(context.Background(), ".status", data)
	require.NoError(t, err)
	assert.Equal(t, "ok", v)

	v, err = e.Extract(context.Background(), ".count", data)
	require.NoError(t, err)
	assert.Equal(t, float64(3), v, "ints are widened for jq")
}

func TestExtract_NestedPath(t *testing.T) {
	e := NewExtractor()
	data := map[string]any{
		"items": []any{
			map[string]any{"id": "a", "score": 1},
			map[string]any{"id": "b", "score": 2},
		},
	}

	v, err := e.Extract(context.Background(), ".items[0].id", data)
	require.NoError(t, err)
	assert.Equal(t, "a", v)
}

func TestExtract_MultipleOutputsCollected(t *testing.T) {
	e := NewExtractor()
	data := map[string]any{
		"items": []any{
			map[string]any{"id": "a"},
			map[string]any{"id": "b"},
		},
	}

	v, err := e.Extract(context.Background(), ".items[].id", data)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, v)
}

func TestExtract_MissingFieldYieldsNull(t *testing.T) {
	e := NewExtractor()
	v, err := e.Extract(context.Background(), ".absent", map[string]any{"present": 1})
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestExtract_ZeroOutputsYieldNil(t *testing.T) {
	e := NewExtractor()
	v, err := e.Extract(context.Background(), ".items[]", map[string]any{"items": []any{}})
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestExtract_EmptyPath(t *testing.T) {
	e := NewExtractor()
	_, err := e.Extract(context.Background(), "", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, err.(*schema.FlotillaError).Code)
}

func TestExtract_ParseError(t *testing.T) {
	e := NewExtractor()
	_, err := e.Extract(context.Background(), ".[broken", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, err.(*schema.FlotillaError).Code)
}

func TestExtract_RuntimeError(t *testing.T) {
	e := NewExtractor()
	_, err := e.Extract(context.Background(), ".value | keys", map[string]any{"value": "a string"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeExecution, err.(*schema.FlotillaError).Code)
}

func TestExtract_EnvBlocked(t *testing.T) {
	e := NewExtractor()
	t.Setenv("FLOTILLA_SECRET", "leak")

	v, err := e.Extract(context.Background(), `env.FLOTILLA_SECRET`, map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, v, "environment access is sandboxed")
}

func TestExtract_CacheReuse(t *testing.T) {
	e := NewExtractor()
	for i := 0; i < 3; i++ {
		_, err := e.Extract(context.Background(), ".x", map[string]any{"x": i})
		require.NoError(t, err)
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	assert.Len(t, e.cache, 1)
}

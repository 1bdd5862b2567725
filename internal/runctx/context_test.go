package runctx

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Variable scoping ---

func TestNew_SeedsInputs(t *testing.T) {
	c := New("run-1", map[string]any{"region": "eu", "count": 3})
	assert.Equal(t, "run-1", c.RunID())

	v, ok := c.Get("region")
	require.True(t, ok)
	assert.Equal(t, "eu", v)

	v, ok = c.Get("count")
	require.True(t, ok)
	assert.Equal(t, 3, v)
}

func TestNew_EmptyRunIDGenerated(t *testing.T) {
	c := New("", nil)
	assert.NotEmpty(t, c.RunID())
}

func TestGet_Missing(t *testing.T) {
	c := New("run-1", nil)
	_, ok := c.Get("nope")
	assert.False(t, ok)
	assert.False(t, c.Has("nope"))
}

func TestChild_ReadsThroughToParent(t *testing.T) {
	root := New("run-1", map[string]any{"base": "root-value"})
	child := root.Child()

	v, ok := child.Get("base")
	require.True(t, ok)
	assert.Equal(t, "root-value", v)
	assert.Equal(t, "run-1", child.RunID())
}

func TestChild_WritesStayLocal(t *testing.T) {
	root := New("run-1", nil)
	child := root.Child()

	child.Set("local", 42)

	_, ok := root.Get("local")
	assert.False(t, ok, "child write must not leak to parent")

	v, ok := child.Get("local")
	require.True(t, ok)
	assert.Equal(t, 42, v)
}

func TestChild_ShadowsParentKey(t *testing.T) {
	root := New("run-1", map[string]any{"key": "parent"})
	child := root.Child()
	child.Set("key", "child")

	v, _ := child.Get("key")
	assert.Equal(t, "child", v)
	v, _ = root.Get("key")
	assert.Equal(t, "parent", v)
}

func TestChild_GrandchildResolution(t *testing.T) {
	root := New("run-1", map[string]any{"a": 1})
	mid := root.Child()
	mid.Set("b", 2)
	leaf := mid.Child()
	leaf.Set("c", 3)

	for key, want := range map[string]any{"a": 1, "b": 2, "c": 3} {
		v, ok := leaf.Get(key)
		require.True(t, ok, key)
		assert.Equal(t, want, v)
	}
}

func TestVisible_NearestAncestorWins(t *testing.T) {
	root := New("run-1", map[string]any{"a": "root", "b": "root"})
	child := root.Child()
	child.Set("b", "child")
	child.Set("c", "child")

	visible := child.Visible()
	assert.Equal(t, map[string]any{"a": "root", "b": "child", "c": "child"}, visible)

	// The returned map is a copy.
	visible["a"] = "mutated"
	v, _ := child.Get("a")
	assert.Equal(t, "root", v)
}

func TestConcurrentAccess(t *testing.T) {
	root := New("run-1", nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			scope := root.Child()
			key := fmt.Sprintf("key-%d", n)
			scope.Set(key, n)
			root.Set(fmt.Sprintf("root-%d", n), n)
			_, _ = scope.Get(key)
			_ = scope.Visible()
		}(i)
	}
	wg.Wait()

	for i := 0; i < 20; i++ {
		assert.True(t, root.Has(fmt.Sprintf("root-%d", i)))
	}
}

// --- Completion tracking ---

func TestMarkCompleted(t *testing.T) {
	c := New("run-1", nil)
	assert.False(t, c.IsCompleted("a"))

	c.MarkCompleted("a")
	assert.True(t, c.IsCompleted("a"))
}

func TestMarkCompleted_ClearsFailed(t *testing.T) {
	c := New("run-1", nil)
	c.MarkFailed("a")
	c.MarkCompleted("a")

	cp := c.Snapshot()
	assert.Equal(t, []string{"a"}, cp.Completed)
	assert.Empty(t, cp.Failed)
}

// --- Input interpolation ---

func TestInterpolateInputs_TypePreservation(t *testing.T) {
	c := New("run-1", map[string]any{
		"name":  "world",
		"items": []any{1.0, 2.0},
		"n":     7,
	})

	out, err := c.InterpolateInputs(map[string]any{
		"greeting": "hello {{name}}",
		"passthru": "{{items}}",
		"number":   "{{n}}",
		"literal":  42,
	})
	require.NoError(t, err)

	assert.Equal(t, "hello world", out["greeting"])
	assert.Equal(t, []any{1.0, 2.0}, out["passthru"], "lone reference keeps native type")
	assert.Equal(t, 7, out["number"])
	assert.Equal(t, 42, out["literal"])
}

func TestInterpolateInputs_UnresolvedIsError(t *testing.T) {
	c := New("run-1", nil)
	_, err := c.InterpolateInputs(map[string]any{"x": "{{missing}}"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
}

func TestInterpolateInputs_Empty(t *testing.T) {
	c := New("run-1", nil)
	out, err := c.InterpolateInputs(nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

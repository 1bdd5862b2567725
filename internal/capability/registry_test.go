package capability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidewater-labs/flotilla/pkg/schema"
)

func echo(capType string) Func {
	return Func{
		CapType: capType,
		Fn: func(_ context.Context, req Request) (*Response, error) {
			return &Response{Data: req.Inputs}, nil
		},
	}
}

// --- Singletons ---

func TestRegisterSingleton_AndResolve(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterSingleton(echo("generate")))

	c, err := r.Resolve("generate")
	require.NoError(t, err)
	assert.Equal(t, "generate", c.Type())

	resp, err := c.Invoke(context.Background(), Request{Inputs: map[string]any{"k": "v"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"k": "v"}, resp.Data)
}

func TestRegisterSingleton_Duplicate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterSingleton(echo("generate")))

	err := r.RegisterSingleton(echo("generate"))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, err.(*schema.FlotillaError).Code)
}

func TestRegisterSingleton_Invalid(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.RegisterSingleton(nil))
	assert.Error(t, r.RegisterSingleton(echo("")))
}

// --- Factories ---

func TestRegisterFactory_FreshInstancePerResolve(t *testing.T) {
	r := NewRegistry()
	built := 0
	require.NoError(t, r.RegisterFactory("search", func() (Capability, error) {
		built++
		return echo("search"), nil
	}))

	_, err := r.Resolve("search")
	require.NoError(t, err)
	_, err = r.Resolve("search")
	require.NoError(t, err)
	assert.Equal(t, 2, built)
}

func TestRegisterFactory_ConflictsWithSingleton(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterSingleton(echo("generate")))

	err := r.RegisterFactory("generate", func() (Capability, error) { return echo("generate"), nil })
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, err.(*schema.FlotillaError).Code)
}

func TestRegisterFactory_Invalid(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.RegisterFactory("", func() (Capability, error) { return echo("x"), nil }))
	assert.Error(t, r.RegisterFactory("x", nil))
}

func TestResolve_FactoryError(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterFactory("flaky", func() (Capability, error) {
		return nil, errors.New("construction failed")
	}))

	_, err := r.Resolve("flaky")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCapabilityMissing, err.(*schema.FlotillaError).Code)
}

func TestResolve_FactoryReturnsNil(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterFactory("broken", func() (Capability, error) { return nil, nil }))

	_, err := r.Resolve("broken")
	require.Error(t, err)
}

// --- Lookup ---

func TestResolve_Missing(t *testing.T) {
	r := NewRegistry()
	_, err := r.Resolve("ghost")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCapabilityMissing, err.(*schema.FlotillaError).Code)
}

func TestLookup(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterSingleton(echo("generate")))
	require.NoError(t, r.RegisterFactory("flaky", func() (Capability, error) {
		return nil, errors.New("construction failed")
	}))

	c, ok := r.Lookup("generate")
	require.True(t, ok)
	assert.Equal(t, "generate", c.Type())

	_, ok = r.Lookup("ghost")
	assert.False(t, ok)

	_, ok = r.Lookup("flaky")
	assert.False(t, ok, "factory failure is a recoverable miss")
}

func TestHasAndCount(t *testing.T) {
	r := NewRegistry()
	assert.False(t, r.Has("generate"))
	assert.Equal(t, 0, r.Count())

	require.NoError(t, r.RegisterSingleton(echo("generate")))
	require.NoError(t, r.RegisterFactory("search", func() (Capability, error) { return echo("search"), nil }))

	assert.True(t, r.Has("generate"))
	assert.True(t, r.Has("search"))
	assert.Equal(t, 2, r.Count())
}

func TestList_SortedByType(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterSingleton(echo("publish")))
	require.NoError(t, r.RegisterSingleton(echo("generate")))
	require.NoError(t, r.RegisterFactory("search", func() (Capability, error) { return echo("search"), nil }))

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, []Info{
		{Type: "generate", Singleton: true},
		{Type: "publish", Singleton: true},
		{Type: "search", Singleton: false},
	}, list)
}

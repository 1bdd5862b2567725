package loader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidewater-labs/flotilla/pkg/schema"
)

func newLoader(t *testing.T) *Loader {
	t.Helper()
	l, err := New()
	require.NoError(t, err)
	return l
}

const validWorkflow = `{
  "name": "daily-report",
  "inputs": {"source": "api"},
  "timeout": "5m",
  "steps": [
    {
      "name": "fetch",
      "capability": "fetch",
      "inputs": {"source": "{{source}}"},
      "outputs": [{"key": "items", "path": ".items"}],
      "tier": "mid",
      "max_tier": "local",
      "retry": {"max": 2, "backoff": "exponential", "delay": "500ms", "max_delay": "5s"},
      "timeout": "30s"
    },
    {
      "name": "summarize",
      "capability": "generate",
      "depends_on": ["fetch"],
      "when": "vars.items != null",
      "optional": true
    }
  ]
}`

// --- Load ---

func TestLoad_ValidWorkflow(t *testing.T) {
	l := newLoader(t)

	def, err := l.Load([]byte(validWorkflow))
	require.NoError(t, err)

	assert.Equal(t, "daily-report", def.Name)
	require.Len(t, def.Steps, 2)

	fetch := def.Steps[0]
	assert.Equal(t, "fetch", fetch.Name)
	assert.Equal(t, schema.TierMid, fetch.Tier)
	assert.Equal(t, schema.TierLocal, fetch.MaxTier)
	require.NotNil(t, fetch.Retry)
	assert.Equal(t, 2, fetch.Retry.Max)
	assert.Equal(t, "exponential", fetch.Retry.Backoff)
	require.Len(t, fetch.Outputs, 1)
	assert.Equal(t, "items", fetch.Outputs[0].Key)

	summarize := def.Steps[1]
	assert.Equal(t, []string{"fetch"}, summarize.DependsOn)
	assert.True(t, summarize.Optional)
	assert.Equal(t, "vars.items != null", summarize.When)
}

func TestLoad_NotJSON(t *testing.T) {
	l := newLoader(t)
	_, err := l.Load([]byte("steps: [nope, this is yaml]"))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, err.(*schema.FlotillaError).Code)
}

func TestLoad_SchemaViolations(t *testing.T) {
	l := newLoader(t)

	cases := []struct {
		name string
		json string
	}{
		{"no steps", `{"name": "x"}`},
		{"empty steps", `{"steps": []}`},
		{"step missing capability", `{"steps": [{"name": "a"}]}`},
		{"step missing name", `{"steps": [{"capability": "c"}]}`},
		{"unknown tier", `{"steps": [{"name": "a", "capability": "c", "tier": "turbo"}]}`},
		{"bad timeout format", `{"steps": [{"name": "a", "capability": "c", "timeout": "30 seconds"}]}`},
		{"negative retry max", `{"steps": [{"name": "a", "capability": "c", "retry": {"max": -1}}]}`},
		{"retry without max", `{"steps": [{"name": "a", "capability": "c", "retry": {"delay": "1s"}}]}`},
		{"output without key", `{"steps": [{"name": "a", "capability": "c", "outputs": [{"path": ".x"}]}]}`},
		{"unknown top-level field", `{"steps": [{"name": "a", "capability": "c"}], "bogus": 1}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := l.Load([]byte(tc.json))
			require.Error(t, err)
			assert.Equal(t, schema.ErrCodeValidation, err.(*schema.FlotillaError).Code)
		})
	}
}

// --- Semantic validation ---

func TestValidate_DuplicateStepName(t *testing.T) {
	err := Validate(&schema.WorkflowDefinition{Steps: []schema.StepDefinition{
		{Name: "a", Capability: "c"},
		{Name: "a", Capability: "c"},
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate step name")
}

func TestValidate_UnknownDependency(t *testing.T) {
	err := Validate(&schema.WorkflowDefinition{Steps: []schema.StepDefinition{
		{Name: "a", Capability: "c", DependsOn: []string{"ghost"}},
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown step")
}

func TestValidate_SelfDependency(t *testing.T) {
	err := Validate(&schema.WorkflowDefinition{Steps: []schema.StepDefinition{
		{Name: "a", Capability: "c", DependsOn: []string{"a"}},
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "depends on itself")
}

func TestValidate_TierOrder(t *testing.T) {
	err := Validate(&schema.WorkflowDefinition{Steps: []schema.StepDefinition{
		{Name: "a", Capability: "c", Tier: schema.TierLocal, MaxTier: schema.TierPremium},
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "narrower than")
}

func TestValidate_MaxTierWithoutTierIsWarning(t *testing.T) {
	// A warning, not an error: the definition still loads.
	err := Validate(&schema.WorkflowDefinition{Steps: []schema.StepDefinition{
		{Name: "a", Capability: "c", MaxTier: schema.TierLocal},
	}})
	assert.NoError(t, err)
}

func TestValidate_DuplicateOutputKey(t *testing.T) {
	err := Validate(&schema.WorkflowDefinition{Steps: []schema.StepDefinition{
		{Name: "a", Capability: "c", Outputs: []schema.OutputSpec{
			{Key: "x", Path: ".a"},
			{Key: "x", Path: ".b"},
		}},
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "twice")
}

func TestValidate_MultipleErrorsAggregated(t *testing.T) {
	err := Validate(&schema.WorkflowDefinition{Steps: []schema.StepDefinition{
		{Name: "a", Capability: "c", DependsOn: []string{"ghost"}},
		{Name: "a", Capability: "c"},
	}})
	require.Error(t, err)

	ferr := err.(*schema.FlotillaError)
	assert.Equal(t, 2, ferr.Details["error_count"])
}

// --- Files ---

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "workflow.json")
	require.NoError(t, os.WriteFile(path, []byte(validWorkflow), 0o644))

	l := newLoader(t)
	def, err := l.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "daily-report", def.Name)
}

func TestLoadFile_Missing(t *testing.T) {
	l := newLoader(t)
	_, err := l.LoadFile(filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, err.(*schema.FlotillaError).Code)
}

package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidewater-labs/flotilla/internal/graph"
	"github.com/tidewater-labs/flotilla/internal/runctx"
	"github.com/tidewater-labs/flotilla/pkg/schema"
)

func testTracker(t *testing.T, stepNames ...string) (*Tracker, *runctx.Context) {
	t.Helper()
	steps := make([]schema.StepDefinition, len(stepNames))
	for i, name := range stepNames {
		steps[i] = schema.StepDefinition{Name: name, Capability: "noop"}
	}
	g, err := graph.Build(&schema.WorkflowDefinition{Steps: steps})
	require.NoError(t, err)
	rc := runctx.New("run-1", nil)
	return NewTracker(rc, g), rc
}

// --- Run transitions ---

func TestTransitionRun_HappyPath(t *testing.T) {
	tr, _ := testTracker(t, "a")
	assert.Equal(t, schema.RunStatusPending, tr.RunStatus())

	require.NoError(t, tr.TransitionRun(schema.RunStatusRunning, nil))
	require.NoError(t, tr.TransitionRun(schema.RunStatusSucceeded, nil))
	assert.Equal(t, schema.RunStatusSucceeded, tr.RunStatus())
}

func TestTransitionRun_InvalidEdge(t *testing.T) {
	tr, _ := testTracker(t, "a")

	err := tr.TransitionRun(schema.RunStatusSucceeded, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInvalidTransition, err.(*schema.FlotillaError).Code)
	assert.Equal(t, schema.RunStatusPending, tr.RunStatus(), "state unchanged on rejection")
}

func TestTransitionRun_TerminalIsFinal(t *testing.T) {
	tr, _ := testTracker(t, "a")
	require.NoError(t, tr.TransitionRun(schema.RunStatusRunning, nil))
	require.NoError(t, tr.TransitionRun(schema.RunStatusFailed, nil))

	assert.Error(t, tr.TransitionRun(schema.RunStatusRunning, nil))
	assert.Error(t, tr.TransitionRun(schema.RunStatusSucceeded, nil))
}

func TestTransitionRun_EmitsLifecycleEvent(t *testing.T) {
	tr, rc := testTracker(t, "a")

	var types []string
	rc.Subscribe(func(ev runctx.Event) error { types = append(types, ev.Type); return nil })

	require.NoError(t, tr.TransitionRun(schema.RunStatusRunning, nil))
	require.NoError(t, tr.TransitionRun(schema.RunStatusPartial, nil))
	assert.Equal(t, []string{schema.EventRunStarted, schema.EventRunPartial}, types)
}

// --- Step transitions ---

func TestTransitionStep_HappyPath(t *testing.T) {
	tr, _ := testTracker(t, "a")
	assert.Equal(t, schema.StepStatusPending, tr.StepStatus("a"))

	require.NoError(t, tr.TransitionStep("a", schema.StepStatusRunning, nil))
	require.NoError(t, tr.TransitionStep("a", schema.StepStatusSucceeded, nil))
	assert.Equal(t, schema.StepStatusSucceeded, tr.StepStatus("a"))
}

func TestTransitionStep_RetryEdge(t *testing.T) {
	tr, _ := testTracker(t, "a")

	require.NoError(t, tr.TransitionStep("a", schema.StepStatusRunning, nil))
	require.NoError(t, tr.TransitionStep("a", schema.StepStatusPending, nil))
	require.NoError(t, tr.TransitionStep("a", schema.StepStatusRunning, nil))
	require.NoError(t, tr.TransitionStep("a", schema.StepStatusFailed, nil))
}

func TestTransitionStep_NoPendingToFailedEdge(t *testing.T) {
	tr, _ := testTracker(t, "a")
	err := tr.TransitionStep("a", schema.StepStatusFailed, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInvalidTransition, err.(*schema.FlotillaError).Code)
}

func TestTransitionStep_UnknownStep(t *testing.T) {
	tr, _ := testTracker(t, "a")
	err := tr.TransitionStep("ghost", schema.StepStatusRunning, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, err.(*schema.FlotillaError).Code)
}

func TestTransitionStep_EmitsEvents(t *testing.T) {
	tr, rc := testTracker(t, "a")

	var events []runctx.Event
	rc.Subscribe(func(ev runctx.Event) error { events = append(events, ev); return nil })

	require.NoError(t, tr.TransitionStep("a", schema.StepStatusRunning, nil))
	require.NoError(t, tr.TransitionStep("a", schema.StepStatusPending, nil))
	require.NoError(t, tr.TransitionStep("a", schema.StepStatusRunning, map[string]any{"attempt": 2}))
	require.NoError(t, tr.TransitionStep("a", schema.StepStatusSucceeded, nil))

	var types []string
	for _, ev := range events {
		assert.Equal(t, "a", ev.Step)
		types = append(types, ev.Type)
	}
	// The retry reset emits nothing; the caller reports retries separately.
	assert.Equal(t, []string{
		schema.EventStepStarted,
		schema.EventStepStarted,
		schema.EventStepSucceeded,
	}, types)
}

// --- Snapshot and restore ---

func TestSnapshot_Copies(t *testing.T) {
	tr, _ := testTracker(t, "a", "b")
	require.NoError(t, tr.TransitionStep("a", schema.StepStatusRunning, nil))

	snap := tr.Snapshot()
	assert.Equal(t, schema.StepStatusRunning, snap["a"])
	assert.Equal(t, schema.StepStatusPending, snap["b"])

	snap["b"] = schema.StepStatusFailed
	assert.Equal(t, schema.StepStatusPending, tr.StepStatus("b"))
}

func TestRestore_SeedsSucceededSilently(t *testing.T) {
	tr, rc := testTracker(t, "a", "b")

	emitted := 0
	rc.Subscribe(func(runctx.Event) error { emitted++; return nil })

	tr.Restore([]string{"a", "unknown-step"})
	assert.Equal(t, schema.StepStatusSucceeded, tr.StepStatus("a"))
	assert.Equal(t, schema.StepStatusPending, tr.StepStatus("b"))
	assert.Equal(t, 0, emitted)
}

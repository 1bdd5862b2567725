package engine

import (
	"sync"

	"github.com/tidewater-labs/flotilla/internal/graph"
	"github.com/tidewater-labs/flotilla/internal/runctx"
	"github.com/tidewater-labs/flotilla/pkg/schema"
)

// ValidRunTransitions defines the allowed state transitions for runs.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusPending:   {schema.RunStatusRunning, schema.RunStatusCancelled},
	schema.RunStatusRunning:   {schema.RunStatusSucceeded, schema.RunStatusPartial, schema.RunStatusFailed, schema.RunStatusCancelled},
	schema.RunStatusSucceeded: {},
	schema.RunStatusPartial:   {},
	schema.RunStatusFailed:    {},
	schema.RunStatusCancelled: {},
}

// ValidStepTransitions defines the allowed state transitions for steps.
// Running back to Pending is the retry path: a retryable failure with budget
// remaining re-queues the step instead of terminating it.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending:   {schema.StepStatusRunning, schema.StepStatusSkipped, schema.StepStatusCancelled},
	schema.StepStatusRunning:   {schema.StepStatusSucceeded, schema.StepStatusFailed, schema.StepStatusPending, schema.StepStatusCancelled},
	schema.StepStatusSucceeded: {},
	schema.StepStatusFailed:    {},
	schema.StepStatusSkipped:   {},
	schema.StepStatusCancelled: {},
}

// Tracker holds the authoritative run and step statuses for one run and
// enforces the transition tables. Every status change flows through it, so
// an illegal transition is a bug surfaced immediately rather than silent
// state corruption.
type Tracker struct {
	mu    sync.Mutex
	rc    *runctx.Context
	run   schema.RunStatus
	steps map[string]schema.StepStatus
}

// NewTracker initializes tracking for every step in the graph as pending.
func NewTracker(rc *runctx.Context, g *graph.Graph) *Tracker {
	steps := make(map[string]schema.StepStatus, g.Len())
	for name := range g.Steps {
		steps[name] = schema.StepStatusPending
	}
	return &Tracker{
		rc:    rc,
		run:   schema.RunStatusPending,
		steps: steps,
	}
}

// RunStatus returns the current run status.
func (t *Tracker) RunStatus() schema.RunStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.run
}

// StepStatus returns the current status of one step.
func (t *Tracker) StepStatus(name string) schema.StepStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.steps[name]
}

// Snapshot returns a copy of all step statuses.
func (t *Tracker) Snapshot() map[string]schema.StepStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]schema.StepStatus, len(t.steps))
	for k, v := range t.steps {
		out[k] = v
	}
	return out
}

// Restore seeds steps completed in a previous run as succeeded without
// emitting lifecycle events. Unknown names (a definition that changed since
// the checkpoint) are ignored.
func (t *Tracker) Restore(completed []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, name := range completed {
		if _, ok := t.steps[name]; ok {
			t.steps[name] = schema.StepStatusSucceeded
		}
	}
}

// StatusFn adapts the tracker for graph readiness queries.
func (t *Tracker) StatusFn() graph.StatusFn {
	return func(name string) schema.StepStatus {
		return t.StepStatus(name)
	}
}

// TransitionRun validates and applies a run status change, emitting the
// corresponding lifecycle event.
func (t *Tracker) TransitionRun(to schema.RunStatus, payload map[string]any) error {
	t.mu.Lock()
	from := t.run
	if !validRunTransition(from, to) {
		t.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"from": string(from), "to": string(to)})
	}
	t.run = to
	t.mu.Unlock()

	if eventType := runEventType(to); eventType != "" {
		t.rc.Emit(runctx.Event{Type: eventType, Payload: payload})
	}
	return nil
}

// TransitionStep validates and applies a step status change, emitting the
// corresponding lifecycle event. The retry reset (running back to pending)
// emits nothing here; the caller emits step_retrying with attempt details.
func (t *Tracker) TransitionStep(name string, to schema.StepStatus, payload map[string]any) error {
	t.mu.Lock()
	from, ok := t.steps[name]
	if !ok {
		t.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeNotFound, "unknown step %q", name)
	}
	if !validStepTransition(from, to) {
		t.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid step transition: %s -> %s", from, to).
			WithStep(name).
			WithDetails(map[string]any{"from": string(from), "to": string(to)})
	}
	t.steps[name] = to
	t.mu.Unlock()

	if eventType := stepEventType(to); eventType != "" {
		t.rc.Emit(runctx.Event{Step: name, Type: eventType, Payload: payload})
	}
	return nil
}

func validRunTransition(from, to schema.RunStatus) bool {
	for _, a := range ValidRunTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func validStepTransition(from, to schema.StepStatus) bool {
	for _, a := range ValidStepTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func runEventType(to schema.RunStatus) string {
	switch to {
	case schema.RunStatusRunning:
		return schema.EventRunStarted
	case schema.RunStatusSucceeded:
		return schema.EventRunSucceeded
	case schema.RunStatusPartial:
		return schema.EventRunPartial
	case schema.RunStatusFailed:
		return schema.EventRunFailed
	case schema.RunStatusCancelled:
		return schema.EventRunCancelled
	default:
		return ""
	}
}

func stepEventType(to schema.StepStatus) string {
	switch to {
	case schema.StepStatusRunning:
		return schema.EventStepStarted
	case schema.StepStatusSucceeded:
		return schema.EventStepSucceeded
	case schema.StepStatusFailed:
		return schema.EventStepFailed
	case schema.StepStatusSkipped:
		return schema.EventStepSkipped
	case schema.StepStatusCancelled:
		return schema.EventStepCancelled
	default:
		return ""
	}
}

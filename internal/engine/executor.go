package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/tidewater-labs/flotilla/internal/capability"
	"github.com/tidewater-labs/flotilla/internal/expressions"
	"github.com/tidewater-labs/flotilla/internal/graph"
	"github.com/tidewater-labs/flotilla/internal/logging"
	"github.com/tidewater-labs/flotilla/internal/router"
	"github.com/tidewater-labs/flotilla/internal/runctx"
	"github.com/tidewater-labs/flotilla/pkg/schema"
)

// CheckpointFn persists a checkpoint after each step success.
type CheckpointFn func(ctx context.Context, cp *runctx.Checkpoint) error

// Config wires an Engine.
type Config struct {
	Registry *capability.Registry
	Router   *router.TieredRouter
	Logger   *slog.Logger

	// PoolSize bounds concurrent step execution. Defaults to 4.
	PoolSize int
	// CancelGrace is how long in-flight steps get to wind down after
	// cancellation before being marked cancelled. Defaults to 5s.
	CancelGrace time.Duration
	// CheckpointFn, when set, receives a snapshot after every step success.
	CheckpointFn CheckpointFn
}

// Engine executes workflow runs: it owns the scheduling loop, the worker
// pool, and the expression engines. One Engine serves many runs; per-run
// state lives in runState.
type Engine struct {
	registry     *capability.Registry
	router       *router.TieredRouter
	guards       *expressions.GuardEngine
	extract      *expressions.Extractor
	logger       *slog.Logger
	poolSize     int
	cancelGrace  time.Duration
	checkpointFn CheckpointFn
}

// New creates an Engine from the config.
func New(cfg Config) (*Engine, error) {
	if cfg.Registry == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "capability registry is required")
	}
	if cfg.Router == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "router is required")
	}
	guards, err := expressions.NewGuardEngine()
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}
	grace := cfg.CancelGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return &Engine{
		registry:     cfg.Registry,
		router:       cfg.Router,
		guards:       guards,
		extract:      expressions.NewExtractor(),
		logger:       logger,
		poolSize:     poolSize,
		cancelGrace:  grace,
		checkpointFn: cfg.CheckpointFn,
	}, nil
}

// RunOptions configures one run.
type RunOptions struct {
	// RunID overrides the generated run identifier.
	RunID string
	// Inputs seed the run context's variable store, merged over the
	// definition's declared inputs.
	Inputs map[string]any
	// Resume restores run state from a checkpoint: completed steps are not
	// re-executed, previously failed steps are re-attempted.
	Resume *runctx.Checkpoint
	// Subscribe, when set, receives every event the run emits.
	Subscribe runctx.Handler
}

// Result is the run summary. It is always complete: every step appears with
// a terminal status and its full attempt history, whatever the outcome.
type Result struct {
	RunID      string                       `json:"run_id"`
	Workflow   string                       `json:"workflow,omitempty"`
	Status     schema.RunStatus             `json:"status"`
	Steps      map[string]schema.StepStatus `json:"steps"`
	Records    []StepRecord                 `json:"records"`
	Outputs    map[string]any               `json:"outputs"`
	StartedAt  time.Time                    `json:"started_at"`
	FinishedAt time.Time                    `json:"finished_at"`
}

// runState is the per-run working set shared by the loop and its workers.
type runState struct {
	def     *schema.WorkflowDefinition
	g       *graph.Graph
	rc      *runctx.Context
	tracker *Tracker
	records *RecordLog
}

type stepOutcome struct {
	name string
}

// Run executes a workflow to completion. The scheduling loop is
// completion-driven: every finished step triggers a rescan of the ready set,
// so independent branches proceed without waiting for level boundaries.
func (e *Engine) Run(ctx context.Context, def *schema.WorkflowDefinition, opts RunOptions) (*Result, error) {
	g, err := graph.Build(def)
	if err != nil {
		return nil, err
	}

	rc, restored, err := e.buildContext(def, opts)
	if err != nil {
		return nil, err
	}

	st := &runState{
		def:     def,
		g:       g,
		rc:      rc,
		tracker: NewTracker(rc, g),
		records: NewRecordLog(),
	}

	if opts.Subscribe != nil {
		defer rc.Subscribe(opts.Subscribe)()
	}

	// Correlation IDs ride the context from here down: workers, capability
	// invocations and the correlation log handler all read them from it.
	ctx = logging.WithRunID(ctx, rc.RunID())

	startedAt := time.Now().UTC()
	log := logging.LogWith(ctx, e.logger).With("workflow", def.Name)
	log.Info("run starting", "steps", g.Len(), "restored", len(restored))

	// Seed restored steps before the loop so they count as satisfied deps
	// without re-running.
	st.tracker.Restore(restored)
	if len(restored) > 0 {
		rc.Emit(runctx.Event{Type: schema.EventCheckpointRestored,
			Payload: map[string]any{"completed": restored}})
		_ = st.tracker.TransitionRun(schema.RunStatusRunning, map[string]any{"resumed": true})
		rc.Emit(runctx.Event{Type: schema.EventRunResumed, Payload: map[string]any{"completed": len(restored)}})
	} else {
		_ = st.tracker.TransitionRun(schema.RunStatusRunning, nil)
	}

	runCtx := ctx
	var cancelRun context.CancelFunc
	if def.Timeout != "" {
		if d, parseErr := time.ParseDuration(def.Timeout); parseErr == nil && d > 0 {
			runCtx, cancelRun = context.WithTimeout(ctx, d)
			defer cancelRun()
		}
	}

	cancelled := e.schedule(runCtx, st)

	status := e.finalize(st, cancelled, runCtx.Err())
	finishedAt := time.Now().UTC()
	log.Info("run finished", "status", status, "duration", finishedAt.Sub(startedAt).String())

	return &Result{
		RunID:      rc.RunID(),
		Workflow:   def.Name,
		Status:     status,
		Steps:      st.tracker.Snapshot(),
		Records:    st.records.All(),
		Outputs:    rc.Visible(),
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
	}, nil
}

// buildContext creates or restores the run context and returns the step
// names already completed.
func (e *Engine) buildContext(def *schema.WorkflowDefinition, opts RunOptions) (*runctx.Context, []string, error) {
	if opts.Resume != nil {
		rc, err := runctx.Restore(opts.Resume)
		if err != nil {
			return nil, nil, err
		}
		for k, v := range opts.Inputs {
			rc.Set(k, v)
		}
		return rc, opts.Resume.Completed, nil
	}

	inputs := make(map[string]any, len(def.Inputs)+len(opts.Inputs))
	for k, v := range def.Inputs {
		inputs[k] = v
	}
	for k, v := range opts.Inputs {
		inputs[k] = v
	}
	return runctx.New(opts.RunID, inputs), nil, nil
}

// schedule runs the ready-set loop until no step is pending or in flight.
// Returns true when the run was cancelled before completion.
func (e *Engine) schedule(ctx context.Context, st *runState) bool {
	pool := NewWorkerPool(e.poolSize)
	defer pool.Shutdown()

	// Buffered to the step count so workers finishing after the loop gave up
	// (cancellation grace elapsed) never block on the send.
	done := make(chan stepOutcome, st.g.Len())
	inFlight := 0
	scheduled := make(map[string]bool)

	for {
		if ctx.Err() != nil {
			return e.drainCancelled(st, done, inFlight)
		}

		for _, name := range st.g.Ready(st.tracker.StatusFn()) {
			if scheduled[name] {
				continue
			}
			scheduled[name] = true
			inFlight++
			stepName := name
			if err := pool.Submit(ctx, func(wctx context.Context) error {
				defer func() { done <- stepOutcome{name: stepName} }()
				e.runStep(wctx, st, stepName)
				return nil
			}); err != nil {
				inFlight--
				scheduled[stepName] = false
				if ctx.Err() != nil {
					return e.drainCancelled(st, done, inFlight)
				}
			}
		}

		if inFlight == 0 {
			// Nothing running and nothing newly ready. Pending steps left
			// over are permanently blocked; skip them and their successors.
			e.skipBlocked(st)
			return false
		}

		select {
		case out := <-done:
			inFlight--
			e.cascade(st, out.name)
		case <-ctx.Done():
			return e.drainCancelled(st, done, inFlight)
		}
	}
}

// cascade skips every pending transitive successor of a step that ended in a
// non-success terminal state. A skipped dependency can never be satisfied,
// so dependents are resolved immediately instead of lingering.
func (e *Engine) cascade(st *runState, name string) {
	status := st.tracker.StepStatus(name)
	if status == schema.StepStatusSucceeded {
		return
	}
	// Retry requeue: the step is pending again, not terminal.
	if !status.Terminal() {
		return
	}

	reason := skipReason(status)
	for _, succ := range st.g.TransitiveSuccessors(name) {
		if st.tracker.StepStatus(succ) != schema.StepStatusPending {
			continue
		}
		_ = st.tracker.TransitionStep(succ, schema.StepStatusSkipped,
			map[string]any{"reason": reason, "upstream": name})
	}
}

// skipBlocked resolves pending steps whose dependencies can no longer
// succeed. Normally cascade already handled them; this is the loop's
// terminal sweep so the summary never reports a non-terminal step.
func (e *Engine) skipBlocked(st *runState) {
	for _, name := range st.g.Sorted {
		if st.tracker.StepStatus(name) != schema.StepStatusPending {
			continue
		}
		payload := map[string]any{"reason": "upstream_failed"}
		for _, dep := range st.g.Edges[name] {
			depStatus := st.tracker.StepStatus(dep)
			if depStatus == schema.StepStatusSucceeded {
				continue
			}
			payload["reason"] = skipReason(depStatus)
			payload["upstream"] = dep
			break
		}
		_ = st.tracker.TransitionStep(name, schema.StepStatusSkipped, payload)
	}
}

// skipReason names why a dependent is being skipped, from the blocking
// step's terminal status.
func skipReason(status schema.StepStatus) string {
	switch status {
	case schema.StepStatusSkipped:
		return "upstream_skipped"
	case schema.StepStatusCancelled:
		return "upstream_cancelled"
	default:
		return "upstream_failed"
	}
}

// drainCancelled waits out the cancellation grace period for in-flight
// steps, then marks whatever is still not terminal as cancelled.
func (e *Engine) drainCancelled(st *runState, done chan stepOutcome, inFlight int) bool {
	deadline := time.After(e.cancelGrace)
	for inFlight > 0 {
		select {
		case out := <-done:
			inFlight--
			e.cascade(st, out.name)
		case <-deadline:
			inFlight = 0
		}
	}

	for _, name := range st.g.Sorted {
		switch st.tracker.StepStatus(name) {
		case schema.StepStatusPending, schema.StepStatusRunning:
			_ = st.tracker.TransitionStep(name, schema.StepStatusCancelled, nil)
		}
	}
	return true
}

// finalize computes and applies the terminal run status.
func (e *Engine) finalize(st *runState, cancelled bool, ctxErr error) schema.RunStatus {
	if cancelled {
		payload := map[string]any{}
		status := schema.RunStatusCancelled
		if ctxErr == context.DeadlineExceeded {
			// Run-level timeout is a failure, not an operator cancel.
			status = schema.RunStatusFailed
			payload["reason"] = "run_timeout"
		}
		_ = st.tracker.TransitionRun(status, payload)
		return status
	}

	requiredFailed := false
	optionalFailed := false
	for name, status := range st.tracker.Snapshot() {
		if status != schema.StepStatusFailed {
			continue
		}
		if step := st.g.Steps[name]; step != nil && step.Optional {
			optionalFailed = true
		} else {
			requiredFailed = true
		}
	}

	var status schema.RunStatus
	switch {
	case requiredFailed:
		status = schema.RunStatusFailed
	case optionalFailed:
		status = schema.RunStatusPartial
	default:
		status = schema.RunStatusSucceeded
	}
	_ = st.tracker.TransitionRun(status, nil)
	return status
}

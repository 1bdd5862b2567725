package engine

import (
	"context"
	"errors"
	"time"

	"github.com/tidewater-labs/flotilla/internal/capability"
	"github.com/tidewater-labs/flotilla/internal/logging"
	"github.com/tidewater-labs/flotilla/internal/runctx"
	"github.com/tidewater-labs/flotilla/pkg/schema"
)

// runStep drives one step from pending to a terminal status: guard check,
// input interpolation, capability resolution, routed invocation with retry
// and fallback, then output publication. All status changes flow through the
// tracker so events and the transition table stay consistent.
func (e *Engine) runStep(ctx context.Context, st *runState, name string) {
	step := st.g.Steps[name]
	ctx = logging.WithStep(ctx, name)
	log := logging.LogWith(ctx, e.logger)

	// Guard first, while still pending. A false guard is a clean skip; a
	// broken guard is a step failure.
	if step.When != "" {
		runMeta := map[string]any{"run_id": st.rc.RunID(), "workflow": st.def.Name}
		ok, err := e.guards.EvaluateBool(ctx, step.When, st.rc.Visible(), runMeta)
		if err != nil {
			log.Warn("guard evaluation failed", "error", err)
			e.startThenFail(st, name, err)
			return
		}
		if !ok {
			log.Debug("guard false, skipping step")
			_ = st.tracker.TransitionStep(name, schema.StepStatusSkipped,
				map[string]any{"reason": "guard_false"})
			return
		}
	}

	if err := st.tracker.TransitionStep(name, schema.StepStatusRunning, nil); err != nil {
		log.Error("cannot start step", "error", err)
		return
	}

	inputs, err := st.rc.InterpolateInputs(step.Inputs)
	if err != nil {
		log.Warn("input interpolation failed", "error", err)
		e.failStep(st, name, err)
		return
	}

	cap, err := e.registry.Resolve(step.Capability)
	if err != nil {
		log.Error("capability missing", "capability", step.Capability, "error", err)
		e.failStep(st, name, err)
		return
	}

	// Unrouted steps retry their single capability up to the budget. Routed
	// steps walk the router's chain instead: a backend that failed is never
	// offered again, each backend gets one attempt, and the step fails only
	// when selection reports the chain exhausted.
	budget := 0
	if step.Retry != nil && step.Retry.Max > 0 {
		budget = step.Retry.Max
	}
	routed := step.Tier != "" || step.MaxTier != ""
	attempted := make(map[string]bool)

	for attempt := 1; ; attempt++ {
		var backendID string
		var tier schema.Tier

		if routed {
			sel, selErr := e.router.Select(ctx, step.Tier, step.MaxTier, attempted)
			if selErr != nil {
				if ferr, ok := selErr.(*schema.FlotillaError); ok && ferr.Code == schema.ErrCodeTierExhausted {
					st.rc.Emit(runctx.Event{Step: name, Type: schema.EventTierExhausted,
						Payload: map[string]any{"error": selErr.Error()}})
				}
				log.Warn("routing failed", "error", selErr)
				e.failStep(st, name, selErr)
				return
			}
			backendID = sel.Backend.ID
			tier = sel.Tier
			for _, sk := range sel.Skipped {
				st.rc.Emit(runctx.Event{Step: name, Type: schema.EventBackendFallback,
					Payload: map[string]any{"backend": sk.ID, "tier": string(sk.Tier), "reason": sk.Reason}})
			}
			st.rc.Emit(runctx.Event{Step: name, Type: schema.EventBackendSelected,
				Payload: map[string]any{"backend": backendID, "tier": string(tier), "attempt": attempt}})
		}

		started := time.Now().UTC()
		resp, invokeErr := e.invoke(ctx, cap, capability.Request{
			Step:    name,
			Inputs:  inputs,
			Config:  step.Config,
			Backend: backendID,
		}, step.Timeout)
		finished := time.Now().UTC()

		if invokeErr == nil {
			st.records.Append(StepRecord{
				Step: name, Attempt: attempt, Backend: backendID, Tier: string(tier),
				Outcome: OutcomeSucceeded, StartedAt: started, FinishedAt: finished,
			})
			if backendID != "" {
				e.router.RecordSuccess(backendID)
			}
			if pubErr := e.publishOutputs(ctx, st, step, resp); pubErr != nil {
				log.Warn("output extraction failed", "error", pubErr)
				e.failStep(st, name, pubErr)
				return
			}
			st.rc.MarkCompleted(name)
			_ = st.tracker.TransitionStep(name, schema.StepStatusSucceeded,
				map[string]any{"attempt": attempt, "backend": backendID})
			e.saveCheckpoint(ctx, st, name)
			return
		}

		// Run cancellation is terminal for the step, never retried.
		if ctx.Err() == context.Canceled {
			st.records.Append(StepRecord{
				Step: name, Attempt: attempt, Backend: backendID, Tier: string(tier),
				Outcome: OutcomeCancelled, Error: invokeErr.Error(),
				StartedAt: started, FinishedAt: finished,
			})
			_ = st.tracker.TransitionStep(name, schema.StepStatusCancelled, nil)
			return
		}

		outcome := OutcomeFailed
		if errors.Is(invokeErr, context.DeadlineExceeded) || isTimeoutCode(invokeErr) {
			outcome = OutcomeTimeout
		}
		st.records.Append(StepRecord{
			Step: name, Attempt: attempt, Backend: backendID, Tier: string(tier),
			Outcome: outcome, Error: invokeErr.Error(),
			StartedAt: started, FinishedAt: finished,
		})
		if backendID != "" {
			e.router.RecordFailure(backendID)
			attempted[backendID] = true
		}

		if !IsRetryableError(invokeErr) {
			log.Warn("step failed", "attempt", attempt, "retryable", false, "error", invokeErr)
			e.failStep(st, name, invokeErr)
			return
		}
		if !routed && attempt > budget {
			finalErr := invokeErr
			if budget > 0 {
				finalErr = schema.NewErrorf(schema.ErrCodeRetryExhausted,
					"step failed after %d attempts: %s", attempt, invokeErr.Error()).
					WithStep(name).WithCause(invokeErr)
			}
			log.Warn("step failed", "attempt", attempt, "retryable", true, "error", invokeErr)
			e.failStep(st, name, finalErr)
			return
		}

		// Requeue and back off. Backoff is computed from the retry index, not
		// the backend, so fallbacks inherit the same schedule.
		_ = st.tracker.TransitionStep(name, schema.StepStatusPending, nil)
		delay := ComputeBackoff(step.Retry, attempt-1)
		st.rc.Emit(runctx.Event{Step: name, Type: schema.EventStepRetrying,
			Payload: map[string]any{"attempt": attempt, "delay": delay.String(), "error": invokeErr.Error()}})
		log.Debug("retrying step", "attempt", attempt, "delay", delay)

		if waitErr := WaitForBackoff(ctx, delay); waitErr != nil {
			_ = st.tracker.TransitionStep(name, schema.StepStatusCancelled, nil)
			return
		}
		if err := st.tracker.TransitionStep(name, schema.StepStatusRunning, nil); err != nil {
			// Cancellation marked the step terminal while we were waiting.
			return
		}
	}
}

// invoke runs the capability with the step's wall-clock limit applied.
// A panic inside a capability becomes an execution error instead of taking
// down the worker.
func (e *Engine) invoke(ctx context.Context, cap capability.Capability, req capability.Request, timeout string) (resp *capability.Response, err error) {
	ictx := ctx
	if timeout != "" {
		if d, parseErr := time.ParseDuration(timeout); parseErr == nil && d > 0 {
			var cancel context.CancelFunc
			ictx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
	}

	defer func() {
		if r := recover(); r != nil {
			resp = nil
			err = schema.NewErrorf(schema.ErrCodeExecution, "capability panic: %v", r)
		}
	}()

	resp, err = cap.Invoke(ictx, req)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		// Step deadline, not run shutdown. Classified retryable.
		return nil, schema.NewErrorf(schema.ErrCodeTimeout,
			"step timed out after %s", timeout).WithStep(req.Step).WithCause(err)
	}
	return resp, err
}

// publishOutputs applies each output spec to the response and writes the
// results into the run context so dependents can reference them.
func (e *Engine) publishOutputs(ctx context.Context, st *runState, step *schema.StepDefinition, resp *capability.Response) error {
	data := map[string]any{}
	if resp != nil && resp.Data != nil {
		data = resp.Data
	}
	for _, out := range step.Outputs {
		var val any = data
		if out.Path != "" {
			extracted, err := e.extract.Extract(ctx, out.Path, data)
			if err != nil {
				if ferr, ok := err.(*schema.FlotillaError); ok {
					return ferr.WithStep(step.Name)
				}
				return err
			}
			val = extracted
		}
		st.rc.Set(out.Key, val)
		st.rc.Emit(runctx.Event{Step: step.Name, Type: schema.EventVariableSet,
			Payload: map[string]any{"key": out.Key}})
	}
	return nil
}

// failStep moves a running step to failed and records it for the summary.
func (e *Engine) failStep(st *runState, name string, err error) {
	st.rc.MarkFailed(name)
	payload := map[string]any{"error": err.Error()}
	if ferr, ok := err.(*schema.FlotillaError); ok {
		payload["code"] = ferr.Code
	}
	_ = st.tracker.TransitionStep(name, schema.StepStatusFailed, payload)
}

// startThenFail handles failures detected before the step ran (guard errors):
// the transition table has no pending->failed edge, so the step formally
// starts and immediately fails.
func (e *Engine) startThenFail(st *runState, name string, err error) {
	_ = st.tracker.TransitionStep(name, schema.StepStatusRunning, nil)
	e.failStep(st, name, err)
}

func isTimeoutCode(err error) bool {
	var ferr *schema.FlotillaError
	return errors.As(err, &ferr) && ferr.Code == schema.ErrCodeTimeout
}

// saveCheckpoint snapshots run state after a step success when a sink is
// configured. Checkpoint failures degrade to diagnostics; they never fail
// the step that already succeeded.
func (e *Engine) saveCheckpoint(ctx context.Context, st *runState, step string) {
	if e.checkpointFn == nil {
		return
	}
	cp := st.rc.Snapshot()
	cp.Workflow = st.def.Name
	if err := e.checkpointFn(ctx, cp); err != nil {
		e.logger.Warn("checkpoint save failed", "run_id", st.rc.RunID(), "step", step, "error", err)
		st.rc.Emit(runctx.Event{Step: step, Type: schema.EventDiagnostic,
			Payload: map[string]any{"reason": "checkpoint_save_failed", "error": err.Error()}})
		return
	}
	st.rc.Emit(runctx.Event{Step: step, Type: schema.EventCheckpointSaved,
		Payload: map[string]any{"completed": len(cp.Completed)}})
}

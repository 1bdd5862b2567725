package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tidewater-labs/flotilla/internal/engine"
	"github.com/tidewater-labs/flotilla/internal/loader"
	"github.com/tidewater-labs/flotilla/internal/store"
	"github.com/tidewater-labs/flotilla/internal/trigger"
	"github.com/tidewater-labs/flotilla/pkg/schema"
)

// scheduledRunner adapts the engine and store to the trigger's Runner
// interface: each fire is persisted exactly like a CLI run.
type scheduledRunner struct {
	eng    *engine.Engine
	st     *store.LibSQLStore
	logger *slog.Logger
}

func (r *scheduledRunner) RunWorkflow(ctx context.Context, def *schema.WorkflowDefinition, inputs map[string]any) error {
	runID := uuid.New().String()
	now := time.Now().UTC()
	if err := r.st.CreateRun(ctx, &store.Run{
		ID:        runID,
		Workflow:  def.Name,
		Status:    schema.RunStatusPending,
		Inputs:    inputs,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return err
	}

	recorder := store.NewRecorder(r.st, r.logger)
	result, err := r.eng.Run(ctx, def, engine.RunOptions{
		RunID:     runID,
		Inputs:    inputs,
		Subscribe: recorder.Handler(context.Background()),
	})
	if err != nil {
		return err
	}

	outputs, _ := json.Marshal(result.Outputs)
	status := result.Status
	if err := r.st.UpdateRun(ctx, runID, store.RunUpdate{
		Status:      &status,
		Outputs:     outputs,
		StartedAt:   &result.StartedAt,
		CompletedAt: &result.FinishedAt,
	}); err != nil {
		r.logger.Warn("failed to persist scheduled run result", "run_id", runID, "error", err)
	}

	if result.Status == schema.RunStatusFailed || result.Status == schema.RunStatusCancelled {
		return fmt.Errorf("run %s finished %s", runID, result.Status)
	}
	return nil
}

// buildTrigger loads the configured schedules' definition files and registers
// them on a Trigger. Returns nil when no schedules are configured.
func buildTrigger(cfg Config, runner trigger.Runner, ld *loader.Loader, logger *slog.Logger) (*trigger.Trigger, error) {
	if len(cfg.Schedules) == 0 {
		return nil, nil
	}
	trig := trigger.New(runner, logger)
	for _, sc := range cfg.Schedules {
		def, err := ld.LoadFile(sc.Workflow)
		if err != nil {
			return nil, fmt.Errorf("schedule %s: %w", sc.ID, err)
		}
		if err := trig.Add(&trigger.Schedule{
			ID:       sc.ID,
			Cron:     sc.Cron,
			Workflow: def,
			Inputs:   sc.Inputs,
			Enabled:  !sc.Disabled,
		}); err != nil {
			return nil, err
		}
	}
	return trig, nil
}

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/tidewater-labs/flotilla/internal/engine"
	"github.com/tidewater-labs/flotilla/internal/runctx"
	"github.com/tidewater-labs/flotilla/internal/store"
	"github.com/tidewater-labs/flotilla/internal/streaming"
	"github.com/tidewater-labs/flotilla/pkg/schema"
)

// handleRun executes a workflow definition and returns the run summary.
func (s *FlotillaServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defMap := mcp.ParseStringMap(req, "definition", nil)
	if defMap == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}
	def, err := s.parseDefinition(defMap)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}

	inputs := mcp.ParseStringMap(req, "inputs", nil)
	runID := req.GetString("run_id", "")
	if runID == "" {
		runID = uuid.New().String()
	}

	now := time.Now().UTC()
	if createErr := s.store.CreateRun(ctx, &store.Run{
		ID:        runID,
		Workflow:  def.Name,
		Status:    schema.RunStatusPending,
		Inputs:    inputs,
		CreatedAt: now,
		UpdatedAt: now,
	}); createErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create run: %v", createErr)), nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.track(runID, cancel)
	defer func() {
		s.untrack(runID)
		cancel()
	}()

	result, runErr := s.engine.Run(runCtx, def, engine.RunOptions{
		RunID:     runID,
		Inputs:    inputs,
		Subscribe: s.runSubscriber(ctx),
	})
	if runErr != nil {
		s.recordFailure(ctx, runID, runErr)
		return mcp.NewToolResultError(fmt.Sprintf("run failed to start: %v", runErr)), nil
	}

	s.recordResult(ctx, result)
	return marshalResult(result)
}

// handleStatus returns the stored run record plus its event count.
func (s *FlotillaServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	run, getErr := s.store.GetRun(ctx, runID)
	if getErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", getErr)), nil
	}

	events, evErr := s.store.GetEvents(ctx, runID, 0)
	if evErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("event query failed: %v", evErr)), nil
	}

	return marshalResult(map[string]any{
		"run":         run,
		"event_count": len(events),
	})
}

// handleResume continues an interrupted run from its latest checkpoint.
func (s *FlotillaServer) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	defMap := mcp.ParseStringMap(req, "definition", nil)
	if defMap == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}
	def, defErr := s.parseDefinition(defMap)
	if defErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", defErr)), nil
	}

	record, cpErr := s.store.GetCheckpoint(ctx, runID)
	if cpErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("no checkpoint for run %q: %v", runID, cpErr)), nil
	}
	cp, decodeErr := runctx.DecodeCheckpoint(record.Payload)
	if decodeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("checkpoint decode failed: %v", decodeErr)), nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.track(runID, cancel)
	defer func() {
		s.untrack(runID)
		cancel()
	}()

	result, runErr := s.engine.Run(runCtx, def, engine.RunOptions{
		Resume:    cp,
		Subscribe: s.runSubscriber(ctx),
	})
	if runErr != nil {
		s.recordFailure(ctx, runID, runErr)
		return mcp.NewToolResultError(fmt.Sprintf("resume failed: %v", runErr)), nil
	}

	s.recordResult(ctx, result)
	return marshalResult(result)
}

// handleCancel stops an executing run.
func (s *FlotillaServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	if !s.cancelRun(runID) {
		return mcp.NewToolResultError(fmt.Sprintf("run %q is not executing", runID)), nil
	}
	return marshalResult(map[string]any{
		"ok":     true,
		"run_id": runID,
	})
}

// handleEvents reads a run's event log in sequence order.
func (s *FlotillaServer) handleEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	since := req.GetInt("since", 0)

	events, evErr := s.store.GetEvents(ctx, runID, int64(since))
	if evErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("event query failed: %v", evErr)), nil
	}

	return marshalResult(map[string]any{
		"run_id": runID,
		"events": events,
	})
}

// --- Helpers ---

// parseDefinition round-trips a tool argument map through the loader so MCP
// callers get the same validation as file-based workflows.
func (s *FlotillaServer) parseDefinition(raw map[string]any) (*schema.WorkflowDefinition, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	return s.loader.Load(data)
}

// runSubscriber fans run events out to the persistent log and live watchers.
func (s *FlotillaServer) runSubscriber(ctx context.Context) runctx.Handler {
	record := store.NewRecorder(s.store, s.logger).Handler(ctx)
	return func(ev runctx.Event) error {
		if s.hub != nil {
			_ = s.hub.Publish(ctx, streaming.StreamEvent{
				RunID:     ev.RunID,
				Step:      ev.Step,
				EventType: ev.Type,
				Payload:   ev.Payload,
			})
		}
		return record(ev)
	}
}

// recordResult persists the run summary onto the run record.
func (s *FlotillaServer) recordResult(ctx context.Context, result *engine.Result) {
	outputs, err := json.Marshal(result.Outputs)
	if err != nil {
		outputs = nil
	}
	status := result.Status
	if updErr := s.store.UpdateRun(ctx, result.RunID, store.RunUpdate{
		Status:      &status,
		Outputs:     outputs,
		StartedAt:   &result.StartedAt,
		CompletedAt: &result.FinishedAt,
	}); updErr != nil {
		s.logger.Warn("failed to persist run result", "run_id", result.RunID, "error", updErr)
	}
}

// recordFailure marks a run that never produced a summary (graph build or
// restore errors) as failed.
func (s *FlotillaServer) recordFailure(ctx context.Context, runID string, runErr error) {
	status := schema.RunStatusFailed
	errJSON, _ := json.Marshal(map[string]any{"error": runErr.Error()})
	if updErr := s.store.UpdateRun(ctx, runID, store.RunUpdate{
		Status: &status,
		Error:  errJSON,
	}); updErr != nil {
		s.logger.Warn("failed to persist run failure", "run_id", runID, "error", updErr)
	}
}

func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

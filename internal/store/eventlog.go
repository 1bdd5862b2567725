package store

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/tidewater-labs/flotilla/internal/runctx"
)

// Recorder persists run events as they are emitted. It subscribes to a run
// context and appends every event to the store's log, preserving the per-run
// monotone sequence the store assigns.
type Recorder struct {
	store  Store
	logger *slog.Logger
}

func NewRecorder(s Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: s, logger: logger}
}

// Handler returns a subscription handler that writes events to the store.
// Persist failures are returned so the run context reports them as
// diagnostics; they never interrupt the run.
func (r *Recorder) Handler(ctx context.Context) runctx.Handler {
	return func(ev runctx.Event) error {
		var payload json.RawMessage
		if len(ev.Payload) > 0 {
			data, err := json.Marshal(ev.Payload)
			if err != nil {
				r.logger.Warn("event payload not serializable", "run_id", ev.RunID, "type", ev.Type, "error", err)
			} else {
				payload = data
			}
		}
		return r.store.AppendEvent(ctx, &Event{
			RunID:     ev.RunID,
			Step:      ev.Step,
			Type:      ev.Type,
			Payload:   payload,
			Timestamp: ev.Timestamp,
		})
	}
}

// Replay streams a run's persisted events in sequence order through fn,
// starting after the given sequence number. Used to reconstruct run history
// for status queries and reconnecting watchers.
func Replay(ctx context.Context, s Store, runID string, since int64, fn func(*Event) error) error {
	events, err := s.GetEvents(ctx, runID, since)
	if err != nil {
		return err
	}
	for _, ev := range events {
		if err := fn(ev); err != nil {
			return err
		}
	}
	return nil
}

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidewater-labs/flotilla/internal/runctx"
)

func TestRecorder_PersistsEmittedEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRun(t, s, "run-1")

	rc := runctx.New("run-1", nil)
	rec := NewRecorder(s, nil)
	rc.Subscribe(rec.Handler(ctx))

	rc.Emit(runctx.Event{Type: "run_started"})
	rc.Emit(runctx.Event{Type: "step_started", Step: "fetch"})
	rc.Emit(runctx.Event{
		Type: "step_succeeded", Step: "fetch",
		Payload: map[string]any{"attempt": 1},
	})

	events, err := s.GetEvents(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)

	assert.Equal(t, "run_started", events[0].Type)
	assert.Equal(t, "step_started", events[1].Type)
	assert.Equal(t, "fetch", events[1].Step)
	assert.JSONEq(t, `{"attempt":1}`, string(events[2].Payload))
}

func TestRecorder_UnserializablePayloadStillAppends(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRun(t, s, "run-1")

	rec := NewRecorder(s, nil)
	handler := rec.Handler(ctx)

	err := handler(runctx.Event{
		RunID:     "run-1",
		Type:      "diagnostic",
		Payload:   map[string]any{"bad": make(chan int)},
		Timestamp: time.Now().UTC(),
	})
	require.NoError(t, err)

	events, getErr := s.GetEvents(ctx, "run-1", 0)
	require.NoError(t, getErr)
	require.Len(t, events, 1)
	assert.Empty(t, events[0].Payload, "payload dropped, event kept")
}

func TestReplay_StreamsInSequenceOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRun(t, s, "run-1")

	for _, evType := range []string{"run_started", "step_started", "step_succeeded", "run_succeeded"} {
		require.NoError(t, s.AppendEvent(ctx, &Event{RunID: "run-1", Type: evType}))
	}

	var types []string
	err := Replay(ctx, s, "run-1", 1, func(ev *Event) error {
		types = append(types, ev.Type)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"step_started", "step_succeeded", "run_succeeded"}, types)
}

func TestReplay_CallbackErrorStops(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRun(t, s, "run-1")

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendEvent(ctx, &Event{RunID: "run-1", Type: "step_started"}))
	}

	seen := 0
	err := Replay(ctx, s, "run-1", 0, func(*Event) error {
		seen++
		if seen == 2 {
			return assert.AnError
		}
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, 2, seen)
}

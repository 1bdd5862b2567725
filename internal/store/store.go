package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tidewater-labs/flotilla/pkg/schema"
)

// Run is the persisted record of one workflow run.
type Run struct {
	ID          string           `json:"id"`
	Workflow    string           `json:"workflow,omitempty"`
	Status      schema.RunStatus `json:"status"`
	Inputs      map[string]any   `json:"inputs,omitempty"`
	Outputs     json.RawMessage  `json:"outputs,omitempty"`
	Error       json.RawMessage  `json:"error,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// RunUpdate carries partial updates; nil fields are left untouched.
type RunUpdate struct {
	Status      *schema.RunStatus
	Outputs     json.RawMessage
	Error       json.RawMessage
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// RunFilter selects runs for listing.
type RunFilter struct {
	Status   *schema.RunStatus
	Workflow string
	Since    *time.Time
	Limit    int
	Offset   int
}

// Event is one persisted run event. Sequence is monotone per run and
// assigned by the store on append.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	Step      string          `json:"step,omitempty"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// CheckpointRecord is a persisted checkpoint, one per run (latest wins).
type CheckpointRecord struct {
	RunID   string          `json:"run_id"`
	Payload json.RawMessage `json:"payload"`
	SavedAt time.Time       `json:"saved_at"`
}

// Store is the persistence boundary: run records, the append-only event
// log, and resume checkpoints.
type Store interface {
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error)

	SaveCheckpoint(ctx context.Context, runID string, payload json.RawMessage) error
	GetCheckpoint(ctx context.Context, runID string) (*CheckpointRecord, error)
	DeleteCheckpoint(ctx context.Context, runID string) error

	Migrate(ctx context.Context) error
	Close() error
}

package runctx

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/tidewater-labs/flotilla/pkg/schema"
)

// UnserializablePlaceholder replaces variable values that cannot be
// JSON-encoded in a checkpoint. Restored runs see the placeholder string;
// steps holding live handles must re-acquire them. Documented limitation.
const UnserializablePlaceholder = "<unserializable>"

// Checkpoint is a durable snapshot of run state sufficient to resume after
// interruption. It exists for resume, not reporting.
type Checkpoint struct {
	RunID     string         `json:"run_id"`
	Workflow  string         `json:"workflow,omitempty"`
	Variables map[string]any `json:"variables"`
	Completed []string       `json:"completed"`
	Failed    []string       `json:"failed"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	SavedAt   time.Time      `json:"saved_at"`
}

// Snapshot captures the current run state as a Checkpoint. Variables whose
// values cannot be serialized are replaced with UnserializablePlaceholder
// and a diagnostic event is emitted for each.
func (c *Context) Snapshot() *Checkpoint {
	root := c.root
	root.mu.Lock()

	vars := make(map[string]any, len(root.vars))
	var dropped []string
	for k, v := range root.vars {
		if _, err := json.Marshal(v); err != nil {
			vars[k] = UnserializablePlaceholder
			dropped = append(dropped, k)
			continue
		}
		vars[k] = v
	}

	completed := setToSlice(root.completed)
	failed := setToSlice(root.failed)

	meta := make(map[string]any, len(root.metadata))
	for k, v := range root.metadata {
		meta[k] = v
	}
	root.mu.Unlock()

	for _, k := range dropped {
		c.Emit(Event{
			Type:    schema.EventDiagnostic,
			Payload: map[string]any{"reason": "unserializable_variable", "key": k},
		})
	}

	return &Checkpoint{
		RunID:     root.runID,
		Variables: vars,
		Completed: completed,
		Failed:    failed,
		Metadata:  meta,
		SavedAt:   time.Now().UTC(),
	}
}

// Restore reconstructs a root Context equivalent to the one the checkpoint
// was taken from: same run ID, same variable set, same completed/failed
// step sets. A resumed run skips steps already recorded as completed.
func Restore(cp *Checkpoint) (*Context, error) {
	if cp == nil {
		return nil, schema.NewError(schema.ErrCodeCheckpoint, "checkpoint is nil")
	}
	if cp.RunID == "" {
		return nil, schema.NewError(schema.ErrCodeCheckpoint, "checkpoint has no run ID")
	}

	c := New(cp.RunID, cp.Variables)
	for _, step := range cp.Completed {
		c.completed[step] = true
	}
	for _, step := range cp.Failed {
		c.failed[step] = true
	}
	for k, v := range cp.Metadata {
		c.metadata[k] = v
	}
	return c, nil
}

// Encode renders the checkpoint as JSON for durable storage.
func (cp *Checkpoint) Encode() ([]byte, error) {
	data, err := json.Marshal(cp)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCheckpoint, "encode checkpoint: %s", err.Error()).WithCause(err)
	}
	return data, nil
}

// DecodeCheckpoint parses a stored checkpoint payload.
func DecodeCheckpoint(data []byte) (*Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCheckpoint, "decode checkpoint: %s", err.Error()).WithCause(err)
	}
	return &cp, nil
}

func setToSlice(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

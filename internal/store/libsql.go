package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/tidewater-labs/flotilla/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	inputs, err := marshalMapOrDefault(run.Inputs)
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, workflow, status, inputs, outputs, error, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, nullStr(run.Workflow), string(run.Status),
		string(inputs), nullRaw(run.Outputs), nullRaw(run.Error),
		timeOrNow(run.CreatedAt), nullTime(run.StartedAt), nullTime(run.CompletedAt), timeOrNow(run.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	run := &Run{}
	var (
		workflow               sql.NullString
		inputJSON              string
		outputJSON, errorJSON  sql.NullString
		startedAt, completedAt sql.NullTime
		status                 string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow, status, inputs, outputs, error, created_at, started_at, completed_at, updated_at
		 FROM runs WHERE id = ?`, id,
	).Scan(&run.ID, &workflow, &status, &inputJSON, &outputJSON, &errorJSON,
		&run.CreatedAt, &startedAt, &completedAt, &run.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, err
	}
	run.Workflow = workflow.String
	run.Status = schema.RunStatus(status)
	if inputJSON != "" {
		_ = json.Unmarshal([]byte(inputJSON), &run.Inputs)
	}
	run.Outputs = rawOrNil(outputJSON)
	run.Error = rawOrNil(errorJSON)
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return run, nil
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Outputs != nil {
		sets = append(sets, "outputs = ?")
		args = append(args, string(update.Outputs))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Workflow != "" {
		where = append(where, "workflow = ?")
		args = append(args, filter.Workflow)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := "SELECT id, workflow, status, inputs, outputs, error, created_at, started_at, completed_at, updated_at FROM runs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run := &Run{}
		var (
			workflow               sql.NullString
			inputJSON              string
			outputJSON, errorJSON  sql.NullString
			startedAt, completedAt sql.NullTime
			status                 string
		)
		if err := rows.Scan(&run.ID, &workflow, &status, &inputJSON, &outputJSON, &errorJSON,
			&run.CreatedAt, &startedAt, &completedAt, &run.UpdatedAt); err != nil {
			return nil, err
		}
		run.Workflow = workflow.String
		run.Status = schema.RunStatus(status)
		if inputJSON != "" {
			_ = json.Unmarshal([]byte(inputJSON), &run.Inputs)
		}
		run.Outputs = rawOrNil(outputJSON)
		run.Error = rawOrNil(errorJSON)
		if startedAt.Valid {
			run.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			run.CompletedAt = &completedAt.Time
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *LibSQLStore) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Next sequence number for this run.
	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM run_events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	payload := nullRaw(event.Payload)
	ts := timeOrNow(event.Timestamp)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO run_events (run_id, step, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.Step), event.Type, payload, ts, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step, event_type, payload, timestamp, sequence
		 FROM run_events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var step sql.NullString
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &step, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.Step = step.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Checkpoints ---

func (s *LibSQLStore) SaveCheckpoint(ctx context.Context, runID string, payload json.RawMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (run_id, payload, saved_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(run_id) DO UPDATE SET payload=excluded.payload, saved_at=CURRENT_TIMESTAMP`,
		runID, string(payload),
	)
	return err
}

func (s *LibSQLStore) GetCheckpoint(ctx context.Context, runID string) (*CheckpointRecord, error) {
	cp := &CheckpointRecord{}
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, payload, saved_at FROM checkpoints WHERE run_id = ?`, runID,
	).Scan(&cp.RunID, &payload, &cp.SavedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("checkpoint", runID)
	}
	if err != nil {
		return nil, err
	}
	cp.Payload = json.RawMessage(payload)
	return cp, nil
}

func (s *LibSQLStore) DeleteCheckpoint(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE run_id = ?`, runID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "checkpoint", runID)
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlotillaError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

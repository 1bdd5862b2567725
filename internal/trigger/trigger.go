package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tidewater-labs/flotilla/pkg/schema"
)

// Runner is the interface the trigger uses to start runs. Satisfied by the
// engine (avoids an import cycle).
type Runner interface {
	RunWorkflow(ctx context.Context, def *schema.WorkflowDefinition, inputs map[string]any) error
}

// Schedule is a recurring run of one workflow definition.
type Schedule struct {
	ID        string
	Cron      string
	Workflow  *schema.WorkflowDefinition
	Inputs    map[string]any
	Enabled   bool
	NextRunAt *time.Time
	LastRunAt *time.Time
	LastState string
}

// Trigger runs registered schedules when their cron expression fires.
// Each schedule runs at most once concurrently; a fire that lands while the
// previous run is still going is dropped, not queued.
type Trigger struct {
	runner Runner
	parser cron.Parser
	logger *slog.Logger

	mu        sync.Mutex
	schedules map[string]*Schedule
	cancel    context.CancelFunc
	done      chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// New creates a Trigger using the standard five-field cron format.
func New(runner Runner, logger *slog.Logger) *Trigger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Trigger{
		runner:    runner,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:    logger,
		schedules: make(map[string]*Schedule),
		inflight:  make(map[string]struct{}),
	}
}

// Add registers a schedule. The cron expression is validated and the first
// fire time computed up front.
func (t *Trigger) Add(s *Schedule) error {
	if s == nil || s.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "schedule needs an ID")
	}
	if s.Workflow == nil {
		return schema.NewError(schema.ErrCodeValidation, "schedule needs a workflow definition")
	}
	next, err := t.NextRun(s.Cron, time.Now().UTC())
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "schedule %q: %s", s.ID, err.Error()).WithCause(err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.schedules[s.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "schedule %q already registered", s.ID)
	}
	s.NextRunAt = &next
	t.schedules[s.ID] = s
	return nil
}

// Remove deletes a schedule. An in-flight run is not interrupted.
func (t *Trigger) Remove(id string) {
	t.mu.Lock()
	delete(t.schedules, id)
	t.mu.Unlock()
}

// Start launches the background firing loop with a 60s ticker.
func (t *Trigger) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.done != nil {
		t.mu.Unlock()
		return fmt.Errorf("trigger already started")
	}
	trigCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	t.mu.Unlock()

	go t.loop(trigCtx)
	t.logger.Info("trigger started")
	return nil
}

func (t *Trigger) loop(ctx context.Context) {
	defer close(t.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	// Run an initial tick immediately.
	t.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

// tick fires every due, enabled schedule.
func (t *Trigger) tick(ctx context.Context) {
	now := time.Now().UTC()
	for _, s := range t.due(now) {
		if !t.tryAcquire(s.ID) {
			continue // already running (dedup)
		}
		sched := s
		go func() {
			defer t.release(sched.ID)
			t.fire(ctx, sched, now)
		}()
	}
}

func (t *Trigger) due(now time.Time) []*Schedule {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Schedule
	for _, s := range t.schedules {
		if !s.Enabled {
			continue
		}
		if s.NextRunAt == nil || !s.NextRunAt.After(now) {
			out = append(out, s)
		}
	}
	return out
}

// fire runs one schedule and advances its timestamps.
func (t *Trigger) fire(ctx context.Context, s *Schedule, now time.Time) {
	t.logger.Info("firing schedule", slog.String("schedule_id", s.ID), slog.String("workflow", s.Workflow.Name))

	err := t.runner.RunWorkflow(ctx, s.Workflow, s.Inputs)
	state := "success"
	if err != nil {
		state = "error"
		t.logger.Error("scheduled run failed",
			slog.String("schedule_id", s.ID),
			slog.String("error", err.Error()),
		)
	}

	next, nextErr := t.NextRun(s.Cron, now)

	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.schedules[s.ID]; ok {
		cur.LastRunAt = &now
		cur.LastState = state
		if nextErr == nil {
			cur.NextRunAt = &next
		}
	}
}

// RecoverMissed fires schedules whose next run time passed while the process
// was down, once each, then resumes the normal cadence.
func (t *Trigger) RecoverMissed(ctx context.Context) error {
	now := time.Now().UTC()
	recovered := 0
	for _, s := range t.due(now) {
		if s.NextRunAt == nil || !s.NextRunAt.Before(now) {
			continue
		}
		if !t.tryAcquire(s.ID) {
			continue
		}
		t.fire(ctx, s, now)
		t.release(s.ID)
		recovered++
	}
	if recovered > 0 {
		t.logger.Info("recovered missed schedules", slog.Int("count", recovered))
	}
	return nil
}

// NextRun computes the next fire time for a cron expression.
func (t *Trigger) NextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := t.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the trigger loop.
func (t *Trigger) Stop() error {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel = nil
	t.done = nil
	t.mu.Unlock()

	if cancel == nil {
		return nil
	}

	// Wait outside the lock so an in-progress tick can finish.
	cancel()
	<-done

	t.logger.Info("trigger stopped")
	return nil
}

func (t *Trigger) tryAcquire(id string) bool {
	t.inflightMu.Lock()
	defer t.inflightMu.Unlock()
	if _, ok := t.inflight[id]; ok {
		return false
	}
	t.inflight[id] = struct{}{}
	return true
}

func (t *Trigger) release(id string) {
	t.inflightMu.Lock()
	defer t.inflightMu.Unlock()
	delete(t.inflight, id)
}

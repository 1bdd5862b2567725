package engine

import (
	"sync"
	"time"
)

// Attempt outcomes recorded in the run summary.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeTimeout   = "timeout"
	OutcomeCancelled = "cancelled"
)

// StepRecord is one attempt of one step: which backend served it, how it
// ended, and how long it took. Records are append-only; retries and
// fallbacks add records, they never rewrite history.
type StepRecord struct {
	Step       string        `json:"step"`
	Attempt    int           `json:"attempt"` // 1-based across backends
	Backend    string        `json:"backend,omitempty"`
	Tier       string        `json:"tier,omitempty"`
	Outcome    string        `json:"outcome"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
}

// RecordLog collects step attempt records for a run.
type RecordLog struct {
	mu      sync.Mutex
	records []StepRecord
}

func NewRecordLog() *RecordLog {
	return &RecordLog{}
}

// Append adds a record, filling in duration from the timestamps.
func (l *RecordLog) Append(r StepRecord) {
	if r.Duration == 0 && !r.StartedAt.IsZero() && !r.FinishedAt.IsZero() {
		r.Duration = r.FinishedAt.Sub(r.StartedAt)
	}
	l.mu.Lock()
	l.records = append(l.records, r)
	l.mu.Unlock()
}

// All returns a copy of every record in append order.
func (l *RecordLog) All() []StepRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]StepRecord, len(l.records))
	copy(out, l.records)
	return out
}

// ForStep returns the records of one step in append order.
func (l *RecordLog) ForStep(name string) []StepRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []StepRecord
	for _, r := range l.records {
		if r.Step == name {
			out = append(out, r)
		}
	}
	return out
}

// Len returns the number of records.
func (l *RecordLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

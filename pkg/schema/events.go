package schema

// Event type constants for the run event log.
const (
	EventRunStarted   = "run_started"
	EventRunSucceeded = "run_succeeded"
	EventRunPartial   = "run_partial"
	EventRunFailed    = "run_failed"
	EventRunCancelled = "run_cancelled"
	EventRunResumed   = "run_resumed"

	EventStepStarted   = "step_started"
	EventStepSucceeded = "step_succeeded"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"
	EventStepCancelled = "step_cancelled"
	EventStepRetrying  = "step_retrying"

	EventBackendSelected = "backend_selected"
	EventBackendFallback = "backend_fallback"
	EventTierExhausted   = "tier_exhausted"

	EventCheckpointSaved    = "checkpoint_saved"
	EventCheckpointRestored = "checkpoint_restored"

	EventVariableSet = "variable_set"
	EventDiagnostic  = "diagnostic"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusPartial   RunStatus = "partial" // only optional steps failed
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the run status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusPartial, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// StepStatus represents the lifecycle state of a step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusSucceeded StepStatus = "succeeded"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"   // never ran: upstream failure or false guard
	StepStatusCancelled StepStatus = "cancelled" // interrupted by run cancellation
)

// Terminal reports whether the step status is final.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepStatusSucceeded, StepStatusFailed, StepStatusSkipped, StepStatusCancelled:
		return true
	}
	return false
}

package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeCycleDetected      = "CYCLE_DETECTED"
	ErrCodeExecution          = "EXECUTION_ERROR"
	ErrCodeTimeout            = "TIMEOUT_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeStepFailed         = "STEP_FAILED"
	ErrCodeCancelled          = "CANCELLED"
	ErrCodeRetryExhausted     = "RETRY_EXHAUSTED"
	ErrCodeNonRetryable       = "NON_RETRYABLE"
	ErrCodeInterpolation      = "INTERPOLATION_ERROR"
	ErrCodeTierExhausted      = "TIER_EXHAUSTED"
	ErrCodeBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrCodeCapabilityMissing  = "CAPABILITY_MISSING"
	ErrCodeCheckpoint         = "CHECKPOINT_ERROR"
	ErrCodeStore              = "STORE_ERROR"
)

// retryableCodes is the set of codes that retry/backoff may absorb.
var retryableCodes = map[string]bool{
	ErrCodeTimeout:            true,
	ErrCodeExecution:          true,
	ErrCodeBackendUnavailable: true,
	ErrCodeStore:              true,
}

// FlotillaError is the structured error type for all flotilla operations.
type FlotillaError struct {
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
	StepName string         `json:"step,omitempty"`
	Cause    error          `json:"-"`
}

func (e *FlotillaError) Error() string {
	if e.StepName != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepName, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlotillaError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the error code is in the retryable class.
func (e *FlotillaError) IsRetryable() bool {
	return retryableCodes[e.Code]
}

// NewError creates a new FlotillaError.
func NewError(code, message string) *FlotillaError {
	return &FlotillaError{Code: code, Message: message}
}

// NewErrorf creates a new FlotillaError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlotillaError {
	return &FlotillaError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step name to the error.
func (e *FlotillaError) WithStep(name string) *FlotillaError {
	e.StepName = name
	return e
}

// WithCause attaches an underlying cause.
func (e *FlotillaError) WithCause(err error) *FlotillaError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlotillaError) WithDetails(details map[string]any) *FlotillaError {
	e.Details = details
	return e
}

package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidewater-labs/flotilla/pkg/schema"
)

// --- Classification ---

func TestIsRetryableError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"cancelled", context.Canceled, false},
		{"wrapped deadline", schema.NewError(schema.ErrCodeTimeout, "t").WithCause(context.DeadlineExceeded), true},
		{"timeout code", schema.NewError(schema.ErrCodeTimeout, "slow"), true},
		{"execution code", schema.NewError(schema.ErrCodeExecution, "boom"), true},
		{"backend unavailable code", schema.NewError(schema.ErrCodeBackendUnavailable, "open"), true},
		{"validation code", schema.NewError(schema.ErrCodeValidation, "bad input"), false},
		{"capability missing code", schema.NewError(schema.ErrCodeCapabilityMissing, "gone"), false},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"service unavailable", errors.New("503 Service Unavailable"), true},
		{"unknown error defaults retryable", errors.New("something odd"), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRetryableError(tc.err))
		})
	}
}

// --- Backoff ---

func TestComputeBackoff_NilOrEmptyPolicy(t *testing.T) {
	assert.Equal(t, time.Duration(0), ComputeBackoff(nil, 0))
	assert.Equal(t, time.Duration(0), ComputeBackoff(&schema.RetryPolicy{Max: 3}, 0))
}

func TestComputeBackoff_Exponential(t *testing.T) {
	p := &schema.RetryPolicy{Max: 5, Backoff: "exponential", Delay: "100ms"}
	assert.Equal(t, 100*time.Millisecond, ComputeBackoff(p, 0))
	assert.Equal(t, 200*time.Millisecond, ComputeBackoff(p, 1))
	assert.Equal(t, 400*time.Millisecond, ComputeBackoff(p, 2))
	assert.Equal(t, 800*time.Millisecond, ComputeBackoff(p, 3))
}

func TestComputeBackoff_Linear(t *testing.T) {
	p := &schema.RetryPolicy{Max: 5, Backoff: "linear", Delay: "100ms"}
	assert.Equal(t, 100*time.Millisecond, ComputeBackoff(p, 0))
	assert.Equal(t, 200*time.Millisecond, ComputeBackoff(p, 1))
	assert.Equal(t, 300*time.Millisecond, ComputeBackoff(p, 2))
}

func TestComputeBackoff_Constant(t *testing.T) {
	p := &schema.RetryPolicy{Max: 5, Backoff: "constant", Delay: "250ms"}
	assert.Equal(t, 250*time.Millisecond, ComputeBackoff(p, 0))
	assert.Equal(t, 250*time.Millisecond, ComputeBackoff(p, 4))
}

func TestComputeBackoff_None(t *testing.T) {
	p := &schema.RetryPolicy{Max: 5, Backoff: "none", Delay: "1s"}
	assert.Equal(t, time.Duration(0), ComputeBackoff(p, 3))
}

func TestComputeBackoff_MaxDelayCap(t *testing.T) {
	p := &schema.RetryPolicy{Max: 10, Backoff: "exponential", Delay: "100ms", MaxDelay: "300ms"}
	assert.Equal(t, 100*time.Millisecond, ComputeBackoff(p, 0))
	assert.Equal(t, 200*time.Millisecond, ComputeBackoff(p, 1))
	assert.Equal(t, 300*time.Millisecond, ComputeBackoff(p, 2))
	assert.Equal(t, 300*time.Millisecond, ComputeBackoff(p, 6))
}

func TestComputeBackoff_BadDelay(t *testing.T) {
	p := &schema.RetryPolicy{Max: 3, Backoff: "constant", Delay: "not-a-duration"}
	assert.Equal(t, time.Duration(0), ComputeBackoff(p, 0))
}

// --- Waiting ---

func TestWaitForBackoff_ZeroReturnsImmediately(t *testing.T) {
	start := time.Now()
	require.NoError(t, WaitForBackoff(context.Background(), 0))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestWaitForBackoff_CancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := WaitForBackoff(ctx, time.Minute)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_RunsSubmittedWork(t *testing.T) {
	p := NewWorkerPool(2)
	defer p.Shutdown()

	var count atomic.Int64
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
			count.Add(1)
			return nil
		}))
	}
	p.Wait()
	assert.Equal(t, int64(5), count.Load())
	assert.Equal(t, int64(5), p.Metrics().Completed)
}

func TestWorkerPool_ConcurrencyNeverExceedsSize(t *testing.T) {
	const size = 2
	p := NewWorkerPool(size)
	defer p.Shutdown()

	var current, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
			defer wg.Done()
			n := current.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			current.Add(-1)
			return nil
		}))
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int64(size))
	assert.GreaterOrEqual(t, peak.Load(), int64(1))
}

func TestWorkerPool_SubmitBlocksUntilSlotFrees(t *testing.T) {
	p := NewWorkerPool(1)
	defer p.Shutdown()

	release := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
		<-release
		return nil
	}))

	start := time.Now()
	go func() {
		time.Sleep(30 * time.Millisecond)
		close(release)
	}()
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error { return nil }))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond, "second submit waits for the slot")
	p.Wait()
}

func TestWorkerPool_SubmitRespectsContext(t *testing.T) {
	p := NewWorkerPool(1)
	defer p.Shutdown()

	release := make(chan struct{})
	defer close(release)
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
		<-release
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Submit(ctx, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWorkerPool_SubmitAfterShutdown(t *testing.T) {
	p := NewWorkerPool(1)
	p.Shutdown()

	err := p.Submit(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolShutdown)
}

func TestWorkerPool_ShutdownWaitsForActiveWork(t *testing.T) {
	p := NewWorkerPool(2)

	var finished atomic.Bool
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
		time.Sleep(30 * time.Millisecond)
		finished.Store(true)
		return nil
	}))

	p.Shutdown()
	assert.True(t, finished.Load(), "shutdown returns only after work drains")
}

func TestWorkerPool_PanicCounted(t *testing.T) {
	p := NewWorkerPool(1)
	defer p.Shutdown()

	require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
		panic("worker blew up")
	}))
	p.Wait()

	m := p.Metrics()
	assert.Equal(t, int64(1), m.Panics)
	assert.Equal(t, int64(1), m.Failed)
	assert.Equal(t, int64(0), m.Active)
}

func TestNewWorkerPool_MinimumSize(t *testing.T) {
	p := NewWorkerPool(0)
	defer p.Shutdown()
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error { return nil }))
	p.Wait()
}

package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitNeverRejectsUnderSaturation(t *testing.T) {
	const maxConcurrency = 4
	const total = maxConcurrency + 12

	exec := New(Config{MaxConcurrency: maxConcurrency})

	var inFlight, peak, done atomic.Int32
	for i := 0; i < total; i++ {
		err := exec.Submit(func(context.Context) error {
			current := inFlight.Add(1)
			for {
				old := peak.Load()
				if current <= old || peak.CompareAndSwap(old, current) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			inFlight.Add(-1)
			done.Add(1)
			return nil
		})
		require.NoError(t, err, "submission %d rejected", i)
	}

	require.Eventually(t, func() bool { return done.Load() == total }, 5*time.Second, 5*time.Millisecond)
	assert.LessOrEqual(t, peak.Load(), int32(maxConcurrency))

	stats := exec.Stats()
	assert.Equal(t, 0, stats.Running, "workers should retire once the queue is empty")
	assert.Equal(t, 0, stats.Queued)
	assert.Equal(t, uint64(total), stats.Completed)
}

func TestSubmitSingleWorkerRunsInSubmissionOrder(t *testing.T) {
	exec := New(Config{MaxConcurrency: 1})

	var mu sync.Mutex
	order := make([]int, 0, 20)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		i := i
		wg.Add(1)
		require.NoError(t, exec.Submit(func(context.Context) error {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}))
	}
	wg.Wait()

	for i, got := range order {
		assert.Equal(t, i, got)
	}
}

func TestTaskErrorsAndPanicsReachHook(t *testing.T) {
	var mu sync.Mutex
	var reported []error
	exec := New(Config{
		MaxConcurrency: 2,
		ErrorHook: func(err error) {
			mu.Lock()
			reported = append(reported, err)
			mu.Unlock()
		},
	})

	boom := errors.New("boom")
	require.NoError(t, exec.Submit(func(context.Context) error { return boom }))
	require.NoError(t, exec.Submit(func(context.Context) error { panic("kaboom") }))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reported) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Contains(t, reported, boom)
	mu.Unlock()

	// A failed task must not leak a worker slot.
	var ran atomic.Bool
	require.NoError(t, exec.Submit(func(context.Context) error {
		ran.Store(true)
		return nil
	}))
	require.Eventually(t, ran.Load, time.Second, 5*time.Millisecond)

	stats := exec.Stats()
	assert.Equal(t, uint64(2), stats.Failed)
}

func TestSubmitFromInsideTaskDoesNotDeadlock(t *testing.T) {
	exec := New(Config{MaxConcurrency: 1})

	var inner atomic.Bool
	require.NoError(t, exec.Submit(func(context.Context) error {
		return exec.Submit(func(context.Context) error {
			inner.Store(true)
			return nil
		})
	}))

	require.Eventually(t, inner.Load, time.Second, 5*time.Millisecond)
}

func TestShutdownDrainsQueuedTasksThenRejects(t *testing.T) {
	exec := New(Config{MaxConcurrency: 1})

	var done atomic.Int32
	for i := 0; i < 5; i++ {
		require.NoError(t, exec.Submit(func(context.Context) error {
			time.Sleep(5 * time.Millisecond)
			done.Add(1)
			return nil
		}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, exec.Shutdown(ctx))
	assert.Equal(t, int32(5), done.Load())

	err := exec.Submit(func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrExecutorClosed)
}

func TestShutdownDeadlineCancelsRunningTasks(t *testing.T) {
	exec := New(Config{MaxConcurrency: 1})

	canceled := make(chan struct{})
	require.NoError(t, exec.Submit(func(ctx context.Context) error {
		<-ctx.Done()
		close(canceled)
		return ctx.Err()
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := exec.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case <-canceled:
	case <-time.After(time.Second):
		t.Fatal("running task was not canceled")
	}
}

package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify concurrent execution, timeouts, panics, graceful shutdown
// ============================================================================

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/iot-deployer/pkg/types"
)

func noop(ctx context.Context, task Task) error { return nil }

// blockUntilDone waits for the task context to end.
func blockUntilDone(ctx context.Context, task Task) error {
	<-ctx.Done()
	return ctx.Err()
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestNewPool(t *testing.T) {
	pool := NewPool(10, noop)
	assert.Equal(t, 0, pool.GetWorkerCount())
	assert.False(t, pool.IsStarted())
}

func TestPoolStart(t *testing.T) {
	pool := NewPool(10, noop)

	require.NoError(t, pool.Start(8))
	assert.Equal(t, 8, pool.GetWorkerCount())
	assert.True(t, pool.IsStarted())

	assert.Error(t, pool.Start(4))
	pool.Stop()
}

func TestWorkerExecution(t *testing.T) {
	var seen sync.Map
	pool := NewPool(10, func(ctx context.Context, task Task) error {
		seen.Store(task.JobID, true)
		if task.JobID%2 == 0 {
			return errors.New("agent refused")
		}
		return nil
	})
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	const taskCount = 10
	for i := 1; i <= taskCount; i++ {
		require.NoError(t, pool.Submit(context.Background(), Task{JobID: types.JobID(i), Timeout: time.Second}))
	}

	failures := 0
	for i := 0; i < taskCount; i++ {
		result, err := pool.ReceiveResult()
		require.NoError(t, err)
		if !result.Success {
			failures++
			assert.EqualError(t, result.Error, "agent refused")
		}
	}
	assert.Equal(t, taskCount/2, failures)

	for i := 1; i <= taskCount; i++ {
		_, ok := seen.Load(types.JobID(i))
		assert.True(t, ok, "job %d not executed", i)
	}
}

func TestTimeout(t *testing.T) {
	pool := NewPool(10, blockUntilDone)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	require.NoError(t, pool.Submit(context.Background(), Task{JobID: 1, Timeout: 10 * time.Millisecond}))

	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Error, context.DeadlineExceeded)
}

func TestPanicIsRecovered(t *testing.T) {
	pool := NewPool(10, func(ctx context.Context, task Task) error {
		if task.JobID == 1 {
			panic("boom")
		}
		return nil
	})
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	require.NoError(t, pool.Submit(context.Background(), Task{JobID: 1}))
	require.NoError(t, pool.Submit(context.Background(), Task{JobID: 2}))

	first, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.False(t, first.Success)
	assert.Contains(t, first.Error.Error(), "panic: boom")

	second, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.True(t, second.Success, "worker must survive a panic")
}

// ============================================================================
// Concurrency Tests
// ============================================================================

func TestConcurrency(t *testing.T) {
	var (
		running, peak atomic.Int64
		release       = make(chan struct{})
	)
	pool := NewPool(100, func(ctx context.Context, task Task) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return nil
	})
	require.NoError(t, pool.Start(8))
	defer pool.Stop()

	for i := 1; i <= 16; i++ {
		require.NoError(t, pool.Submit(context.Background(), Task{JobID: types.JobID(i)}))
	}

	require.Eventually(t, func() bool { return pool.Busy() == 8 }, time.Second, 5*time.Millisecond)
	close(release)

	for i := 0; i < 16; i++ {
		_, err := pool.ReceiveResult()
		require.NoError(t, err)
	}
	assert.Equal(t, int64(8), peak.Load())
}

func TestConcurrentSubmit(t *testing.T) {
	pool := NewPool(200, noop)
	require.NoError(t, pool.Start(4))
	defer pool.Stop()

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				assert.NoError(t, pool.Submit(context.Background(), Task{JobID: types.JobID(g*100 + i)}))
			}
		}(g)
	}
	wg.Wait()

	for i := 0; i < 200; i++ {
		_, err := pool.ReceiveResult()
		require.NoError(t, err)
	}
}

// ============================================================================
// Lifecycle Tests
// ============================================================================

func TestGracefulShutdownCancelsRunningTasks(t *testing.T) {
	pool := NewPool(10, blockUntilDone)
	require.NoError(t, pool.Start(2))

	require.NoError(t, pool.Submit(context.Background(), Task{JobID: 1}))
	require.Eventually(t, func() bool { return pool.Busy() == 1 }, time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.ErrorIs(t, result.Error, context.Canceled)

	_, err = pool.ReceiveResult()
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestStopUnblocksWaitingSubmit(t *testing.T) {
	pool := NewPool(1, blockUntilDone)
	require.NoError(t, pool.Start(1))

	require.NoError(t, pool.Submit(context.Background(), Task{JobID: 1}))
	require.Eventually(t, func() bool { return pool.Busy() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, pool.Submit(context.Background(), Task{JobID: 2})) // fills the buffer

	errCh := make(chan error, 1)
	go func() { errCh <- pool.Submit(context.Background(), Task{JobID: 3}) }()

	time.Sleep(20 * time.Millisecond)
	pool.Stop()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrPoolClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked Submit was not released")
	}
}

func TestSubmitRespectsContext(t *testing.T) {
	pool := NewPool(1, blockUntilDone)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	require.NoError(t, pool.Submit(context.Background(), Task{JobID: 1}))
	require.Eventually(t, func() bool { return pool.Busy() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, pool.Submit(context.Background(), Task{JobID: 2}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, pool.Submit(ctx, Task{JobID: 3}), context.DeadlineExceeded)
}

func TestStopBeforeStart(t *testing.T) {
	pool := NewPool(10, noop)
	pool.Stop()
	assert.ErrorIs(t, pool.Start(1), ErrPoolClosed)
}

func TestSubmitBeforeStart(t *testing.T) {
	pool := NewPool(10, noop)
	assert.ErrorIs(t, pool.Submit(context.Background(), Task{JobID: 1}), ErrPoolNotStarted)
}

func TestSubmitAfterStop(t *testing.T) {
	pool := NewPool(10, noop)
	require.NoError(t, pool.Start(1))
	pool.Stop()

	assert.ErrorIs(t, pool.Submit(context.Background(), Task{JobID: 1}), ErrPoolClosed)
}

func BenchmarkPoolThroughput(b *testing.B) {
	pool := NewPool(1000, noop)
	if err := pool.Start(8); err != nil {
		b.Fatal(err)
	}
	defer pool.Stop()

	go func() {
		for {
			if _, err := pool.ReceiveResult(); err != nil {
				return
			}
		}
	}()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := pool.Submit(context.Background(), Task{JobID: types.JobID(i)}); err != nil {
			b.Fatal(err)
		}
	}
}

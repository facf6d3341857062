package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify concurrent execution, timeout, panic recovery, graceful shutdown
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/claimqueue/pkg/types"
)

func acceptAll() Executor {
	return ExecutorFunc(func(ctx context.Context, unit types.Unit) (types.Outcome, error) {
		return types.Accept(types.OrderID("order-" + string(unit.ID))), nil
	})
}

func job(i int) Job {
	return Job{Unit: types.Unit{ID: types.UnitID(fmt.Sprintf("unit-%d", i))}, Timeout: time.Second}
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestNewPool(t *testing.T) {
	pool := NewPool(acceptAll(), 10)
	assert.NotNil(t, pool)
	assert.Equal(t, 0, pool.GetWorkerCount())
	assert.False(t, pool.IsStarted())
}

func TestPoolStart(t *testing.T) {
	pool := NewPool(acceptAll(), 10)

	require.NoError(t, pool.Start(8))
	assert.Equal(t, 8, pool.GetWorkerCount())
	assert.True(t, pool.IsStarted())

	assert.ErrorIs(t, pool.Start(4), ErrPoolStarted)

	pool.Stop()
}

func TestWorkerExecution(t *testing.T) {
	pool := NewPool(acceptAll(), 10)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(job(i)))
	}

	for i := 0; i < 10; i++ {
		result, err := pool.ReceiveResult()
		require.NoError(t, err)
		assert.NoError(t, result.Err)
		assert.True(t, result.Outcome.Accepted)
		assert.Equal(t, types.OrderID("order-"+string(result.Unit.ID)), result.Outcome.OrderID)
	}
}

func TestTimeout(t *testing.T) {
	slow := ExecutorFunc(func(ctx context.Context, unit types.Unit) (types.Outcome, error) {
		select {
		case <-ctx.Done():
			return types.Outcome{}, ctx.Err()
		case <-time.After(time.Second):
			return types.Accept("late"), nil
		}
	})
	pool := NewPool(slow, 1)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	require.NoError(t, pool.Submit(Job{Unit: types.Unit{ID: "u"}, Timeout: 20 * time.Millisecond}))
	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.ErrorIs(t, result.Err, context.DeadlineExceeded)
}

func TestPanicBecomesError(t *testing.T) {
	boom := ExecutorFunc(func(ctx context.Context, unit types.Unit) (types.Outcome, error) {
		panic("boom")
	})
	pool := NewPool(boom, 2)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	require.NoError(t, pool.Submit(job(1)))
	require.NoError(t, pool.Submit(job(2)))
	for i := 0; i < 2; i++ {
		result, err := pool.ReceiveResult()
		require.NoError(t, err)
		assert.Error(t, result.Err, "worker survives and keeps reporting")
	}
}

func TestConcurrency(t *testing.T) {
	var active, peak int32
	exec := ExecutorFunc(func(ctx context.Context, unit types.Unit) (types.Outcome, error) {
		n := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return types.Accept("o"), nil
	})

	pool := NewPool(exec, 20)
	require.NoError(t, pool.Start(4))
	defer pool.Stop()

	for i := 0; i < 20; i++ {
		require.NoError(t, pool.Submit(job(i)))
	}
	for i := 0; i < 20; i++ {
		_, err := pool.ReceiveResult()
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, peak, int32(4))
	assert.Greater(t, peak, int32(1))
}

func TestConcurrentSubmit(t *testing.T) {
	pool := NewPool(acceptAll(), 100)
	require.NoError(t, pool.Start(4))
	defer pool.Stop()

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				assert.NoError(t, pool.Submit(job(g*10+i)))
			}
		}(g)
	}
	wg.Wait()

	seen := make(map[types.UnitID]bool)
	for i := 0; i < 100; i++ {
		result, err := pool.ReceiveResult()
		require.NoError(t, err)
		seen[result.Unit.ID] = true
	}
	assert.Len(t, seen, 100)
}

// ============================================================================
// Shutdown Tests
// ============================================================================

func TestGracefulShutdownDrainsBufferedJobs(t *testing.T) {
	pool := NewPool(acceptAll(), 50)
	require.NoError(t, pool.Start(4))

	for i := 0; i < 50; i++ {
		require.NoError(t, pool.Submit(job(i)))
	}

	var received int
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, err := pool.ReceiveResult(); err != nil {
				return
			}
			received++
		}
	}()

	pool.Stop()
	<-done
	assert.Equal(t, 50, received)
}

func TestStopBeforeStart(t *testing.T) {
	pool := NewPool(acceptAll(), 10)
	assert.NotPanics(t, func() { pool.Stop() })
	assert.NotPanics(t, func() { pool.Stop() })
}

func TestSubmitAfterStop(t *testing.T) {
	pool := NewPool(acceptAll(), 10)
	require.NoError(t, pool.Start(2))
	pool.Stop()

	assert.ErrorIs(t, pool.Submit(job(1)), ErrPoolClosed)
	assert.ErrorIs(t, pool.Start(1), ErrPoolStarted)
}

func TestSubmitBeforeStart(t *testing.T) {
	pool := NewPool(acceptAll(), 10)
	assert.ErrorIs(t, pool.Submit(job(1)), ErrPoolNotStarted)
}

func TestReceiveResultAfterStop(t *testing.T) {
	pool := NewPool(acceptAll(), 10)
	require.NoError(t, pool.Start(1))
	pool.Stop()

	_, err := pool.ReceiveResult()
	assert.True(t, errors.Is(err, ErrPoolClosed))
}

func BenchmarkPoolThroughput(b *testing.B) {
	pool := NewPool(acceptAll(), 1000)
	_ = pool.Start(8)
	defer pool.Stop()

	go func() {
		for i := 0; i < b.N; i++ {
			_ = pool.Submit(job(i))
		}
	}()
	for i := 0; i < b.N; i++ {
		_, _ = pool.ReceiveResult()
	}
}

package engine

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

func TestWorkerPool_RunsSubmittedWork(t *testing.T) {
	pool := NewWorkerPool(2, nil)
	defer pool.Shutdown()

	var ran atomic.Int64
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		ran.Add(1)
		return nil
	}))
	pool.Wait()

	assert.Equal(t, int64(1), ran.Load())
	m := pool.Metrics()
	assert.Equal(t, int64(1), m.Completed)
	assert.Equal(t, 2, m.Size)
}

func TestWorkerPool_ConcurrencyLimit(t *testing.T) {
	const size = 3
	pool := NewWorkerPool(size, nil)
	defer pool.Shutdown()

	var current, peak atomic.Int64
	for range 10 {
		require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
			c := current.Add(1)
			for {
				p := peak.Load()
				if c <= p || peak.CompareAndSwap(p, c) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			current.Add(-1)
			return nil
		}))
	}
	pool.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(size))
	assert.Positive(t, peak.Load())
}

func TestWorkerPool_Backpressure(t *testing.T) {
	pool := NewWorkerPool(1, nil)
	defer pool.Shutdown()

	started := make(chan struct{})
	block := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		close(started)
		<-block
		return nil
	}))
	<-started

	submitted := make(chan struct{})
	go func() {
		_ = pool.Submit(context.Background(), func(context.Context) error { return nil })
		close(submitted)
	}()

	select {
	case <-submitted:
		t.Fatal("second submit should block while the pool is full")
	case <-time.After(50 * time.Millisecond):
	}

	close(block)
	select {
	case <-submitted:
	case <-time.After(time.Second):
		t.Fatal("second submit did not unblock")
	}
	pool.Wait()
}

func TestWorkerPool_PanicRecovery(t *testing.T) {
	var (
		mu        sync.Mutex
		recovered any
	)
	pool := NewWorkerPool(2, func(_ context.Context, r any) {
		mu.Lock()
		recovered = r
		mu.Unlock()
	})
	defer pool.Shutdown()

	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		panic("boom")
	}))
	pool.Wait()

	m := pool.Metrics()
	assert.Equal(t, int64(1), m.Panics)
	assert.Equal(t, int64(1), m.Failed)
	mu.Lock()
	assert.Equal(t, "boom", recovered)
	mu.Unlock()

	var ran atomic.Bool
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		ran.Store(true)
		return nil
	}))
	pool.Wait()
	assert.True(t, ran.Load(), "pool keeps working after a panic")
}

func TestWorkerPool_ContextBoundsWaitOnly(t *testing.T) {
	pool := NewWorkerPool(1, nil)
	defer pool.Shutdown()

	block := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		<-block
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- pool.Submit(ctx, func(context.Context) error { return nil })
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("submit did not return after cancellation")
	}

	close(block)
	pool.Wait()
}

func TestWorkerPool_ShutdownWaitsForWork(t *testing.T) {
	pool := NewWorkerPool(2, nil)

	var completed atomic.Int64
	for range 5 {
		require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
			time.Sleep(10 * time.Millisecond)
			completed.Add(1)
			return nil
		}))
	}
	pool.Shutdown()
	pool.Shutdown()

	assert.Equal(t, int64(5), completed.Load())
	assert.ErrorIs(t, pool.Submit(context.Background(), func(context.Context) error { return nil }), ErrPoolShutdown)
}

func TestWorkerPool_Metrics(t *testing.T) {
	pool := NewWorkerPool(4, nil)
	defer pool.Shutdown()

	for range 3 {
		require.NoError(t, pool.Submit(context.Background(), func(context.Context) error { return nil }))
	}
	for range 2 {
		require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
			return errors.New("intentional")
		}))
	}
	pool.Wait()

	m := pool.Metrics()
	assert.Equal(t, int64(3), m.Completed)
	assert.Equal(t, int64(2), m.Failed)
	assert.Equal(t, int64(0), m.Active)
	assert.Equal(t, "size=4 active=0 completed=3 failed=2 panics=0", m.String())
}

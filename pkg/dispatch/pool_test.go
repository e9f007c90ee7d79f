package dispatch

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

func TestPool_ExecutesTask(t *testing.T) {
	p := New(2, 8)
	defer p.Close()

	done := make(chan struct{})
	err := p.Enqueue("t1", func(ctx context.Context) error {
		close(done)
		return nil
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task was not executed")
	}
}

func TestPool_RetriesExactlyOnce(t *testing.T) {
	p := New(1, 8)
	defer p.Close()

	var attempts int32
	done := make(chan struct{})
	err := p.Enqueue("t1", func(ctx context.Context) error {
		n := atomic.AddInt32(&attempts, 1)
		if n == 2 {
			close(done)
		}
		return errors.New("always fails")
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("retry did not happen")
	}

	// A third attempt must not happen.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
}

func TestPool_RetryCountsViaHook(t *testing.T) {
	p := New(1, 8)
	defer p.Close()

	var retries int32
	p.OnRetry = func() { atomic.AddInt32(&retries, 1) }

	var wg sync.WaitGroup
	wg.Add(2)
	var calls int32
	require.NoError(t, p.Enqueue("t1", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		wg.Done()
		return errors.New("boom")
	}))
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&retries))
}

func TestPool_QueueFull(t *testing.T) {
	p := New(1, 1)
	defer p.Close()

	block := make(chan struct{})
	require.NoError(t, p.Enqueue("running", func(ctx context.Context) error {
		<-block
		return nil
	}))

	// Give the worker time to pick up the first task, then fill the queue.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, p.Enqueue("queued", func(ctx context.Context) error { return nil }))

	err := p.Enqueue("overflow", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrQueueFull)

	close(block)
}

func TestPool_EnqueueAfterClose(t *testing.T) {
	p := New(1, 4)
	p.Close()

	err := p.Enqueue("late", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPool_CloseDrainsInFlight(t *testing.T) {
	p := New(2, 8)

	var completed int32
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Enqueue("t", func(ctx context.Context) error {
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&completed, 1)
			return nil
		}))
	}

	p.Close()
	assert.Equal(t, int32(5), atomic.LoadInt32(&completed))
}

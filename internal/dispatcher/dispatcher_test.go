// Package dispatcher contains tests for worker coordination.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlqueue/internal/queue"
	"github.com/JakeFAU/crawlqueue/internal/queue/memory"
	"github.com/JakeFAU/crawlqueue/internal/worker"
)

// TestDispatcherDrainsQueueAndShutsDown runs workers over a real manager until
// the queue is empty and checks the completion signal releases the store.
func TestDispatcherDrainsQueueAndShutsDown(t *testing.T) {
	t.Parallel()

	store := memory.NewStore(nil)
	mgr, err := queue.NewManager(store, queue.Config{PollInterval: time.Millisecond, MaxPollAttempts: 2}, zap.NewNop())
	require.NoError(t, err)

	var (
		mu   sync.Mutex
		seen = map[string]int{}
	)
	handler := worker.HandlerFunc(func(_ context.Context, e queue.Entry) error {
		mu.Lock()
		defer mu.Unlock()
		seen[e.URL]++
		return nil
	})
	workers := make([]*worker.Worker, 4)
	for i := range workers {
		workers[i] = worker.New(mgr, handler, worker.Config{ExitWhenIdle: true}, zap.NewNop())
	}

	var completions atomic.Int32
	d := New(mgr, workers, func() {
		completions.Add(1)
		mgr.Shutdown()
	}, zap.NewNop())

	ctx := context.Background()
	for i := range 20 {
		_, err := d.Enqueue(ctx, fmt.Sprintf("https://site%d.example/page", i%5))
		require.NoError(t, err)
		_, err = d.Enqueue(ctx, fmt.Sprintf("https://site%d.example/page/%d", i%5, i))
		require.NoError(t, err)
	}

	d.Run(ctx)

	require.Equal(t, int32(1), completions.Load())
	require.Equal(t, 1, store.CloseCalls())
	require.Len(t, seen, 25)
	for url, n := range seen {
		require.Equalf(t, 1, n, "url %s handled %d times", url, n)
	}

	d.complete()
	require.Equal(t, int32(1), completions.Load())
}

// TestDispatcherRunStopsOnCancel ensures long-running workers stop on cancel.
func TestDispatcherRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	mgr, err := queue.NewManager(memory.NewStore(nil), queue.Config{PollInterval: time.Millisecond}, zap.NewNop())
	require.NoError(t, err)

	w := worker.New(mgr, worker.HandlerFunc(func(context.Context, queue.Entry) error { return nil }), worker.Config{}, nil)
	completed := make(chan struct{})
	d := New(mgr, []*worker.Worker{w}, func() { close(completed) }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
	select {
	case <-completed:
	default:
		t.Fatal("completion signal did not fire")
	}
}

type failingQueue struct{}

func (failingQueue) Add(context.Context, string) (queue.Entry, error) {
	return queue.Entry{}, errors.New("insert failed")
}

// TestDispatcherEnqueueForwardsErrors verifies queue errors are wrapped for callers.
func TestDispatcherEnqueueForwardsErrors(t *testing.T) {
	t.Parallel()

	d := New(failingQueue{}, nil, nil, nil)
	_, err := d.Enqueue(context.Background(), "https://example.com")
	require.Error(t, err)
	require.Contains(t, err.Error(), "queue add")
}

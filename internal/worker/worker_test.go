package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlqueue/internal/queue"
	"github.com/JakeFAU/crawlqueue/internal/queue/memory"
)

// fakeQueue serves entries from a slice, then reports no work.
type fakeQueue struct {
	mu      sync.Mutex
	entries []queue.Entry
	ended   []string
	getErrs []error
	endErr  error
	gets    int
}

func (q *fakeQueue) Get(ctx context.Context) (queue.Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.gets++
	if err := ctx.Err(); err != nil {
		return queue.Entry{}, err
	}
	if len(q.getErrs) > 0 {
		err := q.getErrs[0]
		q.getErrs = q.getErrs[1:]
		return queue.Entry{}, err
	}
	if len(q.entries) == 0 {
		return queue.Entry{}, queue.ErrNoWorkAvailable
	}
	e := q.entries[0]
	q.entries = q.entries[1:]
	e.Status = queue.StatusClaimed
	return e, nil
}

func (q *fakeQueue) End(_ context.Context, entry queue.Entry) (queue.Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.endErr != nil {
		return queue.Entry{}, q.endErr
	}
	q.ended = append(q.ended, entry.ID)
	entry.Status = queue.StatusDone
	return entry, nil
}

func (q *fakeQueue) endedIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.ended...)
}

func (q *fakeQueue) getCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.gets
}

func TestWorkerHandlesAndEndsEntries(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{entries: []queue.Entry{{ID: "a", URL: "https://example.com/a"}, {ID: "b", URL: "https://example.com/b"}}}
	var seen []string
	w := New(q, HandlerFunc(func(_ context.Context, e queue.Entry) error {
		require.Equal(t, queue.StatusClaimed, e.Status)
		seen = append(seen, e.ID)
		return nil
	}), Config{ExitWhenIdle: true}, zap.NewNop())

	w.Run(context.Background())

	require.Equal(t, []string{"a", "b"}, seen)
	require.Equal(t, []string{"a", "b"}, q.endedIDs())
	require.Equal(t, int64(2), w.Handled())
	require.Zero(t, w.Failed())
	require.NotEmpty(t, w.ID())
}

func TestWorkerEndsEntryWhenHandlerFails(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{entries: []queue.Entry{{ID: "a"}}}
	w := New(q, HandlerFunc(func(context.Context, queue.Entry) error {
		return errors.New("fetch failed")
	}), Config{ExitWhenIdle: true}, nil)

	w.Run(context.Background())

	require.Equal(t, []string{"a"}, q.endedIDs())
	require.Equal(t, int64(1), w.Failed())
}

func TestWorkerKeepsPollingWhenIdle(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{}
	w := New(q, HandlerFunc(func(context.Context, queue.Entry) error { return nil }), Config{IdleWait: time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return q.getCount() > 3 }, time.Second, time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after context cancel")
	}
}

// countingQueue counts Get calls made against a real Manager.
type countingQueue struct {
	*queue.Manager
	gets atomic.Int64
}

func (q *countingQueue) Get(ctx context.Context) (queue.Entry, error) {
	q.gets.Add(1)
	return q.Manager.Get(ctx)
}

func TestWorkerWaitsBetweenEmptyPolls(t *testing.T) {
	t.Parallel()

	mgr, err := queue.NewManager(memory.NewStore(nil),
		queue.Config{PollInterval: time.Second, MaxPollAttempts: 0}, zap.NewNop())
	require.NoError(t, err)
	q := &countingQueue{Manager: mgr}
	w := New(q, HandlerFunc(func(context.Context, queue.Entry) error { return nil }),
		Config{IdleWait: 50 * time.Millisecond}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	// One claim up front, then at most one per IdleWait.
	require.GreaterOrEqual(t, q.gets.Load(), int64(1))
	require.LessOrEqual(t, q.gets.Load(), int64(6))
}

func TestWorkerDefaultsIdleWait(t *testing.T) {
	t.Parallel()

	w := New(&fakeQueue{}, HandlerFunc(func(context.Context, queue.Entry) error { return nil }), Config{}, nil)
	require.Equal(t, DefaultIdleWait, w.cfg.IdleWait)
	require.Equal(t, DefaultErrorBackoff, w.cfg.ErrorBackoff)
}

func TestWorkerBacksOffOnStorageErrors(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{
		getErrs: []error{errors.New("connection refused")},
		entries: []queue.Entry{{ID: "a"}},
	}
	w := New(q, HandlerFunc(func(context.Context, queue.Entry) error { return nil }),
		Config{ExitWhenIdle: true, ErrorBackoff: time.Millisecond}, nil)

	w.Run(context.Background())

	require.Equal(t, []string{"a"}, q.endedIDs())
	require.Equal(t, 3, q.getCount())
}

func TestWorkerStopsWhenQueueClosed(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{getErrs: []error{queue.ErrClosed}, entries: []queue.Entry{{ID: "a"}}}
	w := New(q, HandlerFunc(func(context.Context, queue.Entry) error { return nil }), Config{}, nil)

	w.Run(context.Background())

	require.Empty(t, q.endedIDs())
	require.Equal(t, 1, q.getCount())
}

func TestWorkerEndFailureIsNotCounted(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{entries: []queue.Entry{{ID: "a"}}, endErr: errors.New("db down")}
	w := New(q, HandlerFunc(func(context.Context, queue.Entry) error { return nil }),
		Config{ExitWhenIdle: true}, nil)

	w.Run(context.Background())

	require.Zero(t, w.Handled())
}

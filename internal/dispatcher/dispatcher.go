// Package dispatcher manages worker fan-out over the crawl queue and signals
// completion once every worker has stopped.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlqueue/internal/queue"
	"github.com/JakeFAU/crawlqueue/internal/worker"
)

// Queue accepts new URLs.
type Queue interface {
	Add(ctx context.Context, url string) (queue.Entry, error)
}

// Dispatcher runs a pool of workers over a queue.
type Dispatcher struct {
	queue      Queue
	workers    []*worker.Worker
	onComplete func()
	once       sync.Once
	logger     *zap.Logger
}

// New creates a Dispatcher. onComplete, if set, runs exactly once after the
// last worker stops; callers wire it to queue.Manager.Shutdown.
func New(q Queue, workers []*worker.Worker, onComplete func(), logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:      q,
		workers:    workers,
		onComplete: onComplete,
		logger:     logger.Named("dispatcher"),
	}
}

// Run starts all workers and blocks until every one of them has returned, then
// fires the completion signal.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("starting workers", zap.Int("count", len(d.workers)))
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	wg.Wait()

	var handled, failed int64
	for _, w := range d.workers {
		handled += w.Handled()
		failed += w.Failed()
	}
	d.logger.Info("crawl complete", zap.Int64("handled", handled), zap.Int64("failed", failed))
	d.complete()
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, url string) (queue.Entry, error) {
	entry, err := d.queue.Add(ctx, url)
	if err != nil {
		return queue.Entry{}, fmt.Errorf("queue add: %w", err)
	}
	return entry, nil
}

func (d *Dispatcher) complete() {
	d.once.Do(func() {
		if d.onComplete != nil {
			d.onComplete()
		}
	})
}

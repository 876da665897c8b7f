// Package worker implements the claim, handle, and finish loop a crawler runs
// against the queue.
package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlqueue/internal/queue"
)

const (
	// DefaultErrorBackoff is the pause after a failed claim before trying again.
	DefaultErrorBackoff = time.Second
	// DefaultIdleWait is the pause after an empty claim when the worker keeps polling.
	DefaultIdleWait = time.Second
)

// Queue is the part of queue.Manager a worker needs.
type Queue interface {
	Get(ctx context.Context) (queue.Entry, error)
	End(ctx context.Context, entry queue.Entry) (queue.Entry, error)
}

// Handler processes one claimed entry.
type Handler interface {
	Handle(ctx context.Context, entry queue.Entry) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, entry queue.Entry) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, entry queue.Entry) error {
	return f(ctx, entry)
}

// Config controls Worker behavior.
type Config struct {
	// ExitWhenIdle stops the worker the first time Get reports no work.
	ExitWhenIdle bool
	// ErrorBackoff is the pause after a claim error. Zero uses DefaultErrorBackoff.
	ErrorBackoff time.Duration
	// IdleWait is the pause after Get reports no work when ExitWhenIdle is off.
	// Zero uses DefaultIdleWait.
	IdleWait time.Duration
}

// Worker claims entries one at a time and marks each done after handling it.
type Worker struct {
	id      string
	queue   Queue
	handler Handler
	cfg     Config
	logger  *zap.Logger

	handled atomic.Int64
	failed  atomic.Int64
}

// New constructs a Worker.
func New(q Queue, handler Handler, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = DefaultErrorBackoff
	}
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = DefaultIdleWait
	}
	id := uuid.NewString()
	return &Worker{
		id:      id,
		queue:   q,
		handler: handler,
		cfg:     cfg,
		logger:  logger.Named("worker").With(zap.String("worker_id", id)),
	}
}

// ID returns the worker's log identity.
func (w *Worker) ID() string {
	return w.id
}

// Handled reports how many entries were handled and marked done.
func (w *Worker) Handled() int64 {
	return w.handled.Load()
}

// Failed reports how many entries the handler returned an error for.
func (w *Worker) Failed() int64 {
	return w.failed.Load()
}

// Run loops until ctx is cancelled, the queue is shut down, or, with
// ExitWhenIdle, the queue runs dry.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Debug("worker started")
	defer w.logger.Debug("worker stopped",
		zap.Int64("handled", w.handled.Load()),
		zap.Int64("failed", w.failed.Load()),
	)
	for {
		if ctx.Err() != nil {
			return
		}
		entry, err := w.queue.Get(ctx)
		switch {
		case err == nil:
		case errors.Is(err, queue.ErrNoWorkAvailable):
			if w.cfg.ExitWhenIdle {
				w.logger.Info("queue idle; exiting")
				return
			}
			if !sleep(ctx, w.cfg.IdleWait) {
				return
			}
			continue
		case errors.Is(err, queue.ErrClosed), ctx.Err() != nil:
			return
		default:
			w.logger.Error("queue get failed", zap.Error(err))
			if !sleep(ctx, w.cfg.ErrorBackoff) {
				return
			}
			continue
		}
		w.process(ctx, entry)
	}
}

// process hands entry to the handler and ends it regardless of the outcome; the
// queue has no failed state, so a failing URL is not retried.
func (w *Worker) process(ctx context.Context, entry queue.Entry) {
	logger := w.logger.With(zap.String("id", entry.ID), zap.String("url", entry.URL))
	if err := w.handler.Handle(ctx, entry); err != nil {
		w.failed.Add(1)
		logger.Warn("handler failed", zap.Error(err))
	}
	// A cancelled ctx must not leave the entry claimed forever.
	endCtx := context.WithoutCancel(ctx)
	if _, err := w.queue.End(endCtx, entry); err != nil {
		logger.Error("queue end failed", zap.Error(err))
		return
	}
	w.handled.Add(1)
	logger.Debug("entry handled")
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

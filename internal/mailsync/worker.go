package mailsync

import (
	"context"
	"fmt"
	"log/slog"
)

type task struct {
	name string
	fn   func(ctx context.Context) error
	done chan error // nil for posted tasks
}

// Worker runs tasks one at a time. Every task touching a session or reconciling
// the store goes through the account worker, so batches never overlap.
type Worker struct {
	tasks  chan task
	errs   chan<- error
	logger *slog.Logger
}

// NewWorker creates a worker. Errors of posted tasks are sent to errs without
// blocking.
func NewWorker(errs chan<- error, logger *slog.Logger) *Worker {
	return &Worker{
		tasks:  make(chan task, 64),
		errs:   errs,
		logger: logger,
	}
}

// Run executes tasks until ctx is done
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-w.tasks:
			err := t.fn(ctx)
			if err != nil {
				err = fmt.Errorf("%s: %w", t.name, err)
			}
			if t.done != nil {
				t.done <- err
				continue
			}
			if err != nil {
				w.logger.Error("task failed", "task", t.name, "error", err)
				signal(w.errs, err)
			}
		}
	}
}

// Submit queues fn and waits for its result
func (w *Worker) Submit(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	t := task{name: name, fn: fn, done: make(chan error, 1)}
	select {
	case w.tasks <- t:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Post queues fn without waiting. It reports false when the queue is full.
func (w *Worker) Post(name string, fn func(ctx context.Context) error) bool {
	select {
	case w.tasks <- task{name: name, fn: fn}:
		return true
	default:
		w.logger.Warn("worker queue full, task dropped", "task", name)
		return false
	}
}

// signal wakes whoever waits on errs. A pending error is enough to tear the
// connection down, so extra ones are dropped.
func signal(errs chan<- error, err error) {
	if errs == nil {
		return
	}
	select {
	case errs <- err:
	default:
	}
}

// Package eventloop runs closures one at a time on a single goroutine. Every
// server state transition goes through it, so the state it owns needs no locks.
package eventloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

var ErrStopped = errors.New("event loop stopped")

type task struct {
	fn   func()
	done chan struct{}
}

type Loop struct {
	tasks   chan task
	stopped chan struct{}
	logger  *slog.Logger
}

func New(queueSize int, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		tasks:   make(chan task, queueSize),
		stopped: make(chan struct{}),
		logger:  logger,
	}
}

// Run executes submitted tasks until ctx is done. Queued tasks that did not
// start before shutdown are released with ErrStopped.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.stopped)
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-l.tasks:
			l.exec(t)
		}
	}
}

func (l *Loop) exec(t task) {
	defer close(t.done)
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("eventloop: task panicked", "panic", fmt.Sprint(r))
		}
	}()
	t.fn()
}

// Do runs fn on the loop and waits for it to finish. It returns early with
// ctx.Err() if ctx ends first; fn may still run afterwards.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	t := task{fn: fn, done: make(chan struct{})}
	select {
	case l.tasks <- t:
	case <-l.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-t.done:
		return nil
	case <-l.stopped:
		select {
		case <-t.done:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len and Cap report the pending task queue.
func (l *Loop) Len() int { return len(l.tasks) }
func (l *Loop) Cap() int { return cap(l.tasks) }

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} { return l.stopped }

// Package queue provides the at-least-once task queue driving the import
// pipeline. Stage handlers must tolerate redelivery: a task that fails is
// re-enqueued until it succeeds or exhausts its attempts, and a task that
// succeeded may still be seen twice after a crash between completion and
// acknowledgment.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Task is one unit of queued work. Payload is task-type specific JSON.
type Task struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Attempt int             `json:"attempt"`
}

// Handler processes one task. Returning an error causes redelivery.
type Handler func(ctx context.Context, task Task) error

// Enqueuer is the producer side of the queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, task Task) error
}

// Runner is an in-process queue with a fixed worker pool. It delivers each
// task at least once: failed tasks are retried up to MaxAttempts times.
type Runner struct {
	MaxAttempts int
	Workers     int

	log      *slog.Logger
	handlers map[string]Handler

	tasks   chan Task
	pending sync.WaitGroup

	startOnce sync.Once
	group     *errgroup.Group
	cancel    context.CancelFunc
}

// Option configures a Runner.
type Option func(*Runner)

// WithWorkers sets the worker pool size.
func WithWorkers(n int) Option { return func(r *Runner) { r.Workers = n } }

// WithMaxAttempts sets the per-task delivery limit.
func WithMaxAttempts(n int) Option { return func(r *Runner) { r.MaxAttempts = n } }

// WithBuffer sets the task channel capacity.
func WithBuffer(n int) Option {
	return func(r *Runner) { r.tasks = make(chan Task, n) }
}

// NewRunner returns a Runner with no registered handlers.
func NewRunner(log *slog.Logger, opts ...Option) *Runner {
	if log == nil {
		log = slog.Default()
	}
	r := &Runner{
		MaxAttempts: 3,
		Workers:     4,
		log:         log,
		handlers:    map[string]Handler{},
		tasks:       make(chan Task, 1024),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register installs the handler for a task type. It panics on a duplicate
// registration, which indicates a wiring bug.
func (r *Runner) Register(taskType string, h Handler) {
	if _, dup := r.handlers[taskType]; dup {
		panic("queue: duplicate handler registration for " + taskType)
	}
	r.handlers[taskType] = h
}

// Enqueue places a task on the queue. It blocks when the buffer is full.
func (r *Runner) Enqueue(ctx context.Context, task Task) error {
	if _, ok := r.handlers[task.Type]; !ok {
		return fmt.Errorf("queue: no handler for task type %q", task.Type)
	}
	r.pending.Add(1)
	select {
	case r.tasks <- task:
		return nil
	case <-ctx.Done():
		r.pending.Done()
		return ctx.Err()
	}
}

// Start launches the worker pool. It is safe to call once; tasks enqueued
// before Start sit in the buffer until a worker picks them up.
func (r *Runner) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		ctx, r.cancel = context.WithCancel(ctx)
		r.group, ctx = errgroup.WithContext(ctx)
		for i := 0; i < r.Workers; i++ {
			r.group.Go(func() error {
				for {
					select {
					case task := <-r.tasks:
						r.deliver(ctx, task)
					case <-ctx.Done():
						return ctx.Err()
					}
				}
			})
		}
	})
}

// deliver runs the task's handler and re-enqueues on failure until the
// attempt limit is reached. The pending count is released exactly once per
// logical task, when it either succeeds or is dropped.
func (r *Runner) deliver(ctx context.Context, task Task) {
	h := r.handlers[task.Type]
	task.Attempt++
	err := h(ctx, task)
	if err == nil {
		r.pending.Done()
		return
	}
	if task.Attempt >= r.MaxAttempts {
		r.log.Error("task dropped after max attempts",
			"type", task.Type, "attempt", task.Attempt, "error", err)
		r.pending.Done()
		return
	}
	r.log.Warn("task failed, redelivering",
		"type", task.Type, "attempt", task.Attempt, "error", err)
	select {
	case r.tasks <- task:
	case <-ctx.Done():
		r.pending.Done()
	}
}

// Drain blocks until every enqueued task has been fully processed or
// dropped. Workers keep running; use Stop to shut them down.
func (r *Runner) Drain() {
	r.pending.Wait()
}

// Stop cancels the workers and waits for them to exit.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.group != nil {
		_ = r.group.Wait()
	}
}

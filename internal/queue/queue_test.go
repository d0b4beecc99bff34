package queue

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunner_DeliverAndDrain(t *testing.T) {
	t.Parallel()

	r := NewRunner(quietLogger(), WithWorkers(2))
	var delivered atomic.Int64
	r.Register("work", func(ctx context.Context, task Task) error {
		delivered.Add(1)
		return nil
	})

	ctx := context.Background()
	r.Start(ctx)
	defer r.Stop()

	for i := 0; i < 20; i++ {
		if err := r.Enqueue(ctx, Task{Type: "work"}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	r.Drain()
	if got := delivered.Load(); got != 20 {
		t.Errorf("delivered = %d, want 20", got)
	}
}

func TestRunner_EnqueueUnknownType(t *testing.T) {
	t.Parallel()

	r := NewRunner(quietLogger())
	if err := r.Enqueue(context.Background(), Task{Type: "nobody"}); err == nil {
		t.Errorf("expected error for unregistered task type")
	}
}

func TestRunner_RetryUntilSuccess(t *testing.T) {
	t.Parallel()

	r := NewRunner(quietLogger(), WithWorkers(1), WithMaxAttempts(5))
	var attempts []int
	var mu sync.Mutex
	r.Register("flaky", func(ctx context.Context, task Task) error {
		mu.Lock()
		attempts = append(attempts, task.Attempt)
		mu.Unlock()
		if task.Attempt < 3 {
			return fmt.Errorf("transient")
		}
		return nil
	})

	ctx := context.Background()
	r.Start(ctx)
	defer r.Stop()

	if err := r.Enqueue(ctx, Task{Type: "flaky"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	r.Drain()

	mu.Lock()
	defer mu.Unlock()
	if len(attempts) != 3 || attempts[0] != 1 || attempts[2] != 3 {
		t.Errorf("attempts = %v, want [1 2 3]", attempts)
	}
}

func TestRunner_DropAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	r := NewRunner(quietLogger(), WithWorkers(1), WithMaxAttempts(2))
	var calls atomic.Int64
	r.Register("doomed", func(ctx context.Context, task Task) error {
		calls.Add(1)
		return fmt.Errorf("permanent")
	})

	ctx := context.Background()
	r.Start(ctx)
	defer r.Stop()

	if err := r.Enqueue(ctx, Task{Type: "doomed"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	// Drain returning at all proves the task was dropped, not retried forever.
	r.Drain()
	if got := calls.Load(); got != 2 {
		t.Errorf("handler ran %d times, want 2", got)
	}
}

func TestRunner_RegisterDuplicatePanics(t *testing.T) {
	t.Parallel()

	r := NewRunner(quietLogger())
	r.Register("once", func(ctx context.Context, task Task) error { return nil })
	defer func() {
		if recover() == nil {
			t.Errorf("expected panic on duplicate registration")
		}
	}()
	r.Register("once", func(ctx context.Context, task Task) error { return nil })
}

func TestRunner_EnqueueBeforeStart(t *testing.T) {
	t.Parallel()

	r := NewRunner(quietLogger(), WithWorkers(1), WithBuffer(8))
	var ran atomic.Bool
	r.Register("early", func(ctx context.Context, task Task) error {
		ran.Store(true)
		return nil
	})

	ctx := context.Background()
	if err := r.Enqueue(ctx, Task{Type: "early"}); err != nil {
		t.Fatalf("Enqueue before Start: %v", err)
	}
	r.Start(ctx)
	defer r.Stop()
	r.Drain()
	if !ran.Load() {
		t.Errorf("buffered task was not delivered after Start")
	}
}

func TestRunner_EnqueueCanceledContext(t *testing.T) {
	t.Parallel()

	// Zero-capacity buffer and no workers: Enqueue must yield to the context.
	r := NewRunner(quietLogger(), WithBuffer(0))
	r.Register("stuck", func(ctx context.Context, task Task) error { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := r.Enqueue(ctx, Task{Type: "stuck"}); err == nil {
		t.Errorf("expected context error with a full buffer and no workers")
	}
	// The failed enqueue must not leave Drain hanging.
	done := make(chan struct{})
	go func() { r.Drain(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Errorf("Drain hung after canceled Enqueue")
	}
}

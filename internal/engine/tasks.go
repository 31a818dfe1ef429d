package engine

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

type task struct {
	name string
	ctx  context.Context
	fn   func(context.Context)
}

// TaskQueue runs side effects (notification delivery, image prefetch) off
// the sync path. Tasks keep the values of the submitting context but not its
// cancellation, so an abandoned cycle does not cut them short.
type TaskQueue struct {
	mu     sync.RWMutex
	closed bool
	tasks  chan task
	g      errgroup.Group
}

// NewTaskQueue starts workers goroutines draining a queue of depth tasks.
func NewTaskQueue(workers, depth int) *TaskQueue {
	if workers <= 0 {
		workers = 1
	}
	if depth <= 0 {
		depth = 1
	}
	q := &TaskQueue{tasks: make(chan task, depth)}
	for range workers {
		q.g.Go(q.work)
	}
	return q
}

func (q *TaskQueue) work() error {
	for t := range q.tasks {
		q.run(t)
	}
	return nil
}

func (q *TaskQueue) run(t task) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("task panicked",
				"component", "engine",
				"task", t.name,
				"panic", r,
			)
		}
	}()
	t.fn(t.ctx)
}

// Submit queues fn. It returns false without blocking when the queue is full
// or closed.
func (q *TaskQueue) Submit(ctx context.Context, name string, fn func(context.Context)) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	select {
	case q.tasks <- task{name: name, ctx: context.WithoutCancel(ctx), fn: fn}:
		return true
	default:
		slog.Warn("task queue full, dropping task",
			"component", "engine",
			"task", name,
		)
		return false
	}
}

// Close stops accepting tasks and waits for queued ones to finish.
func (q *TaskQueue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
	q.mu.Unlock()
	q.g.Wait()
}

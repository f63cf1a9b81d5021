// Package taskqueue serializes work per key. Tasks submitted under the same
// key run one at a time on a dedicated worker, high priority tasks before
// normal ones and each lane in FIFO order. Tasks under different keys run
// concurrently.
package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

var ErrClosed = errors.New("task queue closed")

type Priority int

const (
	Normal Priority = iota
	High
)

func (p Priority) String() string {
	if p == High {
		return "high"
	}
	return "normal"
}

// Task is the unit of work. The context is cancelled when the queue closes.
type Task func(ctx context.Context) (any, error)

type Future struct {
	id     string
	done   chan struct{}
	result any
	err    error
}

func newFuture() *Future {
	return &Future{id: uuid.NewString(), done: make(chan struct{})}
}

func (f *Future) Id() string {
	return f.id
}

func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the task finished or ctx is done. A task that already
// started keeps running when ctx is done.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *Future) complete(result any, err error) {
	f.result = result
	f.err = err
	close(f.done)
}

type item struct {
	key    string
	task   Task
	future *Future
}

type worker struct {
	high   []*item
	normal []*item
	signal chan struct{}
}

func (w *worker) next() *item {
	var it *item
	switch {
	case len(w.high) > 0:
		it, w.high = w.high[0], w.high[1:]
	case len(w.normal) > 0:
		it, w.normal = w.normal[0], w.normal[1:]
	}
	return it
}

type Queue struct {
	mu      sync.Mutex
	workers map[string]*worker
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

func New(logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		workers: make(map[string]*worker),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
	}
}

// Submit enqueues the task under key. After Close the returned
// future fails with ErrClosed.
func (q *Queue) Submit(key string, priority Priority, task Task) *Future {
	future := newFuture()

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		future.complete(nil, ErrClosed)
		return future
	}

	w, ok := q.workers[key]
	if !ok {
		w = &worker{signal: make(chan struct{}, 1)}
		q.workers[key] = w
		q.wg.Add(1)
		go q.run(key, w)
	}

	it := &item{key: key, task: task, future: future}
	if priority == High {
		w.high = append(w.high, it)
	} else {
		w.normal = append(w.normal, it)
	}

	select {
	case w.signal <- struct{}{}:
	default:
	}

	q.logger.Debug("task queued", slog.String("task", future.id),
		slog.String("key", key), slog.String("priority", priority.String()))

	return future
}

func (q *Queue) run(key string, w *worker) {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		it := w.next()
		closed := q.closed
		q.mu.Unlock()

		if it == nil {
			if closed {
				return
			}
			select {
			case <-w.signal:
			case <-q.ctx.Done():
			}
			continue
		}

		result, err := q.execute(it)
		it.future.complete(result, err)
	}
}

func (q *Queue) execute(it *item) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %v panicked: %v", it.future.id, r)
			q.logger.Error("task panicked", slog.String("task", it.future.id), slog.Any("panic", r))
		}
	}()

	q.logger.Debug("running task", slog.String("task", it.future.id), slog.String("key", it.key))
	return it.task(q.ctx)
}

// Pending returns the number of queued tasks for key that have not started.
func (q *Queue) Pending(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	w, ok := q.workers[key]
	if !ok {
		return 0
	}
	return len(w.high) + len(w.normal)
}

// Close drops every queued task, failing its future with ErrClosed,
// cancels the context of running tasks and waits for them to return.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true

	dropped := 0
	for _, w := range q.workers {
		for it := w.next(); it != nil; it = w.next() {
			it.future.complete(nil, ErrClosed)
			dropped++
		}
	}
	q.mu.Unlock()

	if dropped > 0 {
		q.logger.Info("dropped queued tasks", slog.Int("count", dropped))
	}
	q.cancel()
	q.wg.Wait()
}

// Run submits fn and waits for its typed result. A result returned
// together with an error is kept.
func Run[T any](ctx context.Context, q *Queue, key string, priority Priority,
	fn func(ctx context.Context) (T, error)) (T, error) {

	future := q.Submit(key, priority, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})

	// the result of a failed task is returned with its error
	var zero T
	result, err := future.Wait(ctx)
	if typed, ok := result.(T); ok {
		return typed, err
	}
	return zero, err
}

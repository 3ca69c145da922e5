// Package dispatch provides a bounded-concurrency FIFO job queue. At most
// limit jobs run at once; waiting jobs start in submission order as slots
// free up.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/smartbin/internal/common"
)

// ErrQueueClosed is returned for jobs submitted to, or still waiting in, a
// closed queue.
var ErrQueueClosed = errors.New("dispatch queue closed")

// Work is one unit of work. ctx is cancelled when the job times out.
type Work[T any] func(ctx context.Context) (T, error)

// Future delivers the outcome of one submitted job to its submitter.
type Future[T any] struct {
	done  chan struct{}
	once  sync.Once
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) resolve(v T, err error) {
	f.once.Do(func() {
		f.value, f.err = v, err
		close(f.done)
	})
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the job finishes or ctx is done. Giving up on the wait
// does not cancel the job.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

type job[T any] struct {
	work   Work[T]
	future *Future[T]
}

type Queue[T any] struct {
	limit   int
	timeout time.Duration

	mu      sync.Mutex
	running int
	pending []*job[T]
	closed  bool
}

// New returns a queue running at most limit jobs concurrently (minimum 1).
// A positive timeout fails jobs that run longer with common.ErrUpstreamTimeout
// and frees their slot even if the work ignores cancellation.
func New[T any](limit int, timeout time.Duration) *Queue[T] {
	if limit < 1 {
		limit = 1
	}
	return &Queue[T]{limit: limit, timeout: timeout}
}

// Submit enqueues work and returns its Future.
func (q *Queue[T]) Submit(work Work[T]) *Future[T] {
	j := &job[T]{work: work, future: newFuture[T]()}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		var zero T
		j.future.resolve(zero, ErrQueueClosed)
		return j.future
	}

	if q.running < q.limit {
		q.running++
		go q.run(j)
	} else {
		q.pending = append(q.pending, j)
	}

	return j.future
}

// Len reports jobs waiting for a slot.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Running reports jobs holding a slot.
func (q *Queue[T]) Running() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Close rejects further submissions and fails every waiting job. Running
// jobs finish normally.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	pending := q.pending
	q.pending = nil
	q.closed = true
	q.mu.Unlock()

	var zero T
	for _, j := range pending {
		j.future.resolve(zero, ErrQueueClosed)
	}
}

type outcome[T any] struct {
	value T
	err   error
}

func (q *Queue[T]) run(j *job[T]) {
	defer q.release()

	ctx, cancel := context.Background(), context.CancelFunc(func() {})
	if q.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
	}
	defer cancel()

	// buffered so an abandoned worker can still finish
	res := make(chan outcome[T], 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				var zero T
				res <- outcome[T]{zero, fmt.Errorf("job panicked: %v", p)}
			}
		}()
		v, err := j.work(ctx)
		res <- outcome[T]{v, err}
	}()

	select {
	case r := <-res:
		j.future.resolve(r.value, r.err)
	case <-ctx.Done():
		var zero T
		j.future.resolve(zero, fmt.Errorf("%w after %s", common.ErrUpstreamTimeout, q.timeout))
	}
}

func (q *Queue[T]) release() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) > 0 && !q.closed {
		next := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		go q.run(next)
		return
	}
	q.running--
}

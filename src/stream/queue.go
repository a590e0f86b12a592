// Package stream decouples producers of generation deltas from the writer
// that delivers them to a client.
package stream

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ErrQueueTerminated is returned by Push, Finish and Fail after the queue has
// already been finished or failed.
var ErrQueueTerminated = errors.New("queue already terminated")

// Queue is a single-consumer FIFO. Push never blocks. Exactly one call to
// Finish or Fail ends the queue; the consumer drains what was pushed before
// it and then sees io.EOF or the failure.
type Queue[T any] struct {
	mu       sync.Mutex
	items    []T
	notify   chan struct{}
	done     bool
	err      error
	detached bool
}

// New returns a queue whose buffer starts with room for size items
func New[T any](size int) *Queue[T] {
	if size < 0 {
		size = 0
	}
	return &Queue[T]{
		items:  make([]T, 0, size),
		notify: make(chan struct{}, 1),
	}
}

func (q *Queue[T]) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Push enqueues item. After the consumer has closed its side the item is
// dropped without error so producers can run to completion.
func (q *Queue[T]) Push(item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.done {
		return ErrQueueTerminated
	}
	if q.detached {
		return nil
	}
	q.items = append(q.items, item)
	q.signal()
	return nil
}

// Finish marks the natural end of the stream
func (q *Queue[T]) Finish() error {
	return q.terminate(nil)
}

// Fail ends the stream with err. A nil err is treated as Finish.
func (q *Queue[T]) Fail(err error) error {
	return q.terminate(err)
}

func (q *Queue[T]) terminate(err error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.done {
		return ErrQueueTerminated
	}
	q.done = true
	q.err = err
	q.signal()
	return nil
}

// Next blocks until an item is available, the queue ends, or ctx is done.
// Once drained it returns io.EOF after Finish and the failure after Fail.
func (q *Queue[T]) Next(ctx context.Context) (T, error) {
	var zero T
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, nil
		}
		if q.done {
			err := q.err
			q.mu.Unlock()
			if err == nil {
				err = io.EOF
			}
			return zero, err
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Close detaches the consumer. Buffered items are discarded and later pushes
// are dropped.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.detached = true
	q.items = nil
}

// Terminated reports whether Finish or Fail was called
func (q *Queue[T]) Terminated() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.done
}

// Err returns the failure passed to Fail, if any
func (q *Queue[T]) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

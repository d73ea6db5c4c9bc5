// Package memory provides queue implementations for local development and
// in-process worker pools.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrClosed is returned once the queue has been closed.
	ErrClosed = errors.New("queue closed")
	// ErrTimeout is returned by DequeueTimeout when nothing arrived in time.
	ErrTimeout = errors.New("dequeue timed out")
)

// Queue is a bounded in-memory FIFO with context-aware operations. Enqueue
// blocks while the queue is full.
type Queue[T any] struct {
	ch       chan T
	done     chan struct{}
	sendMu   sync.RWMutex
	closeMu  sync.Mutex
	closed   bool
	capacity int
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{
		ch:       make(chan T, capacity),
		done:     make(chan struct{}),
		capacity: capacity,
	}
}

// Enqueue pushes an item into the queue or returns if the context ends or the
// queue closes.
func (q *Queue[T]) Enqueue(ctx context.Context, item T) error {
	q.sendMu.RLock()
	defer q.sendMu.RUnlock()
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return ErrClosed
	case q.ch <- item:
		return nil
	}
}

// Dequeue pops the next item, respecting context cancellation. Items already
// queued are still delivered after Close.
func (q *Queue[T]) Dequeue(ctx context.Context) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item, ok := <-q.ch:
		if !ok {
			return zero, ErrClosed
		}
		return item, nil
	}
}

// DequeueTimeout is Dequeue bounded by timeout; it returns ErrTimeout when
// the queue stayed empty.
func (q *Queue[T]) DequeueTimeout(ctx context.Context, timeout time.Duration) (T, error) {
	var zero T
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return zero, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-timer.C:
		return zero, ErrTimeout
	case item, ok := <-q.ch:
		if !ok {
			return zero, ErrClosed
		}
		return item, nil
	}
}

// Len reports the number of queued items.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// Cap reports the queue capacity.
func (q *Queue[T]) Cap() int {
	return q.capacity
}

// Close stops admission and closes the underlying channel. Blocked producers
// are released with ErrClosed.
func (q *Queue[T]) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
	q.sendMu.Lock()
	close(q.ch)
	q.sendMu.Unlock()
}

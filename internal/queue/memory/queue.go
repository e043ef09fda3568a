// Package memory provides the bounded in-process queue that feeds the local
// worker pool.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/s2-index-exporter/internal/geoexport"
)

// ErrClosed is returned by Dequeue once the queue is closed and drained.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch      chan geoexport.Task
	closeMu sync.RWMutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		ch: make(chan geoexport.Task, capacity),
	}
}

// Enqueue pushes a task, blocking while the queue is full.
func (q *Queue) Enqueue(ctx context.Context, task geoexport.Task) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- task:
		return nil
	}
}

// Dequeue pops the next task, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (geoexport.Task, error) {
	select {
	case <-ctx.Done():
		return geoexport.Task{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case task, ok := <-q.ch:
		if !ok {
			return geoexport.Task{}, ErrClosed
		}
		return task, nil
	}
}

// Len reports the number of buffered tasks.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops further enqueues. Buffered tasks stay available to Dequeue
// and Drain.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}

// Drain closes the queue and returns every task still buffered.
func (q *Queue) Drain() []geoexport.Task {
	q.Close()
	var rest []geoexport.Task
	for task := range q.ch {
		rest = append(rest, task)
	}
	return rest
}

// Package memory provides the bounded in-process queue that feeds leaf
// segments from the partition walker to the worker pool.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/instrument-catalog/internal/catalog"
)

// ErrClosed is returned by Dequeue once the queue is closed and drained, and
// by Enqueue after Close.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded in-memory queue with context-aware operations. A full
// queue blocks producers, which is how the walker is back-pressured by slow
// workers.
type Queue struct {
	ch      chan catalog.Segment
	closeMu sync.RWMutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		ch: make(chan catalog.Segment, capacity),
	}
}

// Enqueue pushes a segment or returns if the context ends first.
func (q *Queue) Enqueue(ctx context.Context, seg catalog.Segment) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- seg:
		return nil
	}
}

// Dequeue pops the next segment. Items enqueued before Close are still
// delivered; ErrClosed follows once they are gone.
func (q *Queue) Dequeue(ctx context.Context) (catalog.Segment, error) {
	select {
	case <-ctx.Done():
		return catalog.Segment{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case seg, ok := <-q.ch:
		if !ok {
			return catalog.Segment{}, ErrClosed
		}
		return seg, nil
	}
}

// Len reports the number of buffered segments.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops producers. It waits for in-flight Enqueue calls to finish.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}

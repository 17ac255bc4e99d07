// Package memory provides queue implementations for local development.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/scrapegate/internal/scrape"
)

// ErrClosed is returned once the queue is closed and drained.
var ErrClosed = scrape.ErrQueueClosed

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch        chan scrape.QueueItem
	done      chan struct{}
	closeOnce sync.Once
}

var _ scrape.Queue = (*Queue)(nil)

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch:   make(chan scrape.QueueItem, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue pushes a task into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, item scrape.QueueItem) error {
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

// Dequeue pops the next task. Items buffered before Close are still handed out.
func (q *Queue) Dequeue(ctx context.Context) (scrape.QueueItem, error) {
	select {
	case item := <-q.ch:
		return item, nil
	default:
	}
	select {
	case <-ctx.Done():
		return scrape.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item := <-q.ch:
		return item, nil
	case <-q.done:
		select {
		case item := <-q.ch:
			return item, nil
		default:
			return scrape.QueueItem{}, ErrClosed
		}
	}
}

// Len reports the number of buffered tasks.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops accepting tasks. It is safe to call more than once.
func (q *Queue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}

package usecase

import (
	"context"
	"sync"

	"webhook-bridge/internal/domain"
)

// Queue is the bounded intake buffer between the gateway and the workers.
// Producers never block on it; workers block until a task arrives.
type Queue struct {
	mu     sync.RWMutex
	closed bool
	items  chan domain.Task
}

// NewQueue creates a queue holding at most capacity tasks. A zero capacity
// queue only hands tasks to a worker that is already waiting.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{items: make(chan domain.Task, capacity)}
}

// TryEnqueue offers task without blocking and reports whether it was taken.
func (q *Queue) TryEnqueue(task domain.Task) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	select {
	case q.items <- task:
		return true
	default:
		return false
	}
}

// Dequeue blocks until a task is available, the queue is closed and drained,
// or ctx is done.
func (q *Queue) Dequeue(ctx context.Context) (domain.Task, bool) {
	select {
	case task, ok := <-q.items:
		return task, ok
	case <-ctx.Done():
		return domain.Task{}, false
	}
}

// Close stops accepting tasks. Tasks already queued can still be dequeued.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.items)
}

func (q *Queue) Len() int { return len(q.items) }

func (q *Queue) Cap() int { return cap(q.items) }

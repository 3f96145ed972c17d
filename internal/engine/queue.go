package engine

import (
	"context"
	"sync"
)

// workQueue is an unbounded FIFO of tasks waiting for a worker.
type workQueue struct {
	mu         sync.Mutex
	items      []*Task
	unfinished int
	ready      chan struct{}
}

func newWorkQueue() *workQueue {
	return &workQueue{ready: make(chan struct{}, 1)}
}

func (q *workQueue) push(t *Task) {
	q.mu.Lock()
	q.items = append(q.items, t)
	q.unfinished++
	q.mu.Unlock()
	q.signal()
}

func (q *workQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// pop blocks until a task is available or ctx is done.
func (q *workQueue) pop(ctx context.Context) (*Task, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			t := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			// pass the wakeup on so other idle workers see the rest
			if more {
				q.signal()
			}
			return t, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.ready:
		}
	}
}

// done marks one popped item as fully processed.
func (q *workQueue) done() {
	q.mu.Lock()
	if q.unfinished > 0 {
		q.unfinished--
	}
	q.mu.Unlock()
}

func (q *workQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// pending counts items pushed but not yet marked done.
func (q *workQueue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.unfinished
}

package p2p

import (
	"context"
	"errors"
	"sync"
)

// DefaultQueueSize bounds each direction of a peer queue.
const DefaultQueueSize = 1024

// Queue errors.
var (
	ErrQueueFull   = errors.New("queue full")
	ErrQueueClosed = errors.New("queue closed")
)

// Queue is a bounded FIFO of byte frames. Waiters block on a notify channel
// that is closed and replaced on every push.
type Queue struct {
	mu     sync.Mutex
	items  [][]byte
	max    int
	notify chan struct{}
	closed bool
}

// NewQueue creates a queue holding at most max frames (0 = DefaultQueueSize).
func NewQueue(max int) *Queue {
	if max <= 0 {
		max = DefaultQueueSize
	}
	return &Queue{max: max}
}

// Push appends b. The queue keeps b; callers must not modify it afterwards.
func (q *Queue) Push(b []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if len(q.items) >= q.max {
		return ErrQueueFull
	}
	q.items = append(q.items, b)
	q.wake()
	return nil
}

// Pop removes the oldest frame without blocking.
func (q *Queue) Pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

// PopWait removes the oldest frame, blocking until one arrives, ctx is done
// or the queue is closed and drained.
func (q *Queue) PopWait(ctx context.Context) ([]byte, error) {
	for {
		q.mu.Lock()
		if b, ok := q.popLocked(); ok {
			q.mu.Unlock()
			return b, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		if q.notify == nil {
			q.notify = make(chan struct{})
		}
		ch := q.notify
		q.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len returns the number of queued frames.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close rejects further pushes and wakes all waiters. Queued frames can
// still be popped.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.wake()
}

func (q *Queue) popLocked() ([]byte, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	b := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return b, true
}

func (q *Queue) wake() {
	if q.notify != nil {
		close(q.notify)
		q.notify = nil
	}
}

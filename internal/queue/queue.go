// Package queue provides an unbounded FIFO queue for handing work to a single consumer goroutine.
package queue

import "sync"

// Queue is an unbounded FIFO queue. Push never blocks.
type Queue[T any] struct {
	m      sync.Mutex
	items  []T
	closed bool
	// ready has a token whenever items may be non-empty, and is closed by Close.
	ready chan struct{}
}

func New[T any]() *Queue[T] {
	return &Queue[T]{ready: make(chan struct{}, 1)}
}

// Push appends v. It returns false if the queue is closed.
func (q *Queue[T]) Push(v T) bool {
	q.m.Lock()
	defer q.m.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, v)
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

// Next blocks until an item is available and returns it. It returns false once the queue is closed.
func (q *Queue[T]) Next() (T, bool) {
	for {
		q.m.Lock()
		if q.closed {
			q.m.Unlock()
			var zero T
			return zero, false
		}
		if len(q.items) > 0 {
			v := q.items[0]
			var zero T
			q.items[0] = zero
			q.items = q.items[1:]
			q.m.Unlock()
			return v, true
		}
		q.m.Unlock()
		<-q.ready
	}
}

// Close discards queued items and wakes up Next.
func (q *Queue[T]) Close() {
	q.m.Lock()
	defer q.m.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.items = nil
	close(q.ready)
}

func (q *Queue[T]) Len() int {
	q.m.Lock()
	defer q.m.Unlock()
	return len(q.items)
}

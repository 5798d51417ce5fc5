package events

import (
	"sync"
	"sync/atomic"
)

// queue is a bounded hand-off between the request path and a sink worker.
// push never blocks: when the buffer is full the item is dropped.
type queue[T any] struct {
	mu      sync.RWMutex
	closed  bool
	ch      chan T
	done    chan struct{}
	dropped atomic.Uint64
}

func newQueue[T any](size int) *queue[T] {
	if size <= 0 {
		size = 1024
	}
	return &queue[T]{
		ch:   make(chan T, size),
		done: make(chan struct{}),
	}
}

func (q *queue[T]) push(v T) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		q.dropped.Add(1)
		return false
	}

	select {
	case q.ch <- v:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// close stops accepting items and waits for the worker to finish draining.
func (q *queue[T]) close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	q.mu.Unlock()
	<-q.done
}

package controller

import "sync"

// queue is an unbounded FIFO of closures feeding the controller loop.
// push never blocks, so bus callbacks may post from any goroutine, including
// the loop itself.
type queue struct {
	mu     sync.Mutex
	items  []func()
	closed bool
	wake   chan struct{}
}

func newQueue() *queue {
	return &queue{wake: make(chan struct{}, 1)}
}

func (q *queue) push(fn func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

func (q *queue) popAll() []func() {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items
	q.items = nil
	return items
}

// close refuses further pushes and returns whatever was still queued.
func (q *queue) close() []func() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	items := q.items
	q.items = nil
	return items
}

package queue

import "sync"

// Queue is a bounded FIFO ring. One slot is kept free to tell full from empty.
type Queue[T any] struct {
	mu         sync.Mutex
	buf        []T
	head, tail int
}

func New[T any](size int) *Queue[T] {
	q := &Queue[T]{}
	q.Init(size)
	return q
}

// Init allocates room for size-1 elements.
func (q *Queue[T]) Init(size int) {
	if size < 2 {
		size = 2
	}
	q.buf = make([]T, size)
	q.head, q.tail = 0, 0
}

func (q *Queue[T]) TryPush(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	next := (q.head + 1) % len(q.buf)
	if next == q.tail { // full
		return false
	}
	q.buf[q.head] = v
	q.head = next
	return true
}

func (q *Queue[T]) TryPop() (v T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.head == q.tail {
		return v, false
	}
	v = q.buf[q.tail]
	var zero T
	q.buf[q.tail] = zero
	q.tail = (q.tail + 1) % len(q.buf)
	return v, true
}

// Drain pops everything currently queued.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []T
	var zero T
	for q.head != q.tail {
		out = append(out, q.buf[q.tail])
		q.buf[q.tail] = zero
		q.tail = (q.tail + 1) % len(q.buf)
	}
	return out
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return (q.head - q.tail + len(q.buf)) % len(q.buf)
}

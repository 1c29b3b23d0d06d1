// staticqueue.go
//
// Fixed-capacity value ring. Unlike idqueue this form copies elements in
// and out and knows nothing about identities: it is the plain bounded
// FIFO for callers that only ever touch the ends. Head and size index a
// preallocated buffer, so no allocation happens after construction. Not
// safe for concurrent use.

package staticqueue

import "errors"

var (
	ErrFull  = errors.New("staticqueue: queue full")
	ErrEmpty = errors.New("staticqueue: empty queue")
)

// Queue is a bounded FIFO of values.
type Queue[T any] struct {
	buf  []T
	head int
	size int
}

// New allocates a ring holding up to capacity values; negative capacity
// panics.
func New[T any](capacity int) *Queue[T] {
	if capacity < 0 {
		panic("staticqueue: negative capacity")
	}
	return &Queue[T]{buf: make([]T, capacity)}
}

// Push copies v into the tail slot.
//
//go:nosplit
func (q *Queue[T]) Push(v T) error {
	if q.size == len(q.buf) {
		return ErrFull
	}
	q.buf[(q.head+q.size)%len(q.buf)] = v
	q.size++
	return nil
}

// Pop removes and returns the oldest value. The vacated slot is zeroed so
// the ring never pins references the caller has consumed.
//
//go:nosplit
func (q *Queue[T]) Pop() (T, error) {
	var zero T
	if q.size == 0 {
		return zero, ErrEmpty
	}
	v := q.buf[q.head]
	q.buf[q.head] = zero
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	return v, nil
}

// Peek returns the oldest value without removing it.
//
//go:nosplit
func (q *Queue[T]) Peek() (T, error) {
	var zero T
	if q.size == 0 {
		return zero, ErrEmpty
	}
	return q.buf[q.head], nil
}

func (q *Queue[T]) Size() int   { return q.size }
func (q *Queue[T]) Cap() int    { return len(q.buf) }
func (q *Queue[T]) Empty() bool { return q.size == 0 }
func (q *Queue[T]) Full() bool  { return q.size == len(q.buf) }

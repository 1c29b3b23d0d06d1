// Package timeoutqueue wraps an idqueue.Queue for cross-goroutine use.
// Mutual exclusion and consumer wakeup are pluggable: the default form
// runs on a sync.Mutex and a channel-backed counting semaphore, and a
// no-op form keeps the same API for single-goroutine callers. Pop blocks
// with a signed timeout; every other operation locks, delegates, and
// unlocks.
package timeoutqueue

import (
	"errors"
	"sync"
	"time"

	"github.com/paulbrucker/containerqueue/idqueue"
)

// The wrapper forwards the inner queue's errors unchanged.
var (
	ErrFull      = idqueue.ErrFull
	ErrEmpty     = idqueue.ErrEmpty
	ErrNil       = idqueue.ErrNil
	ErrDuplicate = idqueue.ErrDuplicate
	ErrNotFound  = idqueue.ErrNotFound
	ErrInvalidID = idqueue.ErrInvalidID

	// ErrTimeout reports an expired wait on layers built above the queue.
	// Pop itself reports ErrEmpty when the timeout lapses: an expired wait
	// and an empty queue are the same observation at this level.
	ErrTimeout = errors.New("timeoutqueue: wait expired")
)

// Queue is the synchronized form of idqueue.Queue.
type Queue[T idqueue.Item] struct {
	mu    sync.Locker
	sem   Semaphore
	inner *idqueue.Queue[T]
	ready func() bool // allocated once; reports inner non-empty
}

// New returns a queue guarded by a sync.Mutex with a channel semaphore
// sized to capacity.
func New[T idqueue.Item](capacity int) *Queue[T] {
	return NewWith[T](capacity, new(sync.Mutex), NewSemaphore(capacity))
}

// NewUnsynchronized returns a queue on no-op primitives: no locking, and
// Pop polls once regardless of its timeout.
func NewUnsynchronized[T idqueue.Item](capacity int) *Queue[T] {
	return NewWith[T](capacity, NopLocker{}, NopSemaphore{})
}

// NewWith builds a queue on caller-supplied primitives. capacity follows
// the idqueue.New bounds.
func NewWith[T idqueue.Item](capacity int, mu sync.Locker, sem Semaphore) *Queue[T] {
	q := &Queue[T]{mu: mu, sem: sem, inner: idqueue.New[T](capacity)}
	q.ready = func() bool { return !q.inner.Empty() }
	return q
}

// Push appends v at the tail. The waiter signal is sent after the lock is
// released so a woken consumer never collides with the producer's
// critical section.
func (q *Queue[T]) Push(v T) error {
	q.mu.Lock()
	err := q.inner.Push(v)
	q.mu.Unlock()
	if err != nil {
		return err
	}
	q.sem.Notify()
	return nil
}

// Pop removes and returns the oldest element, waiting up to d for one to
// arrive: d < 0 waits indefinitely, d == 0 polls once, d > 0 bounds the
// wait. An expired or empty poll reports ErrEmpty.
func (q *Queue[T]) Pop(d time.Duration) (T, error) {
	q.mu.Lock()
	if !q.sem.Wait(q.mu, q.ready, d) {
		var zero T
		return zero, ErrEmpty
	}
	// the semaphore returned holding the lock with an element present
	v, err := q.inner.Pop()
	q.mu.Unlock()
	return v, err
}

// TryPop is Pop with a single poll.
func (q *Queue[T]) TryPop() (T, error) {
	return q.Pop(0)
}

// Front returns the oldest element without removing it.
func (q *Queue[T]) Front() (T, error) {
	q.mu.Lock()
	v, err := q.inner.Front()
	q.mu.Unlock()
	return v, err
}

// Remove takes v out of the queue wherever it sits.
func (q *Queue[T]) Remove(v T) error {
	q.mu.Lock()
	err := q.inner.Remove(v)
	q.mu.Unlock()
	return err
}

// RemoveID takes the element with the given identity out of the queue.
func (q *Queue[T]) RemoveID(id uint16) error {
	q.mu.Lock()
	err := q.inner.RemoveID(id)
	q.mu.Unlock()
	return err
}

func (q *Queue[T]) Size() int {
	q.mu.Lock()
	n := q.inner.Size()
	q.mu.Unlock()
	return n
}

func (q *Queue[T]) Cap() int {
	q.mu.Lock()
	n := q.inner.Cap()
	q.mu.Unlock()
	return n
}

func (q *Queue[T]) Empty() bool {
	q.mu.Lock()
	ok := q.inner.Empty()
	q.mu.Unlock()
	return ok
}

func (q *Queue[T]) Full() bool {
	q.mu.Lock()
	ok := q.inner.Full()
	q.mu.Unlock()
	return ok
}

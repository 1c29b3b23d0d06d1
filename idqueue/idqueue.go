// Package idqueue is a fixed-capacity, duplicate-free FIFO over externally
// owned elements with a dense integer identity. The order list is threaded
// through a preallocated slot table as uint16 links, so push, pop, peek,
// and removal of any enqueued element by identity are all O(1) with no
// heap use after construction.
package idqueue

import (
	"errors"

	"github.com/paulbrucker/containerqueue/constants"
)

// nilID terminates the order list. It is never a valid identity: New caps
// capacity at 65535 so identity 0xFFFF cannot occur.
const nilID uint16 = ^uint16(0)

// Item is the contract for queue elements. QueueID reports a dense
// identity in [0, capacity) that must stay constant while the element is
// enqueued. Elements are reference types owned by the caller; the zero
// value marks an absent element and is rejected by Push.
type Item interface {
	comparable
	QueueID() uint16
}

var (
	ErrFull      = errors.New("idqueue: queue full")
	ErrEmpty     = errors.New("idqueue: empty queue")
	ErrNil       = errors.New("idqueue: nil element")
	ErrDuplicate = errors.New("idqueue: id already enqueued")
	ErrNotFound  = errors.New("idqueue: element not enqueued")
	ErrInvalidID = errors.New("idqueue: id out of range")
)

// slot is one entry of the table, indexed by element identity. A slot is
// occupied iff val is non-zero; links of free slots are never consulted.
type slot[T Item] struct {
	prev, next uint16
	val        T
}

// Queue is the unsynchronized form. Wrap it in timeoutqueue for
// cross-goroutine use.
type Queue[T Item] struct {
	slots []slot[T]
	head  uint16
	tail  uint16
	size  int
}

// New allocates the slot table once. capacity outside
// [0, constants.MaxQueueCapacity] is a programmer error and panics; every
// later operation reports misuse through its error instead.
func New[T Item](capacity int) *Queue[T] {
	if capacity < 0 || capacity > constants.MaxQueueCapacity {
		panic("idqueue: capacity must be in [0, 65535]")
	}
	q := &Queue[T]{
		slots: make([]slot[T], capacity),
		head:  nilID,
		tail:  nilID,
	}
	for i := range q.slots {
		q.slots[i].prev = nilID
		q.slots[i].next = nilID
	}
	return q
}

// Push appends v at the tail. Checks run in fixed order: capacity first,
// then the element reference, its identity range, and finally occupancy.
//
//go:nosplit
func (q *Queue[T]) Push(v T) error {
	if q.size == len(q.slots) {
		return ErrFull
	}
	var zero T
	if v == zero {
		return ErrNil
	}
	id := v.QueueID()
	if int(id) >= len(q.slots) {
		return ErrInvalidID
	}
	s := &q.slots[id]
	if s.val != zero {
		return ErrDuplicate
	}
	s.val = v
	s.prev = q.tail
	s.next = nilID
	if q.tail == nilID {
		q.head = id
	} else {
		q.slots[q.tail].next = id
	}
	q.tail = id
	q.size++
	return nil
}

// Front returns the oldest element without removing it.
//
//go:nosplit
func (q *Queue[T]) Front() (T, error) {
	var zero T
	if q.size == 0 {
		return zero, ErrEmpty
	}
	return q.slots[q.head].val, nil
}

// Pop removes and returns the oldest element.
//
//go:nosplit
func (q *Queue[T]) Pop() (T, error) {
	var zero T
	if q.size == 0 {
		return zero, ErrEmpty
	}
	id := q.head
	v := q.slots[id].val
	q.unlink(id)
	return v, nil
}

// Remove takes v itself out of the queue, wherever it sits. Queue
// emptiness dominates the identity checks, and a slot occupied by a
// different element with the same identity reports ErrNotFound rather
// than evicting the impostor.
func (q *Queue[T]) Remove(v T) error {
	if q.size == 0 {
		return ErrEmpty
	}
	var zero T
	if v == zero {
		return ErrNil
	}
	id := v.QueueID()
	if int(id) >= len(q.slots) {
		return ErrInvalidID
	}
	if q.slots[id].val != v {
		return ErrNotFound
	}
	q.unlink(id)
	return nil
}

// RemoveID takes the element with the given identity out of the queue.
// Check order matches Remove: emptiness, then range, then occupancy.
func (q *Queue[T]) RemoveID(id uint16) error {
	if q.size == 0 {
		return ErrEmpty
	}
	if int(id) >= len(q.slots) {
		return ErrInvalidID
	}
	var zero T
	if q.slots[id].val == zero {
		return ErrNotFound
	}
	q.unlink(id)
	return nil
}

// unlink splices slot id out of the order list and clears it. Dropping
// the element reference here keeps the queue from pinning caller memory.
//
//go:nosplit
func (q *Queue[T]) unlink(id uint16) {
	s := &q.slots[id]
	if s.prev == nilID {
		q.head = s.next
	} else {
		q.slots[s.prev].next = s.next
	}
	if s.next == nilID {
		q.tail = s.prev
	} else {
		q.slots[s.next].prev = s.prev
	}
	var zero T
	s.prev, s.next = nilID, nilID
	s.val = zero
	q.size--
}

func (q *Queue[T]) Size() int   { return q.size }
func (q *Queue[T]) Cap() int    { return len(q.slots) }
func (q *Queue[T]) Empty() bool { return q.size == 0 }
func (q *Queue[T]) Full() bool  { return q.size == len(q.slots) }

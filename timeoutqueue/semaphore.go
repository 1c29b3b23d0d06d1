// semaphore.go
//
// Wakeup primitives for the blocking queue wrapper. The queue is generic
// over a sync.Locker and a Semaphore so callers can run it on a real
// mutex and channel semaphore, a busy-poll loop, or no-op primitives for
// single-goroutine use. All three forms ship below.

package timeoutqueue

import (
	"runtime"
	"sync"
	"time"
)

// Semaphore blocks consumers until a producer signals progress.
//
// Wait is entered with mu held and pred false-or-unknown. The timeout is
// signed: d < 0 waits indefinitely, d == 0 polls pred once, d > 0 bounds
// the wait. The return value encodes the lock state: on true mu is still
// held and pred was observed true inside the current critical section, so
// the caller may consume it before unlocking; on false mu has been
// released and the caller must not touch protected state.
type Semaphore interface {
	Notify()
	Wait(mu sync.Locker, pred func() bool, d time.Duration) bool
}

// NopLocker satisfies sync.Locker without doing anything. Pairs with
// NopSemaphore for single-goroutine queues.
type NopLocker struct{}

func (NopLocker) Lock()   {}
func (NopLocker) Unlock() {}

// NopSemaphore never sleeps: Wait degenerates to a single predicate poll
// for every timeout value, which is the defined behavior for queues that
// have no producer to wait on.
type NopSemaphore struct{}

func (NopSemaphore) Notify() {}

func (NopSemaphore) Wait(mu sync.Locker, pred func() bool, _ time.Duration) bool {
	if pred() {
		return true
	}
	mu.Unlock()
	return false
}

// ChanSemaphore counts notifies in a buffered channel. The buffer is sized
// to the queue capacity so a burst of pushes can never coalesce below the
// number of elements available; stale tokens only cause a benign re-check.
type ChanSemaphore struct {
	tokens chan struct{}
}

// NewSemaphore returns a counting semaphore able to hold up to n pending
// notifies.
func NewSemaphore(n int) *ChanSemaphore {
	return &ChanSemaphore{tokens: make(chan struct{}, max(n, 1))}
}

// Notify releases one waiter. When the buffer is already full the token is
// dropped: enough wakeups are pending to re-check every waiter.
func (s *ChanSemaphore) Notify() {
	select {
	case s.tokens <- struct{}{}:
	default:
	}
}

func (s *ChanSemaphore) Wait(mu sync.Locker, pred func() bool, d time.Duration) bool {
	if pred() {
		return true
	}
	if d == 0 {
		mu.Unlock()
		return false
	}
	if d < 0 {
		for {
			mu.Unlock()
			<-s.tokens
			mu.Lock()
			if pred() {
				return true
			}
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		mu.Unlock()
		select {
		case <-s.tokens:
			mu.Lock()
			if pred() {
				return true
			}
		case <-timer.C:
			// one last look: a notify can land between expiry and relock
			mu.Lock()
			if pred() {
				return true
			}
			mu.Unlock()
			return false
		}
	}
}

// SpinSemaphore trades CPU for latency: waiters poll the predicate with
// the lock dropped between probes instead of parking on a channel. Meant
// for pinned worker setups where the producer is never far behind.
type SpinSemaphore struct{}

func (SpinSemaphore) Notify() {}

func (SpinSemaphore) Wait(mu sync.Locker, pred func() bool, d time.Duration) bool {
	if pred() {
		return true
	}
	if d == 0 {
		mu.Unlock()
		return false
	}
	var deadline time.Time
	if d > 0 {
		deadline = time.Now().Add(d)
	}
	for {
		mu.Unlock()
		runtime.Gosched()
		mu.Lock()
		if pred() {
			return true
		}
		if d > 0 && !time.Now().Before(deadline) {
			mu.Unlock()
			return false
		}
	}
}

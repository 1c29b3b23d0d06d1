// ════════════════════════════════════════════════════════════════════════════════════════════════
// In-Flight Operation Tracker
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: Container Queue
// Component: Deadline-Ordered Resource Tracker
//
// Description:
//   Tracks operations between open and settlement on top of the blocking unique-ID queue. Every
//   operation borrows a dense identity from a preallocated desk, carries a uniform TTL, and sits
//   in the queue in deadline order until completed, cancelled, or swept out as expired.
//   Settlements stream into a SQLite journal in batched transactions.
//
// Features:
//   - Dense identity desk with O(1) borrow and return
//   - Front-only expiry sweep: uniform TTL keeps queue order equal to deadline order
//   - Batched SQLite journal with JSON payload encoding
//   - Periodic progress line through the debug sink
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package inflight

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/paulbrucker/containerqueue/constants"
	"github.com/paulbrucker/containerqueue/debug"
	"github.com/paulbrucker/containerqueue/idqueue"
	"github.com/paulbrucker/containerqueue/timeoutqueue"
	"github.com/paulbrucker/containerqueue/utils"

	"github.com/sugawarayuuta/sonnet"
)

// ErrSaturated reports an Open with every identity in use.
var ErrSaturated = idqueue.ErrFull

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// OPERATIONS AND OUTCOMES
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Outcome is the terminal state of a tracked operation.
type Outcome uint8

const (
	OutcomePending Outcome = iota
	OutcomeCompleted
	OutcomeCancelled
	OutcomeExpired
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeExpired:
		return "expired"
	default:
		return "pending"
	}
}

// Op is one tracked operation. The tracker owns the identity; the caller
// holds the *Op from Open until it settles the operation or stops caring.
// Fields are written once at Open and must be treated as read-only.
type Op struct {
	id        uint16
	Label     string
	OpenedAt  time.Time
	Deadline  time.Time
	payload   []byte
	outcome   Outcome
	settledAt time.Time
	done      chan struct{}
}

// QueueID satisfies idqueue.Item.
func (o *Op) QueueID() uint16 { return o.id }

// ID reports the dense identity borrowed for this operation.
func (o *Op) ID() uint16 { return o.id }

// Payload returns the JSON encoding captured at Open.
func (o *Op) Payload() []byte { return o.payload }

// Done is closed when the operation settles, whichever way.
func (o *Op) Done() <-chan struct{} { return o.done }

// Outcome reports the terminal state, or OutcomePending while the
// operation is still in flight.
func (o *Op) Outcome() Outcome {
	select {
	case <-o.done:
		return o.outcome
	default:
		return OutcomePending
	}
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// TRACKER
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Tracker issues identities, keeps open operations in deadline order, and
// journals every settlement.
type Tracker struct {
	ttl     time.Duration
	pending *timeoutqueue.Queue[*Op]
	journal *journal

	mu   sync.Mutex
	free []uint16 // identity desk, popped from the tail

	opened    int64
	completed int64
	cancelled int64
	expired   int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Stats is a point-in-time counter snapshot.
type Stats struct {
	Opened    int64
	Completed int64
	Cancelled int64
	Expired   int64
	Pending   int64
}

// New starts a tracker with the given identity capacity and uniform TTL
// (ttl <= 0 selects constants.DefaultOpTTL). journalPath names the SQLite
// file; an empty path keeps the journal in memory. The tracker stops when
// ctx is cancelled or Close is called.
func New(ctx context.Context, capacity int, ttl time.Duration, journalPath string) (*Tracker, error) {
	if capacity <= 0 || capacity > constants.MaxQueueCapacity {
		return nil, fmt.Errorf("inflight: capacity %d out of range", capacity)
	}
	if ttl <= 0 {
		ttl = constants.DefaultOpTTL
	}
	jr, err := openJournal(journalPath)
	if err != nil {
		return nil, fmt.Errorf("inflight: open journal: %w", err)
	}

	cctx, cancel := context.WithCancel(ctx)
	t := &Tracker{
		ttl:     ttl,
		pending: timeoutqueue.New[*Op](capacity),
		journal: jr,
		free:    make([]uint16, capacity),
		ctx:     cctx,
		cancel:  cancel,
	}
	for i := range t.free {
		t.free[i] = uint16(capacity - 1 - i) // first borrow hands out id 0
	}

	t.wg.Add(2)
	go t.sweep()
	go t.reportStatistics()
	return t, nil
}

// Open borrows an identity, stamps the deadline, and enqueues the
// operation. payload is encoded to JSON up front so a bad payload fails
// here and not at settlement.
func (t *Tracker) Open(label string, payload any) (*Op, error) {
	js, err := sonnet.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("inflight: encode payload: %w", err)
	}
	id, ok := t.borrowID()
	if !ok {
		return nil, ErrSaturated
	}
	now := time.Now()
	op := &Op{
		id:       id,
		Label:    label,
		OpenedAt: now,
		Deadline: now.Add(t.ttl),
		payload:  js,
		done:     make(chan struct{}),
	}
	if err := t.pending.Push(op); err != nil {
		t.returnID(id)
		return nil, err
	}
	atomic.AddInt64(&t.opened, 1)
	return op, nil
}

// Complete settles op as successful. A second settlement of the same op,
// or one racing the sweeper, reports ErrNotFound from the queue.
func (t *Tracker) Complete(op *Op) error {
	return t.settle(op, OutcomeCompleted, &t.completed)
}

// Cancel settles op as abandoned by its owner.
func (t *Tracker) Cancel(op *Op) error {
	return t.settle(op, OutcomeCancelled, &t.cancelled)
}

func (t *Tracker) settle(op *Op, oc Outcome, counter *int64) error {
	if op == nil {
		return idqueue.ErrNil
	}
	// queue removal is the ownership arbiter: exactly one settler wins
	if err := t.pending.Remove(op); err != nil {
		return err
	}
	t.finalize(op, oc)
	atomic.AddInt64(counter, 1)
	return nil
}

// Await blocks until op settles or d lapses: d < 0 waits indefinitely,
// d == 0 polls once, d > 0 bounds the wait. An expired wait reports
// timeoutqueue.ErrTimeout; the operation itself stays untouched.
func (t *Tracker) Await(op *Op, d time.Duration) error {
	if op == nil {
		return idqueue.ErrNil
	}
	select {
	case <-op.done:
		return nil
	default:
	}
	if d == 0 {
		return timeoutqueue.ErrTimeout
	}
	if d < 0 {
		<-op.done
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-op.done:
		return nil
	case <-timer.C:
		return timeoutqueue.ErrTimeout
	}
}

// Pending reports how many operations are currently open.
func (t *Tracker) Pending() int { return t.pending.Size() }

// Stats returns the counter snapshot.
func (t *Tracker) Stats() Stats {
	return Stats{
		Opened:    atomic.LoadInt64(&t.opened),
		Completed: atomic.LoadInt64(&t.completed),
		Cancelled: atomic.LoadInt64(&t.cancelled),
		Expired:   atomic.LoadInt64(&t.expired),
		Pending:   int64(t.pending.Size()),
	}
}

// ExportJSON writes every journaled settlement as one JSON object per
// line, in sequence order.
func (t *Tracker) ExportJSON(w io.Writer) error { return t.journal.exportJSON(w) }

// ImportJSON loads records previously written by ExportJSON into the
// journal, preserving their sequence numbers.
func (t *Tracker) ImportJSON(r io.Reader) error { return t.journal.importJSON(r) }

// Close stops the sweeper and stats loop, settles everything still
// pending as cancelled, and flushes and closes the journal. Close is
// idempotent.
func (t *Tracker) Close() error {
	t.cancel()
	t.wg.Wait()
	for {
		op, err := t.pending.Pop(0)
		if err != nil {
			break
		}
		t.finalize(op, OutcomeCancelled)
		atomic.AddInt64(&t.cancelled, 1)
	}
	return t.journal.close(t.Stats())
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// IDENTITY DESK
// ═══════════════════════════════════════════════════════════════════════════════════════════════

func (t *Tracker) borrowID() (uint16, bool) {
	t.mu.Lock()
	if len(t.free) == 0 {
		t.mu.Unlock()
		return 0, false
	}
	id := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]
	t.mu.Unlock()
	return id, true
}

func (t *Tracker) returnID(id uint16) {
	t.mu.Lock()
	t.free = append(t.free, id)
	t.mu.Unlock()
}

// finalize closes out an op the caller exclusively owns after removing it
// from the queue.
func (t *Tracker) finalize(op *Op, oc Outcome) {
	op.outcome = oc
	op.settledAt = time.Now()
	close(op.done)
	t.returnID(op.id)
	t.journal.record(op)
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// EXPIRY SWEEP AND PROGRESS REPORTING
// ═══════════════════════════════════════════════════════════════════════════════════════════════

func (t *Tracker) sweep() {
	defer t.wg.Done()
	ticker := time.NewTicker(constants.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.expireDue(time.Now())
		case <-t.ctx.Done():
			return
		}
	}
}

// expireDue retires every due operation at the front of the queue.
// Deadlines behind the front are never earlier, so the first not-due
// front ends the pass.
func (t *Tracker) expireDue(now time.Time) {
	for {
		op, err := t.pending.Front()
		if err != nil {
			return
		}
		if op.Deadline.After(now) {
			return
		}
		if t.pending.Remove(op) != nil {
			continue // settled between peek and removal; look again
		}
		t.finalize(op, OutcomeExpired)
		atomic.AddInt64(&t.expired, 1)
	}
}

func (t *Tracker) reportStatistics() {
	defer t.wg.Done()
	ticker := time.NewTicker(constants.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s := t.Stats()
			debug.DropMessage("INFLIGHT", utils.Itoa(int(s.Pending))+" pending, "+
				utils.Itoa(int(s.Completed))+" completed, "+
				utils.Itoa(int(s.Expired))+" expired, "+
				utils.Itoa(int(s.Cancelled))+" cancelled")

		case <-t.ctx.Done():
			return
		}
	}
}

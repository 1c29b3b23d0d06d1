package inflight

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/paulbrucker/containerqueue/idqueue"
	"github.com/paulbrucker/containerqueue/timeoutqueue"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/sha3"
)

type transfer struct {
	Amount int    `json:"amount"`
	Asset  string `json:"asset"`
}

// makeLabel derives a deterministic hex label from a single seed byte.
func makeLabel(seed byte) string {
	hash := sha3.Sum256([]byte{seed})
	var hexBuf [64]byte
	hex.Encode(hexBuf[:], hash[:])
	return string(hexBuf[:40])
}

func newTestTracker(t *testing.T, capacity int, ttl time.Duration, path string) *Tracker {
	t.Helper()
	tr, err := New(context.Background(), capacity, ttl, path)
	if err != nil {
		t.Fatalf("New(%d) failed: %v", capacity, err)
	}
	return tr
}

func expectError(t *testing.T, got, want error) {
	t.Helper()
	if !errors.Is(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestOpenCompleteWritesJournalRow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	tr := newTestTracker(t, 8, time.Minute, path)

	op, err := tr.Open("transfer", transfer{Amount: 5, Asset: "usd"})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if op.ID() != 0 {
		t.Fatalf("first identity = %d, want 0", op.ID())
	}
	if err := tr.Complete(op); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if got := op.Outcome(); got != OutcomeCompleted {
		t.Fatalf("outcome = %v, want completed", got)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("reopen journal: %v", err)
	}
	defer db.Close()

	var label, outcome, payload string
	err = db.QueryRow(`SELECT label, outcome, payload FROM op_journal WHERE seq = 1`).
		Scan(&label, &outcome, &payload)
	if err != nil {
		t.Fatalf("journal row missing: %v", err)
	}
	if label != "transfer" || outcome != "completed" {
		t.Fatalf("journal row = (%q, %q), want (transfer, completed)", label, outcome)
	}
	if payload != `{"amount":5,"asset":"usd"}` {
		t.Fatalf("payload = %q", payload)
	}

	var opened, completed int64
	err = db.QueryRow(`SELECT opened, completed FROM tracker_meta WHERE id = 1`).
		Scan(&opened, &completed)
	if err != nil {
		t.Fatalf("meta row missing: %v", err)
	}
	if opened != 1 || completed != 1 {
		t.Fatalf("meta counters = (%d, %d), want (1, 1)", opened, completed)
	}
}

func TestCancel(t *testing.T) {
	tr := newTestTracker(t, 4, time.Minute, "")
	defer tr.Close()

	op, err := tr.Open("upload", transfer{Amount: 1, Asset: "eth"})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := tr.Cancel(op); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if got := op.Outcome(); got != OutcomeCancelled {
		t.Fatalf("outcome = %v, want cancelled", got)
	}
	s := tr.Stats()
	if s.Cancelled != 1 || s.Pending != 0 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestExpiry(t *testing.T) {
	tr := newTestTracker(t, 4, 20*time.Millisecond, "")
	defer tr.Close()

	op, err := tr.Open("slow", transfer{Amount: 9, Asset: "btc"})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := tr.Await(op, time.Second); err != nil {
		t.Fatalf("Await failed: %v", err)
	}
	if got := op.Outcome(); got != OutcomeExpired {
		t.Fatalf("outcome = %v, want expired", got)
	}
	expectError(t, tr.Complete(op), idqueue.ErrEmpty)
}

func TestAwaitTimeout(t *testing.T) {
	tr := newTestTracker(t, 4, time.Minute, "")
	defer tr.Close()

	op, err := tr.Open("pending", transfer{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	expectError(t, tr.Await(op, 0), timeoutqueue.ErrTimeout)

	start := time.Now()
	expectError(t, tr.Await(op, 30*time.Millisecond), timeoutqueue.ErrTimeout)
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("bounded Await returned after %v", elapsed)
	}
	if got := op.Outcome(); got != OutcomePending {
		t.Fatalf("outcome = %v, want pending after timed-out waits", got)
	}

	if err := tr.Complete(op); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if err := tr.Await(op, 0); err != nil {
		t.Fatalf("Await after settlement: %v", err)
	}
}

func TestAwaitBlocksUntilSettled(t *testing.T) {
	tr := newTestTracker(t, 4, time.Minute, "")
	defer tr.Close()

	op, err := tr.Open("handoff", transfer{Amount: 2})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	go func() {
		time.Sleep(20 * time.Millisecond)
		tr.Complete(op)
	}()
	if err := tr.Await(op, -1); err != nil {
		t.Fatalf("indefinite Await failed: %v", err)
	}
	if got := op.Outcome(); got != OutcomeCompleted {
		t.Fatalf("outcome = %v, want completed", got)
	}
}

func TestStaleSettle(t *testing.T) {
	tr := newTestTracker(t, 4, time.Minute, "")
	defer tr.Close()

	first, err := tr.Open("first", transfer{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	second, err := tr.Open("second", transfer{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if err := tr.Complete(first); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	// second settlement of the same op loses the removal race
	expectError(t, tr.Complete(first), idqueue.ErrNotFound)
	expectError(t, tr.Cancel(first), idqueue.ErrNotFound)

	if err := tr.Complete(second); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	// with nothing left pending, emptiness dominates the stale check
	expectError(t, tr.Complete(second), idqueue.ErrEmpty)

	s := tr.Stats()
	if s.Completed != 2 || s.Cancelled != 0 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestSaturationAndIdentityReuse(t *testing.T) {
	tr := newTestTracker(t, 3, time.Minute, "")
	defer tr.Close()

	ops := make([]*Op, 3)
	for i := range ops {
		op, err := tr.Open("op", transfer{Amount: i})
		if err != nil {
			t.Fatalf("Open %d failed: %v", i, err)
		}
		ops[i] = op
	}
	_, err := tr.Open("overflow", transfer{})
	expectError(t, err, ErrSaturated)

	if err := tr.Complete(ops[1]); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	reopened, err := tr.Open("reuse", transfer{})
	if err != nil {
		t.Fatalf("Open after settlement failed: %v", err)
	}
	if reopened.ID() != ops[1].ID() {
		t.Fatalf("reused identity = %d, want %d", reopened.ID(), ops[1].ID())
	}
}

func TestNilOpArguments(t *testing.T) {
	tr := newTestTracker(t, 2, time.Minute, "")
	defer tr.Close()

	expectError(t, tr.Complete(nil), idqueue.ErrNil)
	expectError(t, tr.Cancel(nil), idqueue.ErrNil)
	expectError(t, tr.Await(nil, 0), idqueue.ErrNil)
}

func TestCloseCancelsPending(t *testing.T) {
	tr := newTestTracker(t, 4, time.Minute, "")

	a, err := tr.Open("a", transfer{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	b, err := tr.Open("b", transfer{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if a.Outcome() != OutcomeCancelled || b.Outcome() != OutcomeCancelled {
		t.Fatalf("outcomes = %v, %v, want cancelled", a.Outcome(), b.Outcome())
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

func TestOutcomeString(t *testing.T) {
	tests := []struct {
		outcome  Outcome
		expected string
	}{
		{OutcomePending, "pending"},
		{OutcomeCompleted, "completed"},
		{OutcomeCancelled, "cancelled"},
		{OutcomeExpired, "expired"},
	}
	for _, tt := range tests {
		if got := tt.outcome.String(); got != tt.expected {
			t.Errorf("Outcome(%d).String() = %q, want %q", tt.outcome, got, tt.expected)
		}
	}
}

func TestTrackerStress(t *testing.T) {
	const (
		workers   = 8
		perWorker = 200
		cancelMod = 3
	)
	tr := newTestTracker(t, 64, time.Minute, "")

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			label := makeLabel(byte(w))
			for n := 0; n < perWorker; n++ {
				op, err := tr.Open(label, transfer{Amount: n, Asset: "usd"})
				if err != nil {
					// saturated under load; let a settlement free an identity
					time.Sleep(time.Millisecond)
					n--
					continue
				}
				if n%cancelMod == 0 {
					tr.Cancel(op)
				} else {
					tr.Complete(op)
				}
			}
		}(w)
	}
	wg.Wait()

	s := tr.Stats()
	if s.Opened != workers*perWorker {
		t.Fatalf("opened = %d, want %d", s.Opened, workers*perWorker)
	}
	if s.Completed+s.Cancelled != s.Opened {
		t.Fatalf("settled = %d, want %d", s.Completed+s.Cancelled, s.Opened)
	}
	if s.Pending != 0 || s.Expired != 0 {
		t.Fatalf("stats = %+v", s)
	}

	var out bytes.Buffer
	if err := tr.ExportJSON(&out); err != nil {
		t.Fatalf("ExportJSON failed: %v", err)
	}
	lines := bytes.Count(out.Bytes(), []byte{'\n'})
	if int64(lines) != s.Opened {
		t.Fatalf("journal lines = %d, want %d", lines, s.Opened)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestExpiryBatch(t *testing.T) {
	const n = 16
	tr := newTestTracker(t, n, 15*time.Millisecond, "")
	defer tr.Close()

	ops := make([]*Op, n)
	for i := range ops {
		op, err := tr.Open("batch", transfer{Amount: i})
		if err != nil {
			t.Fatalf("Open %d failed: %v", i, err)
		}
		ops[i] = op
	}
	for i, op := range ops {
		if err := tr.Await(op, time.Second); err != nil {
			t.Fatalf("Await %d failed: %v", i, err)
		}
		if got := op.Outcome(); got != OutcomeExpired {
			t.Fatalf("outcome %d = %v, want expired", i, got)
		}
	}
	s := tr.Stats()
	if s.Expired != n || s.Pending != 0 {
		t.Fatalf("stats = %+v", s)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: constants.go — Module-Wide Tunables
//
// Purpose:
//   - Defines the shared capacity bound for the slot-indexed queues.
//   - Defines tracker timing and journal batching tunables.
//
// Notes:
//   - Capacity bound follows from the uint16 identity space with the top
//     value reserved as the link sentinel.
//   - Timing values are tuned for sub-second operation tracking; raise the
//     TTL and intervals together when tracking slow external resources.
//
// ⚠️ No runtime logic here — all values must be compile-time resolvable
// ─────────────────────────────────────────────────────────────────────────────

package constants

import "time"

// ───────────────────────────── Queue Capacity ──────────────────────────────

const (
	// MaxQueueCapacity is the largest slot table any queue may allocate.
	// Identities are uint16 and the top value (65535) is reserved as the
	// nil link, so at most 65535 elements are addressable.
	MaxQueueCapacity = 1<<16 - 1
)

// ──────────────────────────── In-Flight Tracking ───────────────────────────

const (
	// DefaultOpTTL is the uniform lifetime stamped on every tracked
	// operation. Uniformity keeps queue order and deadline order equal,
	// which is what lets the sweeper inspect only the front.
	DefaultOpTTL = 30 * time.Second

	// SweepInterval bounds how late an expiry can be observed. The sweeper
	// polls the queue front at this granularity instead of arming a timer
	// per operation.
	SweepInterval = 10 * time.Millisecond

	// StatsInterval is the cadence of the tracker's progress log line.
	StatsInterval = 3 * time.Second
)

// ───────────────────────────── Journal Batching ────────────────────────────

const (
	// JournalBatchSize is the number of settled-operation records buffered
	// before the journal commits a transaction. Larger batches amortize
	// fsync cost; smaller batches shrink the loss window on crash.
	JournalBatchSize = 256

	// JournalLockRetries caps immediate retries when SQLite reports the
	// database locked by a concurrent reader.
	JournalLockRetries = 3
)

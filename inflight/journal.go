// ════════════════════════════════════════════════════════════════════════════════════════════════
// Settlement Journal
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: Container Queue
// Component: SQLite Settlement Journal
//
// Description:
//   Durable record of every settled operation. Settlements buffer in memory and commit in batched
//   transactions; sequence numbers survive restarts so a reopened journal continues where the
//   previous run stopped. Export and import stream newline-delimited JSON.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package inflight

import (
	"bufio"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/paulbrucker/containerqueue/constants"
	"github.com/paulbrucker/containerqueue/debug"
	"github.com/paulbrucker/containerqueue/utils"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sugawarayuuta/sonnet"
)

var errJournalClosed = errors.New("inflight: journal closed")

// Record is one settled operation as stored in the journal and carried by
// ExportJSON and ImportJSON.
type Record struct {
	Seq       int64  `json:"seq"`
	OpID      uint16 `json:"op_id"`
	Label     string `json:"label"`
	Outcome   string `json:"outcome"`
	Payload   string `json:"payload"`
	OpenedAt  int64  `json:"opened_at"`
	SettledAt int64  `json:"settled_at"`
}

type journal struct {
	mu       sync.Mutex
	db       *sql.DB
	buf      []Record
	seq      int64
	started  time.Time
	metaStmt *sql.Stmt
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// OPEN AND SCHEMA
// ═══════════════════════════════════════════════════════════════════════════════════════════════

func openJournal(path string) (*journal, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := openDatabaseWithRetry(path)
	if err != nil {
		return nil, err
	}
	// single writer; also pins in-memory journals to one connection
	db.SetMaxOpenConns(1)

	if err := configureJournalDB(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := createJournalSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	metaStmt, err := db.Prepare(`
		INSERT OR REPLACE INTO tracker_meta
		(id, started_at, opened, completed, expired, cancelled, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare meta statement: %w", err)
	}

	j := &journal{
		db:       db,
		buf:      make([]Record, 0, constants.JournalBatchSize),
		started:  time.Now(),
		metaStmt: metaStmt,
	}
	if err := db.QueryRow(`SELECT COALESCE(MAX(seq), 0) FROM op_journal`).Scan(&j.seq); err != nil {
		metaStmt.Close()
		db.Close()
		return nil, fmt.Errorf("failed to load journal sequence: %w", err)
	}
	if j.seq > 0 {
		debug.DropMessage("JOURNAL", "resuming after seq "+utils.Itoa(int(j.seq)))
	}
	return j, nil
}

func openDatabaseWithRetry(path string) (*sql.DB, error) {
	for retries := 0; retries < 5; retries++ {
		db, err := sql.Open("sqlite3", path)
		if err != nil {
			return nil, fmt.Errorf("failed to open journal database: %w", err)
		}
		if err := db.Ping(); err != nil {
			db.Close()
			if retries < 4 {
				debug.DropMessage("JOURNAL_RETRY", "database busy, immediate retry")
				continue
			}
			return nil, fmt.Errorf("journal connection failed after retries: %w", err)
		}
		return db, nil
	}
	return nil, fmt.Errorf("journal open failed after 5 attempts")
}

func configureJournalDB(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func createJournalSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS op_journal (
		seq        INTEGER NOT NULL,
		op_id      INTEGER NOT NULL,
		label      TEXT NOT NULL,
		outcome    TEXT NOT NULL,
		payload    TEXT NOT NULL,
		opened_at  INTEGER NOT NULL,
		settled_at INTEGER NOT NULL,
		PRIMARY KEY (seq)
	) WITHOUT ROWID;

	CREATE TABLE IF NOT EXISTS tracker_meta (
		id         INTEGER NOT NULL,
		started_at INTEGER NOT NULL,
		opened     INTEGER NOT NULL,
		completed  INTEGER NOT NULL,
		expired    INTEGER NOT NULL,
		cancelled  INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (id)
	) WITHOUT ROWID;
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create journal schema: %w", err)
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// RECORDING AND BATCH COMMIT
// ═══════════════════════════════════════════════════════════════════════════════════════════════

func (j *journal) record(op *Op) {
	j.mu.Lock()
	if j.db == nil {
		j.mu.Unlock()
		debug.DropMessage("JOURNAL", "settlement after close dropped")
		return
	}
	j.seq++
	j.buf = append(j.buf, Record{
		Seq:       j.seq,
		OpID:      op.id,
		Label:     op.Label,
		Outcome:   op.outcome.String(),
		Payload:   utils.B2s(op.payload),
		OpenedAt:  op.OpenedAt.Unix(),
		SettledAt: op.settledAt.Unix(),
	})
	if len(j.buf) >= constants.JournalBatchSize {
		j.flushLocked()
	}
	j.mu.Unlock()
}

// flushLocked commits the buffered records in one transaction. The buffer
// survives a failed commit and rides along to the next flush.
func (j *journal) flushLocked() {
	if len(j.buf) == 0 {
		return
	}
	tx, err := j.db.Begin()
	if err != nil {
		debug.DropError("JOURNAL_TX", err)
		return
	}
	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO op_journal
		(seq, op_id, label, outcome, payload, opened_at, settled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		debug.DropError("JOURNAL_PREPARE", err)
		return
	}

	for i := range j.buf {
		r := &j.buf[i]
		for retries := 0; ; retries++ {
			_, err = stmt.Exec(r.Seq, r.OpID, r.Label, r.Outcome, r.Payload, r.OpenedAt, r.SettledAt)
			if err == nil {
				break
			}
			if retries < constants.JournalLockRetries && strings.Contains(err.Error(), "database is locked") {
				continue
			}
			break
		}
		if err != nil {
			stmt.Close()
			tx.Rollback()
			debug.DropError("JOURNAL_INSERT", err)
			return
		}
	}

	stmt.Close()
	if err := tx.Commit(); err != nil {
		debug.DropError("JOURNAL_COMMIT", err)
		return
	}
	debug.DropMessage("JOURNAL", utils.Itoa(len(j.buf))+" records committed")
	j.buf = j.buf[:0]
}

func (j *journal) close(s Stats) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return nil
	}
	j.flushLocked()

	if j.metaStmt != nil {
		_, _ = j.metaStmt.Exec(j.started.Unix(), s.Opened, s.Completed, s.Expired, s.Cancelled,
			time.Now().Unix())
		j.metaStmt.Close()
		j.metaStmt = nil
	}

	j.db.Exec("PRAGMA optimize")
	err := j.db.Close()
	j.db = nil
	return err
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// EXPORT AND IMPORT
// ═══════════════════════════════════════════════════════════════════════════════════════════════

func (j *journal) exportJSON(w io.Writer) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return errJournalClosed
	}
	j.flushLocked()

	rows, err := j.db.Query(`
		SELECT seq, op_id, label, outcome, payload, opened_at, settled_at
		FROM op_journal ORDER BY seq
	`)
	if err != nil {
		return fmt.Errorf("journal export: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Seq, &r.OpID, &r.Label, &r.Outcome, &r.Payload,
			&r.OpenedAt, &r.SettledAt); err != nil {
			return fmt.Errorf("journal export: %w", err)
		}
		js, err := sonnet.Marshal(&r)
		if err != nil {
			return fmt.Errorf("journal export: %w", err)
		}
		if _, err := w.Write(append(js, '\n')); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (j *journal) importJSON(r io.Reader) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return errJournalClosed
	}

	tx, err := j.db.Begin()
	if err != nil {
		return fmt.Errorf("journal import: %w", err)
	}
	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO op_journal
		(seq, op_id, label, outcome, payload, opened_at, settled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("journal import: %w", err)
	}

	n := 0
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := sonnet.Unmarshal(line, &rec); err != nil {
			stmt.Close()
			tx.Rollback()
			return fmt.Errorf("journal import: %w", err)
		}
		if _, err := stmt.Exec(rec.Seq, rec.OpID, rec.Label, rec.Outcome, rec.Payload,
			rec.OpenedAt, rec.SettledAt); err != nil {
			stmt.Close()
			tx.Rollback()
			return fmt.Errorf("journal import: %w", err)
		}
		if rec.Seq > j.seq {
			j.seq = rec.Seq
		}
		n++
	}
	if err := sc.Err(); err != nil {
		stmt.Close()
		tx.Rollback()
		return fmt.Errorf("journal import: %w", err)
	}

	stmt.Close()
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("journal import: %w", err)
	}
	debug.DropMessage("JOURNAL", utils.Itoa(n)+" records imported")
	return nil
}

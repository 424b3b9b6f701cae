// Package transaction provides strict two-phase-locked transactions over
// the write-ahead log: a transaction acquires key locks as it touches
// data, logs every change with undo information, and holds all locks until
// commit or abort.
package transaction

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/d-bee/dbee/core/storage/page"
	"github.com/d-bee/dbee/core/wal"
)

var (
	ErrTxnNotActive = errors.New("transaction is not active")
	ErrTxnNotFound  = errors.New("transaction not found")
)

// State is a transaction's lifecycle position.
type State int

const (
	StateActive State = iota
	StateCommitting
	StateCommitted
	StateAborting
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateCommitting:
		return "COMMITTING"
	case StateCommitted:
		return "COMMITTED"
	case StateAborting:
		return "ABORTING"
	case StateAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

type undoEntry struct {
	lsn     page.LSN
	payload []byte
}

// Transaction is one unit of work. It implements the index layer's logging
// context: forward operations log redo images with undo payloads, and
// during rollback the same context switches to writing compensation
// records that are themselves redo-only.
type Transaction struct {
	id    uint64
	lm    *wal.LogManager
	locks *LockManager

	mu       sync.Mutex
	state    State
	firstLSN page.LSN
	lastLSN  page.LSN
	undoLog  []undoEntry

	// rollback mode: updates become CLRs chained by undoNextLSN
	compensating bool
	undoNextLSN  page.LSN
}

// ID returns the transaction id. IDs are assigned from a counter, so a
// larger id means a younger transaction.
func (t *Transaction) ID() uint64 { return t.id }

// State returns the transaction's current state.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// LastLSN returns the LSN of the transaction's most recent log record.
func (t *Transaction) LastLSN() page.LSN {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastLSN
}

// AcquireShared takes a shared lock on behalf of the transaction.
func (t *Transaction) AcquireShared(id LockID) error {
	if t.State() != StateActive {
		return ErrTxnNotActive
	}
	return t.locks.Acquire(t.id, id, SharedLock)
}

// AcquireExclusive takes an exclusive lock on behalf of the transaction.
func (t *Transaction) AcquireExclusive(id LockID) error {
	if t.State() != StateActive {
		return ErrTxnNotActive
	}
	return t.locks.Acquire(t.id, id, ExclusiveLock)
}

// BeginCompensation switches the transaction into rollback mode: further
// LogUpdate calls emit compensation records pointing at undoNext as the
// next record still to be undone. Recovery drives this directly when
// rolling back transactions reconstructed from the log.
func (t *Transaction) BeginCompensation(undoNext page.LSN) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.compensating = true
	t.undoNextLSN = undoNext
}

// EndCompensation returns the transaction to forward logging.
func (t *Transaction) EndCompensation() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.compensating = false
}

// FirstLSN returns the LSN of the transaction's begin record.
func (t *Transaction) FirstLSN() page.LSN {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.firstLSN
}

// canLog reports whether the transaction may still append log records.
// Caller holds t.mu. Rollback keeps logging: compensation records and
// any structural repair they trigger are written while Aborting.
func (t *Transaction) canLog() bool {
	return t.state == StateActive || t.state == StateAborting
}

// LogUpdate writes an update (or, during rollback, a compensation) record
// for a page post-image. The undo payload, when present, is kept both in
// the log and in the in-memory undo list that drives a live abort.
func (t *Transaction) LogUpdate(pageID page.PageID, undo []byte, pageImage []byte) (page.LSN, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.canLog() {
		return page.InvalidLSN, ErrTxnNotActive
	}

	rec := &wal.LogRecord{
		PrevLSN: t.lastLSN,
		TxnID:   t.id,
		Type:    wal.RecordTypeUpdate,
		PageID:  pageID,
		Before:  undo,
		After:   pageImage,
	}
	if t.compensating {
		rec.Type = wal.RecordTypeCompensation
		rec.Before = nil
		rec.UndoNextLSN = t.undoNextLSN
	}
	lsn, err := t.lm.Append(rec)
	if err != nil {
		return page.InvalidLSN, err
	}
	t.lastLSN = lsn
	if undo != nil && !t.compensating {
		t.undoLog = append(t.undoLog, undoEntry{lsn: lsn, payload: undo})
	}
	return lsn, nil
}

// LogAllocate records a page allocation. Allocations are redo-only; an
// aborted transaction's structural pages stay allocated and simply fall
// out of use.
func (t *Transaction) LogAllocate(pageID page.PageID) (page.LSN, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.canLog() {
		return page.InvalidLSN, ErrTxnNotActive
	}
	rec := &wal.LogRecord{
		PrevLSN: t.lastLSN,
		TxnID:   t.id,
		Type:    wal.RecordTypeAllocatePage,
		PageID:  pageID,
	}
	lsn, err := t.lm.Append(rec)
	if err != nil {
		return page.InvalidLSN, err
	}
	t.lastLSN = lsn
	return lsn, nil
}

// LogFree records a page free and forces the log up to it before the
// free-list state on disk can change. If the process dies after the sync
// but before the free-list write, the page merely leaks until the next
// reuse of its id; the tree itself stays consistent.
func (t *Transaction) LogFree(pageID page.PageID) (page.LSN, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.canLog() {
		return page.InvalidLSN, ErrTxnNotActive
	}
	rec := &wal.LogRecord{
		PrevLSN: t.lastLSN,
		TxnID:   t.id,
		Type:    wal.RecordTypeFreePage,
		PageID:  pageID,
	}
	lsn, err := t.lm.Append(rec)
	if err != nil {
		return page.InvalidLSN, err
	}
	t.lastLSN = lsn
	if err := t.lm.Flush(lsn); err != nil {
		return page.InvalidLSN, err
	}
	return lsn, nil
}

// LogRootChange records that an index's root moved. The index name rides
// in Before, the new root in PageID and After. The log is forced up to
// the record before returning: the caller persists the new root in the
// superblock right after, and that pointer must never become durable
// ahead of the record (and the page images before it) that explain it.
func (t *Transaction) LogRootChange(index string, oldRoot, newRoot page.PageID) (page.LSN, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.canLog() {
		return page.InvalidLSN, ErrTxnNotActive
	}
	after := make([]byte, 16)
	binary.LittleEndian.PutUint64(after[0:], uint64(oldRoot))
	binary.LittleEndian.PutUint64(after[8:], uint64(newRoot))
	rec := &wal.LogRecord{
		PrevLSN: t.lastLSN,
		TxnID:   t.id,
		Type:    wal.RecordTypeRootChange,
		PageID:  newRoot,
		Before:  []byte(index),
		After:   after,
	}
	lsn, err := t.lm.Append(rec)
	if err != nil {
		return page.InvalidLSN, err
	}
	t.lastLSN = lsn
	if err := t.lm.Flush(lsn); err != nil {
		return page.InvalidLSN, err
	}
	return lsn, nil
}

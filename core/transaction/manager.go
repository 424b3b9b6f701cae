package transaction

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/d-bee/dbee/config"
	"github.com/d-bee/dbee/core/storage/page"
	"github.com/d-bee/dbee/core/wal"
)

// UndoApplier inverts one logged change. The engine supplies it because
// undoing a key change means going back through the index that made it.
type UndoApplier func(txn *Transaction, undo []byte) error

// Manager owns the active transaction table, assigns ids, and drives
// commit and abort against the log and the lock manager.
type Manager struct {
	lm     *wal.LogManager
	locks  *LockManager
	policy string // fsync policy from config

	nextID atomic.Uint64

	mu     sync.Mutex
	active map[uint64]*Transaction

	undoApplier UndoApplier
	logger      *zap.Logger
}

func NewManager(lm *wal.LogManager, locks *LockManager, fsyncPolicy string, logger *zap.Logger) *Manager {
	m := &Manager{
		lm:     lm,
		locks:  locks,
		policy: fsyncPolicy,
		active: make(map[uint64]*Transaction),
		logger: logger,
	}
	return m
}

// SetUndoApplier wires in the engine's undo interpreter. Must be called
// before any Abort.
func (m *Manager) SetUndoApplier(fn UndoApplier) { m.undoApplier = fn }

// SetNextTxnID raises the id counter so the next Begin returns at least
// next. Used after recovery so new transactions never reuse an id seen
// in the log.
func (m *Manager) SetNextTxnID(next uint64) {
	if next == 0 {
		return
	}
	last := next - 1
	for {
		cur := m.nextID.Load()
		if cur >= last || m.nextID.CompareAndSwap(cur, last) {
			return
		}
	}
}

// Locks exposes the shared lock manager.
func (m *Manager) Locks() *LockManager { return m.locks }

// Begin starts a transaction and logs its begin record.
func (m *Manager) Begin() (*Transaction, error) {
	id := m.nextID.Add(1)
	t := &Transaction{
		id:    id,
		lm:    m.lm,
		locks: m.locks,
		state: StateActive,
	}
	lsn, err := m.lm.Append(&wal.LogRecord{TxnID: id, Type: wal.RecordTypeBegin})
	if err != nil {
		return nil, fmt.Errorf("failed to log begin for txn %d: %w", id, err)
	}
	t.firstLSN = lsn
	t.lastLSN = lsn

	m.mu.Lock()
	m.active[id] = t
	m.mu.Unlock()

	m.logger.Debug("Began transaction", zap.Uint64("txnID", id))
	return t, nil
}

// Recovered registers a transaction reconstructed from the log so that
// recovery can roll it back through the normal compensation path.
func (m *Manager) Recovered(id uint64, lastLSN page.LSN) *Transaction {
	t := &Transaction{
		id:      id,
		lm:      m.lm,
		locks:   m.locks,
		state:   StateActive,
		lastLSN: lastLSN,
	}
	m.mu.Lock()
	m.active[id] = t
	m.mu.Unlock()
	m.SetNextTxnID(id + 1)
	return t
}

// OldestActiveFirstLSN returns the smallest begin LSN among live
// transactions, or InvalidLSN when none are active. Log truncation must
// never pass this point.
func (m *Manager) OldestActiveFirstLSN() page.LSN {
	m.mu.Lock()
	defer m.mu.Unlock()
	oldest := page.InvalidLSN
	for _, t := range m.active {
		first := t.FirstLSN()
		if oldest == page.InvalidLSN || (first != page.InvalidLSN && first < oldest) {
			oldest = first
		}
	}
	return oldest
}

// Commit writes the commit record, makes it durable per the fsync policy,
// and releases all locks. With grouped or always fsync the commit is
// durable on return; with "never" durability rides on the background
// flusher and checkpoints.
func (m *Manager) Commit(t *Transaction) error {
	t.mu.Lock()
	if t.state != StateActive {
		t.mu.Unlock()
		return ErrTxnNotActive
	}
	t.state = StateCommitting
	rec := &wal.LogRecord{PrevLSN: t.lastLSN, TxnID: t.id, Type: wal.RecordTypeCommit}
	lsn, err := m.lm.Append(rec)
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("failed to log commit for txn %d: %w", t.id, err)
	}
	t.lastLSN = lsn
	t.mu.Unlock()

	if m.policy != config.FsyncNever {
		if err := m.lm.Flush(lsn); err != nil {
			return fmt.Errorf("failed to flush commit for txn %d: %w", t.id, err)
		}
	}

	t.mu.Lock()
	t.state = StateCommitted
	t.undoLog = nil
	t.mu.Unlock()

	m.finish(t)
	m.logger.Debug("Committed transaction", zap.Uint64("txnID", t.id), zap.Uint64("commitLSN", uint64(lsn)))
	return nil
}

// Abort rolls the transaction back: its logged changes are inverted in
// reverse order, each inversion logged as a compensation record, then an
// abort record closes the chain and the locks drop.
func (m *Manager) Abort(t *Transaction) error {
	t.mu.Lock()
	if t.state != StateActive {
		t.mu.Unlock()
		return ErrTxnNotActive
	}
	t.state = StateAborting
	undoLog := t.undoLog
	t.compensating = true
	t.mu.Unlock()

	var undoErr error
	for i := len(undoLog) - 1; i >= 0; i-- {
		entry := undoLog[i]
		t.mu.Lock()
		if i > 0 {
			t.undoNextLSN = undoLog[i-1].lsn
		} else {
			t.undoNextLSN = page.InvalidLSN
		}
		t.mu.Unlock()

		if m.undoApplier == nil {
			undoErr = fmt.Errorf("no undo applier configured")
			break
		}
		if err := m.undoApplier(t, entry.payload); err != nil {
			undoErr = fmt.Errorf("failed to undo record at LSN %d: %w", entry.lsn, err)
			break
		}
	}

	t.mu.Lock()
	t.compensating = false
	rec := &wal.LogRecord{PrevLSN: t.lastLSN, TxnID: t.id, Type: wal.RecordTypeAbort}
	lsn, appendErr := m.lm.Append(rec)
	if appendErr == nil {
		t.lastLSN = lsn
	}
	t.state = StateAborted
	t.undoLog = nil
	t.mu.Unlock()

	m.finish(t)

	if undoErr != nil {
		return undoErr
	}
	if appendErr != nil {
		return fmt.Errorf("failed to log abort for txn %d: %w", t.id, appendErr)
	}
	m.logger.Debug("Aborted transaction", zap.Uint64("txnID", t.id))
	return nil
}

// finish removes the transaction from the active table and releases its
// locks.
func (m *Manager) finish(t *Transaction) {
	m.mu.Lock()
	delete(m.active, t.id)
	m.mu.Unlock()
	m.locks.ReleaseAll(t.id)
}

// ActiveSnapshot returns txn id -> lastLSN for every live transaction,
// feeding the checkpoint's active transaction table.
func (m *Manager) ActiveSnapshot() map[uint64]page.LSN {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uint64]page.LSN, len(m.active))
	for id, t := range m.active {
		out[id] = t.LastLSN()
	}
	return out
}

// ActiveCount returns the number of live transactions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

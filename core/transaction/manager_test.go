package transaction

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/d-bee/dbee/core/storage/page"
	"github.com/d-bee/dbee/core/wal"
)

// setupManager builds a transaction manager over a fresh WAL.
func setupManager(t *testing.T) (*Manager, *wal.LogManager) {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	lm, err := wal.NewLogManager(t.TempDir(), 4096, 1<<20, logger)
	require.NoError(t, err)
	t.Cleanup(func() { lm.Close() })

	return NewManager(lm, NewLockManager(), "always", logger), lm
}

// readAll drains the log into a slice for assertions.
func readAll(t *testing.T, lm *wal.LogManager) []*wal.LogRecord {
	t.Helper()
	r, err := lm.ReadFrom(1)
	require.NoError(t, err)
	defer r.Close()
	var out []*wal.LogRecord
	for {
		lr, err := r.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, lr)
	}
}

func TestBeginAssignsIncreasingIDs(t *testing.T) {
	mgr, _ := setupManager(t)
	t1, err := mgr.Begin()
	require.NoError(t, err)
	t2, err := mgr.Begin()
	require.NoError(t, err)
	require.Greater(t, t2.ID(), t1.ID())
	require.Equal(t, StateActive, t1.State())
	require.Equal(t, 2, mgr.ActiveCount())
}

func TestCommitWritesBeginAndCommitRecords(t *testing.T) {
	mgr, lm := setupManager(t)
	txn, err := mgr.Begin()
	require.NoError(t, err)
	_, err = txn.LogUpdate(page.PageID(2), nil, []byte("image"))
	require.NoError(t, err)
	require.NoError(t, mgr.Commit(txn))
	require.Equal(t, StateCommitted, txn.State())
	require.Equal(t, 0, mgr.ActiveCount())

	recs := readAll(t, lm)
	require.Len(t, recs, 3)
	require.Equal(t, wal.RecordTypeBegin, recs[0].Type)
	require.Equal(t, wal.RecordTypeUpdate, recs[1].Type)
	require.Equal(t, wal.RecordTypeCommit, recs[2].Type)
	// Each record of the transaction chains to its predecessor.
	require.Equal(t, recs[0].LSN, recs[1].PrevLSN)
	require.Equal(t, recs[1].LSN, recs[2].PrevLSN)
}

func TestCommitOnFinishedTxnFails(t *testing.T) {
	mgr, _ := setupManager(t)
	txn, err := mgr.Begin()
	require.NoError(t, err)
	require.NoError(t, mgr.Commit(txn))
	require.ErrorIs(t, mgr.Commit(txn), ErrTxnNotActive)
	require.ErrorIs(t, mgr.Abort(txn), ErrTxnNotActive)
}

func TestAbortAppliesUndoInReverse(t *testing.T) {
	mgr, lm := setupManager(t)

	var undone []string
	mgr.SetUndoApplier(func(txn *Transaction, undo []byte) error {
		undone = append(undone, string(undo))
		// Real appliers log a compensation record for the work they redo.
		_, err := txn.LogUpdate(page.PageID(9), nil, []byte("comp"))
		return err
	})

	txn, err := mgr.Begin()
	require.NoError(t, err)
	for _, step := range []string{"first", "second", "third"} {
		_, err = txn.LogUpdate(page.PageID(5), []byte(step), []byte("img"))
		require.NoError(t, err)
	}
	require.NoError(t, mgr.Abort(txn))
	require.Equal(t, StateAborted, txn.State())
	require.Equal(t, []string{"third", "second", "first"}, undone)

	// Compensation records carry UndoNextLSN pointing past the undone change.
	recs := readAll(t, lm)
	var clrs []*wal.LogRecord
	for _, r := range recs {
		if r.Type == wal.RecordTypeCompensation {
			clrs = append(clrs, r)
		}
	}
	require.Len(t, clrs, 3)
	for _, clr := range clrs {
		require.Nil(t, clr.Before)
	}
	// The last compensation, which undoes the first change, has no
	// remaining work to point at.
	require.Equal(t, page.InvalidLSN, clrs[2].UndoNextLSN)
	require.Equal(t, wal.RecordTypeAbort, recs[len(recs)-1].Type)
}

func TestAbortWithoutChangesWritesAbortRecord(t *testing.T) {
	mgr, lm := setupManager(t)
	txn, err := mgr.Begin()
	require.NoError(t, err)
	require.NoError(t, mgr.Abort(txn))

	recs := readAll(t, lm)
	require.Len(t, recs, 2)
	require.Equal(t, wal.RecordTypeAbort, recs[1].Type)
}

func TestAbortReleasesLocks(t *testing.T) {
	mgr, _ := setupManager(t)
	txn, err := mgr.Begin()
	require.NoError(t, err)
	require.NoError(t, txn.AcquireExclusive(LockID(77)))
	require.NoError(t, mgr.Abort(txn))

	other, err := mgr.Begin()
	require.NoError(t, err)
	require.NoError(t, other.AcquireExclusive(LockID(77)))
	require.NoError(t, mgr.Commit(other))
}

func TestSetNextTxnIDIsMonotonic(t *testing.T) {
	mgr, _ := setupManager(t)
	mgr.SetNextTxnID(100)
	txn, err := mgr.Begin()
	require.NoError(t, err)
	require.Equal(t, uint64(100), txn.ID())

	// Lower values never move the counter backwards.
	mgr.SetNextTxnID(50)
	txn2, err := mgr.Begin()
	require.NoError(t, err)
	require.Greater(t, txn2.ID(), txn.ID())
}

func TestOldestActiveFirstLSN(t *testing.T) {
	mgr, _ := setupManager(t)
	require.Equal(t, page.InvalidLSN, mgr.OldestActiveFirstLSN())

	t1, err := mgr.Begin()
	require.NoError(t, err)
	t2, err := mgr.Begin()
	require.NoError(t, err)
	require.Equal(t, t1.FirstLSN(), mgr.OldestActiveFirstLSN())

	require.NoError(t, mgr.Commit(t1))
	require.Equal(t, t2.FirstLSN(), mgr.OldestActiveFirstLSN())
}

func TestLogFreeFlushesBeforeReturning(t *testing.T) {
	mgr, lm := setupManager(t)
	txn, err := mgr.Begin()
	require.NoError(t, err)

	lsn, err := txn.LogFree(page.PageID(8))
	require.NoError(t, err)
	require.GreaterOrEqual(t, lm.DurableLSN(), lsn)
	require.NoError(t, mgr.Commit(txn))
}

// The superblock root pointer is written right after LogRootChange
// returns, so the record and every earlier page image must already be
// on disk by then.
func TestLogRootChangeFlushesBeforeReturning(t *testing.T) {
	mgr, lm := setupManager(t)
	txn, err := mgr.Begin()
	require.NoError(t, err)

	_, err = txn.LogUpdate(page.PageID(3), nil, []byte("new-root-image"))
	require.NoError(t, err)
	lsn, err := txn.LogRootChange("users", page.PageID(2), page.PageID(3))
	require.NoError(t, err)
	require.GreaterOrEqual(t, lm.DurableLSN(), lsn)
	require.NoError(t, mgr.Commit(txn))
}

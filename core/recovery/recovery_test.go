package recovery

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/d-bee/dbee/core/storage/page"
	"github.com/d-bee/dbee/core/storage/pagestore"
	"github.com/d-bee/dbee/core/transaction"
	"github.com/d-bee/dbee/core/wal"
)

const testPageSize = 4096

type testEnv struct {
	ps  *pagestore.PageStore
	lm  *wal.LogManager
	mgr *transaction.Manager
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	ps, err := pagestore.Open(filepath.Join(dir, "test.db"), testPageSize, logger)
	require.NoError(t, err)
	t.Cleanup(func() { ps.Close() })

	lm, err := wal.NewLogManager(filepath.Join(dir, "wal"), 4096, 4<<20, logger)
	require.NoError(t, err)
	t.Cleanup(func() { lm.Close() })

	mgr := transaction.NewManager(lm, transaction.NewLockManager(), "always", logger)
	return &testEnv{ps: ps, lm: lm, mgr: mgr}
}

// pageImage builds a full page image stamped with the given LSN, its
// payload starting with marker.
func pageImage(lsn page.LSN, marker string) []byte {
	img := make([]byte, testPageSize)
	page.SetKind(img, page.KindLeaf)
	page.SetPageLSN(img, lsn)
	copy(page.Payload(img), []byte(marker))
	page.ApplyChecksum(img)
	return img
}

func readMarker(t *testing.T, ps *pagestore.PageStore, pid page.PageID, n int) string {
	t.Helper()
	buf := make([]byte, testPageSize)
	require.NoError(t, ps.ReadPage(pid, buf))
	return string(page.Payload(buf)[:n])
}

func TestRedoReplaysCommittedChanges(t *testing.T) {
	env := setupEnv(t)

	txn, err := env.mgr.Begin()
	require.NoError(t, err)
	_, err = txn.LogAllocate(page.PageID(1))
	require.NoError(t, err)
	lsn, err := txn.LogUpdate(page.PageID(1), nil, pageImage(env.lm.NextLSN(), "redone"))
	require.NoError(t, err)
	require.NoError(t, env.mgr.Commit(txn))

	// The page itself was never written: simulate the crash and recover.
	r := New(env.ps, env.lm, zap.NewNop())
	res, err := r.AnalyzeAndRedo()
	require.NoError(t, err)
	require.Empty(t, res.Losers)
	require.Equal(t, 1, res.TxnsCommitted)
	require.Equal(t, 1, res.PagesRedone)
	require.Equal(t, txn.ID(), res.MaxTxnID)

	require.Equal(t, "redone", readMarker(t, env.ps, 1, 6))

	buf := make([]byte, testPageSize)
	require.NoError(t, env.ps.ReadPage(page.PageID(1), buf))
	require.Equal(t, lsn, page.PageLSN(buf))
}

func TestRedoSkipsPagesAlreadyCurrent(t *testing.T) {
	env := setupEnv(t)

	txn, err := env.mgr.Begin()
	require.NoError(t, err)
	_, err = txn.LogAllocate(page.PageID(1))
	require.NoError(t, err)
	img := pageImage(env.lm.NextLSN(), "applied")
	lsn, err := txn.LogUpdate(page.PageID(1), nil, img)
	require.NoError(t, err)
	require.NoError(t, env.mgr.Commit(txn))

	// Write the page as if it had been flushed before the crash.
	require.NoError(t, env.ps.EnsureAllocated(page.PageID(1)))
	flushed := pageImage(lsn, "applied")
	require.NoError(t, env.ps.WritePage(page.PageID(1), flushed))

	r := New(env.ps, env.lm, zap.NewNop())
	res, err := r.AnalyzeAndRedo()
	require.NoError(t, err)
	require.Zero(t, res.PagesRedone)
}

func TestUncommittedTxnIsLoser(t *testing.T) {
	env := setupEnv(t)

	committed, err := env.mgr.Begin()
	require.NoError(t, err)
	_, err = committed.LogAllocate(page.PageID(1))
	require.NoError(t, err)
	_, err = committed.LogUpdate(page.PageID(1), nil, pageImage(env.lm.NextLSN(), "win"))
	require.NoError(t, err)
	require.NoError(t, env.mgr.Commit(committed))

	loser, err := env.mgr.Begin()
	require.NoError(t, err)
	_, err = loser.LogUpdate(page.PageID(1), []byte("undo-payload"), pageImage(env.lm.NextLSN(), "lose"))
	require.NoError(t, err)
	require.NoError(t, env.lm.Flush(page.InvalidLSN))

	r := New(env.ps, env.lm, zap.NewNop())
	res, err := r.AnalyzeAndRedo()
	require.NoError(t, err)
	require.Len(t, res.Losers, 1)
	lt, ok := res.Losers[loser.ID()]
	require.True(t, ok)
	require.Equal(t, loser.ID(), lt.ID)

	// Redo replays the loser's change too; undo reverses it later.
	require.Equal(t, "lose", readMarker(t, env.ps, 1, 4))
}

func TestUndoLosersAppliesPayloadsInReverse(t *testing.T) {
	env := setupEnv(t)

	loser, err := env.mgr.Begin()
	require.NoError(t, err)
	_, err = loser.LogAllocate(page.PageID(1))
	require.NoError(t, err)
	for _, step := range []string{"first", "second"} {
		_, err = loser.LogUpdate(page.PageID(1), []byte(step), pageImage(env.lm.NextLSN(), step))
		require.NoError(t, err)
	}
	require.NoError(t, env.lm.Flush(page.InvalidLSN))
	loserID := loser.ID()

	// Fresh manager, as after a restart.
	mgr2 := transaction.NewManager(env.lm, transaction.NewLockManager(), "always", zap.NewNop())

	r := New(env.ps, env.lm, zap.NewNop())
	res, err := r.AnalyzeAndRedo()
	require.NoError(t, err)

	var undone []string
	applier := func(txn *transaction.Transaction, undo []byte) error {
		undone = append(undone, string(undo))
		_, err := txn.LogUpdate(page.PageID(1), nil, pageImage(env.lm.NextLSN(), "comp"))
		return err
	}
	require.NoError(t, r.UndoLosers(res, mgr2, applier))
	require.Equal(t, []string{"second", "first"}, undone)
	require.Zero(t, mgr2.ActiveCount())

	// The log now ends the loser with compensations and an abort, so a
	// second recovery sees no losers at all.
	res2, err := r.AnalyzeAndRedo()
	require.NoError(t, err)
	require.Empty(t, res2.Losers)

	// The new manager hands out ids beyond the crashed transaction's.
	txn, err := mgr2.Begin()
	require.NoError(t, err)
	require.Greater(t, txn.ID(), loserID)
	require.NoError(t, mgr2.Commit(txn))
}

func TestAbortedTxnIsNotLoser(t *testing.T) {
	env := setupEnv(t)
	env.mgr.SetUndoApplier(func(txn *transaction.Transaction, undo []byte) error {
		_, err := txn.LogUpdate(page.PageID(1), nil, pageImage(env.lm.NextLSN(), "comp"))
		return err
	})

	txn, err := env.mgr.Begin()
	require.NoError(t, err)
	_, err = txn.LogAllocate(page.PageID(1))
	require.NoError(t, err)
	_, err = txn.LogUpdate(page.PageID(1), []byte("undo"), pageImage(env.lm.NextLSN(), "work"))
	require.NoError(t, err)
	require.NoError(t, env.mgr.Abort(txn))

	r := New(env.ps, env.lm, zap.NewNop())
	res, err := r.AnalyzeAndRedo()
	require.NoError(t, err)
	require.Empty(t, res.Losers)
}

func TestRootChangeRedoUpdatesCatalog(t *testing.T) {
	env := setupEnv(t)

	txn, err := env.mgr.Begin()
	require.NoError(t, err)
	_, err = txn.LogRootChange("users", page.InvalidPageID, page.PageID(7))
	require.NoError(t, err)
	require.NoError(t, env.mgr.Commit(txn))

	// Wipe the catalog entry, as if the superblock write never happened.
	require.NoError(t, env.ps.UpdateSuperblock(func(sb *pagestore.Superblock) {
		sb.RemoveIndex("users")
	}))

	r := New(env.ps, env.lm, zap.NewNop())
	_, err = r.AnalyzeAndRedo()
	require.NoError(t, err)

	sb := env.ps.Superblock()
	root, ok := sb.LookupIndex("users")
	require.True(t, ok)
	require.Equal(t, page.PageID(7), root)
}

func TestAllocationRedoExtendsFile(t *testing.T) {
	env := setupEnv(t)

	txn, err := env.mgr.Begin()
	require.NoError(t, err)
	_, err = txn.LogAllocate(page.PageID(4))
	require.NoError(t, err)
	require.NoError(t, env.mgr.Commit(txn))

	r := New(env.ps, env.lm, zap.NewNop())
	_, err = r.AnalyzeAndRedo()
	require.NoError(t, err)
	require.GreaterOrEqual(t, env.ps.NumPages(), uint64(5))
}

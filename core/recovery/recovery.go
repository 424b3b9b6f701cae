// Package recovery restores a database to a consistent state after a
// crash. It follows the classic three passes: analysis reconstructs the
// transaction table from the log, redo replays every logged page image
// whose page is behind it, and undo rolls back the transactions that never
// committed, writing compensation records as it goes.
package recovery

import (
	"encoding/binary"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/d-bee/dbee/core/storage/page"
	"github.com/d-bee/dbee/core/storage/pagestore"
	"github.com/d-bee/dbee/core/transaction"
	"github.com/d-bee/dbee/core/wal"
)

// LoserTxn is a transaction that was live at the crash. Its update records
// are kept so the undo pass can walk the chain without random log access.
type LoserTxn struct {
	ID      uint64
	LastLSN page.LSN
	Records map[page.LSN]*wal.LogRecord
}

// Result summarizes analysis and redo, and carries the losers into undo.
type Result struct {
	Losers        map[uint64]*LoserTxn
	MaxTxnID      uint64
	RecordsRead   int
	PagesRedone   int
	TxnsCommitted int
}

// Recovery drives crash recovery over a page store and log manager. The
// redo pass writes pages directly through the store; the buffer pool is
// built afterwards so it never caches pre-recovery state.
type Recovery struct {
	ps     *pagestore.PageStore
	lm     *wal.LogManager
	logger *zap.Logger
}

func New(ps *pagestore.PageStore, lm *wal.LogManager, logger *zap.Logger) *Recovery {
	return &Recovery{ps: ps, lm: lm, logger: logger}
}

// AnalyzeAndRedo scans the retained log once, tracking transaction
// outcomes and replaying page images. Replay is idempotent: a page whose
// stored LSN already covers a record skips it. Checkpoints bound how much
// log is retained, so scanning all of it stays cheap.
func (r *Recovery) AnalyzeAndRedo() (*Result, error) {
	res := &Result{Losers: make(map[uint64]*LoserTxn)}

	reader, err := r.lm.ReadFrom(1)
	if err != nil {
		return nil, fmt.Errorf("failed to open log for recovery: %w", err)
	}
	defer reader.Close()

	for {
		rec, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read log during recovery: %w", err)
		}
		res.RecordsRead++
		if rec.TxnID > res.MaxTxnID {
			res.MaxTxnID = rec.TxnID
		}

		switch rec.Type {
		case wal.RecordTypeBegin:
			res.Losers[rec.TxnID] = &LoserTxn{
				ID:      rec.TxnID,
				LastLSN: rec.LSN,
				Records: make(map[page.LSN]*wal.LogRecord),
			}

		case wal.RecordTypeCommit:
			delete(res.Losers, rec.TxnID)
			res.TxnsCommitted++

		case wal.RecordTypeAbort:
			// Rolled back before the crash; its compensations were
			// replayed like any other update.
			delete(res.Losers, rec.TxnID)

		case wal.RecordTypeUpdate, wal.RecordTypeCompensation:
			if loser, ok := res.Losers[rec.TxnID]; ok {
				loser.LastLSN = rec.LSN
				loser.Records[rec.LSN] = rec
			}
			applied, err := r.redoPageImage(rec)
			if err != nil {
				return nil, err
			}
			if applied {
				res.PagesRedone++
			}

		case wal.RecordTypeAllocatePage:
			if loser, ok := res.Losers[rec.TxnID]; ok {
				loser.LastLSN = rec.LSN
				loser.Records[rec.LSN] = rec
			}
			if err := r.ps.EnsureAllocated(rec.PageID); err != nil {
				return nil, fmt.Errorf("failed to redo allocation of page %d: %w", rec.PageID, err)
			}

		case wal.RecordTypeFreePage:
			// The free list lives in the superblock, which is written
			// durably at free time; nothing to replay. A free that was
			// logged but never executed only leaks the page.
			if loser, ok := res.Losers[rec.TxnID]; ok {
				loser.LastLSN = rec.LSN
				loser.Records[rec.LSN] = rec
			}

		case wal.RecordTypeRootChange:
			if loser, ok := res.Losers[rec.TxnID]; ok {
				loser.LastLSN = rec.LSN
				loser.Records[rec.LSN] = rec
			}
			if err := r.redoRootChange(rec); err != nil {
				return nil, err
			}

		case wal.RecordTypeCheckpointStart, wal.RecordTypeCheckpointEnd:
			// Informational; the full retained log is scanned regardless.
		}
	}

	r.logger.Info("Recovery analysis and redo complete",
		zap.Int("recordsRead", res.RecordsRead),
		zap.Int("pagesRedone", res.PagesRedone),
		zap.Int("committedTxns", res.TxnsCommitted),
		zap.Int("loserTxns", len(res.Losers)))
	return res, nil
}

// redoPageImage applies an update's post-image when the on-disk page is
// behind the record. It reports whether it wrote anything.
func (r *Recovery) redoPageImage(rec *wal.LogRecord) (bool, error) {
	if len(rec.After) != r.ps.PageSize() {
		return false, fmt.Errorf("update record LSN %d carries %d payload bytes, page size is %d",
			rec.LSN, len(rec.After), r.ps.PageSize())
	}
	if err := r.ps.EnsureAllocated(rec.PageID); err != nil {
		return false, fmt.Errorf("failed to extend file for page %d: %w", rec.PageID, err)
	}

	cur := make([]byte, r.ps.PageSize())
	if err := r.ps.ReadPage(rec.PageID, cur); err != nil {
		return false, fmt.Errorf("failed to read page %d during redo: %w", rec.PageID, err)
	}
	// A torn page fails verification; the full image replaces it. An
	// intact page skips records its LSN already covers.
	if page.VerifyChecksum(cur) == nil && page.PageLSN(cur) >= rec.LSN {
		return false, nil
	}

	img := make([]byte, len(rec.After))
	copy(img, rec.After)
	page.SetPageLSN(img, rec.LSN)
	page.ApplyChecksum(img)
	if err := r.ps.WritePage(rec.PageID, img); err != nil {
		return false, fmt.Errorf("failed to write page %d during redo: %w", rec.PageID, err)
	}
	return true, nil
}

// redoRootChange replays an index root move into the superblock catalog.
// Forward scan order means the final record wins.
func (r *Recovery) redoRootChange(rec *wal.LogRecord) error {
	if len(rec.After) != 16 {
		return fmt.Errorf("root change record LSN %d has %d payload bytes", rec.LSN, len(rec.After))
	}
	indexName := string(rec.Before)
	newRoot := page.PageID(binary.LittleEndian.Uint64(rec.After[8:]))
	return r.ps.UpdateSuperblock(func(sb *pagestore.Superblock) {
		sb.SetIndexRoot(indexName, newRoot)
	})
}

// UndoLosers rolls back every transaction still open at the crash. Each
// loser's chain is walked newest first: update records are inverted
// through the applier (which logs compensation records), and existing
// compensations skip ahead via their undoNext pointer so an abort
// interrupted by a second crash never re-undoes finished work.
func (r *Recovery) UndoLosers(res *Result, mgr *transaction.Manager, applier transaction.UndoApplier) error {
	for id, loser := range res.Losers {
		t := mgr.Recovered(id, loser.LastLSN)

		lsn := loser.LastLSN
		for lsn != page.InvalidLSN {
			rec, ok := loser.Records[lsn]
			if !ok {
				// Begin record or a record outside the retained log; the
				// chain ends here.
				break
			}
			switch rec.Type {
			case wal.RecordTypeCompensation:
				lsn = rec.UndoNextLSN
			case wal.RecordTypeUpdate:
				if len(rec.Before) > 0 {
					t.BeginCompensation(rec.PrevLSN)
					err := applier(t, rec.Before)
					t.EndCompensation()
					if err != nil {
						return fmt.Errorf("failed to undo txn %d at LSN %d: %w", id, rec.LSN, err)
					}
				}
				lsn = rec.PrevLSN
			default:
				lsn = rec.PrevLSN
			}
		}

		if err := mgr.Abort(t); err != nil {
			return fmt.Errorf("failed to close rollback of txn %d: %w", id, err)
		}
		r.logger.Info("Rolled back transaction", zap.Uint64("txnID", id))
	}

	if err := r.lm.Flush(page.InvalidLSN); err != nil {
		return fmt.Errorf("failed to flush log after undo: %w", err)
	}
	return nil
}

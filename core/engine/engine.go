// Package engine ties the storage, logging, indexing and transaction layers
// into a single embeddable database handle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/d-bee/dbee/config"
	"github.com/d-bee/dbee/core/index/btree"
	"github.com/d-bee/dbee/core/recovery"
	"github.com/d-bee/dbee/core/storage/bufferpool"
	"github.com/d-bee/dbee/core/storage/page"
	"github.com/d-bee/dbee/core/storage/pagestore"
	"github.com/d-bee/dbee/core/transaction"
	"github.com/d-bee/dbee/core/wal"
	"github.com/d-bee/dbee/pkg/telemetry"
)

var (
	ErrIndexNotFound = errors.New("index not found")
	ErrIndexExists   = errors.New("index already exists")
	ErrClosed        = errors.New("database is closed")
)

const (
	dataFileName = "dbee.db"
	walDirName   = "wal"
)

// DB is an embedded database instance. All methods are safe for concurrent
// use; per-key isolation is enforced through two-phase locking on the
// transactions passed in.
type DB struct {
	cfg    config.Config
	logger *zap.Logger

	ps  *pagestore.PageStore
	lm  *wal.LogManager
	bpm *bufferpool.BufferPoolManager
	mgr *transaction.Manager

	mu      sync.RWMutex
	indexes map[string]*btree.BTree[[]byte, []byte]
	closed  bool

	metrics      *Metrics
	shutdownTele telemetry.ShutdownFunc
}

// Open brings a database instance to a consistent state and returns a handle
// to it. Crash recovery runs before any user operation is admitted: the log
// is replayed forward to restore every durable page image, then transactions
// that never committed are rolled back.
func Open(cfg config.Config, logger *zap.Logger) (*DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	ps, err := pagestore.Open(filepath.Join(cfg.DataDir, dataFileName), cfg.PageSize, logger)
	if err != nil {
		return nil, err
	}
	lm, err := wal.NewLogManager(filepath.Join(cfg.DataDir, walDirName), cfg.WALBufferSize, cfg.WALSegmentSize, logger)
	if err != nil {
		ps.Close()
		return nil, err
	}

	rec := recovery.New(ps, lm, logger)
	res, err := rec.AnalyzeAndRedo()
	if err != nil {
		lm.Close()
		ps.Close()
		return nil, fmt.Errorf("recovery failed: %w", err)
	}

	// The pool is created after redo so it never caches a stale pre-recovery
	// page image.
	bpm, err := bufferpool.NewBufferPoolManager(cfg.PoolSize, ps, lm, logger)
	if err != nil {
		lm.Close()
		ps.Close()
		return nil, err
	}

	mgr := transaction.NewManager(lm, transaction.NewLockManager(), cfg.FsyncPolicy, logger)
	mgr.SetNextTxnID(res.MaxTxnID + 1)

	db := &DB{
		cfg:     cfg,
		logger:  logger,
		ps:      ps,
		lm:      lm,
		bpm:     bpm,
		mgr:     mgr,
		indexes: make(map[string]*btree.BTree[[]byte, []byte]),
	}

	sb := ps.Superblock()
	for _, entry := range sb.Indexes {
		db.indexes[entry.Name] = db.openTree(entry.Name, entry.Root)
	}

	mgr.SetUndoApplier(db.applyUndo)
	if err := rec.UndoLosers(res, mgr, db.applyUndo); err != nil {
		db.closeStorage()
		return nil, fmt.Errorf("recovery rollback failed: %w", err)
	}

	_, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		db.closeStorage()
		return nil, err
	}
	db.shutdownTele = shutdown

	db.metrics, err = newMetrics(bpm)
	if err != nil {
		logger.Warn("Metrics registration failed, continuing without instrumentation.", zap.Error(err))
	}

	logger.Info("Database opened.",
		zap.String("data_dir", cfg.DataDir),
		zap.String("instance_id", sb.InstanceString()),
		zap.Int("indexes", len(db.indexes)),
		zap.Int("records_replayed", res.RecordsRead),
		zap.Int("losers_rolled_back", len(res.Losers)))
	return db, nil
}

func (db *DB) openTree(name string, root page.PageID) *btree.BTree[[]byte, []byte] {
	onRootChange := func(newRoot page.PageID) error {
		return db.ps.UpdateSuperblock(func(sb *pagestore.Superblock) {
			sb.SetIndexRoot(name, newRoot)
		})
	}
	return btree.Open[[]byte, []byte](name, root, db.bpm, btree.BytesOrder, btree.BytesSerializer{}, onRootChange, db.logger)
}

// Close checkpoints, flushes everything and releases the underlying files.
// Open transactions are implicitly aborted by the rollback that runs on the
// next Open.
func (db *DB) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return ErrClosed
	}
	db.closed = true
	db.mu.Unlock()

	if err := db.Checkpoint(context.Background()); err != nil {
		db.logger.Warn("Checkpoint during close failed.", zap.Error(err))
	}
	if db.metrics != nil {
		db.metrics.close()
	}
	if db.shutdownTele != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.shutdownTele(ctx); err != nil {
			db.logger.Warn("Telemetry shutdown failed.", zap.Error(err))
		}
	}
	return db.closeStorage()
}

func (db *DB) closeStorage() error {
	var firstErr error
	if err := db.bpm.FlushAllPages(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := db.lm.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := db.ps.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Begin starts a new read-write transaction.
func (db *DB) Begin() (*transaction.Transaction, error) {
	db.mu.RLock()
	closed := db.closed
	db.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	return db.mgr.Begin()
}

// Commit makes every change of the transaction durable and releases its locks.
func (db *DB) Commit(txn *transaction.Transaction) error {
	if err := db.mgr.Commit(txn); err != nil {
		return err
	}
	if db.metrics != nil {
		db.metrics.commits.Add(context.Background(), 1)
	}
	return nil
}

// Abort rolls back every change of the transaction and releases its locks.
func (db *DB) Abort(txn *transaction.Transaction) error {
	if err := db.mgr.Abort(txn); err != nil {
		return err
	}
	if db.metrics != nil {
		db.metrics.aborts.Add(context.Background(), 1)
	}
	return nil
}

// CreateIndex creates a new named B-tree index. The creation commits
// immediately in its own transaction.
func (db *DB) CreateIndex(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	if _, ok := db.indexes[name]; ok {
		return fmt.Errorf("%w: %q", ErrIndexExists, name)
	}

	txn, err := db.mgr.Begin()
	if err != nil {
		return err
	}
	bt := db.openTree(name, page.InvalidPageID)
	if err := bt.Create(txn); err != nil {
		db.mgr.Abort(txn)
		return err
	}
	if err := db.mgr.Commit(txn); err != nil {
		return err
	}
	db.indexes[name] = bt
	db.logger.Info("Index created.", zap.String("index", name), zap.Uint64("root", uint64(bt.Root())))
	return nil
}

// DropIndex removes a named index. The catalog entry is removed durably
// before any page is reclaimed, so a crash mid-drop can only leak pages,
// never leave the catalog pointing at freed ones.
func (db *DB) DropIndex(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	bt, ok := db.indexes[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrIndexNotFound, name)
	}
	if err := db.ps.UpdateSuperblock(func(sb *pagestore.Superblock) {
		sb.RemoveIndex(name)
	}); err != nil {
		return err
	}
	delete(db.indexes, name)

	txn, err := db.mgr.Begin()
	if err != nil {
		return err
	}
	if err := bt.FreeAll(txn); err != nil {
		db.mgr.Abort(txn)
		return err
	}
	if err := db.mgr.Commit(txn); err != nil {
		return err
	}
	db.logger.Info("Index dropped.", zap.String("index", name))
	return nil
}

// Indexes returns the names of all indexes in the catalog.
func (db *DB) Indexes() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	names := make([]string, 0, len(db.indexes))
	for name := range db.indexes {
		names = append(names, name)
	}
	return names
}

func (db *DB) index(name string) (*btree.BTree[[]byte, []byte], error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, ErrClosed
	}
	bt, ok := db.indexes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrIndexNotFound, name)
	}
	return bt, nil
}

// keyLock derives the lock id protecting a single key of a named index.
func keyLock(index string, key []byte) transaction.LockID {
	h := xxhash.New()
	h.WriteString(index)
	h.Write([]byte{0})
	h.Write(key)
	return transaction.LockID(h.Sum64())
}

func (db *DB) noteDeadlock(err error) error {
	if errors.Is(err, transaction.ErrDeadlock) && db.metrics != nil {
		db.metrics.deadlocks.Add(context.Background(), 1)
	}
	return err
}

// Insert writes key/value into the named index under the given transaction.
// An existing key is ErrKeyExists.
func (db *DB) Insert(ctx context.Context, txn *transaction.Transaction, index string, key, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	bt, err := db.index(index)
	if err != nil {
		return err
	}
	if err := txn.AcquireExclusive(keyLock(index, key)); err != nil {
		return db.noteDeadlock(err)
	}
	return bt.Insert(txn, key, value)
}

// Update replaces the value of an existing key; a missing key is
// ErrKeyNotFound.
func (db *DB) Update(ctx context.Context, txn *transaction.Transaction, index string, key, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	bt, err := db.index(index)
	if err != nil {
		return err
	}
	if err := txn.AcquireExclusive(keyLock(index, key)); err != nil {
		return db.noteDeadlock(err)
	}
	return bt.Update(txn, key, value)
}

// Upsert stores key/value whether or not the key already exists.
func (db *DB) Upsert(ctx context.Context, txn *transaction.Transaction, index string, key, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	bt, err := db.index(index)
	if err != nil {
		return err
	}
	if err := txn.AcquireExclusive(keyLock(index, key)); err != nil {
		return db.noteDeadlock(err)
	}
	return bt.Upsert(txn, key, value)
}

// Lookup reads the value stored under key in the named index. The shared
// lock taken here is held until the transaction finishes.
func (db *DB) Lookup(ctx context.Context, txn *transaction.Transaction, index string, key []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bt, err := db.index(index)
	if err != nil {
		return nil, err
	}
	if err := txn.AcquireShared(keyLock(index, key)); err != nil {
		return nil, db.noteDeadlock(err)
	}
	return bt.Search(key)
}

// Delete removes key from the named index under the given transaction.
func (db *DB) Delete(ctx context.Context, txn *transaction.Transaction, index string, key []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	bt, err := db.index(index)
	if err != nil {
		return err
	}
	if err := txn.AcquireExclusive(keyLock(index, key)); err != nil {
		return db.noteDeadlock(err)
	}
	return bt.Delete(txn, key)
}

// Scan visits every key in [from, to) of the named index in ascending order,
// taking a shared lock on each key before handing it to fn. The cursor
// buffers values without locks, so every value is re-read once its lock
// is held; a key that vanished before its lock was granted is skipped.
// A nil bound is open on that side. Returning an error from fn stops the
// scan.
func (db *DB) Scan(ctx context.Context, txn *transaction.Transaction, index string, from, to []byte, fn func(key, value []byte) error) error {
	bt, err := db.index(index)
	if err != nil {
		return err
	}
	var fromP, toP *[]byte
	if from != nil {
		fromP = &from
	}
	if to != nil {
		toP = &to
	}
	cur, err := bt.Scan(fromP, toP)
	if err != nil {
		return err
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		key, _, ok, err := cur.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := txn.AcquireShared(keyLock(index, key)); err != nil {
			return db.noteDeadlock(err)
		}
		value, err := bt.Search(key)
		if err != nil {
			if errors.Is(err, btree.ErrKeyNotFound) {
				continue
			}
			return err
		}
		if err := fn(key, value); err != nil {
			return err
		}
	}
}

// Put upserts a key/value pair in its own transaction.
func (db *DB) Put(ctx context.Context, index string, key, value []byte) error {
	return db.autoCommit(func(txn *transaction.Transaction) error {
		return db.Upsert(ctx, txn, index, key, value)
	})
}

// Get reads a key in its own transaction.
func (db *DB) Get(ctx context.Context, index string, key []byte) ([]byte, error) {
	var value []byte
	err := db.autoCommit(func(txn *transaction.Transaction) error {
		var err error
		value, err = db.Lookup(ctx, txn, index, key)
		return err
	})
	return value, err
}

// Del removes a key in its own transaction.
func (db *DB) Del(ctx context.Context, index string, key []byte) error {
	return db.autoCommit(func(txn *transaction.Transaction) error {
		return db.Delete(ctx, txn, index, key)
	})
}

func (db *DB) autoCommit(fn func(txn *transaction.Transaction) error) error {
	txn, err := db.Begin()
	if err != nil {
		return err
	}
	if err := fn(txn); err != nil {
		db.Abort(txn)
		return err
	}
	return db.Commit(txn)
}

// Checkpoint flushes all dirty pages, records a fuzzy checkpoint in the log
// and discards log segments older than any recovery could need.
func (db *DB) Checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()

	startLSN, err := db.lm.Append(&wal.LogRecord{Type: wal.RecordTypeCheckpointStart})
	if err != nil {
		return err
	}
	snapshot := &wal.CheckpointSnapshot{
		ActiveTxns: db.mgr.ActiveSnapshot(),
		DirtyPages: db.bpm.DirtyPageTable(),
	}
	if err := db.bpm.FlushAllPages(); err != nil {
		return err
	}
	payload, err := snapshot.Encode()
	if err != nil {
		return err
	}
	endLSN, err := db.lm.Append(&wal.LogRecord{Type: wal.RecordTypeCheckpointEnd, After: payload})
	if err != nil {
		return err
	}
	if err := db.lm.Flush(endLSN); err != nil {
		return err
	}
	if err := db.ps.UpdateSuperblock(func(sb *pagestore.Superblock) {
		sb.LastCheckpointLSN = startLSN
	}); err != nil {
		return err
	}

	// Log before the checkpoint is only needed by transactions that were
	// already running when it started.
	floor := startLSN
	if oldest := db.mgr.OldestActiveFirstLSN(); oldest != page.InvalidLSN && oldest < floor {
		floor = oldest
	}
	if err := db.lm.TruncateBefore(floor); err != nil {
		return err
	}

	elapsed := time.Since(start)
	if db.metrics != nil {
		db.metrics.checkpointDuration.Record(context.Background(), elapsed.Seconds())
	}
	db.logger.Info("Checkpoint complete.",
		zap.Uint64("start_lsn", uint64(startLSN)),
		zap.Uint64("end_lsn", uint64(endLSN)),
		zap.Duration("elapsed", elapsed))
	return nil
}

// Stats returns buffer pool counters for observability.
func (db *DB) Stats() bufferpool.Stats {
	return db.bpm.Stats()
}

// applyUndo reverses one logged change. It runs both for user aborts and for
// loser rollback during recovery; either way the transaction is in
// compensation mode, so the work it does is logged redo-only.
func (db *DB) applyUndo(txn *transaction.Transaction, undo []byte) error {
	index, op, key, val, err := btree.DecodeUndo(undo)
	if err != nil {
		return err
	}
	bt, err := db.index(index)
	if err != nil {
		// The index was dropped after the change; nothing left to undo.
		if errors.Is(err, ErrIndexNotFound) {
			return nil
		}
		return err
	}
	switch op {
	case btree.UndoDeleteKey:
		if err := bt.Delete(txn, key); err != nil && !errors.Is(err, btree.ErrKeyNotFound) {
			return err
		}
		return nil
	case btree.UndoRestoreValue:
		return bt.Upsert(txn, key, val)
	default:
		return fmt.Errorf("unknown undo op %d", op)
	}
}

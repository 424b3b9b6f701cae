package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/d-bee/dbee/config"
	"github.com/d-bee/dbee/core/index/btree"
	"github.com/d-bee/dbee/core/transaction"
)

// testConfig returns a small config suitable for tests.
func testConfig(dataDir string) config.Config {
	cfg := config.Default(dataDir)
	cfg.PoolSize = 64
	cfg.WALBufferSize = 4096
	cfg.WALSegmentSize = 4 << 20
	return cfg
}

// openTestDB opens a database with a default index ready for use.
func openTestDB(t *testing.T, dataDir string) *DB {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	db, err := Open(testConfig(dataDir), logger)
	require.NoError(t, err)
	return db
}

func TestPutGetDelAutoCommit(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer db.Close()
	ctx := context.Background()
	require.NoError(t, db.CreateIndex(ctx, "kv"))

	require.NoError(t, db.Put(ctx, "kv", []byte("alpha"), []byte("1")))
	got, err := db.Get(ctx, "kv", []byte("alpha"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), got)

	require.NoError(t, db.Del(ctx, "kv", []byte("alpha")))
	_, err = db.Get(ctx, "kv", []byte("alpha"))
	require.ErrorIs(t, err, btree.ErrKeyNotFound)
}

func TestUnknownIndexRejected(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer db.Close()
	ctx := context.Background()

	err := db.Put(ctx, "missing", []byte("k"), []byte("v"))
	require.ErrorIs(t, err, ErrIndexNotFound)
}

func TestCreateIndexTwiceFails(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer db.Close()
	ctx := context.Background()

	require.NoError(t, db.CreateIndex(ctx, "kv"))
	require.ErrorIs(t, db.CreateIndex(ctx, "kv"), ErrIndexExists)
}

func TestAbortRollsBackChanges(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer db.Close()
	ctx := context.Background()
	require.NoError(t, db.CreateIndex(ctx, "kv"))
	require.NoError(t, db.Put(ctx, "kv", []byte("stable"), []byte("before")))

	txn, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, db.Update(ctx, txn, "kv", []byte("stable"), []byte("after")))
	require.NoError(t, db.Insert(ctx, txn, "kv", []byte("fresh"), []byte("x")))
	require.NoError(t, db.Delete(ctx, txn, "kv", []byte("stable")))
	require.NoError(t, db.Abort(txn))

	// The overwrite, the insert and the delete are all rolled back.
	got, err := db.Get(ctx, "kv", []byte("stable"))
	require.NoError(t, err)
	require.Equal(t, []byte("before"), got)
	_, err = db.Get(ctx, "kv", []byte("fresh"))
	require.ErrorIs(t, err, btree.ErrKeyNotFound)
}

func TestScanSeesCommittedRange(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer db.Close()
	ctx := context.Background()
	require.NoError(t, db.CreateIndex(ctx, "kv"))

	for i := 0; i < 100; i++ {
		key := []byte(fmt.Sprintf("key-%03d", i))
		require.NoError(t, db.Put(ctx, "kv", key, []byte("v")))
	}

	txn, err := db.Begin()
	require.NoError(t, err)
	var keys []string
	err = db.Scan(ctx, txn, "kv", []byte("key-020"), []byte("key-030"), func(key, value []byte) error {
		keys = append(keys, string(key))
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, db.Commit(txn))

	require.Len(t, keys, 10)
	require.Equal(t, "key-020", keys[0])
	require.Equal(t, "key-029", keys[len(keys)-1])
}

// A scan must agree with a lookup in the same transaction even when a
// concurrent transaction commits a change between the cursor buffering
// a leaf and the scan locking the key.
func TestScanValueMatchesLookupUnderConcurrentUpdate(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer db.Close()
	ctx := context.Background()
	require.NoError(t, db.CreateIndex(ctx, "kv"))
	require.NoError(t, db.Put(ctx, "kv", []byte("a"), []byte("old")))
	require.NoError(t, db.Put(ctx, "kv", []byte("b"), []byte("old")))

	txn, err := db.Begin()
	require.NoError(t, err)

	seen := make(map[string]string)
	err = db.Scan(ctx, txn, "kv", nil, nil, func(key, value []byte) error {
		if string(key) == "a" {
			// Overwrite "b" after the cursor has buffered the leaf but
			// before the scan reaches it.
			require.NoError(t, db.Put(ctx, "kv", []byte("b"), []byte("new")))
		}
		seen[string(key)] = string(value)
		return nil
	})
	require.NoError(t, err)

	got, err := db.Lookup(ctx, txn, "kv", []byte("b"))
	require.NoError(t, err)
	require.Equal(t, string(got), seen["b"])
	require.NoError(t, db.Commit(txn))
}

func TestDataSurvivesCleanReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	db := openTestDB(t, dir)
	require.NoError(t, db.CreateIndex(ctx, "kv"))
	for i := 0; i < 200; i++ {
		key := []byte(fmt.Sprintf("key-%03d", i))
		require.NoError(t, db.Put(ctx, "kv", key, []byte(fmt.Sprintf("val-%d", i))))
	}
	require.NoError(t, db.Close())

	db2 := openTestDB(t, dir)
	defer db2.Close()
	for i := 0; i < 200; i++ {
		got, err := db2.Get(ctx, "kv", []byte(fmt.Sprintf("key-%03d", i)))
		require.NoError(t, err)
		require.Equal(t, []byte(fmt.Sprintf("val-%d", i)), got)
	}
}

func TestRecoveryAfterCrash(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	// The first handle is abandoned without Close, simulating a crash: the
	// buffer pool's dirty pages never reach the data file, only the log does.
	db := openTestDB(t, dir)
	require.NoError(t, db.CreateIndex(ctx, "kv"))
	for i := 0; i < 50; i++ {
		key := []byte(fmt.Sprintf("committed-%02d", i))
		require.NoError(t, db.Put(ctx, "kv", key, []byte("durable")))
	}

	// An uncommitted transaction overwrites and inserts; its changes must
	// vanish on recovery.
	loser, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, db.Update(ctx, loser, "kv", []byte("committed-00"), []byte("overwritten")))
	require.NoError(t, db.Insert(ctx, loser, "kv", []byte("phantom"), []byte("x")))

	// A later committed transaction forces the loser's records into the
	// durable log, as any group commit would.
	require.NoError(t, db.Put(ctx, "kv", []byte("committed-50"), []byte("durable")))

	db2 := openTestDB(t, dir)
	defer db2.Close()

	for i := 0; i <= 50; i++ {
		key := []byte(fmt.Sprintf("committed-%02d", i))
		got, err := db2.Get(ctx, "kv", key)
		require.NoError(t, err)
		require.Equal(t, []byte("durable"), got)
	}
	_, err = db2.Get(ctx, "kv", []byte("phantom"))
	require.ErrorIs(t, err, btree.ErrKeyNotFound)
}

// A root split persists the new root id in the superblock immediately.
// If the records explaining the new root were still sitting in the WAL
// buffer at that point, a crash would leave the catalog pointing at a
// page recovery cannot rebuild. Grow the tree inside an uncommitted
// transaction after a checkpoint, crash, and require the reopen to
// come back clean.
func TestRecoveryAfterCrashDuringRootSplit(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	db := openTestDB(t, dir)
	require.NoError(t, db.CreateIndex(ctx, "kv"))
	require.NoError(t, db.Put(ctx, "kv", []byte("anchor"), []byte("durable")))
	require.NoError(t, db.Checkpoint(ctx))

	// Wide values force leaf splits quickly, growing a new root while
	// the transaction is still open.
	loser, err := db.Begin()
	require.NoError(t, err)
	wide := make([]byte, 900)
	for i := 0; i < 16; i++ {
		key := []byte(fmt.Sprintf("wide-%02d", i))
		require.NoError(t, db.Insert(ctx, loser, "kv", key, wide))
	}

	db2 := openTestDB(t, dir)
	defer db2.Close()

	got, err := db2.Get(ctx, "kv", []byte("anchor"))
	require.NoError(t, err)
	require.Equal(t, []byte("durable"), got)
	for i := 0; i < 16; i++ {
		key := []byte(fmt.Sprintf("wide-%02d", i))
		_, err := db2.Get(ctx, "kv", key)
		require.ErrorIs(t, err, btree.ErrKeyNotFound)
	}
}

func TestRecoveryIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	db := openTestDB(t, dir)
	require.NoError(t, db.CreateIndex(ctx, "kv"))
	require.NoError(t, db.Put(ctx, "kv", []byte("k"), []byte("v")))

	// Two recoveries in a row over the same crashed state.
	db2 := openTestDB(t, dir)
	got, err := db2.Get(ctx, "kv", []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), got)

	db3 := openTestDB(t, dir)
	defer db3.Close()
	got, err = db3.Get(ctx, "kv", []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), got)
	_ = db2
}

func TestDeadlockVictimGetsError(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer db.Close()
	ctx := context.Background()
	require.NoError(t, db.CreateIndex(ctx, "kv"))
	require.NoError(t, db.Put(ctx, "kv", []byte("a"), []byte("1")))
	require.NoError(t, db.Put(ctx, "kv", []byte("b"), []byte("2")))

	t1, err := db.Begin()
	require.NoError(t, err)
	t2, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, db.Update(ctx, t1, "kv", []byte("a"), []byte("t1")))
	require.NoError(t, db.Update(ctx, t2, "kv", []byte("b"), []byte("t2")))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs[0] = db.Update(ctx, t1, "kv", []byte("b"), []byte("t1"))
		if errs[0] != nil {
			db.Abort(t1)
		} else {
			db.Commit(t1)
		}
	}()
	go func() {
		defer wg.Done()
		errs[1] = db.Update(ctx, t2, "kv", []byte("a"), []byte("t2"))
		if errs[1] != nil {
			db.Abort(t2)
		} else {
			db.Commit(t2)
		}
	}()
	wg.Wait()

	// t2 is the younger transaction, so it is chosen as the victim.
	require.NoError(t, errs[0])
	require.ErrorIs(t, errs[1], transaction.ErrDeadlock)
}

func TestCheckpointTruncatesLogAndPreservesData(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	cfg := testConfig(dir)
	cfg.WALSegmentSize = 8192 // small segments so checkpoints can reclaim some
	logger := zap.NewNop()
	db, err := Open(cfg, logger)
	require.NoError(t, err)
	require.NoError(t, db.CreateIndex(ctx, "kv"))

	for i := 0; i < 300; i++ {
		key := []byte(fmt.Sprintf("key-%03d", i))
		require.NoError(t, db.Put(ctx, "kv", key, []byte("value-with-some-length")))
	}
	require.NoError(t, db.Checkpoint(ctx))
	require.NoError(t, db.Close())

	// Reopen replays only the retained log suffix; all data must be intact.
	db2, err := Open(cfg, logger)
	require.NoError(t, err)
	defer db2.Close()
	for i := 0; i < 300; i++ {
		got, err := db2.Get(ctx, "kv", []byte(fmt.Sprintf("key-%03d", i)))
		require.NoError(t, err)
		require.Equal(t, []byte("value-with-some-length"), got)
	}
}

func TestDropIndex(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer db.Close()
	ctx := context.Background()

	require.NoError(t, db.CreateIndex(ctx, "doomed"))
	require.NoError(t, db.Put(ctx, "doomed", []byte("k"), []byte("v")))
	require.NoError(t, db.DropIndex(ctx, "doomed"))

	require.ErrorIs(t, db.DropIndex(ctx, "doomed"), ErrIndexNotFound)
	_, err := db.Get(ctx, "doomed", []byte("k"))
	require.ErrorIs(t, err, ErrIndexNotFound)

	// The name is reusable and starts empty.
	require.NoError(t, db.CreateIndex(ctx, "doomed"))
	_, err = db.Get(ctx, "doomed", []byte("k"))
	require.ErrorIs(t, err, btree.ErrKeyNotFound)
}

func TestIndexCatalogSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	db := openTestDB(t, dir)
	require.NoError(t, db.CreateIndex(ctx, "users"))
	require.NoError(t, db.CreateIndex(ctx, "orders"))
	require.NoError(t, db.Close())

	db2 := openTestDB(t, dir)
	defer db2.Close()
	names := db2.Indexes()
	require.ElementsMatch(t, []string{"users", "orders"}, names)
}

func TestOperationsAfterCloseFail(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	require.NoError(t, db.Close())

	_, err := db.Begin()
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, db.CreateIndex(context.Background(), "x"), ErrClosed)
	require.ErrorIs(t, db.Close(), ErrClosed)
}

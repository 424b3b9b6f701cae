package bufferpool

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/d-bee/dbee/core/storage/page"
	"github.com/d-bee/dbee/core/storage/pagestore"
	"github.com/d-bee/dbee/core/wal"
)

const testPageSize = 4096

// setupPool builds a pool with its own page store and log manager in a
// temporary directory.
func setupPool(t *testing.T, poolSize int) (*BufferPoolManager, *pagestore.PageStore, *wal.LogManager) {
	t.Helper()
	dir := t.TempDir()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	ps, err := pagestore.Open(filepath.Join(dir, "test.db"), testPageSize, logger)
	require.NoError(t, err)
	t.Cleanup(func() { ps.Close() })

	lm, err := wal.NewLogManager(filepath.Join(dir, "wal"), 4096, 1<<20, logger)
	require.NoError(t, err)
	t.Cleanup(func() { lm.Close() })

	bpm, err := NewBufferPoolManager(poolSize, ps, lm, logger)
	require.NoError(t, err)
	return bpm, ps, lm
}

func TestNewPageFetchRoundTrip(t *testing.T) {
	bpm, _, _ := setupPool(t, 4)

	p, err := bpm.NewPage()
	require.NoError(t, err)
	pid := p.GetPageID()

	p.Lock()
	copy(page.Payload(p.GetData()), []byte("hello"))
	p.Unlock()
	require.NoError(t, bpm.UnpinPage(pid, true))

	// Still resident, so this is a hit.
	p2, err := bpm.FetchPage(pid)
	require.NoError(t, err)
	p2.RLock()
	require.Equal(t, []byte("hello"), page.Payload(p2.GetData())[:5])
	p2.RUnlock()
	require.NoError(t, bpm.UnpinPage(pid, false))

	st := bpm.Stats()
	require.Equal(t, uint64(1), st.Hits)
}

func TestEvictionWritesDirtyPageBack(t *testing.T) {
	bpm, ps, _ := setupPool(t, 2)

	p, err := bpm.NewPage()
	require.NoError(t, err)
	pid := p.GetPageID()
	p.Lock()
	copy(page.Payload(p.GetData()), []byte("dirty"))
	p.Unlock()
	require.NoError(t, bpm.UnpinPage(pid, true))

	// Fill the pool with other pages to force the victim out.
	for i := 0; i < 3; i++ {
		np, err := bpm.NewPage()
		require.NoError(t, err)
		require.NoError(t, bpm.UnpinPage(np.GetPageID(), false))
	}

	// The evicted page's contents must be on disk.
	buf := make([]byte, testPageSize)
	require.NoError(t, ps.ReadPage(pid, buf))
	require.Equal(t, []byte("dirty"), page.Payload(buf)[:5])
	require.Greater(t, bpm.Stats().Evictions, uint64(0))
}

func TestEvictionFlushesWALFirst(t *testing.T) {
	bpm, _, lm := setupPool(t, 1)

	p, err := bpm.NewPage()
	require.NoError(t, err)
	pid := p.GetPageID()

	// Log a change and stamp the page with its LSN, as the index layer does.
	lsn, err := lm.Append(&wal.LogRecord{TxnID: 1, Type: wal.RecordTypeUpdate, PageID: pid})
	require.NoError(t, err)
	p.Lock()
	page.SetPageLSN(p.GetData(), lsn)
	p.Unlock()
	require.NoError(t, bpm.UnpinPage(pid, true))

	// Evicting the page must push the log at least to its LSN.
	np, err := bpm.NewPage()
	require.NoError(t, err)
	require.NoError(t, bpm.UnpinPage(np.GetPageID(), false))

	require.GreaterOrEqual(t, lm.DurableLSN(), lsn)
}

func TestFetchBlocksUntilUnpin(t *testing.T) {
	bpm, _, _ := setupPool(t, 1)

	p, err := bpm.NewPage()
	require.NoError(t, err)
	first := p.GetPageID()
	require.NoError(t, bpm.UnpinPage(first, false))

	// The second page evicts the first and stays pinned, filling the pool.
	p2, err := bpm.NewPage()
	require.NoError(t, err)
	second := p2.GetPageID()

	done := make(chan error, 1)
	go func() {
		// The only frame is pinned: this fetch must wait for the unpin below.
		fp, err := bpm.FetchPage(first)
		if err == nil {
			bpm.UnpinPage(fp.GetPageID(), false)
		}
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("fetch returned while every frame was pinned")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, bpm.UnpinPage(second, false))
	require.NoError(t, <-done)
}

func TestDirtyPageTableTracksRecLSN(t *testing.T) {
	bpm, _, lm := setupPool(t, 4)

	p, err := bpm.NewPage()
	require.NoError(t, err)
	pid := p.GetPageID()

	before := lm.NextLSN()
	require.NoError(t, bpm.UnpinPage(pid, true))

	dpt := bpm.DirtyPageTable()
	recLSN, ok := dpt[pid]
	require.True(t, ok)
	require.LessOrEqual(t, recLSN, before)

	require.NoError(t, bpm.FlushAllPages())
	require.Empty(t, bpm.DirtyPageTable())
}

// A pin holder may be editing the page under its latch, so a full flush
// must leave pinned pages alone and keep them in the dirty page table.
func TestFlushAllPagesSkipsPinnedPages(t *testing.T) {
	bpm, _, _ := setupPool(t, 4)

	// A fresh page is born pinned and dirty.
	pinned, err := bpm.NewPage()
	require.NoError(t, err)

	free, err := bpm.NewPage()
	require.NoError(t, err)
	require.NoError(t, bpm.UnpinPage(free.GetPageID(), true))

	require.NoError(t, bpm.FlushAllPages())
	dpt := bpm.DirtyPageTable()
	_, stillDirty := dpt[pinned.GetPageID()]
	require.True(t, stillDirty)
	_, ok := dpt[free.GetPageID()]
	require.False(t, ok)

	require.NoError(t, bpm.UnpinPage(pinned.GetPageID(), true))
	require.NoError(t, bpm.FlushAllPages())
	require.Empty(t, bpm.DirtyPageTable())
}

func TestDeletePageReturnsToFreeList(t *testing.T) {
	bpm, ps, _ := setupPool(t, 4)

	p, err := bpm.NewPage()
	require.NoError(t, err)
	pid := p.GetPageID()
	require.NoError(t, bpm.UnpinPage(pid, false))
	require.NoError(t, bpm.DeletePage(pid))

	// The freed page id comes back on the next allocation.
	next, err := ps.Allocate()
	require.NoError(t, err)
	require.Equal(t, pid, next)
}

func TestDeletePinnedPageFails(t *testing.T) {
	bpm, _, _ := setupPool(t, 4)

	p, err := bpm.NewPage()
	require.NoError(t, err)
	err = bpm.DeletePage(p.GetPageID())
	require.ErrorIs(t, err, ErrPagePinned)
	require.NoError(t, bpm.UnpinPage(p.GetPageID(), false))
}

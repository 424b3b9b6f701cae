// Package bufferpool caches pages in a fixed set of in-memory frames with
// LRU replacement. Evicting a dirty page first forces the WAL up to that
// page's LSN, so disk never holds a change the log does not.
package bufferpool

import (
	"container/list"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/d-bee/dbee/core/storage/page"
	"github.com/d-bee/dbee/core/storage/pagestore"
	"github.com/d-bee/dbee/core/wal"
)

var (
	// ErrBufferPoolFull is returned when every frame stays pinned for the
	// whole fetch timeout.
	ErrBufferPoolFull = errors.New("buffer pool exhausted: all frames pinned")
	ErrPageNotFound   = errors.New("page not found in buffer pool")
	ErrPagePinned     = errors.New("page is pinned")
)

// fetchTimeout bounds how long FetchPage waits for a frame to free up
// before giving up with ErrBufferPoolFull.
const fetchTimeout = 5 * time.Second

// Stats is a snapshot of the pool's counters.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// BufferPoolManager mediates all page access between callers and the page
// store. Callers fetch a page (which pins it), work on it under its latch,
// and unpin it with a dirty flag when done.
type BufferPoolManager struct {
	ps       *pagestore.PageStore
	lm       *wal.LogManager
	pageSize int
	poolSize int

	mu         sync.Mutex
	cond       *sync.Cond
	pages      []*page.Page
	pageTable  map[page.PageID]int // resident page id -> frame index
	freeFrames []int
	lruList    *list.List // front is most recent; victims come from the back

	// recLSN per dirty resident page: the LSN that first dirtied it since
	// its last flush. Feeds the checkpoint's dirty page table.
	dirtyPages map[page.PageID]page.LSN

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64

	logger *zap.Logger
}

// NewBufferPoolManager creates a pool of poolSize frames over the given
// page store and log manager.
func NewBufferPoolManager(poolSize int, ps *pagestore.PageStore, lm *wal.LogManager, logger *zap.Logger) (*BufferPoolManager, error) {
	if poolSize <= 0 {
		return nil, fmt.Errorf("buffer pool size must be positive")
	}
	b := &BufferPoolManager{
		ps:         ps,
		lm:         lm,
		pageSize:   ps.PageSize(),
		poolSize:   poolSize,
		pages:      make([]*page.Page, poolSize),
		pageTable:  make(map[page.PageID]int),
		freeFrames: make([]int, 0, poolSize),
		lruList:    list.New(),
		dirtyPages: make(map[page.PageID]page.LSN),
		logger:     logger,
	}
	b.cond = sync.NewCond(&b.mu)
	for i := 0; i < poolSize; i++ {
		b.pages[i] = page.NewPage(page.InvalidPageID, b.pageSize)
		b.freeFrames = append(b.freeFrames, i)
	}
	logger.Info("BufferPoolManager initialized", zap.Int("poolSize", poolSize), zap.Int("pageSize", b.pageSize))
	return b, nil
}

// PageSize returns the pool's page size.
func (b *BufferPoolManager) PageSize() int { return b.pageSize }

// Stats returns the current counter values.
func (b *BufferPoolManager) Stats() Stats {
	return Stats{
		Hits:      b.hits.Load(),
		Misses:    b.misses.Load(),
		Evictions: b.evictions.Load(),
	}
}

// FetchPage returns the requested page pinned in a frame, reading it from
// disk on a miss. When all frames are pinned it waits, bounded by
// fetchTimeout, for another caller to unpin.
func (b *BufferPoolManager) FetchPage(pageID page.PageID) (*page.Page, error) {
	if pageID == page.InvalidPageID {
		return nil, fmt.Errorf("%w: cannot fetch page 0", pagestore.ErrInvalidPageID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if frameIdx, ok := b.pageTable[pageID]; ok {
		p := b.pages[frameIdx]
		p.Pin()
		b.touchLocked(p)
		b.hits.Add(1)
		return p, nil
	}
	b.misses.Add(1)

	frameIdx, err := b.acquireFrameLocked()
	if err != nil {
		return nil, err
	}

	// acquireFrameLocked may have released the mutex while waiting for a
	// frame; another caller could have loaded the page in the meantime.
	if residentIdx, ok := b.pageTable[pageID]; ok {
		b.releaseFrameLocked(frameIdx)
		p := b.pages[residentIdx]
		p.Pin()
		b.touchLocked(p)
		return p, nil
	}

	p := b.pages[frameIdx]
	if err := b.ps.ReadPage(pageID, p.GetData()); err != nil {
		b.releaseFrameLocked(frameIdx)
		return nil, fmt.Errorf("failed to read page %d: %w", pageID, err)
	}
	if err := page.VerifyChecksum(p.GetData()); err != nil {
		b.releaseFrameLocked(frameIdx)
		return nil, fmt.Errorf("page %d failed verification: %w", pageID, err)
	}

	p.SetPageID(pageID)
	p.SetPinCount(1)
	p.SetDirty(false)
	p.SetLSN(page.PageLSN(p.GetData()))
	b.pageTable[pageID] = frameIdx
	b.touchLocked(p)
	return p, nil
}

// NewPage allocates a fresh page in the store and pins it in a frame with
// zeroed contents.
func (b *BufferPoolManager) NewPage() (*page.Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	frameIdx, err := b.acquireFrameLocked()
	if err != nil {
		return nil, err
	}

	pageID, err := b.ps.Allocate()
	if err != nil {
		b.releaseFrameLocked(frameIdx)
		return nil, fmt.Errorf("failed to allocate page: %w", err)
	}

	p := b.pages[frameIdx]
	data := p.GetData()
	for i := range data {
		data[i] = 0
	}
	p.SetPageID(pageID)
	p.SetPinCount(1)
	p.SetDirty(true)
	p.SetLSN(page.InvalidLSN)
	b.pageTable[pageID] = frameIdx
	b.touchLocked(p)
	if _, tracked := b.dirtyPages[pageID]; !tracked {
		b.dirtyPages[pageID] = b.lm.NextLSN()
	}
	return p, nil
}

// UnpinPage drops one pin on a resident page. isDirty records whether the
// caller modified it; the first dirtying since the last flush pins down the
// page's recLSN for checkpoints.
func (b *BufferPoolManager) UnpinPage(pageID page.PageID, isDirty bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	frameIdx, ok := b.pageTable[pageID]
	if !ok {
		return fmt.Errorf("%w: page %d", ErrPageNotFound, pageID)
	}
	p := b.pages[frameIdx]
	if p.GetPinCount() == 0 {
		return fmt.Errorf("page %d is not pinned", pageID)
	}
	if isDirty {
		p.SetDirty(true)
		if _, tracked := b.dirtyPages[pageID]; !tracked {
			recLSN := p.GetLSN()
			if recLSN == page.InvalidLSN {
				recLSN = b.lm.NextLSN()
			}
			b.dirtyPages[pageID] = recLSN
		}
	}
	p.Unpin()
	if p.GetPinCount() == 0 {
		b.cond.Broadcast()
	}
	return nil
}

// FlushPage writes a resident page to disk, forcing the WAL up to the
// page's LSN first.
func (b *BufferPoolManager) FlushPage(pageID page.PageID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	frameIdx, ok := b.pageTable[pageID]
	if !ok {
		return fmt.Errorf("%w: page %d", ErrPageNotFound, pageID)
	}
	return b.flushFrameLocked(b.pages[frameIdx])
}

// FlushAllPages writes every unpinned dirty resident page to disk and
// syncs the data file. Pinned pages are skipped: a pin holder may be
// mid-edit under the page latch, and their log records are retained
// anyway because the owning transaction is still active. They stay in
// the dirty page table for the checkpoint snapshot.
func (b *BufferPoolManager) FlushAllPages() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, frameIdx := range b.pageTable {
		p := b.pages[frameIdx]
		if p.IsDirty() && p.GetPinCount() == 0 {
			if err := b.flushFrameLocked(p); err != nil {
				return err
			}
		}
	}
	return b.ps.Sync()
}

// DeletePage evicts a page from the pool and returns it to the store's
// free list. The page must be unpinned.
func (b *BufferPoolManager) DeletePage(pageID page.PageID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if frameIdx, ok := b.pageTable[pageID]; ok {
		p := b.pages[frameIdx]
		if p.GetPinCount() > 0 {
			return fmt.Errorf("%w: page %d has pin count %d", ErrPagePinned, pageID, p.GetPinCount())
		}
		delete(b.pageTable, pageID)
		delete(b.dirtyPages, pageID)
		b.releaseFrameLocked(frameIdx)
	}
	if err := b.ps.Free(pageID); err != nil {
		return fmt.Errorf("failed to free page %d: %w", pageID, err)
	}
	b.cond.Broadcast()
	return nil
}

// DirtyPageTable returns a copy of the recLSN table for the checkpoint.
func (b *BufferPoolManager) DirtyPageTable() map[page.PageID]page.LSN {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[page.PageID]page.LSN, len(b.dirtyPages))
	for id, lsn := range b.dirtyPages {
		out[id] = lsn
	}
	return out
}

// touchLocked moves a page to the MRU end of the list. Callers hold b.mu.
func (b *BufferPoolManager) touchLocked(p *page.Page) {
	if elem := p.GetLruElement(); elem != nil {
		b.lruList.MoveToFront(elem)
		return
	}
	p.SetLruElement(b.lruList.PushFront(p))
}

// acquireFrameLocked finds a frame for a new resident: a free frame if one
// exists, then the least recently used unpinned page (flushing it if
// dirty), waiting on the condition when everything is pinned. Callers hold
// b.mu.
func (b *BufferPoolManager) acquireFrameLocked() (int, error) {
	deadline := time.Now().Add(fetchTimeout)
	for {
		if n := len(b.freeFrames); n > 0 {
			frameIdx := b.freeFrames[n-1]
			b.freeFrames = b.freeFrames[:n-1]
			return frameIdx, nil
		}

		// Scan from the LRU end for an unpinned victim.
		for elem := b.lruList.Back(); elem != nil; elem = elem.Prev() {
			victim := elem.Value.(*page.Page)
			if victim.GetPinCount() > 0 {
				continue
			}
			if victim.IsDirty() {
				if err := b.flushFrameLocked(victim); err != nil {
					return -1, fmt.Errorf("failed to flush victim page %d: %w", victim.GetPageID(), err)
				}
			}
			frameIdx := b.pageTable[victim.GetPageID()]
			delete(b.pageTable, victim.GetPageID())
			b.lruList.Remove(elem)
			victim.SetLruElement(nil)
			victim.Reset()
			b.evictions.Add(1)
			return frameIdx, nil
		}

		// All frames pinned. Wait for an unpin, bounded by the deadline.
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return -1, ErrBufferPoolFull
		}
		timer := time.AfterFunc(remaining, func() { b.cond.Broadcast() })
		b.cond.Wait()
		timer.Stop()
	}
}

// releaseFrameLocked puts a frame back on the free list. Callers hold b.mu.
func (b *BufferPoolManager) releaseFrameLocked(frameIdx int) {
	p := b.pages[frameIdx]
	if elem := p.GetLruElement(); elem != nil {
		b.lruList.Remove(elem)
		p.SetLruElement(nil)
	}
	p.Reset()
	b.freeFrames = append(b.freeFrames, frameIdx)
}

// flushFrameLocked writes one frame's page to disk, WAL first. Callers
// hold b.mu.
func (b *BufferPoolManager) flushFrameLocked(p *page.Page) error {
	if !p.IsDirty() {
		return nil
	}
	// The log must cover the page's last change before the page itself
	// can reach disk. The on-page header is the authority; the frame's
	// LSN field may lag behind it.
	lsn := page.PageLSN(p.GetData())
	if frameLSN := p.GetLSN(); frameLSN > lsn {
		lsn = frameLSN
	}
	if lsn != page.InvalidLSN {
		if err := b.lm.Flush(lsn); err != nil {
			return fmt.Errorf("failed to flush WAL up to LSN %d: %w", lsn, err)
		}
	}
	page.ApplyChecksum(p.GetData())
	if err := b.ps.WritePage(p.GetPageID(), p.GetData()); err != nil {
		return fmt.Errorf("failed to write page %d: %w", p.GetPageID(), err)
	}
	p.SetDirty(false)
	delete(b.dirtyPages, p.GetPageID())
	return nil
}

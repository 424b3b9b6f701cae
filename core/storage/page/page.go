// Package page defines the fixed-size page abstraction shared by the page
// store, the buffer pool and the B-tree: page identity, the in-memory frame
// with pin count and latch, and the common on-disk page header.
package page

import (
	"container/list"
	"sync"
)

// PageID represents a unique identifier for a page on disk.
type PageID uint64

// InvalidPageID doubles as the superblock's id; page 0 is never handed out
// by the allocator, so 0 safely means "no page".
const InvalidPageID PageID = 0

// LSN is a Log Sequence Number, a strictly increasing identifier for WAL
// records. LSNs are 1-based; 0 means "no record".
type LSN uint64

const InvalidLSN LSN = 0

// Kind tags what a page currently holds.
type Kind byte

const (
	KindFree Kind = iota
	KindInternal
	KindLeaf
	KindOverflow
)

func (k Kind) String() string {
	switch k {
	case KindFree:
		return "free"
	case KindInternal:
		return "internal"
	case KindLeaf:
		return "leaf"
	case KindOverflow:
		return "overflow"
	}
	return "unknown"
}

// Page represents an in-memory copy of a disk page.
type Page struct {
	id       PageID
	data     []byte
	pinCount uint32
	isDirty  bool
	lsn      LSN // LSN of the last log record that modified this page

	// For LRU
	lruElement *list.Element

	// latch protects the in-memory contents of this specific page. It is a
	// short-lived physical lock, distinct from transaction-level key locks.
	latch sync.RWMutex
}

// NewPage creates a new Page instance with a zeroed buffer of the given size.
func NewPage(id PageID, size int) *Page {
	return &Page{
		id:   id,
		data: make([]byte, size),
	}
}

// Reset clears the page for frame reuse.
func (p *Page) Reset() {
	p.id = InvalidPageID
	p.pinCount = 0
	p.isDirty = false
	p.lsn = InvalidLSN
	p.lruElement = nil
	// Zero out data so stale bytes from the previous resident cannot leak.
	for i := range p.data {
		p.data[i] = 0
	}
}

func (p *Page) GetData() []byte   { return p.data }
func (p *Page) GetPageID() PageID { return p.id }
func (p *Page) SetPageID(id PageID) {
	p.id = id
}
func (p *Page) IsDirty() bool { return p.isDirty }
func (p *Page) Pin()          { p.pinCount++ }
func (p *Page) Unpin() {
	if p.pinCount > 0 {
		p.pinCount--
	}
}
func (p *Page) GetPinCount() uint32         { return p.pinCount }
func (p *Page) SetPinCount(pinCount uint32) { p.pinCount = pinCount }
func (p *Page) SetDirty(dirty bool)         { p.isDirty = dirty }
func (p *Page) GetLSN() LSN                 { return p.lsn }
func (p *Page) SetLSN(lsn LSN)              { p.lsn = lsn }

func (p *Page) GetLruElement() *list.Element     { return p.lruElement }
func (p *Page) SetLruElement(elem *list.Element) { p.lruElement = elem }

// RLock acquires a read (shared) latch on the page.
func (p *Page) RLock() { p.latch.RLock() }

// RUnlock releases a read (shared) latch on the page.
func (p *Page) RUnlock() { p.latch.RUnlock() }

// Lock acquires a write (exclusive) latch on the page.
func (p *Page) Lock() { p.latch.Lock() }

// Unlock releases a write (exclusive) latch on the page.
func (p *Page) Unlock() { p.latch.Unlock() }

// Package pagestore implements raw fixed-size block I/O against a single
// backing file. Page 0 is reserved for the superblock; freed pages are
// recycled through an on-disk free list chained through the pages
// themselves, with its head persisted in the superblock.
package pagestore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/d-bee/dbee/core/storage/page"
)

var (
	ErrIO            = errors.New("i/o error")
	ErrInvalidPageID = errors.New("page id out of range")
	ErrDBFileExists  = errors.New("database file already exists")
)

// PageStore provides fixed-size randomly addressable page storage on a
// single file. Writes become durable only when Sync is called; the buffer
// pool and WAL decide when that happens.
type PageStore struct {
	filePath string
	file     *os.File
	pageSize int
	numPages uint64 // file size / page size, including the superblock
	mu       sync.Mutex
	logger   *zap.Logger

	super Superblock // cached copy; the on-disk superblock is authoritative
}

// Open opens an existing database file or creates a fresh one. A fresh file
// gets a new superblock with a random instance id and one page (the
// superblock itself).
func Open(filePath string, pageSize int, logger *zap.Logger) (*PageStore, error) {
	ps := &PageStore{
		filePath: filePath,
		pageSize: pageSize,
		logger:   logger,
	}

	_, statErr := os.Stat(filePath)
	switch {
	case os.IsNotExist(statErr):
		file, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0666)
		if err != nil {
			return nil, fmt.Errorf("%w: creating file %s: %v", ErrIO, filePath, err)
		}
		ps.file = file
		ps.super = NewSuperblock(uint32(pageSize))
		if err := ps.writeSuperblockLocked(); err != nil {
			file.Close()
			_ = os.Remove(filePath)
			return nil, fmt.Errorf("failed to write initial superblock: %w", err)
		}
		ps.numPages = 1
		logger.Info("Created database file",
			zap.String("path", filePath),
			zap.Int("pageSize", pageSize),
			zap.String("instanceID", ps.super.InstanceString()))

	case statErr == nil:
		file, err := os.OpenFile(filePath, os.O_RDWR, 0666)
		if err != nil {
			return nil, fmt.Errorf("%w: opening file %s: %v", ErrIO, filePath, err)
		}
		ps.file = file
		if err := ps.readSuperblockLocked(); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to read superblock: %w", err)
		}
		if ps.super.PageSize != uint32(pageSize) {
			file.Close()
			return nil, fmt.Errorf("database file page size (%d) does not match configured page size (%d)",
				ps.super.PageSize, pageSize)
		}
		fi, err := file.Stat()
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("%w: getting file info: %v", ErrIO, err)
		}
		ps.numPages = uint64(fi.Size()) / uint64(pageSize)
		if ps.numPages == 0 {
			ps.numPages = 1
		}
		logger.Info("Opened database file",
			zap.String("path", filePath),
			zap.Uint64("numPages", ps.numPages),
			zap.String("instanceID", ps.super.InstanceString()))

	default:
		return nil, fmt.Errorf("%w: stating file %s: %v", ErrIO, filePath, statErr)
	}

	return ps, nil
}

// PageSize returns the fixed page size of the backing file.
func (ps *PageStore) PageSize() int { return ps.pageSize }

// NumPages returns the number of pages in the file, superblock included.
func (ps *PageStore) NumPages() uint64 {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.numPages
}

// ReadPage reads a page's data from disk into the provided buffer.
func (ps *PageStore) ReadPage(pageID page.PageID, pageData []byte) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.readPageLocked(pageID, pageData)
}

func (ps *PageStore) readPageLocked(pageID page.PageID, pageData []byte) error {
	if ps.file == nil {
		return fmt.Errorf("%w: file not open", ErrIO)
	}
	if len(pageData) != ps.pageSize {
		return fmt.Errorf("page data buffer size (%d) != page store page size (%d)", len(pageData), ps.pageSize)
	}
	if uint64(pageID) >= ps.numPages {
		return fmt.Errorf("%w: page %d, file has %d pages", ErrInvalidPageID, pageID, ps.numPages)
	}
	offset := int64(pageID) * int64(ps.pageSize)
	n, err := ps.file.ReadAt(pageData, offset)
	if err != nil {
		if err == io.EOF {
			return fmt.Errorf("%w: EOF reading page %d at offset %d", ErrIO, pageID, offset)
		}
		return fmt.Errorf("%w: reading page %d at offset %d: %v", ErrIO, pageID, offset, err)
	}
	if n != ps.pageSize {
		return fmt.Errorf("%w: short read for page %d, expected %d, got %d", ErrIO, pageID, ps.pageSize, n)
	}
	return nil
}

// WritePage writes pageData to disk at the page's location. The write is not
// synced here; Sync is the caller's responsibility (WAL-before-data lives in
// the buffer pool).
func (ps *PageStore) WritePage(pageID page.PageID, pageData []byte) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.writePageLocked(pageID, pageData)
}

func (ps *PageStore) writePageLocked(pageID page.PageID, pageData []byte) error {
	if ps.file == nil {
		return fmt.Errorf("%w: file not open", ErrIO)
	}
	if len(pageData) != ps.pageSize {
		return fmt.Errorf("page data buffer size (%d) != page store page size (%d)", len(pageData), ps.pageSize)
	}
	if uint64(pageID) >= ps.numPages {
		return fmt.Errorf("%w: page %d, file has %d pages", ErrInvalidPageID, pageID, ps.numPages)
	}
	offset := int64(pageID) * int64(ps.pageSize)
	if _, err := ps.file.WriteAt(pageData, offset); err != nil {
		return fmt.Errorf("%w: writing page %d at offset %d: %v", ErrIO, pageID, offset, err)
	}
	return nil
}

// Allocate hands out a page id, recycling from the free list when possible
// and extending the file otherwise. The returned page's contents are
// unspecified; the caller formats it.
func (ps *PageStore) Allocate() (page.PageID, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if head := ps.super.FreeListHead; head != page.InvalidPageID {
		// Pop the head of the free list; the freed page stores its
		// successor in the common header's next pointer.
		buf := make([]byte, ps.pageSize)
		if err := ps.readPageLocked(head, buf); err != nil {
			return page.InvalidPageID, fmt.Errorf("failed to read free-list head %d: %w", head, err)
		}
		ps.super.FreeListHead = page.NextPointer(buf)
		if err := ps.writeSuperblockLocked(); err != nil {
			return page.InvalidPageID, err
		}
		ps.logger.Debug("Recycled page from free list", zap.Uint64("pageID", uint64(head)))
		return head, nil
	}

	newPageID := page.PageID(ps.numPages)
	emptyPage := make([]byte, ps.pageSize)
	offset := int64(newPageID) * int64(ps.pageSize)
	if _, err := ps.file.WriteAt(emptyPage, offset); err != nil {
		return page.InvalidPageID, fmt.Errorf("%w: extending file for new page %d: %v", ErrIO, newPageID, err)
	}
	ps.numPages++
	ps.logger.Debug("Allocated new page", zap.Uint64("pageID", uint64(newPageID)))
	return newPageID, nil
}

// EnsureAllocated extends the file with zero pages until pageID is
// addressable. Recovery uses it to redo allocations that never reached
// the file.
func (ps *PageStore) EnsureAllocated(pageID page.PageID) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for uint64(pageID) >= ps.numPages {
		emptyPage := make([]byte, ps.pageSize)
		offset := int64(ps.numPages) * int64(ps.pageSize)
		if _, err := ps.file.WriteAt(emptyPage, offset); err != nil {
			return fmt.Errorf("%w: extending file to page %d: %v", ErrIO, pageID, err)
		}
		ps.numPages++
	}
	return nil
}

// Free returns a page to the free list. The page is rewritten as a free page
// chaining to the previous head.
func (ps *PageStore) Free(pageID page.PageID) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if pageID == page.InvalidPageID || uint64(pageID) >= ps.numPages {
		return fmt.Errorf("%w: cannot free page %d", ErrInvalidPageID, pageID)
	}

	buf := make([]byte, ps.pageSize)
	page.SetKind(buf, page.KindFree)
	page.SetNextPointer(buf, ps.super.FreeListHead)
	if err := ps.writePageLocked(pageID, buf); err != nil {
		return fmt.Errorf("failed to write freed page %d: %w", pageID, err)
	}
	ps.super.FreeListHead = pageID
	if err := ps.writeSuperblockLocked(); err != nil {
		return err
	}
	ps.logger.Debug("Freed page", zap.Uint64("pageID", uint64(pageID)))
	return nil
}

// Superblock returns a copy of the cached superblock.
func (ps *PageStore) Superblock() Superblock {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.super.clone()
}

// UpdateSuperblock applies fn to the superblock and persists it durably.
func (ps *PageStore) UpdateSuperblock(fn func(*Superblock)) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	fn(&ps.super)
	return ps.writeSuperblockLocked()
}

// Sync flushes all buffered page writes to stable storage.
func (ps *PageStore) Sync() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.file == nil {
		return nil
	}
	if err := ps.file.Sync(); err != nil {
		return fmt.Errorf("%w: syncing data file: %v", ErrIO, err)
	}
	return nil
}

// Close syncs and closes the backing file.
func (ps *PageStore) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.file == nil {
		return nil
	}
	if err := ps.file.Sync(); err != nil {
		ps.logger.Error("Failed to sync data file on close", zap.Error(err))
	}
	closeErr := ps.file.Close()
	ps.file = nil
	return closeErr
}

package pagestore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/google/uuid"

	"github.com/d-bee/dbee/core/storage/page"
)

const (
	// SuperblockMagic identifies a database file.
	SuperblockMagic uint32 = 0xD0BEE001
	// SuperblockVersion is the current on-disk format version.
	SuperblockVersion uint32 = 1

	superblockPageID = page.PageID(0)

	// Fixed field offsets within the superblock page.
	offMagic         = 0
	offVersion       = 4
	offPageSize      = 8
	offInstanceID    = 12 // 16 bytes
	offFreeListHead  = 28
	offCheckpointLSN = 36
	offIndexCount    = 44
	offIndexEntries  = 48

	// Each catalog entry is a NUL-padded name plus the index root page id.
	indexNameSize  = 64
	indexEntrySize = indexNameSize + 8
)

var (
	ErrBadMagic           = errors.New("bad superblock magic")
	ErrVersionMismatch    = errors.New("unsupported database file version")
	ErrSuperblockChecksum = errors.New("superblock checksum mismatch")
	ErrIndexNameTooLong   = errors.New("index name too long")
)

// IndexEntry records one named index and the page id of its root node.
type IndexEntry struct {
	Name string
	Root page.PageID
}

// Superblock is the metadata page stored at page 0. All mutations go through
// PageStore.UpdateSuperblock, which persists them durably.
type Superblock struct {
	Magic             uint32
	Version           uint32
	PageSize          uint32
	InstanceID        [16]byte
	FreeListHead      page.PageID
	LastCheckpointLSN page.LSN
	Indexes           []IndexEntry
}

// NewSuperblock returns a superblock for a fresh database file with a
// random instance id and no indexes.
func NewSuperblock(pageSize uint32) Superblock {
	var id [16]byte
	u := uuid.New()
	copy(id[:], u[:])
	return Superblock{
		Magic:      SuperblockMagic,
		Version:    SuperblockVersion,
		PageSize:   pageSize,
		InstanceID: id,
	}
}

// InstanceString renders the instance id in UUID form.
func (sb *Superblock) InstanceString() string {
	u, err := uuid.FromBytes(sb.InstanceID[:])
	if err != nil {
		return fmt.Sprintf("%x", sb.InstanceID)
	}
	return u.String()
}

// LookupIndex returns the root page id for a named index.
func (sb *Superblock) LookupIndex(name string) (page.PageID, bool) {
	for _, e := range sb.Indexes {
		if e.Name == name {
			return e.Root, true
		}
	}
	return page.InvalidPageID, false
}

// SetIndexRoot records or updates the root page id for a named index.
func (sb *Superblock) SetIndexRoot(name string, root page.PageID) {
	for i := range sb.Indexes {
		if sb.Indexes[i].Name == name {
			sb.Indexes[i].Root = root
			return
		}
	}
	sb.Indexes = append(sb.Indexes, IndexEntry{Name: name, Root: root})
}

// RemoveIndex drops a named index from the catalog.
func (sb *Superblock) RemoveIndex(name string) {
	for i := range sb.Indexes {
		if sb.Indexes[i].Name == name {
			sb.Indexes = append(sb.Indexes[:i], sb.Indexes[i+1:]...)
			return
		}
	}
}

func (sb *Superblock) clone() Superblock {
	c := *sb
	c.Indexes = make([]IndexEntry, len(sb.Indexes))
	copy(c.Indexes, sb.Indexes)
	return c
}

// serialize encodes the superblock into a page-sized buffer with a trailing
// CRC32 checksum.
func (sb *Superblock) serialize(buf []byte) error {
	if len(buf) != int(sb.PageSize) {
		return fmt.Errorf("superblock buffer size (%d) != page size (%d)", len(buf), sb.PageSize)
	}
	maxEntries := (len(buf) - offIndexEntries - 4) / indexEntrySize
	if len(sb.Indexes) > maxEntries {
		return fmt.Errorf("too many indexes (%d), superblock holds at most %d", len(sb.Indexes), maxEntries)
	}

	for i := range buf {
		buf[i] = 0
	}
	binary.LittleEndian.PutUint32(buf[offMagic:], sb.Magic)
	binary.LittleEndian.PutUint32(buf[offVersion:], sb.Version)
	binary.LittleEndian.PutUint32(buf[offPageSize:], sb.PageSize)
	copy(buf[offInstanceID:offInstanceID+16], sb.InstanceID[:])
	binary.LittleEndian.PutUint64(buf[offFreeListHead:], uint64(sb.FreeListHead))
	binary.LittleEndian.PutUint64(buf[offCheckpointLSN:], uint64(sb.LastCheckpointLSN))
	binary.LittleEndian.PutUint32(buf[offIndexCount:], uint32(len(sb.Indexes)))

	off := offIndexEntries
	for _, e := range sb.Indexes {
		if len(e.Name) >= indexNameSize {
			return fmt.Errorf("%w: %q", ErrIndexNameTooLong, e.Name)
		}
		copy(buf[off:off+indexNameSize], e.Name)
		binary.LittleEndian.PutUint64(buf[off+indexNameSize:], uint64(e.Root))
		off += indexEntrySize
	}

	sum := crc32.ChecksumIEEE(buf[:len(buf)-4])
	binary.LittleEndian.PutUint32(buf[len(buf)-4:], sum)
	return nil
}

// deserialize decodes and validates a superblock page.
func (sb *Superblock) deserialize(buf []byte) error {
	if len(buf) < offIndexEntries+4 {
		return fmt.Errorf("superblock buffer too small (%d bytes)", len(buf))
	}
	stored := binary.LittleEndian.Uint32(buf[len(buf)-4:])
	if computed := crc32.ChecksumIEEE(buf[:len(buf)-4]); computed != stored {
		return fmt.Errorf("%w: stored %#x, computed %#x", ErrSuperblockChecksum, stored, computed)
	}

	sb.Magic = binary.LittleEndian.Uint32(buf[offMagic:])
	if sb.Magic != SuperblockMagic {
		return fmt.Errorf("%w: got %#x, want %#x", ErrBadMagic, sb.Magic, SuperblockMagic)
	}
	sb.Version = binary.LittleEndian.Uint32(buf[offVersion:])
	if sb.Version != SuperblockVersion {
		return fmt.Errorf("%w: file version %d, supported version %d", ErrVersionMismatch, sb.Version, SuperblockVersion)
	}
	sb.PageSize = binary.LittleEndian.Uint32(buf[offPageSize:])
	copy(sb.InstanceID[:], buf[offInstanceID:offInstanceID+16])
	sb.FreeListHead = page.PageID(binary.LittleEndian.Uint64(buf[offFreeListHead:]))
	sb.LastCheckpointLSN = page.LSN(binary.LittleEndian.Uint64(buf[offCheckpointLSN:]))

	count := binary.LittleEndian.Uint32(buf[offIndexCount:])
	sb.Indexes = make([]IndexEntry, 0, count)
	off := offIndexEntries
	for i := uint32(0); i < count; i++ {
		if off+indexEntrySize > len(buf)-4 {
			return fmt.Errorf("superblock index catalog overruns page (%d entries)", count)
		}
		name := buf[off : off+indexNameSize]
		if idx := bytes.IndexByte(name, 0); idx >= 0 {
			name = name[:idx]
		}
		root := page.PageID(binary.LittleEndian.Uint64(buf[off+indexNameSize:]))
		sb.Indexes = append(sb.Indexes, IndexEntry{Name: string(name), Root: root})
		off += indexEntrySize
	}
	return nil
}

func (ps *PageStore) writeSuperblockLocked() error {
	buf := make([]byte, ps.pageSize)
	if err := ps.super.serialize(buf); err != nil {
		return err
	}
	if _, err := ps.file.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("%w: writing superblock: %v", ErrIO, err)
	}
	if err := ps.file.Sync(); err != nil {
		return fmt.Errorf("%w: syncing superblock: %v", ErrIO, err)
	}
	return nil
}

func (ps *PageStore) readSuperblockLocked() error {
	buf := make([]byte, ps.pageSize)
	if _, err := ps.file.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("%w: reading superblock: %v", ErrIO, err)
	}
	return ps.super.deserialize(buf)
}

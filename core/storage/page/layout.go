package page

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// Common on-disk page header, shared by every page kind:
//
//	[0]        kind byte
//	[1]        reserved
//	[2:4]      cell count (uint16)
//	[4:12]     page LSN (uint64), the last record applied to the page
//	[12:20]    next pointer (uint64): leaf right sibling, overflow chain
//	           link, or free-list link, depending on kind
//	[20:]      kind-specific payload
//	[size-4:]  CRC32 (IEEE) checksum over [0:size-4]
const (
	HeaderSize   = 20
	ChecksumSize = 4

	kindOffset      = 0
	cellCountOffset = 2
	pageLSNOffset   = 4
	nextOffset      = 12
)

var (
	ErrChecksumMismatch = errors.New("page checksum mismatch, data corruption suspected")
	ErrInvalidPageData  = errors.New("invalid page data")
)

// KindOf reads the page kind from raw page bytes.
func KindOf(data []byte) Kind { return Kind(data[kindOffset]) }

// SetKind writes the page kind into raw page bytes.
func SetKind(data []byte, k Kind) { data[kindOffset] = byte(k) }

// CellCount reads the number of cells (keys, slots, chunks) in the page.
func CellCount(data []byte) int {
	return int(binary.LittleEndian.Uint16(data[cellCountOffset:]))
}

// SetCellCount writes the cell count.
func SetCellCount(data []byte, n int) {
	binary.LittleEndian.PutUint16(data[cellCountOffset:], uint16(n))
}

// PageLSN reads the LSN of the last log record applied to the page. Recovery
// compares it against record LSNs to make redo idempotent.
func PageLSN(data []byte) LSN {
	return LSN(binary.LittleEndian.Uint64(data[pageLSNOffset:]))
}

// SetPageLSN stamps the page with the LSN of the record that mutated it.
func SetPageLSN(data []byte, lsn LSN) {
	binary.LittleEndian.PutUint64(data[pageLSNOffset:], uint64(lsn))
}

// NextPointer reads the header's next-page link.
func NextPointer(data []byte) PageID {
	return PageID(binary.LittleEndian.Uint64(data[nextOffset:]))
}

// SetNextPointer writes the header's next-page link.
func SetNextPointer(data []byte, id PageID) {
	binary.LittleEndian.PutUint64(data[nextOffset:], uint64(id))
}

// Payload returns the kind-specific body of the page, between the common
// header and the trailing checksum.
func Payload(data []byte) []byte {
	return data[HeaderSize : len(data)-ChecksumSize]
}

// ApplyChecksum computes and stores the trailing CRC32 over the page body.
// Must be the last write before the page goes to disk.
func ApplyChecksum(data []byte) {
	sum := crc32.ChecksumIEEE(data[:len(data)-ChecksumSize])
	binary.LittleEndian.PutUint32(data[len(data)-ChecksumSize:], sum)
}

// VerifyChecksum recomputes the CRC32 and compares it against the stored
// value. A freshly allocated all-zero page passes (its stored sum is zero
// and is skipped).
func VerifyChecksum(data []byte) error {
	stored := binary.LittleEndian.Uint32(data[len(data)-ChecksumSize:])
	if stored == 0 && KindOf(data) == KindFree {
		return nil
	}
	calculated := crc32.ChecksumIEEE(data[:len(data)-ChecksumSize])
	if stored != calculated {
		return fmt.Errorf("%w: stored 0x%x, calculated 0x%x", ErrChecksumMismatch, stored, calculated)
	}
	return nil
}

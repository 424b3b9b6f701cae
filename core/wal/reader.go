package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"

	"github.com/d-bee/dbee/core/storage/page"
)

// maxRecordBody bounds a single record's body. A length prefix beyond this
// is treated as corruption rather than an allocation request.
const maxRecordBody = 64 << 20

// errTorn marks a record that was only partially written before a crash.
var errTorn = errors.New("torn log record")

// readRecord reads one record from br, verifying its checksum. It returns
// the number of bytes consumed. io.EOF means a clean end between records;
// errTorn means the record at the tail is incomplete or corrupt.
func readRecord(br *bufio.Reader) (*LogRecord, int64, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, 0, io.EOF
		}
		return nil, 0, errTorn
	}
	bodyLen := binary.LittleEndian.Uint32(lenBuf[:])
	if bodyLen == 0 || bodyLen > maxRecordBody {
		return nil, 0, errTorn
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(br, body); err != nil {
		return nil, 0, errTorn
	}
	var sumBuf [8]byte
	if _, err := io.ReadFull(br, sumBuf[:]); err != nil {
		return nil, 0, errTorn
	}
	if xxhash.Sum64(body) != binary.LittleEndian.Uint64(sumBuf[:]) {
		return nil, 0, errTorn
	}

	var lr LogRecord
	if err := lr.Deserialize(body); err != nil {
		return nil, 0, errTorn
	}
	return &lr, int64(4 + len(body) + 8), nil
}

// scanSegment walks a segment from the start and returns the LSN of the
// last intact record and the byte offset just past it. A torn tail stops
// the scan without error.
func scanSegment(path string, firstLSN page.LSN) (page.LSN, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return page.InvalidLSN, 0, err
	}
	defer file.Close()

	br := bufio.NewReader(file)
	lastLSN := page.InvalidLSN
	var offset int64
	for {
		lr, n, err := readRecord(br)
		if err == io.EOF || err == errTorn {
			return lastLSN, offset, nil
		}
		if err != nil {
			return page.InvalidLSN, 0, err
		}
		lastLSN = lr.LSN
		offset += n
	}
}

// Reader iterates log records in LSN order across segment files. It reads
// only what has been written to the files; callers that need the full log
// flush the LogManager first.
type Reader struct {
	lm       *LogManager
	segments []page.LSN
	segIdx   int
	file     *os.File
	br       *bufio.Reader
	from     page.LSN
}

// ReadFrom returns a Reader positioned at the first record whose LSN is
// >= from. All buffered records are made durable first so the reader sees
// a complete prefix of the log.
func (lm *LogManager) ReadFrom(from page.LSN) (*Reader, error) {
	if err := lm.Flush(page.InvalidLSN); err != nil {
		return nil, fmt.Errorf("failed to flush log before reading: %w", err)
	}

	lm.mu.Lock()
	segments, err := lm.listSegments()
	lm.mu.Unlock()
	if err != nil {
		return nil, err
	}

	r := &Reader{lm: lm, segments: segments, from: from}

	// Start at the last segment whose first LSN is <= from; earlier
	// segments cannot contain it.
	r.segIdx = 0
	for i, first := range segments {
		if first <= from {
			r.segIdx = i
		}
	}
	if err := r.openSegment(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reader) openSegment() error {
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
	if r.segIdx >= len(r.segments) {
		return nil
	}
	path := r.lm.segmentPath(r.segments[r.segIdx])
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open log segment %s: %w", path, err)
	}
	r.file = file
	r.br = bufio.NewReader(file)
	return nil
}

// Next returns the next record, or io.EOF when the log is exhausted. A torn
// tail in the final segment also ends iteration; a decode failure anywhere
// else is reported as corruption.
func (r *Reader) Next() (*LogRecord, error) {
	for {
		if r.file == nil {
			return nil, io.EOF
		}
		lr, _, err := readRecord(r.br)
		if err == io.EOF || err == errTorn {
			if err == errTorn && r.segIdx < len(r.segments)-1 {
				return nil, fmt.Errorf("corrupt log record in segment %020d: %w", uint64(r.segments[r.segIdx]), ErrRecordChecksum)
			}
			r.segIdx++
			if r.segIdx >= len(r.segments) {
				r.Close()
				return nil, io.EOF
			}
			if openErr := r.openSegment(); openErr != nil {
				return nil, openErr
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		if lr.LSN < r.from {
			continue
		}
		return lr, nil
	}
}

// Close releases the underlying file handle. Safe to call more than once.
func (r *Reader) Close() error {
	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		return err
	}
	return nil
}

// ForEachRecord walks a single segment file without touching it, calling fn
// for each intact record. A torn tail ends the walk silently, matching what
// the log manager would truncate on the next open.
func ForEachRecord(path string, fn func(*LogRecord) error) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	br := bufio.NewReader(file)
	for {
		lr, _, err := readRecord(br)
		if err == io.EOF || err == errTorn {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(lr); err != nil {
			return err
		}
	}
}

// Package wal implements the write-ahead log: an append-only sequence of
// checksummed records split across size-bounded segment files. Records get
// dense 1-based LSNs; a record is durable once Flush has covered its LSN.
package wal

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"

	"github.com/d-bee/dbee/core/storage/page"
)

// RecordType defines the kind of operation a log record describes.
type RecordType byte

const (
	RecordTypeUpdate RecordType = iota + 1 // byte-range change on a page
	RecordTypeCompensation                 // undo of an update, written during rollback
	RecordTypeBegin
	RecordTypeCommit
	RecordTypeAbort
	RecordTypeAllocatePage
	RecordTypeFreePage
	RecordTypeRootChange // index root page id moved
	RecordTypeCheckpointStart
	RecordTypeCheckpointEnd
)

func (t RecordType) String() string {
	switch t {
	case RecordTypeUpdate:
		return "UPDATE"
	case RecordTypeCompensation:
		return "CLR"
	case RecordTypeBegin:
		return "BEGIN"
	case RecordTypeCommit:
		return "COMMIT"
	case RecordTypeAbort:
		return "ABORT"
	case RecordTypeAllocatePage:
		return "ALLOC_PAGE"
	case RecordTypeFreePage:
		return "FREE_PAGE"
	case RecordTypeRootChange:
		return "ROOT_CHANGE"
	case RecordTypeCheckpointStart:
		return "CHECKPOINT_START"
	case RecordTypeCheckpointEnd:
		return "CHECKPOINT_END"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(t))
	}
}

var (
	ErrRecordChecksum = errors.New("log record checksum mismatch")
	ErrRecordTooLarge = errors.New("log record too large")
)

// LogRecord is a single entry in the write-ahead log.
type LogRecord struct {
	LSN         page.LSN
	PrevLSN     page.LSN // previous record of the same transaction, for undo chaining
	TxnID       uint64   // 0 for records outside any transaction
	Type        RecordType
	PageID      page.PageID
	Offset      uint32   // byte offset within the page, for updates
	Before      []byte   // pre-image, drives undo
	After       []byte   // post-image, drives redo
	UndoNextLSN page.LSN // next record to undo after this CLR is applied
}

// Serialize converts a LogRecord into its on-disk form: a length-prefixed
// body followed by an xxhash64 checksum of the body. The format must stay
// stable for recovery.
func (lr *LogRecord) Serialize() ([]byte, error) {
	body := new(bytes.Buffer)

	if err := binary.Write(body, binary.LittleEndian, lr.LSN); err != nil {
		return nil, fmt.Errorf("failed to serialize LSN: %w", err)
	}
	if err := binary.Write(body, binary.LittleEndian, lr.PrevLSN); err != nil {
		return nil, fmt.Errorf("failed to serialize PrevLSN: %w", err)
	}
	if err := binary.Write(body, binary.LittleEndian, lr.TxnID); err != nil {
		return nil, fmt.Errorf("failed to serialize TxnID: %w", err)
	}
	if err := binary.Write(body, binary.LittleEndian, lr.Type); err != nil {
		return nil, fmt.Errorf("failed to serialize Type: %w", err)
	}
	if err := binary.Write(body, binary.LittleEndian, lr.PageID); err != nil {
		return nil, fmt.Errorf("failed to serialize PageID: %w", err)
	}
	if err := binary.Write(body, binary.LittleEndian, lr.Offset); err != nil {
		return nil, fmt.Errorf("failed to serialize Offset: %w", err)
	}
	if err := binary.Write(body, binary.LittleEndian, lr.UndoNextLSN); err != nil {
		return nil, fmt.Errorf("failed to serialize UndoNextLSN: %w", err)
	}

	if len(lr.Before) > int(^uint32(0)>>1) || len(lr.After) > int(^uint32(0)>>1) {
		return nil, ErrRecordTooLarge
	}
	if err := binary.Write(body, binary.LittleEndian, uint32(len(lr.Before))); err != nil {
		return nil, fmt.Errorf("failed to serialize Before length: %w", err)
	}
	if _, err := body.Write(lr.Before); err != nil {
		return nil, fmt.Errorf("failed to write Before: %w", err)
	}
	if err := binary.Write(body, binary.LittleEndian, uint32(len(lr.After))); err != nil {
		return nil, fmt.Errorf("failed to serialize After length: %w", err)
	}
	if _, err := body.Write(lr.After); err != nil {
		return nil, fmt.Errorf("failed to write After: %w", err)
	}

	bodyBytes := body.Bytes()
	out := make([]byte, 4+len(bodyBytes)+8)
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(bodyBytes)))
	copy(out[4:], bodyBytes)
	binary.LittleEndian.PutUint64(out[4+len(bodyBytes):], xxhash.Sum64(bodyBytes))
	return out, nil
}

// Deserialize decodes a record body produced by Serialize (without the
// length prefix and checksum, which the reader strips after verification).
func (lr *LogRecord) Deserialize(body []byte) error {
	buf := bytes.NewReader(body)

	if err := binary.Read(buf, binary.LittleEndian, &lr.LSN); err != nil {
		return fmt.Errorf("failed to deserialize LSN: %w", err)
	}
	if err := binary.Read(buf, binary.LittleEndian, &lr.PrevLSN); err != nil {
		return fmt.Errorf("failed to deserialize PrevLSN: %w", err)
	}
	if err := binary.Read(buf, binary.LittleEndian, &lr.TxnID); err != nil {
		return fmt.Errorf("failed to deserialize TxnID: %w", err)
	}
	if err := binary.Read(buf, binary.LittleEndian, &lr.Type); err != nil {
		return fmt.Errorf("failed to deserialize Type: %w", err)
	}
	if err := binary.Read(buf, binary.LittleEndian, &lr.PageID); err != nil {
		return fmt.Errorf("failed to deserialize PageID: %w", err)
	}
	if err := binary.Read(buf, binary.LittleEndian, &lr.Offset); err != nil {
		return fmt.Errorf("failed to deserialize Offset: %w", err)
	}
	if err := binary.Read(buf, binary.LittleEndian, &lr.UndoNextLSN); err != nil {
		return fmt.Errorf("failed to deserialize UndoNextLSN: %w", err)
	}

	var beforeLen uint32
	if err := binary.Read(buf, binary.LittleEndian, &beforeLen); err != nil {
		return fmt.Errorf("failed to deserialize Before length: %w", err)
	}
	// Absent payloads round-trip as nil, not empty.
	if beforeLen > 0 {
		lr.Before = make([]byte, beforeLen)
		if _, err := io.ReadFull(buf, lr.Before); err != nil {
			return fmt.Errorf("failed to read Before: %w", err)
		}
	}

	var afterLen uint32
	if err := binary.Read(buf, binary.LittleEndian, &afterLen); err != nil {
		return fmt.Errorf("failed to deserialize After length: %w", err)
	}
	if afterLen > 0 {
		lr.After = make([]byte, afterLen)
		if _, err := io.ReadFull(buf, lr.After); err != nil {
			return fmt.Errorf("failed to read After: %w", err)
		}
	}

	return nil
}

// CheckpointSnapshot is the payload of a CHECKPOINT_END record: the active
// transaction table and the dirty page table at the moment the checkpoint
// was taken. Recovery's analysis pass starts from it.
type CheckpointSnapshot struct {
	ActiveTxns map[uint64]page.LSN      // txn id -> last LSN written by the txn
	DirtyPages map[page.PageID]page.LSN // page id -> recLSN (first LSN that dirtied it)
}

// Encode serializes the snapshot for storage in a log record's After field.
func (cs *CheckpointSnapshot) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, uint32(len(cs.ActiveTxns))); err != nil {
		return nil, err
	}
	for txnID, lastLSN := range cs.ActiveTxns {
		if err := binary.Write(buf, binary.LittleEndian, txnID); err != nil {
			return nil, err
		}
		if err := binary.Write(buf, binary.LittleEndian, lastLSN); err != nil {
			return nil, err
		}
	}
	if err := binary.Write(buf, binary.LittleEndian, uint32(len(cs.DirtyPages))); err != nil {
		return nil, err
	}
	for pageID, recLSN := range cs.DirtyPages {
		if err := binary.Write(buf, binary.LittleEndian, pageID); err != nil {
			return nil, err
		}
		if err := binary.Write(buf, binary.LittleEndian, recLSN); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// DecodeCheckpointSnapshot parses a CHECKPOINT_END payload.
func DecodeCheckpointSnapshot(data []byte) (*CheckpointSnapshot, error) {
	buf := bytes.NewReader(data)
	cs := &CheckpointSnapshot{
		ActiveTxns: make(map[uint64]page.LSN),
		DirtyPages: make(map[page.PageID]page.LSN),
	}

	var txnCount uint32
	if err := binary.Read(buf, binary.LittleEndian, &txnCount); err != nil {
		return nil, fmt.Errorf("failed to decode active txn count: %w", err)
	}
	for i := uint32(0); i < txnCount; i++ {
		var txnID uint64
		var lastLSN page.LSN
		if err := binary.Read(buf, binary.LittleEndian, &txnID); err != nil {
			return nil, fmt.Errorf("failed to decode active txn id: %w", err)
		}
		if err := binary.Read(buf, binary.LittleEndian, &lastLSN); err != nil {
			return nil, fmt.Errorf("failed to decode active txn lastLSN: %w", err)
		}
		cs.ActiveTxns[txnID] = lastLSN
	}

	var pageCount uint32
	if err := binary.Read(buf, binary.LittleEndian, &pageCount); err != nil {
		return nil, fmt.Errorf("failed to decode dirty page count: %w", err)
	}
	for i := uint32(0); i < pageCount; i++ {
		var pageID page.PageID
		var recLSN page.LSN
		if err := binary.Read(buf, binary.LittleEndian, &pageID); err != nil {
			return nil, fmt.Errorf("failed to decode dirty page id: %w", err)
		}
		if err := binary.Read(buf, binary.LittleEndian, &recLSN); err != nil {
			return nil, fmt.Errorf("failed to decode dirty page recLSN: %w", err)
		}
		cs.DirtyPages[pageID] = recLSN
	}
	return cs, nil
}

package wal

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/d-bee/dbee/core/storage/page"
)

const (
	segmentPrefix = "wal-"
	segmentSuffix = ".log"

	flushInterval = 100 * time.Millisecond
)

// LogManager manages the write-ahead log segments. Records are appended to
// an in-memory buffer, assigned dense 1-based LSNs, and become durable when
// Flush covers their LSN. Concurrent committers share fsyncs: a committer
// whose LSN is already durable returns without touching the disk.
type LogManager struct {
	logDir      string
	logFile     *os.File // active segment
	segmentLSN  page.LSN // first LSN of the active segment (names the file)
	fileOffset  int64    // bytes written to the active segment file
	buffer      *bytes.Buffer
	bufferSize  int
	segmentSize int64

	nextLSN     page.LSN // next LSN to assign
	bufferedLSN page.LSN // highest LSN written to the buffer
	durableLSN  page.LSN // highest LSN guaranteed on stable storage

	mu       sync.Mutex
	stopChan chan struct{}
	wg       sync.WaitGroup
	logger   *zap.Logger
}

// NewLogManager opens the log directory, scans existing segments to
// re-establish the LSN sequence, truncates any torn tail left by a crash,
// and starts the background flusher.
func NewLogManager(logDir string, bufferSize int, segmentSize int64, logger *zap.Logger) (*LogManager, error) {
	if bufferSize <= 0 {
		return nil, fmt.Errorf("log buffer size must be positive")
	}
	if segmentSize <= 0 {
		return nil, fmt.Errorf("log segment size must be positive")
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", logDir, err)
	}

	lm := &LogManager{
		logDir:      logDir,
		buffer:      bytes.NewBuffer(make([]byte, 0, bufferSize)),
		bufferSize:  bufferSize,
		segmentSize: segmentSize,
		stopChan:    make(chan struct{}),
		logger:      logger,
	}

	if err := lm.openLatestSegment(); err != nil {
		return nil, fmt.Errorf("failed to initialize log segment: %w", err)
	}

	lm.wg.Add(1)
	go lm.flusher()

	logger.Info("LogManager initialized",
		zap.String("logDir", logDir),
		zap.Uint64("nextLSN", uint64(lm.nextLSN)),
		zap.Uint64("durableLSN", uint64(lm.durableLSN)))
	return lm, nil
}

// segmentPath returns the file path for the segment whose first record has
// the given LSN.
func (lm *LogManager) segmentPath(firstLSN page.LSN) string {
	return filepath.Join(lm.logDir, fmt.Sprintf("%s%020d%s", segmentPrefix, uint64(firstLSN), segmentSuffix))
}

// listSegments returns the first-LSNs of all segments in ascending order.
func (lm *LogManager) listSegments() ([]page.LSN, error) {
	entries, err := os.ReadDir(lm.logDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read log directory %s: %w", lm.logDir, err)
	}
	var firsts []page.LSN
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), segmentPrefix) || !strings.HasSuffix(e.Name(), segmentSuffix) {
			continue
		}
		numPart := strings.TrimSuffix(strings.TrimPrefix(e.Name(), segmentPrefix), segmentSuffix)
		first, parseErr := strconv.ParseUint(numPart, 10, 64)
		if parseErr != nil {
			continue
		}
		firsts = append(firsts, page.LSN(first))
	}
	sort.Slice(firsts, func(i, j int) bool { return firsts[i] < firsts[j] })
	return firsts, nil
}

// openLatestSegment scans existing segments to determine nextLSN, truncates
// a torn tail in the last segment, and opens it for appending. Called only
// from NewLogManager, before the flusher starts.
func (lm *LogManager) openLatestSegment() error {
	firsts, err := lm.listSegments()
	if err != nil {
		return err
	}

	if len(firsts) == 0 {
		lm.segmentLSN = 1
		lm.nextLSN = 1
		lm.durableLSN = 0
		path := lm.segmentPath(lm.segmentLSN)
		file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			return fmt.Errorf("failed to create log segment %s: %w", path, err)
		}
		lm.logFile = file
		lm.fileOffset = 0
		return nil
	}

	last := firsts[len(firsts)-1]
	path := lm.segmentPath(last)

	// Scan the last segment to find the end of the valid record sequence.
	// A crash mid-write leaves a torn record at the tail; everything before
	// it is intact, so the file is truncated at the last good offset.
	lastLSN, goodOffset, scanErr := scanSegment(path, last)
	if scanErr != nil {
		return fmt.Errorf("failed to scan log segment %s: %w", path, scanErr)
	}

	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat log segment %s: %w", path, err)
	}
	if fi.Size() > goodOffset {
		lm.logger.Warn("Truncating torn tail of log segment",
			zap.String("segment", filepath.Base(path)),
			zap.Int64("fileSize", fi.Size()),
			zap.Int64("validBytes", goodOffset))
		if err := os.Truncate(path, goodOffset); err != nil {
			return fmt.Errorf("failed to truncate torn log segment %s: %w", path, err)
		}
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return fmt.Errorf("failed to open log segment %s: %w", path, err)
	}
	lm.logFile = file
	lm.segmentLSN = last
	lm.fileOffset = goodOffset
	if lastLSN == page.InvalidLSN {
		// Empty last segment; its name tells us where the sequence resumes.
		lm.nextLSN = last
		lm.durableLSN = last - 1
	} else {
		lm.nextLSN = lastLSN + 1
		lm.durableLSN = lastLSN
	}
	return nil
}

// NextLSN returns the LSN the next appended record will receive.
func (lm *LogManager) NextLSN() page.LSN {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.nextLSN
}

// DurableLSN returns the highest LSN known to be on stable storage.
func (lm *LogManager) DurableLSN() page.LSN {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.durableLSN
}

// Append assigns the record the next LSN and adds it to the in-memory
// buffer. The record is not guaranteed durable until Flush covers its LSN.
func (lm *LogManager) Append(record *LogRecord) (page.LSN, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	record.LSN = lm.nextLSN

	serialized, err := record.Serialize()
	if err != nil {
		return page.InvalidLSN, fmt.Errorf("failed to serialize log record: %w", err)
	}
	recordSize := int64(len(serialized))

	if lm.buffer.Len()+len(serialized) > lm.bufferSize {
		if err := lm.flushBufferLocked(); err != nil {
			return page.InvalidLSN, fmt.Errorf("failed to flush log buffer before append: %w", err)
		}
	}

	// Roll to a new segment rather than letting one grow without bound. A
	// single oversized record still goes through; it just gets its own
	// segment.
	if lm.fileOffset+int64(lm.buffer.Len())+recordSize > lm.segmentSize && lm.fileOffset+int64(lm.buffer.Len()) > 0 {
		if err := lm.rollSegmentLocked(record.LSN); err != nil {
			return page.InvalidLSN, fmt.Errorf("failed to roll log segment: %w", err)
		}
	}

	if _, err := lm.buffer.Write(serialized); err != nil {
		return page.InvalidLSN, fmt.Errorf("failed to buffer log record: %w", err)
	}
	lm.bufferedLSN = record.LSN
	lm.nextLSN++

	lm.logger.Debug("Appended log record",
		zap.Uint64("lsn", uint64(record.LSN)),
		zap.String("type", record.Type.String()),
		zap.Uint64("txnID", record.TxnID),
		zap.Uint64("pageID", uint64(record.PageID)))
	return record.LSN, nil
}

// Flush makes every record with LSN <= upto durable. Passing InvalidLSN
// flushes everything appended so far. Flush is idempotent and monotonic:
// if upto is already durable it returns immediately, which gives commits
// arriving after a shared fsync a free ride.
func (lm *LogManager) Flush(upto page.LSN) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if upto != page.InvalidLSN && upto <= lm.durableLSN {
		return nil
	}
	return lm.syncLocked()
}

// flushBufferLocked writes the buffer to the active segment file without
// syncing. Callers must hold lm.mu.
func (lm *LogManager) flushBufferLocked() error {
	if lm.buffer.Len() == 0 {
		return nil
	}
	if lm.logFile == nil {
		return fmt.Errorf("log file is not open")
	}
	n, err := lm.logFile.Write(lm.buffer.Bytes())
	if err != nil {
		return fmt.Errorf("failed to write log buffer: %w", err)
	}
	if n != lm.buffer.Len() {
		return fmt.Errorf("short write to log file: expected %d, wrote %d", lm.buffer.Len(), n)
	}
	lm.fileOffset += int64(n)
	lm.buffer.Reset()
	return nil
}

// syncLocked flushes the buffer and fsyncs the segment, advancing
// durableLSN to cover everything appended. Callers must hold lm.mu.
func (lm *LogManager) syncLocked() error {
	if err := lm.flushBufferLocked(); err != nil {
		return err
	}
	if lm.logFile != nil {
		if err := lm.logFile.Sync(); err != nil {
			return fmt.Errorf("failed to sync log file: %w", err)
		}
	}
	if lm.bufferedLSN > lm.durableLSN {
		lm.durableLSN = lm.bufferedLSN
	}
	return nil
}

// rollSegmentLocked closes the active segment and opens a new one whose
// name carries the first LSN it will hold. Callers must hold lm.mu.
func (lm *LogManager) rollSegmentLocked(firstLSN page.LSN) error {
	if err := lm.syncLocked(); err != nil {
		return fmt.Errorf("failed to sync segment before roll: %w", err)
	}
	if lm.logFile != nil {
		if err := lm.logFile.Close(); err != nil {
			return fmt.Errorf("failed to close log segment: %w", err)
		}
		lm.logFile = nil
	}

	lm.segmentLSN = firstLSN
	path := lm.segmentPath(firstLSN)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return fmt.Errorf("failed to open new log segment %s: %w", path, err)
	}
	lm.logFile = file
	lm.fileOffset = 0

	lm.logger.Info("Rolled to new log segment", zap.String("segment", filepath.Base(path)))
	return nil
}

// TruncateBefore removes whole segments whose records all precede lsn.
// Used after a checkpoint to reclaim log space. The active segment is
// never removed.
func (lm *LogManager) TruncateBefore(lsn page.LSN) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	firsts, err := lm.listSegments()
	if err != nil {
		return err
	}
	// A segment is removable when the NEXT segment starts at or before lsn,
	// meaning every record in this one is older.
	for i := 0; i+1 < len(firsts); i++ {
		if firsts[i+1] > lsn {
			break
		}
		if firsts[i] == lm.segmentLSN {
			break
		}
		path := lm.segmentPath(firsts[i])
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to remove old log segment %s: %w", path, err)
		}
		lm.logger.Info("Removed old log segment", zap.String("segment", filepath.Base(path)))
	}
	return nil
}

// flusher periodically pushes buffered records to disk so that a quiet
// system still bounds the amount of undurable log.
func (lm *LogManager) flusher() {
	defer lm.wg.Done()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-lm.stopChan:
			lm.mu.Lock()
			if err := lm.syncLocked(); err != nil {
				lm.logger.Error("Final log sync failed on flusher stop", zap.Error(err))
			}
			lm.mu.Unlock()
			return
		case <-ticker.C:
			lm.mu.Lock()
			if lm.buffer.Len() > 0 {
				if err := lm.syncLocked(); err != nil {
					lm.logger.Error("Periodic log sync failed", zap.Error(err))
				}
			}
			lm.mu.Unlock()
		}
	}
}

// Close stops the flusher, syncs any remaining records, and closes the
// active segment.
func (lm *LogManager) Close() error {
	close(lm.stopChan)
	lm.wg.Wait()

	lm.mu.Lock()
	defer lm.mu.Unlock()

	if err := lm.syncLocked(); err != nil {
		lm.logger.Error("Failed to sync log on close", zap.Error(err))
	}
	if lm.logFile != nil {
		if err := lm.logFile.Close(); err != nil {
			return fmt.Errorf("failed to close log file: %w", err)
		}
		lm.logFile = nil
	}
	lm.logger.Info("LogManager closed")
	return nil
}

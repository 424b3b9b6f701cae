package transaction

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrDeadlock is returned to the youngest transaction in a wait-for
	// cycle. The caller is expected to abort it.
	ErrDeadlock = errors.New("deadlock detected")
	// ErrLockTimeout is returned when a lock stays unavailable past the
	// retry limit without a detectable cycle.
	ErrLockTimeout = errors.New("lock wait timed out")
)

// LockID names a lockable resource. The engine hashes index name plus key
// into one, so locking is at key granularity.
type LockID uint64

// LockMode is the strength of a held lock.
type LockMode int

const (
	SharedLock LockMode = iota
	ExclusiveLock
)

func (m LockMode) String() string {
	if m == ExclusiveLock {
		return "X"
	}
	return "S"
}

const (
	lockMaxRetries    = 2000
	lockInitialDelay  = time.Millisecond
	lockMaxRetryDelay = 50 * time.Millisecond
)

type lockState struct {
	holders map[uint64]LockMode
}

// LockManager implements strict two-phase locking over LockIDs with
// shared/exclusive modes, in-place upgrade, and wait-for graph deadlock
// detection. Locks are only ever released all at once, at commit or abort.
type LockManager struct {
	mu       sync.Mutex
	locks    map[LockID]*lockState
	held     map[uint64]map[LockID]LockMode
	depGraph *DependencyGraph
}

func NewLockManager() *LockManager {
	return &LockManager{
		locks:    make(map[LockID]*lockState),
		held:     make(map[uint64]map[LockID]LockMode),
		depGraph: NewDependencyGraph(),
	}
}

// Acquire takes the lock in the given mode for txnID, blocking with
// backoff while conflicting holders remain. A shared holder requesting
// exclusive is upgraded once it is the sole holder.
func (lm *LockManager) Acquire(txnID uint64, id LockID, mode LockMode) error {
	delay := lockInitialDelay
	for attempt := 0; attempt < lockMaxRetries; attempt++ {
		lm.mu.Lock()
		granted, conflicting := lm.tryGrantLocked(txnID, id, mode)
		if granted {
			lm.mu.Unlock()
			lm.depGraph.ClearWaiter(txnID)
			return nil
		}
		for _, holder := range conflicting {
			lm.depGraph.AddEdge(txnID, holder)
		}
		lm.mu.Unlock()

		// Transaction ids are monotonic, so the largest id in the cycle
		// is the youngest. Only the youngest aborts; the rest keep
		// waiting and proceed once the victim's locks are released.
		if cycle := lm.depGraph.CycleFrom(txnID); cycle != nil {
			youngest := txnID
			for _, member := range cycle {
				if member > youngest {
					youngest = member
				}
			}
			if youngest == txnID {
				lm.depGraph.ClearWaiter(txnID)
				return fmt.Errorf("txn %d waiting for lock %d: %w", txnID, id, ErrDeadlock)
			}
		}

		time.Sleep(delay)
		if delay < lockMaxRetryDelay {
			delay *= 2
		}
	}
	lm.depGraph.ClearWaiter(txnID)
	return fmt.Errorf("txn %d lock %d: %w", txnID, id, ErrLockTimeout)
}

// tryGrantLocked attempts the grant and, on failure, returns the holders
// the request conflicts with. Callers hold lm.mu.
func (lm *LockManager) tryGrantLocked(txnID uint64, id LockID, mode LockMode) (bool, []uint64) {
	st := lm.locks[id]
	if st == nil {
		st = &lockState{holders: make(map[uint64]LockMode)}
		lm.locks[id] = st
	}

	if cur, ok := st.holders[txnID]; ok {
		if cur == ExclusiveLock || mode == SharedLock {
			return true, nil
		}
		// Upgrade: allowed only as the sole holder.
		if len(st.holders) == 1 {
			st.holders[txnID] = ExclusiveLock
			lm.held[txnID][id] = ExclusiveLock
			return true, nil
		}
		var conflicting []uint64
		for holder := range st.holders {
			if holder != txnID {
				conflicting = append(conflicting, holder)
			}
		}
		return false, conflicting
	}

	compatible := true
	var conflicting []uint64
	for holder, heldMode := range st.holders {
		if mode == ExclusiveLock || heldMode == ExclusiveLock {
			compatible = false
			conflicting = append(conflicting, holder)
		}
	}
	if !compatible {
		return false, conflicting
	}

	st.holders[txnID] = mode
	if lm.held[txnID] == nil {
		lm.held[txnID] = make(map[LockID]LockMode)
	}
	lm.held[txnID][id] = mode
	return true, nil
}

// ReleaseAll drops every lock the transaction holds and erases it from the
// wait-for graph.
func (lm *LockManager) ReleaseAll(txnID uint64) {
	lm.mu.Lock()
	for id := range lm.held[txnID] {
		if st := lm.locks[id]; st != nil {
			delete(st.holders, txnID)
			if len(st.holders) == 0 {
				delete(lm.locks, id)
			}
		}
	}
	delete(lm.held, txnID)
	lm.mu.Unlock()
	lm.depGraph.RemoveTransaction(txnID)
}

// HoldsLock reports whether the transaction holds the lock at least at the
// given mode.
func (lm *LockManager) HoldsLock(txnID uint64, id LockID, mode LockMode) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	cur, ok := lm.held[txnID][id]
	if !ok {
		return false
	}
	return cur == ExclusiveLock || mode == SharedLock
}

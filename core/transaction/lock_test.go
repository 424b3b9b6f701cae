package transaction

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSharedLocksCoexist(t *testing.T) {
	lm := NewLockManager()
	require.NoError(t, lm.Acquire(1, LockID(10), SharedLock))
	require.NoError(t, lm.Acquire(2, LockID(10), SharedLock))
	require.True(t, lm.HoldsLock(1, LockID(10), SharedLock))
	require.True(t, lm.HoldsLock(2, LockID(10), SharedLock))
}

func TestExclusiveLockIsReentrant(t *testing.T) {
	lm := NewLockManager()
	require.NoError(t, lm.Acquire(1, LockID(10), ExclusiveLock))
	require.NoError(t, lm.Acquire(1, LockID(10), ExclusiveLock))
	// An exclusive holder implicitly holds shared access too.
	require.NoError(t, lm.Acquire(1, LockID(10), SharedLock))
}

func TestSoleSharedHolderUpgrades(t *testing.T) {
	lm := NewLockManager()
	require.NoError(t, lm.Acquire(1, LockID(10), SharedLock))
	require.NoError(t, lm.Acquire(1, LockID(10), ExclusiveLock))
	require.True(t, lm.HoldsLock(1, LockID(10), ExclusiveLock))
}

func TestExclusiveBlocksUntilRelease(t *testing.T) {
	lm := NewLockManager()
	require.NoError(t, lm.Acquire(1, LockID(10), ExclusiveLock))

	acquired := make(chan error, 1)
	go func() {
		acquired <- lm.Acquire(2, LockID(10), ExclusiveLock)
	}()

	select {
	case <-acquired:
		t.Fatal("conflicting lock granted while held")
	case <-time.After(50 * time.Millisecond):
	}

	lm.ReleaseAll(1)
	require.NoError(t, <-acquired)
}

func TestDeadlockDetected(t *testing.T) {
	lm := NewLockManager()
	a, b := LockID(1), LockID(2)

	require.NoError(t, lm.Acquire(1, a, ExclusiveLock))
	require.NoError(t, lm.Acquire(2, b, ExclusiveLock))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs[0] = lm.Acquire(1, b, ExclusiveLock)
		if errs[0] != nil {
			lm.ReleaseAll(1)
		}
	}()
	go func() {
		defer wg.Done()
		errs[1] = lm.Acquire(2, a, ExclusiveLock)
		if errs[1] != nil {
			lm.ReleaseAll(2)
		}
	}()
	wg.Wait()

	// The youngest transaction in the cycle is the victim; the older one
	// acquires normally once the victim's locks are gone.
	require.NoError(t, errs[0])
	require.ErrorIs(t, errs[1], ErrDeadlock)
}

func TestReleaseAllClearsWaitEdges(t *testing.T) {
	lm := NewLockManager()
	require.NoError(t, lm.Acquire(1, LockID(5), ExclusiveLock))
	lm.ReleaseAll(1)

	// A fresh transaction reusing the id must not see stale state.
	require.NoError(t, lm.Acquire(2, LockID(5), ExclusiveLock))
	require.False(t, lm.HoldsLock(1, LockID(5), SharedLock))
}

func TestDependencyGraphCycle(t *testing.T) {
	g := NewDependencyGraph()
	g.AddEdge(1, 2)
	g.AddEdge(2, 3)
	require.False(t, g.HasCycleFrom(1))

	g.AddEdge(3, 1)
	require.True(t, g.HasCycleFrom(1))
	require.True(t, g.HasCycleFrom(2))

	g.RemoveTransaction(3)
	require.False(t, g.HasCycleFrom(1))
}

func TestDependencyGraphClearWaiter(t *testing.T) {
	g := NewDependencyGraph()
	g.AddEdge(1, 2)
	g.AddEdge(2, 1)
	require.True(t, g.HasCycleFrom(1))

	g.ClearWaiter(1)
	require.False(t, g.HasCycleFrom(1))
}

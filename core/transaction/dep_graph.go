package transaction

import "sync"

// DependencyGraph tracks wait-for edges between transactions: an edge from
// A to B means A is blocked on a lock B holds. A cycle through a waiter
// means deadlock.
type DependencyGraph struct {
	mu    sync.Mutex
	edges map[uint64]map[uint64]bool
}

func NewDependencyGraph() *DependencyGraph {
	return &DependencyGraph{edges: make(map[uint64]map[uint64]bool)}
}

// AddEdge records that waiter is blocked on holder.
func (dg *DependencyGraph) AddEdge(waiter, holder uint64) {
	if waiter == holder {
		return
	}
	dg.mu.Lock()
	defer dg.mu.Unlock()
	if dg.edges[waiter] == nil {
		dg.edges[waiter] = make(map[uint64]bool)
	}
	dg.edges[waiter][holder] = true
}

// ClearWaiter drops all outgoing edges of a transaction, called once its
// lock request is granted or abandoned.
func (dg *DependencyGraph) ClearWaiter(waiter uint64) {
	dg.mu.Lock()
	defer dg.mu.Unlock()
	delete(dg.edges, waiter)
}

// RemoveTransaction erases a transaction from the graph entirely, both as
// waiter and as holder.
func (dg *DependencyGraph) RemoveTransaction(txnID uint64) {
	dg.mu.Lock()
	defer dg.mu.Unlock()
	delete(dg.edges, txnID)
	for waiter, holders := range dg.edges {
		delete(holders, txnID)
		if len(holders) == 0 {
			delete(dg.edges, waiter)
		}
	}
}

// HasCycleFrom reports whether a cycle through start exists, following
// wait-for edges depth first.
func (dg *DependencyGraph) HasCycleFrom(start uint64) bool {
	return dg.CycleFrom(start) != nil
}

// CycleFrom returns the members of a wait-for cycle through start, or nil
// when none exists. The path starts at start and follows edges back to it.
func (dg *DependencyGraph) CycleFrom(start uint64) []uint64 {
	dg.mu.Lock()
	defer dg.mu.Unlock()

	visited := make(map[uint64]bool)
	var path []uint64
	var dfs func(cur uint64) bool
	dfs = func(cur uint64) bool {
		path = append(path, cur)
		for next := range dg.edges[cur] {
			if next == start {
				return true
			}
			if !visited[next] {
				visited[next] = true
				if dfs(next) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		return false
	}
	if dfs(start) {
		out := make([]uint64, len(path))
		copy(out, path)
		return out
	}
	return nil
}

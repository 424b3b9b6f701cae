package btree

import (
	"fmt"

	"github.com/d-bee/dbee/core/storage/page"
)

type kvRaw struct {
	key []byte
	val []byte
}

// Cursor iterates keys in ascending order within [from, to). It holds no
// pins or latches between Next calls: it drains one leaf at a time into a
// buffer and re-seeks by the last returned key when the tree may have
// shifted underneath it, so long scans never block writers.
type Cursor[K any, V any] struct {
	b       *BTree[K, V]
	from    []byte // nil for an unbounded lower end
	to      []byte // exclusive; nil for an unbounded upper end
	buf     []kvRaw
	nextPID page.PageID // sibling hint for the next refill
	lastKey []byte
	started bool
	done    bool
}

// Scan returns a cursor over keys in [from, to). A nil bound leaves that
// end open.
func (b *BTree[K, V]) Scan(from, to *K) (*Cursor[K, V], error) {
	c := &Cursor[K, V]{b: b}
	if from != nil {
		kb, err := b.serializeKey(*from)
		if err != nil {
			return nil, err
		}
		c.from = kb
	}
	if to != nil {
		kb, err := b.serializeKey(*to)
		if err != nil {
			return nil, err
		}
		c.to = kb
	}
	return c, nil
}

// Next returns the next pair in the range. The boolean is false once the
// range is exhausted.
func (c *Cursor[K, V]) Next() (K, V, bool, error) {
	var zeroK K
	var zeroV V
	for len(c.buf) == 0 {
		if c.done {
			return zeroK, zeroV, false, nil
		}
		if err := c.refill(); err != nil {
			return zeroK, zeroV, false, err
		}
	}

	cell := c.buf[0]
	c.buf = c.buf[1:]
	c.lastKey = cell.key

	key, err := c.b.serde.DeserializeKey(cell.key)
	if err != nil {
		return zeroK, zeroV, false, fmt.Errorf("failed to deserialize key: %w", err)
	}
	val, err := c.b.serde.DeserializeValue(cell.val)
	if err != nil {
		return zeroK, zeroV, false, fmt.Errorf("failed to deserialize value: %w", err)
	}
	return key, val, true, nil
}

// refill loads the next batch of qualifying cells. It first tries the
// sibling hint left by the previous batch and falls back to a fresh
// descent when the hint no longer lines up with the key order.
func (c *Cursor[K, V]) refill() error {
	// lower bound for this batch: >= from on the first call, > lastKey
	// afterwards.
	if c.started && c.nextPID != page.InvalidPageID {
		ok, err := c.refillFromSibling()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		// Hint went stale (leaf merged, split, or recycled); re-seek.
	}
	return c.refillFromRoot()
}

// refillFromSibling drains the hinted sibling leaf. It returns false when
// the hint cannot be trusted and the caller must re-descend.
func (c *Cursor[K, V]) refillFromSibling() (bool, error) {
	b := c.b
	p, err := b.bpm.FetchPage(c.nextPID)
	if err != nil {
		// The page may have been freed since the hint was taken.
		c.nextPID = page.InvalidPageID
		return false, nil
	}
	p.RLock()
	if page.KindOf(p.GetData()) != page.KindLeaf {
		b.releaseRead(p)
		c.nextPID = page.InvalidPageID
		return false, nil
	}
	n, err := decodeNode(c.nextPID, p.GetData())
	if err != nil {
		b.releaseRead(p)
		c.nextPID = page.InvalidPageID
		return false, nil
	}
	// The sibling must continue the key order where we left off.
	if len(n.keys) == 0 || (c.lastKey != nil && b.cmp(n.keys[0], c.lastKey) <= 0) {
		b.releaseRead(p)
		c.nextPID = page.InvalidPageID
		return false, nil
	}
	err = c.collectLeaf(p, n)
	return err == nil, err
}

// refillFromRoot descends read-crabbing to the leaf containing the batch's
// lower bound and drains it.
func (c *Cursor[K, V]) refillFromRoot() error {
	b := c.b

	bound := c.from
	if c.started {
		bound = c.lastKey
	}

	b.rootMu.RLock()
	if b.root == page.InvalidPageID {
		b.rootMu.RUnlock()
		return fmt.Errorf("%w: %q", ErrInvalidIndex, b.name)
	}
	p, n, err := b.fetchNode(b.root, false)
	b.rootMu.RUnlock()
	if err != nil {
		return err
	}

	for !n.isLeaf() {
		idx := 0
		if bound != nil {
			idx, _ = n.search(bound, b.cmp)
		}
		child, cn, err := b.fetchNode(n.children[idx], false)
		if err != nil {
			b.releaseRead(p)
			return err
		}
		b.releaseRead(p)
		p, n = child, cn
	}
	return c.collectLeaf(p, n)
}

// collectLeaf copies the leaf's qualifying cells into the buffer, records
// the sibling hint, and releases the leaf. Overflow values are resolved
// while the leaf latch is held so the refs cannot go stale.
func (c *Cursor[K, V]) collectLeaf(p *page.Page, n *node) error {
	b := c.b
	defer b.releaseRead(p)

	for i, k := range n.keys {
		if !c.started && c.from != nil && b.cmp(k, c.from) < 0 {
			continue
		}
		if c.started && c.lastKey != nil && b.cmp(k, c.lastKey) <= 0 {
			continue
		}
		if c.to != nil && b.cmp(k, c.to) >= 0 {
			c.done = true
			break
		}
		val, err := b.resolveValue(n.vals[i])
		if err != nil {
			return err
		}
		keyCopy := make([]byte, len(k))
		copy(keyCopy, k)
		c.buf = append(c.buf, kvRaw{key: keyCopy, val: val})
	}

	c.started = true
	if !c.done {
		c.nextPID = n.next
		if n.next == page.InvalidPageID {
			// End of the leaf chain; once the buffer drains we are done.
			if len(c.buf) == 0 {
				c.done = true
			} else {
				c.nextPID = page.InvalidPageID
			}
		}
	}
	return nil
}

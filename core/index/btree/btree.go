package btree

import (
	"encoding/binary"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/d-bee/dbee/core/storage/bufferpool"
	"github.com/d-bee/dbee/core/storage/page"
)

// TxnContext is the logging surface a tree mutation runs against. The
// transaction layer implements it twice: once for forward operations
// (records carry an undo payload) and once for rollback (records become
// compensations that are never undone themselves).
type TxnContext interface {
	// LogUpdate records a page's post-image for redo and an optional
	// logical undo payload. Structural changes pass nil undo: they are
	// redone after a crash but never rolled back, which keeps the tree
	// well formed even when the enclosing transaction aborts.
	LogUpdate(pageID page.PageID, undo []byte, pageImage []byte) (page.LSN, error)
	LogAllocate(pageID page.PageID) (page.LSN, error)
	LogFree(pageID page.PageID) (page.LSN, error)
	LogRootChange(index string, oldRoot, newRoot page.PageID) (page.LSN, error)
}

// UndoOp says how to invert a leaf-level change.
type UndoOp byte

const (
	UndoDeleteKey    UndoOp = iota + 1 // key was inserted; undo removes it
	UndoRestoreValue                   // value was changed or removed; undo puts the old one back
)

// EncodeUndo builds the logical undo payload carried by update records for
// leaf value changes.
func EncodeUndo(index string, op UndoOp, key, val []byte) []byte {
	out := make([]byte, 0, 1+1+len(index)+2+len(key)+4+len(val))
	out = append(out, byte(op), byte(len(index)))
	out = append(out, index...)
	var klen [2]byte
	binary.LittleEndian.PutUint16(klen[:], uint16(len(key)))
	out = append(out, klen[:]...)
	out = append(out, key...)
	var vlen [4]byte
	binary.LittleEndian.PutUint32(vlen[:], uint32(len(val)))
	out = append(out, vlen[:]...)
	out = append(out, val...)
	return out
}

// DecodeUndo parses a payload built by EncodeUndo.
func DecodeUndo(blob []byte) (index string, op UndoOp, key, val []byte, err error) {
	if len(blob) < 2 {
		return "", 0, nil, nil, fmt.Errorf("undo payload too short")
	}
	op = UndoOp(blob[0])
	nameLen := int(blob[1])
	off := 2
	if off+nameLen+2 > len(blob) {
		return "", 0, nil, nil, fmt.Errorf("undo payload truncated index name")
	}
	index = string(blob[off : off+nameLen])
	off += nameLen
	keyLen := int(binary.LittleEndian.Uint16(blob[off:]))
	off += 2
	if off+keyLen+4 > len(blob) {
		return "", 0, nil, nil, fmt.Errorf("undo payload truncated key")
	}
	key = blob[off : off+keyLen]
	off += keyLen
	valLen := int(binary.LittleEndian.Uint32(blob[off:]))
	off += 4
	if off+valLen > len(blob) {
		return "", 0, nil, nil, fmt.Errorf("undo payload truncated value")
	}
	val = blob[off : off+valLen]
	return index, op, key, val, nil
}

// BTree is a disk-paged B+ tree keyed by K with values V. Concurrent
// access uses latch crabbing over per-page latches: descent holds a
// parent's latch only until the child is latched and known safe, and
// splits and merges happen preemptively on the way down so fix-ups never
// propagate back up a released path.
type BTree[K any, V any] struct {
	name  string
	bpm   *bufferpool.BufferPoolManager
	order Order[K]
	serde KeyValueSerializer[K, V]

	// rootMu guards the root page id. Writers hold it exclusively only
	// while the root itself might change (split or collapse).
	rootMu sync.RWMutex
	root   page.PageID

	// onRootChange persists the new root in the index catalog.
	onRootChange func(newRoot page.PageID) error

	payloadSize        int
	maxKey             int // per-tree key bound, scaled down for small pages
	maxInline          int // values above this go to overflow pages
	leafSplitLimit     int // encoded bytes beyond which a leaf splits preemptively
	interiorSplitLimit int
	minFill            int // encoded bytes below which a node borrows or merges

	logger *zap.Logger
}

// Open binds a BTree to an existing root page. Use Create to build a new
// tree when root is not yet allocated.
func Open[K any, V any](
	name string,
	root page.PageID,
	bpm *bufferpool.BufferPoolManager,
	order Order[K],
	serde KeyValueSerializer[K, V],
	onRootChange func(newRoot page.PageID) error,
	logger *zap.Logger,
) *BTree[K, V] {
	pageSize := bpm.PageSize()
	payload := pageSize - page.HeaderSize - page.ChecksumSize
	maxInline := pageSize / 4
	// A max-size cell must fit in half a page or splitting cannot make
	// progress; small pages therefore carry a tighter key bound.
	maxKey := MaxKeySize
	if limit := payload/2 - maxInline - 16; maxKey > limit {
		maxKey = limit
	}
	b := &BTree[K, V]{
		name:               name,
		bpm:                bpm,
		order:              order,
		serde:              serde,
		root:               root,
		onRootChange:       onRootChange,
		payloadSize:        payload,
		maxKey:             maxKey,
		maxInline:          maxInline,
		leafSplitLimit:     payload - (2 + maxKey + 1 + 4 + maxInline),
		interiorSplitLimit: payload - (2 + maxKey + 8),
		minFill:            payload / 4,
		logger:             logger,
	}
	return b
}

// Name returns the index name the tree was opened under.
func (b *BTree[K, V]) Name() string { return b.name }

// Root returns the current root page id.
func (b *BTree[K, V]) Root() page.PageID {
	b.rootMu.RLock()
	defer b.rootMu.RUnlock()
	return b.root
}

// Create allocates an empty root leaf and records the root change.
func (b *BTree[K, V]) Create(txn TxnContext) error {
	b.rootMu.Lock()
	defer b.rootMu.Unlock()
	if b.root != page.InvalidPageID {
		return fmt.Errorf("index %q already has a root", b.name)
	}
	p, n, err := b.allocNode(txn, page.KindLeaf)
	if err != nil {
		return err
	}
	if err := b.writeNode(txn, p, n, nil); err != nil {
		b.releaseWrite(p, false)
		return err
	}
	b.releaseWrite(p, true)

	if _, err := txn.LogRootChange(b.name, page.InvalidPageID, n.pageID); err != nil {
		return err
	}
	b.root = n.pageID
	if b.onRootChange != nil {
		if err := b.onRootChange(n.pageID); err != nil {
			return err
		}
	}
	b.logger.Info("Created index", zap.String("index", b.name), zap.Uint64("root", uint64(n.pageID)))
	return nil
}

// cmp compares serialized keys using the tree's Order.
func (b *BTree[K, V]) cmp(a, bb []byte) int {
	ka, errA := b.serde.DeserializeKey(a)
	kb, errB := b.serde.DeserializeKey(bb)
	if errA != nil || errB != nil {
		// Corrupt keys are caught by node decoding; fall back to a stable
		// order so search terminates.
		b.logger.Error("Failed to deserialize key during comparison",
			zap.String("index", b.name))
		return 0
	}
	return b.order(ka, kb)
}

func (b *BTree[K, V]) serializeKey(key K) ([]byte, error) {
	kb, err := b.serde.SerializeKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize key: %w", err)
	}
	if len(kb) > b.maxKey {
		return nil, fmt.Errorf("%w: %d bytes, max %d", ErrKeyTooLarge, len(kb), b.maxKey)
	}
	return kb, nil
}

// --- page helpers ---

func (b *BTree[K, V]) fetchNode(pid page.PageID, write bool) (*page.Page, *node, error) {
	p, err := b.bpm.FetchPage(pid)
	if err != nil {
		return nil, nil, err
	}
	if write {
		p.Lock()
	} else {
		p.RLock()
	}
	n, err := decodeNode(pid, p.GetData())
	if err != nil {
		if write {
			p.Unlock()
		} else {
			p.RUnlock()
		}
		b.bpm.UnpinPage(pid, false)
		return nil, nil, err
	}
	return p, n, nil
}

func (b *BTree[K, V]) releaseWrite(p *page.Page, dirty bool) {
	pid := p.GetPageID()
	p.Unlock()
	if err := b.bpm.UnpinPage(pid, dirty); err != nil {
		b.logger.Error("Failed to unpin page", zap.Uint64("pageID", uint64(pid)), zap.Error(err))
	}
}

func (b *BTree[K, V]) releaseRead(p *page.Page) {
	pid := p.GetPageID()
	p.RUnlock()
	if err := b.bpm.UnpinPage(pid, false); err != nil {
		b.logger.Error("Failed to unpin page", zap.Uint64("pageID", uint64(pid)), zap.Error(err))
	}
}

// allocNode grabs a fresh page, logs the allocation, and returns it
// write-latched with an empty node of the given kind.
func (b *BTree[K, V]) allocNode(txn TxnContext, kind page.Kind) (*page.Page, *node, error) {
	p, err := b.bpm.NewPage()
	if err != nil {
		return nil, nil, err
	}
	if _, err := txn.LogAllocate(p.GetPageID()); err != nil {
		b.bpm.UnpinPage(p.GetPageID(), false)
		return nil, nil, err
	}
	p.Lock()
	return p, &node{pageID: p.GetPageID(), kind: kind}, nil
}

// writeNode encodes the node into its latched page and logs the
// post-image. A non-nil undo payload makes the change reversible on abort.
func (b *BTree[K, V]) writeNode(txn TxnContext, p *page.Page, n *node, undo []byte) error {
	data := p.GetData()
	if err := n.encode(data); err != nil {
		return err
	}
	after := make([]byte, len(data))
	copy(after, data)
	lsn, err := txn.LogUpdate(p.GetPageID(), undo, after)
	if err != nil {
		return err
	}
	page.SetPageLSN(data, lsn)
	p.SetLSN(lsn)
	return nil
}

// logRawPage logs a latched page whose bytes were edited directly
// (overflow chunks).
func (b *BTree[K, V]) logRawPage(txn TxnContext, p *page.Page) error {
	data := p.GetData()
	after := make([]byte, len(data))
	copy(after, data)
	lsn, err := txn.LogUpdate(p.GetPageID(), nil, after)
	if err != nil {
		return err
	}
	page.SetPageLSN(data, lsn)
	p.SetLSN(lsn)
	return nil
}

// --- capacity tests ---

func (b *BTree[K, V]) overLimit(n *node) bool {
	if n.isLeaf() {
		return n.encodedSize() > b.leafSplitLimit
	}
	return n.encodedSize() > b.interiorSplitLimit
}

func (b *BTree[K, V]) atMin(n *node) bool {
	if !n.isLeaf() && len(n.keys) == 0 {
		return true
	}
	return n.encodedSize() < b.minFill
}

// --- search ---

// Search returns the value stored for key, or ErrKeyNotFound.
func (b *BTree[K, V]) Search(key K) (V, error) {
	var zero V
	kb, err := b.serializeKey(key)
	if err != nil {
		return zero, err
	}

	b.rootMu.RLock()
	if b.root == page.InvalidPageID {
		b.rootMu.RUnlock()
		return zero, fmt.Errorf("%w: %q", ErrInvalidIndex, b.name)
	}
	p, n, err := b.fetchNode(b.root, false)
	b.rootMu.RUnlock()
	if err != nil {
		return zero, err
	}

	for !n.isLeaf() {
		idx, _ := n.search(kb, b.cmp)
		child, cn, err := b.fetchNode(n.children[idx], false)
		if err != nil {
			b.releaseRead(p)
			return zero, err
		}
		b.releaseRead(p)
		p, n = child, cn
	}

	idx, found := n.search(kb, b.cmp)
	if !found {
		b.releaseRead(p)
		return zero, ErrKeyNotFound
	}
	raw, err := b.resolveValue(n.vals[idx])
	b.releaseRead(p)
	if err != nil {
		return zero, err
	}
	return b.serde.DeserializeValue(raw)
}

// resolveValue materializes a leaf cell's value, following the overflow
// chain when needed.
func (b *BTree[K, V]) resolveValue(ref valueRef) ([]byte, error) {
	if ref.inline {
		out := make([]byte, len(ref.data))
		copy(out, ref.data)
		return out, nil
	}
	return b.readOverflow(ref.head, ref.totalLen)
}

// --- insert ---

// Insert stores value under a key that must not already exist; a
// duplicate is ErrKeyExists. The change is logged against txn and
// becomes visible to other transactions subject to the caller's locking.
func (b *BTree[K, V]) Insert(txn TxnContext, key K, value V) error {
	return b.put(txn, key, value, putInsert)
}

// Update replaces the value of an existing key; a missing key is
// ErrKeyNotFound.
func (b *BTree[K, V]) Update(txn TxnContext, key K, value V) error {
	return b.put(txn, key, value, putUpdate)
}

// Upsert stores the value whether or not the key exists.
func (b *BTree[K, V]) Upsert(txn TxnContext, key K, value V) error {
	return b.put(txn, key, value, putUpsert)
}

type putMode int

const (
	putInsert putMode = iota // key must not exist
	putUpdate                // key must exist
	putUpsert
)

func (b *BTree[K, V]) put(txn TxnContext, key K, value V, mode putMode) error {
	kb, err := b.serializeKey(key)
	if err != nil {
		return err
	}
	vb, err := b.serde.SerializeValue(value)
	if err != nil {
		return fmt.Errorf("failed to serialize value: %w", err)
	}

	for {
		b.rootMu.Lock()
		if b.root == page.InvalidPageID {
			b.rootMu.Unlock()
			return fmt.Errorf("%w: %q", ErrInvalidIndex, b.name)
		}
		p, n, err := b.fetchNode(b.root, true)
		if err != nil {
			b.rootMu.Unlock()
			return err
		}
		if b.overLimit(n) {
			err := b.splitRoot(txn, p, n)
			b.rootMu.Unlock()
			if err != nil {
				return err
			}
			continue
		}
		b.rootMu.Unlock()
		return b.insertDescend(txn, p, n, kb, vb, mode)
	}
}

// insertDescend walks from a latched, non-full node to the target leaf,
// splitting full children preemptively. The latch on p is released when
// its child is latched.
func (b *BTree[K, V]) insertDescend(txn TxnContext, p *page.Page, n *node, kb, vb []byte, mode putMode) error {
	for !n.isLeaf() {
		idx, _ := n.search(kb, b.cmp)
		child, cn, err := b.fetchNode(n.children[idx], true)
		if err != nil {
			b.releaseWrite(p, false)
			return err
		}
		if b.overLimit(cn) {
			if err := b.splitChild(txn, p, n, idx, child, cn); err != nil {
				b.releaseWrite(child, false)
				b.releaseWrite(p, false)
				return err
			}
			// The split may have routed our key to the new sibling.
			newIdx, _ := n.search(kb, b.cmp)
			if newIdx != idx {
				b.releaseWrite(child, true)
				child, cn, err = b.fetchNode(n.children[newIdx], true)
				if err != nil {
					b.releaseWrite(p, false)
					return err
				}
			}
		}
		b.releaseWrite(p, true)
		p, n = child, cn
	}
	return b.insertIntoLeaf(txn, p, n, kb, vb, mode)
}

func (b *BTree[K, V]) insertIntoLeaf(txn TxnContext, p *page.Page, n *node, kb, vb []byte, mode putMode) error {
	idx, found := n.search(kb, b.cmp)
	if found && mode == putInsert {
		b.releaseWrite(p, false)
		return ErrKeyExists
	}
	if !found && mode == putUpdate {
		b.releaseWrite(p, false)
		return ErrKeyNotFound
	}

	var undo []byte
	if found {
		oldRaw, err := b.resolveValue(n.vals[idx])
		if err != nil {
			b.releaseWrite(p, false)
			return err
		}
		undo = EncodeUndo(b.name, UndoRestoreValue, kb, oldRaw)
		if old := n.vals[idx]; !old.inline {
			if err := b.freeOverflow(txn, old.head); err != nil {
				b.releaseWrite(p, false)
				return err
			}
		}
	} else {
		undo = EncodeUndo(b.name, UndoDeleteKey, kb, nil)
	}

	ref, err := b.buildValueRef(txn, vb)
	if err != nil {
		b.releaseWrite(p, false)
		return err
	}
	if found {
		n.vals[idx] = ref
	} else {
		n.insertLeafCell(idx, kb, ref)
	}
	if err := b.writeNode(txn, p, n, undo); err != nil {
		b.releaseWrite(p, false)
		return err
	}
	b.releaseWrite(p, true)
	return nil
}

// buildValueRef keeps small values inline and spills large ones to an
// overflow chain.
func (b *BTree[K, V]) buildValueRef(txn TxnContext, vb []byte) (valueRef, error) {
	if len(vb) <= b.maxInline {
		data := make([]byte, len(vb))
		copy(data, vb)
		return valueRef{inline: true, data: data}, nil
	}
	head, err := b.writeOverflow(txn, vb)
	if err != nil {
		return valueRef{}, err
	}
	return valueRef{totalLen: uint32(len(vb)), head: head}, nil
}

// splitNode moves the upper half of n into a fresh sibling and returns the
// separator key plus the sibling's page id. For leaves the separator is a
// copy of the sibling's first key; for interiors it moves up and out of
// both halves.
func (b *BTree[K, V]) splitNode(txn TxnContext, p *page.Page, n *node) ([]byte, page.PageID, error) {
	sp := n.splitPoint()
	rightPage, right, err := b.allocNode(txn, n.kind)
	if err != nil {
		return nil, page.InvalidPageID, err
	}

	var sep []byte
	if n.isLeaf() {
		right.keys = append(right.keys, n.keys[sp:]...)
		right.vals = append(right.vals, n.vals[sp:]...)
		n.keys = n.keys[:sp]
		n.vals = n.vals[:sp]
		right.next = n.next
		n.next = right.pageID
		sep = make([]byte, len(right.keys[0]))
		copy(sep, right.keys[0])
	} else {
		sep = n.keys[sp]
		right.keys = append(right.keys, n.keys[sp+1:]...)
		right.children = append(right.children, n.children[sp+1:]...)
		n.keys = n.keys[:sp]
		n.children = n.children[:sp+1]
	}

	if err := b.writeNode(txn, rightPage, right, nil); err != nil {
		b.releaseWrite(rightPage, false)
		return nil, page.InvalidPageID, err
	}
	if err := b.writeNode(txn, p, n, nil); err != nil {
		b.releaseWrite(rightPage, false)
		return nil, page.InvalidPageID, err
	}
	b.releaseWrite(rightPage, true)
	return sep, right.pageID, nil
}

// splitChild splits the full child at slot idx of the latched parent n.
func (b *BTree[K, V]) splitChild(txn TxnContext, parentPage *page.Page, parent *node, idx int, childPage *page.Page, child *node) error {
	sep, rightID, err := b.splitNode(txn, childPage, child)
	if err != nil {
		return err
	}
	parent.keys = append(parent.keys, nil)
	copy(parent.keys[idx+1:], parent.keys[idx:])
	parent.keys[idx] = sep
	parent.children = append(parent.children, page.InvalidPageID)
	copy(parent.children[idx+2:], parent.children[idx+1:])
	parent.children[idx+1] = rightID
	return b.writeNode(txn, parentPage, parent, nil)
}

// splitRoot splits a full root and installs a new root above it. Callers
// hold rootMu exclusively and the root page latch; both halves and the old
// root latch are released here.
func (b *BTree[K, V]) splitRoot(txn TxnContext, rootPage *page.Page, rootNode *node) error {
	oldRootID := rootNode.pageID
	sep, rightID, err := b.splitNode(txn, rootPage, rootNode)
	if err != nil {
		b.releaseWrite(rootPage, false)
		return err
	}
	b.releaseWrite(rootPage, true)

	newRootPage, newRoot, err := b.allocNode(txn, page.KindInternal)
	if err != nil {
		return err
	}
	newRoot.keys = [][]byte{sep}
	newRoot.children = []page.PageID{oldRootID, rightID}
	if err := b.writeNode(txn, newRootPage, newRoot, nil); err != nil {
		b.releaseWrite(newRootPage, false)
		return err
	}
	b.releaseWrite(newRootPage, true)

	if _, err := txn.LogRootChange(b.name, oldRootID, newRoot.pageID); err != nil {
		return err
	}
	b.root = newRoot.pageID
	if b.onRootChange != nil {
		if err := b.onRootChange(newRoot.pageID); err != nil {
			return err
		}
	}
	b.logger.Debug("Split root",
		zap.String("index", b.name),
		zap.Uint64("oldRoot", uint64(oldRootID)),
		zap.Uint64("newRoot", uint64(newRoot.pageID)))
	return nil
}

// --- delete ---

// Delete removes key from the tree. Underfull nodes are repaired on the
// way down, so ancestors can be unlatched as the descent passes them.
func (b *BTree[K, V]) Delete(txn TxnContext, key K) error {
	kb, err := b.serializeKey(key)
	if err != nil {
		return err
	}

	b.rootMu.Lock()
	rootHeld := true
	defer func() {
		if rootHeld {
			b.rootMu.Unlock()
		}
	}()

	if b.root == page.InvalidPageID {
		return fmt.Errorf("%w: %q", ErrInvalidIndex, b.name)
	}
	p, n, err := b.fetchNode(b.root, true)
	if err != nil {
		return err
	}

	for !n.isLeaf() {
		idx, _ := n.search(kb, b.cmp)
		child, cn, err := b.fetchNode(n.children[idx], true)
		if err != nil {
			b.releaseWrite(p, false)
			return err
		}

		if b.atMin(cn) {
			child, cn, err = b.fixChild(txn, p, n, idx, child, cn)
			if err != nil {
				b.releaseWrite(p, false)
				return err
			}
			// A merge may have emptied the root; collapse it while rootMu
			// is still held.
			if rootHeld && p.GetPageID() == b.root && len(n.keys) == 0 {
				oldRootID := p.GetPageID()
				newRootID := n.children[0]
				if _, err := txn.LogRootChange(b.name, oldRootID, newRootID); err != nil {
					b.releaseWrite(child, true)
					b.releaseWrite(p, true)
					return err
				}
				b.root = newRootID
				if b.onRootChange != nil {
					if err := b.onRootChange(newRootID); err != nil {
						b.releaseWrite(child, true)
						b.releaseWrite(p, true)
						return err
					}
				}
				b.releaseWrite(p, true)
				if _, err := txn.LogFree(oldRootID); err != nil {
					b.releaseWrite(child, true)
					return err
				}
				if err := b.bpm.DeletePage(oldRootID); err != nil {
					b.releaseWrite(child, true)
					return err
				}
				b.logger.Debug("Collapsed root",
					zap.String("index", b.name),
					zap.Uint64("oldRoot", uint64(oldRootID)),
					zap.Uint64("newRoot", uint64(newRootID)))
				p, n = child, cn
				b.rootMu.Unlock()
				rootHeld = false
				continue
			}
		}

		b.releaseWrite(p, true)
		if rootHeld {
			b.rootMu.Unlock()
			rootHeld = false
		}
		p, n = child, cn
	}

	if rootHeld {
		b.rootMu.Unlock()
		rootHeld = false
	}
	return b.deleteFromLeaf(txn, p, n, kb)
}

func (b *BTree[K, V]) deleteFromLeaf(txn TxnContext, p *page.Page, n *node, kb []byte) error {
	idx, found := n.search(kb, b.cmp)
	if !found {
		b.releaseWrite(p, false)
		return ErrKeyNotFound
	}
	oldRaw, err := b.resolveValue(n.vals[idx])
	if err != nil {
		b.releaseWrite(p, false)
		return err
	}
	if ref := n.vals[idx]; !ref.inline {
		if err := b.freeOverflow(txn, ref.head); err != nil {
			b.releaseWrite(p, false)
			return err
		}
	}
	undo := EncodeUndo(b.name, UndoRestoreValue, kb, oldRaw)
	n.removeLeafCell(idx)
	if err := b.writeNode(txn, p, n, undo); err != nil {
		b.releaseWrite(p, false)
		return err
	}
	b.releaseWrite(p, true)
	return nil
}

// fixChild brings the underfull child at slot idx above the minimum by
// borrowing from a sibling or merging with one, with the parent latched
// throughout. It returns the (possibly different) latched child to
// continue the descent into.
func (b *BTree[K, V]) fixChild(txn TxnContext, parentPage *page.Page, parent *node, idx int, childPage *page.Page, child *node) (*page.Page, *node, error) {
	// Try the right sibling first, then the left. Sibling latches are
	// taken while the parent is exclusively held, so ordering against
	// other writers is fixed by the parent latch.
	if idx+1 < len(parent.children) {
		sibPage, sib, err := b.fetchNode(parent.children[idx+1], true)
		if err != nil {
			b.releaseWrite(childPage, false)
			return nil, nil, err
		}
		if b.canLend(sib) {
			err := b.borrowFromRight(txn, parentPage, parent, idx, childPage, child, sibPage, sib)
			b.releaseWrite(sibPage, true)
			if err != nil {
				b.releaseWrite(childPage, false)
				return nil, nil, err
			}
			return childPage, child, nil
		}
		if b.mergedFits(child, sib, parent.keys[idx]) {
			if err := b.mergeNodes(txn, parentPage, parent, idx, childPage, child, sibPage, sib); err != nil {
				b.releaseWrite(childPage, false)
				return nil, nil, err
			}
			return childPage, child, nil
		}
		b.releaseWrite(sibPage, false)
	}

	if idx > 0 {
		sibPage, sib, err := b.fetchNode(parent.children[idx-1], true)
		if err != nil {
			b.releaseWrite(childPage, false)
			return nil, nil, err
		}
		if b.canLend(sib) {
			err := b.borrowFromLeft(txn, parentPage, parent, idx, childPage, child, sibPage, sib)
			b.releaseWrite(sibPage, true)
			if err != nil {
				b.releaseWrite(childPage, false)
				return nil, nil, err
			}
			return childPage, child, nil
		}
		if b.mergedFits(sib, child, parent.keys[idx-1]) {
			// Merge child into the left sibling; the descent continues in
			// the sibling.
			if err := b.mergeNodes(txn, parentPage, parent, idx-1, sibPage, sib, childPage, child); err != nil {
				b.releaseWrite(sibPage, false)
				return nil, nil, err
			}
			return sibPage, sib, nil
		}
		b.releaseWrite(sibPage, false)
	}

	// Neither borrow nor merge applies (oversized cells on both sides);
	// continue with the underfull child.
	return childPage, child, nil
}

// canLend reports whether a sibling can give up a boundary cell and stay
// above the minimum.
func (b *BTree[K, V]) canLend(sib *node) bool {
	if len(sib.keys) < 2 {
		return false
	}
	var cell int
	if sib.isLeaf() {
		cell = leafCellSize(sib.keys[0], sib.vals[0])
	} else {
		cell = interiorCellSize(sib.keys[0])
	}
	return sib.encodedSize()-cell >= b.minFill
}

// mergedFits reports whether left and right fit in one page, separator
// included for interiors.
func (b *BTree[K, V]) mergedFits(left, right *node, sep []byte) bool {
	if left.isLeaf() {
		return left.encodedSize()+right.encodedSize() <= b.payloadSize
	}
	return left.encodedSize()+interiorCellSize(sep)+(right.encodedSize()-8) <= b.payloadSize
}

func (b *BTree[K, V]) borrowFromRight(txn TxnContext, parentPage *page.Page, parent *node, idx int, childPage *page.Page, child *node, sibPage *page.Page, sib *node) error {
	if child.isLeaf() {
		child.keys = append(child.keys, sib.keys[0])
		child.vals = append(child.vals, sib.vals[0])
		sib.removeLeafCell(0)
		sep := make([]byte, len(sib.keys[0]))
		copy(sep, sib.keys[0])
		parent.keys[idx] = sep
	} else {
		// Rotate through the parent separator.
		child.keys = append(child.keys, parent.keys[idx])
		child.children = append(child.children, sib.children[0])
		parent.keys[idx] = sib.keys[0]
		sib.keys = sib.keys[1:]
		sib.children = sib.children[1:]
	}
	if err := b.writeNode(txn, sibPage, sib, nil); err != nil {
		return err
	}
	if err := b.writeNode(txn, childPage, child, nil); err != nil {
		return err
	}
	return b.writeNode(txn, parentPage, parent, nil)
}

func (b *BTree[K, V]) borrowFromLeft(txn TxnContext, parentPage *page.Page, parent *node, idx int, childPage *page.Page, child *node, sibPage *page.Page, sib *node) error {
	last := len(sib.keys) - 1
	if child.isLeaf() {
		child.insertLeafCell(0, sib.keys[last], sib.vals[last])
		sib.removeLeafCell(last)
		sep := make([]byte, len(child.keys[0]))
		copy(sep, child.keys[0])
		parent.keys[idx-1] = sep
	} else {
		child.keys = append([][]byte{parent.keys[idx-1]}, child.keys...)
		child.children = append([]page.PageID{sib.children[len(sib.children)-1]}, child.children...)
		parent.keys[idx-1] = sib.keys[last]
		sib.keys = sib.keys[:last]
		sib.children = sib.children[:len(sib.children)-1]
	}
	if err := b.writeNode(txn, sibPage, sib, nil); err != nil {
		return err
	}
	if err := b.writeNode(txn, childPage, child, nil); err != nil {
		return err
	}
	return b.writeNode(txn, parentPage, parent, nil)
}

// mergeNodes folds right into left, drops the separator at sepIdx from the
// parent, and frees right's page. The right page's latch is released here.
func (b *BTree[K, V]) mergeNodes(txn TxnContext, parentPage *page.Page, parent *node, sepIdx int, leftPage *page.Page, left *node, rightPage *page.Page, right *node) error {
	if left.isLeaf() {
		left.keys = append(left.keys, right.keys...)
		left.vals = append(left.vals, right.vals...)
		left.next = right.next
	} else {
		left.keys = append(left.keys, parent.keys[sepIdx])
		left.keys = append(left.keys, right.keys...)
		left.children = append(left.children, right.children...)
	}
	parent.keys = append(parent.keys[:sepIdx], parent.keys[sepIdx+1:]...)
	parent.children = append(parent.children[:sepIdx+1], parent.children[sepIdx+2:]...)

	if err := b.writeNode(txn, leftPage, left, nil); err != nil {
		b.releaseWrite(rightPage, false)
		return err
	}
	if err := b.writeNode(txn, parentPage, parent, nil); err != nil {
		b.releaseWrite(rightPage, false)
		return err
	}

	rightID := right.pageID
	b.releaseWrite(rightPage, true)
	if _, err := txn.LogFree(rightID); err != nil {
		return err
	}
	if err := b.bpm.DeletePage(rightID); err != nil {
		return err
	}
	return nil
}

// --- overflow chains ---

// writeOverflow stores val across a chain of overflow pages and returns
// the head. Pages are built back to front so each page's next pointer is
// known when it is written.
func (b *BTree[K, V]) writeOverflow(txn TxnContext, val []byte) (page.PageID, error) {
	chunkCap := b.payloadSize
	numChunks := (len(val) + chunkCap - 1) / chunkCap

	next := page.InvalidPageID
	for i := numChunks - 1; i >= 0; i-- {
		chunk := val[i*chunkCap:]
		if len(chunk) > chunkCap {
			chunk = chunk[:chunkCap]
		}
		p, err := b.bpm.NewPage()
		if err != nil {
			return page.InvalidPageID, err
		}
		if _, err := txn.LogAllocate(p.GetPageID()); err != nil {
			b.bpm.UnpinPage(p.GetPageID(), false)
			return page.InvalidPageID, err
		}
		p.Lock()
		data := p.GetData()
		page.SetKind(data, page.KindOverflow)
		page.SetCellCount(data, len(chunk))
		page.SetNextPointer(data, next)
		copy(page.Payload(data), chunk)
		if err := b.logRawPage(txn, p); err != nil {
			b.releaseWrite(p, false)
			return page.InvalidPageID, err
		}
		next = p.GetPageID()
		b.releaseWrite(p, true)
	}
	return next, nil
}

// readOverflow reassembles a value from its chain.
func (b *BTree[K, V]) readOverflow(head page.PageID, totalLen uint32) ([]byte, error) {
	out := make([]byte, 0, totalLen)
	pid := head
	for pid != page.InvalidPageID {
		p, err := b.bpm.FetchPage(pid)
		if err != nil {
			return nil, err
		}
		p.RLock()
		data := p.GetData()
		if page.KindOf(data) != page.KindOverflow {
			b.releaseRead(p)
			return nil, fmt.Errorf("%w: page %d in overflow chain has kind %s",
				ErrNodeCorrupt, pid, page.KindOf(data))
		}
		chunkLen := page.CellCount(data)
		out = append(out, page.Payload(data)[:chunkLen]...)
		next := page.NextPointer(data)
		b.releaseRead(p)
		pid = next
	}
	if uint32(len(out)) != totalLen {
		return nil, fmt.Errorf("%w: overflow chain %d yielded %d bytes, expected %d",
			ErrNodeCorrupt, head, len(out), totalLen)
	}
	return out, nil
}

// freeOverflow returns a chain's pages to the store.
func (b *BTree[K, V]) freeOverflow(txn TxnContext, head page.PageID) error {
	pid := head
	for pid != page.InvalidPageID {
		p, err := b.bpm.FetchPage(pid)
		if err != nil {
			return err
		}
		p.RLock()
		next := page.NextPointer(p.GetData())
		p.RUnlock()
		if err := b.bpm.UnpinPage(pid, false); err != nil {
			return err
		}
		if _, err := txn.LogFree(pid); err != nil {
			return err
		}
		if err := b.bpm.DeletePage(pid); err != nil {
			return err
		}
		pid = next
	}
	return nil
}

// FreeAll returns every page of the tree to the free list. The tree is
// unusable afterwards; callers drop the catalog entry first so a crash
// mid-way can only leak pages.
func (b *BTree[K, V]) FreeAll(txn TxnContext) error {
	b.rootMu.Lock()
	defer b.rootMu.Unlock()
	if b.root == page.InvalidPageID {
		return nil
	}
	if err := b.freeSubtree(txn, b.root); err != nil {
		return err
	}
	b.root = page.InvalidPageID
	return nil
}

func (b *BTree[K, V]) freeSubtree(txn TxnContext, pid page.PageID) error {
	p, n, err := b.fetchNode(pid, false)
	if err != nil {
		return err
	}
	children := append([]page.PageID(nil), n.children...)
	var overflows []page.PageID
	for _, ref := range n.vals {
		if !ref.inline {
			overflows = append(overflows, ref.head)
		}
	}
	b.releaseRead(p)

	for _, child := range children {
		if err := b.freeSubtree(txn, child); err != nil {
			return err
		}
	}
	for _, head := range overflows {
		if err := b.freeOverflow(txn, head); err != nil {
			return err
		}
	}
	if _, err := txn.LogFree(pid); err != nil {
		return err
	}
	return b.bpm.DeletePage(pid)
}

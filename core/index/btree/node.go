package btree

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/d-bee/dbee/core/storage/page"
)

// MaxKeySize bounds serialized keys so a node can always hold a few cells.
const MaxKeySize = 512

var (
	ErrKeyNotFound  = errors.New("key not found")
	ErrKeyExists    = errors.New("key already exists")
	ErrKeyTooLarge  = errors.New("key exceeds maximum size")
	ErrNodeCorrupt  = errors.New("corrupt b-tree node")
	ErrInvalidIndex = errors.New("index does not exist")
)

// valueRef is a leaf cell's value: either inline bytes or the head of an
// overflow page chain for values too large to keep in the leaf.
type valueRef struct {
	inline   bool
	data     []byte      // inline payload
	totalLen uint32      // overflow only: full value length
	head     page.PageID // overflow only: first chain page
}

const (
	valueFlagInline   = 0
	valueFlagOverflow = 1
)

// node is the decoded in-memory form of an interior or leaf page. Byte
// keys keep the node layer free of the tree's type parameters; the tree
// converts to and from K and V at its boundary.
//
// Interior layout within the page payload:
//
//	child0 u64 | { keyLen u16 | key | child u64 } * cellCount
//
// Leaf layout:
//
//	{ keyLen u16 | key | flag u8 | inline: valLen u32 | val
//	                             | overflow: totalLen u32 | head u64 } * cellCount
//
// Kind, cell count, pageLSN and the leaf sibling pointer live in the
// common page header.
type node struct {
	pageID   page.PageID
	kind     page.Kind
	next     page.PageID // leaf sibling chain
	keys     [][]byte
	vals     []valueRef    // leaf only
	children []page.PageID // interior only, len(keys)+1
}

func (n *node) isLeaf() bool { return n.kind == page.KindLeaf }

// leafCellSize is the encoded size of one leaf cell.
func leafCellSize(key []byte, ref valueRef) int {
	if ref.inline {
		return 2 + len(key) + 1 + 4 + len(ref.data)
	}
	return 2 + len(key) + 1 + 4 + 8
}

// interiorCellSize is the encoded size of one interior cell (separator key
// plus its right child pointer).
func interiorCellSize(key []byte) int {
	return 2 + len(key) + 8
}

// encodedSize is the number of payload bytes the node occupies when
// encoded.
func (n *node) encodedSize() int {
	size := 0
	if n.isLeaf() {
		for i, k := range n.keys {
			size += leafCellSize(k, n.vals[i])
		}
	} else {
		size = 8
		for _, k := range n.keys {
			size += interiorCellSize(k)
		}
	}
	return size
}

// encode writes the node into raw page bytes, header included. The caller
// logs and checksums the page afterwards.
func (n *node) encode(data []byte) error {
	payload := page.Payload(data)
	if n.encodedSize() > len(payload) {
		return fmt.Errorf("node %d overflows page: %d bytes into %d", n.pageID, n.encodedSize(), len(payload))
	}
	page.SetKind(data, n.kind)
	page.SetCellCount(data, len(n.keys))
	page.SetNextPointer(data, n.next)

	off := 0
	if n.isLeaf() {
		for i, k := range n.keys {
			binary.LittleEndian.PutUint16(payload[off:], uint16(len(k)))
			off += 2
			copy(payload[off:], k)
			off += len(k)
			ref := n.vals[i]
			if ref.inline {
				payload[off] = valueFlagInline
				off++
				binary.LittleEndian.PutUint32(payload[off:], uint32(len(ref.data)))
				off += 4
				copy(payload[off:], ref.data)
				off += len(ref.data)
			} else {
				payload[off] = valueFlagOverflow
				off++
				binary.LittleEndian.PutUint32(payload[off:], ref.totalLen)
				off += 4
				binary.LittleEndian.PutUint64(payload[off:], uint64(ref.head))
				off += 8
			}
		}
	} else {
		if len(n.children) != len(n.keys)+1 {
			return fmt.Errorf("%w: interior node %d has %d keys but %d children",
				ErrNodeCorrupt, n.pageID, len(n.keys), len(n.children))
		}
		binary.LittleEndian.PutUint64(payload[off:], uint64(n.children[0]))
		off += 8
		for i, k := range n.keys {
			binary.LittleEndian.PutUint16(payload[off:], uint16(len(k)))
			off += 2
			copy(payload[off:], k)
			off += len(k)
			binary.LittleEndian.PutUint64(payload[off:], uint64(n.children[i+1]))
			off += 8
		}
	}
	return nil
}

// decodeNode parses raw page bytes into a node.
func decodeNode(pageID page.PageID, data []byte) (*node, error) {
	kind := page.KindOf(data)
	if kind != page.KindLeaf && kind != page.KindInternal {
		return nil, fmt.Errorf("%w: page %d has kind %s", ErrNodeCorrupt, pageID, kind)
	}
	n := &node{
		pageID: pageID,
		kind:   kind,
		next:   page.NextPointer(data),
	}
	count := page.CellCount(data)
	payload := page.Payload(data)
	off := 0

	readKey := func() ([]byte, error) {
		if off+2 > len(payload) {
			return nil, fmt.Errorf("%w: page %d truncated key length", ErrNodeCorrupt, pageID)
		}
		keyLen := int(binary.LittleEndian.Uint16(payload[off:]))
		off += 2
		if off+keyLen > len(payload) {
			return nil, fmt.Errorf("%w: page %d truncated key", ErrNodeCorrupt, pageID)
		}
		key := make([]byte, keyLen)
		copy(key, payload[off:off+keyLen])
		off += keyLen
		return key, nil
	}

	if kind == page.KindLeaf {
		n.keys = make([][]byte, 0, count)
		n.vals = make([]valueRef, 0, count)
		for i := 0; i < count; i++ {
			key, err := readKey()
			if err != nil {
				return nil, err
			}
			if off+5 > len(payload) {
				return nil, fmt.Errorf("%w: page %d truncated value header", ErrNodeCorrupt, pageID)
			}
			flag := payload[off]
			off++
			length := binary.LittleEndian.Uint32(payload[off:])
			off += 4
			var ref valueRef
			switch flag {
			case valueFlagInline:
				if off+int(length) > len(payload) {
					return nil, fmt.Errorf("%w: page %d truncated inline value", ErrNodeCorrupt, pageID)
				}
				ref.inline = true
				ref.data = make([]byte, length)
				copy(ref.data, payload[off:off+int(length)])
				off += int(length)
			case valueFlagOverflow:
				if off+8 > len(payload) {
					return nil, fmt.Errorf("%w: page %d truncated overflow ref", ErrNodeCorrupt, pageID)
				}
				ref.totalLen = length
				ref.head = page.PageID(binary.LittleEndian.Uint64(payload[off:]))
				off += 8
			default:
				return nil, fmt.Errorf("%w: page %d has unknown value flag %d", ErrNodeCorrupt, pageID, flag)
			}
			n.keys = append(n.keys, key)
			n.vals = append(n.vals, ref)
		}
	} else {
		if off+8 > len(payload) {
			return nil, fmt.Errorf("%w: page %d truncated child pointer", ErrNodeCorrupt, pageID)
		}
		n.keys = make([][]byte, 0, count)
		n.children = make([]page.PageID, 0, count+1)
		n.children = append(n.children, page.PageID(binary.LittleEndian.Uint64(payload[off:])))
		off += 8
		for i := 0; i < count; i++ {
			key, err := readKey()
			if err != nil {
				return nil, err
			}
			if off+8 > len(payload) {
				return nil, fmt.Errorf("%w: page %d truncated child pointer", ErrNodeCorrupt, pageID)
			}
			n.keys = append(n.keys, key)
			n.children = append(n.children, page.PageID(binary.LittleEndian.Uint64(payload[off:])))
			off += 8
		}
	}
	return n, nil
}

// search locates key within the node's sorted keys. For leaves it returns
// the slot and whether the key is present; for interior nodes it returns
// the child index to descend into.
func (n *node) search(key []byte, cmp func(a, b []byte) int) (int, bool) {
	idx := sort.Search(len(n.keys), func(i int) bool {
		return cmp(n.keys[i], key) >= 0
	})
	found := idx < len(n.keys) && cmp(n.keys[idx], key) == 0
	if n.isLeaf() {
		return idx, found
	}
	// Interior separators route equal keys to the right child.
	if found {
		return idx + 1, true
	}
	return idx, false
}

// insertLeafCell places a cell at slot idx.
func (n *node) insertLeafCell(idx int, key []byte, ref valueRef) {
	n.keys = append(n.keys, nil)
	copy(n.keys[idx+1:], n.keys[idx:])
	n.keys[idx] = key
	n.vals = append(n.vals, valueRef{})
	copy(n.vals[idx+1:], n.vals[idx:])
	n.vals[idx] = ref
}

// removeLeafCell drops the cell at slot idx.
func (n *node) removeLeafCell(idx int) {
	n.keys = append(n.keys[:idx], n.keys[idx+1:]...)
	n.vals = append(n.vals[:idx], n.vals[idx+1:]...)
}

// splitPoint returns the slot at which to split so both halves carry about
// half the encoded bytes.
func (n *node) splitPoint() int {
	total := n.encodedSize()
	acc := 0
	if !n.isLeaf() {
		acc = 8
	}
	for i, k := range n.keys {
		if n.isLeaf() {
			acc += leafCellSize(k, n.vals[i])
		} else {
			acc += interiorCellSize(k)
		}
		if acc >= total/2 {
			// Never split off an empty half.
			if i == len(n.keys)-1 {
				return i
			}
			return i + 1
		}
	}
	return len(n.keys) / 2
}

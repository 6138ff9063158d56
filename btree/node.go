package btree

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"

	"cairndb/common"
	"cairndb/model"
	"cairndb/model/column"
	"cairndb/storage/page"
)

/*
nodeHandle views one B+tree node laid out on a fixed-size page:

	| page header (16B) | keys: keys_size bytes | rids: max_size * 8 bytes |

Keys are contiguous and sorted ascending. For internal nodes slot i holds the
separator key and the child page id (in the rid's page_no); the separator
equals the first key of its subtree.
*/
type nodeHandle struct {
	fileHdr *FileHdr
	cols    []column.ColMeta
	page    *page.Page
}

func newNodeHandle(fileHdr *FileHdr, cols []column.ColMeta, p *page.Page) nodeHandle {
	return nodeHandle{fileHdr: fileHdr, cols: cols, page: p}
}

func (n nodeHandle) data() []byte { return n.page.Data() }

func (n nodeHandle) pageNo() int32 { return n.page.ID().PageNo }

func (n nodeHandle) parent() int32 {
	return int32(binary.LittleEndian.Uint32(n.data()[0:]))
}

func (n nodeHandle) setParent(pageNo int32) {
	binary.LittleEndian.PutUint32(n.data()[0:], uint32(pageNo))
}

func (n nodeHandle) size() int {
	return int(int32(binary.LittleEndian.Uint32(n.data()[4:])))
}

func (n nodeHandle) setSize(size int) {
	binary.LittleEndian.PutUint32(n.data()[4:], uint32(int32(size)))
}

func (n nodeHandle) isLeaf() bool { return n.data()[8] != 0 }

func (n nodeHandle) setLeaf(leaf bool) {
	if leaf {
		n.data()[8] = 1
	} else {
		n.data()[8] = 0
	}
}

func (n nodeHandle) nextLeaf() int32 {
	return int32(binary.LittleEndian.Uint32(n.data()[12:]))
}

func (n nodeHandle) setNextLeaf(pageNo int32) {
	binary.LittleEndian.PutUint32(n.data()[12:], uint32(pageNo))
}

func (n nodeHandle) isRoot() bool { return n.parent() == NoPage }

// maxSize is btree_order + 1; overflow at num_key == maxSize triggers split.
func (n nodeHandle) maxSize() int { return int(n.fileHdr.BtreeOrder) + 1 }

// minSize is maxSize / 2; underflow below it triggers coalesce/redistribute.
func (n nodeHandle) minSize() int { return n.maxSize() / 2 }

func (n nodeHandle) colTotLen() int { return int(n.fileHdr.ColTotLen) }

// keyAt returns a view of key slot i.
func (n nodeHandle) keyAt(i int) []byte {
	l := n.colTotLen()
	offset := pageHdrSize + i*l
	return n.data()[offset : offset+l]
}

// keySlice returns a view over count contiguous keys starting at slot from.
func (n nodeHandle) keySlice(from, count int) []byte {
	l := n.colTotLen()
	offset := pageHdrSize + from*l
	return n.data()[offset : offset+count*l]
}

func (n nodeHandle) setKey(i int, key []byte) {
	copy(n.keyAt(i), key[:n.colTotLen()])
}

func (n nodeHandle) ridOffset(i int) int {
	return pageHdrSize + int(n.fileHdr.KeysSize) + i*model.RidSize
}

// ridAt returns the Rid of slot i.
func (n nodeHandle) ridAt(i int) model.Rid {
	return ridFromBytes(n.data()[n.ridOffset(i):])
}

// ridSlice returns a view over count contiguous rids starting at slot from.
func (n nodeHandle) ridSlice(from, count int) []byte {
	offset := n.ridOffset(from)
	return n.data()[offset : offset+count*model.RidSize]
}

func (n nodeHandle) setRid(i int, rid model.Rid) {
	buf := ridBytes(rid)
	copy(n.data()[n.ridOffset(i):], buf[:])
}

// childAt returns the child page id stored in internal slot i.
func (n nodeHandle) childAt(i int) int32 {
	return n.ridAt(i).PageNo
}

// lowerBound finds the first key index >= target, in [0, num_key].
func (n nodeHandle) lowerBound(target []byte) int {
	left, right := 0, n.size()
	for left < right {
		mid := (left + right) >> 1
		if column.Compare(n.keyAt(mid), target, n.cols) >= 0 {
			right = mid
		} else {
			left = mid + 1
		}
	}
	return left
}

// upperBound finds the first key index > target, in [1, num_key]; slot 0's
// separator is never a search target in internal nodes.
func (n nodeHandle) upperBound(target []byte) int {
	left, right := 1, n.size()
	for left < right {
		mid := (left + right) >> 1
		if column.Compare(n.keyAt(mid), target, n.cols) > 0 {
			right = mid
		} else {
			left = mid + 1
		}
	}
	return left
}

// upperBoundAdjust finds the first key index > target, in [0, num_key].
func (n nodeHandle) upperBoundAdjust(target []byte) int {
	left, right := 0, n.size()
	for left < right {
		mid := (left + right) >> 1
		if column.Compare(n.keyAt(mid), target, n.cols) > 0 {
			right = mid
		} else {
			left = mid + 1
		}
	}
	return left
}

// leafLookup returns the Rid stored under key in a leaf.
func (n nodeHandle) leafLookup(key []byte) (model.Rid, bool) {
	keyIdx := n.lowerBound(key)
	if keyIdx == n.size() || !bytes.Equal(key[:n.colTotLen()], n.keyAt(keyIdx)) {
		return model.Rid{}, false
	}
	return n.ridAt(keyIdx), true
}

// internalLookup returns the child page holding key's subtree.
func (n nodeHandle) internalLookup(key []byte) int32 {
	return n.childAt(n.upperBound(key) - 1)
}

// insertPairs splices count (key, rid) pairs at pos, shifting the tail right.
// keys and rids are the raw contiguous encodings of the pairs.
func (n nodeHandle) insertPairs(pos int, keys []byte, rids []byte, count int) {
	num := n.size()
	if pos < 0 || pos > num {
		return
	}
	l := n.colTotLen()

	keyArea := n.data()[pageHdrSize:]
	copy(keyArea[(pos+count)*l:(num+count)*l], keyArea[pos*l:num*l])
	copy(keyArea[pos*l:], keys[:count*l])

	ridArea := n.data()[pageHdrSize+int(n.fileHdr.KeysSize):]
	copy(ridArea[(pos+count)*model.RidSize:(num+count)*model.RidSize], ridArea[pos*model.RidSize:num*model.RidSize])
	copy(ridArea[pos*model.RidSize:], rids[:count*model.RidSize])

	n.setSize(num + count)
}

// insertPair splices a single pair at pos.
func (n nodeHandle) insertPair(pos int, key []byte, rid model.Rid) {
	buf := ridBytes(rid)
	n.insertPairs(pos, key, buf[:], 1)
}

// insert places (key, rid) at its sorted position; duplicate keys collide.
func (n nodeHandle) insert(key []byte, rid model.Rid) (int, error) {
	idx := n.lowerBound(key)
	if idx != n.size() && bytes.Equal(key[:n.colTotLen()], n.keyAt(idx)) {
		return n.size(), errors.Wrapf(common.ErrIndexEntryAlreadyExists, "page %d", n.pageNo())
	}
	n.insertPair(idx, key, rid)
	return n.size(), nil
}

// erasePair removes the pair at pos, shifting the tail left.
func (n nodeHandle) erasePair(pos int) {
	num := n.size()
	if pos < 0 || pos >= num {
		return
	}
	l := n.colTotLen()
	tail := num - pos - 1

	keyArea := n.data()[pageHdrSize:]
	copy(keyArea[pos*l:], keyArea[(pos+1)*l:(pos+1+tail)*l])

	ridArea := n.data()[pageHdrSize+int(n.fileHdr.KeysSize):]
	copy(ridArea[pos*model.RidSize:], ridArea[(pos+1)*model.RidSize:(pos+1+tail)*model.RidSize])

	n.setSize(num - 1)
}

// remove erases key's pair when present and returns the new size.
func (n nodeHandle) remove(key []byte) int {
	idx := n.lowerBound(key)
	if idx != n.size() && bytes.Equal(key[:n.colTotLen()], n.keyAt(idx)) {
		n.erasePair(idx)
	}
	return n.size()
}

// findChild returns child's slot index within this internal node.
func (n nodeHandle) findChild(child nodeHandle) int {
	num := n.size()
	for i := 0; i < num; i++ {
		if n.childAt(i) == child.pageNo() {
			return i
		}
	}
	return -1
}

// isSafe reports whether the operation cannot propagate beyond this node, so
// ancestor latches may be released during crabbing.
func (n nodeHandle) isSafe(op Operation) bool {
	switch op {
	case OpFind:
		return true
	case OpInsert:
		return n.size()+1 < n.maxSize()
	case OpDelete:
		if n.isRoot() {
			if n.isLeaf() {
				return true
			}
			// An internal root shrinking to one child collapses into it.
			return n.size() > 2
		}
		return n.size()-1 > n.minSize()
	}
	return true
}

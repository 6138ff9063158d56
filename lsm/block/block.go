package block

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"cairndb/common"
	"cairndb/model"
	"cairndb/model/column"
	"cairndb/utils/crc"
)

/*
Block is an immutable sorted run of fixed-size (key | rid) entries:

	----------------------------------------------
	|          Data Section     |     Extra      |
	----------------------------------------------
	|Entry#1|Entry#2|...|Entry#N|num_of_elements |
	----------------------------------------------

Every entry is key(col_tot_len) followed by the 8-byte Rid; the element count
is a 16-bit suffix. In an SST file each encoded block additionally carries a
32-bit content hash appended after the count.
*/
type Block struct {
	data        []byte
	cols        []column.ColMeta
	numElements uint16
	capacity    int
	entrySize   int
	colTotLen   int
}

// NewBlock creates an empty mutable block bounded by capacity bytes.
func NewBlock(capacity int, cols []column.ColMeta) *Block {
	colTotLen := column.TotalLen(cols)
	return &Block{
		data:      make([]byte, 0, capacity),
		cols:      cols,
		capacity:  capacity,
		colTotLen: colTotLen,
		entrySize: colTotLen + model.RidSize,
	}
}

// AddEntry appends a (key, rid) pair. It fails only when the block already
// holds at least one entry and adding another would exceed the capacity; keys
// must be appended in ascending order.
func (b *Block) AddEntry(key []byte, rid model.Rid) bool {
	if b.CurSize()+b.entrySize > b.capacity && b.numElements > 0 {
		return false
	}
	old := len(b.data)
	b.data = append(b.data, make([]byte, b.entrySize)...)
	copy(b.data[old:], key[:b.colTotLen])
	binary.LittleEndian.PutUint32(b.data[old+b.colTotLen:], uint32(rid.PageNo))
	binary.LittleEndian.PutUint32(b.data[old+b.colTotLen+4:], uint32(rid.SlotNo))
	b.numElements++
	return true
}

// Encode produces the on-disk form: data section plus the 16-bit count. The
// content hash is not included; the SST builder appends it per block.
func (b *Block) Encode() []byte {
	encoded := make([]byte, len(b.data)+2)
	copy(encoded, b.data)
	binary.LittleEndian.PutUint16(encoded[len(b.data):], b.numElements)
	return encoded
}

// Decode reconstructs a block from its encoded form. When withHash is set,
// the trailing 32-bit content hash is verified first; a mismatch is an
// internal error and the block must not be used.
func Decode(encoded []byte, withHash bool, cols []column.ColMeta) (*Block, error) {
	payload := encoded
	if withHash {
		var err error
		payload, err = crc.CheckBlockHash(encoded)
		if err != nil {
			return nil, err
		}
	}
	if len(payload) < 2 {
		return nil, errors.Wrap(common.ErrInternal, "encoded block too small")
	}
	numElements := binary.LittleEndian.Uint16(payload[len(payload)-2:])
	colTotLen := column.TotalLen(cols)
	entrySize := colTotLen + model.RidSize
	if int(numElements)*entrySize != len(payload)-2 {
		return nil, errors.Wrapf(common.ErrInternal, "malformed block: %d elements of %d bytes in %d data bytes",
			numElements, entrySize, len(payload)-2)
	}
	data := make([]byte, len(payload)-2)
	copy(data, payload[:len(payload)-2])
	return &Block{
		data:        data,
		cols:        cols,
		numElements: numElements,
		capacity:    len(data) + 2,
		colTotLen:   colTotLen,
		entrySize:   entrySize,
	}, nil
}

// offsetAt returns the byte offset of entry idx.
func (b *Block) offsetAt(idx int) int {
	return idx * b.entrySize
}

// KeyAt returns the key of entry idx as a view into the block.
func (b *Block) KeyAt(idx int) []byte {
	offset := b.offsetAt(idx)
	return b.data[offset : offset+b.colTotLen]
}

// ValueAt returns the Rid of entry idx.
func (b *Block) ValueAt(idx int) model.Rid {
	offset := b.offsetAt(idx) + b.colTotLen
	return model.Rid{
		PageNo: int32(binary.LittleEndian.Uint32(b.data[offset:])),
		SlotNo: int32(binary.LittleEndian.Uint32(b.data[offset+4:])),
	}
}

// FirstKey returns the first key of the block, or nil when it is empty.
func (b *Block) FirstKey() []byte {
	if b.numElements == 0 {
		return nil
	}
	return b.KeyAt(0)
}

// LastKey returns the last key of the block, or nil when it is empty.
func (b *Block) LastKey() []byte {
	if b.numElements == 0 {
		return nil
	}
	return b.KeyAt(int(b.numElements) - 1)
}

// Size returns the number of entries.
func (b *Block) Size() int { return int(b.numElements) }

// CurSize returns the encoded size so far (data plus the count suffix).
func (b *Block) CurSize() int { return len(b.data) + 2 }

// IsEmpty reports whether the block holds no entries.
func (b *Block) IsEmpty() bool { return b.numElements == 0 }

// GetIdxBinary binary-searches for an exact key match and returns its entry
// index, or -1.
func (b *Block) GetIdxBinary(key []byte) int {
	left, right := 0, int(b.numElements)-1
	for left <= right {
		mid := left + (right-left)/2
		cmp := column.Compare(b.KeyAt(mid), key, b.cols)
		switch {
		case cmp == 0:
			return mid
		case cmp < 0:
			left = mid + 1
		default:
			right = mid - 1
		}
	}
	return -1
}

// GetValueBinary looks up the Rid stored under key; the second return value
// reports whether the key is present.
func (b *Block) GetValueBinary(key []byte) (model.Rid, bool) {
	idx := b.GetIdxBinary(key)
	if idx == -1 {
		return model.InvalidRid(), false
	}
	return b.ValueAt(idx), true
}

// LowerBound returns the index of the first entry whose key is >= key.
func (b *Block) LowerBound(key []byte) int {
	left, right := 0, int(b.numElements)-1
	for left <= right {
		mid := left + (right-left)/2
		if column.Compare(key, b.KeyAt(mid), b.cols) <= 0 {
			right = mid - 1
		} else {
			left = mid + 1
		}
	}
	return left
}

// Find positions an iterator at the first key >= key (or > key when the
// bound is open).
func (b *Block) Find(key []byte, isClosed bool) *Iterator {
	idx := b.LowerBound(key)
	if !isClosed && idx < int(b.numElements) && column.Compare(key, b.KeyAt(idx), b.cols) == 0 {
		idx++
	}
	return &Iterator{block: b, currentIndex: idx, upperID: int(b.numElements)}
}

// FindRange positions an iterator over [lower, upper] with per-bound
// open/closed flags.
func (b *Block) FindRange(lower []byte, isLowerClosed bool, upper []byte, isUpperClosed bool) *Iterator {
	it := b.Find(lower, isLowerClosed)
	it.SetHighKey(upper, isUpperClosed)
	return it
}

// Begin returns an iterator over the whole block.
func (b *Block) Begin() *Iterator {
	return &Iterator{block: b, upperID: int(b.numElements)}
}

// Iterator walks a block's entries in key order within [currentIndex,
// upperID).
type Iterator struct {
	block        *Block
	currentIndex int
	upperID      int
}

// SetHighKey bounds the iterator below the given key (inclusive when
// isClosed).
func (it *Iterator) SetHighKey(highKey []byte, isClosed bool) {
	upper := it.block.LowerBound(highKey)
	if isClosed && upper < int(it.block.numElements) &&
		column.Compare(highKey, it.block.KeyAt(upper), it.block.cols) == 0 {
		upper++
	}
	it.upperID = upper
}

// Next advances to the following entry.
func (it *Iterator) Next() {
	if it.currentIndex < it.block.Size() {
		it.currentIndex++
	}
}

// IsEnd reports whether the iterator is exhausted.
func (it *Iterator) IsEnd() bool {
	return it.currentIndex >= it.upperID
}

// Key returns the current key.
func (it *Iterator) Key() []byte {
	return it.block.KeyAt(it.currentIndex)
}

// Value returns the current Rid.
func (it *Iterator) Value() model.Rid {
	return it.block.ValueAt(it.currentIndex)
}

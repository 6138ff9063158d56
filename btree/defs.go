package btree

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"cairndb/common"
	"cairndb/model"
	"cairndb/model/column"
)

const (
	// NoPage marks an absent page reference inside index pages.
	NoPage int32 = -1

	// FileHdrPage holds the serialized index file header.
	FileHdrPage int32 = 0

	// LeafHeaderPage is the sentinel leaf terminating the leaf chain; it
	// also precedes the initial root.
	LeafHeaderPage int32 = 1

	// InitRootPage is the initial (empty leaf) root.
	InitRootPage int32 = 2

	// InitNumPages is the page count of a freshly created index file.
	InitNumPages int32 = 3

	// MaxColLen bounds the aggregate key length.
	MaxColLen = 512
)

// pageHdrSize is the fixed node header: parent i32 | num_key i32 |
// is_leaf u8 (padded to 4) | next_leaf i32.
const pageHdrSize = 16

// Operation classifies a descent for latch-crabbing safety checks.
type Operation int

const (
	OpFind Operation = iota
	OpInsert
	OpDelete
)

/*
FileHdr is the index file header stored on page 0:

	total_len u32 | root_page u32 | col_num u32 |
	col_types[col_num] u32 | col_lens[col_num] u32 |
	col_tot_len u32 | btree_order u32 | keys_size u32
*/
type FileHdr struct {
	TotalLen   int32
	RootPage   int32
	ColNum     int32
	ColTypes   []column.ColType
	ColLens    []int32
	ColTotLen  int32
	BtreeOrder int32
	KeysSize   int32
}

// UpdateTotalLen recomputes the serialized header length.
func (fh *FileHdr) UpdateTotalLen() {
	fh.TotalLen = int32(4*6 + 8*len(fh.ColTypes))
}

// Serialize writes the header into dest (little-endian, field order above).
func (fh *FileHdr) Serialize(dest []byte) {
	offset := 0
	put := func(v uint32) {
		binary.LittleEndian.PutUint32(dest[offset:], v)
		offset += 4
	}
	put(uint32(fh.TotalLen))
	put(uint32(fh.RootPage))
	put(uint32(fh.ColNum))
	for _, t := range fh.ColTypes {
		put(uint32(t))
	}
	for _, l := range fh.ColLens {
		put(uint32(l))
	}
	put(uint32(fh.ColTotLen))
	put(uint32(fh.BtreeOrder))
	put(uint32(fh.KeysSize))
}

// DeserializeFileHdr parses a header from page 0 bytes.
func DeserializeFileHdr(src []byte) (*FileHdr, error) {
	if len(src) < 12 {
		return nil, errors.Wrap(common.ErrInternal, "index file header too small")
	}
	fh := &FileHdr{}
	offset := 0
	get := func() uint32 {
		v := binary.LittleEndian.Uint32(src[offset:])
		offset += 4
		return v
	}
	fh.TotalLen = int32(get())
	fh.RootPage = int32(get())
	fh.ColNum = int32(get())
	if fh.ColNum <= 0 || int(fh.TotalLen) > len(src) {
		return nil, errors.Wrap(common.ErrInternal, "malformed index file header")
	}
	fh.ColTypes = make([]column.ColType, fh.ColNum)
	for i := range fh.ColTypes {
		fh.ColTypes[i] = column.ColType(get())
	}
	fh.ColLens = make([]int32, fh.ColNum)
	for i := range fh.ColLens {
		fh.ColLens[i] = int32(get())
	}
	fh.ColTotLen = int32(get())
	fh.BtreeOrder = int32(get())
	fh.KeysSize = int32(get())
	return fh, nil
}

// Cols materializes column descriptors from the header (names are not
// persisted).
func (fh *FileHdr) Cols() []column.ColMeta {
	cols := make([]column.ColMeta, fh.ColNum)
	for i := range cols {
		cols[i] = column.ColMeta{Type: fh.ColTypes[i], Len: int(fh.ColLens[i])}
	}
	return cols
}

// ridBytes converts a Rid to its node-page encoding.
func ridBytes(rid model.Rid) [model.RidSize]byte {
	var buf [model.RidSize]byte
	binary.LittleEndian.PutUint32(buf[0:], uint32(rid.PageNo))
	binary.LittleEndian.PutUint32(buf[4:], uint32(rid.SlotNo))
	return buf
}

// ridFromBytes parses a node-page Rid encoding.
func ridFromBytes(buf []byte) model.Rid {
	return model.Rid{
		PageNo: int32(binary.LittleEndian.Uint32(buf[0:])),
		SlotNo: int32(binary.LittleEndian.Uint32(buf[4:])),
	}
}

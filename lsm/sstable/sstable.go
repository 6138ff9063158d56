package sstable

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"cairndb/common"
	"cairndb/lsm/block"
	"cairndb/lsm/bloom_filter"
	"cairndb/lsm/cache"
	"cairndb/model"
	"cairndb/model/column"
	"cairndb/storage/disk_manager"
	"cairndb/utils/crc"
)

// tailSize is the fixed SST trailer: meta_offset u32 | bloom_offset u32.
const tailSize = 8

/*
SSTable is a sorted immutable file of blocks:

	------------------------------------------------------------------------
	|           Block Section           | Meta Section | Bloom? | Trailer  |
	------------------------------------------------------------------------
	| data block + hash | ... | ...     |   metadata   | filter | offsets  |
	------------------------------------------------------------------------

Each data block is suffixed with its 32-bit content hash. The meta section
holds (offset, first_key, last_key) per block behind a 64-bit guard hash. The
trailer stores the meta and bloom section offsets; the bloom section exists
iff bloom_offset + 8 < file size. Blocks are sorted and disjoint by key range
across the table.
*/
type SSTable struct {
	filePath    string
	fd          int
	metaEntries []block.Meta
	metaOffset  uint32
	bloomOffset uint32
	sstID       uint64
	firstKey    []byte
	lastKey     []byte
	bloom       *bloom_filter.BloomFilter
	blockCache  *cache.BlockCache
	diskManager *disk_manager.DiskManager
	cols        []column.ColMeta
	fileSize    int64
	markDeleted bool
}

// Open reads the trailer, bloom filter and block-meta section of an existing
// SST file and returns a handle over it.
func Open(cols []column.ColMeta, dm *disk_manager.DiskManager, sstID uint64, filePath string,
	blockCache *cache.BlockCache) (*SSTable, error) {

	fileSize := dm.GetFileSize(filePath)
	if fileSize < tailSize {
		return nil, errors.Wrapf(common.ErrInternal, "invalid SST file %s: too small", filePath)
	}
	fd, err := dm.OpenFile(filePath)
	if err != nil {
		return nil, err
	}

	sst := &SSTable{
		filePath:    filePath,
		fd:          fd,
		sstID:       sstID,
		blockCache:  blockCache,
		diskManager: dm,
		cols:        cols,
		fileSize:    fileSize,
	}

	tail := make([]byte, tailSize)
	if err := dm.ReadBytes(fd, fileSize-tailSize, tail); err != nil {
		return nil, err
	}
	sst.metaOffset = binary.LittleEndian.Uint32(tail[0:])
	sst.bloomOffset = binary.LittleEndian.Uint32(tail[4:])

	if int64(sst.bloomOffset)+tailSize < fileSize {
		bloomData := make([]byte, fileSize-tailSize-int64(sst.bloomOffset))
		if err := dm.ReadBytes(fd, int64(sst.bloomOffset), bloomData); err != nil {
			return nil, err
		}
		sst.bloom, err = bloom_filter.Decode(bloomData)
		if err != nil {
			return nil, err
		}
	}

	metaData := make([]byte, sst.bloomOffset-sst.metaOffset)
	if err := dm.ReadBytes(fd, int64(sst.metaOffset), metaData); err != nil {
		return nil, err
	}
	sst.metaEntries, err = block.DecodeMetaFromSlice(metaData, column.TotalLen(cols))
	if err != nil {
		return nil, err
	}

	if len(sst.metaEntries) > 0 {
		sst.firstKey = sst.metaEntries[0].FirstKey
		sst.lastKey = sst.metaEntries[len(sst.metaEntries)-1].LastKey
	}
	return sst, nil
}

func (sst *SSTable) compare(a, b []byte) int {
	return column.Compare(a, b, sst.cols)
}

// ReadBlock returns block blockIdx, consulting the block cache first.
func (sst *SSTable) ReadBlock(blockIdx int) (*block.Block, error) {
	if blockIdx < 0 || blockIdx >= len(sst.metaEntries) {
		return nil, errors.Wrapf(common.ErrInternal, "block index %d out of range", blockIdx)
	}

	if cached := sst.blockCache.Get(sst.sstID, blockIdx); cached != nil {
		return cached, nil
	}

	meta := sst.metaEntries[blockIdx]
	var blockSize uint64
	if blockIdx == len(sst.metaEntries)-1 {
		blockSize = uint64(sst.metaOffset) - meta.Offset
	} else {
		blockSize = sst.metaEntries[blockIdx+1].Offset - meta.Offset
	}

	data := make([]byte, blockSize)
	if err := sst.diskManager.ReadBytes(sst.fd, int64(meta.Offset), data); err != nil {
		return nil, err
	}
	blk, err := block.Decode(data, true, sst.cols)
	if err != nil {
		return nil, err
	}

	sst.blockCache.Put(sst.sstID, blockIdx, blk)
	return blk, nil
}

// FindBlockIdx binary-searches the block-meta by key range. It returns the
// block containing key, the first block past it when key falls in a gap, or
// -1 when key is beyond the last block.
func (sst *SSTable) FindBlockIdx(key []byte) int {
	left, right := 0, len(sst.metaEntries)
	for left < right {
		mid := (left + right) / 2
		meta := sst.metaEntries[mid]
		switch {
		case sst.compare(key, meta.FirstKey) < 0:
			right = mid
		case sst.compare(key, meta.LastKey) > 0:
			left = mid + 1
		default:
			return mid
		}
	}
	if left >= len(sst.metaEntries) {
		return -1
	}
	return left
}

// Get looks up key in the table. The bloom filter and the table's key range
// short-circuit misses before any block is read.
func (sst *SSTable) Get(key []byte) (model.Rid, bool, error) {
	if len(sst.metaEntries) == 0 ||
		sst.compare(key, sst.firstKey) < 0 || sst.compare(key, sst.lastKey) > 0 {
		return model.InvalidRid(), false, nil
	}
	if sst.bloom != nil && !sst.bloom.MayContain(key) {
		return model.InvalidRid(), false, nil
	}

	blockIdx := sst.FindBlockIdx(key)
	if blockIdx == -1 {
		return model.InvalidRid(), false, nil
	}
	blk, err := sst.ReadBlock(blockIdx)
	if err != nil {
		return model.InvalidRid(), false, err
	}
	rid, found := blk.GetValueBinary(key)
	return rid, found, nil
}

// NumBlocks returns the number of data blocks.
func (sst *SSTable) NumBlocks() int { return len(sst.metaEntries) }

// FirstKey returns the smallest key of the table.
func (sst *SSTable) FirstKey() []byte { return sst.firstKey }

// LastKey returns the largest key of the table.
func (sst *SSTable) LastKey() []byte { return sst.lastKey }

// Size returns the file size in bytes.
func (sst *SSTable) Size() int64 { return sst.fileSize }

// ID returns the table's sst id.
func (sst *SSTable) ID() uint64 { return sst.sstID }

// Path returns the table's file path.
func (sst *SSTable) Path() string { return sst.filePath }

// MarkDelete schedules the backing file for removal on Close.
func (sst *SSTable) MarkDelete() { sst.markDeleted = true }

// Close closes the file handle, unlinking the file when the table was marked
// for deletion.
func (sst *SSTable) Close() error {
	if err := sst.diskManager.CloseFile(sst.fd); err != nil {
		return err
	}
	if sst.markDeleted {
		return sst.diskManager.DestroyFile(sst.filePath)
	}
	return nil
}

// Begin returns an iterator over the whole table.
func (sst *SSTable) Begin() *SstIterator {
	it := &SstIterator{sst: sst}
	it.loadBlock()
	return it
}

// Find positions an iterator at the first key >= key (or > key when the
// bound is open).
func (sst *SSTable) Find(key []byte, isClosed bool) *SstIterator {
	it := &SstIterator{sst: sst}
	it.seek(key, isClosed)
	return it
}

// FindRange positions an iterator over [lower, upper] with per-bound
// open/closed flags.
func (sst *SSTable) FindRange(lower []byte, isLowerClosed bool, upper []byte, isUpperClosed bool) *SstIterator {
	it := sst.Find(lower, isLowerClosed)
	it.rightKey = append([]byte(nil), upper...)
	it.rightClosed = isUpperClosed
	it.bounded = true
	return it
}

// SstIterator walks a table block by block in key order, optionally bounded
// above.
type SstIterator struct {
	sst         *SSTable
	blockIdx    int
	blockIt     *block.Iterator
	rightKey    []byte
	rightClosed bool
	bounded     bool
	err         error
}

// loadBlock opens the iterator of the current block, skipping empty blocks.
func (it *SstIterator) loadBlock() {
	for it.blockIdx < it.sst.NumBlocks() {
		blk, err := it.sst.ReadBlock(it.blockIdx)
		if err != nil {
			it.err = err
			it.blockIt = nil
			return
		}
		candidate := blk.Begin()
		if !candidate.IsEnd() {
			it.blockIt = candidate
			return
		}
		it.blockIdx++
	}
	it.blockIt = nil
}

// seek positions the iterator at the first entry >= key (> key when open).
func (it *SstIterator) seek(key []byte, isClosed bool) {
	blockIdx := it.sst.FindBlockIdx(key)
	if blockIdx == -1 {
		it.blockIdx = it.sst.NumBlocks()
		it.blockIt = nil
		return
	}
	it.blockIdx = blockIdx
	blk, err := it.sst.ReadBlock(blockIdx)
	if err != nil {
		it.err = err
		it.blockIt = nil
		return
	}
	it.blockIt = blk.Find(key, isClosed)
	if it.blockIt.IsEnd() {
		it.blockIdx++
		it.loadBlock()
	}
}

// Next advances to the following entry, crossing block boundaries.
func (it *SstIterator) Next() {
	if it.blockIt == nil {
		return
	}
	it.blockIt.Next()
	if it.blockIt.IsEnd() {
		it.blockIdx++
		it.loadBlock()
	}
}

// IsEnd reports exhaustion: past the last block or past the upper bound.
func (it *SstIterator) IsEnd() bool {
	if it.blockIt == nil {
		return true
	}
	if !it.bounded {
		return false
	}
	cmp := it.sst.compare(it.blockIt.Key(), it.rightKey)
	if it.rightClosed {
		return cmp > 0
	}
	return cmp >= 0
}

// Err reports a read error encountered while iterating.
func (it *SstIterator) Err() error { return it.err }

// Key returns the current key.
func (it *SstIterator) Key() []byte { return it.blockIt.Key() }

// Value returns the current Rid.
func (it *SstIterator) Value() model.Rid { return it.blockIt.Value() }

// LevelIterator concatenates the iterators of a level's disjoint, sorted
// tables into one ordered stream.
type LevelIterator struct {
	ssts        []*SSTable
	sstIdx      int
	cur         *SstIterator
	lower       []byte
	lowerClosed bool
	upper       []byte
	upperClosed bool
	bounded     bool
	cols        []column.ColMeta
}

// NewLevelIterator walks every entry of the level.
func NewLevelIterator(ssts []*SSTable, cols []column.ColMeta) *LevelIterator {
	it := &LevelIterator{ssts: ssts, cols: cols}
	it.openCurrent()
	return it
}

// NewLevelIteratorRange walks the level restricted to [lower, upper].
func NewLevelIteratorRange(ssts []*SSTable, cols []column.ColMeta,
	lower []byte, isLowerClosed bool, upper []byte, isUpperClosed bool) *LevelIterator {

	it := &LevelIterator{
		ssts:        ssts,
		cols:        cols,
		lower:       lower,
		lowerClosed: isLowerClosed,
		upper:       upper,
		upperClosed: isUpperClosed,
		bounded:     true,
	}
	// Skip tables that end before the lower bound.
	for it.sstIdx < len(ssts) && column.Compare(ssts[it.sstIdx].LastKey(), lower, cols) < 0 {
		it.sstIdx++
	}
	it.openCurrent()
	return it
}

func (it *LevelIterator) openCurrent() {
	for it.sstIdx < len(it.ssts) {
		sst := it.ssts[it.sstIdx]
		if it.bounded {
			cmp := column.Compare(sst.FirstKey(), it.upper, it.cols)
			if cmp > 0 || (cmp == 0 && !it.upperClosed) {
				break
			}
			it.cur = sst.FindRange(it.lower, it.lowerClosed, it.upper, it.upperClosed)
		} else {
			it.cur = sst.Begin()
		}
		if !it.cur.IsEnd() {
			return
		}
		it.sstIdx++
	}
	it.cur = nil
}

// Next advances to the following entry, crossing table boundaries.
func (it *LevelIterator) Next() {
	if it.cur == nil {
		return
	}
	it.cur.Next()
	if it.cur.IsEnd() {
		it.sstIdx++
		it.openCurrent()
	}
}

// IsEnd reports whether the level is exhausted.
func (it *LevelIterator) IsEnd() bool { return it.cur == nil }

// Key returns the current key.
func (it *LevelIterator) Key() []byte { return it.cur.Key() }

// Value returns the current Rid.
func (it *LevelIterator) Value() model.Rid { return it.cur.Value() }

// Builder accumulates sorted (key, rid) pairs into blocks and writes the
// finished table. Keys must be added in ascending order.
type Builder struct {
	blk          *block.Block
	blockFirst   []byte
	blockLast    []byte
	metaEntries  []block.Meta
	data         []byte
	blockSize    int
	diskManager  *disk_manager.DiskManager
	cols         []column.ColMeta
	bloom        *bloom_filter.BloomFilter
	totalEntries int
}

// NewBuilder creates a builder cutting blocks at blockSize bytes. A nil
// bloom builds a table without a bloom section.
func NewBuilder(dm *disk_manager.DiskManager, cols []column.ColMeta, blockSize int,
	bloom *bloom_filter.BloomFilter) *Builder {

	return &Builder{
		blk:         block.NewBlock(blockSize, cols),
		blockSize:   blockSize,
		diskManager: dm,
		cols:        cols,
		bloom:       bloom,
	}
}

// Add appends one pair, emitting the current block when it is full.
func (b *Builder) Add(key []byte, rid model.Rid) {
	if b.blk.IsEmpty() {
		b.blockFirst = append([]byte(nil), key...)
	}
	if !b.blk.AddEntry(key, rid) {
		b.finishBlock()
		b.blockFirst = append([]byte(nil), key...)
		b.blk.AddEntry(key, rid)
	}
	b.blockLast = append(b.blockLast[:0], key...)
	if b.bloom != nil {
		b.bloom.Add(key)
	}
	b.totalEntries++
}

// EstimatedSize returns the bytes of finished blocks so far.
func (b *Builder) EstimatedSize() int { return len(b.data) }

// NumEntries returns the number of pairs added.
func (b *Builder) NumEntries() int { return b.totalEntries }

// finishBlock encodes the current block, appends its content hash and
// records its meta entry.
func (b *Builder) finishBlock() {
	if b.blk.IsEmpty() {
		return
	}
	encoded := b.blk.Encode()
	b.metaEntries = append(b.metaEntries, block.Meta{
		Offset:   uint64(len(b.data)),
		FirstKey: append([]byte(nil), b.blockFirst...),
		LastKey:  append([]byte(nil), b.blockLast...),
	})
	b.data = append(b.data, crc.AppendBlockHash(encoded)...)
	b.blk = block.NewBlock(b.blockSize, b.cols)
}

// Build writes the table to path and returns an open handle over it.
func (b *Builder) Build(sstID uint64, path string, blockCache *cache.BlockCache) (*SSTable, error) {
	b.finishBlock()
	if len(b.metaEntries) == 0 {
		return nil, errors.Wrap(common.ErrInternal, "cannot build empty SST")
	}

	metaOffset := uint32(len(b.data))
	metaBytes := block.EncodeMetaToSlice(b.metaEntries)
	bloomOffset := metaOffset + uint32(len(metaBytes))

	content := b.data
	content = append(content, metaBytes...)
	if b.bloom != nil {
		content = append(content, b.bloom.Encode()...)
	}
	var tail [tailSize]byte
	binary.LittleEndian.PutUint32(tail[0:], metaOffset)
	binary.LittleEndian.PutUint32(tail[4:], bloomOffset)
	content = append(content, tail[:]...)

	if err := b.diskManager.CreateFile(path); err != nil {
		return nil, err
	}
	fd, err := b.diskManager.OpenFile(path)
	if err != nil {
		return nil, err
	}
	if err := b.diskManager.WriteBytes(fd, 0, content); err != nil {
		return nil, err
	}

	return &SSTable{
		filePath:    path,
		fd:          fd,
		metaEntries: b.metaEntries,
		metaOffset:  metaOffset,
		bloomOffset: bloomOffset,
		sstID:       sstID,
		firstKey:    b.metaEntries[0].FirstKey,
		lastKey:     b.metaEntries[len(b.metaEntries)-1].LastKey,
		bloom:       b.bloom,
		blockCache:  blockCache,
		diskManager: b.diskManager,
		cols:        b.cols,
		fileSize:    int64(len(content)),
	}, nil
}

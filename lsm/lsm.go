package lsm

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"cairndb/common"
	"cairndb/lsm/bloom_filter"
	"cairndb/lsm/cache"
	"cairndb/lsm/iterator"
	"cairndb/lsm/memtable"
	"cairndb/lsm/sstable"
	"cairndb/model"
	"cairndb/model/column"
	"cairndb/storage/disk_manager"
	"cairndb/transaction"
	"cairndb/utils/config"
	"cairndb/utils/logger"
)

// manifestName is the level manifest persisted in the data directory.
const manifestName = "lsm.meta"

// Global configuration variables loaded from config in init()
var (
	BLOCK_SIZE         int
	TOL_MEM_SIZE_LIMIT int
	SST_LEVEL_RATIO    int
)

// init loads the LSM settings into global variables from the config
func init() {
	cfg := config.GetConfig()
	BLOCK_SIZE = cfg.LSM.BlockSize
	TOL_MEM_SIZE_LIMIT = cfg.LSM.TolMemSizeLimit
	SST_LEVEL_RATIO = cfg.LSM.SSTLevelRatio
}

/*
LsmTree is the log-structured merge index: an active skip-list memtable, a
queue of frozen memtables, and leveled SST files. Level 0 tables overlap and
are ordered newest first; levels >= 1 hold disjoint tables sorted by first
key. Point lookups walk memtable -> L0 (newest first) -> Ln (binary search);
a tombstone at any tier terminates the search.
*/
type LsmTree struct {
	cols        []column.ColMeta
	diskManager *disk_manager.DiskManager
	dataDir     string
	nextSstID   atomic.Uint64
	blockCache  *cache.BlockCache
	mem         *memtable.MemTable

	// flushMtx serializes Flush callers (background worker vs FlushAll) so
	// one frozen table is never built into two SSTs.
	flushMtx sync.Mutex

	// sstsMtx guards levelSstIds, ssts and curMaxLevel: exclusive during
	// flush commit and compaction swap, shared during reads.
	sstsMtx     sync.RWMutex
	levelSstIds map[int][]uint64
	ssts        map[uint64]*sstable.SSTable
	curMaxLevel int

	flushWorker      *FlushWorker
	compactionWorker *CompactionWorker

	// DataLost reports that a previous manifest existed but could not be
	// loaded; the tree starts empty in that case.
	DataLost bool
}

// Open loads (or creates) an LSM tree rooted at dataDir, keyed by the given
// column descriptors.
func Open(cols []column.ColMeta, dm *disk_manager.DiskManager, dataDir string) (*LsmTree, error) {
	if err := column.Validate(cols); err != nil {
		return nil, err
	}
	if !dm.IsDir(dataDir) {
		if err := dm.CreateDir(dataDir); err != nil {
			return nil, err
		}
	}

	lsm := &LsmTree{
		cols:        cols,
		diskManager: dm,
		dataDir:     dataDir,
		blockCache:  cache.NewBlockCache(),
		mem:         memtable.NewMemTable(cols),
		levelSstIds: make(map[int][]uint64),
		ssts:        make(map[uint64]*sstable.SSTable),
	}

	if err := lsm.loadManifest(); err != nil {
		logger.L().Warn("failed to load LSM manifest, starting empty",
			zap.String("data_dir", dataDir), zap.Error(err))
		lsm.DataLost = true
		lsm.levelSstIds = make(map[int][]uint64)
		lsm.ssts = make(map[uint64]*sstable.SSTable)
	}

	lsm.flushWorker = NewFlushWorker(lsm)
	lsm.compactionWorker = NewCompactionWorker(lsm)
	return lsm, nil
}

// sstPath formats an SST file path: data_dir/sst_<32-digit id>.<level>
func (l *LsmTree) sstPath(sstID uint64, level int) string {
	return filepath.Join(l.dataDir, fmt.Sprintf("sst_%032d.%d", sstID, level))
}

func (l *LsmTree) compare(a, b []byte) int {
	return column.Compare(a, b, l.cols)
}

// Put writes (key, rid), recording the write on the transaction for
// rollback and scheduling a background flush when the memtables outgrow
// their total budget.
func (l *LsmTree) Put(key []byte, rid model.Rid, txn *transaction.Transaction) {
	l.mem.Put(key, rid)
	if txn != nil {
		txn.AppendWriteRecord(transaction.NewWriteRecord(transaction.IxInsertTuple, l.dataDir, rid, key))
	}
	if l.mem.TotalSize() >= TOL_MEM_SIZE_LIMIT {
		l.flushWorker.Trigger()
	}
}

// PutBatch writes a batch of pairs.
func (l *LsmTree) PutBatch(keys [][]byte, rids []model.Rid, txn *transaction.Transaction) {
	for i := range keys {
		l.Put(keys[i], rids[i], txn)
	}
}

// Remove writes a tombstone for key through the same code path as Put.
func (l *LsmTree) Remove(key []byte, txn *transaction.Transaction) {
	l.mem.Remove(key)
	if txn != nil {
		txn.AppendWriteRecord(transaction.NewWriteRecord(transaction.IxDeleteTuple, l.dataDir, model.InvalidRid(), key))
	}
	if l.mem.TotalSize() >= TOL_MEM_SIZE_LIMIT {
		l.flushWorker.Trigger()
	}
}

// RemoveBatch writes tombstones for a batch of keys.
func (l *LsmTree) RemoveBatch(keys [][]byte, txn *transaction.Transaction) {
	for _, key := range keys {
		l.Remove(key, txn)
	}
}

// Get returns the Rid of the newest write to key. A tombstone in any tier
// yields found=false.
func (l *LsmTree) Get(key []byte, txn *transaction.Transaction) (model.Rid, bool, error) {
	// 1. Memtables, newest first.
	if rid, found := l.mem.Get(key); found {
		if !rid.IsValid() {
			return model.InvalidRid(), false, nil
		}
		return rid, true, nil
	}

	l.sstsMtx.RLock()
	defer l.sstsMtx.RUnlock()

	// 2. L0, newest first; each table guarded by key range and bloom.
	for _, sstID := range l.levelSstIds[0] {
		rid, found, err := l.ssts[sstID].Get(key)
		if err != nil {
			return model.InvalidRid(), false, err
		}
		if found {
			if !rid.IsValid() {
				return model.InvalidRid(), false, nil
			}
			return rid, true, nil
		}
	}

	// 3. Levels >= 1: binary search the disjoint sorted tables.
	for level := 1; level <= l.curMaxLevel; level++ {
		ids := l.levelSstIds[level]
		left, right := 0, len(ids)
		for left < right {
			mid := left + (right-left)/2
			sst := l.ssts[ids[mid]]
			if l.compare(sst.FirstKey(), key) <= 0 && l.compare(key, sst.LastKey()) <= 0 {
				rid, found, err := sst.Get(key)
				if err != nil {
					return model.InvalidRid(), false, err
				}
				if found {
					if !rid.IsValid() {
						return model.InvalidRid(), false, nil
					}
					return rid, true, nil
				}
				break
			} else if l.compare(sst.LastKey(), key) < 0 {
				left = mid + 1
			} else {
				right = mid
			}
		}
	}

	return model.InvalidRid(), false, nil
}

// GetBatch looks up a batch of keys; rids[i] is valid iff founds[i].
func (l *LsmTree) GetBatch(keys [][]byte, txn *transaction.Transaction) ([]model.Rid, []bool, error) {
	rids := make([]model.Rid, len(keys))
	founds := make([]bool, len(keys))
	for i, key := range keys {
		rid, found, err := l.Get(key, txn)
		if err != nil {
			return nil, nil, err
		}
		rids[i] = rid
		founds[i] = found
	}
	return rids, founds, nil
}

// Find composes range-bounded iterators over every tier - active memtable,
// frozen memtables, L0 tables and per-level concat iterators - into a single
// merge that suppresses tombstones.
func (l *LsmTree) Find(lower []byte, isLowerClosed bool, upper []byte, isUpperClosed bool) *iterator.MergeIterator {
	iters := l.mem.Find(lower, isLowerClosed, upper, isUpperClosed)

	l.sstsMtx.RLock()
	for _, sstID := range l.levelSstIds[0] {
		iters = append(iters, l.ssts[sstID].FindRange(lower, isLowerClosed, upper, isUpperClosed))
	}
	for level := 1; level <= l.curMaxLevel; level++ {
		tables := l.levelTablesLocked(level)
		if len(tables) == 0 {
			continue
		}
		iters = append(iters, sstable.NewLevelIteratorRange(tables, l.cols, lower, isLowerClosed, upper, isUpperClosed))
	}
	l.sstsMtx.RUnlock()

	return iterator.NewMergeIterator(iters, l.cols, true)
}

// levelTablesLocked materializes a level's tables in slice order.
func (l *LsmTree) levelTablesLocked(level int) []*sstable.SSTable {
	ids := l.levelSstIds[level]
	tables := make([]*sstable.SSTable, 0, len(ids))
	for _, id := range ids {
		tables = append(tables, l.ssts[id])
	}
	return tables
}

// Flush builds an SST from the oldest frozen memtable and installs it at the
// front of level 0, compacting L0 first when it is at quota. With nothing
// frozen the active memtable is rotated so its contents become durable.
func (l *LsmTree) Flush() error {
	l.flushMtx.Lock()
	defer l.flushMtx.Unlock()

	if l.mem.TotalSize() == 0 {
		return nil
	}
	if l.mem.FrozenCount() == 0 {
		l.mem.FreezeActive()
	}
	sk := l.mem.GetLast()
	if sk == nil {
		return nil
	}

	l.sstsMtx.Lock()
	if len(l.levelSstIds[0]) >= SST_LEVEL_RATIO {
		if err := l.fullCompactLocked(0); err != nil {
			l.sstsMtx.Unlock()
			return err
		}
	}

	sstID := l.nextSstID.Add(1) - 1
	builder := sstable.NewBuilder(l.diskManager, l.cols, BLOCK_SIZE, sk.BloomFilter())
	for it := sk.Begin(); !it.IsEnd(); it.Next() {
		builder.Add(it.Key(), it.Value())
	}
	sst, err := builder.Build(sstID, l.sstPath(sstID, 0), l.blockCache)
	if err != nil {
		l.sstsMtx.Unlock()
		return err
	}
	l.ssts[sstID] = sst
	l.levelSstIds[0] = append([]uint64{sstID}, l.levelSstIds[0]...)
	overQuota := len(l.levelSstIds[0]) >= SST_LEVEL_RATIO
	l.sstsMtx.Unlock()

	l.mem.RemoveLast()

	if overQuota {
		l.compactionWorker.Trigger(0)
	}
	return nil
}

// FlushAll synchronously drains the memtables; used for shutdown and test
// determinism.
func (l *LsmTree) FlushAll() error {
	for l.mem.TotalSize() > 0 {
		if err := l.Flush(); err != nil {
			return err
		}
	}
	return nil
}

// Compact pushes every table at srcLevel into srcLevel+1.
func (l *LsmTree) Compact(srcLevel int) error {
	l.sstsMtx.Lock()
	defer l.sstsMtx.Unlock()
	return l.fullCompactLocked(srcLevel)
}

// fullCompactLocked merges srcLevel into srcLevel+1 under the exclusive ssts
// latch, recursing first when the destination level is itself over quota.
func (l *LsmTree) fullCompactLocked(srcLevel int) error {
	if len(l.levelSstIds[srcLevel]) == 0 {
		return nil
	}
	if len(l.levelSstIds[srcLevel+1]) >= SST_LEVEL_RATIO {
		if err := l.fullCompactLocked(srcLevel + 1); err != nil {
			return err
		}
	}

	srcIDs := append([]uint64(nil), l.levelSstIds[srcLevel]...)
	dstIDs := append([]uint64(nil), l.levelSstIds[srcLevel+1]...)
	dstTables := l.levelTablesLocked(srcLevel + 1)

	var merged iterator.BaseIterator
	if srcLevel == 0 {
		// L0 tables overlap: k-way merge them, newest first so newer sst
		// ids win ties, then join with the disjoint L1 run.
		l0Iters := make([]iterator.BaseIterator, 0, len(srcIDs))
		for _, id := range srcIDs {
			l0Iters = append(l0Iters, l.ssts[id].Begin())
		}
		left := iterator.NewMergeIterator(l0Iters, l.cols, false)
		right := sstable.NewLevelIterator(dstTables, l.cols)
		merged = iterator.NewTwoMergeIterator(left, right, l.cols)
	} else {
		left := sstable.NewLevelIterator(l.levelTablesLocked(srcLevel), l.cols)
		right := sstable.NewLevelIterator(dstTables, l.cols)
		merged = iterator.NewTwoMergeIterator(left, right, l.cols)
	}

	// Tombstones may be dropped only when no older version can survive
	// below the destination level.
	dropTombstones := true
	for level := srcLevel + 2; level <= l.curMaxLevel; level++ {
		if len(l.levelSstIds[level]) > 0 {
			dropTombstones = false
			break
		}
	}

	targetSize := memtable.PerMemSizeLimit * SST_LEVEL_RATIO
	newTables, err := l.genSstFromIter(merged, targetSize, srcLevel+1, dropTombstones)
	if err != nil {
		return err
	}

	// Swap: drop the inputs, install the outputs.
	for _, oldID := range append(srcIDs, dstIDs...) {
		sst := l.ssts[oldID]
		sst.MarkDelete()
		if cerr := sst.Close(); cerr != nil {
			logger.L().Warn("failed to remove compacted SST",
				zap.Uint64("sst_id", oldID), zap.Error(cerr))
		}
		delete(l.ssts, oldID)
	}
	l.levelSstIds[srcLevel] = nil

	newIDs := make([]uint64, 0, len(newTables))
	for _, sst := range newTables {
		l.ssts[sst.ID()] = sst
		newIDs = append(newIDs, sst.ID())
	}
	// Outputs are generated in ascending key order, so id order is first-key
	// order already; keep the invariant explicit all the same.
	sortByFirstKey(newIDs, l.ssts, l.cols)
	l.levelSstIds[srcLevel+1] = newIDs

	if srcLevel+1 > l.curMaxLevel {
		l.curMaxLevel = srcLevel + 1
	}
	return nil
}

// sortByFirstKey orders a level's ids by their tables' first keys.
func sortByFirstKey(ids []uint64, ssts map[uint64]*sstable.SSTable, cols []column.ColMeta) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && column.Compare(ssts[ids[j]].FirstKey(), ssts[ids[j-1]].FirstKey(), cols) < 0; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}

// genSstFromIter streams merged entries into fresh SSTs, closing the current
// SST once its estimated size reaches targetSize; an SST can therefore end up
// somewhat larger than targetSize.
func (l *LsmTree) genSstFromIter(iter iterator.BaseIterator, targetSize int, targetLevel int,
	dropTombstones bool) ([]*sstable.SSTable, error) {

	cfg := config.GetConfig()
	var newTables []*sstable.SSTable
	var builder *sstable.Builder

	build := func() error {
		sstID := l.nextSstID.Add(1) - 1
		sst, err := builder.Build(sstID, l.sstPath(sstID, targetLevel), l.blockCache)
		if err != nil {
			return err
		}
		newTables = append(newTables, sst)
		builder = nil
		return nil
	}

	for ; !iter.IsEnd(); iter.Next() {
		rid := iter.Value()
		if dropTombstones && !rid.IsValid() {
			continue
		}
		if builder == nil {
			builder = sstable.NewBuilder(l.diskManager, l.cols, BLOCK_SIZE,
				bloom_filter.NewBloomFilter(cfg.BloomFilter.ExpectedItems, cfg.BloomFilter.FalsePositiveRate))
		}
		builder.Add(iter.Key(), rid)
		if builder.EstimatedSize() >= targetSize {
			if err := build(); err != nil {
				return nil, err
			}
		}
	}
	if builder != nil && builder.NumEntries() > 0 {
		if err := build(); err != nil {
			return nil, err
		}
	}
	return newTables, nil
}

// GetLevels returns a copy of the level -> sst id layout.
func (l *LsmTree) GetLevels() map[int][]uint64 {
	l.sstsMtx.RLock()
	defer l.sstsMtx.RUnlock()
	levels := make(map[int][]uint64, len(l.levelSstIds))
	for level, ids := range l.levelSstIds {
		levels[level] = append([]uint64(nil), ids...)
	}
	return levels
}

// Close drains the background workers, flushes the memtables, persists the
// manifest and closes every table.
func (l *LsmTree) Close() error {
	l.flushWorker.Stop()
	l.compactionWorker.Stop()

	if err := l.FlushAll(); err != nil {
		return err
	}

	l.sstsMtx.Lock()
	defer l.sstsMtx.Unlock()
	if err := l.persistManifestLocked(); err != nil {
		return err
	}
	for _, sst := range l.ssts {
		if err := sst.Close(); err != nil {
			logger.L().Warn("failed to close SST", zap.Uint64("sst_id", sst.ID()), zap.Error(err))
		}
	}
	l.ssts = make(map[uint64]*sstable.SSTable)
	return nil
}

// Clear drops every table and memtable and removes the manifest.
func (l *LsmTree) Clear() error {
	l.sstsMtx.Lock()
	defer l.sstsMtx.Unlock()
	for _, sst := range l.ssts {
		sst.MarkDelete()
		if err := sst.Close(); err != nil {
			logger.L().Warn("failed to remove SST", zap.Uint64("sst_id", sst.ID()), zap.Error(err))
		}
	}
	l.ssts = make(map[uint64]*sstable.SSTable)
	l.levelSstIds = make(map[int][]uint64)
	l.curMaxLevel = 0
	l.mem = memtable.NewMemTable(l.cols)
	os.Remove(filepath.Join(l.dataDir, manifestName))
	return nil
}

/*
Manifest layout (little-endian), guarded by a trailing crc32:

	next_sst_id u64 | num_levels u32 |
	  (level u32 | count u32 | sst_id u64 ...)* | crc32 u32
*/
func (l *LsmTree) persistManifestLocked() error {
	buf := make([]byte, 0, 64)
	var scratch [8]byte

	binary.LittleEndian.PutUint64(scratch[:], l.nextSstID.Load())
	buf = append(buf, scratch[:8]...)

	binary.LittleEndian.PutUint32(scratch[:4], uint32(l.curMaxLevel+1))
	buf = append(buf, scratch[:4]...)
	for level := 0; level <= l.curMaxLevel; level++ {
		ids, ok := l.levelSstIds[level]
		if !ok {
			ids = nil
		}
		binary.LittleEndian.PutUint32(scratch[:4], uint32(level))
		buf = append(buf, scratch[:4]...)
		binary.LittleEndian.PutUint32(scratch[:4], uint32(len(ids)))
		buf = append(buf, scratch[:4]...)
		for _, id := range ids {
			binary.LittleEndian.PutUint64(scratch[:], id)
			buf = append(buf, scratch[:8]...)
		}
	}

	binary.LittleEndian.PutUint32(scratch[:4], crc32.ChecksumIEEE(buf))
	buf = append(buf, scratch[:4]...)

	path := filepath.Join(l.dataDir, manifestName)
	if err := os.WriteFile(path, buf, 0600); err != nil {
		return errors.Wrapf(common.ErrInternal, "write manifest: %v", err)
	}
	return nil
}

// loadManifest restores the level layout and reopens every listed table. A
// missing manifest is a fresh start, not data loss.
func (l *LsmTree) loadManifest() error {
	path := filepath.Join(l.dataDir, manifestName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(common.ErrInternal, "read manifest: %v", err)
	}
	if len(data) < 16 {
		return errors.Wrap(common.ErrInternal, "manifest too small")
	}

	payload := data[:len(data)-4]
	stored := binary.LittleEndian.Uint32(data[len(data)-4:])
	if computed := crc32.ChecksumIEEE(payload); stored != computed {
		return errors.Wrapf(common.ErrInternal, "manifest crc mismatch: stored %08x computed %08x", stored, computed)
	}

	l.nextSstID.Store(binary.LittleEndian.Uint64(payload[0:]))
	numLevels := binary.LittleEndian.Uint32(payload[8:])
	offset := 12
	for i := uint32(0); i < numLevels; i++ {
		if offset+8 > len(payload) {
			return errors.Wrap(common.ErrInternal, "manifest truncated")
		}
		level := int(binary.LittleEndian.Uint32(payload[offset:]))
		count := int(binary.LittleEndian.Uint32(payload[offset+4:]))
		offset += 8
		ids := make([]uint64, 0, count)
		for j := 0; j < count; j++ {
			if offset+8 > len(payload) {
				return errors.Wrap(common.ErrInternal, "manifest truncated")
			}
			ids = append(ids, binary.LittleEndian.Uint64(payload[offset:]))
			offset += 8
		}
		l.levelSstIds[level] = ids
		if level > l.curMaxLevel && len(ids) > 0 {
			l.curMaxLevel = level
		}
		for _, id := range ids {
			sst, oerr := sstable.Open(l.cols, l.diskManager, id, l.sstPath(id, level), l.blockCache)
			if oerr != nil {
				return oerr
			}
			l.ssts[id] = sst
		}
	}
	return nil
}

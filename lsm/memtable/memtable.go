package memtable

import (
	"sync"
	"sync/atomic"

	"cairndb/lsm/iterator"
	"cairndb/lsm/memtable/skip_list"
	"cairndb/model"
	"cairndb/model/column"
	"cairndb/utils/config"
)

// PerMemSizeLimit is the byte budget of one skip list, loaded from config in init()
var PerMemSizeLimit int

func init() {
	PerMemSizeLimit = config.GetConfig().LSM.PerMemSizeLimit
}

// seedCounter hands every skip list its own deterministic tower seed.
var seedCounter atomic.Int64

// MemTable is one active skip list plus an ordered queue of frozen skip
// lists awaiting flush, newest frozen first. An insert that grows the active
// list past PerMemSizeLimit rotates it into the frozen queue under exclusive
// latch.
type MemTable struct {
	cols []column.ColMeta

	curMtx sync.RWMutex // active table latch
	active *skip_list.SkipList

	frozenMtx   sync.RWMutex // frozen queue latch
	frozen      []*skip_list.SkipList
	frozenBytes int
}

// NewMemTable creates a memtable over the given column descriptors.
func NewMemTable(cols []column.ColMeta) *MemTable {
	return &MemTable{
		cols:   cols,
		active: skip_list.NewSkipList(cols, seedCounter.Add(1)),
	}
}

// Put writes (key, rid) into the active list, rotating it into the frozen
// queue when it outgrows the per-table limit.
func (mt *MemTable) Put(key []byte, rid model.Rid) {
	mt.curMtx.Lock()
	defer mt.curMtx.Unlock()
	mt.active.Put(key, rid)
	if mt.active.SizeBytes() > PerMemSizeLimit {
		mt.frozenMtx.Lock()
		mt.frozenTableLocked()
		mt.frozenMtx.Unlock()
	}
}

// PutBatch writes a batch of pairs under one latch acquisition.
func (mt *MemTable) PutBatch(kvs []struct {
	Key []byte
	Rid model.Rid
}) {
	mt.curMtx.Lock()
	defer mt.curMtx.Unlock()
	for _, kv := range kvs {
		mt.active.Put(kv.Key, kv.Rid)
	}
	if mt.active.SizeBytes() > PerMemSizeLimit {
		mt.frozenMtx.Lock()
		mt.frozenTableLocked()
		mt.frozenMtx.Unlock()
	}
}

// Remove writes a tombstone through the same code path as Put.
func (mt *MemTable) Remove(key []byte) {
	mt.Put(key, model.InvalidRid())
}

// Get searches the active list and then the frozen queue newest first. A
// tombstone hit is returned as-is (invalid Rid, found=true).
func (mt *MemTable) Get(key []byte) (model.Rid, bool) {
	mt.curMtx.RLock()
	rid, found := mt.active.Get(key)
	mt.curMtx.RUnlock()
	if found {
		return rid, true
	}

	mt.frozenMtx.RLock()
	defer mt.frozenMtx.RUnlock()
	return mt.frozenGetLocked(key)
}

func (mt *MemTable) frozenGetLocked(key []byte) (model.Rid, bool) {
	for _, table := range mt.frozen {
		if rid, found := table.Get(key); found {
			return rid, true
		}
	}
	return model.InvalidRid(), false
}

// frozenTableLocked rotates the active list into the frozen queue; both
// latches must be held exclusively.
func (mt *MemTable) frozenTableLocked() {
	mt.frozenBytes += mt.active.SizeBytes()
	mt.frozen = append([]*skip_list.SkipList{mt.active}, mt.frozen...)
	mt.active = skip_list.NewSkipList(mt.cols, seedCounter.Add(1))
}

// FreezeActive rotates a non-empty active list into the frozen queue so a
// flush can pick it up.
func (mt *MemTable) FreezeActive() {
	mt.curMtx.Lock()
	defer mt.curMtx.Unlock()
	if mt.active.SizeBytes() == 0 {
		return
	}
	mt.frozenMtx.Lock()
	mt.frozenTableLocked()
	mt.frozenMtx.Unlock()
}

// GetLast returns the oldest frozen list, or nil when none is frozen.
func (mt *MemTable) GetLast() *skip_list.SkipList {
	mt.frozenMtx.RLock()
	defer mt.frozenMtx.RUnlock()
	if len(mt.frozen) == 0 {
		return nil
	}
	return mt.frozen[len(mt.frozen)-1]
}

// RemoveLast drops the oldest frozen list after its flush committed.
func (mt *MemTable) RemoveLast() {
	mt.frozenMtx.Lock()
	defer mt.frozenMtx.Unlock()
	if len(mt.frozen) == 0 {
		return
	}
	last := mt.frozen[len(mt.frozen)-1]
	mt.frozen = mt.frozen[:len(mt.frozen)-1]
	mt.frozenBytes -= last.SizeBytes()
}

// TotalSize returns the combined byte footprint of active and frozen lists.
func (mt *MemTable) TotalSize() int {
	mt.curMtx.RLock()
	activeBytes := mt.active.SizeBytes()
	mt.curMtx.RUnlock()

	mt.frozenMtx.RLock()
	defer mt.frozenMtx.RUnlock()
	return activeBytes + mt.frozenBytes
}

// FrozenCount returns the length of the frozen queue.
func (mt *MemTable) FrozenCount() int {
	mt.frozenMtx.RLock()
	defer mt.frozenMtx.RUnlock()
	return len(mt.frozen)
}

// Find returns range-bounded iterators over the active list and every frozen
// list, newest source first, for composition into a MergeIterator.
func (mt *MemTable) Find(lower []byte, isLowerClosed bool, upper []byte, isUpperClosed bool) []iterator.BaseIterator {
	iters := make([]iterator.BaseIterator, 0, 1+len(mt.frozen))

	mt.curMtx.RLock()
	iters = append(iters, mt.active.FindRange(lower, isLowerClosed, upper, isUpperClosed))
	mt.curMtx.RUnlock()

	mt.frozenMtx.RLock()
	defer mt.frozenMtx.RUnlock()
	for _, table := range mt.frozen {
		iters = append(iters, table.FindRange(lower, isLowerClosed, upper, isUpperClosed))
	}
	return iters
}

package buffer_pool

import (
	"sync"

	"go.uber.org/zap"

	"cairndb/model"
	"cairndb/storage/disk_manager"
	"cairndb/storage/page"
	"cairndb/storage/replacer"
	"cairndb/utils/config"
	"cairndb/utils/logger"
)

const bucketCount = 16

// PoolSize is loaded from config in init()
var PoolSize int

func init() {
	PoolSize = config.GetConfig().Storage.BufferPoolSize
}

type bucket struct {
	mtx   sync.RWMutex
	table map[model.PageId]replacer.FrameID
}

// BufferPoolManager owns the frame array, a sharded page table, a free list
// and a replacer. fetch and new return nil when every frame is pinned; the
// caller must treat that as a fatal out-of-buffers condition.
type BufferPoolManager struct {
	poolSize int
	pages    []*page.Page
	buckets  [bucketCount]bucket

	// victimMtx serializes free-list pops, replacer victim selection and the
	// frame state transition of an eviction.
	victimMtx sync.Mutex
	freeList  []replacer.FrameID

	diskManager *disk_manager.DiskManager
	rep         replacer.Replacer

	// Background flusher state.
	flushMtx   sync.Mutex
	flushCond  *sync.Cond
	flushQueue []model.PageId
	terminate  bool
	flushDone  sync.WaitGroup
}

// NewBufferPoolManager builds a pool of poolSize frames over the given disk
// manager. The replacer type comes from config ("lru" or "clock").
func NewBufferPoolManager(poolSize int, dm *disk_manager.DiskManager) *BufferPoolManager {
	bpm := &BufferPoolManager{
		poolSize:    poolSize,
		pages:       make([]*page.Page, poolSize),
		freeList:    make([]replacer.FrameID, 0, poolSize),
		diskManager: dm,
	}
	for i := 0; i < poolSize; i++ {
		bpm.pages[i] = page.NewPage()
		bpm.freeList = append(bpm.freeList, replacer.FrameID(i))
	}
	for i := range bpm.buckets {
		bpm.buckets[i].table = make(map[model.PageId]replacer.FrameID)
	}
	switch config.GetConfig().Storage.ReplacerType {
	case "clock":
		bpm.rep = replacer.NewClockReplacer(poolSize)
	default:
		bpm.rep = replacer.NewLRUReplacer(poolSize)
	}

	bpm.flushCond = sync.NewCond(&bpm.flushMtx)
	bpm.flushDone.Add(1)
	go bpm.backgroundFlush()

	return bpm
}

func (bpm *BufferPoolManager) bucket(id model.PageId) *bucket {
	hash := uint64(id.FD)*31 ^ uint64(uint32(id.PageNo))<<1
	return &bpm.buckets[hash&(bucketCount-1)]
}

// findVictimFrame pops a frame from the free list, falling back to the
// replacer. Returns false when neither has an evictable frame.
func (bpm *BufferPoolManager) findVictimFrame() (replacer.FrameID, bool) {
	if len(bpm.freeList) > 0 {
		frameID := bpm.freeList[0]
		bpm.freeList = bpm.freeList[1:]
		return frameID, true
	}
	return bpm.rep.Victim()
}

// evictFrame prepares a frame for reuse: writes it back if dirty and removes
// its old page-table entry. Fails when the frame got re-pinned after victim
// selection.
func (bpm *BufferPoolManager) evictFrame(frameID replacer.FrameID) bool {
	p := bpm.pages[frameID]
	oldID := p.ID()
	if oldID.FD == -1 {
		return true
	}

	b := bpm.bucket(oldID)
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if p.PinCount() > 0 {
		// Re-pinned between victim selection and eviction; hand it back.
		bpm.rep.Unpin(frameID)
		return false
	}
	if p.IsDirty() {
		if err := bpm.diskManager.WritePage(oldID.FD, oldID.PageNo, p.Data(), page.PageSize); err != nil {
			logger.L().Error("failed to write back dirty page",
				zap.Int("fd", oldID.FD), zap.Int32("page_no", oldID.PageNo), zap.Error(err))
			bpm.rep.Unpin(frameID)
			return false
		}
		p.SetDirty(false)
	}
	delete(b.table, oldID)
	p.SetID(model.InvalidPageId())
	return true
}

// acquireFrame finds and evicts a victim frame. Returns nil when the pool is
// exhausted by pinned pages.
func (bpm *BufferPoolManager) acquireFrame() (replacer.FrameID, bool) {
	bpm.victimMtx.Lock()
	defer bpm.victimMtx.Unlock()

	for attempts := 0; attempts < bpm.poolSize+1; attempts++ {
		frameID, ok := bpm.findVictimFrame()
		if !ok {
			return 0, false
		}
		if bpm.evictFrame(frameID) {
			return frameID, true
		}
	}
	return 0, false
}

// FetchPage returns the requested page pinned, reading it from disk when it
// is not resident. Returns nil when no frame can be evicted.
func (bpm *BufferPoolManager) FetchPage(pageID model.PageId) *page.Page {
	b := bpm.bucket(pageID)
	b.mtx.RLock()
	if frameID, ok := b.table[pageID]; ok {
		p := bpm.pages[frameID]
		p.Pin()
		bpm.rep.Pin(frameID)
		b.mtx.RUnlock()
		return p
	}
	b.mtx.RUnlock()

	frameID, ok := bpm.acquireFrame()
	if !ok {
		return nil
	}
	p := bpm.pages[frameID]

	if err := bpm.diskManager.ReadPage(pageID.FD, pageID.PageNo, p.Data(), page.PageSize); err != nil {
		logger.L().Error("failed to read page",
			zap.Int("fd", pageID.FD), zap.Int32("page_no", pageID.PageNo), zap.Error(err))
		bpm.victimMtx.Lock()
		bpm.freeList = append(bpm.freeList, frameID)
		bpm.victimMtx.Unlock()
		return nil
	}

	p.SetID(pageID)
	p.SetPinCount(1)
	p.SetDirty(false)

	b.mtx.Lock()
	if existing, ok := b.table[pageID]; ok {
		// Another goroutine raced the same page in; use its frame and
		// return ours to the free list.
		winner := bpm.pages[existing]
		winner.Pin()
		bpm.rep.Pin(existing)
		b.mtx.Unlock()

		p.SetID(model.InvalidPageId())
		p.SetPinCount(0)
		bpm.victimMtx.Lock()
		bpm.freeList = append(bpm.freeList, frameID)
		bpm.victimMtx.Unlock()
		return winner
	}
	b.table[pageID] = frameID
	b.mtx.Unlock()

	bpm.rep.Pin(frameID)
	return p
}

// NewPage allocates a fresh page number in pageID.FD, zeroes a frame for it
// and returns it pinned. pageID.PageNo is filled in. Returns nil when no
// frame can be evicted.
func (bpm *BufferPoolManager) NewPage(pageID *model.PageId) *page.Page {
	frameID, ok := bpm.acquireFrame()
	if !ok {
		return nil
	}

	pageID.PageNo = bpm.diskManager.AllocatePage(pageID.FD)

	p := bpm.pages[frameID]
	p.ResetMemory()
	p.SetID(*pageID)
	p.SetPinCount(1)
	p.SetDirty(false)

	b := bpm.bucket(*pageID)
	b.mtx.Lock()
	b.table[*pageID] = frameID
	b.mtx.Unlock()

	bpm.rep.Pin(frameID)
	return p
}

// UnpinPage decrements the pin count, ORs the dirty flag and hands the frame
// to the replacer when the count reaches zero. Unpinning an unpinned page
// returns false.
func (bpm *BufferPoolManager) UnpinPage(pageID model.PageId, isDirty bool) bool {
	b := bpm.bucket(pageID)
	b.mtx.RLock()
	defer b.mtx.RUnlock()

	frameID, ok := b.table[pageID]
	if !ok {
		return false
	}
	p := bpm.pages[frameID]
	if isDirty {
		p.MarkDirty()
	}
	newCount, ok := p.Unpin()
	if !ok {
		return false
	}
	if newCount == 0 {
		bpm.rep.Unpin(frameID)
	}
	return true
}

// FlushPage writes the page back unconditionally and clears its dirty flag.
func (bpm *BufferPoolManager) FlushPage(pageID model.PageId) bool {
	b := bpm.bucket(pageID)
	b.mtx.RLock()
	defer b.mtx.RUnlock()

	frameID, ok := b.table[pageID]
	if !ok {
		return false
	}
	p := bpm.pages[frameID]
	if err := bpm.diskManager.WritePage(pageID.FD, pageID.PageNo, p.Data(), page.PageSize); err != nil {
		logger.L().Error("failed to flush page",
			zap.Int("fd", pageID.FD), zap.Int32("page_no", pageID.PageNo), zap.Error(err))
		return false
	}
	p.SetDirty(false)
	return true
}

// FlushAllPages writes every resident page of fd back and clears the dirty
// flags.
func (bpm *BufferPoolManager) FlushAllPages(fd int) {
	for _, p := range bpm.pages {
		id := p.ID()
		if id.FD != fd {
			continue
		}
		if err := bpm.diskManager.WritePage(id.FD, id.PageNo, p.Data(), page.PageSize); err != nil {
			logger.L().Error("failed to flush page",
				zap.Int("fd", id.FD), zap.Int32("page_no", id.PageNo), zap.Error(err))
			continue
		}
		p.SetDirty(false)
	}
}

// RemoveAllPages drops every resident page of fd from the pool, optionally
// flushing them first. Used when an index file is closed.
func (bpm *BufferPoolManager) RemoveAllPages(fd int, flush bool) {
	for frameIdx, p := range bpm.pages {
		id := p.ID()
		if id.FD != fd {
			continue
		}
		b := bpm.bucket(id)
		b.mtx.Lock()
		if flush {
			if err := bpm.diskManager.WritePage(id.FD, id.PageNo, p.Data(), page.PageSize); err != nil {
				logger.L().Error("failed to flush page on removal",
					zap.Int("fd", id.FD), zap.Int32("page_no", id.PageNo), zap.Error(err))
			}
		}
		delete(b.table, id)
		p.SetID(model.InvalidPageId())
		p.SetPinCount(0)
		p.SetDirty(false)
		b.mtx.Unlock()

		frameID := replacer.FrameID(frameIdx)
		bpm.rep.Pin(frameID)
		bpm.victimMtx.Lock()
		bpm.freeList = append(bpm.freeList, frameID)
		bpm.victimMtx.Unlock()
	}
}

// DeletePage removes a page from the pool and returns its frame to the free
// list. A pinned page cannot be deleted.
func (bpm *BufferPoolManager) DeletePage(pageID model.PageId) bool {
	b := bpm.bucket(pageID)
	b.mtx.Lock()

	frameID, ok := b.table[pageID]
	if !ok {
		b.mtx.Unlock()
		return true
	}
	p := bpm.pages[frameID]
	if p.PinCount() > 0 {
		b.mtx.Unlock()
		return false
	}
	if p.IsDirty() {
		if err := bpm.diskManager.WritePage(pageID.FD, pageID.PageNo, p.Data(), page.PageSize); err != nil {
			logger.L().Error("failed to flush page on delete",
				zap.Int("fd", pageID.FD), zap.Int32("page_no", pageID.PageNo), zap.Error(err))
		}
	}
	bpm.diskManager.DeallocatePage(pageID.PageNo)
	delete(b.table, pageID)
	p.ResetMemory()
	p.SetID(model.InvalidPageId())
	p.SetPinCount(0)
	p.SetDirty(false)
	b.mtx.Unlock()

	bpm.rep.Pin(frameID)
	bpm.victimMtx.Lock()
	bpm.freeList = append(bpm.freeList, frameID)
	bpm.victimMtx.Unlock()
	return true
}

// ScheduleFlush queues a page for the background flusher.
func (bpm *BufferPoolManager) ScheduleFlush(pageID model.PageId) {
	bpm.flushMtx.Lock()
	bpm.flushQueue = append(bpm.flushQueue, pageID)
	bpm.flushMtx.Unlock()
	bpm.flushCond.Signal()
}

// backgroundFlush drains the flush queue until Close is called. The queue is
// fully drained on shutdown.
func (bpm *BufferPoolManager) backgroundFlush() {
	defer bpm.flushDone.Done()
	for {
		bpm.flushMtx.Lock()
		for len(bpm.flushQueue) == 0 && !bpm.terminate {
			bpm.flushCond.Wait()
		}
		if len(bpm.flushQueue) == 0 && bpm.terminate {
			bpm.flushMtx.Unlock()
			return
		}
		pageID := bpm.flushQueue[0]
		bpm.flushQueue = bpm.flushQueue[1:]
		bpm.flushMtx.Unlock()

		bpm.FlushPage(pageID)
	}
}

// Close stops the background flusher after draining its queue.
func (bpm *BufferPoolManager) Close() {
	bpm.flushMtx.Lock()
	bpm.terminate = true
	bpm.flushMtx.Unlock()
	bpm.flushCond.Broadcast()
	bpm.flushDone.Wait()
}

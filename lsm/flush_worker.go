package lsm

import (
	"sync"

	"go.uber.org/zap"

	"cairndb/utils/logger"
)

// FlushWorker drains memtable flushes on a dedicated goroutine. Triggers are
// counted, the worker loop blocks on a condition variable, and Stop drains
// the remaining count before joining.
type FlushWorker struct {
	mtx       sync.Mutex
	cond      *sync.Cond
	pending   int
	terminate bool
	done      sync.WaitGroup
	lsm       *LsmTree
}

// NewFlushWorker starts the worker immediately.
func NewFlushWorker(lsm *LsmTree) *FlushWorker {
	w := &FlushWorker{lsm: lsm}
	w.cond = sync.NewCond(&w.mtx)
	w.done.Add(1)
	go w.run()
	return w
}

// Trigger enqueues one flush.
func (w *FlushWorker) Trigger() {
	w.mtx.Lock()
	w.pending++
	w.mtx.Unlock()
	w.cond.Signal()
}

func (w *FlushWorker) run() {
	defer w.done.Done()
	for {
		w.mtx.Lock()
		for w.pending == 0 && !w.terminate {
			w.cond.Wait()
		}
		if w.pending == 0 && w.terminate {
			w.mtx.Unlock()
			return
		}
		w.pending--
		w.mtx.Unlock()

		if err := w.lsm.Flush(); err != nil {
			logger.L().Error("background flush failed", zap.Error(err))
		}
	}
}

// Stop drains the queue and joins the worker.
func (w *FlushWorker) Stop() {
	w.mtx.Lock()
	w.terminate = true
	w.mtx.Unlock()
	w.cond.Broadcast()
	w.done.Wait()
}

// CompactionWorker runs full level compactions on a dedicated goroutine fed
// by a source-level queue.
type CompactionWorker struct {
	mtx       sync.Mutex
	cond      *sync.Cond
	queue     []int
	terminate bool
	done      sync.WaitGroup
	lsm       *LsmTree
}

// NewCompactionWorker starts the worker immediately.
func NewCompactionWorker(lsm *LsmTree) *CompactionWorker {
	w := &CompactionWorker{lsm: lsm}
	w.cond = sync.NewCond(&w.mtx)
	w.done.Add(1)
	go w.run()
	return w
}

// Trigger enqueues a compaction of srcLevel into srcLevel+1.
func (w *CompactionWorker) Trigger(srcLevel int) {
	w.mtx.Lock()
	w.queue = append(w.queue, srcLevel)
	w.mtx.Unlock()
	w.cond.Signal()
}

func (w *CompactionWorker) run() {
	defer w.done.Done()
	for {
		w.mtx.Lock()
		for len(w.queue) == 0 && !w.terminate {
			w.cond.Wait()
		}
		if len(w.queue) == 0 && w.terminate {
			w.mtx.Unlock()
			return
		}
		srcLevel := w.queue[0]
		w.queue = w.queue[1:]
		w.mtx.Unlock()

		if err := w.lsm.Compact(srcLevel); err != nil {
			logger.L().Error("background compaction failed",
				zap.Int("src_level", srcLevel), zap.Error(err))
		}
	}
}

// Stop drains the queue and joins the worker.
func (w *CompactionWorker) Stop() {
	w.mtx.Lock()
	w.terminate = true
	w.mtx.Unlock()
	w.cond.Broadcast()
	w.done.Wait()
}

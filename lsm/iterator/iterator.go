package iterator

import (
	"container/heap"

	"cairndb/model"
	"cairndb/model/column"
)

// BaseIterator is the common shape of every LSM iterator: skip list, block,
// SST, level concat and the merging combinators below. An iterator is
// positioned on an entry until IsEnd reports true; Key and Value must not be
// called afterwards.
type BaseIterator interface {
	Next()
	IsEnd() bool
	Key() []byte
	Value() model.Rid
}

type mergeEntry struct {
	key   []byte
	value model.Rid
	src   int
}

// mergeHeap is a min-heap ordered by key, tie-broken by source position so
// that among equal keys the newest source (lowest index) surfaces first.
type mergeHeap struct {
	entries []mergeEntry
	cols    []column.ColMeta
}

func (h *mergeHeap) Len() int { return len(h.entries) }

func (h *mergeHeap) Less(i, j int) bool {
	cmp := column.Compare(h.entries[i].key, h.entries[j].key, h.cols)
	if cmp != 0 {
		return cmp < 0
	}
	return h.entries[i].src < h.entries[j].src
}

func (h *mergeHeap) Swap(i, j int) { h.entries[i], h.entries[j] = h.entries[j], h.entries[i] }

func (h *mergeHeap) Push(x any) { h.entries = append(h.entries, x.(mergeEntry)) }

func (h *mergeHeap) Pop() any {
	old := h.entries
	n := len(old)
	entry := old[n-1]
	h.entries = old[:n-1]
	return entry
}

// MergeIterator k-way merges its sources. Sources must be ordered newest
// first: among entries with equal keys only the one from the newest source is
// emitted. With filter set, tombstone entries (invalid Rids) are suppressed
// entirely.
type MergeIterator struct {
	iters  []BaseIterator
	h      *mergeHeap
	cols   []column.ColMeta
	filter bool

	cur mergeEntry
	end bool
}

// NewMergeIterator builds a merge over iters (newest source first).
func NewMergeIterator(iters []BaseIterator, cols []column.ColMeta, filter bool) *MergeIterator {
	m := &MergeIterator{
		iters:  iters,
		h:      &mergeHeap{cols: cols},
		cols:   cols,
		filter: filter,
	}
	heap.Init(m.h)
	for id := range iters {
		m.refill(id)
	}
	m.advance()
	return m
}

// refill pushes the current head of source src and steps that source.
func (m *MergeIterator) refill(src int) {
	it := m.iters[src]
	if it.IsEnd() {
		return
	}
	key := append([]byte(nil), it.Key()...)
	heap.Push(m.h, mergeEntry{key: key, value: it.Value(), src: src})
	it.Next()
}

// advance pops the next winning entry, draining losers with the same key.
func (m *MergeIterator) advance() {
	for m.h.Len() > 0 {
		top := heap.Pop(m.h).(mergeEntry)
		for m.h.Len() > 0 && column.Compare(m.h.entries[0].key, top.key, m.cols) == 0 {
			shadowed := heap.Pop(m.h).(mergeEntry)
			m.refill(shadowed.src)
		}
		m.refill(top.src)
		if m.filter && !top.value.IsValid() {
			continue
		}
		m.cur = top
		return
	}
	m.end = true
}

func (m *MergeIterator) Next()            { m.advance() }
func (m *MergeIterator) IsEnd() bool      { return m.end }
func (m *MergeIterator) Key() []byte      { return m.cur.key }
func (m *MergeIterator) Value() model.Rid { return m.cur.value }

var _ BaseIterator = (*MergeIterator)(nil)

// TwoMergeIterator merges two already-sorted streams, the left one taking
// precedence on duplicate keys: at most one record per key is emitted.
type TwoMergeIterator struct {
	a, b BaseIterator
	cols []column.ColMeta
}

// NewTwoMergeIterator merges a (preferred) and b.
func NewTwoMergeIterator(a, b BaseIterator, cols []column.ColMeta) *TwoMergeIterator {
	it := &TwoMergeIterator{a: a, b: b, cols: cols}
	it.skipB()
	return it
}

// skipB steps b past an entry shadowed by a's current key.
func (it *TwoMergeIterator) skipB() {
	if !it.a.IsEnd() && !it.b.IsEnd() &&
		column.Compare(it.b.Key(), it.a.Key(), it.cols) == 0 {
		it.b.Next()
	}
}

func (it *TwoMergeIterator) chooseA() bool {
	if it.a.IsEnd() {
		return false
	}
	if it.b.IsEnd() {
		return true
	}
	return column.Compare(it.a.Key(), it.b.Key(), it.cols) < 0
}

func (it *TwoMergeIterator) Next() {
	if it.chooseA() {
		it.a.Next()
	} else {
		it.b.Next()
	}
	it.skipB()
}

func (it *TwoMergeIterator) IsEnd() bool {
	return it.a.IsEnd() && it.b.IsEnd()
}

func (it *TwoMergeIterator) Key() []byte {
	if it.chooseA() {
		return it.a.Key()
	}
	return it.b.Key()
}

func (it *TwoMergeIterator) Value() model.Rid {
	if it.chooseA() {
		return it.a.Value()
	}
	return it.b.Value()
}

var _ BaseIterator = (*TwoMergeIterator)(nil)

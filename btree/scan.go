package btree

import (
	"cairndb/model"
)

// Scan walks the leaf chain from a start position up to maxKey (inclusive
// when closed). It holds at most one shared leaf latch at a time; crossing
// to the next leaf latches the successor before releasing the current one so
// no window is left unlatched. The latch is released as soon as the scan
// ends.
type Scan struct {
	ih     *IndexHandle
	node   nodeHandle
	pos    int
	maxPos int
	maxKey []byte
	closed bool
	done   bool
}

// RangeScan opens a scan over [lower, upper]; upperClosed selects whether
// upper itself is included.
func (ih *IndexHandle) RangeScan(lower, upper []byte, upperClosed bool) (*Scan, error) {
	node, pos, err := ih.LowerBound(lower)
	if err != nil {
		return nil, err
	}
	return newScan(ih, node, pos, upper, upperClosed), nil
}

// newScan wraps an already share-latched leaf position.
func newScan(ih *IndexHandle, node nodeHandle, startPos int, maxKey []byte, closed bool) *Scan {
	s := &Scan{
		ih:     ih,
		node:   node,
		pos:    startPos,
		maxKey: append([]byte(nil), maxKey...),
		closed: closed,
	}
	s.updateMaxPos()
	if s.IsEnd() {
		s.release()
	}
	return s
}

// updateMaxPos recomputes the last accessible position in the current leaf.
func (s *Scan) updateMaxPos() {
	if s.closed {
		s.maxPos = s.node.upperBoundAdjust(s.maxKey)
	} else {
		s.maxPos = s.node.lowerBound(s.maxKey)
	}
}

func (s *Scan) release() {
	if !s.done {
		s.ih.unlockShared(s.node)
		s.done = true
	}
}

// IsEnd reports whether the scan is exhausted.
func (s *Scan) IsEnd() bool {
	return s.pos >= s.maxPos
}

// Rid returns the Rid at the current position.
func (s *Scan) Rid() model.Rid {
	return s.node.ridAt(s.pos)
}

// Key returns a copy of the key at the current position.
func (s *Scan) Key() []byte {
	return append([]byte(nil), s.node.keyAt(s.pos)...)
}

// Next advances one position, crossing into the next leaf when needed.
func (s *Scan) Next() error {
	s.pos++
	if s.pos >= s.node.size() {
		return s.NextBatch()
	}
	if s.IsEnd() {
		s.release()
	}
	return nil
}

// NextBatch advances the cursor to the next leaf (or ends the scan when the
// bound or the sentinel is reached).
func (s *Scan) NextBatch() error {
	nextLeaf := s.node.nextLeaf()
	if nextLeaf == LeafHeaderPage || s.maxPos < s.node.size() {
		s.pos = s.maxPos
		s.release()
		return nil
	}
	// Latch the successor before releasing the current leaf.
	newNode, err := s.ih.fetchNode(nextLeaf)
	if err != nil {
		s.pos = s.maxPos
		s.release()
		return err
	}
	newNode.page.LockShared()
	s.ih.unlockShared(s.node)
	s.node = newNode
	s.pos = 0
	s.updateMaxPos()
	if s.IsEnd() {
		s.release()
	}
	return nil
}

// RidBatch returns the Rids from the current position to the end of the
// current leaf's accessible range.
func (s *Scan) RidBatch() []model.Rid {
	if s.IsEnd() {
		return nil
	}
	batch := make([]model.Rid, 0, s.maxPos-s.pos)
	for i := s.pos; i < s.maxPos; i++ {
		batch = append(batch, s.node.ridAt(i))
	}
	return batch
}

// Close releases the scan's latch early.
func (s *Scan) Close() {
	s.release()
}

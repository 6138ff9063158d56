package btree

import (
	"bytes"
	"sync"

	"github.com/pkg/errors"

	"cairndb/common"
	"cairndb/model"
	"cairndb/model/column"
	"cairndb/storage/buffer_pool"
	"cairndb/storage/page"
	"cairndb/transaction"
)

// IndexHandle is one open B+tree index file: ordered point and range access
// with hand-over-hand latch crabbing. A descent never holds a latch on a
// non-ancestor; the root lookup lock is held only until the root page latch
// is acquired (readers) or until a safe node releases all ancestors
// (writers).
type IndexHandle struct {
	manager   *IxManager
	fd        int
	fileHdr   *FileHdr
	cols      []column.ColMeta
	rootLatch sync.RWMutex
	isDeleted bool
}

// newIndexHandle reads the file header of an opened index file.
func newIndexHandle(manager *IxManager, fd int) (*IndexHandle, error) {
	buf := make([]byte, page.PageSize)
	if err := manager.diskManager.ReadPage(fd, FileHdrPage, buf, page.PageSize); err != nil {
		return nil, err
	}
	fileHdr, err := DeserializeFileHdr(buf)
	if err != nil {
		return nil, err
	}
	return &IndexHandle{
		manager: manager,
		fd:      fd,
		fileHdr: fileHdr,
		cols:    fileHdr.Cols(),
	}, nil
}

// FD returns the index file descriptor.
func (ih *IndexHandle) FD() int { return ih.fd }

// FileHdr exposes the in-memory file header.
func (ih *IndexHandle) FileHdr() *FileHdr { return ih.fileHdr }

// MarkDeleted schedules the index file for destruction when it is closed.
func (ih *IndexHandle) MarkDeleted() { ih.isDeleted = true }

func (ih *IndexHandle) bpm() *buffer_pool.BufferPoolManager {
	return ih.manager.bufferPool
}

// fetchNode pins the node on pageNo. The caller must unpin it.
func (ih *IndexHandle) fetchNode(pageNo int32) (nodeHandle, error) {
	p := ih.bpm().FetchPage(model.PageId{FD: ih.fd, PageNo: pageNo})
	if p == nil {
		return nodeHandle{}, errors.Wrapf(common.ErrBufferPoolExhausted, "fetch index page %d", pageNo)
	}
	return newNodeHandle(ih.fileHdr, ih.cols, p), nil
}

// createNode allocates and pins a fresh node page. The caller must unpin it.
func (ih *IndexHandle) createNode() (nodeHandle, error) {
	pageID := model.PageId{FD: ih.fd, PageNo: model.NoPage}
	p := ih.bpm().NewPage(&pageID)
	if p == nil {
		return nodeHandle{}, errors.Wrap(common.ErrBufferPoolExhausted, "create index page")
	}
	return newNodeHandle(ih.fileHdr, ih.cols, p), nil
}

// releaseAllXLock walks the transaction's latch FIFO in insertion order,
// unlatching and unpinning every page; a nil entry is the root lookup lock.
func (ih *IndexHandle) releaseAllXLock(txn *transaction.Transaction, dirty bool) {
	for _, p := range txn.TakeIndexLatchPages() {
		if p == nil {
			ih.rootLatch.Unlock()
			continue
		}
		p.Unlock()
		ih.bpm().UnpinPage(p.ID(), dirty)
	}
}

// lockShared share-latches a node's page.
func (ih *IndexHandle) lockShared(node nodeHandle) {
	node.page.LockShared()
}

// unlockShared releases a node's shared latch and unpins it.
func (ih *IndexHandle) unlockShared(node nodeHandle) {
	node.page.UnlockShared()
	ih.bpm().UnpinPage(node.page.ID(), false)
}

/*
findLeafPage descends to the leaf covering key.

Optimistic pass (findFirst): shared latches hand-over-hand; writers take the
exclusive latch only on the leaf. If the leaf turns out unsafe the pass
restarts pessimistically: the root lookup lock and every node on the path are
held exclusively, releasing all ancestors whenever a safe node is reached.
Deletes additionally latch the leaf's left sibling to permit redistribution
and coalescing.

The caller holds rootLatch.RLock on entry of an optimistic pass; it is
released once the first page latch is held. The returned leaf must be
unlatched by the caller (FIND: unlockShared; writes: releaseAllXLock).
*/
func (ih *IndexHandle) findLeafPage(key []byte, op Operation, txn *transaction.Transaction,
	findFirst bool) (nodeHandle, error) {

	if !findFirst {
		ih.rootLatch.Lock()
		txn.AppendIndexLatchPage(nil)
	}

	nextPageNo := ih.fileHdr.RootPage
	var prevNode nodeHandle
	havePrev := false
	prevID := 0

	for {
		node, err := ih.fetchNode(nextPageNo)
		if err != nil {
			if findFirst {
				if havePrev {
					ih.unlockShared(prevNode)
				} else {
					ih.rootLatch.RUnlock()
				}
			} else {
				ih.releaseAllXLock(txn, false)
			}
			return nodeHandle{}, err
		}

		if findFirst {
			if node.isLeaf() && op != OpFind {
				node.page.Lock()
				txn.AppendIndexLatchPage(node.page)
			} else {
				node.page.LockShared()
			}
			if havePrev {
				prevNode.page.UnlockShared()
				ih.bpm().UnpinPage(prevNode.page.ID(), false)
			} else {
				ih.rootLatch.RUnlock()
			}
		} else {
			if node.isLeaf() && op == OpDelete && prevID > 0 {
				leftSibling, lerr := ih.fetchNode(prevNode.childAt(prevID - 1))
				if lerr != nil {
					ih.bpm().UnpinPage(node.page.ID(), false)
					ih.releaseAllXLock(txn, false)
					return nodeHandle{}, lerr
				}
				leftSibling.page.Lock()
				txn.AppendIndexLatchPage(leftSibling.page)
			}
			node.page.Lock()
			if node.isSafe(op) {
				ih.releaseAllXLock(txn, false)
			}
			txn.AppendIndexLatchPage(node.page)
		}

		if node.isLeaf() {
			if findFirst && op != OpFind && !node.isSafe(op) {
				// Optimistic descent met an unsafe leaf: retry with
				// exclusive latches from the root.
				ih.releaseAllXLock(txn, false)
				return ih.findLeafPage(key, op, txn, false)
			}
			return node, nil
		}

		prevID = node.upperBound(key) - 1
		nextPageNo = node.childAt(prevID)
		prevNode = node
		havePrev = true
	}
}

// GetValue looks up the Rid stored under key.
func (ih *IndexHandle) GetValue(key []byte, txn *transaction.Transaction) (model.Rid, error) {
	ih.rootLatch.RLock()
	leaf, err := ih.findLeafPage(key, OpFind, txn, true)
	if err != nil {
		return model.Rid{}, err
	}
	rid, exist := leaf.leafLookup(key)
	ih.unlockShared(leaf)
	if !exist {
		return model.Rid{}, errors.Wrap(common.ErrIndexEntryNotFound, "get")
	}
	return rid, nil
}

// split moves the right half of node into a freshly created right sibling.
// Both node and the returned sibling stay pinned for the caller.
func (ih *IndexHandle) split(node nodeHandle) (nodeHandle, error) {
	splitNode, err := ih.createNode()
	if err != nil {
		return nodeHandle{}, err
	}

	pos := node.size() >> 1
	moved := node.size() - pos

	splitNode.setLeaf(node.isLeaf())
	splitNode.setParent(node.parent())
	splitNode.setSize(0)
	splitNode.setNextLeaf(NoPage)
	splitNode.insertPairs(0, node.keySlice(pos, moved), node.ridSlice(pos, moved), moved)
	node.setSize(pos)

	if splitNode.isLeaf() {
		splitNode.setNextLeaf(node.nextLeaf())
		node.setNextLeaf(splitNode.pageNo())
	} else {
		// Reparent the moved children.
		for i := 0; i < splitNode.size(); i++ {
			if err := ih.maintainChild(splitNode, i); err != nil {
				return nodeHandle{}, err
			}
		}
	}
	return splitNode, nil
}

// insertIntoParent hooks a split's new right sibling into the parent,
// recursing while parents overflow; a root split allocates a new root whose
// two separators are the first keys of the halves.
func (ih *IndexHandle) insertIntoParent(oldNode nodeHandle, key []byte, newNode nodeHandle) error {
	if oldNode.pageNo() == ih.fileHdr.RootPage {
		newRoot, err := ih.createNode()
		if err != nil {
			return err
		}
		newRoot.setLeaf(false)
		newRoot.setSize(0)
		newRoot.setParent(NoPage)
		newRoot.setNextLeaf(NoPage)
		newRoot.insertPair(0, oldNode.keyAt(0), model.Rid{PageNo: oldNode.pageNo(), SlotNo: -1})
		newRoot.insertPair(1, key, model.Rid{PageNo: newNode.pageNo(), SlotNo: -1})

		oldNode.setParent(newRoot.pageNo())
		newNode.setParent(newRoot.pageNo())

		ih.fileHdr.RootPage = newRoot.pageNo()
		ih.bpm().UnpinPage(newRoot.page.ID(), true)
		return nil
	}

	parentNode, err := ih.fetchNode(oldNode.parent())
	if err != nil {
		return err
	}
	pos := parentNode.findChild(oldNode)
	parentNode.insertPair(pos+1, key, model.Rid{PageNo: newNode.pageNo(), SlotNo: -1})

	if parentNode.size() == parentNode.maxSize() {
		splitNode, serr := ih.split(parentNode)
		if serr != nil {
			ih.bpm().UnpinPage(parentNode.page.ID(), true)
			return serr
		}
		if serr = ih.insertIntoParent(parentNode, splitNode.keyAt(0), splitNode); serr != nil {
			ih.bpm().UnpinPage(splitNode.page.ID(), true)
			ih.bpm().UnpinPage(parentNode.page.ID(), true)
			return serr
		}
		ih.bpm().UnpinPage(splitNode.page.ID(), true)
	}
	ih.bpm().UnpinPage(parentNode.page.ID(), true)
	return nil
}

// InsertEntry inserts (key, rid), returning the leaf page it landed on.
// Inserting an existing key fails with ErrIndexEntryAlreadyExists after all
// latches are released.
func (ih *IndexHandle) InsertEntry(key []byte, rid model.Rid, txn *transaction.Transaction,
	abort bool) (int32, error) {

	ih.rootLatch.RLock()
	leafNode, err := ih.findLeafPage(key, OpInsert, txn, true)
	if err != nil {
		return 0, err
	}

	if _, err = leafNode.insert(key, rid); err != nil {
		ih.releaseAllXLock(txn, false)
		return 0, err
	}

	if !abort {
		fileName, _ := ih.manager.diskManager.GetFileName(ih.fd)
		txn.AppendWriteRecord(transaction.NewWriteRecord(transaction.IxInsertTuple, fileName, rid, key))
	}

	// A new first key in the leaf must be reflected in the separators above.
	if !leafNode.isRoot() && bytes.Equal(leafNode.keyAt(0), key[:int(ih.fileHdr.ColTotLen)]) {
		if err = ih.maintainParent(leafNode); err != nil {
			ih.releaseAllXLock(txn, true)
			return 0, err
		}
	}

	if leafNode.size() == leafNode.maxSize() {
		splitNode, serr := ih.split(leafNode)
		if serr != nil {
			ih.releaseAllXLock(txn, true)
			return 0, serr
		}
		if serr = ih.insertIntoParent(leafNode, splitNode.keyAt(0), splitNode); serr != nil {
			ih.bpm().UnpinPage(splitNode.page.ID(), true)
			ih.releaseAllXLock(txn, true)
			return 0, serr
		}
		ih.bpm().UnpinPage(splitNode.page.ID(), true)
	}

	ret := leafNode.pageNo()
	ih.releaseAllXLock(txn, true)
	return ret, nil
}

// DeleteEntry removes key's pair. Deleting an absent key fails with
// ErrIndexEntryNotFound after all latches are released; pages emptied by
// coalescing are deleted once the latches are gone.
func (ih *IndexHandle) DeleteEntry(key []byte, rid model.Rid, txn *transaction.Transaction,
	abort bool) error {

	ih.rootLatch.RLock()
	leafNode, err := ih.findLeafPage(key, OpDelete, txn, true)
	if err != nil {
		return err
	}

	index := leafNode.lowerBound(key)
	exist := index != leafNode.size() &&
		bytes.Equal(key[:int(ih.fileHdr.ColTotLen)], leafNode.keyAt(index))

	if exist {
		leafNode.erasePair(index)
		if _, err = ih.coalesceOrRedistribute(leafNode, txn); err != nil {
			ih.releaseAllXLock(txn, true)
			return err
		}
		if !abort {
			fileName, _ := ih.manager.diskManager.GetFileName(ih.fd)
			txn.AppendWriteRecord(transaction.NewWriteRecord(transaction.IxDeleteTuple, fileName, rid, key))
		}
	}

	ih.releaseAllXLock(txn, true)
	for _, p := range txn.TakeIndexDeletedPages() {
		ih.bpm().DeletePage(p.ID())
	}

	if !exist {
		return errors.Wrap(common.ErrIndexEntryNotFound, "delete")
	}
	return nil
}

// coalesceOrRedistribute rebalances a leaf-path node after a deletion and
// reports whether the node itself was emptied into a sibling. The left
// sibling was already latched during the pessimistic descent; only a right
// sibling (leftmost node) is latched here.
func (ih *IndexHandle) coalesceOrRedistribute(node nodeHandle, txn *transaction.Transaction) (bool, error) {
	if node.isRoot() {
		return ih.adjustRoot(node)
	}
	if node.size() >= node.minSize() {
		return false, ih.maintainParent(node)
	}

	parentNode, err := ih.fetchNode(node.parent())
	if err != nil {
		return false, err
	}
	idx := parentNode.findChild(node)

	var neighborNode nodeHandle
	if idx > 0 {
		neighborNode, err = ih.fetchNode(parentNode.childAt(idx - 1))
		if err != nil {
			ih.bpm().UnpinPage(parentNode.page.ID(), false)
			return false, err
		}
	} else {
		neighborNode, err = ih.fetchNode(parentNode.childAt(idx + 1))
		if err != nil {
			ih.bpm().UnpinPage(parentNode.page.ID(), false)
			return false, err
		}
		neighborNode.page.Lock()
	}

	if node.size()+neighborNode.size() >= 2*node.minSize() {
		err = ih.redistribute(neighborNode, node, parentNode, idx)
		if idx == 0 {
			neighborNode.page.Unlock()
		}
		ih.bpm().UnpinPage(neighborNode.page.ID(), true)
		ih.bpm().UnpinPage(parentNode.page.ID(), false)
		return false, err
	}

	_, err = ih.coalesce(neighborNode, node, parentNode, idx, txn)
	if idx == 0 {
		neighborNode.page.Unlock()
	}
	ih.bpm().UnpinPage(parentNode.page.ID(), true)
	ih.bpm().UnpinPage(neighborNode.page.ID(), true)
	return true, err
}

// coalesceOrRedistributeInternal rebalances an internal node reached through
// parent recursion; siblings here were not pre-latched by the descent, so
// the chosen neighbor is always latched.
func (ih *IndexHandle) coalesceOrRedistributeInternal(node nodeHandle, txn *transaction.Transaction) (bool, error) {
	if node.isRoot() {
		return ih.adjustRoot(node)
	}
	if node.size() >= node.minSize() {
		return false, ih.maintainParent(node)
	}

	parentNode, err := ih.fetchNode(node.parent())
	if err != nil {
		return false, err
	}
	idx := parentNode.findChild(node)

	var neighborNode nodeHandle
	if idx > 0 {
		neighborNode, err = ih.fetchNode(parentNode.childAt(idx - 1))
	} else {
		neighborNode, err = ih.fetchNode(parentNode.childAt(idx + 1))
	}
	if err != nil {
		ih.bpm().UnpinPage(parentNode.page.ID(), false)
		return false, err
	}
	neighborNode.page.Lock()

	if node.size()+neighborNode.size() >= 2*node.minSize() {
		err = ih.redistribute(neighborNode, node, parentNode, idx)
		neighborNode.page.Unlock()
		ih.bpm().UnpinPage(neighborNode.page.ID(), true)
		ih.bpm().UnpinPage(parentNode.page.ID(), false)
		return false, err
	}

	_, err = ih.coalesce(neighborNode, node, parentNode, idx, txn)
	neighborNode.page.Unlock()
	ih.bpm().UnpinPage(parentNode.page.ID(), true)
	ih.bpm().UnpinPage(neighborNode.page.ID(), true)
	return true, err
}

// adjustRoot handles a root that lost a pair: an internal root with a single
// key promotes its only child and reports that the old root is obsolete.
func (ih *IndexHandle) adjustRoot(oldRootNode nodeHandle) (bool, error) {
	if !oldRootNode.isLeaf() && oldRootNode.size() == 1 {
		child, err := ih.fetchNode(oldRootNode.childAt(0))
		if err != nil {
			return false, err
		}
		ih.fileHdr.RootPage = child.pageNo()
		child.setParent(NoPage)
		ih.bpm().UnpinPage(child.page.ID(), true)
		return true, nil
	}
	return false, nil
}

/*
redistribute moves one border pair from the sibling into node.

	idx == 0: node(left)     neighbor(right) - move neighbor's first pair to node's end
	idx  > 0: neighbor(left) node(right)     - move neighbor's last pair to node's head

The parent separator of whichever node is now "right" is refreshed, and a
moved internal child is reparented.
*/
func (ih *IndexHandle) redistribute(neighborNode, node, parent nodeHandle, idx int) error {
	erasePos := 0
	insertPos := node.size()
	if idx != 0 {
		erasePos = neighborNode.size() - 1
		insertPos = 0
	}

	node.insertPair(insertPos, neighborNode.keyAt(erasePos), neighborNode.ridAt(erasePos))
	neighborNode.erasePair(erasePos)

	if err := ih.maintainChild(node, insertPos); err != nil {
		return err
	}
	if idx != 0 {
		return ih.maintainParent(node)
	}
	return ih.maintainParent(neighborNode)
}

// coalesce appends node into its left sibling (swapping first when node is
// the leftmost), propagates the leaf chain, queues node's page for deletion
// and erases the separator in the parent, recursing upward.
func (ih *IndexHandle) coalesce(neighborNode, node, parent nodeHandle, idx int,
	txn *transaction.Transaction) (bool, error) {

	if idx == 0 {
		node, neighborNode = neighborNode, node
		idx++
	}

	insertPos := neighborNode.size()
	moved := node.size()
	neighborNode.insertPairs(insertPos, node.keySlice(0, moved), node.ridSlice(0, moved), moved)
	for i := 0; i < moved; i++ {
		if err := ih.maintainChild(neighborNode, insertPos+i); err != nil {
			return false, err
		}
	}

	if node.isLeaf() {
		neighborNode.setNextLeaf(node.nextLeaf())
	}

	txn.AppendIndexDeletedPage(node.page)
	parent.erasePair(idx)
	return ih.coalesceOrRedistributeInternal(parent, txn)
}

// maintainParent walks up rewriting the parent separator for node to node's
// first key, stopping as soon as a separator already matches.
func (ih *IndexHandle) maintainParent(node nodeHandle) error {
	curr := node
	currPinned := false
	for curr.parent() != NoPage {
		parent, err := ih.fetchNode(curr.parent())
		if err != nil {
			if currPinned {
				ih.bpm().UnpinPage(curr.page.ID(), true)
			}
			return err
		}
		rank := parent.findChild(curr)
		match := bytes.Equal(parent.keyAt(rank), curr.keyAt(0))
		if !match {
			parent.setKey(rank, curr.keyAt(0))
		}
		if currPinned {
			ih.bpm().UnpinPage(curr.page.ID(), true)
		}
		if match {
			ih.bpm().UnpinPage(parent.page.ID(), true)
			return nil
		}
		curr = parent
		currPinned = true
	}
	if currPinned {
		ih.bpm().UnpinPage(curr.page.ID(), true)
	}
	return nil
}

// maintainChild rewrites the parent pointer of the child in slot childIdx
// after a move.
func (ih *IndexHandle) maintainChild(node nodeHandle, childIdx int) error {
	if node.isLeaf() {
		return nil
	}
	child, err := ih.fetchNode(node.childAt(childIdx))
	if err != nil {
		return err
	}
	child.setParent(node.pageNo())
	ih.bpm().UnpinPage(child.page.ID(), true)
	return nil
}

// LowerBound descends to the first entry >= key, hopping to the next leaf
// when the position falls off the end. The returned leaf is share-latched.
func (ih *IndexHandle) LowerBound(key []byte) (nodeHandle, int, error) {
	ih.rootLatch.RLock()
	node, err := ih.findLeafPage(key, OpFind, nil, true)
	if err != nil {
		return nodeHandle{}, 0, err
	}

	keyIdx := node.lowerBound(key)
	if keyIdx >= node.size() && node.nextLeaf() != LeafHeaderPage {
		nextNode, nerr := ih.fetchNode(node.nextLeaf())
		if nerr != nil {
			ih.unlockShared(node)
			return nodeHandle{}, 0, nerr
		}
		nextNode.page.LockShared()
		ih.unlockShared(node)
		return nextNode, 0, nil
	}
	return node, keyIdx, nil
}

// UpperBound descends to the first entry > key, hopping to the next leaf
// when the position falls off the end. The returned leaf is share-latched.
func (ih *IndexHandle) UpperBound(key []byte) (nodeHandle, int, error) {
	ih.rootLatch.RLock()
	node, err := ih.findLeafPage(key, OpFind, nil, true)
	if err != nil {
		return nodeHandle{}, 0, err
	}

	keyIdx := node.upperBoundAdjust(key)
	if keyIdx >= node.size() && node.nextLeaf() != LeafHeaderPage {
		nextNode, nerr := ih.fetchNode(node.nextLeaf())
		if nerr != nil {
			ih.unlockShared(node)
			return nodeHandle{}, 0, nerr
		}
		nextNode.page.LockShared()
		ih.unlockShared(node)
		return nextNode, 0, nil
	}
	return node, keyIdx, nil
}

// GetRid resolves an index-slot identifier to its stored Rid.
func (ih *IndexHandle) GetRid(iid model.Iid) (model.Rid, error) {
	node, err := ih.fetchNode(iid.PageNo)
	if err != nil {
		return model.Rid{}, err
	}
	defer ih.bpm().UnpinPage(node.page.ID(), false)
	if iid.SlotNo >= node.size() {
		return model.Rid{}, errors.Wrapf(common.ErrIndexEntryNotFound, "iid (%d, %d)", iid.PageNo, iid.SlotNo)
	}
	return node.ridAt(iid.SlotNo), nil
}

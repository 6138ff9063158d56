package btree

import (
	"encoding/binary"
	"strings"

	"github.com/pkg/errors"

	"cairndb/common"
	"cairndb/model/column"
	"cairndb/storage/buffer_pool"
	"cairndb/storage/disk_manager"
	"cairndb/storage/page"
)

// IxManager creates, opens, closes and destroys B+tree index files over a
// shared disk manager and buffer pool.
type IxManager struct {
	diskManager *disk_manager.DiskManager
	bufferPool  *buffer_pool.BufferPoolManager
}

// NewIxManager wires an index manager over its storage collaborators.
func NewIxManager(dm *disk_manager.DiskManager, bpm *buffer_pool.BufferPoolManager) *IxManager {
	return &IxManager{diskManager: dm, bufferPool: bpm}
}

// GetIndexName derives the index file name from the relation and its key
// columns.
func (im *IxManager) GetIndexName(filename string, cols []column.ColMeta) string {
	var sb strings.Builder
	sb.WriteString(filename)
	for _, col := range cols {
		sb.WriteString("_")
		sb.WriteString(col.Name)
	}
	sb.WriteString(".idx")
	return sb.String()
}

// Exists reports whether the index file is present.
func (im *IxManager) Exists(filename string, cols []column.ColMeta) bool {
	return im.diskManager.IsFile(im.GetIndexName(filename, cols))
}

// CreateIndex lays out a fresh index file: the serialized header on page 0,
// the sentinel leaf header on page 1 and the initial empty leaf root on
// page 2.
func (im *IxManager) CreateIndex(filename string, cols []column.ColMeta) error {
	if err := column.Validate(cols); err != nil {
		return err
	}

	colTotLen := column.TotalLen(cols)
	if colTotLen > MaxColLen {
		return errors.Wrapf(common.ErrInvalidColLength, "aggregate key length %d", colTotLen)
	}

	// Fan-out: page_hdr + (key + rid) * (order + 1) <= PAGE_SIZE, the extra
	// slot making inserts and deletes convenient.
	btreeOrder := (page.PageSize-pageHdrSize)/(colTotLen+8) - 1
	if btreeOrder <= 2 {
		return errors.Wrapf(common.ErrInvalidColLength, "fan-out %d too small for key length %d", btreeOrder, colTotLen)
	}

	ixName := im.GetIndexName(filename, cols)
	if err := im.diskManager.CreateFile(ixName); err != nil {
		return err
	}
	fd, err := im.diskManager.OpenFile(ixName)
	if err != nil {
		return err
	}

	fileHdr := &FileHdr{
		RootPage:   InitRootPage,
		ColNum:     int32(len(cols)),
		ColTotLen:  int32(colTotLen),
		BtreeOrder: int32(btreeOrder),
		KeysSize:   int32((btreeOrder + 1) * colTotLen),
	}
	for _, col := range cols {
		fileHdr.ColTypes = append(fileHdr.ColTypes, col.Type)
		fileHdr.ColLens = append(fileHdr.ColLens, int32(col.Len))
	}
	fileHdr.UpdateTotalLen()

	pageBuf := make([]byte, page.PageSize)
	fileHdr.Serialize(pageBuf)
	if err = im.diskManager.WritePage(fd, FileHdrPage, pageBuf, page.PageSize); err != nil {
		return err
	}

	// Leaf header page: a sentinel leaf whose next_leaf points at the root.
	writeNodeHeader(pageBuf, NoPage, 0, true, InitRootPage)
	if err = im.diskManager.WritePage(fd, LeafHeaderPage, pageBuf, page.PageSize); err != nil {
		return err
	}

	// Initial root: an empty leaf terminated by the sentinel.
	writeNodeHeader(pageBuf, NoPage, 0, true, LeafHeaderPage)
	if err = im.diskManager.WritePage(fd, InitRootPage, pageBuf, page.PageSize); err != nil {
		return err
	}

	im.diskManager.SetFdPageNo(fd, InitNumPages)
	return im.diskManager.CloseFile(fd)
}

// writeNodeHeader zeroes buf and stamps a node page header onto it.
func writeNodeHeader(buf []byte, parent int32, numKey int32, isLeaf bool, nextLeaf int32) {
	for i := range buf {
		buf[i] = 0
	}
	binary.LittleEndian.PutUint32(buf[0:], uint32(parent))
	binary.LittleEndian.PutUint32(buf[4:], uint32(numKey))
	if isLeaf {
		buf[8] = 1
	}
	binary.LittleEndian.PutUint32(buf[12:], uint32(nextLeaf))
}

// OpenIndex opens an index file and returns a handle over it.
func (im *IxManager) OpenIndex(filename string, cols []column.ColMeta) (*IndexHandle, error) {
	ixName := im.GetIndexName(filename, cols)
	fd, err := im.diskManager.OpenFile(ixName)
	if err != nil {
		return nil, err
	}
	return newIndexHandle(im, fd)
}

// CloseIndex flushes the header and every cached page of the index, then
// closes the file. An index marked deleted is destroyed instead of flushed.
func (im *IxManager) CloseIndex(ih *IndexHandle) error {
	ixName, err := im.diskManager.GetFileName(ih.fd)
	if err != nil {
		return err
	}

	flush := !ih.isDeleted
	if flush {
		pageBuf := make([]byte, page.PageSize)
		ih.fileHdr.Serialize(pageBuf)
		if err = im.diskManager.WritePage(ih.fd, FileHdrPage, pageBuf, page.PageSize); err != nil {
			return err
		}
	}
	// Every cached page goes back before the file handle does.
	im.bufferPool.RemoveAllPages(ih.fd, flush)
	if err = im.diskManager.CloseFile(ih.fd); err != nil {
		return err
	}
	if ih.isDeleted {
		return im.diskManager.DestroyFile(ixName)
	}
	return nil
}

// DestroyIndex removes a closed index file.
func (im *IxManager) DestroyIndex(filename string, cols []column.ColMeta) error {
	return im.diskManager.DestroyFile(im.GetIndexName(filename, cols))
}

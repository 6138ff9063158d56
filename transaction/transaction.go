package transaction

import (
	"cairndb/model"
	"cairndb/storage/page"
)

// WType tags an index write for undo.
type WType int

const (
	IxInsertTuple WType = iota
	IxDeleteTuple
)

// WriteRecord captures one index mutation so the transaction layer can roll
// it back: the operation, the index file it hit, the heap Rid and the key
// bytes.
type WriteRecord struct {
	Type WType
	File string
	Rid  model.Rid
	Key  []byte
}

// NewWriteRecord copies the key so later node mutations cannot corrupt the
// undo image.
func NewWriteRecord(wtype WType, file string, rid model.Rid, key []byte) WriteRecord {
	keyCopy := make([]byte, len(key))
	copy(keyCopy, key)
	return WriteRecord{Type: wtype, File: file, Rid: rid, Key: keyCopy}
}

// Transaction is the latch/undo bag the index engines consume. It is bound
// to the calling goroutine and never shared: a FIFO of pages latched during
// crabbing (a nil entry marks the root lookup lock), a FIFO of index pages to
// free after the operation, and the write records for rollback.
type Transaction struct {
	id uint64

	indexLatchPages   []*page.Page
	indexDeletedPages []*page.Page
	writeRecords      []WriteRecord
}

// NewTransaction creates an empty transaction bag.
func NewTransaction(id uint64) *Transaction {
	return &Transaction{id: id}
}

// ID returns the transaction id.
func (t *Transaction) ID() uint64 { return t.id }

// AppendIndexLatchPage records a page latched during crabbing; nil marks the
// root lookup lock.
func (t *Transaction) AppendIndexLatchPage(p *page.Page) {
	t.indexLatchPages = append(t.indexLatchPages, p)
}

// TakeIndexLatchPages removes and returns the latched pages in insertion
// order.
func (t *Transaction) TakeIndexLatchPages() []*page.Page {
	pages := t.indexLatchPages
	t.indexLatchPages = nil
	return pages
}

// AppendIndexDeletedPage queues an index page for deletion after the
// operation releases its latches.
func (t *Transaction) AppendIndexDeletedPage(p *page.Page) {
	t.indexDeletedPages = append(t.indexDeletedPages, p)
}

// TakeIndexDeletedPages removes and returns the queued pages in insertion
// order.
func (t *Transaction) TakeIndexDeletedPages() []*page.Page {
	pages := t.indexDeletedPages
	t.indexDeletedPages = nil
	return pages
}

// AppendWriteRecord records an index mutation for rollback.
func (t *Transaction) AppendWriteRecord(record WriteRecord) {
	t.writeRecords = append(t.writeRecords, record)
}

// WriteRecords returns the recorded mutations, newest last.
func (t *Transaction) WriteRecords() []WriteRecord {
	return t.writeRecords
}

package page

import (
	"sync"
	"sync/atomic"

	"cairndb/model"
	"cairndb/utils/config"
)

// PageSize is the fixed page size in bytes, loaded from config in init()
var PageSize int

func init() {
	PageSize = config.GetConfig().Storage.PageSize
}

// Page is one buffer-pool frame: PageSize bytes of payload plus the metadata
// the pool needs to manage it. A frame is evictable iff its pin count is
// zero; a dirty frame must be written back before eviction. The embedded
// latch admits one exclusive holder or many shared holders and protects the
// page contents, not the pin count (that belongs to the buffer pool).
type Page struct {
	id       model.PageId
	data     []byte
	pinCount atomic.Int32
	isDirty  atomic.Bool

	latch sync.RWMutex
}

// NewPage allocates an empty frame.
func NewPage() *Page {
	p := &Page{
		id:   model.InvalidPageId(),
		data: make([]byte, PageSize),
	}
	return p
}

// ID returns the identity of the page currently held by this frame.
func (p *Page) ID() model.PageId { return p.id }

// SetID rebinds the frame to a new page identity.
func (p *Page) SetID(id model.PageId) { p.id = id }

// Data exposes the page payload.
func (p *Page) Data() []byte { return p.data }

// ResetMemory zeroes the payload.
func (p *Page) ResetMemory() {
	for i := range p.data {
		p.data[i] = 0
	}
}

// PinCount returns the current pin count.
func (p *Page) PinCount() int32 { return p.pinCount.Load() }

// Pin increments the pin count and returns the new value.
func (p *Page) Pin() int32 { return p.pinCount.Add(1) }

// Unpin decrements the pin count if it is positive. It returns the new count
// and whether the decrement happened.
func (p *Page) Unpin() (int32, bool) {
	for {
		cur := p.pinCount.Load()
		if cur <= 0 {
			return cur, false
		}
		if p.pinCount.CompareAndSwap(cur, cur-1) {
			return cur - 1, true
		}
	}
}

// SetPinCount forces the pin count (frame initialization only).
func (p *Page) SetPinCount(n int32) { p.pinCount.Store(n) }

// IsDirty reports whether the frame holds unwritten modifications.
func (p *Page) IsDirty() bool { return p.isDirty.Load() }

// SetDirty updates the dirty flag.
func (p *Page) SetDirty(dirty bool) { p.isDirty.Store(dirty) }

// MarkDirty ORs the dirty flag.
func (p *Page) MarkDirty() { p.isDirty.Store(true) }

// Lock acquires the content latch exclusively.
func (p *Page) Lock() { p.latch.Lock() }

// Unlock releases the exclusive content latch.
func (p *Page) Unlock() { p.latch.Unlock() }

// LockShared acquires the content latch in shared mode.
func (p *Page) LockShared() { p.latch.RLock() }

// UnlockShared releases a shared content latch.
func (p *Page) UnlockShared() { p.latch.RUnlock() }

package model

import "fmt"

// NoPage marks an absent page reference.
const NoPage int32 = -1

// RidSize is the on-disk footprint of a Rid: two little-endian int32 fields.
const RidSize = 8

// Rid identifies a tuple in the record heap by its page number and the slot
// within that page. The index engines store Rids as their payload; an invalid
// Rid written into the LSM acts as a tombstone.
type Rid struct {
	PageNo int32
	SlotNo int32
}

// InvalidRid returns the sentinel Rid used as a tombstone marker.
func InvalidRid() Rid {
	return Rid{PageNo: NoPage, SlotNo: NoPage}
}

// IsValid reports whether the Rid points at a real heap slot.
func (r Rid) IsValid() bool {
	return r.PageNo != NoPage
}

func (r Rid) String() string {
	return fmt.Sprintf("(%d, %d)", r.PageNo, r.SlotNo)
}

// PageId identifies a page within an open file.
type PageId struct {
	FD     int
	PageNo int32
}

// InvalidPageId returns the sentinel used for frames that hold no page.
func InvalidPageId() PageId {
	return PageId{FD: -1, PageNo: NoPage}
}

// Iid is an index-slot identifier: the page number of a B+tree leaf and the
// key position inside it. Unlike a Rid it names a slot of the index itself,
// not a heap tuple.
type Iid struct {
	PageNo int32
	SlotNo int
}

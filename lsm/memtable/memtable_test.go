package memtable

import (
	"encoding/binary"
	"testing"

	"cairndb/model"
	"cairndb/model/column"
)

var testCols = []column.ColMeta{{Name: "id", Type: column.TypeInt, Len: 4}}

func intKey(v int32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(v))
	return buf
}

func withSmallLimit(t *testing.T, limit int) {
	t.Helper()
	old := PerMemSizeLimit
	PerMemSizeLimit = limit
	t.Cleanup(func() { PerMemSizeLimit = old })
}

func TestMemTable_PutGet(t *testing.T) {
	mt := NewMemTable(testCols)
	mt.Put(intKey(1), model.Rid{PageNo: 1, SlotNo: 2})

	rid, found := mt.Get(intKey(1))
	if !found || rid.PageNo != 1 || rid.SlotNo != 2 {
		t.Errorf("Get = %v (found=%v)", rid, found)
	}

	if _, found = mt.Get(intKey(2)); found {
		t.Error("Found never-written key")
	}
}

func TestMemTable_RotationOnLimit(t *testing.T) {
	entrySize := 4 + model.RidSize
	withSmallLimit(t, 3*entrySize)

	mt := NewMemTable(testCols)
	for k := int32(0); k < 8; k++ {
		mt.Put(intKey(k), model.Rid{PageNo: k})
	}

	if mt.FrozenCount() == 0 {
		t.Fatal("Expected at least one frozen table after exceeding the limit")
	}

	// Every key remains visible across active and frozen tables.
	for k := int32(0); k < 8; k++ {
		if _, found := mt.Get(intKey(k)); !found {
			t.Errorf("Key %d lost after rotation", k)
		}
	}
}

func TestMemTable_NewestShadowsFrozen(t *testing.T) {
	entrySize := 4 + model.RidSize
	withSmallLimit(t, 2*entrySize)

	mt := NewMemTable(testCols)
	mt.Put(intKey(1), model.Rid{PageNo: 10})
	// Push key 1 into a frozen table.
	for k := int32(2); mt.FrozenCount() == 0; k++ {
		mt.Put(intKey(k), model.Rid{PageNo: k})
	}
	// Rewrite key 1 in the new active table.
	mt.Put(intKey(1), model.Rid{PageNo: 99})

	rid, found := mt.Get(intKey(1))
	if !found || rid.PageNo != 99 {
		t.Errorf("Expected newest write to shadow frozen, got %v (found=%v)", rid, found)
	}
}

func TestMemTable_TombstoneVisible(t *testing.T) {
	mt := NewMemTable(testCols)
	mt.Put(intKey(5), model.Rid{PageNo: 5})
	mt.Remove(intKey(5))

	rid, found := mt.Get(intKey(5))
	if !found {
		t.Fatal("Tombstone entry must be found")
	}
	if rid.IsValid() {
		t.Errorf("Expected tombstone, got %v", rid)
	}
}

func TestMemTable_FreezeAndDrain(t *testing.T) {
	mt := NewMemTable(testCols)
	mt.Put(intKey(1), model.Rid{PageNo: 1})

	if mt.GetLast() != nil {
		t.Fatal("Nothing frozen yet")
	}
	mt.FreezeActive()
	if mt.FrozenCount() != 1 {
		t.Fatalf("Expected one frozen table, got %d", mt.FrozenCount())
	}
	sk := mt.GetLast()
	if sk == nil {
		t.Fatal("Expected the frozen table")
	}
	if _, found := sk.Get(intKey(1)); !found {
		t.Error("Frozen table lost its key")
	}

	mt.RemoveLast()
	if mt.FrozenCount() != 0 || mt.TotalSize() != 0 {
		t.Errorf("Expected empty memtable, frozen=%d total=%d", mt.FrozenCount(), mt.TotalSize())
	}
}

package block

import (
	"bytes"
	"encoding/binary"
	"testing"

	"cairndb/model"
	"cairndb/model/column"
	"cairndb/utils/crc"
)

var testCols = []column.ColMeta{{Name: "id", Type: column.TypeInt, Len: 4}}

func intKey(v int32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(v))
	return buf
}

func buildBlock(t *testing.T, keys []int32) *Block {
	t.Helper()
	blk := NewBlock(4096, testCols)
	for _, k := range keys {
		if !blk.AddEntry(intKey(k), model.Rid{PageNo: k, SlotNo: k * 2}) {
			t.Fatalf("AddEntry(%d) failed", k)
		}
	}
	return blk
}

func TestBlock_EncodeDecodeRoundTrip(t *testing.T) {
	keys := []int32{1, 3, 5, 7, 9}
	blk := buildBlock(t, keys)

	decoded, err := Decode(blk.Encode(), false, testCols)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decoded.Size() != len(keys) {
		t.Fatalf("Expected %d entries, got %d", len(keys), decoded.Size())
	}
	for i, k := range keys {
		if !bytes.Equal(decoded.KeyAt(i), intKey(k)) {
			t.Errorf("Entry %d key mismatch", i)
		}
		want := model.Rid{PageNo: k, SlotNo: k * 2}
		if decoded.ValueAt(i) != want {
			t.Errorf("Entry %d rid = %v, want %v", i, decoded.ValueAt(i), want)
		}
	}
}

func TestBlock_HashRejectsTampering(t *testing.T) {
	blk := buildBlock(t, []int32{10, 20, 30})
	encoded := crc.AppendBlockHash(blk.Encode())

	if _, err := Decode(encoded, true, testCols); err != nil {
		t.Fatalf("Decode of intact block failed: %v", err)
	}

	tampered := append([]byte(nil), encoded...)
	tampered[4] ^= 0xff
	if _, err := Decode(tampered, true, testCols); err == nil {
		t.Error("Expected hash mismatch on tampered block")
	}
}

func TestBlock_CapacityBound(t *testing.T) {
	entrySize := 4 + model.RidSize
	blk := NewBlock(2*entrySize+2, testCols)

	if !blk.AddEntry(intKey(1), model.Rid{PageNo: 1}) {
		t.Fatal("First entry must fit")
	}
	if !blk.AddEntry(intKey(2), model.Rid{PageNo: 2}) {
		t.Fatal("Second entry must fit")
	}
	if blk.AddEntry(intKey(3), model.Rid{PageNo: 3}) {
		t.Error("Third entry must exceed capacity")
	}
}

func TestBlock_BinarySearch(t *testing.T) {
	blk := buildBlock(t, []int32{2, 4, 6, 8})

	tests := []struct {
		key     int32
		wantIdx int
	}{
		{2, 0}, {4, 1}, {8, 3},
		{1, -1}, {5, -1}, {9, -1},
	}
	for _, test := range tests {
		if got := blk.GetIdxBinary(intKey(test.key)); got != test.wantIdx {
			t.Errorf("GetIdxBinary(%d) = %d, want %d", test.key, got, test.wantIdx)
		}
	}

	if idx := blk.LowerBound(intKey(5)); idx != 2 {
		t.Errorf("LowerBound(5) = %d, want 2", idx)
	}
	if idx := blk.LowerBound(intKey(4)); idx != 1 {
		t.Errorf("LowerBound(4) = %d, want 1", idx)
	}
	if idx := blk.LowerBound(intKey(99)); idx != 4 {
		t.Errorf("LowerBound(99) = %d, want 4", idx)
	}
}

func TestBlock_Iterator(t *testing.T) {
	keys := []int32{1, 2, 3, 4, 5}
	blk := buildBlock(t, keys)

	var got []int32
	for it := blk.Begin(); !it.IsEnd(); it.Next() {
		got = append(got, int32(binary.LittleEndian.Uint32(it.Key())))
	}
	if len(got) != len(keys) {
		t.Fatalf("Iterated %d entries, want %d", len(got), len(keys))
	}
	for i := range keys {
		if got[i] != keys[i] {
			t.Errorf("Position %d: got %d, want %d", i, got[i], keys[i])
		}
	}

	// Bounded iteration: (2, 4] yields 3, 4.
	it := blk.FindRange(intKey(2), false, intKey(4), true)
	got = nil
	for ; !it.IsEnd(); it.Next() {
		got = append(got, int32(binary.LittleEndian.Uint32(it.Key())))
	}
	if len(got) != 2 || got[0] != 3 || got[1] != 4 {
		t.Errorf("Range (2,4] = %v, want [3 4]", got)
	}
}

func TestBlockMeta_RoundTrip(t *testing.T) {
	entries := []Meta{
		{Offset: 0, FirstKey: intKey(1), LastKey: intKey(10)},
		{Offset: 100, FirstKey: intKey(11), LastKey: intKey(20)},
		{Offset: 200, FirstKey: intKey(21), LastKey: intKey(30)},
	}

	encoded := EncodeMetaToSlice(entries)
	decoded, err := DecodeMetaFromSlice(encoded, 4)
	if err != nil {
		t.Fatalf("DecodeMetaFromSlice failed: %v", err)
	}
	if len(decoded) != len(entries) {
		t.Fatalf("Expected %d entries, got %d", len(entries), len(decoded))
	}
	for i, want := range entries {
		if decoded[i].Offset != want.Offset ||
			!bytes.Equal(decoded[i].FirstKey, want.FirstKey) ||
			!bytes.Equal(decoded[i].LastKey, want.LastKey) {
			t.Errorf("Entry %d mismatch: %+v vs %+v", i, decoded[i], want)
		}
	}
}

func TestBlockMeta_HashRejectsCorruption(t *testing.T) {
	entries := []Meta{{Offset: 0, FirstKey: intKey(1), LastKey: intKey(2)}}
	encoded := EncodeMetaToSlice(entries)
	encoded[9] ^= 0x01
	if _, err := DecodeMetaFromSlice(encoded, 4); err == nil {
		t.Error("Expected hash mismatch on corrupted meta section")
	}
}

package iterator

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

type pair struct {
	key int32
	rid model.Rid
}

// sliceIterator serves pre-sorted pairs; the in-memory stand-in for skip
// list and SST iterators.
type sliceIterator struct {
	pairs []pair
	pos   int
}

func (it *sliceIterator) Next()            { it.pos++ }
func (it *sliceIterator) IsEnd() bool      { return it.pos >= len(it.pairs) }
func (it *sliceIterator) Key() []byte      { return intKey(it.pairs[it.pos].key) }
func (it *sliceIterator) Value() model.Rid { return it.pairs[it.pos].rid }

func collect(it BaseIterator) []pair {
	var out []pair
	for ; !it.IsEnd(); it.Next() {
		out = append(out, pair{key: int32(binary.LittleEndian.Uint32(it.Key())), rid: it.Value()})
	}
	return out
}

func TestMergeIterator_Interleave(t *testing.T) {
	a := &sliceIterator{pairs: []pair{{1, model.Rid{PageNo: 1}}, {4, model.Rid{PageNo: 4}}}}
	b := &sliceIterator{pairs: []pair{{2, model.Rid{PageNo: 2}}, {3, model.Rid{PageNo: 3}}}}

	got := collect(NewMergeIterator([]BaseIterator{a, b}, testCols, false))
	want := []int32{1, 2, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("Merged %d entries, want %d", len(got), len(want))
	}
	for i, k := range want {
		if got[i].key != k {
			t.Errorf("Position %d: key %d, want %d", i, got[i].key, k)
		}
	}
}

func TestMergeIterator_NewestWinsTies(t *testing.T) {
	newer := &sliceIterator{pairs: []pair{{5, model.Rid{PageNo: 100}}}}
	older := &sliceIterator{pairs: []pair{{5, model.Rid{PageNo: 200}}}}

	// Sources are ordered newest first; the duplicate from the older source
	// must be swallowed.
	got := collect(NewMergeIterator([]BaseIterator{newer, older}, testCols, false))
	if len(got) != 1 {
		t.Fatalf("Expected one merged entry, got %d", len(got))
	}
	if got[0].rid.PageNo != 100 {
		t.Errorf("Expected the newer source to win, got rid %v", got[0].rid)
	}
}

func TestMergeIterator_FilterSuppressesTombstones(t *testing.T) {
	newer := &sliceIterator{pairs: []pair{
		{1, model.InvalidRid()},
		{2, model.Rid{PageNo: 2}},
	}}
	older := &sliceIterator{pairs: []pair{
		{1, model.Rid{PageNo: 1}},
		{3, model.InvalidRid()},
	}}

	got := collect(NewMergeIterator([]BaseIterator{newer, older}, testCols, true))
	if len(got) != 1 {
		t.Fatalf("Expected only key 2 to survive, got %v", got)
	}
	if got[0].key != 2 {
		t.Errorf("Surviving key = %d, want 2", got[0].key)
	}
}

func TestMergeIterator_Empty(t *testing.T) {
	it := NewMergeIterator(nil, testCols, true)
	if !it.IsEnd() {
		t.Error("Merge over no sources must be end")
	}

	empty := &sliceIterator{}
	it = NewMergeIterator([]BaseIterator{empty}, testCols, false)
	if !it.IsEnd() {
		t.Error("Merge over an empty source must be end")
	}
}

func TestTwoMergeIterator_LeftPrecedence(t *testing.T) {
	left := &sliceIterator{pairs: []pair{
		{1, model.Rid{PageNo: 10}},
		{3, model.Rid{PageNo: 30}},
	}}
	right := &sliceIterator{pairs: []pair{
		{1, model.Rid{PageNo: 11}},
		{2, model.Rid{PageNo: 22}},
		{3, model.Rid{PageNo: 33}},
		{4, model.Rid{PageNo: 44}},
	}}

	got := collect(NewTwoMergeIterator(left, right, testCols))
	want := []pair{
		{1, model.Rid{PageNo: 10}},
		{2, model.Rid{PageNo: 22}},
		{3, model.Rid{PageNo: 30}},
		{4, model.Rid{PageNo: 44}},
	}
	if len(got) != len(want) {
		t.Fatalf("Merged %d entries, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i].key != want[i].key || got[i].rid.PageNo != want[i].rid.PageNo {
			t.Errorf("Position %d: %v, want %v", i, got[i], want[i])
		}
	}
}

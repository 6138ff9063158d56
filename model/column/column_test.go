package column

import (
	"encoding/binary"
	"math"
	"testing"
)

func intKey(v int32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(v))
	return buf
}

func floatKey(v float32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
	return buf
}

func TestCompare_SingleColumn(t *testing.T) {
	tests := []struct {
		name string
		cols []ColMeta
		a, b []byte
		want int
	}{
		{"int less", []ColMeta{{Type: TypeInt, Len: 4}}, intKey(-5), intKey(3), -1},
		{"int equal", []ColMeta{{Type: TypeInt, Len: 4}}, intKey(42), intKey(42), 0},
		{"int greater", []ColMeta{{Type: TypeInt, Len: 4}}, intKey(7), intKey(-7), 1},
		{"float less", []ColMeta{{Type: TypeFloat, Len: 4}}, floatKey(1.5), floatKey(2.5), -1},
		{"float equal", []ColMeta{{Type: TypeFloat, Len: 4}}, floatKey(0), floatKey(0), 0},
		{"string less", []ColMeta{{Type: TypeString, Len: 3}}, []byte("abc"), []byte("abd"), -1},
		{"string equal", []ColMeta{{Type: TypeString, Len: 3}}, []byte("xyz"), []byte("xyz"), 0},
		{"datetime bytewise", []ColMeta{{Type: TypeDatetime, Len: 8}},
			[]byte("20240101"), []byte("20240102"), -1},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := Compare(test.a, test.b, test.cols)
			if got != test.want {
				t.Errorf("Compare(%v, %v) = %d, want %d", test.a, test.b, got, test.want)
			}
		})
	}
}

func TestCompare_MultiColumn(t *testing.T) {
	cols := []ColMeta{
		{Type: TypeInt, Len: 4},
		{Type: TypeString, Len: 3},
	}

	a := append(intKey(1), []byte("bbb")...)
	b := append(intKey(1), []byte("bbc")...)
	c := append(intKey(2), []byte("aaa")...)

	if got := Compare(a, b, cols); got != -1 {
		t.Errorf("Expected second column to break the tie, got %d", got)
	}
	if got := Compare(b, a, cols); got != 1 {
		t.Errorf("Expected reversed comparison to flip, got %d", got)
	}
	if got := Compare(c, b, cols); got != 1 {
		t.Errorf("Expected first column to dominate, got %d", got)
	}
	if got := Compare(a, a, cols); got != 0 {
		t.Errorf("Expected equality, got %d", got)
	}
}

func TestValidate(t *testing.T) {
	good := []ColMeta{{Name: "id", Type: TypeInt, Len: 4}}
	if err := Validate(good); err != nil {
		t.Errorf("Expected valid descriptor list, got %v", err)
	}

	bad := []ColMeta{{Name: "x", Type: ColType(99), Len: 4}}
	if err := Validate(bad); err == nil {
		t.Error("Expected error for unknown column type")
	}

	zero := []ColMeta{{Name: "y", Type: TypeInt, Len: 0}}
	if err := Validate(zero); err == nil {
		t.Error("Expected error for zero-length column")
	}
}

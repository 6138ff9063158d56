package column

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/pkg/errors"

	"cairndb/common"
)

// ColType enumerates the column types an index key may be built from.
type ColType uint32

const (
	TypeInt ColType = iota
	TypeFloat
	TypeString
	TypeDatetime
)

func (t ColType) String() string {
	switch t {
	case TypeInt:
		return "INT"
	case TypeFloat:
		return "FLOAT"
	case TypeString:
		return "STRING"
	case TypeDatetime:
		return "DATETIME"
	}
	return "UNKNOWN"
}

// ColMeta describes one column of an index key: its type and its length in
// bytes within the concatenated key.
type ColMeta struct {
	Name string
	Type ColType
	Len  int
}

// TotalLen sums the byte lengths of the given columns.
func TotalLen(cols []ColMeta) int {
	total := 0
	for _, col := range cols {
		total += col.Len
	}
	return total
}

// Validate checks that every column carries a known type and a positive
// length. Index construction calls this once so that Compare can stay on the
// hot path without error returns.
func Validate(cols []ColMeta) error {
	for _, col := range cols {
		if col.Len <= 0 {
			return errors.Wrapf(common.ErrInvalidColLength, "column %q has length %d", col.Name, col.Len)
		}
		switch col.Type {
		case TypeInt, TypeFloat, TypeString, TypeDatetime:
		default:
			return errors.Wrapf(common.ErrInternal, "unexpected column type %d", col.Type)
		}
	}
	return nil
}

// compareOne compares a single column value with type-specific ordering:
// INT and FLOAT numerically, STRING and DATETIME byte-wise.
func compareOne(a, b []byte, typ ColType, length int) int {
	switch typ {
	case TypeInt:
		ia := int32(binary.LittleEndian.Uint32(a))
		ib := int32(binary.LittleEndian.Uint32(b))
		switch {
		case ia < ib:
			return -1
		case ia > ib:
			return 1
		}
		return 0
	case TypeFloat:
		fa := math.Float32frombits(binary.LittleEndian.Uint32(a))
		fb := math.Float32frombits(binary.LittleEndian.Uint32(b))
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	case TypeString, TypeDatetime:
		return bytes.Compare(a[:length], b[:length])
	}
	panic(errors.Wrapf(common.ErrInternal, "unexpected column type %d", typ))
}

// Compare orders two concatenated keys column-wise. Both keys must be at
// least TotalLen(cols) bytes; the caller guarantees the descriptor list was
// validated at index build time.
func Compare(a, b []byte, cols []ColMeta) int {
	offset := 0
	for _, col := range cols {
		if res := compareOne(a[offset:], b[offset:], col.Type, col.Len); res != 0 {
			return res
		}
		offset += col.Len
	}
	return 0
}

package block

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"cairndb/common"
	"cairndb/utils/crc"
)

/*
Meta describes one block of an SST file. The meta section is

	---------------------------------------------------------------
	| num_entries (u64) | MetaEntry | ... | MetaEntry | Hash (u64) |
	---------------------------------------------------------------

where each MetaEntry is

	---------------------------------------------------------------
	| offset(u64) | first_key(col_tot_len) | last_key(col_tot_len) |
	---------------------------------------------------------------

The hash covers only the entry array, not the count.
*/
type Meta struct {
	Offset   uint64
	FirstKey []byte
	LastKey  []byte
}

// MetaSize returns the encoded size of the meta section.
func MetaSize(entries []Meta) int {
	total := 8 // num_entries
	for _, meta := range entries {
		total += 8 + len(meta.FirstKey) + len(meta.LastKey)
	}
	total += crc.MetaHashSize
	return total
}

// EncodeMetaToSlice serializes the meta section including its guard hash.
func EncodeMetaToSlice(entries []Meta) []byte {
	data := make([]byte, MetaSize(entries))
	binary.LittleEndian.PutUint64(data, uint64(len(entries)))
	offset := 8
	for _, meta := range entries {
		binary.LittleEndian.PutUint64(data[offset:], meta.Offset)
		offset += 8
		copy(data[offset:], meta.FirstKey)
		offset += len(meta.FirstKey)
		copy(data[offset:], meta.LastKey)
		offset += len(meta.LastKey)
	}
	hash := crc.MetaHash(data[8:offset])
	binary.LittleEndian.PutUint64(data[offset:], hash)
	return data
}

// DecodeMetaFromSlice parses the meta section, verifying the guard hash. All
// keys are fixed at colTotLen bytes.
func DecodeMetaFromSlice(data []byte, colTotLen int) ([]Meta, error) {
	if len(data) < 16 { // at least num_entries and hash
		return nil, errors.Wrap(common.ErrInternal, "block meta section too small")
	}
	numEntries := binary.LittleEndian.Uint64(data)
	entrySize := 8 + 2*colTotLen
	expected := 8 + int(numEntries)*entrySize + crc.MetaHashSize
	if len(data) < expected {
		return nil, errors.Wrapf(common.ErrInternal, "block meta section truncated: %d < %d", len(data), expected)
	}

	entries := make([]Meta, 0, numEntries)
	offset := 8
	for i := uint64(0); i < numEntries; i++ {
		meta := Meta{Offset: binary.LittleEndian.Uint64(data[offset:])}
		offset += 8
		meta.FirstKey = append([]byte(nil), data[offset:offset+colTotLen]...)
		offset += colTotLen
		meta.LastKey = append([]byte(nil), data[offset:offset+colTotLen]...)
		offset += colTotLen
		entries = append(entries, meta)
	}

	stored := binary.LittleEndian.Uint64(data[offset:])
	if computed := crc.MetaHash(data[8:offset]); stored != computed {
		return nil, errors.Wrapf(common.ErrInternal, "block meta hash mismatch: stored %016x computed %016x", stored, computed)
	}
	return entries, nil
}

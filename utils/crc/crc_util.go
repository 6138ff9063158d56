package crc

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/dgryski/go-farm"
	"github.com/pkg/errors"

	"cairndb/common"
)

// HashSize is the footprint of the 32-bit content hash appended to every
// encoded data block inside an SST file.
const HashSize = 4

// MetaHashSize is the footprint of the 64-bit hash trailing the block-meta
// section of an SST file.
const MetaHashSize = 8

// BlockHash computes the 32-bit content hash of an encoded block.
func BlockHash(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// AppendBlockHash appends the content hash of data to data and returns the
// extended slice.
func AppendBlockHash(data []byte) []byte {
	var buf [HashSize]byte
	binary.LittleEndian.PutUint32(buf[:], BlockHash(data))
	return append(data, buf[:]...)
}

// CheckBlockHash verifies the trailing content hash of an encoded block and
// returns the payload without it.
func CheckBlockHash(data []byte) ([]byte, error) {
	if len(data) < HashSize {
		return nil, errors.Wrap(common.ErrInternal, "block too small for content hash")
	}
	payload := data[:len(data)-HashSize]
	stored := binary.LittleEndian.Uint32(data[len(data)-HashSize:])
	if computed := BlockHash(payload); stored != computed {
		return nil, errors.Wrapf(common.ErrInternal, "block hash mismatch: stored %08x computed %08x", stored, computed)
	}
	return payload, nil
}

// MetaHash computes the 64-bit hash guarding the block-meta entry array.
func MetaHash(data []byte) uint64 {
	return farm.Hash64(data)
}

// Package groupindex encodes and decodes the fixed-width group-index blocks
// an SSTable interleaves with its data records. A block is exactly
// groupCount little-endian uint64 offsets; there is no length tag inside
// the block itself, since the enclosing Record File's own 4-byte length
// prefix already supplies framing. A zero entry marks an unused slot.
package groupindex

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

const slotSize = 8

// Encode renders offsets as a fixed-width block of exactly groupCount
// slots, zero-padding any slots beyond len(offsets).
func Encode(offsets []uint64, groupCount int) []byte {
	buf := make([]byte, groupCount*slotSize)
	for i, off := range offsets {
		binary.LittleEndian.PutUint64(buf[i*slotSize:], off)
	}
	return buf
}

// Decode parses a fixed-width block back into groupCount offsets.
func Decode(buf []byte, groupCount int) ([]uint64, error) {
	if len(buf) != groupCount*slotSize {
		return nil, errors.Newf("groupindex: expected %d bytes for %d slots, got %d", groupCount*slotSize, groupCount, len(buf))
	}

	out := make([]uint64, groupCount)
	for i := range out {
		out[i] = binary.LittleEndian.Uint64(buf[i*slotSize:])
	}
	return out, nil
}

// LiveOffsets truncates a decoded block at its first zero entry, which is
// exactly the prefix of offsets that point at real records.
func LiveOffsets(offsets []uint64) []uint64 {
	for i, off := range offsets {
		if off == 0 {
			return offsets[:i]
		}
	}
	return offsets
}

// BlockLen is the on-disk length, including the Record File's own 4-byte
// length prefix, of a group-index block holding groupCount slots. The
// SSTable reader uses this to step backward from a group's first record to
// that group's index block.
func BlockLen(groupCount int) int64 {
	return int64(groupCount*slotSize) + 4
}

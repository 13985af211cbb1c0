// Package record defines the key/value/timestamp triple stored inside an
// SSTable, and its on-disk encoding. A Record is opaque to recordfile and
// sstable: both packages only move its encoded bytes around.
package record

import (
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"
)

// tombstoneBit is folded into the high bit of the on-disk Created field so a
// delete marker can travel through the core without the core ever needing to
// know about deletes: it is still just an immutable record to recordfile and
// sstable.
const tombstoneBit = uint64(1) << 63

// Record is a key/value pair plus the time it was written. A Record with a
// zero-length Value and Tombstone set to true represents a delete marker
// written by the memtable flush path; the core treats it like any other
// record.
type Record struct {
	Key       []byte
	Value     []byte
	Created   uint64
	Tombstone bool
}

// New builds a live (non-tombstone) record.
func New(key, value []byte, created uint64) Record {
	return Record{Key: key, Value: value, Created: created}
}

// NewTombstone builds a delete marker for key.
func NewTombstone(key []byte, created uint64) Record {
	return Record{Key: key, Created: created, Tombstone: true}
}

func (r Record) size() int {
	return 4 + 4 + 8 + len(r.Key) + len(r.Value)
}

// Encode writes KEY_LEN(4) | VAL_LEN(4) | CREATED(8) | KEY | VALUE in
// little-endian byte order. Tombstone is packed into CREATED's top bit
// since a tombstone never needs the full 64 bits of timestamp resolution.
func (r Record) Encode() []byte {
	buf := make([]byte, r.size())

	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(r.Key)))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(r.Value)))

	created := r.Created
	if r.Tombstone {
		created |= tombstoneBit
	}
	binary.LittleEndian.PutUint64(buf[8:16], created)

	n := copy(buf[16:], r.Key)
	copy(buf[16+n:], r.Value)

	return buf
}

// Decode parses the encoding produced by Encode.
func Decode(buf []byte) (Record, error) {
	if len(buf) < 16 {
		return Record{}, errors.Newf("record: buffer too short: %d bytes", len(buf))
	}

	keyLen := binary.LittleEndian.Uint32(buf[0:4])
	valLen := binary.LittleEndian.Uint32(buf[4:8])
	created := binary.LittleEndian.Uint64(buf[8:16])

	want := 16 + int(keyLen) + int(valLen)
	if len(buf) != want {
		return Record{}, errors.Newf("record: length mismatch: have %d bytes, fields want %d", len(buf), want)
	}

	r := Record{
		Created:   created &^ tombstoneBit,
		Tombstone: created&tombstoneBit != 0,
	}

	r.Key = append([]byte(nil), buf[16:16+keyLen]...)
	r.Value = append([]byte(nil), buf[16+keyLen:]...)

	return r, nil
}

// DecodeFrom reads exactly one encoded record from r, which must yield
// precisely the bytes Encode produced (recordfile.ReadAt already strips the
// length prefix before handing the payload here).
func DecodeFrom(r io.Reader, n int) (Record, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Record{}, errors.Wrap(err, "record: short read")
	}
	return Decode(buf)
}

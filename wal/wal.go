// Package wal is the write-ahead log the engine appends Put/Delete
// operations to before applying them to the memtable: a crash between the
// two replays cleanly because the WAL entry was already durable.
package wal

import (
	"encoding/binary"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
)

// InvalidChecksum is written in place of a real checksum while an entry is
// still being framed; Decode treats it as "nothing more to read" so a
// torn write at the tail of a segment looks like a clean EOF.
const InvalidChecksum = uint64(0xFFFFFFFFFFFFFFFF)

// MaxEntrySize bounds a single encoded entry.
const MaxEntrySize = 16 << 20

// ErrCorrupt is returned when an entry's stored checksum does not match
// its payload, or its length framing is out of bounds.
var ErrCorrupt = errors.New("wal: corrupt entry")

// Operation identifies what an Entry asks the engine to do on replay.
type Operation byte

const (
	OpPut Operation = iota
	OpDelete
)

// Entry is a single write-ahead log record: an operation plus the
// key/value it applies to.
type Entry struct {
	Op    Operation
	Key   []byte
	Value []byte

	checksum uint64
}

// Size is the number of bytes Encode writes for this entry, including its
// own length framing.
func (e *Entry) Size() int {
	return 8 + 4 + 1 + 4 + len(e.Key) + 4 + len(e.Value)
}

// Encode writes e to w in the form:
//
//	CHECKSUM(8) | TOTAL_LEN(4) | OP(1) | KEY_LEN(4) | KEY | VAL_LEN(4) | VALUE
//
// where CHECKSUM is xxhash64 of everything from TOTAL_LEN onward. w must
// also implement io.Seeker: the checksum is computed after the payload is
// written, then patched in at the start of the entry.
func (e *Entry) Encode(w io.Writer) error {
	seeker, ok := w.(io.Seeker)
	if !ok {
		return errors.New("wal: entry writer must be seekable")
	}

	keyLen := uint32(len(e.Key))
	valLen := uint32(len(e.Value))
	payloadLen := 1 + 4 + keyLen + 4 + valLen
	totalLen := 4 + payloadLen

	if int(totalLen) > MaxEntrySize {
		return errors.Newf("wal: entry of %d bytes exceeds max size %d", totalLen, MaxEntrySize)
	}

	start, err := seeker.Seek(0, io.SeekCurrent)
	if err != nil {
		return errors.Wrap(err, "wal: seek current")
	}

	if err := binary.Write(w, binary.LittleEndian, InvalidChecksum); err != nil {
		return errors.Wrap(err, "wal: write checksum placeholder")
	}

	h := xxhash.New()
	mw := io.MultiWriter(w, h)

	if err := binary.Write(mw, binary.LittleEndian, totalLen); err != nil {
		return errors.Wrap(err, "wal: write total length")
	}
	if err := binary.Write(mw, binary.LittleEndian, byte(e.Op)); err != nil {
		return errors.Wrap(err, "wal: write op")
	}
	if err := binary.Write(mw, binary.LittleEndian, keyLen); err != nil {
		return errors.Wrap(err, "wal: write key length")
	}
	if _, err := mw.Write(e.Key); err != nil {
		return errors.Wrap(err, "wal: write key")
	}
	if err := binary.Write(mw, binary.LittleEndian, valLen); err != nil {
		return errors.Wrap(err, "wal: write value length")
	}
	if _, err := mw.Write(e.Value); err != nil {
		return errors.Wrap(err, "wal: write value")
	}

	end, err := seeker.Seek(0, io.SeekCurrent)
	if err != nil {
		return errors.Wrap(err, "wal: seek current after payload")
	}

	if _, err := seeker.Seek(start, io.SeekStart); err != nil {
		return errors.Wrap(err, "wal: seek back to checksum")
	}
	if err := binary.Write(w, binary.LittleEndian, h.Sum64()); err != nil {
		return errors.Wrap(err, "wal: patch checksum")
	}
	if _, err := seeker.Seek(end, io.SeekStart); err != nil {
		return errors.Wrap(err, "wal: seek past entry")
	}

	return nil
}

func cleanEOF(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return io.EOF
	}
	return err
}

// Decode reads a single entry from r, returning io.EOF when r has no more
// entries (either because it is genuinely exhausted, or because the next
// bytes are the InvalidChecksum placeholder of a torn write).
func Decode(r io.Reader) (*Entry, error) {
	var checksum uint64
	if err := binary.Read(r, binary.LittleEndian, &checksum); err != nil {
		return nil, cleanEOF(err)
	}
	if checksum == InvalidChecksum {
		return nil, io.EOF
	}

	var totalLen uint32
	if err := binary.Read(r, binary.LittleEndian, &totalLen); err != nil {
		return nil, cleanEOF(err)
	}
	if totalLen > MaxEntrySize || totalLen < 5 {
		return nil, errors.Wrapf(ErrCorrupt, "implausible length %d", totalLen)
	}

	payload := make([]byte, totalLen)
	binary.LittleEndian.PutUint32(payload[0:4], totalLen)
	if _, err := io.ReadFull(r, payload[4:]); err != nil {
		return nil, cleanEOF(err)
	}

	if xxhash.Sum64(payload) != checksum {
		return nil, errors.Wrap(ErrCorrupt, "checksum mismatch")
	}

	pos := 4
	e := &Entry{checksum: checksum}

	e.Op = Operation(payload[pos])
	pos++

	keyLen := binary.LittleEndian.Uint32(payload[pos:])
	pos += 4
	if int(keyLen) > len(payload)-pos {
		return nil, errors.Wrap(ErrCorrupt, "key length out of bounds")
	}
	e.Key = append([]byte(nil), payload[pos:pos+int(keyLen)]...)
	pos += int(keyLen)

	valLen := binary.LittleEndian.Uint32(payload[pos:])
	pos += 4
	if int(valLen) > len(payload)-pos {
		return nil, errors.Wrap(ErrCorrupt, "value length out of bounds")
	}
	e.Value = append([]byte(nil), payload[pos:pos+int(valLen)]...)

	return e, nil
}

// Package recordfile implements an append-only, length-prefixed byte
// container: a self-describing record file that owns a single file handle,
// a running record count, and the offset of the most recently appended
// record.
//
// A File is single-owner: no internal locking guards Append, WriteAt, or
// Close against concurrent callers. Positional reads (ReadAt) never touch
// the write cursor, so they may be issued concurrently with each other and
// are what sstable.Table relies on for safe concurrent Get.
package recordfile

import (
	"encoding/binary"
	"io"
	"iter"
	"log/slog"
	"os"

	"github.com/cockroachdb/errors"
)

// BadCount is the in-header sentinel meaning "not cleanly closed".
const BadCount = uint32(0xFFFFFFFF)

const (
	countSize  = 4
	offsetSize = 8
	lenPrefix  = 4
)

// Sentinel errors returned by File's constructors and accessors.
var (
	ErrInvalidHeader = errors.New("recordfile: header does not match")
	ErrCorruption    = errors.New("recordfile: corrupt record")
	ErrDirtyClose    = errors.New("recordfile: file was not closed cleanly")
)

// File is the on-disk append-only record container.
type File struct {
	fd         *os.File
	path       string
	headerLen  int
	count      uint32
	lastRecord uint64
	logger     *slog.Logger
	recover    bool
}

// Option configures Open.
type Option func(*File)

// WithLogger overrides the default slog.Default() logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *File) { f.logger = l }
}

// WithDirtyRecovery controls what Open does when it finds the BadCount
// sentinel left by an unclean shutdown. When enabled (the default) Open
// performs a forward rescan from the first record and rebuilds count and
// lastRecord. When disabled, Open returns ErrDirtyClose instead.
func WithDirtyRecovery(enabled bool) Option {
	return func(f *File) { f.recover = enabled }
}

// Open opens path, creating it with header if it does not exist or is
// empty. On a non-empty file, the first len(header) bytes must match
// header exactly or ErrInvalidHeader is returned.
func Open(path string, header []byte, opts ...Option) (*File, error) {
	f := &File{
		path:      path,
		headerLen: len(header),
		logger:    slog.Default(),
		recover:   true,
	}
	for _, opt := range opts {
		opt(f)
	}

	fd, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "recordfile: open %s", path)
	}
	f.fd = fd

	info, err := fd.Stat()
	if err != nil {
		fd.Close()
		return nil, errors.Wrapf(err, "recordfile: stat %s", path)
	}

	if info.Size() == 0 {
		if err := f.initFresh(header); err != nil {
			fd.Close()
			return nil, err
		}
		f.logger.Debug("recordfile: created", "path", path, "header_len", f.headerLen)
		return f, nil
	}

	if err := f.openExisting(header); err != nil {
		fd.Close()
		return nil, err
	}

	f.logger.Debug("recordfile: opened", "path", path, "count", f.count, "last_record", f.lastRecord)
	return f, nil
}

// initFresh lays down the header and prefix for a brand-new file. The
// in-memory count starts at 0; only the on-disk prefix records BadCount,
// so a crash before the first clean Close is still detected by
// openExisting without the in-memory counter ever holding the sentinel.
func (f *File) initFresh(header []byte) error {
	f.lastRecord = uint64(f.headerLen + countSize + offsetSize)
	f.count = 0

	if _, err := f.fd.WriteAt(header, 0); err != nil {
		return errors.Wrap(err, "recordfile: write header")
	}

	prefix := make([]byte, countSize+offsetSize)
	binary.LittleEndian.PutUint32(prefix[:countSize], BadCount)
	binary.LittleEndian.PutUint64(prefix[countSize:], f.lastRecord)

	if _, err := f.fd.WriteAt(prefix, int64(f.headerLen)); err != nil {
		return errors.Wrap(err, "recordfile: write prefix")
	}

	return nil
}

func (f *File) openExisting(header []byte) error {
	got := make([]byte, f.headerLen)
	if _, err := io.ReadFull(io.NewSectionReader(f.fd, 0, int64(f.headerLen)), got); err != nil {
		return errors.Wrap(err, "recordfile: read header")
	}

	if string(got) != string(header) {
		return errors.Wrapf(ErrInvalidHeader, "%s", f.path)
	}

	prefix := make([]byte, countSize+offsetSize)
	if _, err := io.ReadFull(io.NewSectionReader(f.fd, int64(f.headerLen), int64(len(prefix))), prefix); err != nil {
		return errors.Wrap(err, "recordfile: read prefix")
	}

	f.count = binary.LittleEndian.Uint32(prefix[:countSize])
	f.lastRecord = binary.LittleEndian.Uint64(prefix[countSize:])

	if f.count == BadCount {
		if !f.recover {
			return errors.Wrapf(ErrDirtyClose, "%s", f.path)
		}
		if err := f.rescan(); err != nil {
			return err
		}
	}

	if _, err := f.fd.Seek(0, io.SeekEnd); err != nil {
		return errors.Wrap(err, "recordfile: seek end")
	}

	return nil
}

// rescan walks every length-prefixed record from the first record offset to
// EOF, rebuilding count and lastRecord.
func (f *File) rescan() error {
	f.logger.Warn("recordfile: dirty file, rescanning", "path", f.path)

	info, err := f.fd.Stat()
	if err != nil {
		return errors.Wrap(err, "recordfile: stat during rescan")
	}

	off := int64(f.headerLen + countSize + offsetSize)
	end := info.Size()

	var count uint32
	var last uint64

	for off < end {
		var lenBuf [lenPrefix]byte
		if _, err := f.fd.ReadAt(lenBuf[:], off); err != nil {
			return errors.Wrap(err, "recordfile: rescan read length")
		}
		n := binary.LittleEndian.Uint32(lenBuf[:])

		recEnd := off + lenPrefix + int64(n)
		if recEnd > end {
			return errors.Wrapf(ErrCorruption, "recordfile: rescan found truncated record at %d", off)
		}

		last = uint64(off)
		count++
		off = recEnd
	}

	f.count = count
	f.lastRecord = last

	f.logger.Info("recordfile: rescan complete", "path", f.path, "count", count, "last_record", last)
	return nil
}

// Append writes payload to the end of the file without flushing, returning
// the offset it was written at.
func (f *File) Append(payload []byte) (uint64, error) {
	recLoc, err := f.fd.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, errors.Wrap(err, "recordfile: seek end")
	}

	if err := binary.Write(f.fd, binary.LittleEndian, uint32(len(payload))); err != nil {
		return 0, errors.Wrap(err, "recordfile: write length")
	}
	if _, err := f.fd.Write(payload); err != nil {
		return 0, errors.Wrap(err, "recordfile: write payload")
	}

	f.count++
	f.lastRecord = uint64(recLoc)

	return uint64(recLoc), nil
}

// AppendFlush is Append followed by Flush.
func (f *File) AppendFlush(payload []byte) (uint64, error) {
	loc, err := f.Append(payload)
	if err != nil {
		return 0, err
	}
	return loc, f.Flush()
}

// Flush fsyncs the underlying file handle.
func (f *File) Flush() error {
	return errors.Wrap(f.fd.Sync(), "recordfile: flush")
}

// ReadAt reads the length-prefixed record starting at offset, without
// disturbing the write cursor used by Append.
func (f *File) ReadAt(offset uint64) ([]byte, error) {
	var lenBuf [lenPrefix]byte
	if _, err := f.fd.ReadAt(lenBuf[:], int64(offset)); err != nil {
		return nil, errors.Wrapf(err, "recordfile: read length at %d", offset)
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])

	buf := make([]byte, n)
	if _, err := f.fd.ReadAt(buf, int64(offset)+lenPrefix); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, errors.Wrapf(ErrCorruption, "recordfile: short read at %d", offset)
		}
		return nil, errors.Wrapf(err, "recordfile: read payload at %d", offset)
	}

	return buf, nil
}

// WriteAt overwrites the record at offset in place. The caller must
// guarantee the slot already holds a record of the same length — this is
// used only by sstable.Build to patch group-index placeholders once their
// final offsets are known. It does not affect the logical write cursor
// used by subsequent Append calls.
func (f *File) WriteAt(offset uint64, payload []byte, flush bool) error {
	buf := make([]byte, lenPrefix+len(payload))
	binary.LittleEndian.PutUint32(buf[:lenPrefix], uint32(len(payload)))
	copy(buf[lenPrefix:], payload)

	if _, err := f.fd.WriteAt(buf, int64(offset)); err != nil {
		return errors.Wrapf(err, "recordfile: write-at %d", offset)
	}

	if flush {
		return f.Flush()
	}
	return nil
}

// GetLastRecord reads the most recently appended record.
func (f *File) GetLastRecord() ([]byte, error) {
	return f.ReadAt(f.lastRecord)
}

// RecordCount returns the number of records appended so far.
func (f *File) RecordCount() uint32 { return f.count }

// LastRecordOffset returns the offset of the most recently appended record.
func (f *File) LastRecordOffset() uint64 { return f.lastRecord }

// Iterate returns a lazy, forward-only, single-pass sequence of every
// record's payload, starting at the first record and ending at (and
// including) the last record.
func (f *File) Iterate() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		if f.count == 0 {
			return
		}

		off := uint64(f.headerLen + countSize + offsetSize)
		for {
			rec, err := f.ReadAt(off)
			if err != nil {
				yield(nil, err)
				return
			}

			done := off == f.lastRecord
			if !yield(rec, nil) || done {
				return
			}

			off += uint64(lenPrefix + len(rec))
		}
	}
}

// Close flushes record count and last-record offset back into the header
// prefix and syncs the file. Errors are returned, never swallowed.
func (f *File) Close() error {
	prefix := make([]byte, countSize+offsetSize)
	binary.LittleEndian.PutUint32(prefix[:countSize], f.count)
	binary.LittleEndian.PutUint64(prefix[countSize:], f.lastRecord)

	if _, err := f.fd.WriteAt(prefix, int64(f.headerLen)); err != nil {
		return errors.Wrap(err, "recordfile: write close prefix")
	}

	if err := f.fd.Sync(); err != nil {
		return errors.Wrap(err, "recordfile: sync on close")
	}

	if err := f.fd.Close(); err != nil {
		return errors.Wrap(err, "recordfile: close fd")
	}

	f.logger.Debug("recordfile: closed", "path", f.path, "count", f.count, "last_record", f.lastRecord)
	return nil
}

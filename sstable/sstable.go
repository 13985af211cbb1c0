// Package sstable implements an immutable, sorted, two-level-indexed
// key/value table built on top of recordfile.File: group-index blocks
// interleaved with sorted record blobs, plus a trailing metadata footer
// record.
package sstable

import (
	"bytes"
	"encoding/binary"
	"iter"
	"log/slog"
	"os"
	"sort"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/cockroachdb/errors"

	"github.com/arvindh/ledgerkv/groupindex"
	"github.com/arvindh/ledgerkv/record"
	"github.com/arvindh/ledgerkv/recordfile"
)

// header is the eight bytes that distinguish this codec/version, treated
// as opaque magic by recordfile: "DATA" + version 1.
var header = []byte{'D', 'A', 'T', 'A', 0x01, 0x00, 0x00, 0x00}

// Sentinel errors returned by Build, Open, and Get.
var (
	ErrAlreadyExists = errors.New("sstable: path already exists")
	ErrNotFound      = errors.New("sstable: not found")
	ErrOutOfOrderKey = errors.New("sstable: records must be strictly increasing by key")
	ErrInvalidArg    = errors.New("sstable: invalid argument")
	ErrEmptyInput    = errors.New("sstable: build requires at least one record")
)

// summary is the metadata footer record: the last record of every
// SSTable's underlying Record File.
type summary struct {
	RecordCount uint64
	GroupCount  uint32
	Indices     []uint64
	SmallestKey []byte
	LargestKey  []byte
	OldestTS    uint64 // misleading name, kept for compatibility: tracks MAX(ts), not min.
	BloomOffset uint64 // 0 if no bloom filter record was written.
}

// encode serializes summary by hand with encoding/binary, following the
// same manual block-framing idiom sst/writer.go already uses for its index
// and footer blocks — no general-purpose structured serializer exists
// anywhere in the source corpus this repo was grown from (see DESIGN.md).
func (s *summary) encode() []byte {
	var buf bytes.Buffer

	_ = binary.Write(&buf, binary.LittleEndian, s.RecordCount)
	_ = binary.Write(&buf, binary.LittleEndian, s.GroupCount)

	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(s.Indices)))
	for _, idx := range s.Indices {
		_ = binary.Write(&buf, binary.LittleEndian, idx)
	}

	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(s.SmallestKey)))
	buf.Write(s.SmallestKey)
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(s.LargestKey)))
	buf.Write(s.LargestKey)

	_ = binary.Write(&buf, binary.LittleEndian, s.OldestTS)
	_ = binary.Write(&buf, binary.LittleEndian, s.BloomOffset)

	return buf.Bytes()
}

func decodeSummary(buf []byte) (*summary, error) {
	r := bytes.NewReader(buf)
	s := &summary{}

	fields := []struct {
		name string
		val  any
	}{
		{"record_count", &s.RecordCount},
		{"group_count", &s.GroupCount},
	}
	for _, field := range fields {
		if err := binary.Read(r, binary.LittleEndian, field.val); err != nil {
			return nil, errors.Wrapf(err, "sstable: decode summary.%s", field.name)
		}
	}

	var numIndices uint32
	if err := binary.Read(r, binary.LittleEndian, &numIndices); err != nil {
		return nil, errors.Wrap(err, "sstable: decode summary.indices_len")
	}
	s.Indices = make([]uint64, numIndices)
	for i := range s.Indices {
		if err := binary.Read(r, binary.LittleEndian, &s.Indices[i]); err != nil {
			return nil, errors.Wrap(err, "sstable: decode summary.indices")
		}
	}

	readKey := func() ([]byte, error) {
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, errors.Wrap(err, "sstable: decode summary key length")
		}
		key := make([]byte, n)
		if _, err := r.Read(key); err != nil && n > 0 {
			return nil, errors.Wrap(err, "sstable: decode summary key")
		}
		return key, nil
	}

	var err error
	if s.SmallestKey, err = readKey(); err != nil {
		return nil, err
	}
	if s.LargestKey, err = readKey(); err != nil {
		return nil, err
	}

	if err := binary.Read(r, binary.LittleEndian, &s.OldestTS); err != nil {
		return nil, errors.Wrap(err, "sstable: decode summary.oldest_ts")
	}
	if err := binary.Read(r, binary.LittleEndian, &s.BloomOffset); err != nil {
		return nil, errors.Wrap(err, "sstable: decode summary.bloom_offset")
	}

	return s, nil
}

// Table is an immutable, sorted key/value SSTable.
type Table struct {
	rf     *recordfile.File
	info   *summary
	filter *bloom.BloomFilter
	logger *slog.Logger
}

// Option configures Build.
type Option func(*buildOptions)

type buildOptions struct {
	limit       *uint64
	bloomFPRate float64
	logger      *slog.Logger
}

// WithLimit stops Build after consuming count records from the input
// stream, even if more remain.
func WithLimit(count uint64) Option {
	return func(o *buildOptions) { o.limit = &count }
}

// WithBloomFilter equips the table with a Bloom filter record so Get can
// short-circuit a negative lookup without touching the Record File at all.
// fpRate is the target false positive rate.
func WithBloomFilter(fpRate float64) Option {
	return func(o *buildOptions) { o.bloomFPRate = fpRate }
}

// WithLogger overrides the default slog.Default() logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *buildOptions) { o.logger = l }
}

// Build streams sorted records into a fresh SSTable at path. groupCount
// must be >= 1; records must be strictly increasing by key. Build
// terminates with the metadata footer as the underlying Record File's last
// record.
func Build(path string, records iter.Seq[record.Record], groupCount uint32, opts ...Option) (*Table, error) {
	o := &buildOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}

	if groupCount == 0 {
		return nil, errors.Wrapf(ErrInvalidArg, "group_count must be >= 1")
	}
	if o.limit != nil && *o.limit == 0 {
		return nil, errors.Wrapf(ErrInvalidArg, "limit must be >= 1")
	}

	if _, err := os.Stat(path); err == nil {
		return nil, errors.Wrapf(ErrAlreadyExists, "%s", path)
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "sstable: stat %s", path)
	}

	rf, err := recordfile.Open(path, header)
	if err != nil {
		return nil, err
	}

	b := &builder{
		rf:         rf,
		groupCount: groupCount,
		info:       &summary{GroupCount: groupCount},
	}
	if o.bloomFPRate > 0 {
		b.filter = bloom.NewWithEstimates(1_000_000, o.bloomFPRate)
	}

	if err := b.run(records, o.limit); err != nil {
		rf.Close()
		return nil, err
	}

	if b.info.RecordCount == 0 {
		rf.Close()
		os.Remove(path)
		return nil, ErrEmptyInput
	}

	if err := b.finish(); err != nil {
		rf.Close()
		return nil, err
	}

	o.logger.Info("sstable: built", "path", path, "records", b.info.RecordCount, "groups", len(b.info.Indices))

	return &Table{rf: rf, info: b.info, filter: b.filter, logger: o.logger}, nil
}

// builder holds the mutable state for one single-pass Build call.
type builder struct {
	rf         *recordfile.File
	groupCount uint32
	info       *summary
	filter     *bloom.BloomFilter

	groupSlots  []uint64
	groupOffset uint64
	haveKey     bool
	lastKey     []byte
}

func (b *builder) run(records iter.Seq[record.Record], limit *uint64) error {
	for rec := range records {
		if b.haveKey && bytes.Compare(rec.Key, b.lastKey) <= 0 {
			return errors.Wrapf(ErrOutOfOrderKey, "key %x did not increase past %x", rec.Key, b.lastKey)
		}

		if err := b.insert(rec); err != nil {
			return err
		}

		b.haveKey = true
		b.lastKey = append([]byte(nil), rec.Key...)

		if limit != nil && b.info.RecordCount == *limit {
			break
		}
	}
	return nil
}

func (b *builder) insert(rec record.Record) error {
	slot := b.info.RecordCount % uint64(b.groupCount)

	if b.info.RecordCount == 0 {
		off, err := b.rf.Append(groupindex.Encode(nil, int(b.groupCount)))
		if err != nil {
			return err
		}
		b.groupOffset = off
		b.groupSlots = make([]uint64, b.groupCount)
	} else if slot == 0 {
		if err := b.rf.WriteAt(b.groupOffset, groupindex.Encode(b.groupSlots, int(b.groupCount)), true); err != nil {
			return err
		}

		b.groupSlots = make([]uint64, b.groupCount)
		off, err := b.rf.Append(groupindex.Encode(nil, int(b.groupCount)))
		if err != nil {
			return err
		}
		b.groupOffset = off
	}

	loc, err := b.rf.Append(rec.Encode())
	if err != nil {
		return err
	}

	b.groupSlots[slot] = loc

	if slot == 0 {
		b.info.Indices = append(b.info.Indices, loc)
	}

	if b.info.RecordCount == 0 {
		b.info.SmallestKey = append([]byte(nil), rec.Key...)
		b.info.OldestTS = rec.Created
	} else if rec.Created > b.info.OldestTS {
		b.info.OldestTS = rec.Created
	}
	b.info.LargestKey = append([]byte(nil), rec.Key...)

	if b.filter != nil {
		b.filter.Add(rec.Key)
	}

	b.info.RecordCount++
	return nil
}

func (b *builder) finish() error {
	if err := b.rf.WriteAt(b.groupOffset, groupindex.Encode(b.groupSlots, int(b.groupCount)), true); err != nil {
		return err
	}

	if b.filter != nil {
		off, err := b.rf.Append(encodeBloom(b.filter))
		if err != nil {
			return err
		}
		b.info.BloomOffset = off
	}

	if _, err := b.rf.AppendFlush(b.info.encode()); err != nil {
		return err
	}

	return nil
}

// Open opens a previously built SSTable read-only: the Record File's last
// record is loaded immediately as the summary footer.
func Open(path string, opts ...Option) (*Table, error) {
	o := &buildOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, errors.Wrapf(ErrNotFound, "%s", path)
	}

	rf, err := recordfile.Open(path, header)
	if err != nil {
		return nil, err
	}

	footer, err := rf.GetLastRecord()
	if err != nil {
		rf.Close()
		return nil, errors.Wrap(err, "sstable: read footer")
	}

	info, err := decodeSummary(footer)
	if err != nil {
		rf.Close()
		return nil, err
	}

	t := &Table{rf: rf, info: info, logger: o.logger}

	if info.BloomOffset != 0 {
		buf, err := rf.ReadAt(info.BloomOffset)
		if err != nil {
			rf.Close()
			return nil, errors.Wrap(err, "sstable: read bloom record")
		}
		filter, err := decodeBloom(buf)
		if err != nil {
			rf.Close()
			return nil, err
		}
		t.filter = filter
	}

	o.logger.Debug("sstable: opened", "path", path, "records", info.RecordCount, "groups", len(info.Indices))

	return t, nil
}

// Close releases the underlying Record File.
func (t *Table) Close() error {
	return t.rf.Close()
}

// RecordCount is the total number of records inserted.
func (t *Table) RecordCount() uint64 { return t.info.RecordCount }

// SmallestKey and LargestKey are the inclusive key bounds.
func (t *Table) SmallestKey() []byte { return t.info.SmallestKey }
func (t *Table) LargestKey() []byte  { return t.info.LargestKey }

// OldestTS returns the summary's tracked timestamp. Despite the name, the
// update rule is MAX, not MIN.
func (t *Table) OldestTS() uint64 { return t.info.OldestTS }

// Less implements the ordering two SSTables use to schedule compaction: by
// OldestTS.
func (t *Table) Less(other *Table) bool { return t.info.OldestTS < other.info.OldestTS }

// Get performs a point lookup: a bloom-filter short-circuit when present,
// then a top-level binary search over the group offsets, then a second
// binary search inside the chosen group.
func (t *Table) Get(key []byte) (record.Record, bool, error) {
	if bytes.Compare(key, t.info.SmallestKey) < 0 || bytes.Compare(key, t.info.LargestKey) > 0 {
		return record.Record{}, false, nil
	}

	if t.filter != nil && !t.filter.Test(key) {
		return record.Record{}, false, nil
	}

	groupIdx, err := t.searchIndices(key)
	if err != nil {
		return record.Record{}, false, err
	}

	startOffset := t.info.Indices[groupIdx]

	groupIndexOffset := startOffset - uint64(groupindex.BlockLen(int(t.info.GroupCount)))
	blockBuf, err := t.rf.ReadAt(groupIndexOffset)
	if err != nil {
		return record.Record{}, false, errors.Wrap(err, "sstable: read group-index block")
	}

	slots, err := groupindex.Decode(blockBuf, int(t.info.GroupCount))
	if err != nil {
		return record.Record{}, false, err
	}
	live := groupindex.LiveOffsets(slots)

	i, found, err := t.searchOffsets(live, key)
	if err != nil {
		return record.Record{}, false, err
	}
	if !found {
		return record.Record{}, false, nil
	}

	buf, err := t.rf.ReadAt(live[i])
	if err != nil {
		return record.Record{}, false, errors.Wrap(err, "sstable: read record")
	}
	rec, err := record.Decode(buf)
	if err != nil {
		return record.Record{}, false, err
	}

	return rec, true, nil
}

// searchIndices binary-searches the top-level indices for the largest
// index whose first key is <= key.
func (t *Table) searchIndices(key []byte) (int, error) {
	n := len(t.info.Indices)
	var readErr error

	i := sort.Search(n, func(i int) bool {
		if readErr != nil {
			return true
		}
		buf, err := t.rf.ReadAt(t.info.Indices[i])
		if err != nil {
			readErr = err
			return true
		}
		rec, err := record.Decode(buf)
		if err != nil {
			readErr = err
			return true
		}
		return bytes.Compare(rec.Key, key) > 0
	})
	if readErr != nil {
		return 0, readErr
	}

	return i - 1, nil
}

// searchOffsets binary-searches live group offsets for an exact key match.
func (t *Table) searchOffsets(offsets []uint64, key []byte) (int, bool, error) {
	lo, hi := 0, len(offsets)
	for lo < hi {
		mid := (lo + hi) / 2
		buf, err := t.rf.ReadAt(offsets[mid])
		if err != nil {
			return 0, false, err
		}
		rec, err := record.Decode(buf)
		if err != nil {
			return 0, false, err
		}

		switch {
		case bytes.Equal(rec.Key, key):
			return mid, true, nil
		case bytes.Compare(rec.Key, key) < 0:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return 0, false, nil
}

// Iterate returns a forward, read-only cursor over every data record in
// key order, skipping group-index blocks and the footer. Modeled on
// memtable's range-over-func Iterator and on recordfile.File.Iterate.
func (t *Table) Iterate() iter.Seq2[record.Record, error] {
	return func(yield func(record.Record, error) bool) {
		remaining := t.info.RecordCount
		groupsLeft := len(t.info.Indices)

		for gi := 0; gi < groupsLeft && remaining > 0; gi++ {
			groupStart := t.info.Indices[gi]
			inGroup := uint64(t.info.GroupCount)
			if remaining < inGroup {
				inGroup = remaining
			}

			off := groupStart
			for j := uint64(0); j < inGroup; j++ {
				buf, err := t.rf.ReadAt(off)
				if err != nil {
					yield(record.Record{}, err)
					return
				}
				rec, err := record.Decode(buf)
				if err != nil {
					yield(record.Record{}, err)
					return
				}
				if !yield(rec, nil) {
					return
				}
				off += uint64(4 + len(buf))
				remaining--
			}
		}
	}
}

func encodeBloom(f *bloom.BloomFilter) []byte {
	var buf bytes.Buffer
	_, _ = f.WriteTo(&buf)
	return buf.Bytes()
}

func decodeBloom(buf []byte) (*bloom.BloomFilter, error) {
	f := &bloom.BloomFilter{}
	if _, err := f.ReadFrom(bytes.NewReader(buf)); err != nil {
		return nil, errors.Wrap(err, "sstable: decode bloom filter")
	}
	return f, nil
}

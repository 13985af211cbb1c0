// Package engine wires the write-ahead log, memtable, and SSTable layers
// into a small log-structured key/value store: writes land in the WAL and
// the memtable, and once the memtable crosses a size threshold it is
// flushed to a new sstable.Table under recordfile.File.
package engine

import (
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/arvindh/ledgerkv/memtable"
	"github.com/arvindh/ledgerkv/record"
	"github.com/arvindh/ledgerkv/segmentmanager"
	"github.com/arvindh/ledgerkv/sstable"
	"github.com/arvindh/ledgerkv/wal"
)

// DB is the operation set cmd/flashkv drives.
type DB interface {
	Put(key, value []byte) error
	Get(key []byte) ([]byte, bool, error)
	Delete(key []byte) error
	Close() error
}

const (
	walDirName = "wal"
	sstDirName = "sstables"
)

// Engine is the default DB implementation.
type Engine struct {
	dir    string
	logger *slog.Logger

	flushThreshold int
	groupCount     uint32
	bloomFPRate    float64 // 0 disables the bloom filter.

	wal *wal.Writer
	mem memtable.Memtable[string, record.Record]

	tables []*sstable.Table // newest first.

	nextTableID int
}

// Option configures Open.
type Option func(*Engine)

// WithFlushThreshold sets the memtable entry count that triggers a flush.
func WithFlushThreshold(n int) Option {
	return func(e *Engine) { e.flushThreshold = n }
}

// WithGroupCount sets the group size flushed sstables are built with.
func WithGroupCount(n uint32) Option {
	return func(e *Engine) { e.groupCount = n }
}

// WithBloomFilter equips every flushed sstable with a Bloom filter at the
// given false-positive rate.
func WithBloomFilter(fpRate float64) Option {
	return func(e *Engine) { e.bloomFPRate = fpRate }
}

// WithLogger overrides the default slog.Default() logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// Open creates or resumes an engine rooted at dir: dir/wal holds the
// write-ahead log segments, dir/sstables holds flushed tables. Replay
// order is: load existing sstables (oldest first, so later Puts in the
// WAL correctly shadow them), then replay the WAL into a fresh memtable.
func Open(dir string, opts ...Option) (*Engine, error) {
	e := &Engine{
		dir:            dir,
		logger:         slog.Default(),
		flushThreshold: 1000,
		groupCount:     32,
		mem:            memtable.NewSkipListMemtable[string, record.Record](),
	}
	for _, opt := range opts {
		opt(e)
	}

	sstDir := filepath.Join(dir, sstDirName)
	if err := os.MkdirAll(sstDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "engine: create %s", sstDir)
	}
	tables, nextID, err := loadTables(sstDir, e.logger)
	if err != nil {
		return nil, err
	}
	e.tables = tables
	e.nextTableID = nextID

	walDir := filepath.Join(dir, walDirName)
	sm, err := segmentmanager.NewDiskSegmentManager(walDir)
	if err != nil {
		return nil, errors.Wrap(err, "engine: open wal segment manager")
	}

	if err := e.replayWAL(walDir); err != nil {
		sm.Close()
		return nil, err
	}

	e.wal = wal.NewWriter(256, sm)

	e.logger.Info("engine: opened", "dir", dir, "tables", len(e.tables), "memtable_entries", e.mem.Len())
	return e, nil
}

func loadTables(sstDir string, logger *slog.Logger) ([]*sstable.Table, int, error) {
	entries, err := os.ReadDir(sstDir)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "engine: read %s", sstDir)
	}

	type named struct {
		id   int
		name string
	}
	var names []named

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		id, ok := tableID(entry.Name())
		if !ok {
			continue
		}
		names = append(names, named{id: id, name: entry.Name()})
	}

	// Parse and sort by the numeric table id, not directory order: os.ReadDir
	// sorts by filename, so table-10.sst would otherwise land before
	// table-2.sst. Mirrors wal/reader.go's numeric segment-id sort.
	sort.Slice(names, func(i, j int) bool { return names[i].id < names[j].id })

	var tables []*sstable.Table
	maxID := 0

	for _, n := range names {
		tbl, err := sstable.Open(filepath.Join(sstDir, n.name), sstable.WithLogger(logger))
		if err != nil {
			return nil, 0, errors.Wrapf(err, "engine: open table %s", n.name)
		}
		tables = append(tables, tbl)

		if n.id >= maxID {
			maxID = n.id + 1
		}
	}

	// Newest first: higher OldestTS wins ties deterministically via slice
	// stability, now that tables is ordered by ascending numeric table id.
	sort.SliceStable(tables, func(i, j int) bool { return tables[j].Less(tables[i]) })

	return tables, maxID, nil
}

func tableID(name string) (int, bool) {
	var id int
	if _, err := fmt.Sscanf(name, "table-%d.sst", &id); err != nil {
		return 0, false
	}
	return id, true
}

func (e *Engine) replayWAL(walDir string) error {
	r, err := wal.NewReader(walDir)
	if err != nil {
		return errors.Wrap(err, "engine: open wal reader")
	}

	count := 0
	for entry, err := range r.Iterate() {
		if err != nil {
			return errors.Wrap(err, "engine: replay wal")
		}
		now := uint64(time.Now().UnixNano())
		switch entry.Op {
		case wal.OpPut:
			e.mem.Put(string(entry.Key), record.New(entry.Key, entry.Value, now))
		case wal.OpDelete:
			e.mem.Put(string(entry.Key), record.NewTombstone(entry.Key, now))
		}
		count++
	}

	if count > 0 {
		e.logger.Info("engine: replayed wal", "entries", count)
	}
	return nil
}

// Put writes key/value durably to the WAL, then applies it to the
// memtable, flushing once the memtable holds the flush threshold's number
// of entries.
func (e *Engine) Put(key, value []byte) error {
	if err := e.wal.Write(&wal.Entry{Op: wal.OpPut, Key: key, Value: value}); err != nil {
		return errors.Wrap(err, "engine: wal write")
	}

	e.mem.Put(string(key), record.New(key, value, uint64(time.Now().UnixNano())))

	return e.maybeFlush()
}

// Delete writes a tombstone durably to the WAL, then applies it to the
// memtable. The core's records are never mutated or removed in place: a
// delete is just another record, shadowing older ones on read.
func (e *Engine) Delete(key []byte) error {
	if err := e.wal.Write(&wal.Entry{Op: wal.OpDelete, Key: key}); err != nil {
		return errors.Wrap(err, "engine: wal write")
	}

	e.mem.Put(string(key), record.NewTombstone(key, uint64(time.Now().UnixNano())))

	return e.maybeFlush()
}

// Get checks the memtable, then every sstable newest to oldest, returning
// on the first match (or a tombstone, which shadows anything older).
func (e *Engine) Get(key []byte) ([]byte, bool, error) {
	if rec, ok := e.mem.Get(string(key)); ok {
		if rec.Tombstone {
			return nil, false, nil
		}
		return rec.Value, true, nil
	}

	for _, tbl := range e.tables {
		rec, ok, err := tbl.Get(key)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			continue
		}
		if rec.Tombstone {
			return nil, false, nil
		}
		return rec.Value, true, nil
	}

	return nil, false, nil
}

// Close flushes any remaining in-memory writes and releases every
// underlying resource, carrying on past a failure so that later resources
// are still released. It returns the first error encountered; any later
// errors are not returned.
func (e *Engine) Close() error {
	var firstErr error
	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if e.mem.Len() > 0 {
		note(e.flush())
	}
	note(e.wal.Close())

	for _, tbl := range e.tables {
		note(tbl.Close())
	}

	return firstErr
}

func (e *Engine) maybeFlush() error {
	if e.mem.Len() < e.flushThreshold {
		return nil
	}
	return e.flush()
}

func (e *Engine) flush() error {
	records := sortedRecords(e.mem)
	if len(records) == 0 {
		return nil
	}

	id := e.nextTableID
	e.nextTableID++
	path := filepath.Join(e.dir, sstDirName, tableFileName(id))

	opts := []sstable.Option{sstable.WithLogger(e.logger)}
	if e.bloomFPRate > 0 {
		opts = append(opts, sstable.WithBloomFilter(e.bloomFPRate))
	}

	tbl, err := sstable.Build(path, sliceSeq(records), e.groupCount, opts...)
	if err != nil {
		return errors.Wrap(err, "engine: flush")
	}

	e.tables = append([]*sstable.Table{tbl}, e.tables...)
	e.mem = memtable.NewSkipListMemtable[string, record.Record]()

	e.logger.Info("engine: flushed memtable", "table", path, "records", len(records))
	return nil
}

// sortedRecords drains mem in key order. The skip list already visits
// entries in increasing string-key order, which agrees with
// bytes.Compare on the underlying key bytes, so no extra sort is needed.
func sortedRecords(mem memtable.Memtable[string, record.Record]) []record.Record {
	var out []record.Record
	for entry := range mem.Iterator() {
		out = append(out, entry.Value)
	}
	return out
}

func sliceSeq(records []record.Record) iter.Seq[record.Record] {
	return func(yield func(record.Record) bool) {
		for _, r := range records {
			if !yield(r) {
				return
			}
		}
	}
}

func tableFileName(id int) string {
	return "table-" + strconv.Itoa(id) + ".sst"
}

// Package segmentmanager provides a rotating, size-bounded append target
// for the write-ahead log: callers write through WriteActive and never see
// individual file handles or rotation decisions.
package segmentmanager

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"github.com/cockroachdb/errors"
)

const (
	defaultMaxSegmentSize = 16 * 1024 * 1024
	defaultLogFileExt     = ".log"
)

// segmentFileNamePattern matches a segment file name with its extension
// already stripped.
var segmentFileNamePattern = regexp.MustCompile(`^segment-(\d+)$`)

// SegmentManager is the interface wal.Writer drives: write into whatever
// segment is currently active, rotating to a fresh one when the active
// segment would otherwise grow past its size bound.
type SegmentManager interface {
	WriteActive(n int, fn func(w io.Writer)) error
	Sync() error
	RotateSegment() error
	Close() error
}

// DiskSegmentManager is a SegmentManager backed by numbered files in a
// directory: segment-0001.log, segment-0002.log, and so on.
type DiskSegmentManager struct {
	mu             sync.Mutex
	active         *os.File
	activeID       int
	dir            string
	logFileExt     string
	maxSegmentSize int64
}

// DiskSegmentManagerOption configures NewDiskSegmentManager.
type DiskSegmentManagerOption func(sm *DiskSegmentManager)

// WithMaxSegmentSize overrides the default 16MB rotation threshold.
func WithMaxSegmentSize(maxSegmentSize int64) DiskSegmentManagerOption {
	return func(sm *DiskSegmentManager) { sm.maxSegmentSize = maxSegmentSize }
}

// WithLogFileExt overrides the default ".log" segment file extension.
func WithLogFileExt(ext string) DiskSegmentManagerOption {
	return func(sm *DiskSegmentManager) { sm.logFileExt = ext }
}

type segmentEntry struct {
	id   int
	name string
}

type segmentEntries []segmentEntry

func (a segmentEntries) Len() int           { return len(a) }
func (a segmentEntries) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a segmentEntries) Less(i, j int) bool { return a[i].id < a[j].id }

func isDirectoryValid(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return errors.Newf("segmentmanager: %s exists but is not a directory", path)
	}
	return nil
}

// NewDiskSegmentManager opens dir, creating it and its first segment if it
// does not exist, or resuming from the highest-numbered existing segment.
func NewDiskSegmentManager(dir string, opts ...DiskSegmentManagerOption) (*DiskSegmentManager, error) {
	sm := &DiskSegmentManager{
		dir:            dir,
		logFileExt:     defaultLogFileExt,
		maxSegmentSize: defaultMaxSegmentSize,
	}
	for _, opt := range opts {
		opt(sm)
	}

	if err := isDirectoryValid(dir); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "segmentmanager: create %s", dir)
		}
		return sm, sm.RotateSegment()
	}

	entries, err := sm.listSegments()
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return sm, sm.RotateSegment()
	}

	sort.Sort(entries)
	if !validateSegmentEntries(entries) {
		return nil, errors.Newf("segmentmanager: gap in segment sequence under %s", dir)
	}

	sm.activeID = entries[len(entries)-1].id
	// Not O_APPEND: writers seek back within the active segment (wal.Entry
	// patches its checksum in place), which O_APPEND would redirect to EOF.
	active, err := os.OpenFile(sm.idToPath(sm.activeID), os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "segmentmanager: open active segment")
	}
	if _, err := active.Seek(0, io.SeekEnd); err != nil {
		active.Close()
		return nil, errors.Wrap(err, "segmentmanager: seek to end of active segment")
	}
	sm.active = active

	return sm, nil
}

func (s *DiskSegmentManager) listSegments() (segmentEntries, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "segmentmanager: read %s", s.dir)
	}

	var entries segmentEntries
	for _, e := range dirEntries {
		if !e.Type().IsRegular() || filepath.Ext(e.Name()) != s.logFileExt {
			continue
		}
		base := e.Name()[:len(e.Name())-len(s.logFileExt)]
		matches := segmentFileNamePattern.FindStringSubmatch(base)
		if len(matches) != 2 {
			continue
		}
		id, err := strconv.Atoi(matches[1])
		if err != nil {
			continue
		}
		entries = append(entries, segmentEntry{id: id, name: e.Name()})
	}
	return entries, nil
}

func validateSegmentEntries(entries segmentEntries) bool {
	for i, e := range entries {
		if e.id != i+1 {
			return false
		}
	}
	return true
}

func (s *DiskSegmentManager) idToPath(id int) string {
	return filepath.Join(s.dir, fmt.Sprintf("segment-%04d%s", id, s.logFileExt))
}

// RotateSegment closes the current active segment, if any, and opens the
// next one in sequence.
func (s *DiskSegmentManager) RotateSegment() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotateLocked()
}

func (s *DiskSegmentManager) rotateLocked() error {
	if s.active != nil {
		if err := s.active.Close(); err != nil {
			return errors.Wrap(err, "segmentmanager: close previous segment")
		}
	}

	s.activeID++
	file, err := os.Create(s.idToPath(s.activeID))
	if err != nil {
		return errors.Wrap(err, "segmentmanager: create segment")
	}
	s.active = file

	return nil
}

// WriteActive rotates the active segment first if writing n more bytes
// would push it past maxSegmentSize, then runs fn against the active
// file and syncs it.
func (s *DiskSegmentManager) WriteActive(n int, fn func(w io.Writer)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if int64(n) > s.maxSegmentSize {
		return errors.Newf("segmentmanager: entry of %d bytes exceeds max segment size %d", n, s.maxSegmentSize)
	}
	if s.active == nil {
		return errors.New("segmentmanager: active segment not initialized")
	}

	info, err := s.active.Stat()
	if err != nil {
		return errors.Wrap(err, "segmentmanager: stat active segment")
	}
	if info.Size()+int64(n) > s.maxSegmentSize {
		if err := s.rotateLocked(); err != nil {
			return err
		}
	}

	fn(s.active)

	return errors.Wrap(s.active.Sync(), "segmentmanager: sync active segment")
}

// Sync fsyncs the active segment.
func (s *DiskSegmentManager) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return errors.New("segmentmanager: active segment not initialized")
	}
	return errors.Wrap(s.active.Sync(), "segmentmanager: sync")
}

// Close closes the active segment.
func (s *DiskSegmentManager) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil
	}
	return errors.Wrap(s.active.Close(), "segmentmanager: close active segment")
}

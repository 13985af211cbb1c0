package wal

import (
	"io"
	"iter"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/cockroachdb/errors"
)

var segmentFileNamePattern = regexp.MustCompile(`^segment-(\d+)\.log$`)

// Reader replays every segment file under a directory, in segment order,
// as a single logical stream of entries.
type Reader struct {
	paths []string
}

// NewReader lists dir for segment-NNNN.log files and prepares to replay
// them in ascending order.
func NewReader(dir string) (*Reader, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "wal: read %s", dir)
	}

	type numbered struct {
		id   int
		path string
	}
	var found []numbered

	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		matches := segmentFileNamePattern.FindStringSubmatch(e.Name())
		if len(matches) != 2 {
			continue
		}
		id, err := strconv.Atoi(matches[1])
		if err != nil {
			continue
		}
		found = append(found, numbered{id: id, path: filepath.Join(dir, e.Name())})
	}

	sort.Slice(found, func(i, j int) bool { return found[i].id < found[j].id })

	paths := make([]string, len(found))
	for i, f := range found {
		paths[i] = f.path
	}

	return &Reader{paths: paths}, nil
}

// Iterate replays every entry from every segment, in order, stopping at
// the first decode error such as a checksum mismatch. A torn entry at the
// tail of a segment (a process that crashed mid-entry) decodes as io.EOF,
// so it ends that segment's replay without an error and Iterate moves on
// to the next segment.
func (r *Reader) Iterate() iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		for _, path := range r.paths {
			f, err := os.Open(path)
			if err != nil {
				yield(Entry{}, errors.Wrapf(err, "wal: open %s", path))
				return
			}

			for {
				e, err := Decode(f)
				if errors.Is(err, io.EOF) {
					break
				}
				if err != nil {
					f.Close()
					yield(Entry{}, errors.Wrapf(err, "wal: decode %s", path))
					return
				}
				if !yield(*e, nil) {
					f.Close()
					return
				}
			}

			if err := f.Close(); err != nil {
				yield(Entry{}, errors.Wrapf(err, "wal: close %s", path))
				return
			}
		}
	}
}

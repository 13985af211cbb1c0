package sstable

import (
	"encoding/binary"
	"iter"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arvindh/ledgerkv/record"
)

func key(i uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, i)
	return buf
}

func seqOf(n int) iter.Seq[record.Record] {
	return func(yield func(record.Record) bool) {
		for i := 0; i < n; i++ {
			k := key(uint64(i))
			if !yield(record.New(k, k, uint64(i))) {
				return
			}
		}
	}
}

// TestBuild100GroupCount2 builds a table of 100 sequential keys with a
// group size of 2 and checks every key resolves, with misses for two keys
// above the largest key, and that there are 50 top-level indices.
func TestBuild100GroupCount2(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.sst")

	tbl, err := Build(path, seqOf(100), 2)
	require.NoError(t, err)
	defer tbl.Close()

	for i := 0; i < 100; i++ {
		rec, ok, err := tbl.Get(key(uint64(i)))
		require.NoError(t, err)
		require.True(t, ok, "key %d should be present", i)
		require.Equal(t, key(uint64(i)), rec.Value)
	}

	_, ok, err := tbl.Get(key(^uint64(0)))
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = tbl.Get(key(100))
	require.NoError(t, err)
	require.False(t, ok)

	require.Equal(t, 50, len(tbl.info.Indices))
}

// TestBuildSingleRecordGroupCount10 checks that a group count larger than
// the record count collapses to a single group.
func TestBuildSingleRecordGroupCount10(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.sst")

	tbl, err := Build(path, seqOf(1), 10)
	require.NoError(t, err)
	defer tbl.Close()

	require.Equal(t, 1, len(tbl.info.Indices))

	rec, ok, err := tbl.Get(key(0))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, key(0), rec.Key)

	_, ok, err = tbl.Get(key(1))
	require.NoError(t, err)
	require.False(t, ok)
}

// TestOutOfOrderBuild checks that a non-increasing key sequence aborts the
// build and leaves no readable table behind.
func TestOutOfOrderBuild(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.sst")

	bad := func(yield func(record.Record) bool) {
		yield(record.New(key(2), key(2), 0))
		yield(record.New(key(1), key(1), 0))
	}

	_, err := Build(path, bad, 4)
	require.ErrorIs(t, err, ErrOutOfOrderKey)

	if _, err := Open(path); err == nil {
		t.Fatal("expected no readable SSTable footer on disk after an out-of-order build")
	}
}

// TestOrderingByTimestamp checks that Less orders two tables by their
// tracked timestamp.
func TestOrderingByTimestamp(t *testing.T) {
	pathA := filepath.Join(t.TempDir(), "a.sst")
	pathB := filepath.Join(t.TempDir(), "b.sst")

	a, err := Build(pathA, singleRecordAt(10), 4)
	require.NoError(t, err)
	defer a.Close()

	b, err := Build(pathB, singleRecordAt(20), 4)
	require.NoError(t, err)
	defer b.Close()

	require.True(t, a.Less(b))
	require.False(t, b.Less(a))
}

func singleRecordAt(ts uint64) iter.Seq[record.Record] {
	return func(yield func(record.Record) bool) {
		yield(record.New(key(0), key(0), ts))
	}
}

func TestEmptyInputRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.sst")

	empty := func(yield func(record.Record) bool) {}

	_, err := Build(path, empty, 4)
	require.ErrorIs(t, err, ErrEmptyInput)

	_, err = Open(path)
	require.Error(t, err, "an empty build must not leave an openable table on disk")
}

func TestInvalidArgs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.sst")

	_, err := Build(path, seqOf(1), 0)
	require.ErrorIs(t, err, ErrInvalidArg)

	_, err = Build(path, seqOf(1), 1, WithLimit(0))
	require.ErrorIs(t, err, ErrInvalidArg)
}

func TestAlreadyExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.sst")

	tbl, err := Build(path, seqOf(5), 2)
	require.NoError(t, err)
	tbl.Close()

	_, err = Build(path, seqOf(5), 2)
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestNotFound(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.sst"))
	require.ErrorIs(t, err, ErrNotFound)
}

// TestBuildTerminatesAtLimit checks that Build stops consuming the input
// stream exactly at the configured limit.
func TestBuildTerminatesAtLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.sst")

	tbl, err := Build(path, seqOf(100), 3, WithLimit(7))
	require.NoError(t, err)
	defer tbl.Close()

	require.EqualValues(t, 7, tbl.RecordCount())

	for i := 0; i < 7; i++ {
		_, ok, err := tbl.Get(key(uint64(i)))
		require.NoError(t, err)
		require.True(t, ok)
	}

	_, ok, err := tbl.Get(key(7))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestIterateReturnsRecordsInOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.sst")

	tbl, err := Build(path, seqOf(37), 5)
	require.NoError(t, err)
	defer tbl.Close()

	i := 0
	for rec, err := range tbl.Iterate() {
		require.NoError(t, err)
		require.Equal(t, key(uint64(i)), rec.Key)
		i++
	}
	require.Equal(t, 37, i)
}

func TestBloomFilterSkipsNegativeLookup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.sst")

	tbl, err := Build(path, seqOf(200), 8, WithBloomFilter(0.01))
	require.NoError(t, err)
	defer tbl.Close()

	for i := 0; i < 200; i++ {
		rec, ok, err := tbl.Get(key(uint64(i)))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, key(uint64(i)), rec.Value)
	}

	_, ok, err := tbl.Get(key(5000))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBloomFilterSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.sst")

	tbl, err := Build(path, seqOf(50), 4, WithBloomFilter(0.01))
	require.NoError(t, err)
	tbl.Close()

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	require.NotNil(t, reopened.filter)

	rec, ok, err := reopened.Get(key(10))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, key(10), rec.Value)
}

// TestIndexGeometry sweeps record/group-count combinations and checks that
// the number of top-level indices always equals
// ceil(record_count/group_count).
func TestIndexGeometry(t *testing.T) {
	cases := []struct {
		records, groupCount, wantIndices int
	}{
		{1, 1, 1},
		{1, 10, 1},
		{2, 1, 2},
		{99, 2, 50},
		{100, 2, 50},
		{101, 2, 51},
		{10000, 10, 1000},
	}

	for _, c := range cases {
		path := filepath.Join(t.TempDir(), "test.sst")

		tbl, err := Build(path, seqOf(c.records), uint32(c.groupCount))
		require.NoError(t, err)

		require.Equal(t, c.wantIndices, len(tbl.info.Indices),
			"records=%d group_count=%d", c.records, c.groupCount)

		tbl.Close()
	}
}

package wal

import (
	"testing"

	"github.com/arvindh/ledgerkv/segmentmanager"
)

func TestWriterReaderRoundTrip(t *testing.T) {
	dir := t.TempDir()

	sm, err := segmentmanager.NewDiskSegmentManager(dir, segmentmanager.WithMaxSegmentSize(256))
	if err != nil {
		t.Fatal(err)
	}

	w := NewWriter(4, sm)

	want := []*Entry{
		{Op: OpPut, Key: []byte("alpha"), Value: []byte("1")},
		{Op: OpPut, Key: []byte("beta"), Value: []byte("2")},
		{Op: OpDelete, Key: []byte("alpha")},
	}

	for _, e := range want {
		if err := w.Write(e); err != nil {
			t.Fatal(err)
		}
	}

	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	if err := w.Write(&Entry{Op: OpPut, Key: []byte("x"), Value: []byte("y")}); err != ErrClosed {
		t.Fatalf("expected ErrClosed after Close, got %v", err)
	}

	r, err := NewReader(dir)
	if err != nil {
		t.Fatal(err)
	}

	var got []Entry
	for e, err := range r.Iterate() {
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, e)
	}

	if len(got) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(got))
	}
	for i, e := range want {
		if got[i].Op != e.Op || string(got[i].Key) != string(e.Key) || string(got[i].Value) != string(e.Value) {
			t.Fatalf("entry %d mismatch: got %+v want %+v", i, got[i], e)
		}
	}
}

package wal

import (
	"io"
	"os"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/arvindh/ledgerkv/segmentmanager"
)

// ErrClosed is returned by Write after Close has completed.
var ErrClosed = os.ErrClosed

// Writer serializes concurrent Write calls onto a single background
// goroutine, so segmentmanager.SegmentManager never has to be safe for
// concurrent callers itself.
type Writer struct {
	mu     sync.Mutex
	ch     chan *request
	done   chan struct{}
	closed bool
	sm     segmentmanager.SegmentManager
	wg     sync.WaitGroup
}

type request struct {
	entry *Entry
	done  chan error
}

// NewWriter starts a Writer with a buffer of the given size backed by sm.
func NewWriter(buffer int, sm segmentmanager.SegmentManager) *Writer {
	w := &Writer{
		ch:   make(chan *request, buffer),
		done: make(chan struct{}),
		sm:   sm,
	}
	go w.loop()
	return w
}

// Write appends e, blocking until it has been durably written (or the
// writer is closed).
func (w *Writer) Write(e *Entry) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	w.wg.Add(1)
	w.mu.Unlock()
	defer w.wg.Done()

	req := &request{entry: e, done: make(chan error, 1)}

	select {
	case w.ch <- req:
		return <-req.done
	case <-w.done:
		return ErrClosed
	}
}

// Close drains pending writes, stops the background goroutine, and closes
// the underlying segment manager.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	w.wg.Wait()
	close(w.ch)
	<-w.done

	return errors.Wrap(w.sm.Close(), "wal: close segment manager")
}

func (w *Writer) loop() {
	defer close(w.done)

	for req := range w.ch {
		var encodeErr error
		err := w.sm.WriteActive(req.entry.Size(), func(sw io.Writer) {
			encodeErr = req.entry.Encode(sw)
		})
		if encodeErr != nil {
			req.done <- encodeErr
			continue
		}
		req.done <- err
	}
}

// Package termio provides asynchronous writers for the process's standard
// streams so that goroutines doing I/O work never stall on a slow terminal.
package termio

import (
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const queueLen = 4096

// Writer copies each Write into a queue drained by a background goroutine.
// When the queue is full the write is dropped and counted.
type Writer struct {
	out     io.Writer
	ch      chan []byte
	done    chan struct{}
	dropped atomic.Uint64

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewWriter starts a writer draining into out.
func NewWriter(out io.Writer, queue int) *Writer {
	if queue <= 0 {
		queue = queueLen
	}
	w := &Writer{
		out:  out,
		ch:   make(chan []byte, queue),
		done: make(chan struct{}),
	}
	go func() {
		defer close(w.done)
		for buf := range w.ch {
			_, _ = w.out.Write(buf)
		}
	}()
	return w
}

// Write never blocks.
func (w *Writer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return 0, os.ErrClosed
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	select {
	case w.ch <- buf:
	default:
		w.dropped.Add(1)
	}
	return len(p), nil
}

// Dropped returns the number of writes discarded because the queue was full.
func (w *Writer) Dropped() uint64 {
	return w.dropped.Load()
}

// Close stops accepting writes and waits up to timeout for queued ones to
// reach the underlying writer.
func (w *Writer) Close(timeout time.Duration) {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		close(w.ch)
		w.mu.Unlock()
	})
	select {
	case <-w.done:
	case <-time.After(timeout):
	}
}

type manager struct {
	once   sync.Once
	stdout *Writer
	stderr *Writer
}

var global manager

func initGlobal() {
	global.once.Do(func() {
		global.stdout = NewWriter(os.Stdout, queueLen)
		global.stderr = NewWriter(os.Stderr, queueLen)
	})
}

// Stdout returns the shared asynchronous stdout writer.
func Stdout() *Writer {
	initGlobal()
	return global.stdout
}

// Stderr returns the shared asynchronous stderr writer.
func Stderr() *Writer {
	initGlobal()
	return global.stderr
}

// Flush drains both shared writers; call it once before the process exits.
func Flush() {
	initGlobal()
	global.stdout.Close(time.Second)
	global.stderr.Close(time.Second)
}

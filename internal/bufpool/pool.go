// Package bufpool recycles fixed-size copy buffers between transfers.
package bufpool

import (
	"sync"
)

// DefaultSize is the buffer size used by the copy fallbacks.
const DefaultSize = 256 * 1024

// Pool hands out *[]byte buffers of a fixed size. Pointers are pooled so that
// Put does not allocate.
type Pool struct {
	pool    sync.Pool
	bufSize int
}

// New creates a pool whose buffers are exactly bufSize bytes long.
func New(bufSize int) *Pool {
	if bufSize <= 0 {
		panic("bufSize must be positive")
	}
	p := &Pool{bufSize: bufSize}
	p.pool.New = func() any {
		b := make([]byte, bufSize)
		return &b
	}
	return p
}

// Get returns a buffer of BufSize bytes.
func (p *Pool) Get() *[]byte {
	bp := p.pool.Get().(*[]byte)
	if cap(*bp) < p.bufSize {
		b := make([]byte, p.bufSize)
		return &b
	}
	*bp = (*bp)[:p.bufSize]
	return bp
}

// Put returns bp to the pool. Undersized or nil buffers are dropped.
func (p *Pool) Put(bp *[]byte) {
	if bp == nil || cap(*bp) < p.bufSize {
		return
	}
	*bp = (*bp)[:cap(*bp)]
	p.pool.Put(bp)
}

// BufSize returns the size of buffers in this pool.
func (p *Pool) BufSize() int {
	return p.bufSize
}

var shared = New(DefaultSize)

// Get borrows a DefaultSize buffer from the process-wide pool.
func Get() *[]byte { return shared.Get() }

// Put returns a buffer obtained from Get.
func Put(bp *[]byte) { shared.Put(bp) }

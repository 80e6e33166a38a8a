// Package bufpool recycles fixed-size read buffers for chunked file reads.
package bufpool

import (
	"sync"
	"sync/atomic"
)

// Pool hands out buffers of exactly Size bytes.
type Pool struct {
	size   int
	pool   sync.Pool
	allocs atomic.Int64
}

// New creates a pool for size-byte buffers. size must be positive.
func New(size int) *Pool {
	if size <= 0 {
		panic("bufpool: size must be positive")
	}
	p := &Pool{size: size}
	p.pool.New = func() any {
		p.allocs.Add(1)
		buf := make([]byte, size)
		return &buf
	}
	return p
}

// Get returns a buffer of length Size. Its contents are unspecified.
func (p *Pool) Get() []byte {
	return (*p.pool.Get().(*[]byte))[:p.size]
}

// Put returns buf to the pool. Buffers that did not come from a pool of
// the same size are dropped.
func (p *Pool) Put(buf []byte) {
	if cap(buf) != p.size {
		return
	}
	buf = buf[:p.size]
	p.pool.Put(&buf)
}

// Size is the length of buffers returned by Get.
func (p *Pool) Size() int {
	return p.size
}

// Allocs is the number of buffers the pool has had to allocate.
func (p *Pool) Allocs() int64 {
	return p.allocs.Load()
}

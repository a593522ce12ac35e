package bufpool

import (
	"sync"
)

// Pool recycles write buffers of a fixed capacity. Buffers are handed out
// empty and filled with append, so a sink can coalesce many small chunks into
// one write.
type Pool struct {
	pool sync.Pool
	size int
}

// New creates a pool of buffers with capacity size.
func New(size int) *Pool {
	if size <= 0 {
		panic("bufpool: size must be positive")
	}
	p := &Pool{size: size}
	p.pool.New = func() any {
		buf := make([]byte, 0, size)
		return &buf
	}
	return p
}

// Get returns an empty buffer with capacity of at least Size.
func (p *Pool) Get() []byte {
	buf := *(p.pool.Get().(*[]byte))
	return buf[:0]
}

// Put returns buf to the pool. Buffers that grew past twice the pool size, or
// are smaller than it, are dropped.
func (p *Pool) Put(buf []byte) {
	if cap(buf) < p.size || cap(buf) > 2*p.size {
		return
	}
	buf = buf[:0]
	p.pool.Put(&buf)
}

// Size returns the capacity of buffers in this pool.
func (p *Pool) Size() int {
	return p.size
}

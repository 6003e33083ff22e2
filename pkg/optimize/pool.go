package optimize

import (
	"sync"
)

// BytePool recycles byte buffers to keep hot loops from allocating.
type BytePool struct {
	pool sync.Pool
	size int
}

// NewBytePool creates a pool whose fresh buffers have capacity size.
func NewBytePool(size int) *BytePool {
	p := &BytePool{size: size}
	p.pool.New = func() any {
		b := make([]byte, 0, size)
		return &b
	}
	return p
}

// Get returns a buffer of length n. Its contents are unspecified.
func (p *BytePool) Get(n int) []byte {
	bp := p.pool.Get().(*[]byte)
	if cap(*bp) < n {
		return make([]byte, n)
	}
	return (*bp)[:n]
}

// Put hands b back for reuse. The caller must not touch b afterwards.
// Buffers far larger than the pool size are dropped.
func (p *BytePool) Put(b []byte) {
	if cap(b) == 0 || cap(b) > p.size*4 {
		return
	}
	b = b[:0]
	p.pool.Put(&b)
}

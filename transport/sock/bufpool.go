package sock

import "sync"

// bufPool recycles send buffers between connections.
type bufPool struct {
	size int
	pool sync.Pool
}

func newBufPool(size int) *bufPool {
	p := &bufPool{size: size}
	p.pool.New = func() any {
		buf := make([]byte, 0, p.size)
		return &buf
	}
	return p
}

func (p *bufPool) Get() []byte {
	return (*p.pool.Get().(*[]byte))[:0]
}

func (p *bufPool) Put(buf []byte) {
	// oversized buffers from a burst are left for the collector
	if cap(buf) > 4*p.size {
		return
	}
	buf = buf[:0]
	p.pool.Put(&buf)
}

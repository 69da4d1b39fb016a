// Package bufpool implements a bounded recycling read-buffer pool: a
// fixed-size free-list of reusable byte slices, handed out via Get and
// returned via Release, so the hot read path avoids a fresh allocation
// per frame.
package bufpool

import (
	"sync"
	"sync/atomic"

	"github.com/nyxwave/wsreactor/wsapi"
)

// DefaultRCVBUF is the fixed read-buffer size.
const DefaultRCVBUF = 16 * 1024

// Pool is a bounded free-list of fixed-size byte buffers. Get/Put are
// O(1) under a single mutex. When the free-list is empty Get allocates a
// fresh buffer; the number of buffers in use is not capped, only the
// number kept idle (freeListCap). A buffer released while the free-list
// is full is dropped.
type Pool struct {
	size int
	cap  int

	mu   sync.Mutex
	free [][]byte

	allocated int64
	recycled  int64
	live      int64
}

// New creates a Pool of buffers of size bytes, retaining up to
// freeListCap idle buffers. freeListCap should be sized to roughly
// (active connections × 2).
func New(size, freeListCap int) *Pool {
	if size <= 0 {
		size = DefaultRCVBUF
	}
	if freeListCap <= 0 {
		freeListCap = 1024
	}
	return &Pool{size: size, cap: freeListCap}
}

type buffer struct {
	data []byte
	pool *Pool
}

func (b *buffer) Bytes() []byte { return b.data }

func (b *buffer) Release() {
	if b.pool == nil {
		return
	}
	b.pool.put(b.data)
	b.pool = nil
	b.data = nil
}

// Get returns a buffer of the pool's configured size, reusing an idle
// buffer from the free-list when available.
func (p *Pool) Get() wsapi.Buffer {
	p.mu.Lock()
	n := len(p.free)
	var data []byte
	if n > 0 {
		data = p.free[n-1]
		p.free = p.free[:n-1]
	}
	p.mu.Unlock()

	if data == nil {
		data = make([]byte, p.size)
		atomic.AddInt64(&p.allocated, 1)
	}
	atomic.AddInt64(&p.live, 1)
	return &buffer{data: data, pool: p}
}

func (p *Pool) put(data []byte) {
	atomic.AddInt64(&p.live, -1)
	p.mu.Lock()
	if len(p.free) < p.cap {
		p.free = append(p.free, data[:p.size])
		p.mu.Unlock()
		atomic.AddInt64(&p.recycled, 1)
		return
	}
	p.mu.Unlock()
}

// Put returns a buffer obtained from Get back to the free-list.
func (p *Pool) Put(b wsapi.Buffer) {
	if buf, ok := b.(*buffer); ok {
		buf.Release()
	}
}

// Stats reports current occupancy.
func (p *Pool) Stats() wsapi.BufferPoolStats {
	p.mu.Lock()
	free := len(p.free)
	p.mu.Unlock()
	return wsapi.BufferPoolStats{
		Size:      p.size,
		Capacity:  p.cap,
		Free:      free,
		Allocated: atomic.LoadInt64(&p.allocated),
		Recycled:  atomic.LoadInt64(&p.recycled),
	}
}

var _ wsapi.BufferPool = (*Pool)(nil)

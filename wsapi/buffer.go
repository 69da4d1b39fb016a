package wsapi

// Buffer is a fixed-size byte region borrowed from a BufferPool for one
// read. Release must be idempotent and safe to call from any goroutine.
type Buffer interface {
	// Bytes returns the current view of the buffer's data.
	Bytes() []byte

	// Release returns the buffer to its owning pool. After Release the
	// buffer must not be read or written.
	Release()
}

// BufferPool recycles fixed-size RCVBUF buffers via a free-list whose
// idle capacity is bounded. The number of buffers handed out at once is
// not capped.
type BufferPool interface {
	// Get returns a buffer of exactly the pool's configured size.
	Get() Buffer

	// Put returns a buffer obtained from Get back to the pool.
	Put(b Buffer)

	// Stats reports current pool occupancy for observability.
	Stats() BufferPoolStats
}

// BufferPoolStats snapshots pool occupancy.
type BufferPoolStats struct {
	Size      int   // configured buffer size (RCVBUF)
	Capacity  int   // maximum buffers retained by the free-list
	Free      int   // buffers currently idle in the free-list
	Allocated int64 // total buffers allocated since construction
	Recycled  int64 // total buffers returned to the free-list (via Release or Put)
}

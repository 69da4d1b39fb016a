package wsapi

// Executor abstracts the bounded decode worker pool so the
// server can be constructed against a fake in tests.
type Executor interface {
	// Submit schedules task for execution. Returns ErrClosed if the
	// executor has been shut down.
	Submit(task func()) error

	// NumWorkers reports the current worker count.
	NumWorkers() int

	// Resize adjusts worker concurrency at runtime.
	Resize(n int)

	// Close stops all workers. Daemon executors return immediately;
	// non-daemon executors wait for in-flight tasks to finish.
	Close()
}

package workerpool

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/nyxwave/wsreactor/wsapi"
)

// Task is a unit of decode work; the server submits a closure that calls
// Connection.Feed on the bytes just read.
type Task func()

// Pool is the bounded decode worker pool. Ordering across connections
// is not guaranteed; per-connection ordering is the caller's
// responsibility (the server gates at most one outstanding decode task
// per connection before ever calling Submit).
//
// Daemon vs. non-daemon: Go has no non-daemon-thread concept, so the
// distinction is realized as whether Close waits for in-flight tasks
// (non-daemon, the default) or returns immediately (daemon). The
// switch may only be set before the pool starts (an explicit Start or
// the first Submit).
type Pool struct {
	global chan Task
	local  []*localQueue
	// workerLive holds one per-worker stop signal per entry in local, so
	// Resize can retire a shrunk worker's goroutine individually instead
	// of leaving it running until the whole pool Closes.
	workerLive []chan struct{}
	wg         sync.WaitGroup
	stop       chan struct{}
	closed     atomic.Bool
	daemon     atomic.Bool
	started    atomic.Bool

	mu     sync.Mutex // guards resize
	rrNext uint64
}

// New constructs a Pool with numWorkers goroutines, defaulting to
// runtime.NumCPU() logical CPUs when numWorkers <= 0.
func New(numWorkers int) *Pool {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	p := &Pool{
		global: make(chan Task, numWorkers*4),
		stop:   make(chan struct{}),
	}
	p.local = make([]*localQueue, numWorkers)
	p.workerLive = make([]chan struct{}, numWorkers)
	for i := range p.local {
		p.local[i] = newLocalQueue(256)
		p.workerLive[i] = make(chan struct{})
	}
	return p
}

// SetDaemon configures whether Close waits for in-flight tasks. Must be
// called before the pool starts (Start or the first Submit); returns
// wsapi.ErrIllegalState otherwise.
func (p *Pool) SetDaemon(daemon bool) error {
	if p.started.Load() {
		return wsapi.ErrIllegalState
	}
	p.daemon.Store(daemon)
	return nil
}

// Start launches the worker goroutines. Calling Submit implicitly
// starts the pool on first use as well, so tests that only need Submit
// need not call Start explicitly.
func (p *Pool) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.local {
		p.wg.Add(1)
		go p.runWorker(i, p.local[i], p.workerLive[i])
	}
}

func (p *Pool) runWorker(id int, lq *localQueue, live chan struct{}) {
	defer p.wg.Done()
	for {
		if t, ok := lq.dequeue(); ok {
			safeRun(t)
			continue
		}
		select {
		case t := <-p.global:
			safeRun(t)
		case <-live:
			// Resize shrank this worker out: requeue whatever Resize
			// didn't already drain, then retire.
			for {
				t, ok := lq.dequeue()
				if !ok {
					return
				}
				safeRun(t)
			}
		case <-p.stop:
			// Drain whatever remains in the local queue and the shared
			// channel before exiting so a non-daemon Close observes every
			// already-submitted task.
			for {
				if t, ok := lq.dequeue(); ok {
					safeRun(t)
					continue
				}
				select {
				case t := <-p.global:
					safeRun(t)
				default:
					return
				}
			}
		}
	}
}

func safeRun(t Task) {
	defer func() { _ = recover() }()
	t()
}

// Submit schedules task, preferring a round-robin local queue and
// falling back to the shared global channel under backpressure.
func (p *Pool) Submit(task func()) error {
	if p.closed.Load() {
		return wsapi.ErrClosed
	}
	p.Start()

	idx := int(atomic.AddUint64(&p.rrNext, 1)) % len(p.local)
	if p.local[idx].enqueue(task) {
		return nil
	}
	select {
	case p.global <- task:
		return nil
	case <-p.stop:
		return wsapi.ErrClosed
	}
}

// NumWorkers reports the configured worker count.
func (p *Pool) NumWorkers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.local)
}

// Resize adjusts worker concurrency at runtime without restarting the
// pool: growing launches one new worker per added slot, shrinking
// retires the highest-numbered workers individually. Tasks queued on
// surviving workers are preserved; tasks pending on removed workers are
// moved to the shared channel, or run inline if it is full.
func (p *Pool) Resize(n int) {
	if n <= 0 {
		n = 1
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	current := len(p.local)
	if n == current {
		return
	}
	if n > current {
		for i := current; i < n; i++ {
			lq := newLocalQueue(256)
			live := make(chan struct{})
			p.local = append(p.local, lq)
			p.workerLive = append(p.workerLive, live)
			if p.started.Load() {
				p.wg.Add(1)
				go p.runWorker(i, lq, live)
			}
		}
		return
	}
	// Shrinking: the removed workers' local queues are dropped, but any
	// task pending there is requeued onto the global channel first. Each
	// retired worker's live channel is closed so its goroutine exits now
	// instead of lingering until Close.
	for i := n; i < current; i++ {
		for {
			t, ok := p.local[i].dequeue()
			if !ok {
				break
			}
			select {
			case p.global <- t:
			default:
				safeRun(t)
			}
		}
		close(p.workerLive[i])
	}
	p.local = p.local[:n]
	p.workerLive = p.workerLive[:n]
}

// Close stops all workers. A daemon pool returns immediately; a
// non-daemon pool (the default) waits for every already-submitted task
// to finish.
func (p *Pool) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	close(p.stop)
	if !p.daemon.Load() {
		p.wg.Wait()
	}
}

var _ wsapi.Executor = (*Pool)(nil)

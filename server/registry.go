package server

import "sync"

// ConnRegistry tracks live connections for broadcast and graceful
// shutdown. It is a pluggable collaborator so callers can substitute
// their own concurrent set, trading mutex contention for copy-on-write
// iteration cost (or something else entirely).
type ConnRegistry interface {
	Add(c *Conn)
	Remove(c *Conn)
	// Snapshot returns a stable slice safe to range over without holding
	// any lock, even if connections are added/removed concurrently.
	Snapshot() []*Conn
	Len() int
}

// MutexRegistry guards a map with a single mutex, favoring low memory
// overhead for servers with many short-lived connections.
type MutexRegistry struct {
	mu    sync.Mutex
	conns map[*Conn]struct{}
}

// NewMutexRegistry constructs a MutexRegistry, the default ConnRegistry.
func NewMutexRegistry() *MutexRegistry {
	return &MutexRegistry{conns: make(map[*Conn]struct{})}
}

func (r *MutexRegistry) Add(c *Conn) {
	r.mu.Lock()
	r.conns[c] = struct{}{}
	r.mu.Unlock()
}

func (r *MutexRegistry) Remove(c *Conn) {
	r.mu.Lock()
	delete(r.conns, c)
	r.mu.Unlock()
}

func (r *MutexRegistry) Snapshot() []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Conn, 0, len(r.conns))
	for c := range r.conns {
		out = append(out, c)
	}
	return out
}

func (r *MutexRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// CopyOnWriteRegistry replaces its backing slice on every Add/Remove,
// trading allocation cost for lock-free, torn-free iteration — a better
// fit for servers that broadcast to every connection far more often
// than they accept or drop one.
type CopyOnWriteRegistry struct {
	mu   sync.Mutex
	list []*Conn
}

// NewCopyOnWriteRegistry constructs a CopyOnWriteRegistry. Pass it as
// Config.Registry for broadcast-heavy workloads.
func NewCopyOnWriteRegistry() *CopyOnWriteRegistry {
	return &CopyOnWriteRegistry{}
}

func (r *CopyOnWriteRegistry) Add(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make([]*Conn, len(r.list)+1)
	copy(next, r.list)
	next[len(r.list)] = c
	r.list = next
}

func (r *CopyOnWriteRegistry) Remove(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make([]*Conn, 0, len(r.list))
	for _, existing := range r.list {
		if existing != c {
			next = append(next, existing)
		}
	}
	r.list = next
}

func (r *CopyOnWriteRegistry) Snapshot() []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.list
}

func (r *CopyOnWriteRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.list)
}

var (
	_ ConnRegistry = (*MutexRegistry)(nil)
	_ ConnRegistry = (*CopyOnWriteRegistry)(nil)
)

// Broadcast sends payload to every currently-registered connection,
// skipping any that are not OPEN.
func (s *Server) Broadcast(binary bool, payload []byte) {
	for _, c := range s.cfg.Registry.Snapshot() {
		_ = c.Send(binary, payload)
	}
}

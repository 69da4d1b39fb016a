package server

import (
	"crypto/tls"
	"time"

	"go.uber.org/zap"

	"github.com/nyxwave/wsreactor/internal/bufpool"
	"github.com/nyxwave/wsreactor/wsapi"
	"github.com/nyxwave/wsreactor/wsproto"
)

// Config bundles everything ListenAndServe needs: listen address,
// worker count, TLS, plus the admission hook, draft list, and
// heartbeat tuning the reactor event loop requires.
type Config struct {
	// ListenAddr is the "host:port" the listener binds to.
	ListenAddr string

	// Handler receives connection lifecycle and message callbacks.
	Handler wsapi.Handler

	// Drafts lists the protocol versions offered during negotiation, in
	// preference order: each handshake uses the first draft that accepts
	// it. Defaults to []wsproto.Draft{wsproto.RFC6455{}}.
	Drafts []wsproto.Draft

	// Subprotocols lists subprotocols this server accepts, in preference
	// order. Empty means no subprotocol is ever negotiated.
	Subprotocols []string

	// TLSConfig, if non-nil, wraps every accepted connection in TLS
	// before the handshake is attempted.
	TLSConfig *tls.Config

	// WorkerCount sizes the decode worker pool. Defaults to
	// runtime.GOMAXPROCS(0) if zero.
	WorkerCount int

	// Daemon controls whether Stop waits for in-flight decode tasks.
	// See internal/workerpool.Pool.SetDaemon.
	Daemon bool

	// TCPNoDelay disables Nagle's algorithm on accepted sockets.
	TCPNoDelay bool

	// RecvBufferSize is the per-read chunk size drawn from the buffer
	// pool (the "RCVBUF" of the 16 KiB reference figure). Defaults to
	// 16384.
	RecvBufferSize int

	// HeartbeatInterval, if non-zero, starts a single endpoint-wide
	// ticker that sweeps the connection registry, pinging idle OPEN
	// connections and force-closing ones that never answered the
	// previous ping.
	HeartbeatInterval time.Duration

	// CloseTimeout bounds how long a locally- or remotely-initiated
	// close handshake is given to complete before the transport is
	// force-closed.
	CloseTimeout time.Duration

	// OnConnect is consulted right after accept, before the handshake is
	// read; returning false drops the connection silently, giving
	// callers a pre-handshake admission veto. It runs synchronously on
	// the accept goroutine, so a slow OnConnect delays further accepts.
	OnConnect func(remoteAddr string) bool

	// Registry overrides the default mutex-guarded ConnRegistry. Pass a
	// NewCopyOnWriteRegistry() for broadcast-heavy workloads, or any
	// type implementing ConnRegistry.
	Registry ConnRegistry

	Metrics wsapi.MetricsSink
	Pool    *bufpool.Pool
	Logger  *zap.Logger
}

func (c *Config) setDefaults() {
	if len(c.Drafts) == 0 {
		c.Drafts = []wsproto.Draft{wsproto.RFC6455{}}
	}
	if c.RecvBufferSize <= 0 {
		c.RecvBufferSize = 16 * 1024
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = 5 * time.Second
	}
	if c.Registry == nil {
		c.Registry = NewMutexRegistry()
	}
	if c.Metrics == nil {
		c.Metrics = wsapi.NopMetrics{}
	}
	if c.Pool == nil {
		c.Pool = bufpool.New(c.RecvBufferSize, 4096)
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

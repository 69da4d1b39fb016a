// Package server implements the reactor-driven WebSocket endpoint: a
// single readiness-selector goroutine dispatches per-connection decode
// and write work to a bounded worker pool as READ/WRITE interest fires,
// and a single endpoint-wide heartbeat ticker sweeps the connection
// registry, so accepting many connections never costs a goroutine (or a
// timer) per connection.
package server

import (
	"bufio"
	"crypto/tls"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nyxwave/wsreactor/internal/workerpool"
	"github.com/nyxwave/wsreactor/reactor"
	"github.com/nyxwave/wsreactor/wsapi"
	"github.com/nyxwave/wsreactor/wsproto"
)

// Server accepts TCP (optionally TLS) connections, performs the RFC
// 6455 upgrade handshake, and runs the reactor loop described in
// package doc.
type Server struct {
	cfg Config

	ln net.Listener
	rc reactor.EventReactor
	wp wsapi.Executor

	connsByFD sync.Map // uintptr(fd) -> *pendingConn

	started  atomic.Bool
	stopOnce sync.Once
	stopped  chan struct{}
	wg       sync.WaitGroup
}

// pendingConn bundles a Conn with the bookkeeping the reactor loop needs
// to gate decode/write dispatch to at most one outstanding task each,
// and to track the fd's current registered interest set so a write
// demand never clobbers a concurrently-gated read interest (or vice
// versa).
type pendingConn struct {
	conn       *Conn
	decodeBusy atomic.Bool
	writeBusy  atomic.Bool

	interestMu sync.Mutex
	interest   reactor.Interest
}

func newTLSServerConn(nc net.Conn, cfg *tls.Config) net.Conn {
	return tls.Server(nc, cfg)
}

func NewServer(cfg Config) *Server {
	cfg.setDefaults()
	return &Server{cfg: cfg, stopped: make(chan struct{})}
}

// ListenAndServe binds cfg.ListenAddr, starts the reactor and worker
// pool, and runs the accept loop until Stop is called. It blocks until
// the listener is closed. A Server is one-shot: a second call, on the
// same instance, whether concurrent or after the first has returned,
// fails with wsapi.ErrAlreadyStarted instead of binding the address
// again.
func (s *Server) ListenAndServe() error {
	if !s.started.CompareAndSwap(false, true) {
		return wsapi.ErrAlreadyStarted
	}

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.ln = ln

	rc, err := reactor.New()
	if err != nil {
		_ = ln.Close()
		return err
	}
	s.rc = rc

	workers := s.cfg.WorkerCount
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	pool := workerpool.New(workers)
	if err := pool.SetDaemon(s.cfg.Daemon); err != nil {
		s.cfg.Logger.Warn("SetDaemon after start", zap.Error(err))
	}
	s.wp = pool

	s.wg.Add(2)
	go s.acceptLoop()
	go s.reactorLoop()
	if s.cfg.HeartbeatInterval > 0 {
		s.wg.Add(1)
		go s.runHeartbeat(s.cfg.HeartbeatInterval)
	}

	if sh, ok := s.cfg.Handler.(wsapi.ServerHandler); ok {
		sh.OnStart()
	}

	<-s.stopped
	s.wg.Wait()
	return nil
}

// Stop closes the listener, starts a 1001 close handshake on every
// registered connection, waits up to timeout for them to finish,
// force-closes stragglers, and then closes the reactor and worker pool.
func (s *Server) Stop(timeout time.Duration) {
	s.stopOnce.Do(func() {
		_ = s.ln.Close()
		deadline := time.Now().Add(timeout)
		for _, c := range s.cfg.Registry.Snapshot() {
			_ = c.Close(wsapi.CloseGoingAway, "server shutting down")
		}
		for time.Now().Before(deadline) && s.cfg.Registry.Len() > 0 {
			time.Sleep(5 * time.Millisecond)
		}
		for _, c := range s.cfg.Registry.Snapshot() {
			c.proto.ForceClose(wsapi.CloseAbnormal, false)
			s.finalizeConn(c)
		}
		_ = s.rc.Close()
		s.wp.Close()
		close(s.stopped)
	})
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			return
		}
		if s.cfg.OnConnect != nil && !s.cfg.OnConnect(nc.RemoteAddr().String()) {
			_ = nc.Close()
			continue
		}
		go s.handshakeAndRegister(nc)
	}
}

func (s *Server) handshakeAndRegister(nc net.Conn) {
	fd, _ := rawFD(nc)
	if tcp, ok := nc.(*net.TCPConn); ok && s.cfg.TCPNoDelay {
		_ = tcp.SetNoDelay(true)
	}

	if s.cfg.TLSConfig != nil {
		tlsConn := newTLSServerConn(nc, s.cfg.TLSConfig)
		nc = tlsConn
	}

	_ = nc.SetReadDeadline(time.Now().Add(10 * time.Second))
	br := bufio.NewReader(nc)
	req, err := wsproto.ReadHandshakeRequest(br)
	if err != nil {
		_ = nc.Close()
		return
	}

	var draft wsproto.Draft
	var resp *wsproto.HandshakeResponse
	for _, d := range s.cfg.Drafts {
		if r, err := d.AcceptHandshakeAsServer(req, s.cfg.Subprotocols); err == nil {
			draft, resp = d, r
			break
		}
	}
	if resp == nil {
		_ = nc.Close()
		return
	}
	if err := wsproto.WriteHandshakeResponse(nc, resp); err != nil {
		_ = nc.Close()
		return
	}
	_ = nc.SetReadDeadline(time.Time{})

	wrapped := &fdConn{Conn: nc, fd: fd}
	conn := newConn(wrapped, fd, req.Path, resp.Subprotocol)
	if fd != 0 {
		conn.writeDemand = func() { s.requestWrite(fd) }
	} else {
		conn.fallbackSignal = make(chan struct{}, 1)
		conn.writeDemand = conn.signalFallbackWrite
	}

	conn.proto = wsproto.New(wsproto.Config{
		Role:          wsproto.RoleServer,
		Draft:         draft,
		NetConn:       wrapped,
		Handler:       s.cfg.Handler,
		OnWriteDemand: conn.signalWrite,
		Metrics:       s.cfg.Metrics,
		Self:          conn,
		CloseTimeout:  s.cfg.CloseTimeout,
		Logger:        s.cfg.Logger,
		RemoteAddr:    nc.RemoteAddr().String(),
	})
	conn.proto.MarkOpen()
	s.cfg.Registry.Add(conn)

	if leftover := br.Buffered(); leftover > 0 {
		buf := make([]byte, leftover)
		_, _ = br.Read(buf)
		conn.proto.Feed(buf)
	}

	if fd == 0 {
		// Non-fd-backed transport (shouldn't happen for net.TCPConn, but
		// keeps the server usable against an in-memory net.Pipe in tests):
		// fall back to a dedicated blocking reader goroutine and a
		// dedicated fallback writer instead of reactor registration.
		go s.fallbackWriterLoop(conn)
		go s.blockingReadLoop(conn)
		return
	}

	pc := &pendingConn{conn: conn, interest: reactor.InterestRead}
	s.connsByFD.Store(fd, pc)
	_ = s.rc.Register(fd, fd, reactor.InterestRead)
}

// fallbackWriterLoop drains c's outQueue for the non-fd fallback path,
// the one case where a dedicated per-connection writer goroutine is
// unavoidable because there is no fd to register WRITE interest on.
func (s *Server) fallbackWriterLoop(c *Conn) {
	for {
		select {
		case <-c.fallbackSignal:
		case <-s.stopped:
			return
		}
		for {
			buf, ok := c.proto.PopOutbound()
			if !ok {
				break
			}
			if _, err := c.nc.Write(buf); err != nil {
				c.proto.IOFailed(err)
				s.finalizeConn(c)
				return
			}
		}
		if c.proto.ReadyToFinalize() {
			c.proto.ForceClose(c.proto.CloseCode(), false)
			s.finalizeConn(c)
			return
		}
		if c.proto.State() == wsproto.Closed {
			return
		}
	}
}

// blockingReadLoop is the fallback path for transports the reactor
// cannot register (no raw fd). It decodes each read inline on its own
// goroutine; the worker pool is not used on this path.
func (s *Server) blockingReadLoop(c *Conn) {
	for {
		buf := s.cfg.Pool.Get()
		n, err := c.nc.Read(buf.Bytes())
		if err != nil {
			buf.Release()
			c.proto.IOFailed(err)
			s.finalizeConn(c)
			return
		}
		data := append([]byte(nil), buf.Bytes()[:n]...)
		buf.Release()
		c.proto.Feed(data)
		if c.proto.State() == wsproto.Closed {
			s.finalizeConn(c)
			return
		}
	}
}

// reactorLoop is the single selector thread: it waits for readiness,
// then hands each ready connection's decode or write work to the
// worker pool, pausing whichever interest just fired until its task
// completes so at most one decode and one write are ever in flight per
// connection. WRITE interest is cleared when a write task is dispatched
// and added back by requestWrite whenever more outbound data is queued;
// READ is left untouched by writes.
func (s *Server) reactorLoop() {
	defer s.wg.Done()
	events := make([]reactor.Event, 0, 256)
	for {
		select {
		case <-s.stopped:
			return
		default:
		}

		var err error
		events, err = s.rc.Wait(events[:0], 50*time.Millisecond)
		if err != nil {
			return
		}

		for _, ev := range events {
			v, ok := s.connsByFD.Load(ev.Fd)
			if !ok {
				continue
			}
			pc := v.(*pendingConn)

			if ev.Error {
				s.handleFDError(pc)
				continue
			}
			if ev.Readable && pc.decodeBusy.CompareAndSwap(false, true) {
				s.setInterest(ev.Fd, pc, 0, reactor.InterestRead)
				s.dispatchDecode(pc)
			}
			if ev.Writable && pc.writeBusy.CompareAndSwap(false, true) {
				s.setInterest(ev.Fd, pc, 0, reactor.InterestWrite)
				s.dispatchWrite(pc)
			}
		}

		s.sweepClosing()
	}
}

// setInterest OR/AND-masks add/remove into pc's tracked interest set
// and pushes the result to the reactor, so concurrent read-gating and
// write-demand updates (from the reactor thread and from worker/app
// goroutines calling requestWrite) never race each other into clobbering
// the other half of the bitmask.
func (s *Server) setInterest(fd uintptr, pc *pendingConn, add, remove reactor.Interest) {
	pc.interestMu.Lock()
	pc.interest = (pc.interest | add) &^ remove
	next := pc.interest
	pc.interestMu.Unlock()
	_ = s.rc.Modify(fd, next)
}

// requestWrite is wsproto.Connection's OnWriteDemand hook for fd-backed
// connections: it adds WRITE to the fd's interest set so the reactor
// wakes and dispatches a write task next time it's selectable.
func (s *Server) requestWrite(fd uintptr) {
	v, ok := s.connsByFD.Load(fd)
	if !ok {
		return
	}
	s.setInterest(fd, v.(*pendingConn), reactor.InterestWrite, 0)
}

func (s *Server) dispatchDecode(pc *pendingConn) {
	err := s.wp.Submit(func() {
		defer pc.decodeBusy.Store(false)
		buf := s.cfg.Pool.Get()
		n, err := pc.conn.nc.Read(buf.Bytes())
		if err != nil {
			buf.Release()
			pc.conn.proto.IOFailed(err)
			s.finalizeConn(pc.conn)
			return
		}
		data := append([]byte(nil), buf.Bytes()[:n]...)
		buf.Release()
		pc.conn.proto.Feed(data)

		if pc.conn.proto.State() == wsproto.Closed {
			s.finalizeConn(pc.conn)
			return
		}
		if fd, ok := pc.conn.nc.RawFD(); ok {
			s.setInterest(fd, pc, reactor.InterestRead, 0)
		}
	})
	if err != nil {
		pc.decodeBusy.Store(false)
	}
}

// dispatchWrite drains pc's outQueue on the worker pool rather than the
// reactor thread itself, keeping net.Conn.Write's blocking behavior off
// the single selector goroutine.
func (s *Server) dispatchWrite(pc *pendingConn) {
	err := s.wp.Submit(func() {
		defer pc.writeBusy.Store(false)
		for {
			buf, ok := pc.conn.proto.PopOutbound()
			if !ok {
				break
			}
			if _, err := pc.conn.nc.Write(buf); err != nil {
				pc.conn.proto.IOFailed(err)
				s.finalizeConn(pc.conn)
				return
			}
		}
		if pc.conn.proto.ReadyToFinalize() {
			pc.conn.proto.ForceClose(pc.conn.proto.CloseCode(), false)
			s.finalizeConn(pc.conn)
		}
	})
	if err != nil {
		pc.writeBusy.Store(false)
	}
}

func (s *Server) handleFDError(pc *pendingConn) {
	pc.conn.proto.IOFailed(wsapi.ErrClosed)
	s.finalizeConn(pc.conn)
}

// sweepClosing force-closes any connection whose close handshake has
// exceeded its deadline.
func (s *Server) sweepClosing() {
	for _, c := range s.cfg.Registry.Snapshot() {
		if c.proto.CloseDeadlineElapsed() {
			c.proto.ForceClose(wsapi.CloseAbnormal, false)
			s.finalizeConn(c)
		}
	}
}

func (s *Server) finalizeConn(c *Conn) {
	if fd, ok := c.nc.RawFD(); ok && fd != 0 {
		_ = s.rc.Unregister(fd)
		s.connsByFD.Delete(fd)
	}
	s.cfg.Registry.Remove(c)
}

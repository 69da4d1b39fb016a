package wsproto

import (
	"sync"
	"time"
	"unicode/utf8"

	"github.com/eapache/queue"
	"go.uber.org/zap"

	"github.com/nyxwave/wsreactor/wsapi"
	"github.com/nyxwave/wsreactor/wslog"
)

// ReadyState is the four-valued connection lifecycle. Transitions are
// monotone: once Closed, terminal.
type ReadyState int32

const (
	NotYetConnected ReadyState = iota
	Open
	Closing
	Closed
)

func (s ReadyState) String() string {
	switch s {
	case NotYetConnected:
		return "NOT_YET_CONNECTED"
	case Open:
		return "OPEN"
	case Closing:
		return "CLOSING"
	case Closed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Role governs masking: CLIENT masks outbound payloads,
// SERVER must reject unmasked inbound data frames and must not mask
// outbound frames.
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

// closeInitiator records who started the closing handshake.
type closeInitiator int

const (
	initiatorNone closeInitiator = iota
	initiatorLocal
	initiatorRemote
)

// reassembly holds the in-progress fragmented message
// ("only exists during a fragmented message").
type reassembly struct {
	active bool
	opcode Opcode
	buf    []byte
}

// Connection is the per-socket protocol state machine, built around a
// streaming FrameCodec and the full RFC 6455 close handshake rather
// than a fire-and-forget recv/send-loop pair.
type Connection struct {
	role  Role
	draft Draft
	nc    wsapi.NetConn

	handler   wsapi.Handler
	fragHook  wsapi.FragmentHandler // optional, deprecated per-fragment hook

	// self is the value passed to Handler callbacks in place of the
	// Connection itself, letting the owning server or client package
	// hand applications its own richer connection handle (server.Conn,
	// client.Conn) instead of exposing this type directly.
	self any

	// onWriteDemand notifies the owning reactor/writer that outQueue has
	// data.
	onWriteDemand func()
	closeTimeout  time.Duration

	mu    sync.Mutex
	state ReadyState

	rx   []byte // inbound accumulator; grows only as far as one frame's declared length allows
	asm  reassembly

	outQueue   *queue.Queue // FIFO of already-encoded, wire-ready []byte
	closeSent  bool         // close-finality invariant

	closeCode       int
	closeReason     string
	closeInitiator  closeInitiator
	closeDeadline   time.Time

	// heartbeat bookkeeping
	lastFrameAt     time.Time
	pingOutstanding bool

	metrics wsapi.MetricsSink

	logger     *zap.Logger
	remoteAddr string
}

// Config bundles the construction-time collaborators for a Connection.
type Config struct {
	Role          Role
	Draft         Draft
	NetConn       wsapi.NetConn
	Handler       wsapi.Handler
	FragmentHook  wsapi.FragmentHandler
	OnWriteDemand func()
	Metrics       wsapi.MetricsSink
	Self          any

	// CloseTimeout bounds how long the closing handshake may take before
	// the connection is force-closed. Defaults to 5s.
	CloseTimeout time.Duration

	// Logger receives structured connection/frame events via the wslog
	// helpers. Defaults to zap.NewNop().
	Logger *zap.Logger

	// RemoteAddr labels log events emitted for this connection.
	RemoteAddr string
}

// New constructs a Connection in NotYetConnected state.
func New(cfg Config) *Connection {
	m := cfg.Metrics
	if m == nil {
		m = wsapi.NopMetrics{}
	}
	closeTimeout := cfg.CloseTimeout
	if closeTimeout <= 0 {
		closeTimeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Connection{
		role:          cfg.Role,
		draft:         cfg.Draft,
		nc:            cfg.NetConn,
		handler:       cfg.Handler,
		fragHook:      cfg.FragmentHook,
		onWriteDemand: cfg.OnWriteDemand,
		closeTimeout:  closeTimeout,
		state:         NotYetConnected,
		outQueue:      queue.New(),
		metrics:       m,
		lastFrameAt:   time.Now(),
		self:          cfg.Self,
		logger:        logger,
		remoteAddr:    cfg.RemoteAddr,
	}
	if c.self == nil {
		c.self = c
	}
	return c
}

// State returns the current ready-state.
func (c *Connection) State() ReadyState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// NetConn exposes the underlying transport for TLS-session inspection
// and deadline management.
func (c *Connection) NetConn() wsapi.NetConn { return c.nc }

// MarkOpen transitions NotYetConnected → Open and fires OnOpen. Called
// once the handshake completes.
func (c *Connection) MarkOpen() {
	c.mu.Lock()
	if c.state != NotYetConnected {
		c.mu.Unlock()
		return
	}
	c.state = Open
	c.lastFrameAt = time.Now()
	c.mu.Unlock()

	c.logger.Info("connection open", wslog.Connection(c.remoteAddr, "open")...)
	c.metrics.IncConnections(1)
	if c.handler != nil {
		c.handler.OnOpen(c.self)
	}
}

// FailHandshake transitions NotYetConnected → Closed without ever
// opening.
func (c *Connection) FailHandshake(err error) {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return
	}
	c.state = Closed
	c.mu.Unlock()

	_ = c.nc.Close()
	if c.handler != nil {
		c.handler.OnError(c.self, err)
		c.handler.OnClose(c.self, wsapi.CloseProtocolError, "handshake failed", false)
	}
}

// Feed decodes newly-read bytes: it appends data to the
// inbound accumulator, decodes as many complete frames as are present,
// and dispatches each. Feed must be called at most once concurrently per
// connection.
func (c *Connection) Feed(data []byte) {
	c.mu.Lock()
	if c.state != Open && c.state != Closing {
		c.mu.Unlock()
		return
	}
	c.rx = append(c.rx, data...)
	rx := c.rx
	c.mu.Unlock()

	consumedTotal := 0
	for {
		frame, consumed, err := Decode(rx[consumedTotal:])
		if err != nil {
			c.abort(err)
			consumedTotal = len(rx) // drop whatever remains; connection is closing
			break
		}
		if consumed == 0 {
			break
		}
		consumedTotal += consumed
		c.dispatch(frame)

		c.mu.Lock()
		closed := c.state == Closed
		c.mu.Unlock()
		if closed {
			break
		}
	}

	c.mu.Lock()
	remaining := len(c.rx) - consumedTotal
	if remaining > 0 && consumedTotal > 0 {
		copy(c.rx, c.rx[consumedTotal:])
		c.rx = c.rx[:remaining]
	} else if consumedTotal >= len(c.rx) {
		c.rx = c.rx[:0]
	}
	c.mu.Unlock()
}

// dispatch validates masking, updates heartbeat bookkeeping, handles
// control frames inline, and reassembles data frames.
func (c *Connection) dispatch(f *Frame) {
	c.mu.Lock()
	c.lastFrameAt = time.Now()
	c.pingOutstanding = false
	c.mu.Unlock()

	if ce := c.logger.Check(zap.DebugLevel, "frame recv"); ce != nil {
		ce.Write(wslog.Frame("recv", byte(f.Opcode), len(f.Payload))...)
	}

	c.metrics.IncFramesRecv(1)
	c.metrics.IncBytesRecv(int64(len(f.Payload)))

	// Role invariant: a SERVER must reject unmasked frames
	// from a client; a CLIENT must reject masked frames from a server.
	if c.role == RoleServer && !f.Masked {
		c.abort(wsapi.NewProtocolError(wsapi.CloseProtocolError, "unmasked frame from client"))
		return
	}
	if c.role == RoleClient && f.Masked {
		c.abort(wsapi.NewProtocolError(wsapi.CloseProtocolError, "masked frame from server"))
		return
	}

	c.mu.Lock()
	acceptingApplication := c.state == Open
	c.mu.Unlock()

	switch {
	case f.Opcode.IsControl():
		c.handleControl(f)
	case f.Opcode == OpContinuation:
		c.handleContinuation(f, acceptingApplication)
	case f.Opcode == OpText || f.Opcode == OpBinary:
		c.handleFirstFragment(f, acceptingApplication)
	default:
		c.abort(wsapi.NewProtocolError(wsapi.CloseProtocolError, "unexpected opcode"))
	}
}

func (c *Connection) handleFirstFragment(f *Frame, deliverable bool) {
	c.mu.Lock()
	if c.asm.active {
		c.mu.Unlock()
		c.abort(wsapi.NewProtocolError(wsapi.CloseProtocolError, "data frame interleaved with fragmented message"))
		return
	}
	c.mu.Unlock()

	if c.fragHook != nil {
		c.fragHook.OnFragment(c.self, byte(f.Opcode), f.Fin, f.Payload)
	}

	if f.Fin {
		c.deliverMessage(f.Opcode, f.Payload, deliverable)
		return
	}

	c.mu.Lock()
	c.asm = reassembly{active: true, opcode: f.Opcode, buf: append([]byte(nil), f.Payload...)}
	c.mu.Unlock()
}

func (c *Connection) handleContinuation(f *Frame, deliverable bool) {
	c.mu.Lock()
	if !c.asm.active {
		c.mu.Unlock()
		c.abort(wsapi.NewProtocolError(wsapi.CloseProtocolError, "continuation without preceding data frame"))
		return
	}
	c.asm.buf = append(c.asm.buf, f.Payload...)
	opcode := c.asm.opcode
	fin := f.Fin
	var full []byte
	if fin {
		full = c.asm.buf
		c.asm = reassembly{}
	}
	c.mu.Unlock()

	if c.fragHook != nil {
		c.fragHook.OnFragment(c.self, byte(OpContinuation), fin, f.Payload)
	}

	if fin {
		c.deliverMessage(opcode, full, deliverable)
	}
}

// deliverMessage validates UTF-8 for TEXT messages and hands the
// assembled message to the application, unless a CLOSE has already
// been sent locally: accepted for protocol compliance but not
// delivered.
func (c *Connection) deliverMessage(opcode Opcode, payload []byte, deliverable bool) {
	if opcode == OpText && !utf8.Valid(payload) {
		c.abort(wsapi.NewProtocolError(wsapi.CloseNoUTF8, "invalid UTF-8 in text message"))
		return
	}
	if !deliverable || c.handler == nil {
		return
	}
	c.handler.OnMessage(c.self, wsapi.Message{Binary: opcode == OpBinary, Payload: payload})
}

// handleControl implements PING/PONG/CLOSE rows.
func (c *Connection) handleControl(f *Frame) {
	switch f.Opcode {
	case OpPing:
		_ = c.enqueueFrame(OpPong, f.Payload, true)
	case OpPong:
		// pingOutstanding already cleared in dispatch's lastFrameAt/pingOutstanding update.
	case OpClose:
		c.handleCloseFrame(f)
	default:
		c.abort(wsapi.NewProtocolError(wsapi.CloseProtocolError, "unexpected control opcode"))
	}
}

func parseCloseFramePayload(payload []byte) (code int, reason string) {
	if len(payload) < 2 {
		return wsapi.CloseNormal, ""
	}
	code = int(payload[0])<<8 | int(payload[1])
	reason = string(payload[2:])
	return
}

func (c *Connection) handleCloseFrame(f *Frame) {
	code, reason := parseCloseFramePayload(f.Payload)

	c.mu.Lock()
	switch c.state {
	case Open:
		c.state = Closing
		c.closeInitiator = initiatorRemote
		c.closeCode = code
		c.closeReason = reason
		c.closeDeadline = time.Now().Add(c.closeTimeout)
		c.mu.Unlock()
		// Echo the close with the same code.
		_ = c.enqueueFrame(OpClose, f.Payload, true)
		return
	case Closing:
		// Remote echoed our locally-initiated close: outQueue drain will
		// finish the handshake once our own CLOSE (already enqueued) is
		// sent.
		c.mu.Unlock()
		return
	default:
		c.mu.Unlock()
		return
	}
}

// Send enqueues a single, non-fragmented application message. Returns
// ErrNotConnected if the connection is not OPEN or a CLOSE has already
// been sent.
func (c *Connection) Send(binary bool, payload []byte) error {
	op := OpText
	if binary {
		op = OpBinary
	}
	return c.enqueueFrame(op, payload, true)
}

// SendFragmented splits payload into ceil(len/fragmentSize) frames
// (first TEXT/BINARY, rest CONT), realizing scenario 3.
func (c *Connection) SendFragmented(binary bool, payload []byte, fragmentSize int) error {
	if fragmentSize <= 0 {
		return c.Send(binary, payload)
	}
	op := OpText
	if binary {
		op = OpBinary
	}
	if len(payload) == 0 {
		return c.enqueueFrame(op, nil, true)
	}
	for start := 0; start < len(payload); start += fragmentSize {
		end := start + fragmentSize
		if end > len(payload) {
			end = len(payload)
		}
		fin := end == len(payload)
		if err := c.enqueueFrame(op, payload[start:end], fin); err != nil {
			return err
		}
		op = OpContinuation
	}
	return nil
}

// Ping enqueues an application-level PING.
func (c *Connection) Ping(payload []byte) error {
	c.mu.Lock()
	c.pingOutstanding = true
	c.mu.Unlock()
	return c.enqueueFrame(OpPing, payload, true)
}

// PongOutstanding reports whether a PING sent by the last heartbeat tick
// has not yet been answered by a PONG or any other frame.
func (c *Connection) PongOutstanding() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pingOutstanding
}

// IdleSince reports how long it has been since any frame was received.
func (c *Connection) IdleSince() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastFrameAt)
}

// enqueueFrame is the single choke point for outbound frames: it
// enforces close-finality, applies role-correct masking, and notifies the
// writer via onWriteDemand.
func (c *Connection) enqueueFrame(opcode Opcode, payload []byte, fin bool) error {
	c.mu.Lock()
	if c.state == Closed || c.state == NotYetConnected {
		c.mu.Unlock()
		return wsapi.ErrNotConnected
	}
	if c.closeSent {
		c.mu.Unlock()
		return wsapi.ErrNotConnected
	}
	if opcode == OpClose {
		c.closeSent = true
	}
	c.mu.Unlock()

	mask := c.role == RoleClient
	frames := c.draft.CreateFrames(opcode, payload, fin)
	for _, fr := range frames {
		encoded, err := Encode(fr.Opcode, fr.Payload, fr.Fin, mask)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.outQueue.Add(encoded)
		c.mu.Unlock()
		c.metrics.IncFramesSent(1)
		c.metrics.IncBytesSent(int64(len(fr.Payload)))
	}
	if c.onWriteDemand != nil {
		c.onWriteDemand()
	}
	return nil
}

// PopOutbound removes and returns the oldest queued wire buffer, for the
// writer (reactor or client writer goroutine) to write out in FIFO
// order.
func (c *Connection) PopOutbound() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outQueue.Length() == 0 {
		return nil, false
	}
	v := c.outQueue.Remove()
	return v.([]byte), true
}

// HasPendingOutbound reports whether the outQueue is non-empty.
func (c *Connection) HasPendingOutbound() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outQueue.Length() > 0
}

// Close initiates a local close.
func (c *Connection) Close(code int, reason string) error {
	c.mu.Lock()
	if c.state != Open {
		c.mu.Unlock()
		if c.state == Closed {
			return wsapi.ErrNotConnected
		}
		return nil
	}
	c.state = Closing
	c.closeInitiator = initiatorLocal
	c.closeCode = code
	c.closeReason = reason
	c.closeDeadline = time.Now().Add(c.closeTimeout)
	c.mu.Unlock()

	payload := make([]byte, 2+len(reason))
	payload[0] = byte(code >> 8)
	payload[1] = byte(code)
	copy(payload[2:], reason)
	return c.enqueueFrame(OpClose, payload, true)
}

// abort is the internal path for protocol/policy errors detected during
// Feed: it reports the error, then behaves like a local Close using the
// error's close code ("Surfaces as a close with 1002 (or
// 1007/1009)").
func (c *Connection) abort(err error) {
	code := wsapi.CloseProtocolError
	if e, ok := err.(*wsapi.Error); ok && e.CloseCode != 0 {
		code = e.CloseCode
	}
	c.logger.Warn("connection abort", append(wslog.Connection(c.remoteAddr, "abort"), zap.Error(err))...)
	if c.handler != nil {
		c.handler.OnError(c.self, err)
	}
	c.mu.Lock()
	alreadyClosing := c.state != Open
	c.mu.Unlock()
	if alreadyClosing {
		c.ForceClose(code, false)
		return
	}
	_ = c.Close(code, "")
}

// CloseDeadlineElapsed reports whether the close handshake started but
// has not completed within its deadline.
func (c *Connection) CloseDeadlineElapsed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == Closing && !c.closeDeadline.IsZero() && time.Now().After(c.closeDeadline)
}

// CloseCode returns the close code negotiated for this connection's
// handshake: whichever side initiated, Close/handleCloseFrame record
// it here before the state transitions to Closing.
func (c *Connection) CloseCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

// ReadyToFinalize reports whether the connection is in the CLOSING state
// and its outQueue has fully drained, meaning the transport may now be
// closed.
func (c *Connection) ReadyToFinalize() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == Closing && c.outQueue.Length() == 0
}

// ForceClose transitions to CLOSED unconditionally: closes the
// transport and fires OnClose exactly once.
func (c *Connection) ForceClose(code int, remoteInitiated bool) {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return
	}
	reason := c.closeReason
	remote := remoteInitiated || c.closeInitiator == initiatorRemote
	c.state = Closed
	c.mu.Unlock()

	_ = c.nc.Close()
	c.logger.Info("connection closed", append(wslog.Connection(c.remoteAddr, "close"), zap.Int("code", code), zap.Bool("remote", remote))...)
	c.metrics.ObserveCloseCode(code)
	c.metrics.IncConnections(-1)
	if c.handler != nil {
		c.handler.OnClose(c.self, code, reason, remote)
	}
}

// IOFailed reports an I/O error observed by the reactor or client
// reader/writer, transitioning straight to CLOSED with code 1006.
func (c *Connection) IOFailed(err error) {
	if c.handler != nil {
		c.handler.OnError(c.self, err)
	}
	c.ForceClose(wsapi.CloseAbnormal, false)
}

package server

import (
	"crypto/tls"

	"github.com/nyxwave/wsreactor/wsapi"
	"github.com/nyxwave/wsreactor/wsproto"
)

// Conn is the server-side handle passed to application callbacks as the
// connection parameter. It pairs the protocol state machine with the
// underlying transport. Writes are driven by the reactor's WRITE
// interest (see Server.requestWrite); writeDemand is the hook
// wsproto.Connection calls whenever it enqueues outbound bytes.
type Conn struct {
	proto *wsproto.Connection
	nc    wsapi.NetConn
	fd    uintptr

	writeDemand    func()
	fallbackSignal chan struct{}
	path           string
	subprotocol    string
}

func newConn(nc wsapi.NetConn, fd uintptr, path, subprotocol string) *Conn {
	return &Conn{
		nc:          nc,
		fd:          fd,
		path:        path,
		subprotocol: subprotocol,
	}
}

func (c *Conn) signalWrite() {
	if c.writeDemand != nil {
		c.writeDemand()
	}
}

// signalFallbackWrite is writeDemand for the rare non-fd transport that
// can't be registered with the reactor (see Server.blockingReadLoop):
// it wakes the dedicated fallback writer goroutine instead of going
// through WRITE-interest.
func (c *Conn) signalFallbackWrite() {
	select {
	case c.fallbackSignal <- struct{}{}:
	default:
	}
}

// Path returns the request path the client dialed.
func (c *Conn) Path() string { return c.path }

// Subprotocol returns the subprotocol negotiated during the handshake,
// or "" if none was requested or matched.
func (c *Conn) Subprotocol() string { return c.subprotocol }

// Send queues a single application message.
func (c *Conn) Send(binary bool, payload []byte) error {
	return c.proto.Send(binary, payload)
}

// SendFragmented queues payload split into fragmentSize-byte frames.
func (c *Conn) SendFragmented(binary bool, payload []byte, fragmentSize int) error {
	return c.proto.SendFragmented(binary, payload, fragmentSize)
}

// Close initiates the RFC 6455 closing handshake.
func (c *Conn) Close(code int, reason string) error {
	return c.proto.Close(code, reason)
}

// State reports the connection's ready-state.
func (c *Conn) State() wsproto.ReadyState { return c.proto.State() }

func (c *Conn) tlsConn() (*tls.Conn, bool) {
	fc, ok := c.nc.(*fdConn)
	if !ok {
		return nil, false
	}
	tc, ok := fc.Conn.(*tls.Conn)
	return tc, ok
}

// HasSSLSupport reports whether this connection is TLS-wrapped.
func (c *Conn) HasSSLSupport() bool {
	_, ok := c.tlsConn()
	return ok
}

// SSLSession returns the negotiated TLS connection state, or
// wsapi.ErrIllegalState if this connection is not TLS-wrapped.
func (c *Conn) SSLSession() (tls.ConnectionState, error) {
	tc, ok := c.tlsConn()
	if !ok {
		return tls.ConnectionState{}, wsapi.ErrIllegalState
	}
	return tc.ConnectionState(), nil
}

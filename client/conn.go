package client

import (
	"crypto/tls"
	"sync"

	"github.com/nyxwave/wsreactor/wsapi"
	"github.com/nyxwave/wsreactor/wsproto"
)

// Conn is the client-side handle passed to Handler callbacks.
type Conn struct {
	proto *wsproto.Connection
	nc    wsapi.NetConn

	writeSignal chan struct{}
	closeSignal sync.Once
	subprotocol string
}

func newConn(nc wsapi.NetConn, subprotocol string) *Conn {
	return &Conn{nc: nc, writeSignal: make(chan struct{}, 1), subprotocol: subprotocol}
}

func (c *Conn) signalWrite() {
	select {
	case c.writeSignal <- struct{}{}:
	default:
	}
}

// stopWriter unblocks the writer goroutine once this connection is
// finalized, even if no further outbound data is ever enqueued.
func (c *Conn) stopWriter() {
	c.closeSignal.Do(func() { close(c.writeSignal) })
}

// Subprotocol returns the subprotocol the server accepted, or "".
func (c *Conn) Subprotocol() string { return c.subprotocol }

// Send queues a single application message.
func (c *Conn) Send(binary bool, payload []byte) error {
	return c.proto.Send(binary, payload)
}

// SendFragmented queues payload split across fragmentSize-byte frames.
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
	pc, ok := c.nc.(plainNetConn)
	if !ok {
		return nil, false
	}
	tc, ok := pc.Conn.(*tls.Conn)
	return tc, ok
}

// HasSSLSupport reports whether this connection is TLS-wrapped.
func (c *Conn) HasSSLSupport() bool {
	_, ok := c.tlsConn()
	return ok
}

// SSLSession returns the negotiated TLS connection state, or
// wsapi.ErrIllegalState if the connection is not TLS-wrapped.
func (c *Conn) SSLSession() (tls.ConnectionState, error) {
	tc, ok := c.tlsConn()
	if !ok {
		return tls.ConnectionState{}, wsapi.ErrIllegalState
	}
	return tc.ConnectionState(), nil
}

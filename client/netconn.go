package client

import "net"

// plainNetConn adapts net.Conn to wsapi.NetConn. The client drives I/O
// from a dedicated blocking reader goroutine rather than a reactor, so
// RawFD is never consulted; it always reports itself as not fd-backed.
type plainNetConn struct {
	net.Conn
}

func (plainNetConn) RawFD() (uintptr, bool) { return 0, false }

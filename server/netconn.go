package server

import (
	"net"
	"syscall"
)

// fdConn adapts a net.Conn (plain or TLS-wrapped) to wsapi.NetConn by
// remembering the accepted socket's raw file descriptor alongside it,
// captured once at accept time via SyscallConn before any TLS wrapping.
// Reads/writes still go through the ordinary net.Conn so TLS record
// framing is handled by crypto/tls as usual; the fd is only used to
// register the connection's readability with the reactor.
type fdConn struct {
	net.Conn
	fd uintptr
}

func (c *fdConn) RawFD() (uintptr, bool) { return c.fd, c.fd != 0 }

// rawFD extracts the OS file descriptor backing a net.Conn that
// supports SyscallConn (TCPConn, UnixConn), or (0, false) otherwise.
func rawFD(c net.Conn) (uintptr, bool) {
	sc, ok := c.(syscall.Conn)
	if !ok {
		return 0, false
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return 0, false
	}
	var fd uintptr
	if err := raw.Control(func(f uintptr) { fd = f }); err != nil {
		return 0, false
	}
	return fd, true
}

package wsapi

import "time"

// NetConn abstracts the underlying byte channel (plain TCP or
// TLS-wrapped) a Connection reads and writes through
// ("a reference to the underlying byte channel"). net.Conn satisfies
// this directly; it is narrowed here so protocol code depends on the
// minimal surface it actually needs.
type NetConn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error

	// RawFD exposes the OS file descriptor for reactor registration.
	// Returns (0, false) for connections that are not fd-backed. A
	// TLS-wrapped server connection reports the fd of its underlying
	// TCP socket.
	RawFD() (uintptr, bool)
}

// MetricsSink receives counters for observability. A nil sink in a
// server, client or connection Config is replaced by NopMetrics.
type MetricsSink interface {
	IncConnections(delta int64)
	IncFramesRecv(delta int64)
	IncFramesSent(delta int64)
	IncBytesRecv(delta int64)
	IncBytesSent(delta int64)
	ObserveCloseCode(code int)
}

// NopMetrics is the default no-op MetricsSink.
type NopMetrics struct{}

func (NopMetrics) IncConnections(int64) {}
func (NopMetrics) IncFramesRecv(int64)  {}
func (NopMetrics) IncFramesSent(int64)  {}
func (NopMetrics) IncBytesRecv(int64)   {}
func (NopMetrics) IncBytesSent(int64)   {}
func (NopMetrics) ObserveCloseCode(int) {}

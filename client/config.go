// Package client implements the connection-driver side of the protocol:
// dial, perform the RFC 6455 upgrade handshake, then run a reader
// goroutine and a writer goroutine around the same wsproto.Connection
// state machine the server uses, with an optional reconnect loop and
// heartbeat built on the shared wsproto/wsapi abstractions.
package client

import (
	"crypto/tls"
	"net"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/nyxwave/wsreactor/wsapi"
	"github.com/nyxwave/wsreactor/wsproto"
)

// Config holds all configurable parameters for a Client.
type Config struct {
	// URL is either a bare "host:port" (path defaults to "/") or a
	// "ws://host:port/path" / "wss://host:port/path" URL.
	URL string

	Handler wsapi.Handler
	Draft   wsproto.Draft

	Subprotocols []string

	// TLSConfig, if non-nil (or the URL scheme is wss://), wraps the dial
	// in TLS using this configuration (a zero value is used if the
	// scheme demands TLS and TLSConfig is nil).
	TLSConfig *tls.Config

	// Proxy, if set, is dialed first and issued an HTTP CONNECT to URL's
	// host before the WebSocket handshake is attempted.
	Proxy *url.URL

	// Socket, if non-nil, is used in place of dialing: the client treats
	// it as already connected (and, if the caller already wrapped it in
	// TLS, already secured) and skips straight to the handshake. Useful
	// for tests and for callers that manage their own TLS setup.
	Socket net.Conn

	ConnectTimeout time.Duration
	CloseTimeout   time.Duration

	// HeartbeatInterval, if non-zero, pings the server and expects a
	// PONG (or any frame) within the same interval.
	HeartbeatInterval time.Duration

	// ReconnectMax bounds the dial attempts made for each Reconnect
	// request after the initial connect succeeds; a negative value
	// retries without limit and 0 disables reconnection (Reconnect
	// requests are then ignored). A lost connection is not redialed
	// unless Reconnect is called.
	ReconnectMax int

	RecvBufferSize int

	Metrics wsapi.MetricsSink
	Logger  *zap.Logger
}

func (c *Config) setDefaults() {
	if c.Draft == nil {
		c.Draft = wsproto.RFC6455{}
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = 5 * time.Second
	}
	if c.RecvBufferSize <= 0 {
		c.RecvBufferSize = 16 * 1024
	}
	if c.Metrics == nil {
		c.Metrics = wsapi.NopMetrics{}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

package client

import (
	"bufio"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nyxwave/wsreactor/wsapi"
	"github.com/nyxwave/wsreactor/wsproto"
)

// Client dials a server, performs the handshake, and drives a
// wsproto.Connection with a reader goroutine, a writer goroutine, and
// an optional heartbeat goroutine.
type Client struct {
	cfg Config

	mu      sync.Mutex
	conn    *Conn
	dialing bool

	connected atomic.Bool
	closed    atomic.Bool

	reconnectReq chan struct{}
	stop         chan struct{}
	stopOnce     sync.Once

	connecting atomic.Bool
	connectErr error
}

// NewClient constructs a Client without connecting. Call Connect (or
// ConnectBlocking) to dial.
func NewClient(cfg Config) *Client {
	cfg.setDefaults()
	return &Client{
		cfg:          cfg,
		reconnectReq: make(chan struct{}, 1),
		stop:         make(chan struct{}),
	}
}

// ConnectBlocking dials and performs the handshake, blocking until the
// connection is OPEN or the attempt fails. A Client is not reusable: a
// second call, whether concurrent or after the first has returned,
// fails with wsapi.ErrIllegalState rather than replaying the first
// attempt's result.
func (cl *Client) ConnectBlocking() error {
	if !cl.connecting.CompareAndSwap(false, true) {
		return wsapi.ErrIllegalState
	}
	cl.connectErr = cl.dialAndHandshake()
	if cl.connectErr == nil && cl.cfg.ReconnectMax != 0 {
		go cl.reconnectManager()
	}
	return cl.connectErr
}

// Conn returns the current underlying connection handle, or nil before
// the first successful connect.
func (cl *Client) Conn() *Conn {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.conn
}

// CloseBlocking closes the connection and stops any reconnect manager.
func (cl *Client) CloseBlocking(code int, reason string) error {
	if !cl.closed.CompareAndSwap(false, true) {
		return nil
	}
	cl.stopOnce.Do(func() { close(cl.stop) })
	c := cl.Conn()
	if c == nil {
		return nil
	}
	return c.Close(code, reason)
}

// Reconnect requests a redial. It is satisfied by a dedicated manager
// goroutine rather than performed inline, so calling it from within an
// OnClose/OnError handler (itself invoked from the reader goroutine)
// never deadlocks waiting on that same goroutine to exit. The manager
// only dials a new connection and replaces Conn(); it does not close
// the current connection or stop its reader and writer goroutines.
func (cl *Client) Reconnect() error {
	if cl.closed.Load() {
		return wsapi.ErrClosed
	}
	select {
	case cl.reconnectReq <- struct{}{}:
	default:
	}
	return nil
}

func (cl *Client) reconnectManager() {
	for {
		select {
		case <-cl.stop:
			return
		case <-cl.reconnectReq:
			if cl.closed.Load() {
				return
			}
			attempts := 0
			for {
				if cl.cfg.ReconnectMax > 0 && attempts >= cl.cfg.ReconnectMax {
					cl.cfg.Logger.Sugar().Warnw("giving up reconnecting", "attempts", attempts)
					break
				}
				attempts++
				if err := cl.dialAndHandshake(); err != nil {
					time.Sleep(time.Duration(attempts) * 200 * time.Millisecond)
					continue
				}
				break
			}
		}
	}
}

func parseURL(raw string) (host, path string, useTLS bool, err error) {
	if !strings.Contains(raw, "://") {
		return raw, "/", false, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", false, err
	}
	path = u.RequestURI()
	if path == "" {
		path = "/"
	}
	return u.Host, path, u.Scheme == "wss", nil
}

// dialThroughProxy connects to proxyURL and issues an HTTP CONNECT for
// targetHost, returning the tunnel once the proxy answers 200.
func dialThroughProxy(proxyURL *url.URL, targetHost string, timeout time.Duration) (net.Conn, error) {
	dialer := net.Dialer{Timeout: timeout}
	nc, err := dialer.Dial("tcp", proxyURL.Host)
	if err != nil {
		return nil, fmt.Errorf("dialing proxy: %w", err)
	}

	connectReq := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: targetHost},
		Host:   targetHost,
		Header: make(http.Header),
	}
	if u := proxyURL.User; u != nil {
		connectReq.Header.Set("Proxy-Authorization", "Basic "+basicAuth(u))
	}
	_ = nc.SetDeadline(time.Now().Add(timeout))
	if err := connectReq.Write(nc); err != nil {
		_ = nc.Close()
		return nil, fmt.Errorf("writing CONNECT request: %w", err)
	}

	br := bufio.NewReader(nc)
	resp, err := http.ReadResponse(br, connectReq)
	if err != nil {
		_ = nc.Close()
		return nil, fmt.Errorf("reading CONNECT response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = nc.Close()
		return nil, fmt.Errorf("proxy CONNECT failed: %s", resp.Status)
	}
	if br.Buffered() > 0 {
		// The proxy is not allowed to pipeline past the CONNECT response;
		// if it did, treat it as a protocol violation rather than silently
		// dropping bytes that belong to the tunnel.
		_ = nc.Close()
		return nil, fmt.Errorf("proxy sent data before tunnel established")
	}
	_ = nc.SetDeadline(time.Time{})
	return nc, nil
}

func basicAuth(u *url.Userinfo) string {
	pass, _ := u.Password()
	return base64.StdEncoding.EncodeToString([]byte(u.Username() + ":" + pass))
}

func (cl *Client) dialAndHandshake() error {
	host, path, useTLS, err := parseURL(cl.cfg.URL)
	if err != nil {
		return err
	}

	var nc net.Conn
	freshSocket := cl.cfg.Socket == nil
	if !freshSocket {
		// Pre-supplied socket (step 1): reuse as-is, already connected and
		// possibly already TLS-wrapped by the caller.
		nc = cl.cfg.Socket
	} else if cl.cfg.Proxy != nil {
		nc, err = dialThroughProxy(cl.cfg.Proxy, host, cl.cfg.ConnectTimeout)
	} else {
		dialer := net.Dialer{Timeout: cl.cfg.ConnectTimeout}
		nc, err = dialer.Dial("tcp", host)
	}
	if err != nil {
		return err
	}

	// TLS wrapping only applies to a socket this dial freshly created
	// (step 4): a caller-supplied socket is left untouched, matching the
	// "caller-supplied TLS socket" use case.
	if freshSocket && (useTLS || cl.cfg.TLSConfig != nil) {
		tlsCfg := cl.cfg.TLSConfig
		if tlsCfg == nil {
			tlsCfg = &tls.Config{}
		}
		if tlsCfg.ServerName == "" {
			if h, _, splitErr := net.SplitHostPort(host); splitErr == nil {
				tlsCfg = tlsCfg.Clone()
				tlsCfg.ServerName = h
			}
		}
		tc := tls.Client(nc, tlsCfg)
		_ = tc.SetDeadline(time.Now().Add(cl.cfg.ConnectTimeout))
		if err := tc.Handshake(); err != nil {
			_ = nc.Close()
			return fmt.Errorf("tls handshake: %w", err)
		}
		nc = tc
	}

	_ = nc.SetDeadline(time.Now().Add(cl.cfg.ConnectTimeout))
	reqLine, key, err := cl.cfg.Draft.BuildHandshakeRequest(host, path, cl.cfg.Subprotocols, nil)
	if err != nil {
		_ = nc.Close()
		return err
	}
	if _, err := nc.Write([]byte(reqLine)); err != nil {
		_ = nc.Close()
		return err
	}

	br := bufio.NewReader(nc)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		_ = nc.Close()
		return fmt.Errorf("reading handshake response: %w", err)
	}
	hresp, err := cl.cfg.Draft.AcceptHandshakeAsClient(resp, key)
	if err != nil {
		_ = nc.Close()
		return err
	}
	_ = nc.SetDeadline(time.Time{})

	wrapped := plainNetConn{Conn: nc}
	conn := newConn(wrapped, hresp.Subprotocol)
	conn.proto = wsproto.New(wsproto.Config{
		Role:          wsproto.RoleClient,
		Draft:         cl.cfg.Draft,
		NetConn:       wrapped,
		Handler:       cl.cfg.Handler,
		OnWriteDemand: conn.signalWrite,
		Metrics:       cl.cfg.Metrics,
		Self:          conn,
		CloseTimeout:  cl.cfg.CloseTimeout,
		Logger:        cl.cfg.Logger,
		RemoteAddr:    host,
	})
	conn.proto.MarkOpen()

	cl.mu.Lock()
	cl.conn = conn
	cl.mu.Unlock()
	cl.connected.Store(true)

	var leftover []byte
	if n := br.Buffered(); n > 0 {
		leftover = make([]byte, n)
		_, _ = br.Read(leftover)
	}

	go cl.writerLoop(conn)
	go cl.readerLoop(conn, leftover)
	if cl.cfg.HeartbeatInterval > 0 {
		go cl.heartbeatLoop(conn)
	}
	return nil
}

func (cl *Client) readerLoop(c *Conn, leftover []byte) {
	if len(leftover) > 0 {
		c.proto.Feed(leftover)
	}
	buf := make([]byte, cl.cfg.RecvBufferSize)
	for {
		n, err := c.nc.Read(buf)
		if err != nil {
			c.proto.IOFailed(err)
			cl.connected.Store(false)
			c.stopWriter()
			return
		}
		data := append([]byte(nil), buf[:n]...)
		c.proto.Feed(data)
		if c.proto.State() == wsproto.Closed {
			cl.connected.Store(false)
			c.stopWriter()
			return
		}
	}
}

func (cl *Client) writerLoop(c *Conn) {
	for range c.writeSignal {
		for {
			data, ok := c.proto.PopOutbound()
			if !ok {
				break
			}
			if _, err := c.nc.Write(data); err != nil {
				c.proto.IOFailed(err)
				return
			}
		}
		if c.proto.ReadyToFinalize() {
			c.proto.ForceClose(c.proto.CloseCode(), false)
			return
		}
	}
}

func (cl *Client) heartbeatLoop(c *Conn) {
	ticker := time.NewTicker(cl.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for range ticker.C {
		switch c.proto.State() {
		case wsproto.Closed:
			return
		case wsproto.Open:
			if c.proto.PongOutstanding() {
				c.proto.ForceClose(wsapi.CloseAbnormal, false)
				c.stopWriter()
				return
			}
			if c.proto.IdleSince() >= cl.cfg.HeartbeatInterval {
				_ = c.proto.Ping(nil)
			}
		}
	}
}

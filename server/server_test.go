package server_test

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/nyxwave/wsreactor/client"
	"github.com/nyxwave/wsreactor/server"
	"github.com/nyxwave/wsreactor/wsapi"
	"github.com/nyxwave/wsreactor/wsproto"
)

type echoHandler struct {
	wsapi.BaseHandler
	mu     sync.Mutex
	opened int
	msgs   []wsapi.Message
	closed chan struct{}
}

func newEchoHandler() *echoHandler {
	return &echoHandler{closed: make(chan struct{}, 8)}
}

func (h *echoHandler) OnOpen(conn any) {
	h.mu.Lock()
	h.opened++
	h.mu.Unlock()
}

func (h *echoHandler) OnMessage(conn any, msg wsapi.Message) {
	h.mu.Lock()
	h.msgs = append(h.msgs, msg)
	h.mu.Unlock()
	switch c := conn.(type) {
	case *server.Conn:
		_ = c.Send(msg.Binary, msg.Payload)
	}
}

func (h *echoHandler) OnClose(conn any, code int, reason string, remote bool) {
	h.closed <- struct{}{}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func TestEchoRoundTrip(t *testing.T) {
	addr := freeAddr(t)
	srvHandler := newEchoHandler()
	srv := server.NewServer(server.Config{
		ListenAddr: addr,
		Handler:    srvHandler,
	})
	go srv.ListenAndServe()
	defer srv.Stop(time.Second)
	time.Sleep(50 * time.Millisecond)

	var clientMsgs []wsapi.Message
	var mu sync.Mutex
	done := make(chan struct{}, 1)

	ch := &recordingClientHandler{done: done, mu: &mu, msgs: &clientMsgs}
	cl := client.NewClient(client.Config{
		URL:     "ws://" + addr + "/chat",
		Handler: ch,
	})
	if err := cl.ConnectBlocking(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer cl.CloseBlocking(wsapi.CloseNormal, "bye")

	if err := cl.Conn().Send(false, []byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echo")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(clientMsgs) != 1 || string(clientMsgs[0].Payload) != "hello" {
		t.Fatalf("got messages %v, want [hello]", clientMsgs)
	}
}

type recordingClientHandler struct {
	wsapi.BaseHandler
	mu   *sync.Mutex
	msgs *[]wsapi.Message
	done chan struct{}
}

func (h *recordingClientHandler) OnMessage(conn any, msg wsapi.Message) {
	h.mu.Lock()
	*h.msgs = append(*h.msgs, msg)
	h.mu.Unlock()
	h.done <- struct{}{}
}

func TestOnConnectRejectsAdmission(t *testing.T) {
	addr := freeAddr(t)
	srv := server.NewServer(server.Config{
		ListenAddr: addr,
		Handler:    newEchoHandler(),
		OnConnect:  func(remoteAddr string) bool { return false },
	})
	go srv.ListenAndServe()
	defer srv.Stop(time.Second)
	time.Sleep(50 * time.Millisecond)

	cl := client.NewClient(client.Config{
		URL:            "ws://" + addr + "/",
		Handler:        wsapi.BaseHandler{},
		ConnectTimeout: 500 * time.Millisecond,
	})
	if err := cl.ConnectBlocking(); err == nil {
		t.Fatal("expected handshake to fail after the server dropped the connection")
	}
}

// TestFragmentedBinaryReassembly sends a 70 KiB binary payload as 5
// fragments and checks the server reassembles exactly the original
// bytes.
func TestFragmentedBinaryReassembly(t *testing.T) {
	addr := freeAddr(t)
	srvHandler := newEchoHandler()
	srv := server.NewServer(server.Config{
		ListenAddr: addr,
		Handler:    srvHandler,
	})
	go srv.ListenAndServe()
	defer srv.Stop(time.Second)
	time.Sleep(50 * time.Millisecond)

	payload := make([]byte, 70*1024)
	for i := range payload {
		payload[i] = byte(i)
	}
	sum := sha256.Sum256(payload)

	var clientMsgs []wsapi.Message
	var mu sync.Mutex
	done := make(chan struct{}, 1)
	ch := &recordingClientHandler{done: done, mu: &mu, msgs: &clientMsgs}
	cl := client.NewClient(client.Config{
		URL:     "ws://" + addr + "/",
		Handler: ch,
	})
	if err := cl.ConnectBlocking(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer cl.CloseBlocking(wsapi.CloseNormal, "bye")

	if err := cl.Conn().SendFragmented(true, payload, 14*1024); err != nil {
		t.Fatalf("send fragmented: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echoed fragmented message")
	}

	srvHandler.mu.Lock()
	got := srvHandler.msgs[0].Payload
	srvHandler.mu.Unlock()

	if len(got) != len(payload) {
		t.Fatalf("reassembled length = %d, want %d", len(got), len(payload))
	}
	if gotSum := sha256.Sum256(got); gotSum != sum {
		t.Fatal("reassembled payload does not match original (SHA-256 mismatch)")
	}
}

// TestHeartbeatClosesUnresponsivePeer exercises scenario 4: a peer that
// completes the handshake but never answers a server PING (the
// wsproto.Connection state machine would normally auto-reply with
// PONG, so this test drives a raw socket instead of client.Client to
// actually suppress the reply) gets closed with code 1006 within a
// couple of heartbeat intervals.
func TestHeartbeatClosesUnresponsivePeer(t *testing.T) {
	addr := freeAddr(t)
	srvHandler := newEchoHandler()
	srv := server.NewServer(server.Config{
		ListenAddr:        addr,
		Handler:           srvHandler,
		HeartbeatInterval: 100 * time.Millisecond,
	})
	go srv.ListenAndServe()
	defer srv.Stop(time.Second)
	time.Sleep(50 * time.Millisecond)

	rawConn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer rawConn.Close()

	draft := wsproto.RFC6455{}
	reqLine, key, err := draft.BuildHandshakeRequest(addr, "/", nil, nil)
	if err != nil {
		t.Fatalf("build handshake: %v", err)
	}
	if _, err := rawConn.Write([]byte(reqLine)); err != nil {
		t.Fatalf("write handshake: %v", err)
	}
	br := bufio.NewReader(rawConn)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		t.Fatalf("read handshake response: %v", err)
	}
	if _, err := draft.AcceptHandshakeAsClient(resp, key); err != nil {
		t.Fatalf("accept handshake: %v", err)
	}

	// Drain (and discard) whatever the server sends, including its PING
	// frames, without ever writing a PONG back.
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := br.Read(buf); err != nil {
				return
			}
		}
	}()

	select {
	case <-srvHandler.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("server never closed the unresponsive peer")
	}
}

// selfSignedCert builds an in-memory self-signed certificate for
// "127.0.0.1" so TLS tests never touch the filesystem.
func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("x509 key pair: %v", err)
	}
	return cert
}

// TestTLSEchoRoundTrip exercises scenario 2: a client dials wss://,
// completes the handshake over a TLS-wrapped socket, and both
// HasSSLSupport/SSLSession report the negotiated session on the
// client's connection handle.
func TestTLSEchoRoundTrip(t *testing.T) {
	addr := freeAddr(t)
	cert := selfSignedCert(t)
	srvHandler := newEchoHandler()
	srv := server.NewServer(server.Config{
		ListenAddr: addr,
		Handler:    srvHandler,
		TLSConfig:  &tls.Config{Certificates: []tls.Certificate{cert}},
	})
	go srv.ListenAndServe()
	defer srv.Stop(time.Second)
	time.Sleep(50 * time.Millisecond)

	var clientMsgs []wsapi.Message
	var mu sync.Mutex
	done := make(chan struct{}, 1)
	ch := &recordingClientHandler{done: done, mu: &mu, msgs: &clientMsgs}
	cl := client.NewClient(client.Config{
		URL:       "wss://" + addr + "/",
		Handler:   ch,
		TLSConfig: &tls.Config{InsecureSkipVerify: true},
	})
	if err := cl.ConnectBlocking(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer cl.CloseBlocking(wsapi.CloseNormal, "bye")

	if err := cl.Conn().Send(false, []byte("secure hello")); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echo over TLS")
	}

	mu.Lock()
	got := clientMsgs[0].Payload
	mu.Unlock()
	if string(got) != "secure hello" {
		t.Fatalf("got %q, want %q", got, "secure hello")
	}

	if !cl.Conn().HasSSLSupport() {
		t.Fatal("client connection does not report TLS support")
	}
	if _, err := cl.Conn().SSLSession(); err != nil {
		t.Fatalf("client SSLSession: %v", err)
	}
}

// TestListenAndServeRejectsDoubleListen: calling ListenAndServe twice
// on the same Server must fail the second call synchronously rather
// than re-binding the listener.
func TestListenAndServeRejectsDoubleListen(t *testing.T) {
	addr := freeAddr(t)
	srv := server.NewServer(server.Config{
		ListenAddr: addr,
		Handler:    newEchoHandler(),
	})
	go srv.ListenAndServe()
	defer srv.Stop(time.Second)
	time.Sleep(50 * time.Millisecond)

	if err := srv.ListenAndServe(); err != wsapi.ErrAlreadyStarted {
		t.Fatalf("second ListenAndServe = %v, want ErrAlreadyStarted", err)
	}
}

// TestGracefulShutdownClosesAllClients exercises scenario 6: several
// connected clients all receive a close with code 1001 when the server
// shuts down, and the listening port is released afterward.
func TestGracefulShutdownClosesAllClients(t *testing.T) {
	addr := freeAddr(t)
	srvHandler := newEchoHandler()
	srv := server.NewServer(server.Config{
		ListenAddr: addr,
		Handler:    srvHandler,
	})
	go srv.ListenAndServe()
	time.Sleep(50 * time.Millisecond)

	const n = 5
	closeCodes := make(chan int, n)
	for i := 0; i < n; i++ {
		ch := &closeRecordingHandler{codes: closeCodes}
		cl := client.NewClient(client.Config{
			URL:     "ws://" + addr + "/",
			Handler: ch,
		})
		if err := cl.ConnectBlocking(); err != nil {
			t.Fatalf("client %d connect: %v", i, err)
		}
	}

	srv.Stop(time.Second)

	for i := 0; i < n; i++ {
		select {
		case code := <-closeCodes:
			if code != wsapi.CloseGoingAway {
				t.Fatalf("client %d closed with code %d, want %d", i, code, wsapi.CloseGoingAway)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("client %d never observed a close", i)
		}
	}

	// The port must be released: a fresh listener can bind the same address.
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("address not released after Stop: %v", err)
	}
	_ = ln.Close()
}

type closeRecordingHandler struct {
	wsapi.BaseHandler
	codes chan int
}

func (h *closeRecordingHandler) OnClose(conn any, code int, reason string, remote bool) {
	h.codes <- code
}

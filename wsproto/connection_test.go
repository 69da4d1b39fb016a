package wsproto

import (
	"sync"
	"testing"
	"time"

	"github.com/nyxwave/wsreactor/wsapi"
)

// fakeNetConn is a minimal wsapi.NetConn that just tracks Close calls;
// Connection.Feed never reads from it directly (data is handed in), so
// nothing more elaborate is required for these tests.
type fakeNetConn struct {
	mu     sync.Mutex
	closed bool
}

func (f *fakeNetConn) Read([]byte) (int, error)  { return 0, nil }
func (f *fakeNetConn) Write([]byte) (int, error) { return 0, nil }
func (f *fakeNetConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
func (f *fakeNetConn) SetReadDeadline(time.Time) error  { return nil }
func (f *fakeNetConn) SetWriteDeadline(time.Time) error { return nil }
func (f *fakeNetConn) RawFD() (uintptr, bool)           { return 0, false }

// recordingHandler captures every callback for assertion.
type recordingHandler struct {
	mu       sync.Mutex
	opened   bool
	messages []wsapi.Message
	closes   []closeRecord
	errors   []error
}

type closeRecord struct {
	code            int
	reason          string
	remoteInitiated bool
}

func (h *recordingHandler) OnOpen(any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.opened = true
}
func (h *recordingHandler) OnMessage(_ any, msg wsapi.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msg)
}
func (h *recordingHandler) OnClose(_ any, code int, reason string, remote bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closes = append(h.closes, closeRecord{code, reason, remote})
}
func (h *recordingHandler) OnError(_ any, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errors = append(h.errors, err)
}

func newTestConnection(role Role, h wsapi.Handler) *Connection {
	c := New(Config{
		Role:    role,
		Draft:   RFC6455{},
		NetConn: &fakeNetConn{},
		Handler: h,
	})
	c.MarkOpen()
	return c
}

func TestConnectionDeliversSingleFrameMessage(t *testing.T) {
	h := &recordingHandler{}
	c := newTestConnection(RoleServer, h)

	wire, err := Encode(OpText, []byte("hello"), true, true) // client→server must be masked
	if err != nil {
		t.Fatal(err)
	}
	c.Feed(wire)

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.messages) != 1 || string(h.messages[0].Payload) != "hello" {
		t.Fatalf("messages = %+v, want one message \"hello\"", h.messages)
	}
}

func TestConnectionReassemblesFragmentedMessage(t *testing.T) {
	h := &recordingHandler{}
	c := newTestConnection(RoleServer, h)

	parts := [][]byte{[]byte("Hello, "), []byte("frag"), []byte("mented world")}
	for i, p := range parts {
		fin := i == len(parts)-1
		op := OpText
		if i > 0 {
			op = OpContinuation
		}
		wire, err := Encode(op, p, fin, true)
		if err != nil {
			t.Fatal(err)
		}
		c.Feed(wire)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.messages) != 1 {
		t.Fatalf("got %d messages, want 1", len(h.messages))
	}
	want := "Hello, fragmented world"
	if string(h.messages[0].Payload) != want {
		t.Fatalf("reassembled = %q, want %q", h.messages[0].Payload, want)
	}
}

func TestConnectionRejectsInterleavedDataMessage(t *testing.T) {
	h := &recordingHandler{}
	c := newTestConnection(RoleServer, h)

	first, _ := Encode(OpText, []byte("first-start"), false, true)
	c.Feed(first)

	second, _ := Encode(OpText, []byte("second"), true, true)
	c.Feed(second)

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.errors) == 0 {
		t.Fatal("expected a protocol error for interleaved data frames")
	}
	if len(h.closes) == 0 || h.closes[0].code != wsapi.CloseProtocolError {
		t.Fatalf("closes = %+v, want a 1002 close", h.closes)
	}
}

func TestConnectionRejectsInvalidUTF8(t *testing.T) {
	h := &recordingHandler{}
	c := newTestConnection(RoleServer, h)

	bad := []byte{0xff, 0xfe, 0xfd}
	wire, _ := Encode(OpText, bad, true, true)
	c.Feed(wire)

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.closes) == 0 || h.closes[0].code != wsapi.CloseNoUTF8 {
		t.Fatalf("closes = %+v, want a 1007 close", h.closes)
	}
}

func TestConnectionRejectsUnmaskedClientFrame(t *testing.T) {
	h := &recordingHandler{}
	c := newTestConnection(RoleServer, h)

	wire, _ := Encode(OpText, []byte("hi"), true, false) // unmasked
	c.Feed(wire)

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.closes) == 0 || h.closes[0].code != wsapi.CloseProtocolError {
		t.Fatalf("closes = %+v, want a 1002 close for unmasked client frame", h.closes)
	}
}

func TestConnectionEchoesPing(t *testing.T) {
	h := &recordingHandler{}
	c := newTestConnection(RoleServer, h)

	wire, _ := Encode(OpPing, []byte("ping-payload"), true, true)
	c.Feed(wire)

	out, ok := c.PopOutbound()
	if !ok {
		t.Fatal("expected a queued PONG frame")
	}
	frame, _, err := Decode(out)
	if err != nil {
		t.Fatal(err)
	}
	if frame.Opcode != OpPong || string(frame.Payload) != "ping-payload" {
		t.Fatalf("got opcode=%v payload=%q, want PONG with identical payload", frame.Opcode, frame.Payload)
	}
}

func TestConnectionCloseHandshake(t *testing.T) {
	h := &recordingHandler{}
	c := newTestConnection(RoleServer, h)

	if err := c.Close(wsapi.CloseNormal, "bye"); err != nil {
		t.Fatal(err)
	}
	if c.State() != Closing {
		t.Fatalf("state = %v, want CLOSING", c.State())
	}

	// Further sends must be rejected once CLOSE has been queued.
	if err := c.Send(false, []byte("too late")); err != wsapi.ErrNotConnected {
		t.Fatalf("Send after close queued = %v, want ErrNotConnected", err)
	}

	out, ok := c.PopOutbound()
	if !ok {
		t.Fatal("expected the queued CLOSE frame")
	}
	frame, _, err := Decode(out)
	if err != nil {
		t.Fatal(err)
	}
	if frame.Opcode != OpClose {
		t.Fatalf("opcode = %v, want CLOSE", frame.Opcode)
	}

	if !c.ReadyToFinalize() {
		t.Fatal("expected ReadyToFinalize once outQueue drained")
	}

	// Simulate the peer echoing the close.
	echo, _ := Encode(OpClose, out[2:], true, true)
	c.Feed(echo)
	c.ForceClose(wsapi.CloseNormal, false)

	if c.State() != Closed {
		t.Fatalf("state = %v, want CLOSED", c.State())
	}
}

func TestClientRoleMasksOutboundAndRejectsMaskedInbound(t *testing.T) {
	h := &recordingHandler{}
	c := newTestConnection(RoleClient, h)

	if err := c.Send(false, []byte("hi")); err != nil {
		t.Fatal(err)
	}
	out, ok := c.PopOutbound()
	if !ok {
		t.Fatal("expected queued frame")
	}
	frame, _, err := Decode(out)
	if err != nil {
		t.Fatal(err)
	}
	if !frame.Masked {
		t.Fatal("client-originated frame must be masked")
	}

	// A masked frame arriving from the "server" must be rejected.
	badWire, _ := Encode(OpText, []byte("hi"), true, true)
	c.Feed(badWire)

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.closes) == 0 || h.closes[0].code != wsapi.CloseProtocolError {
		t.Fatalf("closes = %+v, want a 1002 close for masked server frame", h.closes)
	}
}

package wsproto

import (
	"bufio"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/nyxwave/wsreactor/wsapi"
)

// WebSocketGUID is the fixed accept-key salt from RFC 6455 §1.3.
const WebSocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// ProtocolVersion is the only version this engine speaks.
const ProtocolVersion = "13"

// MaxHandshakeHeaderBytes bounds the combined header size accepted
// during a handshake, mitigating header-flooding.
const MaxHandshakeHeaderBytes = 8192

// HandshakeRequest is the server-side view of an inbound upgrade
// request: the request line/headers plus the raw path the connection
// should be routed on.
type HandshakeRequest struct {
	Path         string
	Header       http.Header
	Subprotocols []string
}

// HandshakeResponse is what a Draft computes for the server to write
// back, or what it expects to validate on the client side.
type HandshakeResponse struct {
	Header      http.Header
	Subprotocol string
}

// Draft is the pluggable protocol policy: it validates handshakes,
// assigns opcodes, builds frame sequences, and chooses masking rules.
// RFC6455 is the sole mandatory draft.
type Draft interface {
	// Name identifies the draft for server-side draft-list negotiation.
	Name() string

	// AcceptHandshakeAsServer verifies the inbound upgrade request and
	// returns the response headers to send, selecting a subprotocol from
	// candidates if the server configured any.
	AcceptHandshakeAsServer(req *HandshakeRequest, serverSubprotocols []string) (*HandshakeResponse, error)

	// BuildHandshakeRequest builds the client's upgrade request line and
	// headers, returning the Sec-WebSocket-Key it generated so the caller
	// can verify the response.
	BuildHandshakeRequest(host, path string, subprotocols []string, extraHeaders http.Header) (req string, key string, err error)

	// AcceptHandshakeAsClient validates the server's 101 response against
	// the key the client sent.
	AcceptHandshakeAsClient(resp *http.Response, sentKey string) (*HandshakeResponse, error)

	// CreateFrames splits a payload into the frame sequence to send for
	// one application message, bounded by draft policy. The base draft
	// never splits: RFC 6455 supports up to a 63-bit length in one frame.
	CreateFrames(opcode Opcode, payload []byte, fin bool) []*Frame

	// Reset clears any decode state the draft retains across messages.
	// Connection keeps its own reassembly buffer and does not call
	// Reset.
	Reset()
}

// RFC6455 is the base, mandatory draft.
type RFC6455 struct{}

func (RFC6455) Name() string { return "RFC6455" }

func (RFC6455) Reset() {} // stateless: reassembly state lives on Connection, not the draft

// CreateFrames returns a single frame for any payload size; RFC 6455's
// 63-bit length field never requires the draft itself to fragment.
// Callers that want fragmentation call
// Connection.SendFragmented, which invokes CreateFrames once per
// fragment with the appropriate opcode (TEXT/BINARY then CONT).
func (RFC6455) CreateFrames(opcode Opcode, payload []byte, fin bool) []*Frame {
	return []*Frame{{Fin: fin, Opcode: opcode, Payload: payload}}
}

func headerHasToken(h http.Header, name, token string) bool {
	token = strings.ToLower(token)
	for _, v := range h[http.CanonicalHeaderKey(name)] {
		for _, p := range strings.Split(v, ",") {
			if strings.ToLower(strings.TrimSpace(p)) == token {
				return true
			}
		}
	}
	return false
}

func headerSize(h http.Header) int {
	total := 0
	for k, vs := range h {
		total += len(k)
		for _, v := range vs {
			total += len(v)
		}
	}
	return total
}

func computeAccept(key string) string {
	sum := sha1.Sum([]byte(key + WebSocketGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// AcceptHandshakeAsServer verifies Upgrade, Connection, presence of
// Sec-WebSocket-Key, and version 13; returns the accept header set
// plus a negotiated subprotocol if any.
func (RFC6455) AcceptHandshakeAsServer(req *HandshakeRequest, serverSubprotocols []string) (*HandshakeResponse, error) {
	if headerSize(req.Header) > MaxHandshakeHeaderBytes {
		return nil, wsapi.NewHandshakeError("handshake headers too large", nil)
	}
	if !headerHasToken(req.Header, "Connection", "Upgrade") ||
		!headerHasToken(req.Header, "Upgrade", "websocket") {
		return nil, wsapi.NewHandshakeError("missing Upgrade/Connection headers", nil)
	}
	if req.Header.Get("Sec-WebSocket-Version") != ProtocolVersion {
		return nil, wsapi.NewHandshakeError("unsupported Sec-WebSocket-Version", nil)
	}
	key := req.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		return nil, wsapi.NewHandshakeError("missing Sec-WebSocket-Key", nil)
	}

	hdr := make(http.Header)
	hdr.Set("Upgrade", "websocket")
	hdr.Set("Connection", "Upgrade")
	hdr.Set("Sec-WebSocket-Accept", computeAccept(key))

	var chosen string
	if len(serverSubprotocols) > 0 && len(req.Subprotocols) > 0 {
		for _, offered := range req.Subprotocols {
			for _, supported := range serverSubprotocols {
				if offered == supported {
					chosen = offered
					break
				}
			}
			if chosen != "" {
				break
			}
		}
		if chosen != "" {
			hdr.Set("Sec-WebSocket-Protocol", chosen)
		}
	}

	return &HandshakeResponse{Header: hdr, Subprotocol: chosen}, nil
}

// BuildHandshakeRequest builds the wire-level handshake request: a
// random 16-byte base64 key, version 13, optional subprotocol and
// extra headers.
func (RFC6455) BuildHandshakeRequest(host, path string, subprotocols []string, extraHeaders http.Header) (string, string, error) {
	keyBytes := make([]byte, 16)
	if _, err := readRandom(keyBytes); err != nil {
		return "", "", err
	}
	key := base64.StdEncoding.EncodeToString(keyBytes)

	if path == "" {
		path = "/"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "GET %s HTTP/1.1\r\n", path)
	fmt.Fprintf(&b, "Host: %s\r\n", host)
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	fmt.Fprintf(&b, "Sec-WebSocket-Key: %s\r\n", key)
	b.WriteString("Sec-WebSocket-Version: 13\r\n")
	if len(subprotocols) > 0 {
		fmt.Fprintf(&b, "Sec-WebSocket-Protocol: %s\r\n", strings.Join(subprotocols, ", "))
	}
	for k, vs := range extraHeaders {
		for _, v := range vs {
			fmt.Fprintf(&b, "%s: %s\r\n", k, v)
		}
	}
	b.WriteString("\r\n")
	return b.String(), key, nil
}

// AcceptHandshakeAsClient verifies the 101 status and that
// Sec-WebSocket-Accept matches the sent key.
func (RFC6455) AcceptHandshakeAsClient(resp *http.Response, sentKey string) (*HandshakeResponse, error) {
	if resp.StatusCode != http.StatusSwitchingProtocols {
		return nil, wsapi.NewHandshakeError(fmt.Sprintf("unexpected status %d", resp.StatusCode), nil)
	}
	if !headerHasToken(resp.Header, "Connection", "Upgrade") ||
		!headerHasToken(resp.Header, "Upgrade", "websocket") {
		return nil, wsapi.NewHandshakeError("missing Upgrade/Connection headers in response", nil)
	}
	want := computeAccept(sentKey)
	if resp.Header.Get("Sec-WebSocket-Accept") != want {
		return nil, wsapi.NewHandshakeError("Sec-WebSocket-Accept mismatch", nil)
	}
	return &HandshakeResponse{Header: resp.Header, Subprotocol: resp.Header.Get("Sec-WebSocket-Protocol")}, nil
}

// ReadHandshakeRequest parses an inbound HTTP request line/headers from
// br (server side). The caller supplies the *bufio.Reader (rather than
// a bare io.Reader) so it can inspect br.Buffered() afterward: any
// bytes the client pipelined immediately after the handshake belong to
// the first WebSocket frame, not to http.ReadRequest.
func ReadHandshakeRequest(br *bufio.Reader) (*HandshakeRequest, error) {
	req, err := http.ReadRequest(br)
	if err != nil {
		return nil, wsapi.NewHandshakeError("reading handshake request", err)
	}
	var subs []string
	if v := req.Header.Get("Sec-WebSocket-Protocol"); v != "" {
		for _, p := range strings.Split(v, ",") {
			subs = append(subs, strings.TrimSpace(p))
		}
	}
	return &HandshakeRequest{Path: req.URL.RequestURI(), Header: req.Header, Subprotocols: subs}, nil
}

// WriteHandshakeResponse writes the 101 status line and headers to w.
func WriteHandshakeResponse(w io.Writer, resp *HandshakeResponse) error {
	if _, err := io.WriteString(w, "HTTP/1.1 101 Switching Protocols\r\n"); err != nil {
		return err
	}
	for k, vs := range resp.Header {
		for _, v := range vs {
			if _, err := fmt.Fprintf(w, "%s: %s\r\n", k, v); err != nil {
				return err
			}
		}
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

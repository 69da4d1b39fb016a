package wsproto

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/nyxwave/wsreactor/wsapi"
)

// MaxFramePayload bounds a single frame's payload to protect against
// resource exhaustion. 16 MiB comfortably covers multi-fragment
// messages in the tens of KiB while still bounding a hostile peer's
// declared length.
const MaxFramePayload = 16 << 20

// Decode implements the streaming decode contract: given a byte slice
// positioned at a frame boundary, it either
//   - returns (frame, consumed>0, nil): one frame, advance past it;
//   - returns (nil, 0, nil): need more input, remembering nothing — the
//     caller re-presents the accumulated buffer on the next call;
//   - returns (nil, 0, err): a *wsapi.Error carrying the close code to
//     send.
func Decode(buf []byte) (*Frame, int, error) {
	if len(buf) < 2 {
		return nil, 0, nil
	}

	b0, b1 := buf[0], buf[1]
	fin := b0&0x80 != 0
	rsv1 := b0&0x40 != 0
	rsv2 := b0&0x20 != 0
	rsv3 := b0&0x10 != 0
	opcode := Opcode(b0 & 0x0F)

	if rsv1 || rsv2 || rsv3 {
		return nil, 0, wsapi.NewProtocolError(wsapi.CloseProtocolError, "reserved bit set")
	}
	if opcode.IsReserved() {
		return nil, 0, wsapi.NewProtocolError(wsapi.CloseProtocolError, "reserved opcode")
	}

	masked := b1&0x80 != 0
	lenField := int64(b1 & 0x7F)
	offset := 2

	var payloadLen int64
	switch {
	case lenField <= 125:
		payloadLen = lenField
	case lenField == 126:
		if len(buf) < offset+2 {
			return nil, 0, nil
		}
		payloadLen = int64(binary.BigEndian.Uint16(buf[offset:]))
		if payloadLen <= 125 {
			return nil, 0, wsapi.NewProtocolError(wsapi.CloseProtocolError, "non-minimal length encoding")
		}
		offset += 2
	default: // 127
		if len(buf) < offset+8 {
			return nil, 0, nil
		}
		raw := binary.BigEndian.Uint64(buf[offset:])
		if raw&(1<<63) != 0 {
			return nil, 0, wsapi.NewProtocolError(wsapi.CloseProtocolError, "payload length top bit set")
		}
		payloadLen = int64(raw)
		if payloadLen <= 0xFFFF {
			return nil, 0, wsapi.NewProtocolError(wsapi.CloseProtocolError, "non-minimal length encoding")
		}
		offset += 8
	}

	if opcode.IsControl() {
		if !fin {
			return nil, 0, wsapi.NewProtocolError(wsapi.CloseProtocolError, "fragmented control frame")
		}
		if payloadLen > MaxControlPayload {
			return nil, 0, wsapi.NewProtocolError(wsapi.CloseProtocolError, "control frame too large")
		}
	}
	if payloadLen > MaxFramePayload {
		return nil, 0, wsapi.NewPolicyError(wsapi.CloseTooBig, "frame payload exceeds maximum allowed size")
	}

	var maskKey [4]byte
	if masked {
		if len(buf) < offset+4 {
			return nil, 0, nil
		}
		copy(maskKey[:], buf[offset:offset+4])
		offset += 4
	}

	total := offset + int(payloadLen)
	if len(buf) < total {
		return nil, 0, nil
	}

	payload := make([]byte, payloadLen)
	copy(payload, buf[offset:total])
	if masked {
		unmask(payload, maskKey)
	}

	return &Frame{
		Fin:     fin,
		Rsv1:    rsv1,
		Rsv2:    rsv2,
		Rsv3:    rsv3,
		Opcode:  opcode,
		Masked:  masked,
		MaskKey: maskKey,
		Payload: payload,
	}, total, nil
}

// unmask XORs buf in place with the repeating 4-byte key.
func unmask(buf []byte, key [4]byte) {
	for i := range buf {
		buf[i] ^= key[i%4]
	}
}

// maxHeaderLen is the largest possible frame header: 2 base + 8 extended
// length + 4 mask key.
const maxHeaderLen = 14

// Encode builds one wire-ready frame buffer from (opcode, payload, fin,
// mask). When mask is true a fresh 4-byte key is drawn from
// crypto/rand per frame, satisfying RFC 6455 §5.3's masking-key
// unpredictability requirement.
func Encode(opcode Opcode, payload []byte, fin bool, mask bool) ([]byte, error) {
	if len(payload) > MaxFramePayload {
		return nil, wsapi.NewPolicyError(wsapi.CloseTooBig, "frame payload exceeds maximum allowed size")
	}
	if opcode.IsControl() && len(payload) > MaxControlPayload {
		return nil, wsapi.NewProtocolError(wsapi.CloseProtocolError, "control frame too large")
	}

	dst := make([]byte, 0, maxHeaderLen+len(payload))

	var b0 byte
	if fin {
		b0 = 0x80
	}
	b0 |= byte(opcode) & 0x0F
	dst = append(dst, b0)

	var maskBit byte
	if mask {
		maskBit = 0x80
	}

	n := len(payload)
	switch {
	case n <= 125:
		dst = append(dst, byte(n)|maskBit)
	case n <= 0xFFFF:
		dst = append(dst, 126|maskBit)
		var ext [2]byte
		binary.BigEndian.PutUint16(ext[:], uint16(n))
		dst = append(dst, ext[:]...)
	default:
		dst = append(dst, 127|maskBit)
		var ext [8]byte
		binary.BigEndian.PutUint64(ext[:], uint64(n))
		dst = append(dst, ext[:]...)
	}

	if mask {
		var key [4]byte
		if _, err := rand.Read(key[:]); err != nil {
			return nil, wsapi.NewIOError(err)
		}
		dst = append(dst, key[:]...)
		start := len(dst)
		dst = append(dst, payload...)
		unmask(dst[start:], key)
		return dst, nil
	}

	dst = append(dst, payload...)
	return dst, nil
}

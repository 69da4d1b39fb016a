package wsproto

import "crypto/rand"

// readRandom fills buf with cryptographically random bytes, used for
// the Sec-WebSocket-Key (16 bytes). Encode draws per-frame masking keys
// from crypto/rand directly.
func readRandom(buf []byte) (int, error) {
	return rand.Read(buf)
}

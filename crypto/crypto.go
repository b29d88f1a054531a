// Package crypto implements the encryption primitives of the
// messaging pipeline: authenticated at-rest encryption, the
// device-to-device pair ratchet (X3DH handshake plus double ratchet),
// and the group sender-key ratchet.
//
// The package is pure key material and math. It never touches the
// network or a database; the prekeys package persists the public
// halves and the message service decides which primitive applies to a
// conversation's privacy mode.
//
// All randomness flows through a swappable source so tests can run
// deterministically; see UseDeterministicRandom.
package crypto

import (
	"crypto/rand"
	"errors"
	"io"
	"sync"
)

// Errors
var (
	ErrInvalidKeySize         = errors.New("crypto: key must be 32 bytes")
	ErrInvalidNonceSize       = errors.New("crypto: bad nonce size")
	ErrDecryptionFailed       = errors.New("crypto: message authentication failed")
	ErrInvalidPrekeySignature = errors.New("crypto: invalid prekey signature")
	ErrMissingOneTimeKey      = errors.New("crypto: missing one-time prekey")
	ErrInvalidRemoteKey       = errors.New("crypto: invalid remote ratchet key")
	ErrDuplicateMessage       = errors.New("crypto: duplicate message")
	ErrChainExhausted         = errors.New("crypto: sender chain exhausted")
)

var (
	randMu  sync.RWMutex
	randSrc io.Reader = systemRandom{}
)

type systemRandom struct{}

func (systemRandom) Read(p []byte) (int, error) { return rand.Read(p) }

// UseDeterministicRandom swaps the randomness source and returns a
// restore function the test must call when done. Never use outside
// tests.
func UseDeterministicRandom(r io.Reader) func() {
	randMu.Lock()
	prev := randSrc
	randSrc = r
	randMu.Unlock()
	return func() {
		randMu.Lock()
		randSrc = prev
		randMu.Unlock()
	}
}

func readRandom(b []byte) error {
	randMu.RLock()
	src := randSrc
	randMu.RUnlock()
	_, err := io.ReadFull(src, b)
	return err
}

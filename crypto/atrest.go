package crypto

import (
	"golang.org/x/crypto/chacha20poly1305"
)

// AtRestCipher encrypts payloads before they reach the durable store,
// for conversations whose privacy mode asks for server-side
// encryption. XChaCha20-Poly1305 with a 32-byte master key: the
// 24-byte nonce space is large enough that random nonces never repeat
// in practice, which is what makes fresh-nonce-per-call safe.
type AtRestCipher struct {
	key [chacha20poly1305.KeySize]byte
}

// NonceSize is the length of nonces produced by Encrypt.
const NonceSize = chacha20poly1305.NonceSizeX

// NewAtRestCipher creates a cipher from a 32-byte master key.
func NewAtRestCipher(key []byte) (*AtRestCipher, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrInvalidKeySize
	}
	c := &AtRestCipher{}
	copy(c.key[:], key)
	return c, nil
}

// Encrypt seals plaintext under a fresh random nonce and returns the
// ciphertext and the nonce. The nonce must be stored alongside the
// ciphertext; it is not secret.
func (c *AtRestCipher) Encrypt(plaintext []byte) (ciphertext, nonce []byte, err error) {
	aead, err := chacha20poly1305.NewX(c.key[:])
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, NonceSize)
	if err := readRandom(nonce); err != nil {
		return nil, nil, err
	}
	ciphertext = aead.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// Decrypt opens a ciphertext produced by Encrypt. Any modification of
// the ciphertext or nonce fails authentication.
func (c *AtRestCipher) Decrypt(ciphertext, nonce []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, ErrInvalidNonceSize
	}
	aead, err := chacha20poly1305.NewX(c.key[:])
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

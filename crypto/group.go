package crypto

import (
	"crypto/ed25519"
	"encoding/binary"

	"golang.org/x/crypto/chacha20poly1305"
)

// Group conversations use sender keys instead of pairwise sessions:
// each member keeps one sending chain for the whole group and
// distributes its initial state to every other member once, through
// the pair channels. Messages then cost one encryption regardless of
// group size. The chain only moves forward, so a message key never
// recurs and compromise of the current chain key does not expose
// earlier messages.

const distributionVersion = 1

// SenderKey is one member's group sending chain.
type SenderKey struct {
	ChainKey [32]byte
	Index    uint32
	// SigningKey lets recipients authenticate the sender of group
	// ciphertexts distributed under this chain.
	SigningKey ed25519.PublicKey
}

// NewSenderKey creates a fresh sender chain bound to the device's
// signing identity.
func (d *Device) NewSenderKey() (*SenderKey, error) {
	sk := &SenderKey{
		SigningKey: append(ed25519.PublicKey(nil), d.identity.signingPublic...),
	}
	if err := readRandom(sk.ChainKey[:]); err != nil {
		return nil, err
	}
	return sk, nil
}

// Advance derives the current message key and steps the chain. The
// previous chain key is overwritten, which is what gives the chain
// forward secrecy.
func (sk *SenderKey) Advance() (mk [32]byte, index uint32, err error) {
	if sk.Index == ^uint32(0) {
		return [32]byte{}, 0, ErrChainExhausted
	}
	next, mk := kdfChain(sk.ChainKey)
	index = sk.Index
	sk.ChainKey = next
	sk.Index++
	return mk, index, nil
}

// Seal encrypts a group message with the next message key. Returns
// the ciphertext and the chain index the recipient needs to select
// or fast-forward to the matching key.
func (sk *SenderKey) Seal(plaintext []byte) (ciphertext []byte, index uint32, err error) {
	mk, index, err := sk.Advance()
	if err != nil {
		return nil, 0, err
	}
	key, nonce, err := deriveCipherParams(mk)
	if err != nil {
		return nil, 0, err
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, 0, err
	}
	var ad [4]byte
	binary.BigEndian.PutUint32(ad[:], index)
	return aead.Seal(nil, nonce[:], plaintext, ad[:]), index, nil
}

// Open decrypts a group message at the given chain index, advancing
// the local copy of the sender's chain as needed. Indexes behind the
// chain are rejected; the chain cannot rewind.
func (sk *SenderKey) Open(ciphertext []byte, index uint32) ([]byte, error) {
	if index < sk.Index {
		return nil, ErrDuplicateMessage
	}
	// Fast-forward through skipped indexes. Group redelivery is
	// handled upstream by the offline queue, so unlike the pair
	// ratchet there is no skipped-key cache here.
	for sk.Index < index {
		if _, _, err := sk.Advance(); err != nil {
			return nil, err
		}
	}
	mk, _, err := sk.Advance()
	if err != nil {
		return nil, err
	}
	key, nonce, err := deriveCipherParams(mk)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	var ad [4]byte
	binary.BigEndian.PutUint32(ad[:], index)
	plaintext, err := aead.Open(nil, nonce[:], ciphertext, ad[:])
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// MarshalDistribution encodes the sender key state for delivery to a
// group member over their pair channel. The encoding is opaque to the
// server, which stores it without being able to read group traffic.
func (sk *SenderKey) MarshalDistribution() []byte {
	buf := make([]byte, 1+4+32+len(sk.SigningKey))
	buf[0] = distributionVersion
	binary.BigEndian.PutUint32(buf[1:5], sk.Index)
	copy(buf[5:37], sk.ChainKey[:])
	copy(buf[37:], sk.SigningKey)
	return buf
}

// UnmarshalDistribution decodes a sender-key distribution message.
func UnmarshalDistribution(data []byte) (*SenderKey, error) {
	if len(data) != 1+4+32+ed25519.PublicKeySize || data[0] != distributionVersion {
		return nil, ErrDecryptionFailed
	}
	sk := &SenderKey{Index: binary.BigEndian.Uint32(data[1:5])}
	copy(sk.ChainKey[:], data[5:37])
	sk.SigningKey = append(ed25519.PublicKey(nil), data[37:]...)
	return sk, nil
}

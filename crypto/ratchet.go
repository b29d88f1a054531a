package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	hkdfInfoRatchet = "meshwire-dr-v1"
	hkdfInfoAEAD    = "meshwire-aead-v1"

	// maxSkippedKeys bounds the out-of-order cache so a malicious
	// peer cannot force unbounded key retention.
	maxSkippedKeys = 64
)

// MessageHeader accompanies every ratchet ciphertext.
type MessageHeader struct {
	DHPublic [32]byte
	PN       uint32
	N        uint32
	Nonce    [12]byte
}

// Encrypt derives the next sending message key and seals plaintext.
// The header is bound as associated data, so tampering with it fails
// decryption on the other side.
func Encrypt(session *SessionState, plaintext []byte) ([]byte, *MessageHeader, error) {
	if isZeroKey(session.SendChain.Key) {
		if err := rotateOnSend(session); err != nil {
			return nil, nil, err
		}
	}
	newCK, mk := kdfChain(session.SendChain.Key)
	n := session.SendChain.Index
	session.SendChain.Key = newCK
	session.SendChain.Index++

	key, nonce, err := deriveCipherParams(mk)
	if err != nil {
		return nil, nil, err
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, nil, err
	}
	header := &MessageHeader{DHPublic: session.RatchetPublic, PN: session.PN, N: n, Nonce: nonce}
	ciphertext := aead.Seal(nil, nonce[:], plaintext, header.associatedData())
	return ciphertext, header, nil
}

// Decrypt opens a ratchet ciphertext, consuming a cached skipped key
// for out-of-order messages or advancing the receiving chain as
// needed.
func Decrypt(session *SessionState, ciphertext []byte, header *MessageHeader) ([]byte, error) {
	if mk, ok := session.consumeSkipped(header); ok {
		return openWithKey(mk, ciphertext, header)
	}

	// Work on a copy so a forged ciphertext cannot advance the
	// chain; state commits only after authentication succeeds.
	trial := *session
	trial.skipped = cloneSkipped(session.skipped)

	if err := rotateOnRecv(&trial, header); err != nil {
		return nil, err
	}
	if header.N < trial.RecvChain.Index {
		return nil, ErrDuplicateMessage
	}
	// Skip ahead, caching the keys of messages still in flight.
	for trial.RecvChain.Index < header.N {
		newCK, mk := kdfChain(trial.RecvChain.Key)
		trial.storeSkipped(trial.RemoteRatchet, trial.RecvChain.Index, mk)
		trial.RecvChain.Key = newCK
		trial.RecvChain.Index++
	}
	newCK, mk := kdfChain(trial.RecvChain.Key)
	trial.RecvChain.Key = newCK
	trial.RecvChain.Index++

	plaintext, err := openWithKey(mk, ciphertext, header)
	if err != nil {
		return nil, err
	}
	*session = trial
	return plaintext, nil
}

func cloneSkipped(m map[string][32]byte) map[string][32]byte {
	out := make(map[string][32]byte, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func openWithKey(mk [32]byte, ciphertext []byte, header *MessageHeader) ([]byte, error) {
	key, _, err := deriveCipherParams(mk)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, header.Nonce[:], ciphertext, header.associatedData())
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// rotateOnSend steps the DH ratchet before the first send on a fresh
// chain: new key pair, new root, new sending chain.
func rotateOnSend(session *SessionState) error {
	if isZeroKey(session.RemoteRatchet) {
		return ErrInvalidRemoteKey
	}
	kp, err := generateX25519KeyPair()
	if err != nil {
		return err
	}
	dh, err := curve25519.X25519(kp.Private[:], session.RemoteRatchet[:])
	if err != nil {
		return err
	}
	root, send, err := kdfRoot(session.RootKey[:], dh)
	if err != nil {
		return err
	}
	session.RootKey = root
	session.PN = session.SendChain.Index
	session.SendChain = chainState{Key: send}
	session.RatchetPrivate = kp.Private
	session.RatchetPublic = kp.Public
	return nil
}

// rotateOnRecv steps the DH ratchet when the peer presents a new
// ratchet key, invalidating the current sending chain.
func rotateOnRecv(session *SessionState, header *MessageHeader) error {
	if header.DHPublic == session.RemoteRatchet {
		return nil
	}
	dh, err := curve25519.X25519(session.RatchetPrivate[:], header.DHPublic[:])
	if err != nil {
		return err
	}
	root, recv, err := kdfRoot(session.RootKey[:], dh)
	if err != nil {
		return err
	}
	session.RootKey = root
	session.RemoteRatchet = header.DHPublic
	session.RecvChain = chainState{Key: recv}
	session.SendChain = chainState{}
	session.PN = header.PN
	return nil
}

func kdfRoot(root, dh []byte) ([32]byte, [32]byte, error) {
	hk := hkdf.New(sha256.New, dh, root, []byte(hkdfInfoRatchet))
	var newRoot, chain [32]byte
	if _, err := io.ReadFull(hk, newRoot[:]); err != nil {
		return [32]byte{}, [32]byte{}, err
	}
	if _, err := io.ReadFull(hk, chain[:]); err != nil {
		return [32]byte{}, [32]byte{}, err
	}
	return newRoot, chain, nil
}

// kdfChain derives (next chain key, message key) from a chain key.
// Distinct HMAC labels keep the two outputs independent.
func kdfChain(chain [32]byte) (next, mk [32]byte) {
	copy(next[:], hmacSHA256(chain[:], []byte{0x01}))
	copy(mk[:], hmacSHA256(chain[:], []byte{0x02}))
	return next, mk
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func deriveCipherParams(mk [32]byte) ([32]byte, [12]byte, error) {
	hk := hkdf.New(sha256.New, mk[:], nil, []byte(hkdfInfoAEAD))
	var key [32]byte
	var nonce [12]byte
	if _, err := io.ReadFull(hk, key[:]); err != nil {
		return [32]byte{}, [12]byte{}, err
	}
	if _, err := io.ReadFull(hk, nonce[:]); err != nil {
		return [32]byte{}, [12]byte{}, err
	}
	return key, nonce, nil
}

func (h *MessageHeader) associatedData() []byte {
	buf := make([]byte, 32+4+4)
	copy(buf, h.DHPublic[:])
	binary.BigEndian.PutUint32(buf[32:], h.PN)
	binary.BigEndian.PutUint32(buf[36:], h.N)
	return buf
}

func isZeroKey(k [32]byte) bool {
	var zero [32]byte
	return k == zero
}

func (s *SessionState) storeSkipped(pub [32]byte, index uint32, key [32]byte) {
	if s.skipped == nil {
		s.skipped = make(map[string][32]byte)
	}
	if len(s.skipped) >= maxSkippedKeys {
		for k := range s.skipped {
			delete(s.skipped, k)
			break
		}
	}
	s.skipped[skippedName(pub, index)] = key
}

func (s *SessionState) consumeSkipped(header *MessageHeader) ([32]byte, bool) {
	if s.skipped == nil {
		return [32]byte{}, false
	}
	name := skippedName(header.DHPublic, header.N)
	if mk, ok := s.skipped[name]; ok {
		delete(s.skipped, name)
		return mk, true
	}
	return [32]byte{}, false
}

func skippedName(pub [32]byte, index uint32) string {
	buf := make([]byte, 32+4)
	copy(buf, pub[:])
	binary.BigEndian.PutUint32(buf[32:], index)
	return string(buf)
}

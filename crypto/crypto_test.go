package crypto

import (
	"bytes"
	"errors"
	"testing"
)

// countingReader is a deterministic randomness source for tests.
type countingReader struct {
	next byte
}

func (r *countingReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = r.next
		r.next++
	}
	return len(p), nil
}

func TestAtRestCipher(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)

	t.Run("round trip", func(t *testing.T) {
		c, err := NewAtRestCipher(key)
		if err != nil {
			t.Fatalf("NewAtRestCipher: %v", err)
		}
		plaintext := []byte("stored payload")
		ct, nonce, err := c.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		if len(nonce) != NonceSize {
			t.Fatalf("nonce length = %d, want %d", len(nonce), NonceSize)
		}
		got, err := c.Decrypt(ct, nonce)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Errorf("Decrypt = %q, want %q", got, plaintext)
		}
	})

	t.Run("fresh nonce per call", func(t *testing.T) {
		c, _ := NewAtRestCipher(key)
		_, n1, _ := c.Encrypt([]byte("a"))
		_, n2, _ := c.Encrypt([]byte("a"))
		if bytes.Equal(n1, n2) {
			t.Error("two encryptions produced the same nonce")
		}
	})

	t.Run("tampered ciphertext rejected", func(t *testing.T) {
		c, _ := NewAtRestCipher(key)
		ct, nonce, err := c.Encrypt([]byte("payload"))
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		ct[0] ^= 0xff
		if _, err := c.Decrypt(ct, nonce); !errors.Is(err, ErrDecryptionFailed) {
			t.Errorf("Decrypt after tamper = %v, want ErrDecryptionFailed", err)
		}
	})

	t.Run("tampered nonce rejected", func(t *testing.T) {
		c, _ := NewAtRestCipher(key)
		ct, nonce, err := c.Encrypt([]byte("payload"))
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		nonce[0] ^= 0xff
		if _, err := c.Decrypt(ct, nonce); !errors.Is(err, ErrDecryptionFailed) {
			t.Errorf("Decrypt with bad nonce = %v, want ErrDecryptionFailed", err)
		}
	})

	t.Run("bad key size", func(t *testing.T) {
		if _, err := NewAtRestCipher(make([]byte, 16)); !errors.Is(err, ErrInvalidKeySize) {
			t.Errorf("NewAtRestCipher(16 bytes) = %v, want ErrInvalidKeySize", err)
		}
	})

	t.Run("bad nonce size", func(t *testing.T) {
		c, _ := NewAtRestCipher(key)
		if _, err := c.Decrypt([]byte("x"), make([]byte, 12)); !errors.Is(err, ErrInvalidNonceSize) {
			t.Errorf("Decrypt(12-byte nonce) = %v, want ErrInvalidNonceSize", err)
		}
	})
}

// newSessionPair runs a full handshake and returns both sides.
func newSessionPair(t *testing.T, cfg SessionConfig) (initiator, responder *SessionState) {
	t.Helper()
	alice, err := GenerateDevice()
	if err != nil {
		t.Fatalf("GenerateDevice alice: %v", err)
	}
	bob, err := GenerateDevice()
	if err != nil {
		t.Fatalf("GenerateDevice bob: %v", err)
	}
	bundle, err := bob.PublishBundle(2)
	if err != nil {
		t.Fatalf("PublishBundle: %v", err)
	}
	aliceSess, msg, err := alice.InitSession(bundle, cfg)
	if err != nil {
		t.Fatalf("InitSession: %v", err)
	}
	bobSess, err := bob.AcceptSession(msg, cfg)
	if err != nil {
		t.Fatalf("AcceptSession: %v", err)
	}
	return aliceSess, bobSess
}

func TestHandshake(t *testing.T) {
	t.Run("establishes matching sessions", func(t *testing.T) {
		aliceSess, bobSess := newSessionPair(t, SessionConfig{})

		ct, header, err := Encrypt(aliceSess, []byte("hello bob"))
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		got, err := Decrypt(bobSess, ct, header)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if string(got) != "hello bob" {
			t.Errorf("Decrypt = %q, want %q", got, "hello bob")
		}
	})

	t.Run("tampered signed prekey rejected", func(t *testing.T) {
		alice, _ := GenerateDevice()
		bob, _ := GenerateDevice()
		bundle, err := bob.PublishBundle(1)
		if err != nil {
			t.Fatalf("PublishBundle: %v", err)
		}
		bundle.SignedPreKey[0] ^= 0xff
		if _, _, err := alice.InitSession(bundle, SessionConfig{}); !errors.Is(err, ErrInvalidPrekeySignature) {
			t.Errorf("InitSession = %v, want ErrInvalidPrekeySignature", err)
		}
	})

	t.Run("one-time prekey consumed once", func(t *testing.T) {
		alice, _ := GenerateDevice()
		bob, _ := GenerateDevice()
		bundle, err := bob.PublishBundle(1)
		if err != nil {
			t.Fatalf("PublishBundle: %v", err)
		}
		if got := bob.OneTimeKeyCount(); got != 1 {
			t.Fatalf("OneTimeKeyCount = %d, want 1", got)
		}
		_, msg, err := alice.InitSession(bundle, SessionConfig{})
		if err != nil {
			t.Fatalf("InitSession: %v", err)
		}
		if msg.OneTimePreKeyID == nil {
			t.Fatal("handshake did not claim a one-time prekey")
		}
		if _, err := bob.AcceptSession(msg, SessionConfig{}); err != nil {
			t.Fatalf("AcceptSession: %v", err)
		}
		if got := bob.OneTimeKeyCount(); got != 0 {
			t.Errorf("OneTimeKeyCount after accept = %d, want 0", got)
		}
		// Replaying the handshake names a prekey that no longer
		// exists.
		if _, err := bob.AcceptSession(msg, SessionConfig{}); !errors.Is(err, ErrMissingOneTimeKey) {
			t.Errorf("replayed AcceptSession = %v, want ErrMissingOneTimeKey", err)
		}
	})

	t.Run("without one-time prekeys", func(t *testing.T) {
		alice, _ := GenerateDevice()
		bob, _ := GenerateDevice()
		bundle, err := bob.PublishBundle(0)
		if err != nil {
			t.Fatalf("PublishBundle: %v", err)
		}
		aliceSess, msg, err := alice.InitSession(bundle, SessionConfig{})
		if err != nil {
			t.Fatalf("InitSession: %v", err)
		}
		if msg.OneTimePreKeyID != nil {
			t.Error("claimed a one-time prekey from an empty bundle")
		}
		bobSess, err := bob.AcceptSession(msg, SessionConfig{})
		if err != nil {
			t.Fatalf("AcceptSession: %v", err)
		}
		ct, header, _ := Encrypt(aliceSess, []byte("degraded"))
		if got, err := Decrypt(bobSess, ct, header); err != nil || string(got) != "degraded" {
			t.Errorf("Decrypt = %q, %v", got, err)
		}
	})

	t.Run("kem secret mismatch breaks the session", func(t *testing.T) {
		alice, _ := GenerateDevice()
		bob, _ := GenerateDevice()
		bundle, err := bob.PublishBundle(1)
		if err != nil {
			t.Fatalf("PublishBundle: %v", err)
		}
		aliceSess, msg, err := alice.InitSession(bundle, SessionConfig{KEMSecret: []byte("shared")})
		if err != nil {
			t.Fatalf("InitSession: %v", err)
		}
		bobSess, err := bob.AcceptSession(msg, SessionConfig{KEMSecret: []byte("different")})
		if err != nil {
			t.Fatalf("AcceptSession: %v", err)
		}
		ct, header, _ := Encrypt(aliceSess, []byte("secret"))
		if _, err := Decrypt(bobSess, ct, header); !errors.Is(err, ErrDecryptionFailed) {
			t.Errorf("Decrypt with diverged KEM secret = %v, want ErrDecryptionFailed", err)
		}
	})
}

func TestRatchet(t *testing.T) {
	t.Run("ping pong rotates the ratchet", func(t *testing.T) {
		aliceSess, bobSess := newSessionPair(t, SessionConfig{})

		exchange := func(from, to *SessionState, msg string) {
			t.Helper()
			ct, header, err := Encrypt(from, []byte(msg))
			if err != nil {
				t.Fatalf("Encrypt %q: %v", msg, err)
			}
			got, err := Decrypt(to, ct, header)
			if err != nil {
				t.Fatalf("Decrypt %q: %v", msg, err)
			}
			if string(got) != msg {
				t.Fatalf("Decrypt = %q, want %q", got, msg)
			}
		}

		exchange(aliceSess, bobSess, "a1")
		exchange(bobSess, aliceSess, "b1")
		firstRatchet := aliceSess.RemoteRatchet
		exchange(aliceSess, bobSess, "a2")
		exchange(bobSess, aliceSess, "b2")
		if aliceSess.RemoteRatchet == firstRatchet {
			t.Error("remote ratchet key did not rotate across round trips")
		}
	})

	t.Run("out of order delivery", func(t *testing.T) {
		aliceSess, bobSess := newSessionPair(t, SessionConfig{})

		type sealed struct {
			ct     []byte
			header *MessageHeader
		}
		var msgs []sealed
		for _, m := range []string{"m0", "m1", "m2"} {
			ct, header, err := Encrypt(aliceSess, []byte(m))
			if err != nil {
				t.Fatalf("Encrypt %q: %v", m, err)
			}
			msgs = append(msgs, sealed{ct, header})
		}

		// Deliver the last message first, then the stragglers.
		for _, i := range []int{2, 0, 1} {
			got, err := Decrypt(bobSess, msgs[i].ct, msgs[i].header)
			if err != nil {
				t.Fatalf("Decrypt msg %d: %v", i, err)
			}
			want := []string{"m0", "m1", "m2"}[i]
			if string(got) != want {
				t.Errorf("Decrypt msg %d = %q, want %q", i, got, want)
			}
		}
	})

	t.Run("duplicate rejected", func(t *testing.T) {
		aliceSess, bobSess := newSessionPair(t, SessionConfig{})
		ct, header, _ := Encrypt(aliceSess, []byte("once"))
		if _, err := Decrypt(bobSess, ct, header); err != nil {
			t.Fatalf("first Decrypt: %v", err)
		}
		if _, err := Decrypt(bobSess, ct, header); !errors.Is(err, ErrDuplicateMessage) {
			t.Errorf("second Decrypt = %v, want ErrDuplicateMessage", err)
		}
	})

	t.Run("tampered header rejected", func(t *testing.T) {
		aliceSess, bobSess := newSessionPair(t, SessionConfig{})
		ct, header, _ := Encrypt(aliceSess, []byte("bound"))
		forged := *header
		forged.PN++
		if _, err := Decrypt(bobSess, ct, &forged); !errors.Is(err, ErrDecryptionFailed) {
			t.Errorf("Decrypt with tampered header = %v, want ErrDecryptionFailed", err)
		}
		// The rejection must not advance the chain; the genuine
		// message still decrypts.
		if got, err := Decrypt(bobSess, ct, header); err != nil || string(got) != "bound" {
			t.Errorf("Decrypt after rejected forgery = %q, %v", got, err)
		}
	})
}

func TestSenderKey(t *testing.T) {
	newKey := func(t *testing.T) *SenderKey {
		t.Helper()
		d, err := GenerateDevice()
		if err != nil {
			t.Fatalf("GenerateDevice: %v", err)
		}
		sk, err := d.NewSenderKey()
		if err != nil {
			t.Fatalf("NewSenderKey: %v", err)
		}
		return sk
	}

	t.Run("seal open round trip", func(t *testing.T) {
		sender := newKey(t)
		recipient, err := UnmarshalDistribution(sender.MarshalDistribution())
		if err != nil {
			t.Fatalf("UnmarshalDistribution: %v", err)
		}
		for i, msg := range []string{"g0", "g1", "g2"} {
			ct, idx, err := sender.Seal([]byte(msg))
			if err != nil {
				t.Fatalf("Seal %q: %v", msg, err)
			}
			if idx != uint32(i) {
				t.Fatalf("Seal index = %d, want %d", idx, i)
			}
			got, err := recipient.Open(ct, idx)
			if err != nil {
				t.Fatalf("Open %q: %v", msg, err)
			}
			if string(got) != msg {
				t.Errorf("Open = %q, want %q", got, msg)
			}
		}
	})

	t.Run("recipient fast-forwards over gaps", func(t *testing.T) {
		sender := newKey(t)
		recipient, _ := UnmarshalDistribution(sender.MarshalDistribution())
		sender.Seal([]byte("dropped"))
		sender.Seal([]byte("dropped"))
		ct, idx, err := sender.Seal([]byte("kept"))
		if err != nil {
			t.Fatalf("Seal: %v", err)
		}
		got, err := recipient.Open(ct, idx)
		if err != nil {
			t.Fatalf("Open at index %d: %v", idx, err)
		}
		if string(got) != "kept" {
			t.Errorf("Open = %q, want %q", got, "kept")
		}
	})

	t.Run("chain does not rewind", func(t *testing.T) {
		sender := newKey(t)
		recipient, _ := UnmarshalDistribution(sender.MarshalDistribution())
		ct0, idx0, _ := sender.Seal([]byte("first"))
		ct1, idx1, _ := sender.Seal([]byte("second"))
		if _, err := recipient.Open(ct1, idx1); err != nil {
			t.Fatalf("Open second: %v", err)
		}
		if _, err := recipient.Open(ct0, idx0); !errors.Is(err, ErrDuplicateMessage) {
			t.Errorf("Open behind chain = %v, want ErrDuplicateMessage", err)
		}
	})

	t.Run("advance overwrites the chain key", func(t *testing.T) {
		sender := newKey(t)
		before := sender.ChainKey
		mk1, _, err := sender.Advance()
		if err != nil {
			t.Fatalf("Advance: %v", err)
		}
		if sender.ChainKey == before {
			t.Error("chain key unchanged after Advance")
		}
		mk2, _, _ := sender.Advance()
		if mk1 == mk2 {
			t.Error("consecutive message keys are equal")
		}
	})

	t.Run("tampered ciphertext rejected", func(t *testing.T) {
		sender := newKey(t)
		recipient, _ := UnmarshalDistribution(sender.MarshalDistribution())
		ct, idx, _ := sender.Seal([]byte("payload"))
		ct[0] ^= 0xff
		if _, err := recipient.Open(ct, idx); !errors.Is(err, ErrDecryptionFailed) {
			t.Errorf("Open after tamper = %v, want ErrDecryptionFailed", err)
		}
	})

	t.Run("bad distribution rejected", func(t *testing.T) {
		if _, err := UnmarshalDistribution([]byte{1, 2, 3}); err == nil {
			t.Error("UnmarshalDistribution accepted truncated input")
		}
		sender := newKey(t)
		data := sender.MarshalDistribution()
		data[0] = 99
		if _, err := UnmarshalDistribution(data); err == nil {
			t.Error("UnmarshalDistribution accepted unknown version")
		}
	})
}

func TestDeterministicRandom(t *testing.T) {
	generate := func() [32]byte {
		restore := UseDeterministicRandom(&countingReader{})
		defer restore()
		d, err := GenerateDevice()
		if err != nil {
			t.Fatalf("GenerateDevice: %v", err)
		}
		pub, _ := d.IdentityPublic()
		return pub
	}
	if generate() != generate() {
		t.Error("identical randomness produced different identities")
	}
}

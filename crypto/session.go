package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const hkdfInfoHandshake = "meshwire-x3dh-v1"

// SessionRole distinguishes the handshake sides.
type SessionRole int

const (
	RoleInitiator SessionRole = iota
	RoleResponder
)

// SessionState is one side of a pair channel. It is not safe for
// concurrent use; callers serialize access per session.
type SessionState struct {
	RootKey        [32]byte
	SendChain      chainState
	RecvChain      chainState
	RatchetPrivate [32]byte
	RatchetPublic  [32]byte
	RemoteRatchet  [32]byte
	RemoteIdentity [32]byte
	PN             uint32
	Role           SessionRole
	ClaimedPreKey  *uint32
	skipped        map[string][32]byte
}

type chainState struct {
	Key   [32]byte
	Index uint32
}

// SessionConfig carries optional handshake inputs.
type SessionConfig struct {
	// KEMSecret is a post-quantum shared secret already encapsulated
	// against the bundle's kyber prekey. When present it is
	// concatenated into the key derivation, so an attacker must
	// break both X25519 and the KEM to recover the session.
	KEMSecret []byte
}

// InitSession performs the X3DH handshake as the initiator against a
// remote prekey bundle. It verifies the signed prekey signature,
// consumes the bundle's first one-time prekey if present, and returns
// the session plus the handshake message for the responder.
func (d *Device) InitSession(bundle *PreKeyBundle, cfg SessionConfig) (*SessionState, *HandshakeMessage, error) {
	if err := verifyBundle(bundle); err != nil {
		return nil, nil, err
	}

	ephemeral, err := generateX25519KeyPair()
	if err != nil {
		return nil, nil, err
	}

	var otk *OneTimePreKey
	if len(bundle.OneTimePreKeys) > 0 {
		otk = &bundle.OneTimePreKeys[0]
	}

	secret, err := initiatorSecret(d, bundle, ephemeral, otk)
	if err != nil {
		return nil, nil, err
	}
	secret = append(secret, cfg.KEMSecret...)
	root, chain := deriveInitialKeys(secret)

	var claimed *uint32
	if otk != nil {
		claimed = new(uint32)
		*claimed = otk.ID
	}

	sess := &SessionState{
		RootKey:        root,
		SendChain:      chainState{Key: chain},
		RatchetPrivate: ephemeral.Private,
		RatchetPublic:  ephemeral.Public,
		RemoteRatchet:  bundle.SignedPreKey,
		RemoteIdentity: bundle.IdentityKey,
		Role:           RoleInitiator,
		ClaimedPreKey:  claimed,
		skipped:        make(map[string][32]byte),
	}
	msg := &HandshakeMessage{
		IdentityKey:     d.identity.dhPublic,
		SigningKey:      append([]byte(nil), d.identity.signingPublic...),
		EphemeralKey:    ephemeral.Public,
		OneTimePreKeyID: claimed,
	}
	return sess, msg, nil
}

// AcceptSession finalizes the handshake on the responder side. The
// referenced one-time prekey is consumed; a second handshake naming
// the same prekey fails with ErrMissingOneTimeKey.
func (d *Device) AcceptSession(msg *HandshakeMessage, cfg SessionConfig) (*SessionState, error) {
	var otk *keyPair
	if msg.OneTimePreKeyID != nil {
		kp, ok := d.oneTime[*msg.OneTimePreKeyID]
		if !ok {
			return nil, ErrMissingOneTimeKey
		}
		otk = &kp
		delete(d.oneTime, *msg.OneTimePreKeyID)
	}

	secret, err := responderSecret(d, msg, otk)
	if err != nil {
		return nil, err
	}
	secret = append(secret, cfg.KEMSecret...)
	root, chain := deriveInitialKeys(secret)

	return &SessionState{
		RootKey:        root,
		RecvChain:      chainState{Key: chain},
		RatchetPrivate: d.signedPrekey.Private,
		RatchetPublic:  d.signedPrekey.Public,
		RemoteRatchet:  msg.EphemeralKey,
		RemoteIdentity: msg.IdentityKey,
		Role:           RoleResponder,
		ClaimedPreKey:  msg.OneTimePreKeyID,
		skipped:        make(map[string][32]byte),
	}, nil
}

func verifyBundle(bundle *PreKeyBundle) error {
	if len(bundle.SigningKey) != ed25519.PublicKeySize {
		return ErrInvalidPrekeySignature
	}
	if !ed25519.Verify(ed25519.PublicKey(bundle.SigningKey), bundle.SignedPreKey[:], bundle.SignedPreKeySig) {
		return ErrInvalidPrekeySignature
	}
	return nil
}

// DH1 = IK_a * SPK_b, DH2 = EK_a * IK_b, DH3 = EK_a * SPK_b,
// DH4 = EK_a * OPK_b when a one-time prekey was available.
func initiatorSecret(d *Device, bundle *PreKeyBundle, eph keyPair, otk *OneTimePreKey) ([]byte, error) {
	dh1, err := curve25519.X25519(d.identity.dhPrivate[:], bundle.SignedPreKey[:])
	if err != nil {
		return nil, err
	}
	dh2, err := curve25519.X25519(eph.Private[:], bundle.IdentityKey[:])
	if err != nil {
		return nil, err
	}
	dh3, err := curve25519.X25519(eph.Private[:], bundle.SignedPreKey[:])
	if err != nil {
		return nil, err
	}
	secret := append(append(append([]byte{}, dh1...), dh2...), dh3...)
	if otk != nil {
		dh4, err := curve25519.X25519(eph.Private[:], otk.Public[:])
		if err != nil {
			return nil, err
		}
		secret = append(secret, dh4...)
	}
	return secret, nil
}

func responderSecret(d *Device, msg *HandshakeMessage, otk *keyPair) ([]byte, error) {
	dh1, err := curve25519.X25519(d.signedPrekey.Private[:], msg.IdentityKey[:])
	if err != nil {
		return nil, err
	}
	dh2, err := curve25519.X25519(d.identity.dhPrivate[:], msg.EphemeralKey[:])
	if err != nil {
		return nil, err
	}
	dh3, err := curve25519.X25519(d.signedPrekey.Private[:], msg.EphemeralKey[:])
	if err != nil {
		return nil, err
	}
	secret := append(append(append([]byte{}, dh1...), dh2...), dh3...)
	if otk != nil {
		dh4, err := curve25519.X25519(otk.Private[:], msg.EphemeralKey[:])
		if err != nil {
			return nil, err
		}
		secret = append(secret, dh4...)
	}
	return secret, nil
}

func deriveInitialKeys(secret []byte) ([32]byte, [32]byte) {
	kdf := hkdf.New(sha256.New, secret, nil, []byte(hkdfInfoHandshake))
	var root, chain [32]byte
	if _, err := io.ReadFull(kdf, root[:]); err != nil {
		return [32]byte{}, [32]byte{}
	}
	if _, err := io.ReadFull(kdf, chain[:]); err != nil {
		return [32]byte{}, [32]byte{}
	}
	return root, chain
}

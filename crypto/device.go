package crypto

import (
	"crypto/ed25519"
	"crypto/sha512"

	"golang.org/x/crypto/curve25519"
)

// Device holds one device's long-term key material: an Ed25519
// signing identity, its X25519 counterpart for Diffie-Hellman, the
// current signed prekey and the pool of unclaimed one-time prekeys.
type Device struct {
	identity     identityKeyPair
	signedPrekey keyPair
	signedSig    []byte
	oneTime      map[uint32]keyPair
	nextOTKID    uint32
}

type identityKeyPair struct {
	signingPublic  ed25519.PublicKey
	signingPrivate ed25519.PrivateKey
	dhPrivate      [32]byte
	dhPublic       [32]byte
}

type keyPair struct {
	Private [32]byte
	Public  [32]byte
}

// PreKeyBundle is the public half of a device's key material, served
// by the prekey store to devices that want to open a session.
type PreKeyBundle struct {
	IdentityKey     [32]byte
	SigningKey      []byte
	SignedPreKey    [32]byte
	SignedPreKeySig []byte
	OneTimePreKeys  []OneTimePreKey
	// KyberPreKey carries an opaque post-quantum KEM public key when
	// the device uploaded one. It is not interpreted here; the
	// encapsulated secret, if any, is mixed into the handshake via
	// SessionConfig.KEMSecret.
	KyberPreKey []byte
}

// OneTimePreKey is a single-use X25519 public key.
type OneTimePreKey struct {
	ID     uint32
	Public [32]byte
}

// HandshakeMessage is the initiator's first message, carrying the
// public values the responder needs to derive the same secret.
type HandshakeMessage struct {
	IdentityKey     [32]byte
	SigningKey      []byte
	EphemeralKey    [32]byte
	OneTimePreKeyID *uint32
}

// GenerateDevice creates a device identity: an Ed25519 signing pair,
// the derived X25519 pair, and an initial signed prekey.
func GenerateDevice() (*Device, error) {
	seed := make([]byte, ed25519.SeedSize)
	if err := readRandom(seed); err != nil {
		return nil, err
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)

	dhPriv := ed25519PrivToCurve25519(priv)
	dhPubSlice, err := curve25519.X25519(dhPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	var dhPub [32]byte
	copy(dhPub[:], dhPubSlice)

	d := &Device{
		identity: identityKeyPair{
			signingPublic:  append(ed25519.PublicKey(nil), pub...),
			signingPrivate: append(ed25519.PrivateKey(nil), priv...),
			dhPrivate:      dhPriv,
			dhPublic:       dhPub,
		},
		oneTime:   make(map[uint32]keyPair),
		nextOTKID: 1,
	}
	if err := d.RotateSignedPreKey(); err != nil {
		return nil, err
	}
	return d, nil
}

// RotateSignedPreKey generates a fresh signed prekey, replacing the
// current one.
func (d *Device) RotateSignedPreKey() error {
	kp, err := generateX25519KeyPair()
	if err != nil {
		return err
	}
	sig := ed25519.Sign(d.identity.signingPrivate, kp.Public[:])
	d.signedPrekey = kp
	d.signedSig = append([]byte(nil), sig...)
	return nil
}

// PublishBundle produces a prekey bundle with the requested number of
// fresh one-time prekeys. Only public material leaves the device.
func (d *Device) PublishBundle(oneTimeCount int) (*PreKeyBundle, error) {
	bundle := &PreKeyBundle{
		IdentityKey:     d.identity.dhPublic,
		SigningKey:      append([]byte(nil), d.identity.signingPublic...),
		SignedPreKey:    d.signedPrekey.Public,
		SignedPreKeySig: append([]byte(nil), d.signedSig...),
	}
	for i := 0; i < oneTimeCount; i++ {
		kp, err := generateX25519KeyPair()
		if err != nil {
			return nil, err
		}
		id := d.nextOTKID
		d.nextOTKID++
		d.oneTime[id] = kp
		bundle.OneTimePreKeys = append(bundle.OneTimePreKeys, OneTimePreKey{ID: id, Public: kp.Public})
	}
	return bundle, nil
}

// IdentityPublic returns the device's static public keys.
func (d *Device) IdentityPublic() (dh [32]byte, signing ed25519.PublicKey) {
	return d.identity.dhPublic, append(ed25519.PublicKey(nil), d.identity.signingPublic...)
}

// OneTimeKeyCount reports how many unclaimed one-time prekeys remain.
func (d *Device) OneTimeKeyCount() int {
	return len(d.oneTime)
}

// The birational map from the Ed25519 seed to an X25519 scalar, with
// the standard clamping.
func ed25519PrivToCurve25519(priv ed25519.PrivateKey) [32]byte {
	h := sha512.Sum512(priv.Seed())
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64
	var out [32]byte
	copy(out[:], h[:32])
	return out
}

func generateX25519KeyPair() (keyPair, error) {
	var priv [32]byte
	if err := readRandom(priv[:]); err != nil {
		return keyPair{}, err
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return keyPair{}, err
	}
	var kp keyPair
	kp.Private = priv
	copy(kp.Public[:], pub)
	return kp, nil
}

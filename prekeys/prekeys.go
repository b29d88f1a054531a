// Package prekeys is the server side of session establishment: it
// stores the public key material devices publish (identity key,
// signed prekey, one-time prekey pool, optional post-quantum prekey)
// and hands out bundles to devices that want to open an encrypted
// pair channel. Private keys never reach this package.
//
// One-time prekeys are single use. Claiming one is atomic under
// concurrency: two devices requesting a bundle for the same peer at
// the same moment receive different one-time prekeys, or one of them
// a degraded bundle without one when the pool is empty.
//
// The package also keeps group sender-key distribution blobs. They
// are opaque ciphertext addressed to a recipient device; the server
// stores and returns them without being able to read group traffic.
package prekeys

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/meshwire/messaging"
)

// Key material sizes accepted from clients.
const (
	dhKeySize     = 32
	signatureSize = ed25519.SignatureSize

	// MaxOneTimeBatch bounds a single upload so a client cannot
	// bloat its pool arbitrarily.
	MaxOneTimeBatch = 100
)

// SignedPreKey is a medium-term prekey signed by the device identity.
type SignedPreKey struct {
	KeyID     uint32    `json:"key_id"`
	PublicKey []byte    `json:"public_key"`
	Signature []byte    `json:"signature"`
	CreatedAt time.Time `json:"created_at"`
}

// OneTimePreKey is a single-use prekey.
type OneTimePreKey struct {
	KeyID     uint32 `json:"key_id"`
	PublicKey []byte `json:"public_key"`
}

// Registration is the full key upload a device performs once.
type Registration struct {
	UserID         uuid.UUID       `json:"user_id"`
	DeviceID       uuid.UUID       `json:"device_id"`
	IdentityKey    []byte          `json:"identity_key"`
	SigningKey     []byte          `json:"signing_key"`
	SignedPreKey   SignedPreKey    `json:"signed_prekey"`
	OneTimePreKeys []OneTimePreKey `json:"one_time_prekeys,omitempty"`
	// KyberPreKey is an opaque post-quantum KEM public key. The
	// server stores and serves it without interpreting it.
	KyberPreKey []byte `json:"kyber_prekey,omitempty"`
}

// Bundle is what a device receives to initiate a session with a peer
// device. OneTimePreKey is nil when the peer's pool is exhausted.
type Bundle struct {
	UserID        uuid.UUID      `json:"user_id"`
	DeviceID      uuid.UUID      `json:"device_id"`
	IdentityKey   []byte         `json:"identity_key"`
	SigningKey    []byte         `json:"signing_key"`
	SignedPreKey  SignedPreKey   `json:"signed_prekey"`
	OneTimePreKey *OneTimePreKey `json:"one_time_prekey,omitempty"`
	KyberPreKey   []byte         `json:"kyber_prekey,omitempty"`
}

// DeviceInfo identifies one registered device of a user.
type DeviceInfo struct {
	UserID    uuid.UUID `json:"user_id"`
	DeviceID  uuid.UUID `json:"device_id"`
	CreatedAt time.Time `json:"created_at"`
}

// SenderKeyRef addresses one member's sender key within a group.
type SenderKeyRef struct {
	GroupID        uuid.UUID
	SenderUserID   uuid.UUID
	SenderDeviceID uuid.UUID
}

// Store persists device key material and group sender keys.
type Store interface {
	// RegisterDevice upserts the device row, its identity and signed
	// prekey, and inserts the one-time batch. Re-registration
	// replaces the identity material and clears the old one-time
	// pool.
	RegisterDevice(ctx context.Context, reg Registration) error

	// ClaimBundle assembles a bundle for the device, atomically
	// consuming one one-time prekey when available. A device with an
	// exhausted pool yields a degraded bundle with a nil
	// OneTimePreKey.
	ClaimBundle(ctx context.Context, deviceID uuid.UUID) (*Bundle, error)

	// UploadPreKeys refills the device's one-time pool. Duplicate
	// key IDs are ignored.
	UploadPreKeys(ctx context.Context, deviceID uuid.UUID, keys []OneTimePreKey) error

	// UploadSignedPreKey rotates the device's signed prekey.
	UploadSignedPreKey(ctx context.Context, deviceID uuid.UUID, key SignedPreKey) error

	// OneTimeKeyCount reports the unclaimed pool size, so clients
	// know when to refill.
	OneTimeKeyCount(ctx context.Context, deviceID uuid.UUID) (int, error)

	// ListDevices returns the user's registered devices.
	ListDevices(ctx context.Context, userID uuid.UUID) ([]DeviceInfo, error)

	// RemoveDevice deletes the device and all its key material,
	// including sender keys it distributed.
	RemoveDevice(ctx context.Context, userID, deviceID uuid.UUID) error

	// StoreSenderKey upserts a sender-key distribution blob.
	StoreSenderKey(ctx context.Context, ref SenderKeyRef, distribution []byte) error

	// GetSenderKey fetches a distribution blob, ErrNotFound when the
	// sender has not distributed into the group.
	GetSenderKey(ctx context.Context, ref SenderKeyRef) ([]byte, error)
}

func validateRegistration(reg Registration) error {
	if reg.UserID == uuid.Nil || reg.DeviceID == uuid.Nil {
		return fmt.Errorf("%w: user and device IDs required", messaging.ErrValidation)
	}
	if len(reg.IdentityKey) != dhKeySize {
		return fmt.Errorf("%w: identity key must be %d bytes", messaging.ErrValidation, dhKeySize)
	}
	if len(reg.SigningKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: signing key must be %d bytes", messaging.ErrValidation, ed25519.PublicKeySize)
	}
	if err := validateSignedPreKey(reg.SigningKey, reg.SignedPreKey); err != nil {
		return err
	}
	if len(reg.OneTimePreKeys) > MaxOneTimeBatch {
		return fmt.Errorf("%w: at most %d one-time prekeys per upload", messaging.ErrValidation, MaxOneTimeBatch)
	}
	for _, k := range reg.OneTimePreKeys {
		if len(k.PublicKey) != dhKeySize {
			return fmt.Errorf("%w: one-time prekey %d must be %d bytes", messaging.ErrValidation, k.KeyID, dhKeySize)
		}
	}
	return nil
}

// validateSignedPreKey checks sizes and verifies the prekey signature
// against the device's signing key. A bundle that would fail client
// verification is rejected at upload instead.
func validateSignedPreKey(signingKey []byte, key SignedPreKey) error {
	if len(key.PublicKey) != dhKeySize {
		return fmt.Errorf("%w: signed prekey must be %d bytes", messaging.ErrValidation, dhKeySize)
	}
	if len(key.Signature) != signatureSize {
		return fmt.Errorf("%w: prekey signature must be %d bytes", messaging.ErrValidation, signatureSize)
	}
	if !ed25519.Verify(ed25519.PublicKey(signingKey), key.PublicKey, key.Signature) {
		return fmt.Errorf("%w: prekey signature does not verify", messaging.ErrValidation)
	}
	return nil
}

func validateOneTimeBatch(keys []OneTimePreKey) error {
	if len(keys) == 0 {
		return fmt.Errorf("%w: empty prekey batch", messaging.ErrValidation)
	}
	if len(keys) > MaxOneTimeBatch {
		return fmt.Errorf("%w: at most %d one-time prekeys per upload", messaging.ErrValidation, MaxOneTimeBatch)
	}
	for _, k := range keys {
		if len(k.PublicKey) != dhKeySize {
			return fmt.Errorf("%w: one-time prekey %d must be %d bytes", messaging.ErrValidation, k.KeyID, dhKeySize)
		}
	}
	return nil
}

func validateSenderKeyRef(ref SenderKeyRef) error {
	if ref.GroupID == uuid.Nil || ref.SenderUserID == uuid.Nil || ref.SenderDeviceID == uuid.Nil {
		return fmt.Errorf("%w: sender key reference incomplete", messaging.ErrValidation)
	}
	return nil
}

// registrationPayload is the outbox payload for device lifecycle
// events.
type registrationPayload struct {
	UserID       uuid.UUID `json:"user_id"`
	DeviceID     uuid.UUID `json:"device_id"`
	OneTimeCount int       `json:"one_time_count,omitempty"`
}

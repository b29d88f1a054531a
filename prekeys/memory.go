package prekeys

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meshwire/messaging"
)

// MemoryStore is an in-memory Store for tests and single-process
// setups.
type MemoryStore struct {
	mu      sync.Mutex
	devices map[uuid.UUID]*memoryDevice
	senders map[SenderKeyRef][]byte
	events  []*messaging.Envelope

	now func() time.Time
}

type memoryDevice struct {
	userID       uuid.UUID
	identityKey  []byte
	signingKey   []byte
	kyberPreKey  []byte
	signedPreKey SignedPreKey
	oneTime      []OneTimePreKey
	createdAt    time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices: make(map[uuid.UUID]*memoryDevice),
		senders: make(map[SenderKeyRef][]byte),
		now:     time.Now,
	}
}

// RegisterDevice implements Store.
func (s *MemoryStore) RegisterDevice(_ context.Context, reg Registration) error {
	if err := validateRegistration(reg); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	createdAt := s.now()
	if prev, ok := s.devices[reg.DeviceID]; ok {
		createdAt = prev.createdAt
	}
	s.devices[reg.DeviceID] = &memoryDevice{
		userID:       reg.UserID,
		identityKey:  cloneBytes(reg.IdentityKey),
		signingKey:   cloneBytes(reg.SigningKey),
		kyberPreKey:  cloneBytes(reg.KyberPreKey),
		signedPreKey: cloneSignedPreKey(reg.SignedPreKey, s.now()),
		oneTime:      cloneOneTime(reg.OneTimePreKeys),
		createdAt:    createdAt,
	}
	s.recordEvent(messaging.EventDeviceRegistered, registrationPayload{
		UserID:       reg.UserID,
		DeviceID:     reg.DeviceID,
		OneTimeCount: len(reg.OneTimePreKeys),
	})
	return nil
}

// ClaimBundle implements Store.
func (s *MemoryStore) ClaimBundle(_ context.Context, deviceID uuid.UUID) (*Bundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, ok := s.devices[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: device %s", messaging.ErrNotFound, deviceID)
	}
	bundle := &Bundle{
		UserID:       dev.userID,
		DeviceID:     deviceID,
		IdentityKey:  cloneBytes(dev.identityKey),
		SigningKey:   cloneBytes(dev.signingKey),
		SignedPreKey: dev.signedPreKey,
		KyberPreKey:  cloneBytes(dev.kyberPreKey),
	}
	if len(dev.oneTime) > 0 {
		otk := dev.oneTime[0]
		dev.oneTime = dev.oneTime[1:]
		bundle.OneTimePreKey = &otk
	}
	return bundle, nil
}

// UploadPreKeys implements Store.
func (s *MemoryStore) UploadPreKeys(_ context.Context, deviceID uuid.UUID, keys []OneTimePreKey) error {
	if err := validateOneTimeBatch(keys); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, ok := s.devices[deviceID]
	if !ok {
		return fmt.Errorf("%w: device %s", messaging.ErrNotFound, deviceID)
	}
	seen := make(map[uint32]bool, len(dev.oneTime))
	for _, k := range dev.oneTime {
		seen[k.KeyID] = true
	}
	for _, k := range keys {
		if seen[k.KeyID] {
			continue
		}
		seen[k.KeyID] = true
		dev.oneTime = append(dev.oneTime, OneTimePreKey{KeyID: k.KeyID, PublicKey: cloneBytes(k.PublicKey)})
	}
	return nil
}

// UploadSignedPreKey implements Store.
func (s *MemoryStore) UploadSignedPreKey(_ context.Context, deviceID uuid.UUID, key SignedPreKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, ok := s.devices[deviceID]
	if !ok {
		return fmt.Errorf("%w: device %s", messaging.ErrNotFound, deviceID)
	}
	if err := validateSignedPreKey(dev.signingKey, key); err != nil {
		return err
	}
	dev.signedPreKey = cloneSignedPreKey(key, s.now())
	return nil
}

// OneTimeKeyCount implements Store.
func (s *MemoryStore) OneTimeKeyCount(_ context.Context, deviceID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, ok := s.devices[deviceID]
	if !ok {
		return 0, nil
	}
	return len(dev.oneTime), nil
}

// ListDevices implements Store.
func (s *MemoryStore) ListDevices(_ context.Context, userID uuid.UUID) ([]DeviceInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []DeviceInfo
	for id, dev := range s.devices {
		if dev.userID != userID {
			continue
		}
		out = append(out, DeviceInfo{UserID: userID, DeviceID: id, CreatedAt: dev.createdAt})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].DeviceID.String() < out[j].DeviceID.String()
	})
	return out, nil
}

// RemoveDevice implements Store.
func (s *MemoryStore) RemoveDevice(_ context.Context, userID, deviceID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, ok := s.devices[deviceID]
	if !ok || dev.userID != userID {
		return fmt.Errorf("%w: device %s", messaging.ErrNotFound, deviceID)
	}
	delete(s.devices, deviceID)
	for ref := range s.senders {
		if ref.SenderUserID == userID && ref.SenderDeviceID == deviceID {
			delete(s.senders, ref)
		}
	}
	s.recordEvent(messaging.EventDeviceRemoved, registrationPayload{
		UserID:   userID,
		DeviceID: deviceID,
	})
	return nil
}

// StoreSenderKey implements Store.
func (s *MemoryStore) StoreSenderKey(_ context.Context, ref SenderKeyRef, distribution []byte) error {
	if err := validateSenderKeyRef(ref); err != nil {
		return err
	}
	if len(distribution) == 0 {
		return fmt.Errorf("%w: empty distribution", messaging.ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.senders[ref] = cloneBytes(distribution)
	return nil
}

// GetSenderKey implements Store.
func (s *MemoryStore) GetSenderKey(_ context.Context, ref SenderKeyRef) ([]byte, error) {
	if err := validateSenderKeyRef(ref); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	blob, ok := s.senders[ref]
	if !ok {
		return nil, fmt.Errorf("%w: sender key", messaging.ErrNotFound)
	}
	return cloneBytes(blob), nil
}

// Events returns the lifecycle events recorded so far. Test helper.
func (s *MemoryStore) Events() []*messaging.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*messaging.Envelope(nil), s.events...)
}

func (s *MemoryStore) recordEvent(eventType string, payload registrationPayload) {
	env, err := messaging.NewEnvelope("device", payload.DeviceID.String(), eventType, payload)
	if err != nil {
		return
	}
	s.events = append(s.events, env)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func cloneOneTime(keys []OneTimePreKey) []OneTimePreKey {
	out := make([]OneTimePreKey, 0, len(keys))
	for _, k := range keys {
		out = append(out, OneTimePreKey{KeyID: k.KeyID, PublicKey: cloneBytes(k.PublicKey)})
	}
	return out
}

func cloneSignedPreKey(key SignedPreKey, now time.Time) SignedPreKey {
	out := SignedPreKey{
		KeyID:     key.KeyID,
		PublicKey: cloneBytes(key.PublicKey),
		Signature: cloneBytes(key.Signature),
		CreatedAt: key.CreatedAt,
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = now
	}
	return out
}

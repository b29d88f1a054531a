package prekeys

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/meshwire/messaging"
	"github.com/meshwire/messaging/outbox"
	"github.com/meshwire/messaging/store"
)

// PostgresStore implements Store for PostgreSQL.
//
// Required schema:
//
//	CREATE TABLE devices (
//	    device_id    UUID PRIMARY KEY,
//	    user_id      UUID NOT NULL,
//	    identity_key BYTEA NOT NULL,
//	    signing_key  BYTEA NOT NULL,
//	    kyber_prekey BYTEA,
//	    created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	    updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
//	CREATE INDEX idx_devices_user ON devices (user_id);
//
//	CREATE TABLE signed_prekeys (
//	    device_id  UUID PRIMARY KEY REFERENCES devices (device_id) ON DELETE CASCADE,
//	    key_id     BIGINT NOT NULL,
//	    public_key BYTEA NOT NULL,
//	    signature  BYTEA NOT NULL,
//	    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
//
//	CREATE TABLE one_time_prekeys (
//	    id          BIGSERIAL PRIMARY KEY,
//	    device_id   UUID NOT NULL REFERENCES devices (device_id) ON DELETE CASCADE,
//	    key_id      BIGINT NOT NULL,
//	    public_key  BYTEA NOT NULL,
//	    consumed_at TIMESTAMPTZ,
//	    UNIQUE (device_id, key_id)
//	);
//	CREATE INDEX idx_otk_available ON one_time_prekeys (device_id, id)
//	    WHERE consumed_at IS NULL;
//
//	CREATE TABLE sender_keys (
//	    group_id         UUID NOT NULL,
//	    sender_user_id   UUID NOT NULL,
//	    sender_device_id UUID NOT NULL,
//	    distribution     BYTEA NOT NULL,
//	    updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	    PRIMARY KEY (group_id, sender_user_id, sender_device_id)
//	);
//
// Consumed one-time rows are kept (consumed_at set) rather than
// deleted, so a claim storm leaves an audit trail of pool drain.
type PostgresStore struct {
	db     *store.DB
	outbox outbox.Store
	logger *slog.Logger
}

var _ Store = (*PostgresStore)(nil)

// PostgresOption configures a PostgresStore.
type PostgresOption func(*PostgresStore)

// WithOutbox wires an outbox store; device lifecycle events are then
// inserted in the same transaction as the key writes.
func WithOutbox(ob outbox.Store) PostgresOption {
	return func(s *PostgresStore) { s.outbox = ob }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) PostgresOption {
	return func(s *PostgresStore) { s.logger = l.With("component", "prekeys") }
}

// NewPostgresStore creates a PostgreSQL prekey store.
func NewPostgresStore(db *store.DB, opts ...PostgresOption) *PostgresStore {
	s := &PostgresStore{
		db:     db,
		logger: slog.Default().With("component", "prekeys"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterDevice upserts the device and its key material in one
// transaction. Re-registration replaces the identity keys, rotates
// the signed prekey and clears the previous one-time pool, since
// keys from an old identity must never be served with a new one.
func (s *PostgresStore) RegisterDevice(ctx context.Context, reg Registration) error {
	if err := validateRegistration(reg); err != nil {
		return err
	}
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO devices (device_id, user_id, identity_key, signing_key, kyber_prekey)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (device_id) DO UPDATE SET
				user_id = EXCLUDED.user_id,
				identity_key = EXCLUDED.identity_key,
				signing_key = EXCLUDED.signing_key,
				kyber_prekey = EXCLUDED.kyber_prekey,
				updated_at = NOW()`,
			reg.DeviceID, reg.UserID, reg.IdentityKey, reg.SigningKey, reg.KyberPreKey)
		if err != nil {
			return fmt.Errorf("upsert device: %w", err)
		}
		if err := upsertSignedPreKey(ctx, tx, reg.DeviceID, reg.SignedPreKey); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM one_time_prekeys WHERE device_id = $1`, reg.DeviceID); err != nil {
			return fmt.Errorf("clear one-time pool: %w", err)
		}
		if err := insertOneTimeBatch(ctx, tx, reg.DeviceID, reg.OneTimePreKeys); err != nil {
			return err
		}
		return s.insertLifecycleEvent(ctx, tx, messaging.EventDeviceRegistered, registrationPayload{
			UserID:       reg.UserID,
			DeviceID:     reg.DeviceID,
			OneTimeCount: len(reg.OneTimePreKeys),
		})
	})
}

// ClaimBundle assembles a prekey bundle, consuming one one-time
// prekey atomically. The claim subquery locks a single available row
// with SKIP LOCKED, so concurrent claimers never receive the same
// key; they either get distinct rows or fall through to a degraded
// bundle.
func (s *PostgresStore) ClaimBundle(ctx context.Context, deviceID uuid.UUID) (*Bundle, error) {
	bundle := &Bundle{DeviceID: deviceID}
	err := s.db.QueryRow(ctx, `
		SELECT d.user_id, d.identity_key, d.signing_key, d.kyber_prekey,
		       sp.key_id, sp.public_key, sp.signature, sp.created_at
		FROM devices d
		JOIN signed_prekeys sp ON sp.device_id = d.device_id
		WHERE d.device_id = $1`, deviceID).Scan(
		&bundle.UserID, &bundle.IdentityKey, &bundle.SigningKey, &bundle.KyberPreKey,
		&bundle.SignedPreKey.KeyID, &bundle.SignedPreKey.PublicKey,
		&bundle.SignedPreKey.Signature, &bundle.SignedPreKey.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("fetch bundle: %w", store.Classify(err))
	}

	var otk OneTimePreKey
	err = s.db.QueryRow(ctx, `
		UPDATE one_time_prekeys SET consumed_at = NOW()
		WHERE id = (
			SELECT id FROM one_time_prekeys
			WHERE device_id = $1 AND consumed_at IS NULL
			ORDER BY id
			FOR UPDATE SKIP LOCKED
			LIMIT 1)
		RETURNING key_id, public_key`, deviceID).Scan(&otk.KeyID, &otk.PublicKey)
	switch {
	case err == nil:
		bundle.OneTimePreKey = &otk
	case errors.Is(err, sql.ErrNoRows):
		// Pool exhausted. Serve the bundle anyway; the handshake
		// degrades to three DH legs until the device refills.
		s.logger.Warn("one-time prekeys exhausted, serving degraded bundle",
			"device_id", deviceID)
	default:
		return nil, fmt.Errorf("claim one-time prekey: %w", err)
	}
	return bundle, nil
}

// UploadPreKeys refills the one-time pool. Key IDs already present
// for the device are skipped.
func (s *PostgresStore) UploadPreKeys(ctx context.Context, deviceID uuid.UUID, keys []OneTimePreKey) error {
	if err := validateOneTimeBatch(keys); err != nil {
		return err
	}
	if err := s.deviceExists(ctx, deviceID); err != nil {
		return err
	}
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		return insertOneTimeBatch(ctx, tx, deviceID, keys)
	})
}

// UploadSignedPreKey rotates the signed prekey after verifying the
// signature against the stored signing key.
func (s *PostgresStore) UploadSignedPreKey(ctx context.Context, deviceID uuid.UUID, key SignedPreKey) error {
	var signingKey []byte
	err := s.db.QueryRow(ctx,
		`SELECT signing_key FROM devices WHERE device_id = $1`, deviceID).Scan(&signingKey)
	if err != nil {
		return fmt.Errorf("fetch signing key: %w", store.Classify(err))
	}
	if err := validateSignedPreKey(signingKey, key); err != nil {
		return err
	}
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		return upsertSignedPreKey(ctx, tx, deviceID, key)
	})
}

// OneTimeKeyCount reports how many unclaimed one-time prekeys remain.
func (s *PostgresStore) OneTimeKeyCount(ctx context.Context, deviceID uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM one_time_prekeys
		WHERE device_id = $1 AND consumed_at IS NULL`, deviceID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count one-time prekeys: %w", err)
	}
	return n, nil
}

// ListDevices returns the user's registered devices, oldest first.
func (s *PostgresStore) ListDevices(ctx context.Context, userID uuid.UUID) ([]DeviceInfo, error) {
	rows, err := s.db.Query(ctx, `
		SELECT device_id, created_at FROM devices
		WHERE user_id = $1 ORDER BY created_at, device_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var out []DeviceInfo
	for rows.Next() {
		info := DeviceInfo{UserID: userID}
		if err := rows.Scan(&info.DeviceID, &info.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// RemoveDevice deletes a device and every key tied to it. Prekey and
// sender-key rows go first so a concurrent ClaimBundle cannot serve
// keys for a device mid-removal.
func (s *PostgresStore) RemoveDevice(ctx context.Context, userID, deviceID uuid.UUID) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM one_time_prekeys WHERE device_id = $1`, deviceID); err != nil {
			return fmt.Errorf("delete one-time prekeys: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM signed_prekeys WHERE device_id = $1`, deviceID); err != nil {
			return fmt.Errorf("delete signed prekey: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM sender_keys WHERE sender_user_id = $1 AND sender_device_id = $2`,
			userID, deviceID); err != nil {
			return fmt.Errorf("delete sender keys: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			`DELETE FROM devices WHERE device_id = $1 AND user_id = $2`, deviceID, userID)
		if err != nil {
			return fmt.Errorf("delete device: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("%w: device %s", messaging.ErrNotFound, deviceID)
		}
		return s.insertLifecycleEvent(ctx, tx, messaging.EventDeviceRemoved, registrationPayload{
			UserID:   userID,
			DeviceID: deviceID,
		})
	})
}

// StoreSenderKey upserts a sender-key distribution blob.
func (s *PostgresStore) StoreSenderKey(ctx context.Context, ref SenderKeyRef, distribution []byte) error {
	if err := validateSenderKeyRef(ref); err != nil {
		return err
	}
	if len(distribution) == 0 {
		return fmt.Errorf("%w: empty distribution", messaging.ErrValidation)
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO sender_keys (group_id, sender_user_id, sender_device_id, distribution)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (group_id, sender_user_id, sender_device_id) DO UPDATE SET
			distribution = EXCLUDED.distribution,
			updated_at = NOW()`,
		ref.GroupID, ref.SenderUserID, ref.SenderDeviceID, distribution)
	if err != nil {
		return fmt.Errorf("store sender key: %w", err)
	}
	return nil
}

// GetSenderKey fetches a sender-key distribution blob.
func (s *PostgresStore) GetSenderKey(ctx context.Context, ref SenderKeyRef) ([]byte, error) {
	if err := validateSenderKeyRef(ref); err != nil {
		return nil, err
	}
	var distribution []byte
	err := s.db.QueryRow(ctx, `
		SELECT distribution FROM sender_keys
		WHERE group_id = $1 AND sender_user_id = $2 AND sender_device_id = $3`,
		ref.GroupID, ref.SenderUserID, ref.SenderDeviceID).Scan(&distribution)
	if err != nil {
		return nil, fmt.Errorf("fetch sender key: %w", store.Classify(err))
	}
	return distribution, nil
}

func (s *PostgresStore) deviceExists(ctx context.Context, deviceID uuid.UUID) error {
	var one int
	err := s.db.QueryRow(ctx,
		`SELECT 1 FROM devices WHERE device_id = $1`, deviceID).Scan(&one)
	if err != nil {
		return fmt.Errorf("check device: %w", store.Classify(err))
	}
	return nil
}

func (s *PostgresStore) insertLifecycleEvent(ctx context.Context, tx *sql.Tx, eventType string, payload registrationPayload) error {
	if s.outbox == nil {
		return nil
	}
	env, err := messaging.NewEnvelope("device", payload.DeviceID.String(), eventType, payload)
	if err != nil {
		return err
	}
	return s.outbox.InsertTx(ctx, tx, outbox.FromEnvelope(env))
}

func upsertSignedPreKey(ctx context.Context, tx *sql.Tx, deviceID uuid.UUID, key SignedPreKey) error {
	createdAt := key.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO signed_prekeys (device_id, key_id, public_key, signature, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (device_id) DO UPDATE SET
			key_id = EXCLUDED.key_id,
			public_key = EXCLUDED.public_key,
			signature = EXCLUDED.signature,
			created_at = EXCLUDED.created_at`,
		deviceID, key.KeyID, key.PublicKey, key.Signature, createdAt)
	if err != nil {
		return fmt.Errorf("upsert signed prekey: %w", err)
	}
	return nil
}

func insertOneTimeBatch(ctx context.Context, tx *sql.Tx, deviceID uuid.UUID, keys []OneTimePreKey) error {
	for _, k := range keys {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO one_time_prekeys (device_id, key_id, public_key)
			VALUES ($1, $2, $3)
			ON CONFLICT (device_id, key_id) DO NOTHING`,
			deviceID, k.KeyID, k.PublicKey)
		if err != nil {
			return fmt.Errorf("insert one-time prekey %d: %w", k.KeyID, err)
		}
	}
	return nil
}

package message

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/meshwire/messaging"
	"github.com/meshwire/messaging/outbox"
	"github.com/meshwire/messaging/store"
)

// PostgresStore implements Store for PostgreSQL.
//
// Required schema:
//
//	CREATE TABLE messages (
//	    id                 UUID PRIMARY KEY,
//	    conversation_id    UUID NOT NULL REFERENCES conversations (id),
//	    sender_id          UUID NOT NULL,
//	    sequence_number    BIGINT NOT NULL,
//	    plaintext          BYTEA,
//	    ciphertext         BYTEA,
//	    nonce              BYTEA,
//	    encryption_version SMALLINT NOT NULL DEFAULT 0,
//	    idempotency_key    VARCHAR(128),
//	    created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	    edited_at          TIMESTAMPTZ,
//	    deleted_at         TIMESTAMPTZ
//	);
//	CREATE UNIQUE INDEX idx_messages_sequence
//	    ON messages (conversation_id, sequence_number);
//	CREATE UNIQUE INDEX idx_messages_idempotency
//	    ON messages (conversation_id, sender_id, idempotency_key)
//	    WHERE idempotency_key IS NOT NULL;
type PostgresStore struct {
	db     *store.DB
	outbox outbox.Store
	logger *slog.Logger
}

var _ Store = (*PostgresStore)(nil)

// PostgresOption configures a PostgresStore.
type PostgresOption func(*PostgresStore)

// WithOutbox wires the outbox store for message lifecycle events.
func WithOutbox(ob outbox.Store) PostgresOption {
	return func(s *PostgresStore) { s.outbox = ob }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) PostgresOption {
	return func(s *PostgresStore) { s.logger = l.With("component", "message") }
}

// NewPostgresStore creates a PostgreSQL message store.
func NewPostgresStore(db *store.DB, opts ...PostgresOption) *PostgresStore {
	s := &PostgresStore{
		db:     db,
		logger: slog.Default().With("component", "message"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

const messageColumns = `id, conversation_id, sender_id, sequence_number,
	plaintext, ciphertext, nonce, encryption_version,
	COALESCE(idempotency_key, ''), created_at, edited_at, deleted_at`

// Create implements Store. Sequence allocation holds a row lock on
// the conversation; the unique sequence index is the backstop for
// writers that raced past each other, retried with a fresh number.
func (s *PostgresStore) Create(ctx context.Context, msg *Message) error {
	if err := validateNew(msg); err != nil {
		return err
	}
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}

	var lastErr error
	for attempt := 0; attempt <= maxSequenceRetries; attempt++ {
		err := s.createOnce(ctx, msg)
		if err == nil {
			return nil
		}
		if errors.Is(err, errIdempotentReplay) {
			// The insert's transaction is rolled back by now; the
			// prior row is resolved on a fresh connection.
			prior, resolveErr := s.GetByIdempotencyKey(ctx, msg.ConversationID, msg.SenderID, msg.IdempotencyKey)
			if resolveErr != nil {
				return fmt.Errorf("resolve idempotent send: %w", resolveErr)
			}
			*msg = *prior
			return nil
		}
		var seqErr *messaging.SequenceConflictError
		if errors.As(err, &seqErr) {
			lastErr = err
			s.logger.Debug("sequence conflict, retrying",
				"conversation_id", msg.ConversationID, "sequence", seqErr.Sequence)
			continue
		}
		return err
	}
	return lastErr
}

func (s *PostgresStore) createOnce(ctx context.Context, msg *Message) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		// Lock the conversation row for the duration of the
		// allocation. Existence check and serialization point in one.
		var archived sql.NullTime
		err := tx.QueryRowContext(ctx, `
			SELECT archived_at FROM conversations WHERE id = $1 FOR UPDATE`,
			msg.ConversationID).Scan(&archived)
		if err != nil {
			return fmt.Errorf("lock conversation: %w", store.Classify(err))
		}
		if archived.Valid {
			return fmt.Errorf("%w: conversation archived", messaging.ErrValidation)
		}

		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(sequence_number), 0) + 1 FROM messages
			WHERE conversation_id = $1`, msg.ConversationID).Scan(&msg.SequenceNumber); err != nil {
			return fmt.Errorf("allocate sequence: %w", err)
		}

		err = tx.QueryRowContext(ctx, `
			INSERT INTO messages (id, conversation_id, sender_id, sequence_number,
			                      plaintext, ciphertext, nonce, encryption_version,
			                      idempotency_key)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''))
			RETURNING created_at`,
			msg.ID, msg.ConversationID, msg.SenderID, msg.SequenceNumber,
			msg.Plaintext, msg.Ciphertext, msg.Nonce, msg.EncryptionVersion,
			msg.IdempotencyKey).Scan(&msg.CreatedAt)
		if err != nil {
			return classifyInsert(msg, err)
		}

		return s.insertEvent(ctx, tx, messaging.EventMessageCreated, createdPayload{
			MessageID:      msg.ID,
			ConversationID: msg.ConversationID,
			SenderID:       msg.SenderID,
			SequenceNumber: msg.SequenceNumber,
			CreatedAt:      msg.CreatedAt,
		})
	})
}

// errIdempotentReplay marks an insert that lost to an earlier send
// with the same idempotency key. A unique violation aborts the
// transaction, so the prior row cannot be read on the same tx; the
// caller resolves it after rollback.
var errIdempotentReplay = errors.New("idempotency key already used")

// classifyInsert maps unique violations onto the pipeline's retry
// semantics: a sequence collision is retried, an idempotency-key
// collision resolves to the prior message.
func classifyInsert(msg *Message, err error) error {
	if !isUniqueViolation(err) {
		return fmt.Errorf("insert message: %w", err)
	}
	if strings.Contains(err.Error(), "idx_messages_idempotency") && msg.IdempotencyKey != "" {
		return errIdempotentReplay
	}
	return &messaging.SequenceConflictError{
		ConversationID: msg.ConversationID.String(),
		Sequence:       msg.SequenceNumber,
	}
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*Message, error) {
	msg := &Message{}
	err := scanMessage(s.db.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, id), msg)
	if err != nil {
		return nil, fmt.Errorf("fetch message: %w", store.Classify(err))
	}
	return msg, nil
}

// GetByIdempotencyKey implements Store.
func (s *PostgresStore) GetByIdempotencyKey(ctx context.Context, conversationID, senderID uuid.UUID, key string) (*Message, error) {
	msg := &Message{}
	err := scanMessage(s.db.QueryRow(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = $1 AND sender_id = $2 AND idempotency_key = $3`,
		conversationID, senderID, key), msg)
	if err != nil {
		return nil, fmt.Errorf("fetch by idempotency key: %w", store.Classify(err))
	}
	return msg, nil
}

// History implements Store. Rows are fetched newest-first under the
// cursor and reversed, so the page itself reads chronologically.
func (s *PostgresStore) History(ctx context.Context, q HistoryQuery) ([]Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = $1`
	args := []any{q.ConversationID}
	if q.BeforeSequence > 0 {
		args = append(args, q.BeforeSequence)
		query += fmt.Sprintf(" AND sequence_number < $%d", len(args))
	}
	if !q.IncludeDeleted {
		query += " AND deleted_at IS NULL"
	}
	args = append(args, q.effectiveLimit())
	query += fmt.Sprintf(" ORDER BY sequence_number DESC LIMIT $%d", len(args))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	defer rows.Close()

	var page []Message
	for rows.Next() {
		var msg Message
		if err := scanMessage(rows, &msg); err != nil {
			return nil, err
		}
		page = append(page, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}
	return page, nil
}

// Edit implements Store. Only the sender edits their message, and
// deleted messages stay deleted.
func (s *PostgresStore) Edit(ctx context.Context, id, senderID uuid.UUID, content Content) (*Message, error) {
	if err := validateContent(content.Plaintext, content.Ciphertext, content.Nonce, content.EncryptionVersion); err != nil {
		return nil, err
	}
	msg := &Message{}
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		err := scanMessage(tx.QueryRowContext(ctx, `
			UPDATE messages SET
				plaintext = $1, ciphertext = $2, nonce = $3,
				encryption_version = $4, edited_at = NOW()
			WHERE id = $5 AND sender_id = $6 AND deleted_at IS NULL
			RETURNING `+messageColumns,
			content.Plaintext, content.Ciphertext, content.Nonce,
			content.EncryptionVersion, id, senderID), msg)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return s.explainMutationMiss(ctx, tx, id, senderID)
			}
			return fmt.Errorf("edit message: %w", err)
		}
		return s.insertEvent(ctx, tx, messaging.EventMessageEdited, mutatedPayload{
			MessageID:      msg.ID,
			ConversationID: msg.ConversationID,
			SenderID:       senderID,
		})
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// Delete implements Store.
func (s *PostgresStore) Delete(ctx context.Context, id, senderID uuid.UUID) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var conversationID uuid.UUID
		err := tx.QueryRowContext(ctx, `
			UPDATE messages SET deleted_at = NOW()
			WHERE id = $1 AND sender_id = $2 AND deleted_at IS NULL
			RETURNING conversation_id`, id, senderID).Scan(&conversationID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return s.explainMutationMiss(ctx, tx, id, senderID)
			}
			return fmt.Errorf("delete message: %w", err)
		}
		return s.insertEvent(ctx, tx, messaging.EventMessageDeleted, mutatedPayload{
			MessageID:      id,
			ConversationID: conversationID,
			SenderID:       senderID,
		})
	})
}

// explainMutationMiss turns a zero-row edit or delete into the right
// error kind: absent row, foreign sender, or already deleted.
func (s *PostgresStore) explainMutationMiss(ctx context.Context, tx *sql.Tx, id, senderID uuid.UUID) error {
	var owner uuid.UUID
	var deleted sql.NullTime
	err := tx.QueryRowContext(ctx,
		`SELECT sender_id, deleted_at FROM messages WHERE id = $1`, id).Scan(&owner, &deleted)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%w: message %s", messaging.ErrNotFound, id)
	case err != nil:
		return err
	case owner != senderID:
		return fmt.Errorf("%w: not the sender", messaging.ErrUnauthorized)
	case deleted.Valid:
		return fmt.Errorf("%w: message deleted", messaging.ErrNotFound)
	default:
		return fmt.Errorf("%w: message %s", messaging.ErrNotFound, id)
	}
}

func (s *PostgresStore) insertEvent(ctx context.Context, tx *sql.Tx, eventType string, payload any) error {
	if s.outbox == nil {
		return nil
	}
	var aggregateID string
	switch p := payload.(type) {
	case createdPayload:
		aggregateID = p.ConversationID.String()
	case mutatedPayload:
		aggregateID = p.ConversationID.String()
	}
	env, err := messaging.NewEnvelope("conversation", aggregateID, eventType, payload)
	if err != nil {
		return err
	}
	return s.outbox.InsertTx(ctx, tx, outbox.FromEnvelope(env))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner, msg *Message) error {
	return row.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.SequenceNumber,
		&msg.Plaintext, &msg.Ciphertext, &msg.Nonce, &msg.EncryptionVersion,
		&msg.IdempotencyKey, &msg.CreatedAt, &msg.EditedAt, &msg.DeletedAt)
}

// isUniqueViolation matches PostgreSQL unique-violation errors
// (SQLSTATE 23505) across drivers.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "23505") || strings.Contains(s, "duplicate key")
}

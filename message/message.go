// Package message implements the send pipeline: idempotent,
// sequence-ordered message persistence with the conversation's
// privacy mode deciding what the server stores, plus history reads
// and edit/delete.
//
// Sequence numbers are allocated per conversation under a row-level
// lock on the conversation, with the unique (conversation_id,
// sequence_number) index as backstop. A conflict on that index means
// another writer won the race; the store retries with a fresh number
// a bounded number of times.
package message

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/meshwire/messaging"
)

// MaxPayloadSize bounds plaintext and ciphertext alike.
const MaxPayloadSize = 10 << 20

// Sequence conflict retry budget.
const maxSequenceRetries = 3

// Message is one row of conversation history. Exactly one of
// Plaintext or Ciphertext is set, according to EncryptionVersion.
type Message struct {
	ID                uuid.UUID  `json:"id"`
	ConversationID    uuid.UUID  `json:"conversation_id"`
	SenderID          uuid.UUID  `json:"sender_id"`
	SequenceNumber    int64      `json:"sequence_number"`
	Plaintext         []byte     `json:"plaintext,omitempty"`
	Ciphertext        []byte     `json:"ciphertext,omitempty"`
	Nonce             []byte     `json:"nonce,omitempty"`
	EncryptionVersion int16      `json:"encryption_version"`
	IdempotencyKey    string     `json:"idempotency_key,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	EditedAt          *time.Time `json:"edited_at,omitempty"`
	DeletedAt         *time.Time `json:"deleted_at,omitempty"`
}

// Deleted reports whether the message is soft-deleted.
func (m *Message) Deleted() bool { return m.DeletedAt != nil }

// Content is the payload of an edit. The same privacy-mode rules
// apply as on send.
type Content struct {
	Plaintext         []byte
	Ciphertext        []byte
	Nonce             []byte
	EncryptionVersion int16
}

// HistoryQuery pages backwards through a conversation.
type HistoryQuery struct {
	ConversationID uuid.UUID
	// BeforeSequence is the exclusive upper cursor; zero means from
	// the latest message.
	BeforeSequence int64
	// Limit is capped at 200.
	Limit int
	// IncludeDeleted keeps soft-deleted rows in the result.
	IncludeDeleted bool
}

// MaxHistoryLimit caps a single history page.
const MaxHistoryLimit = 200

func (q *HistoryQuery) effectiveLimit() int {
	if q.Limit <= 0 || q.Limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return q.Limit
}

// Store persists messages. Create allocates the sequence number and
// writes the MessageCreated outbox event in the same transaction.
type Store interface {
	// Create inserts the message, assigning SequenceNumber and
	// CreatedAt. When the idempotency key already names a message of
	// the same sender and conversation, that prior message is
	// returned in *msg with no new row written.
	Create(ctx context.Context, msg *Message) error

	// Get fetches a message by ID, soft-deleted ones included.
	Get(ctx context.Context, id uuid.UUID) (*Message, error)

	// GetByIdempotencyKey resolves a prior send, ErrNotFound when
	// the key is unused.
	GetByIdempotencyKey(ctx context.Context, conversationID, senderID uuid.UUID, key string) (*Message, error)

	// History returns messages in chronological order, paging
	// backwards from the cursor.
	History(ctx context.Context, q HistoryQuery) ([]Message, error)

	// Edit replaces the payload of the sender's own message and
	// writes a MessageEdited outbox event.
	Edit(ctx context.Context, id, senderID uuid.UUID, content Content) (*Message, error)

	// Delete soft-deletes the sender's own message and writes a
	// MessageDeleted outbox event.
	Delete(ctx context.Context, id, senderID uuid.UUID) error
}

func validateNew(msg *Message) error {
	if msg.ConversationID == uuid.Nil || msg.SenderID == uuid.Nil {
		return fmt.Errorf("%w: conversation and sender required", messaging.ErrValidation)
	}
	return validateContent(msg.Plaintext, msg.Ciphertext, msg.Nonce, msg.EncryptionVersion)
}

// validateContent enforces the payload shape for one encryption
// version: version 0 is plaintext only, versions >= 1 are ciphertext
// plus nonce only.
func validateContent(plaintext, ciphertext, nonce []byte, version int16) error {
	if version < 0 {
		return fmt.Errorf("%w: negative encryption version", messaging.ErrValidation)
	}
	if version == 0 {
		if len(plaintext) == 0 {
			return fmt.Errorf("%w: empty plaintext", messaging.ErrValidation)
		}
		if len(ciphertext) != 0 || len(nonce) != 0 {
			return fmt.Errorf("%w: ciphertext on a plaintext message", messaging.ErrValidation)
		}
		return nil
	}
	if len(ciphertext) == 0 || len(nonce) == 0 {
		return fmt.Errorf("%w: ciphertext and nonce required for version %d", messaging.ErrValidation, version)
	}
	if len(plaintext) != 0 {
		return fmt.Errorf("%w: plaintext on an encrypted message", messaging.ErrValidation)
	}
	return nil
}

// payloadLen is the size the 10MB bound applies to.
func payloadLen(plaintext, ciphertext []byte) int {
	if len(ciphertext) > 0 {
		return len(ciphertext)
	}
	return len(plaintext)
}

// sizeClass buckets payload sizes for the size-class counter.
func sizeClass(n int) string {
	switch {
	case n > MaxPayloadSize:
		return "oversized"
	case n >= 1<<20:
		return "large"
	case n >= 16<<10:
		return "medium"
	default:
		return "small"
	}
}

// createdPayload is the MessageCreated outbox payload. It carries
// routing facts only, never message content: downstream consumers
// fetch the row, and ciphertext does not belong on the bus.
type createdPayload struct {
	MessageID      uuid.UUID `json:"message_id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	SenderID       uuid.UUID `json:"sender_id"`
	SequenceNumber int64     `json:"sequence_number"`
	CreatedAt      time.Time `json:"created_at"`
}

type mutatedPayload struct {
	MessageID      uuid.UUID `json:"message_id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	SenderID       uuid.UUID `json:"sender_id"`
}

package message

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meshwire/messaging"
)

// MemoryStore is an in-memory Store for tests.
type MemoryStore struct {
	mu     sync.Mutex
	byID   map[uuid.UUID]*Message
	byConv map[uuid.UUID][]*Message
	events []*messaging.Envelope

	// failSequences forces sequence conflicts for the next n Create
	// calls, exercising the retry path.
	failSequences int

	now func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[uuid.UUID]*Message),
		byConv: make(map[uuid.UUID][]*Message),
		now:    time.Now,
	}
}

// FailNextSequences makes the next n inserts collide, as if
// concurrent writers took the allocated numbers first. Test helper.
func (s *MemoryStore) FailNextSequences(n int) {
	s.mu.Lock()
	s.failSequences = n
	s.mu.Unlock()
}

// Create implements Store.
func (s *MemoryStore) Create(ctx context.Context, msg *Message) error {
	if err := validateNew(msg); err != nil {
		return err
	}
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for attempt := 0; attempt <= maxSequenceRetries; attempt++ {
		seq := int64(len(s.byConv[msg.ConversationID])) + 1
		if s.failSequences > 0 {
			s.failSequences--
			if attempt == maxSequenceRetries {
				return &messaging.SequenceConflictError{
					ConversationID: msg.ConversationID.String(),
					Sequence:       seq,
				}
			}
			continue
		}
		if msg.IdempotencyKey != "" {
			for _, prior := range s.byConv[msg.ConversationID] {
				if prior.SenderID == msg.SenderID && prior.IdempotencyKey == msg.IdempotencyKey {
					*msg = *prior
					return nil
				}
			}
		}
		msg.SequenceNumber = seq
		msg.CreatedAt = s.now()
		clone := *msg
		s.byID[msg.ID] = &clone
		s.byConv[msg.ConversationID] = append(s.byConv[msg.ConversationID], &clone)
		s.recordEvent(messaging.EventMessageCreated, msg.ConversationID, createdPayload{
			MessageID:      msg.ID,
			ConversationID: msg.ConversationID,
			SenderID:       msg.SenderID,
			SequenceNumber: msg.SequenceNumber,
			CreatedAt:      msg.CreatedAt,
		})
		return nil
	}
	return &messaging.SequenceConflictError{ConversationID: msg.ConversationID.String()}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: message %s", messaging.ErrNotFound, id)
	}
	clone := *msg
	return &clone, nil
}

// GetByIdempotencyKey implements Store.
func (s *MemoryStore) GetByIdempotencyKey(_ context.Context, conversationID, senderID uuid.UUID, key string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range s.byConv[conversationID] {
		if msg.SenderID == senderID && msg.IdempotencyKey == key {
			clone := *msg
			return &clone, nil
		}
	}
	return nil, fmt.Errorf("%w: idempotency key unused", messaging.ErrNotFound)
}

// History implements Store.
func (s *MemoryStore) History(_ context.Context, q HistoryQuery) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.byConv[q.ConversationID]
	var page []Message
	for i := len(msgs) - 1; i >= 0 && len(page) < q.effectiveLimit(); i-- {
		msg := msgs[i]
		if q.BeforeSequence > 0 && msg.SequenceNumber >= q.BeforeSequence {
			continue
		}
		if msg.Deleted() && !q.IncludeDeleted {
			continue
		}
		page = append(page, *msg)
	}
	sort.Slice(page, func(i, j int) bool {
		return page[i].SequenceNumber < page[j].SequenceNumber
	})
	return page, nil
}

// Edit implements Store.
func (s *MemoryStore) Edit(_ context.Context, id, senderID uuid.UUID, content Content) (*Message, error) {
	if err := validateContent(content.Plaintext, content.Ciphertext, content.Nonce, content.EncryptionVersion); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: message %s", messaging.ErrNotFound, id)
	}
	if msg.SenderID != senderID {
		return nil, fmt.Errorf("%w: not the sender", messaging.ErrUnauthorized)
	}
	if msg.Deleted() {
		return nil, fmt.Errorf("%w: message deleted", messaging.ErrNotFound)
	}
	msg.Plaintext = content.Plaintext
	msg.Ciphertext = content.Ciphertext
	msg.Nonce = content.Nonce
	msg.EncryptionVersion = content.EncryptionVersion
	at := s.now()
	msg.EditedAt = &at
	s.recordEvent(messaging.EventMessageEdited, msg.ConversationID, mutatedPayload{
		MessageID:      id,
		ConversationID: msg.ConversationID,
		SenderID:       senderID,
	})
	clone := *msg
	return &clone, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, id, senderID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: message %s", messaging.ErrNotFound, id)
	}
	if msg.SenderID != senderID {
		return fmt.Errorf("%w: not the sender", messaging.ErrUnauthorized)
	}
	if msg.Deleted() {
		return fmt.Errorf("%w: message deleted", messaging.ErrNotFound)
	}
	at := s.now()
	msg.DeletedAt = &at
	s.recordEvent(messaging.EventMessageDeleted, msg.ConversationID, mutatedPayload{
		MessageID:      id,
		ConversationID: msg.ConversationID,
		SenderID:       senderID,
	})
	return nil
}

// Events returns the outbox envelopes recorded so far. Test helper.
func (s *MemoryStore) Events() []*messaging.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*messaging.Envelope(nil), s.events...)
}

func (s *MemoryStore) recordEvent(eventType string, conversationID uuid.UUID, payload any) {
	env, err := messaging.NewEnvelope("conversation", conversationID.String(), eventType, payload)
	if err != nil {
		return
	}
	s.events = append(s.events, env)
}

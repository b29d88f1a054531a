package conversation

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
	mu      sync.Mutex
	convs   map[uuid.UUID]*Conversation
	members map[uuid.UUID]map[uuid.UUID]*Member
	events  []*messaging.Envelope

	now func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		convs:   make(map[uuid.UUID]*Conversation),
		members: make(map[uuid.UUID]map[uuid.UUID]*Member),
		now:     time.Now,
	}
}

// Create implements Store.
func (s *MemoryStore) Create(_ context.Context, params CreateParams) (*Conversation, error) {
	if err := validateCreate(params); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := &Conversation{
		ID:          uuid.New(),
		Kind:        params.Kind,
		PrivacyMode: params.PrivacyMode,
		CreatedBy:   params.CreatedBy,
		CreatedAt:   s.now(),
	}
	s.convs[conv.ID] = conv
	roster := make(map[uuid.UUID]*Member, len(params.Members))
	for _, userID := range params.Members {
		roster[userID] = &Member{
			ConversationID: conv.ID,
			UserID:         userID,
			Role:           initialRole(params.Kind, userID, params.CreatedBy),
			JoinedAt:       s.now(),
		}
	}
	s.members[conv.ID] = roster
	s.recordEvent(conv.ID, messaging.EventConversationCreated, conversationCreatedPayload{
		ConversationID: conv.ID,
		Kind:           conv.Kind,
		PrivacyMode:    conv.PrivacyMode,
		CreatedBy:      conv.CreatedBy,
		Members:        params.Members,
	})
	clone := *conv
	return &clone, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok {
		return nil, fmt.Errorf("%w: conversation %s", messaging.ErrNotFound, id)
	}
	clone := *conv
	return &clone, nil
}

// IsMember implements Store.
func (s *MemoryStore) IsMember(_ context.Context, conversationID, userID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.members[conversationID][userID]
	return ok, nil
}

// GetMember implements Store.
func (s *MemoryStore) GetMember(_ context.Context, conversationID, userID uuid.UUID) (*Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[conversationID][userID]
	if !ok {
		return nil, fmt.Errorf("%w: membership for %s", messaging.ErrNotFound, userID)
	}
	clone := *m
	return &clone, nil
}

// ListMembers implements Store.
func (s *MemoryStore) ListMembers(_ context.Context, conversationID uuid.UUID) ([]Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Member
	for _, m := range s.members[conversationID] {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserID.String() < out[j].UserID.String()
	})
	return out, nil
}

// AddMember implements Store.
func (s *MemoryStore) AddMember(_ context.Context, conversationID, actorID, userID uuid.UUID, role Role) error {
	if role != RoleAdmin && role != RoleMember {
		return fmt.Errorf("%w: role %q cannot be granted", messaging.ErrValidation, role)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[conversationID]
	if !ok {
		return fmt.Errorf("%w: conversation %s", messaging.ErrNotFound, conversationID)
	}
	if err := rosterGate(conv, s.members[conversationID][actorID], userID, false); err != nil {
		return err
	}
	if _, exists := s.members[conversationID][userID]; exists {
		return fmt.Errorf("%w: user %s already a member", messaging.ErrConflict, userID)
	}
	s.members[conversationID][userID] = &Member{
		ConversationID: conversationID,
		UserID:         userID,
		Role:           role,
		JoinedAt:       s.now(),
	}
	s.recordEvent(conversationID, messaging.EventMemberAdded, memberPayload{
		ConversationID: conversationID,
		UserID:         userID,
		ActorID:        actorID,
		Role:           role,
	})
	return nil
}

// RemoveMember implements Store.
func (s *MemoryStore) RemoveMember(_ context.Context, conversationID, actorID, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[conversationID]
	if !ok {
		return fmt.Errorf("%w: conversation %s", messaging.ErrNotFound, conversationID)
	}
	if err := rosterGate(conv, s.members[conversationID][actorID], userID, true); err != nil {
		return err
	}
	target, exists := s.members[conversationID][userID]
	if !exists {
		return fmt.Errorf("%w: membership for %s", messaging.ErrNotFound, userID)
	}
	if target.Role == RoleOwner {
		return fmt.Errorf("%w: the owner cannot be removed", messaging.ErrValidation)
	}
	delete(s.members[conversationID], userID)
	s.recordEvent(conversationID, messaging.EventMemberRemoved, memberPayload{
		ConversationID: conversationID,
		UserID:         userID,
		ActorID:        actorID,
	})
	return nil
}

// Archive implements Store.
func (s *MemoryStore) Archive(_ context.Context, conversationID, actorID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[conversationID]
	if !ok {
		return fmt.Errorf("%w: conversation %s", messaging.ErrNotFound, conversationID)
	}
	actor, ok := s.members[conversationID][actorID]
	if !ok {
		return fmt.Errorf("%w: actor is not a member", messaging.ErrUnauthorized)
	}
	if conv.Kind == KindGroup && actor.Role != RoleOwner {
		return fmt.Errorf("%w: only the owner archives a group", messaging.ErrUnauthorized)
	}
	if conv.ArchivedAt != nil {
		return fmt.Errorf("%w: conversation already archived", messaging.ErrConflict)
	}
	at := s.now()
	conv.ArchivedAt = &at
	s.recordEvent(conversationID, messaging.EventConversationArchived, memberPayload{
		ConversationID: conversationID,
		UserID:         actorID,
		ActorID:        actorID,
	})
	return nil
}

// Events returns the outbox envelopes recorded so far. Test helper.
func (s *MemoryStore) Events() []*messaging.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*messaging.Envelope(nil), s.events...)
}

func (s *MemoryStore) recordEvent(conversationID uuid.UUID, eventType string, payload any) {
	env, err := messaging.NewEnvelope("conversation", conversationID.String(), eventType, payload)
	if err != nil {
		return
	}
	s.events = append(s.events, env)
}

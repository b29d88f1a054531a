// Package conversation owns conversation and membership state: who
// can read a conversation, who can change its roster, and which
// privacy mode its messages use.
//
// Direct conversations are exactly two members and their roster never
// changes. Group rosters are mutated by owners and admins only; any
// member may leave. Every mutation writes its outbox event inside the
// same transaction, so downstream consumers observe roster changes in
// commit order.
package conversation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/meshwire/messaging"
)

// Kind is the conversation cardinality.
type Kind string

const (
	KindDirect Kind = "direct"
	KindGroup  Kind = "group"
)

// PrivacyMode selects the encryption pipeline for a conversation's
// messages. It is fixed at creation; migrating a conversation between
// modes would mix plaintext and ciphertext history.
type PrivacyMode string

const (
	// PrivacyPlaintext stores message payloads as given.
	PrivacyPlaintext PrivacyMode = "plaintext"
	// PrivacyStrictPair requires client-side pair-ratchet ciphertext.
	PrivacyStrictPair PrivacyMode = "strict_e2ee_pair"
	// PrivacyStrictGroup requires client-side sender-key ciphertext.
	PrivacyStrictGroup PrivacyMode = "strict_e2ee_group"
)

// Role orders member privileges.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// canManageRoster reports whether the role may add or remove other
// members.
func (r Role) canManageRoster() bool { return r == RoleOwner || r == RoleAdmin }

// Conversation is the roster-bearing aggregate messages hang off.
type Conversation struct {
	ID          uuid.UUID   `json:"id"`
	Kind        Kind        `json:"kind"`
	PrivacyMode PrivacyMode `json:"privacy_mode"`
	CreatedBy   uuid.UUID   `json:"created_by"`
	CreatedAt   time.Time   `json:"created_at"`
	ArchivedAt  *time.Time  `json:"archived_at,omitempty"`
}

// Archived reports whether the conversation is soft-archived.
func (c *Conversation) Archived() bool { return c.ArchivedAt != nil }

// Member is one user's membership in a conversation.
type Member struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	UserID         uuid.UUID `json:"user_id"`
	Role           Role      `json:"role"`
	JoinedAt       time.Time `json:"joined_at"`
}

// CreateParams describes a conversation to create. For direct
// conversations Members holds exactly the two participants; for
// groups it holds the initial roster and must include the creator.
type CreateParams struct {
	Kind        Kind
	PrivacyMode PrivacyMode
	CreatedBy   uuid.UUID
	Members     []uuid.UUID
}

// Store persists conversations and memberships.
type Store interface {
	// Create inserts the conversation and its initial roster, plus a
	// ConversationCreated outbox event, in one transaction. The
	// creator of a group is its owner; direct members are peers.
	Create(ctx context.Context, params CreateParams) (*Conversation, error)

	// Get fetches a conversation by ID.
	Get(ctx context.Context, id uuid.UUID) (*Conversation, error)

	// IsMember is the hot-path membership gate, a primary-key lookup.
	IsMember(ctx context.Context, conversationID, userID uuid.UUID) (bool, error)

	// GetMember fetches one membership, ErrNotFound when absent.
	GetMember(ctx context.Context, conversationID, userID uuid.UUID) (*Member, error)

	// ListMembers returns the roster ordered by join time.
	ListMembers(ctx context.Context, conversationID uuid.UUID) ([]Member, error)

	// AddMember adds a user to a group roster. The actor must be
	// owner or admin; direct rosters are immutable.
	AddMember(ctx context.Context, conversationID, actorID, userID uuid.UUID, role Role) error

	// RemoveMember removes a user from a group roster. Owners and
	// admins remove anyone but the owner; any member removes
	// themselves (leave).
	RemoveMember(ctx context.Context, conversationID, actorID, userID uuid.UUID) error

	// Archive soft-archives the conversation. Owner only. Archived
	// conversations reject new messages but keep their history.
	Archive(ctx context.Context, conversationID, actorID uuid.UUID) error
}

func validateCreate(params CreateParams) error {
	if params.CreatedBy == uuid.Nil {
		return fmt.Errorf("%w: creator required", messaging.ErrValidation)
	}
	switch params.Kind {
	case KindDirect:
		if params.PrivacyMode == PrivacyStrictGroup {
			return fmt.Errorf("%w: group privacy mode on a direct conversation", messaging.ErrValidation)
		}
		if len(params.Members) != 2 {
			return fmt.Errorf("%w: direct conversations have exactly 2 members", messaging.ErrValidation)
		}
		if params.Members[0] == params.Members[1] {
			return fmt.Errorf("%w: direct members must be distinct", messaging.ErrValidation)
		}
	case KindGroup:
		if params.PrivacyMode == PrivacyStrictPair {
			return fmt.Errorf("%w: pair privacy mode on a group conversation", messaging.ErrValidation)
		}
		if len(params.Members) == 0 {
			return fmt.Errorf("%w: group needs at least one member", messaging.ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", messaging.ErrValidation, params.Kind)
	}
	switch params.PrivacyMode {
	case PrivacyPlaintext, PrivacyStrictPair, PrivacyStrictGroup:
	default:
		return fmt.Errorf("%w: unknown privacy mode %q", messaging.ErrValidation, params.PrivacyMode)
	}
	seen := make(map[uuid.UUID]bool, len(params.Members))
	creatorIncluded := false
	for _, id := range params.Members {
		if id == uuid.Nil {
			return fmt.Errorf("%w: nil member ID", messaging.ErrValidation)
		}
		if seen[id] {
			return fmt.Errorf("%w: duplicate member %s", messaging.ErrValidation, id)
		}
		seen[id] = true
		if id == params.CreatedBy {
			creatorIncluded = true
		}
	}
	if !creatorIncluded {
		return fmt.Errorf("%w: creator must be a member", messaging.ErrValidation)
	}
	return nil
}

// initialRole assigns roles at creation time. Direct peers are plain
// members since neither manages the other.
func initialRole(kind Kind, userID, createdBy uuid.UUID) Role {
	if kind == KindGroup && userID == createdBy {
		return RoleOwner
	}
	return RoleMember
}

// rosterGate runs the shared ACL for AddMember/RemoveMember. selfOK
// permits a member acting on their own row (leave).
func rosterGate(conv *Conversation, actor *Member, targetID uuid.UUID, selfOK bool) error {
	if conv.Kind != KindGroup {
		return fmt.Errorf("%w: direct conversation rosters are immutable", messaging.ErrValidation)
	}
	if conv.Archived() {
		return fmt.Errorf("%w: conversation archived", messaging.ErrValidation)
	}
	if actor == nil {
		return fmt.Errorf("%w: actor is not a member", messaging.ErrUnauthorized)
	}
	if actor.Role.canManageRoster() {
		return nil
	}
	if selfOK && actor.UserID == targetID {
		return nil
	}
	return fmt.Errorf("%w: role %s cannot manage the roster", messaging.ErrUnauthorized, actor.Role)
}

// Outbox payloads.

type conversationCreatedPayload struct {
	ConversationID uuid.UUID   `json:"conversation_id"`
	Kind           Kind        `json:"kind"`
	PrivacyMode    PrivacyMode `json:"privacy_mode"`
	CreatedBy      uuid.UUID   `json:"created_by"`
	Members        []uuid.UUID `json:"members"`
}

type memberPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	UserID         uuid.UUID `json:"user_id"`
	ActorID        uuid.UUID `json:"actor_id"`
	Role           Role      `json:"role,omitempty"`
}

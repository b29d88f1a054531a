package conversation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/meshwire/messaging"
	"github.com/meshwire/messaging/outbox"
	"github.com/meshwire/messaging/store"
)

// PostgresStore implements Store for PostgreSQL.
//
// Required schema:
//
//	CREATE TABLE conversations (
//	    id           UUID PRIMARY KEY,
//	    kind         VARCHAR(16) NOT NULL,
//	    privacy_mode VARCHAR(32) NOT NULL,
//	    created_by   UUID NOT NULL,
//	    created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	    archived_at  TIMESTAMPTZ
//	);
//
//	CREATE TABLE conversation_members (
//	    conversation_id UUID NOT NULL REFERENCES conversations (id),
//	    user_id         UUID NOT NULL,
//	    role            VARCHAR(16) NOT NULL,
//	    joined_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	    PRIMARY KEY (conversation_id, user_id)
//	);
//	CREATE INDEX idx_members_user ON conversation_members (user_id);
type PostgresStore struct {
	db     *store.DB
	outbox outbox.Store
	logger *slog.Logger
}

var _ Store = (*PostgresStore)(nil)

// PostgresOption configures a PostgresStore.
type PostgresOption func(*PostgresStore)

// WithOutbox wires the outbox store used for roster events.
func WithOutbox(ob outbox.Store) PostgresOption {
	return func(s *PostgresStore) { s.outbox = ob }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) PostgresOption {
	return func(s *PostgresStore) { s.logger = l.With("component", "conversation") }
}

// NewPostgresStore creates a PostgreSQL conversation store.
func NewPostgresStore(db *store.DB, opts ...PostgresOption) *PostgresStore {
	s := &PostgresStore{
		db:     db,
		logger: slog.Default().With("component", "conversation"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create implements Store.
func (s *PostgresStore) Create(ctx context.Context, params CreateParams) (*Conversation, error) {
	if err := validateCreate(params); err != nil {
		return nil, err
	}
	conv := &Conversation{
		ID:          uuid.New(),
		Kind:        params.Kind,
		PrivacyMode: params.PrivacyMode,
		CreatedBy:   params.CreatedBy,
	}
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO conversations (id, kind, privacy_mode, created_by)
			VALUES ($1, $2, $3, $4)
			RETURNING created_at`,
			conv.ID, conv.Kind, conv.PrivacyMode, conv.CreatedBy).Scan(&conv.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert conversation: %w", err)
		}
		for _, userID := range params.Members {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO conversation_members (conversation_id, user_id, role)
				VALUES ($1, $2, $3)`,
				conv.ID, userID, initialRole(params.Kind, userID, params.CreatedBy)); err != nil {
				return fmt.Errorf("insert member %s: %w", userID, err)
			}
		}
		return s.insertEvent(ctx, tx, conv.ID, messaging.EventConversationCreated,
			conversationCreatedPayload{
				ConversationID: conv.ID,
				Kind:           conv.Kind,
				PrivacyMode:    conv.PrivacyMode,
				CreatedBy:      conv.CreatedBy,
				Members:        params.Members,
			})
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	conv := &Conversation{ID: id}
	err := s.db.QueryRow(ctx, `
		SELECT kind, privacy_mode, created_by, created_at, archived_at
		FROM conversations WHERE id = $1`, id).Scan(
		&conv.Kind, &conv.PrivacyMode, &conv.CreatedBy, &conv.CreatedAt, &conv.ArchivedAt)
	if err != nil {
		return nil, fmt.Errorf("fetch conversation: %w", store.Classify(err))
	}
	return conv, nil
}

// IsMember implements Store.
func (s *PostgresStore) IsMember(ctx context.Context, conversationID, userID uuid.UUID) (bool, error) {
	var one int
	err := s.db.QueryRow(ctx, `
		SELECT 1 FROM conversation_members
		WHERE conversation_id = $1 AND user_id = $2`, conversationID, userID).Scan(&one)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	default:
		return false, fmt.Errorf("membership lookup: %w", err)
	}
}

// GetMember implements Store.
func (s *PostgresStore) GetMember(ctx context.Context, conversationID, userID uuid.UUID) (*Member, error) {
	m := &Member{ConversationID: conversationID, UserID: userID}
	err := s.db.QueryRow(ctx, `
		SELECT role, joined_at FROM conversation_members
		WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID).Scan(&m.Role, &m.JoinedAt)
	if err != nil {
		return nil, fmt.Errorf("fetch member: %w", store.Classify(err))
	}
	return m, nil
}

// ListMembers implements Store.
func (s *PostgresStore) ListMembers(ctx context.Context, conversationID uuid.UUID) ([]Member, error) {
	rows, err := s.db.Query(ctx, `
		SELECT user_id, role, joined_at FROM conversation_members
		WHERE conversation_id = $1 ORDER BY joined_at, user_id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var out []Member
	for rows.Next() {
		m := Member{ConversationID: conversationID}
		if err := rows.Scan(&m.UserID, &m.Role, &m.JoinedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AddMember implements Store.
func (s *PostgresStore) AddMember(ctx context.Context, conversationID, actorID, userID uuid.UUID, role Role) error {
	if role != RoleAdmin && role != RoleMember {
		return fmt.Errorf("%w: role %q cannot be granted", messaging.ErrValidation, role)
	}
	conv, actor, err := s.loadGate(ctx, conversationID, actorID)
	if err != nil {
		return err
	}
	if err := rosterGate(conv, actor, userID, false); err != nil {
		return err
	}
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_members (conversation_id, user_id, role)
			VALUES ($1, $2, $3)
			ON CONFLICT (conversation_id, user_id) DO NOTHING`,
			conversationID, userID, role)
		if err != nil {
			return fmt.Errorf("insert member: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("%w: user %s already a member", messaging.ErrConflict, userID)
		}
		return s.insertEvent(ctx, tx, conversationID, messaging.EventMemberAdded, memberPayload{
			ConversationID: conversationID,
			UserID:         userID,
			ActorID:        actorID,
			Role:           role,
		})
	})
}

// RemoveMember implements Store.
func (s *PostgresStore) RemoveMember(ctx context.Context, conversationID, actorID, userID uuid.UUID) error {
	conv, actor, err := s.loadGate(ctx, conversationID, actorID)
	if err != nil {
		return err
	}
	if err := rosterGate(conv, actor, userID, true); err != nil {
		return err
	}
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var targetRole Role
		err := tx.QueryRowContext(ctx, `
			SELECT role FROM conversation_members
			WHERE conversation_id = $1 AND user_id = $2
			FOR UPDATE`, conversationID, userID).Scan(&targetRole)
		if err != nil {
			return fmt.Errorf("fetch member: %w", store.Classify(err))
		}
		// A group never loses its owner.
		if targetRole == RoleOwner {
			return fmt.Errorf("%w: the owner cannot be removed", messaging.ErrValidation)
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM conversation_members
			WHERE conversation_id = $1 AND user_id = $2`,
			conversationID, userID); err != nil {
			return fmt.Errorf("delete member: %w", err)
		}
		return s.insertEvent(ctx, tx, conversationID, messaging.EventMemberRemoved, memberPayload{
			ConversationID: conversationID,
			UserID:         userID,
			ActorID:        actorID,
		})
	})
}

// Archive implements Store. The gate and the update share one
// transaction so a concurrent archive cannot slip between them, and
// the archived event commits atomically with the state change.
func (s *PostgresStore) Archive(ctx context.Context, conversationID, actorID uuid.UUID) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var kind Kind
		var archived sql.NullTime
		err := tx.QueryRowContext(ctx, `
			SELECT kind, archived_at FROM conversations
			WHERE id = $1 FOR UPDATE`, conversationID).Scan(&kind, &archived)
		if err != nil {
			return fmt.Errorf("lock conversation: %w", store.Classify(err))
		}
		if archived.Valid {
			return fmt.Errorf("%w: conversation already archived", messaging.ErrConflict)
		}

		var actorRole Role
		err = tx.QueryRowContext(ctx, `
			SELECT role FROM conversation_members
			WHERE conversation_id = $1 AND user_id = $2`,
			conversationID, actorID).Scan(&actorRole)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: actor is not a member", messaging.ErrUnauthorized)
		}
		if err != nil {
			return fmt.Errorf("fetch member: %w", err)
		}
		// Either peer archives a direct conversation; groups are the
		// owner's call.
		if kind == KindGroup && actorRole != RoleOwner {
			return fmt.Errorf("%w: only the owner archives a group", messaging.ErrUnauthorized)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE conversations SET archived_at = NOW()
			WHERE id = $1`, conversationID); err != nil {
			return fmt.Errorf("archive conversation: %w", err)
		}
		return s.insertEvent(ctx, tx, conversationID, messaging.EventConversationArchived,
			memberPayload{
				ConversationID: conversationID,
				UserID:         actorID,
				ActorID:        actorID,
			})
	})
}

// loadGate fetches the conversation and the actor's membership for
// roster ACL checks. A missing membership yields a nil actor, which
// rosterGate maps to Unauthorized.
func (s *PostgresStore) loadGate(ctx context.Context, conversationID, actorID uuid.UUID) (*Conversation, *Member, error) {
	conv, err := s.Get(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	actor, err := s.GetMember(ctx, conversationID, actorID)
	if err != nil {
		if errors.Is(err, messaging.ErrNotFound) {
			return conv, nil, nil
		}
		return nil, nil, err
	}
	return conv, actor, nil
}

func (s *PostgresStore) insertEvent(ctx context.Context, tx *sql.Tx, conversationID uuid.UUID, eventType string, payload any) error {
	if s.outbox == nil {
		return nil
	}
	env, err := messaging.NewEnvelope("conversation", conversationID.String(), eventType, payload)
	if err != nil {
		return err
	}
	return s.outbox.InsertTx(ctx, tx, outbox.FromEnvelope(env))
}

package conversation

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/meshwire/messaging"
)

func newGroup(t *testing.T, s *MemoryStore, owner uuid.UUID, others ...uuid.UUID) *Conversation {
	t.Helper()
	conv, err := s.Create(context.Background(), CreateParams{
		Kind:        KindGroup,
		PrivacyMode: PrivacyPlaintext,
		CreatedBy:   owner,
		Members:     append([]uuid.UUID{owner}, others...),
	})
	if err != nil {
		t.Fatalf("Create group: %v", err)
	}
	return conv
}

func TestCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("direct", func(t *testing.T) {
		s := NewMemoryStore()
		a, b := uuid.New(), uuid.New()
		conv, err := s.Create(ctx, CreateParams{
			Kind:        KindDirect,
			PrivacyMode: PrivacyStrictPair,
			CreatedBy:   a,
			Members:     []uuid.UUID{a, b},
		})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		for _, id := range []uuid.UUID{a, b} {
			m, err := s.GetMember(ctx, conv.ID, id)
			if err != nil {
				t.Fatalf("GetMember(%s): %v", id, err)
			}
			if m.Role != RoleMember {
				t.Errorf("direct member role = %s, want member", m.Role)
			}
		}
		events := s.Events()
		if len(events) != 1 || events[0].EventType != messaging.EventConversationCreated {
			t.Errorf("events = %+v, want one ConversationCreated", events)
		}
	})

	t.Run("group creator is owner", func(t *testing.T) {
		s := NewMemoryStore()
		owner := uuid.New()
		conv := newGroup(t, s, owner, uuid.New(), uuid.New())
		m, err := s.GetMember(ctx, conv.ID, owner)
		if err != nil {
			t.Fatalf("GetMember: %v", err)
		}
		if m.Role != RoleOwner {
			t.Errorf("creator role = %s, want owner", m.Role)
		}
	})

	t.Run("validation", func(t *testing.T) {
		s := NewMemoryStore()
		a, b, c := uuid.New(), uuid.New(), uuid.New()
		cases := []struct {
			name   string
			params CreateParams
		}{
			{"direct with three members", CreateParams{
				Kind: KindDirect, PrivacyMode: PrivacyPlaintext,
				CreatedBy: a, Members: []uuid.UUID{a, b, c}}},
			{"direct with duplicate member", CreateParams{
				Kind: KindDirect, PrivacyMode: PrivacyPlaintext,
				CreatedBy: a, Members: []uuid.UUID{a, a}}},
			{"direct with group privacy", CreateParams{
				Kind: KindDirect, PrivacyMode: PrivacyStrictGroup,
				CreatedBy: a, Members: []uuid.UUID{a, b}}},
			{"group with pair privacy", CreateParams{
				Kind: KindGroup, PrivacyMode: PrivacyStrictPair,
				CreatedBy: a, Members: []uuid.UUID{a, b}}},
			{"creator not a member", CreateParams{
				Kind: KindGroup, PrivacyMode: PrivacyPlaintext,
				CreatedBy: a, Members: []uuid.UUID{b, c}}},
			{"unknown kind", CreateParams{
				Kind: "broadcast", PrivacyMode: PrivacyPlaintext,
				CreatedBy: a, Members: []uuid.UUID{a}}},
			{"unknown privacy mode", CreateParams{
				Kind: KindGroup, PrivacyMode: "rot13",
				CreatedBy: a, Members: []uuid.UUID{a}}},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				if _, err := s.Create(ctx, tc.params); !errors.Is(err, messaging.ErrValidation) {
					t.Errorf("Create = %v, want ErrValidation", err)
				}
			})
		}
	})
}

func TestIsMember(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	owner, outsider := uuid.New(), uuid.New()
	conv := newGroup(t, s, owner)

	if ok, err := s.IsMember(ctx, conv.ID, owner); err != nil || !ok {
		t.Errorf("IsMember(owner) = %v, %v, want true", ok, err)
	}
	if ok, err := s.IsMember(ctx, conv.ID, outsider); err != nil || ok {
		t.Errorf("IsMember(outsider) = %v, %v, want false", ok, err)
	}
}

func TestAddMember(t *testing.T) {
	ctx := context.Background()

	t.Run("owner and admin can add", func(t *testing.T) {
		s := NewMemoryStore()
		owner, admin, joiner1, joiner2 := uuid.New(), uuid.New(), uuid.New(), uuid.New()
		conv := newGroup(t, s, owner)

		if err := s.AddMember(ctx, conv.ID, owner, admin, RoleAdmin); err != nil {
			t.Fatalf("owner AddMember: %v", err)
		}
		if err := s.AddMember(ctx, conv.ID, admin, joiner1, RoleMember); err != nil {
			t.Fatalf("admin AddMember: %v", err)
		}
		if err := s.AddMember(ctx, conv.ID, joiner1, joiner2, RoleMember); !errors.Is(err, messaging.ErrUnauthorized) {
			t.Errorf("member AddMember = %v, want ErrUnauthorized", err)
		}
	})

	t.Run("duplicate member conflicts", func(t *testing.T) {
		s := NewMemoryStore()
		owner, other := uuid.New(), uuid.New()
		conv := newGroup(t, s, owner, other)
		if err := s.AddMember(ctx, conv.ID, owner, other, RoleMember); !errors.Is(err, messaging.ErrConflict) {
			t.Errorf("AddMember existing = %v, want ErrConflict", err)
		}
	})

	t.Run("direct roster is immutable", func(t *testing.T) {
		s := NewMemoryStore()
		a, b := uuid.New(), uuid.New()
		conv, err := s.Create(ctx, CreateParams{
			Kind: KindDirect, PrivacyMode: PrivacyPlaintext,
			CreatedBy: a, Members: []uuid.UUID{a, b},
		})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if err := s.AddMember(ctx, conv.ID, a, uuid.New(), RoleMember); !errors.Is(err, messaging.ErrValidation) {
			t.Errorf("AddMember on direct = %v, want ErrValidation", err)
		}
	})

	t.Run("owner role cannot be granted", func(t *testing.T) {
		s := NewMemoryStore()
		owner := uuid.New()
		conv := newGroup(t, s, owner)
		if err := s.AddMember(ctx, conv.ID, owner, uuid.New(), RoleOwner); !errors.Is(err, messaging.ErrValidation) {
			t.Errorf("AddMember(owner role) = %v, want ErrValidation", err)
		}
	})

	t.Run("outsider actor", func(t *testing.T) {
		s := NewMemoryStore()
		conv := newGroup(t, s, uuid.New())
		if err := s.AddMember(ctx, conv.ID, uuid.New(), uuid.New(), RoleMember); !errors.Is(err, messaging.ErrUnauthorized) {
			t.Errorf("outsider AddMember = %v, want ErrUnauthorized", err)
		}
	})
}

func TestRemoveMember(t *testing.T) {
	ctx := context.Background()

	t.Run("admin removes member", func(t *testing.T) {
		s := NewMemoryStore()
		owner, admin, target := uuid.New(), uuid.New(), uuid.New()
		conv := newGroup(t, s, owner, target)
		if err := s.AddMember(ctx, conv.ID, owner, admin, RoleAdmin); err != nil {
			t.Fatalf("AddMember: %v", err)
		}
		if err := s.RemoveMember(ctx, conv.ID, admin, target); err != nil {
			t.Fatalf("RemoveMember: %v", err)
		}
		if ok, _ := s.IsMember(ctx, conv.ID, target); ok {
			t.Error("target still a member after removal")
		}
		events := s.Events()
		last := events[len(events)-1]
		if last.EventType != messaging.EventMemberRemoved {
			t.Errorf("last event = %s, want MemberRemoved", last.EventType)
		}
	})

	t.Run("member leaves on their own", func(t *testing.T) {
		s := NewMemoryStore()
		owner, member := uuid.New(), uuid.New()
		conv := newGroup(t, s, owner, member)
		if err := s.RemoveMember(ctx, conv.ID, member, member); err != nil {
			t.Fatalf("self RemoveMember: %v", err)
		}
	})

	t.Run("member cannot remove others", func(t *testing.T) {
		s := NewMemoryStore()
		owner, m1, m2 := uuid.New(), uuid.New(), uuid.New()
		conv := newGroup(t, s, owner, m1, m2)
		if err := s.RemoveMember(ctx, conv.ID, m1, m2); !errors.Is(err, messaging.ErrUnauthorized) {
			t.Errorf("member RemoveMember = %v, want ErrUnauthorized", err)
		}
	})

	t.Run("owner cannot be removed", func(t *testing.T) {
		s := NewMemoryStore()
		owner, admin := uuid.New(), uuid.New()
		conv := newGroup(t, s, owner)
		if err := s.AddMember(ctx, conv.ID, owner, admin, RoleAdmin); err != nil {
			t.Fatalf("AddMember: %v", err)
		}
		if err := s.RemoveMember(ctx, conv.ID, admin, owner); !errors.Is(err, messaging.ErrValidation) {
			t.Errorf("RemoveMember(owner) = %v, want ErrValidation", err)
		}
		if err := s.RemoveMember(ctx, conv.ID, owner, owner); !errors.Is(err, messaging.ErrValidation) {
			t.Errorf("owner self-removal = %v, want ErrValidation", err)
		}
	})
}

func TestArchive(t *testing.T) {
	ctx := context.Background()

	t.Run("owner archives a group", func(t *testing.T) {
		s := NewMemoryStore()
		owner, member := uuid.New(), uuid.New()
		conv := newGroup(t, s, owner, member)

		if err := s.Archive(ctx, conv.ID, member); !errors.Is(err, messaging.ErrUnauthorized) {
			t.Errorf("member Archive = %v, want ErrUnauthorized", err)
		}
		if err := s.Archive(ctx, conv.ID, owner); err != nil {
			t.Fatalf("Archive: %v", err)
		}
		got, err := s.Get(ctx, conv.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if !got.Archived() {
			t.Error("conversation not archived")
		}
		if err := s.Archive(ctx, conv.ID, owner); !errors.Is(err, messaging.ErrConflict) {
			t.Errorf("second Archive = %v, want ErrConflict", err)
		}
		// Roster mutations on an archived conversation are rejected.
		if err := s.AddMember(ctx, conv.ID, owner, uuid.New(), RoleMember); !errors.Is(err, messaging.ErrValidation) {
			t.Errorf("AddMember after archive = %v, want ErrValidation", err)
		}
		events := s.Events()
		last := events[len(events)-1]
		if last.EventType != messaging.EventConversationArchived {
			t.Errorf("last event = %s, want ConversationArchived", last.EventType)
		}
	})

	t.Run("either peer archives a direct conversation", func(t *testing.T) {
		s := NewMemoryStore()
		a, b := uuid.New(), uuid.New()
		conv, err := s.Create(ctx, CreateParams{
			Kind: KindDirect, PrivacyMode: PrivacyPlaintext,
			CreatedBy: a, Members: []uuid.UUID{a, b},
		})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if err := s.Archive(ctx, conv.ID, b); err != nil {
			t.Fatalf("peer Archive: %v", err)
		}
	})
}

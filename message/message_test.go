package message

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/meshwire/messaging"
)

func plainMsg(convID, senderID uuid.UUID, text string) *Message {
	return &Message{
		ConversationID: convID,
		SenderID:       senderID,
		Plaintext:      []byte(text),
	}
}

func TestStoreCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("sequences are monotonic and gapless", func(t *testing.T) {
		s := NewMemoryStore()
		convID, senderID := uuid.New(), uuid.New()
		for want := int64(1); want <= 5; want++ {
			msg := plainMsg(convID, senderID, "hi")
			if err := s.Create(ctx, msg); err != nil {
				t.Fatalf("Create %d: %v", want, err)
			}
			if msg.SequenceNumber != want {
				t.Errorf("sequence = %d, want %d", msg.SequenceNumber, want)
			}
		}
	})

	t.Run("independent per conversation", func(t *testing.T) {
		s := NewMemoryStore()
		a, b, senderID := uuid.New(), uuid.New(), uuid.New()
		for _, convID := range []uuid.UUID{a, b} {
			msg := plainMsg(convID, senderID, "hi")
			if err := s.Create(ctx, msg); err != nil {
				t.Fatalf("Create: %v", err)
			}
			if msg.SequenceNumber != 1 {
				t.Errorf("conversation %s first sequence = %d, want 1", convID, msg.SequenceNumber)
			}
		}
	})

	t.Run("idempotency key returns the prior message", func(t *testing.T) {
		s := NewMemoryStore()
		convID, senderID := uuid.New(), uuid.New()
		first := plainMsg(convID, senderID, "once")
		first.IdempotencyKey = "key-1"
		if err := s.Create(ctx, first); err != nil {
			t.Fatalf("Create: %v", err)
		}
		retry := plainMsg(convID, senderID, "once")
		retry.IdempotencyKey = "key-1"
		if err := s.Create(ctx, retry); err != nil {
			t.Fatalf("retried Create: %v", err)
		}
		if retry.ID != first.ID || retry.SequenceNumber != first.SequenceNumber {
			t.Errorf("retry = (%s, %d), want the original (%s, %d)",
				retry.ID, retry.SequenceNumber, first.ID, first.SequenceNumber)
		}
		if len(s.Events()) != 1 {
			t.Errorf("events = %d, want 1 (no event for the idempotent hit)", len(s.Events()))
		}
	})

	t.Run("recovers from sequence conflicts", func(t *testing.T) {
		s := NewMemoryStore()
		s.FailNextSequences(2)
		msg := plainMsg(uuid.New(), uuid.New(), "raced")
		if err := s.Create(ctx, msg); err != nil {
			t.Fatalf("Create after conflicts: %v", err)
		}
	})

	t.Run("exhausted retries surface Conflict", func(t *testing.T) {
		s := NewMemoryStore()
		s.FailNextSequences(maxSequenceRetries + 1)
		err := s.Create(ctx, plainMsg(uuid.New(), uuid.New(), "raced"))
		if !errors.Is(err, messaging.ErrConflict) {
			t.Errorf("Create = %v, want ErrConflict", err)
		}
	})

	t.Run("validation", func(t *testing.T) {
		s := NewMemoryStore()
		convID, senderID := uuid.New(), uuid.New()
		bad := []*Message{
			{ConversationID: convID, SenderID: senderID},
			{ConversationID: convID, SenderID: senderID, Plaintext: []byte("x"), Ciphertext: []byte("y")},
			{ConversationID: convID, SenderID: senderID, Ciphertext: []byte("y"), EncryptionVersion: 1},
			{SenderID: senderID, Plaintext: []byte("x")},
		}
		for i, msg := range bad {
			if err := s.Create(ctx, msg); !errors.Is(err, messaging.ErrValidation) {
				t.Errorf("Create bad[%d] = %v, want ErrValidation", i, err)
			}
		}
	})
}

func TestStoreHistory(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	convID, senderID := uuid.New(), uuid.New()

	ids := make([]uuid.UUID, 0, 10)
	for i := 0; i < 10; i++ {
		msg := plainMsg(convID, senderID, "m")
		if err := s.Create(ctx, msg); err != nil {
			t.Fatalf("Create: %v", err)
		}
		ids = append(ids, msg.ID)
	}

	t.Run("latest page chronological", func(t *testing.T) {
		page, err := s.History(ctx, HistoryQuery{ConversationID: convID, Limit: 4})
		if err != nil {
			t.Fatalf("History: %v", err)
		}
		want := []int64{7, 8, 9, 10}
		if len(page) != len(want) {
			t.Fatalf("page length = %d, want %d", len(page), len(want))
		}
		for i, msg := range page {
			if msg.SequenceNumber != want[i] {
				t.Errorf("page[%d].sequence = %d, want %d", i, msg.SequenceNumber, want[i])
			}
		}
	})

	t.Run("cursor pages backwards", func(t *testing.T) {
		page, err := s.History(ctx, HistoryQuery{ConversationID: convID, BeforeSequence: 7, Limit: 3})
		if err != nil {
			t.Fatalf("History: %v", err)
		}
		want := []int64{4, 5, 6}
		for i, msg := range page {
			if msg.SequenceNumber != want[i] {
				t.Errorf("page[%d].sequence = %d, want %d", i, msg.SequenceNumber, want[i])
			}
		}
	})

	t.Run("soft-deleted rows excluded by default", func(t *testing.T) {
		if err := s.Delete(ctx, ids[9], senderID); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		page, _ := s.History(ctx, HistoryQuery{ConversationID: convID, Limit: 3})
		for _, msg := range page {
			if msg.SequenceNumber == 10 {
				t.Error("deleted message present in history")
			}
		}
		page, _ = s.History(ctx, HistoryQuery{ConversationID: convID, Limit: 3, IncludeDeleted: true})
		found := false
		for _, msg := range page {
			if msg.SequenceNumber == 10 && msg.Deleted() {
				found = true
			}
		}
		if !found {
			t.Error("IncludeDeleted did not surface the deleted message")
		}
	})

	t.Run("limit is capped", func(t *testing.T) {
		q := HistoryQuery{ConversationID: convID, Limit: 100000}
		if got := q.effectiveLimit(); got != MaxHistoryLimit {
			t.Errorf("effectiveLimit = %d, want %d", got, MaxHistoryLimit)
		}
	})
}

func TestStoreEditDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	convID, senderID, stranger := uuid.New(), uuid.New(), uuid.New()

	msg := plainMsg(convID, senderID, "original")
	if err := s.Create(ctx, msg); err != nil {
		t.Fatalf("Create: %v", err)
	}

	t.Run("sender edits", func(t *testing.T) {
		edited, err := s.Edit(ctx, msg.ID, senderID, Content{Plaintext: []byte("fixed")})
		if err != nil {
			t.Fatalf("Edit: %v", err)
		}
		if string(edited.Plaintext) != "fixed" || edited.EditedAt == nil {
			t.Errorf("edited = %q, editedAt %v", edited.Plaintext, edited.EditedAt)
		}
	})

	t.Run("stranger cannot edit or delete", func(t *testing.T) {
		if _, err := s.Edit(ctx, msg.ID, stranger, Content{Plaintext: []byte("x")}); !errors.Is(err, messaging.ErrUnauthorized) {
			t.Errorf("stranger Edit = %v, want ErrUnauthorized", err)
		}
		if err := s.Delete(ctx, msg.ID, stranger); !errors.Is(err, messaging.ErrUnauthorized) {
			t.Errorf("stranger Delete = %v, want ErrUnauthorized", err)
		}
	})

	t.Run("delete is terminal", func(t *testing.T) {
		if err := s.Delete(ctx, msg.ID, senderID); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if _, err := s.Edit(ctx, msg.ID, senderID, Content{Plaintext: []byte("x")}); !errors.Is(err, messaging.ErrNotFound) {
			t.Errorf("Edit after delete = %v, want ErrNotFound", err)
		}
		if err := s.Delete(ctx, msg.ID, senderID); !errors.Is(err, messaging.ErrNotFound) {
			t.Errorf("second Delete = %v, want ErrNotFound", err)
		}
	})

	t.Run("event trail", func(t *testing.T) {
		types := []string{}
		for _, env := range s.Events() {
			types = append(types, env.EventType)
		}
		want := []string{messaging.EventMessageCreated, messaging.EventMessageEdited, messaging.EventMessageDeleted}
		if len(types) != len(want) {
			t.Fatalf("events = %v, want %v", types, want)
		}
		for i := range want {
			if types[i] != want[i] {
				t.Errorf("events[%d] = %s, want %s", i, types[i], want[i])
			}
		}
	})
}

func TestSizeClass(t *testing.T) {
	cases := []struct {
		n    int
		want string
	}{
		{1, "small"},
		{16<<10 - 1, "small"},
		{16 << 10, "medium"},
		{1 << 20, "large"},
		{MaxPayloadSize, "large"},
		{MaxPayloadSize + 1, "oversized"},
	}
	for _, tc := range cases {
		if got := sizeClass(tc.n); got != tc.want {
			t.Errorf("sizeClass(%d) = %s, want %s", tc.n, got, tc.want)
		}
	}
}

func TestClassifyInsert(t *testing.T) {
	msg := plainMsg(uuid.New(), uuid.New(), "hi")
	msg.IdempotencyKey = "key-1"
	msg.SequenceNumber = 4

	t.Run("idempotency collision defers resolution", func(t *testing.T) {
		// The violation aborts the transaction, so classification must
		// hand back a sentinel instead of querying for the prior row.
		err := classifyInsert(msg, errors.New(
			`duplicate key value violates unique constraint "idx_messages_idempotency" (SQLSTATE 23505)`))
		if !errors.Is(err, errIdempotentReplay) {
			t.Fatalf("err = %v, want errIdempotentReplay", err)
		}
	})

	t.Run("sequence collision is retriable", func(t *testing.T) {
		err := classifyInsert(msg, errors.New(
			`duplicate key value violates unique constraint "idx_messages_sequence" (SQLSTATE 23505)`))
		var seqErr *messaging.SequenceConflictError
		if !errors.As(err, &seqErr) {
			t.Fatalf("err = %v, want SequenceConflictError", err)
		}
		if seqErr.Sequence != 4 {
			t.Errorf("Sequence = %d, want 4", seqErr.Sequence)
		}
	})

	t.Run("unrelated errors pass through", func(t *testing.T) {
		boom := errors.New("connection reset")
		err := classifyInsert(msg, boom)
		if !errors.Is(err, boom) {
			t.Fatalf("err = %v, want wrapped boom", err)
		}
		if errors.Is(err, errIdempotentReplay) {
			t.Error("unrelated error must not classify as replay")
		}
	})
}

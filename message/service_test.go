package message

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"syreclabs.com/go/faker"

	"github.com/meshwire/messaging"
	"github.com/meshwire/messaging/conversation"
	"github.com/meshwire/messaging/crypto"
)

type stubLimiter struct {
	err   error
	calls int
}

func (l *stubLimiter) Allow(context.Context, string) error {
	l.calls++
	return l.err
}

type stubAppender struct {
	mu       sync.Mutex
	appended []*Message
	err      error
}

func (a *stubAppender) AppendMessage(_ context.Context, msg *Message) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return "", a.err
	}
	a.appended = append(a.appended, msg)
	return fmt.Sprintf("0-%d", len(a.appended)), nil
}

type stubBroadcaster struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (b *stubBroadcaster) Broadcast(_ context.Context, _ uuid.UUID, payload []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.payloads = append(b.payloads, payload)
	return 1
}

type serviceFixture struct {
	svc    *Service
	store  *MemoryStore
	convs  *conversation.MemoryStore
	queue  *stubAppender
	fanout *stubBroadcaster
	conv   *conversation.Conversation
	sender uuid.UUID
	peer   uuid.UUID
}

func newFixture(t *testing.T, mode conversation.PrivacyMode, opts ...ServiceOption) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		store:  NewMemoryStore(),
		convs:  conversation.NewMemoryStore(),
		queue:  &stubAppender{},
		fanout: &stubBroadcaster{},
		sender: uuid.New(),
		peer:   uuid.New(),
	}
	kind := conversation.KindDirect
	if mode == conversation.PrivacyStrictGroup {
		kind = conversation.KindGroup
	}
	conv, err := f.convs.Create(context.Background(), conversation.CreateParams{
		Kind:        kind,
		PrivacyMode: mode,
		CreatedBy:   f.sender,
		Members:     []uuid.UUID{f.sender, f.peer},
	})
	if err != nil {
		t.Fatalf("Create conversation: %v", err)
	}
	f.conv = conv
	opts = append([]ServiceOption{WithOfflineQueue(f.queue), WithBroadcaster(f.fanout)}, opts...)
	f.svc = NewService(f.store, f.convs, opts...)
	return f
}

func TestSend(t *testing.T) {
	ctx := context.Background()

	t.Run("plaintext pipeline", func(t *testing.T) {
		f := newFixture(t, conversation.PrivacyPlaintext)
		body := faker.Lorem().Sentence(8)
		msg, err := f.svc.Send(ctx, SendRequest{
			ConversationID: f.conv.ID,
			SenderID:       f.sender,
			Plaintext:      []byte(body),
		})
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
		if msg.SequenceNumber != 1 || string(msg.Plaintext) != body {
			t.Errorf("message = seq %d, %q", msg.SequenceNumber, msg.Plaintext)
		}
		if len(f.queue.appended) != 1 {
			t.Errorf("offline appends = %d, want 1", len(f.queue.appended))
		}
		if len(f.fanout.payloads) != 1 {
			t.Fatalf("broadcasts = %d, want 1", len(f.fanout.payloads))
		}
		var frame wsEvent
		if err := json.Unmarshal(f.fanout.payloads[0], &frame); err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		if frame.Event != "message.created" || frame.Data.ID != msg.ID {
			t.Errorf("frame = %s/%s, want message.created/%s", frame.Event, frame.Data.ID, msg.ID)
		}
	})

	t.Run("non-member rejected", func(t *testing.T) {
		f := newFixture(t, conversation.PrivacyPlaintext)
		_, err := f.svc.Send(ctx, SendRequest{
			ConversationID: f.conv.ID,
			SenderID:       uuid.New(),
			Plaintext:      []byte("intrusion"),
		})
		if !errors.Is(err, messaging.ErrUnauthorized) {
			t.Errorf("Send = %v, want ErrUnauthorized", err)
		}
		if len(f.queue.appended) != 0 {
			t.Error("rejected send reached the offline queue")
		}
	})

	t.Run("archived conversation rejected", func(t *testing.T) {
		f := newFixture(t, conversation.PrivacyPlaintext)
		if err := f.convs.Archive(ctx, f.conv.ID, f.sender); err != nil {
			t.Fatalf("Archive: %v", err)
		}
		_, err := f.svc.Send(ctx, SendRequest{
			ConversationID: f.conv.ID,
			SenderID:       f.sender,
			Plaintext:      []byte("late"),
		})
		if !errors.Is(err, messaging.ErrValidation) {
			t.Errorf("Send = %v, want ErrValidation", err)
		}
	})

	t.Run("rate limit proxies through", func(t *testing.T) {
		limiter := &stubLimiter{err: fmt.Errorf("%w: over budget", messaging.ErrRateLimited)}
		f := newFixture(t, conversation.PrivacyPlaintext, WithRateLimiter(limiter))
		_, err := f.svc.Send(ctx, SendRequest{
			ConversationID: f.conv.ID,
			SenderID:       f.sender,
			Plaintext:      []byte("burst"),
		})
		if !errors.Is(err, messaging.ErrRateLimited) {
			t.Errorf("Send = %v, want ErrRateLimited", err)
		}
		if limiter.calls != 1 {
			t.Errorf("limiter calls = %d, want 1", limiter.calls)
		}
	})

	t.Run("oversized payload rejected", func(t *testing.T) {
		f := newFixture(t, conversation.PrivacyPlaintext)
		_, err := f.svc.Send(ctx, SendRequest{
			ConversationID: f.conv.ID,
			SenderID:       f.sender,
			Plaintext:      bytes.Repeat([]byte{'a'}, MaxPayloadSize+1),
		})
		if !errors.Is(err, messaging.ErrValidation) {
			t.Errorf("Send = %v, want ErrValidation", err)
		}
	})

	t.Run("idempotent resend returns the original", func(t *testing.T) {
		f := newFixture(t, conversation.PrivacyPlaintext)
		req := SendRequest{
			ConversationID: f.conv.ID,
			SenderID:       f.sender,
			Plaintext:      []byte("exactly once"),
			IdempotencyKey: "send-1",
		}
		first, err := f.svc.Send(ctx, req)
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
		second, err := f.svc.Send(ctx, req)
		if err != nil {
			t.Fatalf("resend: %v", err)
		}
		if second.ID != first.ID {
			t.Errorf("resend ID = %s, want %s", second.ID, first.ID)
		}
		if len(f.queue.appended) != 1 {
			t.Errorf("offline appends = %d, want 1 (no duplicate delivery)", len(f.queue.appended))
		}
	})

	t.Run("concurrent resends with one key commit once", func(t *testing.T) {
		f := newFixture(t, conversation.PrivacyPlaintext)
		const writers = 8
		ids := make([]uuid.UUID, writers)
		errs := make([]error, writers)

		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				msg, err := f.svc.Send(ctx, SendRequest{
					ConversationID: f.conv.ID,
					SenderID:       f.sender,
					Plaintext:      []byte("exactly once"),
					IdempotencyKey: "send-race",
				})
				errs[i] = err
				if err == nil {
					ids[i] = msg.ID
				}
			}(i)
		}
		wg.Wait()

		for i := 0; i < writers; i++ {
			if errs[i] != nil {
				t.Fatalf("writer %d: %v", i, errs[i])
			}
			if ids[i] != ids[0] {
				t.Errorf("writer %d got ID %s, want %s", i, ids[i], ids[0])
			}
		}
		page, err := f.store.History(ctx, HistoryQuery{ConversationID: f.conv.ID})
		if err != nil {
			t.Fatalf("History: %v", err)
		}
		if len(page) != 1 {
			t.Errorf("stored messages = %d, want 1", len(page))
		}
	})

	t.Run("offline append failure is tolerated", func(t *testing.T) {
		f := newFixture(t, conversation.PrivacyPlaintext)
		f.queue.err = errors.New("stream store down")
		msg, err := f.svc.Send(ctx, SendRequest{
			ConversationID: f.conv.ID,
			SenderID:       f.sender,
			Plaintext:      []byte("still committed"),
		})
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
		if _, err := f.store.Get(ctx, msg.ID); err != nil {
			t.Errorf("message not committed: %v", err)
		}
		if len(f.fanout.payloads) != 1 {
			t.Error("live fan-out skipped after offline failure")
		}
	})
}

func TestSendPrivacyModes(t *testing.T) {
	ctx := context.Background()

	t.Run("strict pair requires ciphertext", func(t *testing.T) {
		f := newFixture(t, conversation.PrivacyStrictPair)
		_, err := f.svc.Send(ctx, SendRequest{
			ConversationID: f.conv.ID,
			SenderID:       f.sender,
			Plaintext:      []byte("leak"),
		})
		if !errors.Is(err, messaging.ErrValidation) {
			t.Errorf("plaintext to strict = %v, want ErrValidation", err)
		}

		msg, err := f.svc.Send(ctx, SendRequest{
			ConversationID:    f.conv.ID,
			SenderID:          f.sender,
			Ciphertext:        []byte("sealed"),
			Nonce:             []byte("nonce"),
			EncryptionVersion: 2,
		})
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
		if msg.EncryptionVersion != 2 || !bytes.Equal(msg.Ciphertext, []byte("sealed")) {
			t.Errorf("stored = v%d %q, want v2 sealed", msg.EncryptionVersion, msg.Ciphertext)
		}
	})

	t.Run("plaintext mode rejects ciphertext", func(t *testing.T) {
		f := newFixture(t, conversation.PrivacyPlaintext)
		_, err := f.svc.Send(ctx, SendRequest{
			ConversationID:    f.conv.ID,
			SenderID:          f.sender,
			Ciphertext:        []byte("sealed"),
			Nonce:             []byte("nonce"),
			EncryptionVersion: 1,
		})
		if !errors.Is(err, messaging.ErrValidation) {
			t.Errorf("ciphertext to plaintext = %v, want ErrValidation", err)
		}
	})

	t.Run("at-rest encrypts the stored row", func(t *testing.T) {
		cipher, err := crypto.NewAtRestCipher(bytes.Repeat([]byte{7}, 32))
		if err != nil {
			t.Fatalf("NewAtRestCipher: %v", err)
		}
		f := newFixture(t, conversation.PrivacyPlaintext, WithAtRestCipher(cipher))

		sent, err := f.svc.Send(ctx, SendRequest{
			ConversationID: f.conv.ID,
			SenderID:       f.sender,
			Plaintext:      []byte("protect me"),
		})
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
		// Callers see plaintext.
		if string(sent.Plaintext) != "protect me" || sent.EncryptionVersion != 0 {
			t.Errorf("returned = v%d %q", sent.EncryptionVersion, sent.Plaintext)
		}
		// The row does not hold it.
		raw, err := f.store.Get(ctx, sent.ID)
		if err != nil {
			t.Fatalf("raw Get: %v", err)
		}
		if len(raw.Plaintext) != 0 || raw.EncryptionVersion != 1 || len(raw.Ciphertext) == 0 {
			t.Errorf("stored row = v%d plaintext %q", raw.EncryptionVersion, raw.Plaintext)
		}
		// Reads decrypt transparently, for the peer too.
		got, err := f.svc.Get(ctx, sent.ID, f.peer)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if string(got.Plaintext) != "protect me" {
			t.Errorf("Get = %q, want %q", got.Plaintext, "protect me")
		}
		page, err := f.svc.History(ctx, f.peer, HistoryQuery{ConversationID: f.conv.ID})
		if err != nil {
			t.Fatalf("History: %v", err)
		}
		if len(page) != 1 || string(page[0].Plaintext) != "protect me" {
			t.Errorf("History = %+v", page)
		}
	})
}

func TestServiceReads(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, conversation.PrivacyPlaintext)

	sent, err := f.svc.Send(ctx, SendRequest{
		ConversationID: f.conv.ID,
		SenderID:       f.sender,
		Plaintext:      []byte("visible"),
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	t.Run("members read", func(t *testing.T) {
		got, err := f.svc.Get(ctx, sent.ID, f.peer)
		if err != nil || string(got.Plaintext) != "visible" {
			t.Errorf("Get = %q, %v", got.Plaintext, err)
		}
	})

	t.Run("outsiders do not", func(t *testing.T) {
		if _, err := f.svc.Get(ctx, sent.ID, uuid.New()); !errors.Is(err, messaging.ErrUnauthorized) {
			t.Errorf("outsider Get = %v, want ErrUnauthorized", err)
		}
		if _, err := f.svc.History(ctx, uuid.New(), HistoryQuery{ConversationID: f.conv.ID}); !errors.Is(err, messaging.ErrUnauthorized) {
			t.Errorf("outsider History = %v, want ErrUnauthorized", err)
		}
	})

	t.Run("deleted messages vanish from Get", func(t *testing.T) {
		if err := f.svc.Delete(ctx, sent.ID, f.sender); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if _, err := f.svc.Get(ctx, sent.ID, f.peer); !errors.Is(err, messaging.ErrNotFound) {
			t.Errorf("Get after delete = %v, want ErrNotFound", err)
		}
	})
}

package message

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/meshwire/messaging"
	"github.com/meshwire/messaging/conversation"
	"github.com/meshwire/messaging/crypto"
	"github.com/meshwire/messaging/metrics"
	"github.com/meshwire/messaging/resilience"
)

// Appender receives committed messages for the offline queue. A
// failure here is tolerated: the message row and its outbox event
// exist, so delivery happens eventually through the relay.
type Appender interface {
	AppendMessage(ctx context.Context, msg *Message) (string, error)
}

// Broadcaster fans a committed message out to live subscribers and
// reports how many received it.
type Broadcaster interface {
	Broadcast(ctx context.Context, conversationID uuid.UUID, payload []byte) int
}

// SendRequest is one send_message call.
type SendRequest struct {
	ConversationID uuid.UUID
	SenderID       uuid.UUID
	Plaintext      []byte
	Ciphertext     []byte
	Nonce          []byte
	// EncryptionVersion is required for strict conversations and
	// must be zero for plaintext ones.
	EncryptionVersion int16
	// IdempotencyKey makes retries of the same logical send return
	// the first committed message.
	IdempotencyKey string
}

// Service runs the message pipeline in front of a Store: ACL gate,
// rate limit, idempotent resolve, privacy-mode branch, then the
// transactional insert and post-commit fan-out.
type Service struct {
	store   Store
	convs   conversation.Store
	limiter resilience.Limiter
	atRest  *crypto.AtRestCipher
	queue   Appender
	fanout  Broadcaster
	logger  *slog.Logger
	metrics *metrics.Set

	now func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithRateLimiter sets the per-sender send limiter.
func WithRateLimiter(l resilience.Limiter) ServiceOption {
	return func(s *Service) { s.limiter = l }
}

// WithAtRestCipher enables server-side encryption for plaintext-mode
// conversations: rows are stored as version-1 ciphertext and
// decrypted on read.
func WithAtRestCipher(c *crypto.AtRestCipher) ServiceOption {
	return func(s *Service) { s.atRest = c }
}

// WithOfflineQueue sets the post-commit stream appender.
func WithOfflineQueue(q Appender) ServiceOption {
	return func(s *Service) { s.queue = q }
}

// WithBroadcaster sets the post-commit live fan-out.
func WithBroadcaster(b Broadcaster) ServiceOption {
	return func(s *Service) { s.fanout = b }
}

// WithServiceLogger sets the logger.
func WithServiceLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l.With("component", "message") }
}

// WithServiceMetrics sets the instrument set.
func WithServiceMetrics(m *metrics.Set) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// NewService wires the pipeline.
func NewService(store Store, convs conversation.Store, opts ...ServiceOption) *Service {
	s := &Service{
		store:   store,
		convs:   convs,
		logger:  slog.Default().With("component", "message"),
		metrics: metrics.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// wsEvent is the frame pushed to live subscribers, in the unified
// object.action envelope.
type wsEvent struct {
	Event string   `json:"event"`
	Data  *Message `json:"data"`
}

// Send runs the full send pipeline and returns the committed message.
// Calls with a previously used idempotency key return the original
// message without side effects.
func (s *Service) Send(ctx context.Context, req SendRequest) (*Message, error) {
	start := s.now()

	conv, err := s.gate(ctx, req.ConversationID, req.SenderID)
	if err != nil {
		return nil, err
	}
	if conv.Archived() {
		return nil, fmt.Errorf("%w: conversation archived", messaging.ErrValidation)
	}

	if s.limiter != nil {
		key := fmt.Sprintf("send:%s:%s", req.SenderID, req.ConversationID)
		if err := s.limiter.Allow(ctx, key); err != nil {
			return nil, err
		}
	}

	size := payloadLen(req.Plaintext, req.Ciphertext)
	s.metrics.PayloadSizeClass(ctx, sizeClass(size))
	if size > MaxPayloadSize {
		return nil, fmt.Errorf("%w: payload %d bytes exceeds %d", messaging.ErrValidation, size, MaxPayloadSize)
	}

	if req.IdempotencyKey != "" {
		prior, err := s.store.GetByIdempotencyKey(ctx, req.ConversationID, req.SenderID, req.IdempotencyKey)
		if err == nil {
			return s.decryptAtRest(conv, prior)
		}
		if !errors.Is(err, messaging.ErrNotFound) {
			return nil, err
		}
	}

	msg, err := s.buildMessage(conv, req)
	if err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, msg); err != nil {
		return nil, err
	}

	s.deliver(ctx, conv, msg)
	s.metrics.MessageSent(ctx, s.now().Sub(start).Seconds())
	return s.decryptAtRest(conv, msg)
}

// buildMessage applies the privacy-mode branch.
func (s *Service) buildMessage(conv *conversation.Conversation, req SendRequest) (*Message, error) {
	msg := &Message{
		ID:                uuid.New(),
		ConversationID:    req.ConversationID,
		SenderID:          req.SenderID,
		Plaintext:         req.Plaintext,
		Ciphertext:        req.Ciphertext,
		Nonce:             req.Nonce,
		EncryptionVersion: req.EncryptionVersion,
		IdempotencyKey:    req.IdempotencyKey,
	}
	switch conv.PrivacyMode {
	case conversation.PrivacyPlaintext:
		if req.EncryptionVersion != 0 || len(req.Ciphertext) != 0 {
			return nil, fmt.Errorf("%w: ciphertext sent to a plaintext conversation", messaging.ErrValidation)
		}
		if len(req.Plaintext) == 0 {
			return nil, fmt.Errorf("%w: empty plaintext", messaging.ErrValidation)
		}
		if s.atRest != nil {
			ciphertext, nonce, err := s.atRest.Encrypt(req.Plaintext)
			if err != nil {
				return nil, fmt.Errorf("%w: at-rest encryption: %v", messaging.ErrInternal, err)
			}
			msg.Plaintext = nil
			msg.Ciphertext = ciphertext
			msg.Nonce = nonce
			msg.EncryptionVersion = 1
		}
	case conversation.PrivacyStrictPair, conversation.PrivacyStrictGroup:
		// The server never sees plaintext in strict modes.
		if len(req.Plaintext) != 0 {
			return nil, fmt.Errorf("%w: plaintext sent to a strict conversation", messaging.ErrValidation)
		}
		if req.EncryptionVersion < 1 || len(req.Ciphertext) == 0 || len(req.Nonce) == 0 {
			return nil, fmt.Errorf("%w: strict conversations require ciphertext, nonce and version >= 1", messaging.ErrValidation)
		}
	default:
		return nil, fmt.Errorf("%w: unknown privacy mode %q", messaging.ErrInternal, conv.PrivacyMode)
	}
	return msg, nil
}

// deliver runs the post-commit hooks. Neither failure affects the
// committed send.
func (s *Service) deliver(ctx context.Context, conv *conversation.Conversation, msg *Message) {
	out, err := s.decryptAtRest(conv, msg)
	if err != nil {
		out = msg
	}
	if s.queue != nil {
		if _, err := s.queue.AppendMessage(ctx, out); err != nil {
			s.logger.Warn("offline append failed, relying on outbox delivery",
				"message_id", msg.ID, "conversation_id", msg.ConversationID, "error", err)
			s.metrics.DeliveryFailure(ctx, "offline_append")
		}
	}
	if s.fanout != nil {
		payload, err := json.Marshal(wsEvent{Event: "message.created", Data: out})
		if err == nil {
			s.fanout.Broadcast(ctx, msg.ConversationID, payload)
		}
	}
}

// Get fetches one message for a member of its conversation.
func (s *Service) Get(ctx context.Context, id, userID uuid.UUID) (*Message, error) {
	msg, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	conv, err := s.gate(ctx, msg.ConversationID, userID)
	if err != nil {
		return nil, err
	}
	if msg.Deleted() {
		return nil, fmt.Errorf("%w: message deleted", messaging.ErrNotFound)
	}
	return s.decryptAtRest(conv, msg)
}

// History pages a conversation's messages for a member.
func (s *Service) History(ctx context.Context, userID uuid.UUID, q HistoryQuery) ([]Message, error) {
	conv, err := s.gate(ctx, q.ConversationID, userID)
	if err != nil {
		return nil, err
	}
	page, err := s.store.History(ctx, q)
	if err != nil {
		return nil, err
	}
	for i := range page {
		out, err := s.decryptAtRest(conv, &page[i])
		if err != nil {
			return nil, err
		}
		page[i] = *out
	}
	return page, nil
}

// Edit replaces the sender's own message payload.
func (s *Service) Edit(ctx context.Context, id, senderID uuid.UUID, content Content) (*Message, error) {
	msg, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	conv, err := s.gate(ctx, msg.ConversationID, senderID)
	if err != nil {
		return nil, err
	}
	if conv.PrivacyMode == conversation.PrivacyPlaintext && s.atRest != nil && len(content.Plaintext) > 0 {
		ciphertext, nonce, err := s.atRest.Encrypt(content.Plaintext)
		if err != nil {
			return nil, fmt.Errorf("%w: at-rest encryption: %v", messaging.ErrInternal, err)
		}
		content = Content{Ciphertext: ciphertext, Nonce: nonce, EncryptionVersion: 1}
	}
	edited, err := s.store.Edit(ctx, id, senderID, content)
	if err != nil {
		return nil, err
	}
	return s.decryptAtRest(conv, edited)
}

// Delete soft-deletes the sender's own message.
func (s *Service) Delete(ctx context.Context, id, senderID uuid.UUID) error {
	msg, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.gate(ctx, msg.ConversationID, senderID); err != nil {
		return err
	}
	return s.store.Delete(ctx, id, senderID)
}

// gate loads the conversation and enforces membership.
func (s *Service) gate(ctx context.Context, conversationID, userID uuid.UUID) (*conversation.Conversation, error) {
	conv, err := s.convs.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	ok, err := s.convs.IsMember(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: not a member of %s", messaging.ErrUnauthorized, conversationID)
	}
	return conv, nil
}

// decryptAtRest reverses server-side encryption on read. Strict-mode
// ciphertext passes through untouched; only the server's own
// version-1 rows in plaintext conversations are opened.
func (s *Service) decryptAtRest(conv *conversation.Conversation, msg *Message) (*Message, error) {
	if conv.PrivacyMode != conversation.PrivacyPlaintext || msg.EncryptionVersion == 0 {
		return msg, nil
	}
	if s.atRest == nil {
		return nil, fmt.Errorf("%w: stored message is encrypted but no at-rest key is configured", messaging.ErrInternal)
	}
	plaintext, err := s.atRest.Decrypt(msg.Ciphertext, msg.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: at-rest decryption: %v", messaging.ErrInternal, err)
	}
	out := *msg
	out.Plaintext = plaintext
	out.Ciphertext = nil
	out.Nonce = nil
	out.EncryptionVersion = 0
	return &out, nil
}

// Package offline buffers committed messages in per-conversation
// Redis streams so that clients which were disconnected at send time
// can catch up through a consumer group instead of polling history.
//
// One stream and one consumer group exist per conversation. Each
// connected client is a consumer named "{user}:{client}", which gives
// every device an independent pending-entries list and lets the server
// redeliver exactly the frames a given device has not acknowledged.
package offline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/meshwire/messaging/kvstore"
	"github.com/meshwire/messaging/message"
	"github.com/meshwire/messaging/metrics"
)

const (
	// DefaultMaxLen bounds each conversation stream. Clients that
	// fall further behind than this recover through history reads.
	DefaultMaxLen = 10_000

	// DefaultClaimIdle is how long an entry may sit unacknowledged
	// on a consumer before redelivery claims it.
	DefaultClaimIdle = 30 * time.Second

	// syncStateTTL keeps sync cursors for clients that may stay
	// offline for weeks before reinstalling or expiring.
	syncStateTTL = 30 * 24 * time.Hour

	payloadField = "payload"
	messageField = "message_id"
	seqField     = "sequence"
)

// Queue is the offline delivery buffer. It implements
// message.Appender so the send pipeline can hand committed messages
// straight to it.
type Queue struct {
	kv        *kvstore.Client
	maxLen    int64
	claimIdle time.Duration
	logger    *slog.Logger
	metrics   *metrics.Set
}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxLen overrides the per-stream length bound.
func WithMaxLen(n int64) Option {
	return func(q *Queue) { q.maxLen = n }
}

// WithClaimIdle overrides the idle threshold for redelivery claims.
func WithClaimIdle(d time.Duration) Option {
	return func(q *Queue) { q.claimIdle = d }
}

// WithLogger sets the queue logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithMetrics sets the instrument bundle.
func WithMetrics(m *metrics.Set) Option {
	return func(q *Queue) { q.metrics = m }
}

// NewQueue builds a Queue over the shared key-value client.
func NewQueue(kv *kvstore.Client, opts ...Option) *Queue {
	q := &Queue{
		kv:        kv,
		maxLen:    DefaultMaxLen,
		claimIdle: DefaultClaimIdle,
		logger:    slog.Default(),
		metrics:   metrics.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func streamKey(conversationID uuid.UUID) string {
	return fmt.Sprintf("conv:%s:stream", conversationID)
}

func groupName(conversationID uuid.UUID) string {
	return fmt.Sprintf("conv:%s:group", conversationID)
}

func clientsKey(conversationID uuid.UUID) string {
	return fmt.Sprintf("conv:%s:clients", conversationID)
}

func syncKey(clientID string) string {
	return fmt.Sprintf("client:%s:sync", clientID)
}

// ConsumerName derives the consumer-group member name for a device.
func ConsumerName(userID uuid.UUID, clientID string) string {
	return fmt.Sprintf("%s:%s", userID, clientID)
}

// AppendMessage serializes msg onto its conversation stream, trimming
// the stream approximately to the configured bound. The returned
// stream ID is the delivery cursor clients acknowledge against.
func (q *Queue) AppendMessage(ctx context.Context, msg *message.Message) (string, error) {
	body, err := msgpack.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encode message %s: %w", msg.ID, err)
	}
	id, err := q.kv.Append(ctx, streamKey(msg.ConversationID), map[string]any{
		payloadField: body,
		messageField: msg.ID.String(),
		seqField:     msg.SequenceNumber,
	}, q.maxLen)
	if err != nil {
		q.metrics.OfflineDegraded(ctx)
		return "", fmt.Errorf("append to %s: %w", streamKey(msg.ConversationID), err)
	}
	return id, nil
}

// Register creates the conversation consumer group if needed and adds
// the client to the conversation's client index. It must run before
// the first read for a (conversation, client) pair.
func (q *Queue) Register(ctx context.Context, conversationID uuid.UUID, clientID string) error {
	if err := q.kv.EnsureGroup(ctx, streamKey(conversationID), groupName(conversationID), "0"); err != nil {
		return err
	}
	return q.kv.SAdd(ctx, clientsKey(conversationID), clientID)
}

// Clients lists the client IDs that have registered against a
// conversation, for bulk sync-state maintenance.
func (q *Queue) Clients(ctx context.Context, conversationID uuid.UUID) ([]string, error) {
	return q.kv.SMembers(ctx, clientsKey(conversationID))
}

// Delivery is one queued message together with the stream cursor a
// client acknowledges to mark it delivered.
type Delivery struct {
	StreamID string
	Message  *message.Message
}

// ReadPending returns entries this consumer has already been handed
// but never acknowledged, claiming stale entries abandoned by other
// consumers of the same device first. Used on reconnect and by the
// periodic redelivery sweep.
func (q *Queue) ReadPending(ctx context.Context, conversationID, userID uuid.UUID, clientID string, count int64) ([]Delivery, error) {
	stream := streamKey(conversationID)
	group := groupName(conversationID)
	consumer := ConsumerName(userID, clientID)

	claimed, err := q.kv.AutoClaim(ctx, stream, group, consumer, q.claimIdle, count)
	if err != nil {
		return nil, err
	}
	pending, err := q.kv.ReadPending(ctx, stream, group, consumer, count)
	if err != nil {
		return nil, err
	}
	return q.decode(ctx, append(claimed, pending...))
}

// ReadNew blocks up to block for entries no consumer in the group has
// seen yet.
func (q *Queue) ReadNew(ctx context.Context, conversationID, userID uuid.UUID, clientID string, count int64, block time.Duration) ([]Delivery, error) {
	entries, err := q.kv.ReadNew(ctx, streamKey(conversationID), groupName(conversationID), ConsumerName(userID, clientID), count, block)
	if err != nil {
		return nil, err
	}
	return q.decode(ctx, entries)
}

// Ack marks stream entries delivered for the conversation's group.
func (q *Queue) Ack(ctx context.Context, conversationID uuid.UUID, ids ...string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	return q.kv.Ack(ctx, streamKey(conversationID), groupName(conversationID), ids...)
}

// MessagesSince returns entries strictly after sinceID, oldest first.
// It serves cursor-based catchup for clients that track their own
// stream position instead of relying on the consumer group.
func (q *Queue) MessagesSince(ctx context.Context, conversationID uuid.UUID, sinceID string, count int64) ([]Delivery, error) {
	entries, err := q.kv.RangeAfter(ctx, streamKey(conversationID), sinceID, count)
	if err != nil {
		return nil, err
	}
	return q.decode(ctx, entries)
}

// Trim enforces the stream length bound. The websocket layer runs it
// hourly per active conversation.
func (q *Queue) Trim(ctx context.Context, conversationID uuid.UUID) (int64, error) {
	return q.kv.TrimMaxLen(ctx, streamKey(conversationID), q.maxLen)
}

// Backlog reports how many entries the conversation's group holds
// unacknowledged across all consumers.
func (q *Queue) Backlog(ctx context.Context, conversationID uuid.UUID) (int64, error) {
	return q.kv.PendingCount(ctx, streamKey(conversationID), groupName(conversationID))
}

func (q *Queue) decode(ctx context.Context, entries []kvstore.Entry) ([]Delivery, error) {
	out := make([]Delivery, 0, len(entries))
	for _, e := range entries {
		raw, ok := e.Values[payloadField]
		if !ok {
			// Entry written by an incompatible producer; skip it
			// rather than wedging the whole read.
			q.logger.Warn("stream entry missing payload", "stream_id", e.ID)
			q.metrics.DeliveryFailure(ctx, "malformed_entry")
			continue
		}
		var msg message.Message
		if err := msgpack.Unmarshal([]byte(raw), &msg); err != nil {
			q.logger.Warn("undecodable stream entry", "stream_id", e.ID, "error", err)
			q.metrics.DeliveryFailure(ctx, "malformed_entry")
			continue
		}
		out = append(out, Delivery{StreamID: e.ID, Message: &msg})
	}
	return out, nil
}

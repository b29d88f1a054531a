// Package ws holds the realtime delivery surface: a subscriber
// registry for local fan-out, a NATS relay that bridges fan-out
// across nodes, and the websocket session lifecycle.
package ws

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/meshwire/messaging/metrics"
)

// SendBuffer is the per-subscriber channel depth. A subscriber whose
// buffer is full is skipped, not waited on; the offline queue covers
// what live fan-out drops.
const SendBuffer = 64

// Registry tracks which local sessions are subscribed to which
// conversations. It implements message.Broadcaster for the send
// pipeline's post-commit fan-out.
type Registry struct {
	mu      sync.RWMutex
	convs   map[uuid.UUID]map[string]chan []byte
	logger  *slog.Logger
	metrics *metrics.Set
}

// NewRegistry builds an empty registry.
func NewRegistry(logger *slog.Logger, m *metrics.Set) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		convs:   make(map[uuid.UUID]map[string]chan []byte),
		logger:  logger,
		metrics: m,
	}
}

// Add subscribes a session to a conversation and returns the channel
// frames will arrive on. Adding the same subscriber twice replaces
// the previous channel.
func (r *Registry) Add(conversationID uuid.UUID, subscriberID string) <-chan []byte {
	ch := make(chan []byte, SendBuffer)
	r.mu.Lock()
	subs, ok := r.convs[conversationID]
	if !ok {
		subs = make(map[string]chan []byte)
		r.convs[conversationID] = subs
	}
	subs[subscriberID] = ch
	r.mu.Unlock()
	return ch
}

// Remove drops a subscription. The subscriber's channel is closed so
// its writer loop unblocks.
func (r *Registry) Remove(conversationID uuid.UUID, subscriberID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs, ok := r.convs[conversationID]
	if !ok {
		return
	}
	if ch, ok := subs[subscriberID]; ok {
		delete(subs, subscriberID)
		close(ch)
	}
	if len(subs) == 0 {
		delete(r.convs, conversationID)
	}
}

// Broadcast hands payload to every local subscriber of the
// conversation and reports how many accepted it. Subscribers with a
// full buffer are skipped and counted as delivery failures.
func (r *Registry) Broadcast(ctx context.Context, conversationID uuid.UUID, payload []byte) int {
	// Sends stay under the read lock: Remove closes channels under the
	// write lock, so a send cannot race a close. The sends never block.
	r.mu.RLock()
	defer r.mu.RUnlock()

	delivered := 0
	for id, ch := range r.convs[conversationID] {
		select {
		case ch <- payload:
			delivered++
		default:
			r.logger.Warn("dropping frame for slow subscriber",
				"conversation_id", conversationID, "subscriber", id)
			r.metrics.DeliveryFailure(ctx, "slow_subscriber")
		}
	}
	return delivered
}

// Subscribers reports the number of local sessions on a conversation.
func (r *Registry) Subscribers(conversationID uuid.UUID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.convs[conversationID])
}

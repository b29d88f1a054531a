package ws

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/meshwire/messaging/metrics"
)

const originHeader = "Meshwire-Origin"

// Relay bridges conversation fan-out across nodes over NATS core
// pub/sub. Each node publishes its local broadcasts and re-broadcasts
// what other nodes publish, so a subscriber's node does not need to
// be the node that committed the message.
type Relay struct {
	nc       *nats.Conn
	nodeID   string
	registry *Registry
	logger   *slog.Logger
	metrics  *metrics.Set
}

// NewRelay builds a relay for this node. nodeID distinguishes this
// process's publishes from remote ones so they are not re-delivered
// locally.
func NewRelay(nc *nats.Conn, nodeID string, registry *Registry, logger *slog.Logger, m *metrics.Set) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{nc: nc, nodeID: nodeID, registry: registry, logger: logger, metrics: m}
}

func subject(conversationID uuid.UUID) string {
	return fmt.Sprintf("ws.conv.%s", conversationID)
}

// Broadcast fans payload out to local subscribers and publishes it
// for the other nodes. It implements message.Broadcaster; the
// returned count covers local deliveries only.
func (r *Relay) Broadcast(ctx context.Context, conversationID uuid.UUID, payload []byte) int {
	delivered := r.registry.Broadcast(ctx, conversationID, payload)

	msg := nats.NewMsg(subject(conversationID))
	msg.Header.Set(originHeader, r.nodeID)
	msg.Data = payload
	if err := r.nc.PublishMsg(msg); err != nil {
		r.logger.Warn("cross-node relay publish failed",
			"conversation_id", conversationID, "error", err)
		r.metrics.DeliveryFailure(ctx, "relay_publish")
	}
	return delivered
}

// Subscribe starts re-broadcasting remote frames for a conversation.
// The returned subscription must be unsubscribed when the last local
// session for the conversation closes.
func (r *Relay) Subscribe(conversationID uuid.UUID) (*nats.Subscription, error) {
	return r.nc.Subscribe(subject(conversationID), func(msg *nats.Msg) {
		if msg.Header.Get(originHeader) == r.nodeID {
			return
		}
		r.registry.Broadcast(context.Background(), conversationID, msg.Data)
	})
}

// Package metrics holds the process-wide OpenTelemetry instruments for
// the messaging core.
//
// Instruments are created once on first use and are read-only
// afterwards; business logic records through the package-level helpers
// and never touches the meter directly. All attributes are
// cardinality-bounded: error kinds, priority classes and boolean
// outcomes only - never conversation or user IDs.
package metrics

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/meshwire/messaging"

// Set is the instrument bundle. The zero value is unusable; call
// Default() to get the lazily initialized process-wide set.
type Set struct {
	wsConnections       metric.Int64Counter
	wsActiveConnections metric.Int64UpDownCounter
	wsMessagesSent      metric.Int64Counter
	wsMessagesReceived  metric.Int64Counter
	wsMessageLatency    metric.Float64Histogram

	messagesSent       metric.Int64Counter
	deliveryFailures   metric.Int64Counter
	messageAPILatency  metric.Float64Histogram
	deliveryLatency    metric.Float64Histogram
	payloadSizeClasses metric.Int64Counter

	dbActive         metric.Int64Gauge
	dbIdle           metric.Int64Gauge
	dbWaiting        metric.Int64Gauge
	dbAcquireLatency metric.Float64Histogram
	dbQueryLatency   metric.Float64Histogram

	kvLatency metric.Float64Histogram
	kvErrors  metric.Int64Counter

	outboxPublished metric.Int64Counter
	outboxPoisoned  metric.Int64Counter
	offlineDegraded metric.Int64Counter
}

var (
	defaultSet  *Set
	defaultOnce sync.Once
)

// Default returns the process-wide instrument set, creating it on
// first call against the global otel meter provider.
func Default() *Set {
	defaultOnce.Do(func() {
		defaultSet = newSet(otel.Meter(meterName))
	})
	return defaultSet
}

func newSet(m metric.Meter) *Set {
	s := &Set{}
	s.wsConnections, _ = m.Int64Counter("ws_connections_total",
		metric.WithDescription("WebSocket connections accepted"))
	s.wsActiveConnections, _ = m.Int64UpDownCounter("ws_active_connections",
		metric.WithDescription("Currently open WebSocket sessions"))
	s.wsMessagesSent, _ = m.Int64Counter("ws_messages_sent_total",
		metric.WithDescription("Frames written to client sockets"))
	s.wsMessagesReceived, _ = m.Int64Counter("ws_messages_received_total",
		metric.WithDescription("Frames read from client sockets"))
	s.wsMessageLatency, _ = m.Float64Histogram("ws_message_latency_seconds",
		metric.WithDescription("Inbound WebSocket event handling latency"))

	s.messagesSent, _ = m.Int64Counter("messages_sent_total",
		metric.WithDescription("Messages committed by the send pipeline"))
	s.deliveryFailures, _ = m.Int64Counter("message_delivery_failures_total",
		metric.WithDescription("Fan-out deliveries dropped or failed"))
	s.messageAPILatency, _ = m.Float64Histogram("message_api_latency_seconds",
		metric.WithDescription("SendMessage end-to-end latency"))
	s.deliveryLatency, _ = m.Float64Histogram("message_delivery_latency_seconds",
		metric.WithDescription("Commit-to-socket delivery latency"))
	s.payloadSizeClasses, _ = m.Int64Counter("message_payload_size_class_total",
		metric.WithDescription("Message payload size classes, including rejected oversized payloads"))

	s.dbActive, _ = m.Int64Gauge("db_connections_active")
	s.dbIdle, _ = m.Int64Gauge("db_connections_idle")
	s.dbWaiting, _ = m.Int64Gauge("db_connections_waiting")
	s.dbAcquireLatency, _ = m.Float64Histogram("db_connection_acquire_seconds",
		metric.WithDescription("Time spent acquiring a pooled connection"))
	s.dbQueryLatency, _ = m.Float64Histogram("db_query_duration_seconds",
		metric.WithDescription("Durable store query latency"))

	s.kvLatency, _ = m.Float64Histogram("kv_op_latency_seconds",
		metric.WithDescription("KV/stream store operation latency"))
	s.kvErrors, _ = m.Int64Counter("kv_op_errors_total",
		metric.WithDescription("KV/stream store operation failures"))

	s.outboxPublished, _ = m.Int64Counter("outbox_published_total",
		metric.WithDescription("Outbox events relayed to the bus"))
	s.outboxPoisoned, _ = m.Int64Counter("outbox_poisoned_total",
		metric.WithDescription("Outbox events moved to the poison state"))
	s.offlineDegraded, _ = m.Int64Counter("offline_queue_degraded_total",
		metric.WithDescription("Offline queue operations skipped during stream store outage"))
	return s
}

// WSConnectionOpened records an accepted WebSocket session.
func (s *Set) WSConnectionOpened(ctx context.Context) {
	if s == nil {
		return
	}
	s.wsConnections.Add(ctx, 1)
	s.wsActiveConnections.Add(ctx, 1)
}

// WSConnectionClosed records a closed WebSocket session.
func (s *Set) WSConnectionClosed(ctx context.Context) {
	if s == nil {
		return
	}
	s.wsActiveConnections.Add(ctx, -1)
}

// WSFrameSent records a frame written to a client socket.
func (s *Set) WSFrameSent(ctx context.Context) {
	if s == nil {
		return
	}
	s.wsMessagesSent.Add(ctx, 1)
}

// WSFrameReceived records an inbound frame and its handling latency.
func (s *Set) WSFrameReceived(ctx context.Context, seconds float64, eventType string) {
	if s == nil {
		return
	}
	s.wsMessagesReceived.Add(ctx, 1, metric.WithAttributes(attribute.String("event", eventType)))
	s.wsMessageLatency.Record(ctx, seconds, metric.WithAttributes(attribute.String("event", eventType)))
}

// MessageSent records a committed send and its API latency.
func (s *Set) MessageSent(ctx context.Context, seconds float64) {
	if s == nil {
		return
	}
	s.messagesSent.Add(ctx, 1)
	s.messageAPILatency.Record(ctx, seconds)
}

// DeliveryFailure records a dropped or failed fan-out delivery.
func (s *Set) DeliveryFailure(ctx context.Context, reason string) {
	if s == nil {
		return
	}
	s.deliveryFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// DeliveryLatency records commit-to-socket latency for one entry.
func (s *Set) DeliveryLatency(ctx context.Context, seconds float64) {
	if s == nil {
		return
	}
	s.deliveryLatency.Record(ctx, seconds)
}

// PayloadSizeClass records the size class of a message payload.
// Classes are bounded: "small" (<16KiB), "medium" (<1MiB),
// "large" (<10MiB), "oversized" (rejected).
func (s *Set) PayloadSizeClass(ctx context.Context, class string) {
	if s == nil {
		return
	}
	s.payloadSizeClasses.Add(ctx, 1, metric.WithAttributes(attribute.String("class", class)))
}

// DBPoolStats records the pool gauges.
func (s *Set) DBPoolStats(ctx context.Context, active, idle, waiting int64) {
	if s == nil {
		return
	}
	s.dbActive.Record(ctx, active)
	s.dbIdle.Record(ctx, idle)
	s.dbWaiting.Record(ctx, waiting)
}

// DBAcquire records connection acquire latency.
func (s *Set) DBAcquire(ctx context.Context, seconds float64) {
	if s == nil {
		return
	}
	s.dbAcquireLatency.Record(ctx, seconds)
}

// DBQuery records query latency.
func (s *Set) DBQuery(ctx context.Context, seconds float64) {
	if s == nil {
		return
	}
	s.dbQueryLatency.Record(ctx, seconds)
}

// KVOp records a KV/stream store call outcome.
func (s *Set) KVOp(ctx context.Context, op string, seconds float64, err error) {
	if s == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("op", op))
	s.kvLatency.Record(ctx, seconds, attrs)
	if err != nil {
		s.kvErrors.Add(ctx, 1, attrs)
	}
}

// OutboxPublished records a relayed outbox event.
func (s *Set) OutboxPublished(ctx context.Context, priority string) {
	if s == nil {
		return
	}
	s.outboxPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("priority", priority)))
}

// OutboxPoisoned records an event moved to the poison state.
func (s *Set) OutboxPoisoned(ctx context.Context, eventType string) {
	if s == nil {
		return
	}
	s.outboxPoisoned.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

// OfflineDegraded records an offline-queue operation skipped because
// the stream store is unreachable.
func (s *Set) OfflineDegraded(ctx context.Context) {
	if s == nil {
		return
	}
	s.offlineDegraded.Add(ctx, 1)
}

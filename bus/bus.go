// Package bus publishes domain event envelopes onto Kafka.
//
// The bus is the downstream side of the outbox: the relay reads
// pending rows and hands the reconstructed envelopes here. Publishing
// uses a synchronous producer with acks from all in-sync replicas, so
// a nil return means the broker has durably accepted the record.
// Ordering holds per aggregate because the partition key is the
// envelope's aggregate ID.
//
// Example:
//
//	client, _ := sarama.NewClient(brokers, bus.ProducerConfig())
//	producer, _ := bus.NewKafka(client)
//	defer producer.Close()
//
//	env, _ := messaging.NewEnvelope("message", msgID, messaging.EventMessageCreated, payload)
//	if err := producer.Publish(ctx, env); err != nil {
//	    // retry or leave the row pending
//	}
package bus

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/meshwire/messaging"
	"github.com/meshwire/messaging/codec"
	"github.com/meshwire/messaging/metrics"
)

// Errors
var (
	ErrClientRequired = errors.New("kafka client is required")
	ErrProducerFailed = errors.New("failed to create kafka producer")
	ErrBusClosed      = errors.New("bus is closed")
	ErrNilEnvelope    = errors.New("envelope is required")
)

// Producer publishes envelopes to the event bus.
//
// Implementations must be safe for concurrent use. A nil error means
// the event is durably accepted downstream; the caller may mark the
// corresponding outbox row published.
type Producer interface {
	Publish(ctx context.Context, env *messaging.Envelope) error
	Close() error
}

// ProducerConfig returns the sarama configuration the bus expects:
// idempotent producer, acks from all in-sync replicas, bounded
// retries. Callers may adjust it before opening the client.
func ProducerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Idempotent = true
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Return.Successes = true
	cfg.Net.MaxOpenRequests = 1
	return cfg
}

// Kafka implements Producer on a sarama sync producer.
type Kafka struct {
	producer sarama.SyncProducer
	codec    codec.Codec
	logger   *slog.Logger
	metrics  *metrics.Set
	closed   bool
	mu       sync.Mutex
}

// Option configures the Kafka producer.
type Option func(*Kafka)

// WithCodec overrides the payload codec. JSON is the default.
func WithCodec(c codec.Codec) Option {
	return func(k *Kafka) { k.codec = c }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(k *Kafka) { k.logger = l }
}

// WithMetrics sets the instrument set.
func WithMetrics(m *metrics.Set) Option {
	return func(k *Kafka) { k.metrics = m }
}

// NewKafka creates a bus producer from a pre-initialized client.
func NewKafka(client sarama.Client, opts ...Option) (*Kafka, error) {
	if client == nil {
		return nil, ErrClientRequired
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		return nil, errors.Join(ErrProducerFailed, err)
	}
	k := &Kafka{
		producer: producer,
		codec:    codec.Default(),
		logger:   slog.Default().With("component", "bus"),
		metrics:  metrics.Default(),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k, nil
}

// Publish sends one envelope to its topic, keyed by aggregate ID.
func (k *Kafka) Publish(ctx context.Context, env *messaging.Envelope) error {
	if env == nil {
		return ErrNilEnvelope
	}
	k.mu.Lock()
	closed := k.closed
	k.mu.Unlock()
	if closed {
		return ErrBusClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	value, err := k.codec.Encode(env)
	if err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic:   env.Topic(),
		Key:     sarama.StringEncoder(env.PartitionKey()),
		Value:   sarama.ByteEncoder(value),
		Headers: headersFor(env),
	}

	start := time.Now()
	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		k.logger.Error("publish failed",
			"topic", msg.Topic, "event_id", env.ID, "error", err)
		return errors.Join(messaging.ErrUnavailable, err)
	}

	k.metrics.OutboxPublished(ctx, env.Priority().String())
	k.logger.Debug("published",
		"topic", msg.Topic,
		"event_id", env.ID,
		"partition", partition,
		"offset", offset,
		"took", time.Since(start))
	return nil
}

// Close shuts down the producer. Publish calls after Close fail with
// ErrBusClosed.
func (k *Kafka) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil
	}
	k.closed = true
	return k.producer.Close()
}

// headersFor exposes routing facts without forcing consumers to
// decode the payload.
func headersFor(env *messaging.Envelope) []sarama.RecordHeader {
	return []sarama.RecordHeader{
		{Key: []byte("event_id"), Value: []byte(env.ID)},
		{Key: []byte("event_type"), Value: []byte(env.EventType)},
		{Key: []byte("aggregate_type"), Value: []byte(env.AggregateType)},
		{Key: []byte("priority"), Value: []byte(strconv.Itoa(int(messaging.EventPriority(env.EventType))))},
		{Key: []byte("occurred_at"), Value: []byte(env.OccurredAt.UTC().Format(time.RFC3339Nano))},
	}
}

var _ Producer = (*Kafka)(nil)

package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/meshwire/messaging/bus"
	"github.com/meshwire/messaging/metrics"
	"github.com/meshwire/messaging/partition"
)

// Relay polls the outbox and publishes pending events to the bus.
//
// The relay runs two loops: a polling loop that drains due pending
// rows, and an hourly purge loop that removes old published rows.
// Multiple relay instances may run concurrently; the store's row
// locking keeps them off each other's rows, and WithPartition can
// additionally shard aggregates across instances.
//
// Within a batch the relay preserves per-aggregate order: when one
// event of an aggregate fails, the aggregate's remaining events in
// that batch are skipped so they cannot overtake the failed one.
//
// Example:
//
//	relay := outbox.NewRelay(store, producer).
//	    WithPollDelay(100 * time.Millisecond).
//	    WithBatchSize(100).
//	    WithPartition(0, 4)
//
//	ctx, cancel := context.WithCancel(context.Background())
//	go func() {
//	    if err := relay.Start(ctx); err != nil && err != context.Canceled {
//	        log.Error("relay stopped", "error", err)
//	    }
//	}()
//	// later
//	cancel()
type Relay struct {
	store      Store
	producer   bus.Producer
	pollDelay  time.Duration
	batchSize  int
	maxRetries int
	purgeAge   time.Duration
	logger     *slog.Logger
	metrics    *metrics.Set

	partitioner    partition.Partitioner
	partitionIndex int
	partitionCount int
}

// NewRelay creates a relay with defaults: 100ms poll delay, batches
// of 100, 10 retries before poison, 24h retention for published rows.
func NewRelay(store Store, producer bus.Producer) *Relay {
	return &Relay{
		store:      store,
		producer:   producer,
		pollDelay:  100 * time.Millisecond,
		batchSize:  100,
		maxRetries: 10,
		purgeAge:   24 * time.Hour,
		logger:     slog.Default().With("component", "outbox.relay"),
		metrics:    metrics.Default(),
	}
}

// WithPollDelay sets the polling interval. Lower values reduce
// publish latency at the cost of database load. Returns the relay
// for method chaining.
func (r *Relay) WithPollDelay(d time.Duration) *Relay {
	r.pollDelay = d
	return r
}

// WithBatchSize sets how many rows are fetched per poll.
func (r *Relay) WithBatchSize(size int) *Relay {
	r.batchSize = size
	return r
}

// WithMaxRetries sets the retry budget before an event turns poison.
func (r *Relay) WithMaxRetries(n int) *Relay {
	r.maxRetries = n
	return r
}

// WithPurgeAge sets how long published rows are retained.
func (r *Relay) WithPurgeAge(age time.Duration) *Relay {
	r.purgeAge = age
	return r
}

// WithLogger sets a custom logger.
func (r *Relay) WithLogger(l *slog.Logger) *Relay {
	r.logger = l
	return r
}

// WithPartition restricts this relay instance to aggregates hashing
// to partition index out of count. Every instance in the group must
// use the same count so each aggregate has exactly one owner.
//
// Example, two instances splitting the table:
//
//	relayA := outbox.NewRelay(store, producer).WithPartition(0, 2)
//	relayB := outbox.NewRelay(store, producer).WithPartition(1, 2)
func (r *Relay) WithPartition(index, count int) *Relay {
	r.partitioner = partition.NewHashPartitioner()
	r.partitionIndex = index
	r.partitionCount = count
	return r
}

// owns reports whether this instance is responsible for an aggregate.
func (r *Relay) owns(aggregateID string) bool {
	if r.partitioner == nil {
		return true
	}
	return r.partitioner.Partition(aggregateID, r.partitionCount) == r.partitionIndex
}

// Start runs the polling and purge loops until the context is
// cancelled. Returns the context's error.
func (r *Relay) Start(ctx context.Context) error {
	ticker := time.NewTicker(r.pollDelay)
	defer ticker.Stop()

	purgeTicker := time.NewTicker(time.Hour)
	defer purgeTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.publishPending(ctx)
		case <-purgeTicker.C:
			r.purge(ctx)
		}
	}
}

// PublishOnce drains one batch synchronously, for tests and manual
// triggering.
func (r *Relay) PublishOnce(ctx context.Context) error {
	r.publishPending(ctx)
	return nil
}

func (r *Relay) publishPending(ctx context.Context) {
	events, err := r.store.NextBatch(ctx, r.batchSize)
	if err != nil {
		r.logger.Error("failed to fetch pending events", "error", err)
		return
	}

	// Aggregates that already failed in this batch; their later
	// events must not be published out of order.
	failed := make(map[string]struct{})

	for _, ev := range events {
		if !r.owns(ev.AggregateID) {
			continue
		}
		if _, blocked := failed[ev.AggregateID]; blocked {
			continue
		}

		if err := r.producer.Publish(ctx, ev.Envelope()); err != nil {
			failed[ev.AggregateID] = struct{}{}
			r.handleFailure(ctx, ev, err)
			continue
		}

		if err := r.store.MarkPublished(ctx, ev.ID); err != nil {
			r.logger.Error("failed to mark event published",
				"id", ev.ID, "event_id", ev.EventID, "error", err)
			continue
		}

		r.logger.Debug("published outbox event",
			"id", ev.ID,
			"event_id", ev.EventID,
			"event_type", ev.EventType,
			"aggregate_id", ev.AggregateID)
	}
}

func (r *Relay) handleFailure(ctx context.Context, ev *Event, cause error) {
	if ev.RetryCount+1 >= r.maxRetries {
		r.logger.Error("outbox event poisoned, operator attention required",
			"id", ev.ID,
			"event_id", ev.EventID,
			"event_type", ev.EventType,
			"aggregate_id", ev.AggregateID,
			"retries", ev.RetryCount+1,
			"error", cause)
		r.metrics.OutboxPoisoned(ctx, ev.EventType)
		if err := r.store.MarkPoison(ctx, ev.ID, cause); err != nil {
			r.logger.Error("failed to mark event poison", "id", ev.ID, "error", err)
		}
		return
	}

	r.logger.Warn("publish failed, will retry",
		"id", ev.ID,
		"event_id", ev.EventID,
		"attempt", ev.RetryCount+1,
		"error", cause)
	if err := r.store.MarkFailed(ctx, ev.ID, cause); err != nil {
		r.logger.Error("failed to record publish failure", "id", ev.ID, "error", err)
	}
}

func (r *Relay) purge(ctx context.Context) {
	deleted, err := r.store.Purge(ctx, r.purgeAge)
	if err != nil {
		r.logger.Error("outbox purge failed", "error", err)
		return
	}
	if deleted > 0 {
		r.logger.Info("purged published outbox events", "count", deleted)
	}
}

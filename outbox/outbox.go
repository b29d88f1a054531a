// Package outbox implements the transactional outbox pattern for
// reliable event publishing.
//
// Domain writes and their events are committed atomically:
//  1. The event row is inserted in the same transaction as the
//     business data.
//  2. A background relay polls the table and publishes pending rows
//     to the bus.
//  3. After a successful publish, the row is marked published.
//
// Events are never lost: if the process crashes after commit but
// before publish, the row is still pending and the relay picks it up
// on the next poll. Consumers must be idempotent since a crash
// between publish and mark-published causes redelivery.
//
// Ordering is per aggregate: the relay fetches batches ordered by
// (aggregate_id, created_at, id) and stops publishing an aggregate's
// remaining events in a batch as soon as one of them fails, so
// MessageEdited never overtakes its MessageCreated.
//
// Failed rows are retried with exponential backoff. After the retry
// budget is exhausted the row is marked poison: it stops being
// polled, stays in the table for operators, and is surfaced through a
// log line and a counter. Poison rows are never silently dropped.
//
// Example:
//
//	store := outbox.NewPostgresStore(db)
//	relay := outbox.NewRelay(store, producer).
//	    WithPollDelay(100 * time.Millisecond).
//	    WithBatchSize(100)
//	go relay.Start(ctx)
//
//	// In a handler, atomically with the domain write:
//	err := db.WithTx(ctx, func(tx *sql.Tx) error {
//	    if err := insertMessage(ctx, tx, msg); err != nil {
//	        return err
//	    }
//	    env, err := messaging.NewEnvelope("message", msg.ConversationID,
//	        messaging.EventMessageCreated, msg)
//	    if err != nil {
//	        return err
//	    }
//	    return store.InsertTx(ctx, tx, outbox.FromEnvelope(env))
//	})
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/meshwire/messaging"
)

// Status represents the state of an outbox event.
type Status string

const (
	// StatusPending indicates the event is waiting to be published.
	StatusPending Status = "pending"

	// StatusPublished indicates the event was durably accepted by
	// the bus.
	StatusPublished Status = "published"

	// StatusPoison indicates the event exhausted its retries and
	// needs operator attention. Poison rows are excluded from
	// polling but kept in the table.
	StatusPoison Status = "poison"
)

// Event is one row of the outbox table.
type Event struct {
	ID            int64
	EventID       string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	Metadata      map[string]string
	Priority      messaging.Priority
	CreatedAt     time.Time
	PublishedAt   *time.Time
	Status        Status
	RetryCount    int
	NextAttemptAt time.Time
	LastError     string
}

// FromEnvelope converts a domain envelope into an outbox row.
func FromEnvelope(env *messaging.Envelope) *Event {
	return &Event{
		EventID:       env.ID,
		AggregateType: env.AggregateType,
		AggregateID:   env.AggregateID,
		EventType:     env.EventType,
		Payload:       env.Payload,
		Metadata:      env.Metadata,
		Priority:      messaging.EventPriority(env.EventType),
	}
}

// Envelope reconstructs the domain envelope for publishing.
func (e *Event) Envelope() *messaging.Envelope {
	return &messaging.Envelope{
		ID:            e.EventID,
		AggregateType: e.AggregateType,
		AggregateID:   e.AggregateID,
		EventType:     e.EventType,
		Payload:       json.RawMessage(e.Payload),
		Metadata:      e.Metadata,
		OccurredAt:    e.CreatedAt,
	}
}

// Store defines the outbox persistence interface.
//
// Implementations must be safe for concurrent use; multiple relay
// instances may poll the same table.
type Store interface {
	// InsertTx adds an event within the caller's transaction. The
	// ev.ID field is populated on success.
	InsertTx(ctx context.Context, tx *sql.Tx, ev *Event) error

	// NextBatch retrieves due pending events, ordered by
	// (aggregate_id, created_at, id) so each aggregate's events come
	// out in insertion order. Rows that are poison or whose next
	// attempt is still in the future are skipped. Implementations
	// use row locking (SKIP LOCKED or equivalent) to keep concurrent
	// relays off the same rows.
	NextBatch(ctx context.Context, limit int) ([]*Event, error)

	// MarkPublished records a successful publish.
	MarkPublished(ctx context.Context, id int64) error

	// MarkFailed records a failed attempt: increments retry_count,
	// stores the error and schedules the next attempt with
	// exponential backoff.
	MarkFailed(ctx context.Context, id int64, cause error) error

	// MarkPoison takes the event out of rotation permanently.
	MarkPoison(ctx context.Context, id int64, cause error) error

	// Purge removes published events older than the retention window.
	// Returns the number of deleted rows. Poison rows are never
	// purged.
	Purge(ctx context.Context, olderThan time.Duration) (int64, error)

	// PendingCount reports the current backlog, for monitoring.
	PendingCount(ctx context.Context) (int64, error)
}

// Backoff schedule for failed publishes: 1s base, doubling per
// attempt, capped at 60s.
const (
	backoffBase = time.Second
	backoffCap  = 60 * time.Second
)

// nextAttemptDelay computes the jittered delay before retry number
// retries+1. Full jitter in the upper half keeps herd retries spread
// out while preserving a floor of half the nominal delay.
func nextAttemptDelay(retries int) time.Duration {
	d := backoffBase
	for i := 0; i < retries && d < backoffCap; i++ {
		d *= 2
	}
	if d > backoffCap {
		d = backoffCap
	}
	half := d / 2
	return half + rand.N(half+1)
}

// messagingPriority converts a stored priority, defaulting to normal
// for out-of-range values written by older rows.
func messagingPriority(p int16) messaging.Priority {
	if p < 0 || p > int16(messaging.PriorityLow) {
		return messaging.PriorityNormal
	}
	return messaging.Priority(p)
}

func validate(ev *Event) error {
	if ev.EventID == "" {
		return fmt.Errorf("%w: outbox event missing event id", messaging.ErrValidation)
	}
	if ev.AggregateID == "" {
		return fmt.Errorf("%w: outbox event missing aggregate id", messaging.ErrValidation)
	}
	if ev.EventType == "" {
		return fmt.Errorf("%w: outbox event missing event type", messaging.ErrValidation)
	}
	return nil
}

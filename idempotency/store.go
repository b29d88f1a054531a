// Package idempotency guards event consumers against duplicate
// delivery.
//
// The bus delivers at least once: a crash between publish and offset
// commit, a relay retry, or a consumer group rebalance can all replay
// an event. Consumers record each processed event ID here and skip
// IDs they have seen before.
//
// Two usage shapes are supported. The check-then-mark shape works
// when the consumer's side effects are idempotent anyway:
//
//	processed, err := store.IsProcessed(ctx, env.ID)
//	if err != nil || processed {
//	    return err
//	}
//	if err := apply(env); err != nil {
//	    return err
//	}
//	_, err = store.MarkProcessed(ctx, env.ID)
//
// ProcessIfNew closes the race between concurrent deliveries of the
// same event: exactly one caller's fn runs, the rest get
// ErrAlreadyProcessed. If fn fails, the claim is released so a retry
// can run fn again:
//
//	err := store.ProcessIfNew(ctx, env.ID, func(ctx context.Context) error {
//	    return apply(env)
//	})
//	if errors.Is(err, idempotency.ErrAlreadyProcessed) {
//	    return nil
//	}
//
// For consumers that write to the same database, the Tx variants
// make the marker atomic with the business write.
//
// Entries expire after a TTL (default 24 hours, comfortably past the
// longest redelivery window) and a background loop removes them.
package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/meshwire/messaging"
)

// ErrAlreadyProcessed is returned when the event was handled before.
// Callers should treat it as success and skip the event.
var ErrAlreadyProcessed = errors.New("event already processed")

// MaxEventIDLength bounds stored event IDs.
const MaxEventIDLength = 255

// Store tracks processed event IDs.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// IsProcessed reports whether the event ID has a live marker.
	IsProcessed(ctx context.Context, eventID string) (bool, error)

	// MarkProcessed records the event ID. The returned bool is true
	// when this call inserted the marker and false when it already
	// existed, so racing consumers can tell who won.
	MarkProcessed(ctx context.Context, eventID string) (bool, error)

	// ProcessIfNew claims the event ID and runs fn exactly once
	// across concurrent callers. Losers get ErrAlreadyProcessed.
	// If fn fails, the claim is released and fn's error returned
	// wrapped, so redelivery retries the work.
	ProcessIfNew(ctx context.Context, eventID string, fn func(ctx context.Context) error) error

	// Remove deletes a marker, allowing reprocessing. Intended for
	// tests and manual intervention.
	Remove(ctx context.Context, eventID string) error

	// Close stops background cleanup.
	Close() error
}

// TxStore extends Store with markers that commit or roll back with
// the caller's transaction.
type TxStore interface {
	Store

	// IsProcessedTx is IsProcessed within the transaction.
	IsProcessedTx(ctx context.Context, tx *sql.Tx, eventID string) (bool, error)

	// MarkProcessedTx is MarkProcessed within the transaction. If
	// the transaction rolls back, the marker does too.
	MarkProcessedTx(ctx context.Context, tx *sql.Tx, eventID string) (bool, error)
}

// validateEventID enforces the stored ID contract: non-empty, at most
// MaxEventIDLength bytes, printable ASCII only (space included, since
// callers derive IDs from opaque client keys). Rejecting control
// bytes keeps the IDs safe to log and index.
func validateEventID(eventID string) error {
	if len(eventID) == 0 {
		return fmt.Errorf("%w: event id is empty", messaging.ErrValidation)
	}
	if len(eventID) > MaxEventIDLength {
		return fmt.Errorf("%w: event id exceeds %d bytes", messaging.ErrValidation, MaxEventIDLength)
	}
	for i := 0; i < len(eventID); i++ {
		if eventID[i] < 0x20 || eventID[i] > 0x7e {
			return fmt.Errorf("%w: event id contains non-printable byte at %d", messaging.ErrValidation, i)
		}
	}
	return nil
}

// processIfNew implements the claim protocol on top of any Store's
// MarkProcessed and Remove.
func processIfNew(ctx context.Context, s Store, eventID string, fn func(ctx context.Context) error) error {
	claimed, err := s.MarkProcessed(ctx, eventID)
	if err != nil {
		return err
	}
	if !claimed {
		return ErrAlreadyProcessed
	}

	if err := fn(ctx); err != nil {
		// Release the claim so redelivery can retry. If the release
		// itself fails, the event is stuck as processed; surface
		// both errors.
		if rmErr := s.Remove(ctx, eventID); rmErr != nil {
			return fmt.Errorf("handler failed and claim release failed (%v): %w", rmErr, err)
		}
		return fmt.Errorf("handler failed, claim released: %w", err)
	}
	return nil
}

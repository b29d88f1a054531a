package messaging

import (
	"errors"
	"fmt"
)

// Error kinds shared across the module.
//
// Every subpackage wraps its failures with exactly one of these
// sentinels so callers can classify errors with errors.Is without
// importing concrete types:
//
//	msg, err := svc.SendMessage(ctx, req)
//	switch {
//	case errors.Is(err, messaging.ErrRateLimited):
//	    // surface 429, keep the session open
//	case errors.Is(err, messaging.ErrUnavailable):
//	    // circuit open or pool exhausted - retry later
//	}
var (
	// ErrNotFound indicates an absent entity (conversation, message,
	// device, stream entry).
	ErrNotFound = errors.New("not found")

	// ErrValidation indicates malformed input: bad UUID, bad format,
	// payload size over the limit.
	ErrValidation = errors.New("validation failed")

	// ErrUnauthenticated indicates a missing or invalid token.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrUnauthorized indicates the actor is authenticated but the ACL
	// denied the operation (not a member, insufficient role).
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates an exhausted rate-limit bucket.
	ErrRateLimited = errors.New("rate limited")

	// ErrConflict indicates a sequence or unique-key collision. Callers
	// retry these with a bounded budget before surfacing them.
	ErrConflict = errors.New("conflict")

	// ErrTimeout indicates an external dependency did not respond
	// within its budget.
	ErrTimeout = errors.New("timeout")

	// ErrUnavailable indicates fail-fast conditions: circuit open,
	// store pool exhausted, bus unreachable.
	ErrUnavailable = errors.New("unavailable")

	// ErrInternal indicates an invariant violation, serialization
	// failure, or crypto failure.
	ErrInternal = errors.New("internal error")
)

// kinds in classification order. Specific kinds first so a wrapped
// chain that carries several sentinels resolves to the narrowest one.
var kinds = []error{
	ErrNotFound,
	ErrValidation,
	ErrUnauthenticated,
	ErrUnauthorized,
	ErrRateLimited,
	ErrConflict,
	ErrTimeout,
	ErrUnavailable,
	ErrInternal,
}

// Kind returns the taxonomy sentinel carried by err, or ErrInternal
// when err carries none. Returns nil for a nil error.
func Kind(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return ErrInternal
}

// KindName returns a stable lowercase name for the error's kind,
// suitable for metric labels and structured error frames.
func KindName(err error) string {
	switch Kind(err) {
	case nil:
		return ""
	case ErrNotFound:
		return "not_found"
	case ErrValidation:
		return "validation"
	case ErrUnauthenticated:
		return "unauthenticated"
	case ErrUnauthorized:
		return "unauthorized"
	case ErrRateLimited:
		return "rate_limited"
	case ErrConflict:
		return "conflict"
	case ErrTimeout:
		return "timeout"
	case ErrUnavailable:
		return "unavailable"
	default:
		return "internal"
	}
}

// Retryable reports whether the caller may safely retry the failed
// operation. Conflicts are retried locally with a fresh attempt;
// timeouts and unavailability are retried after backoff.
func Retryable(err error) bool {
	return errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrUnavailable)
}

// PoolExhaustedError indicates the durable store connection pool is at
// or above its backpressure threshold and new acquisitions fail fast
// instead of queueing.
type PoolExhaustedError struct {
	InUse     int
	MaxOpen   int
	Threshold float64
}

func (e *PoolExhaustedError) Error() string {
	return fmt.Sprintf("connection pool exhausted: %d/%d in use (threshold %.2f)",
		e.InUse, e.MaxOpen, e.Threshold)
}

func (e *PoolExhaustedError) Unwrap() error { return ErrUnavailable }

// IsPoolExhausted checks whether an error indicates store pool
// backpressure.
func IsPoolExhausted(err error) bool {
	var poolErr *PoolExhaustedError
	return errors.As(err, &poolErr)
}

// SequenceConflictError indicates a collision on the unique
// (conversation_id, sequence_number) index during message insert. The
// send pipeline retries with a freshly allocated sequence number.
type SequenceConflictError struct {
	ConversationID string
	Sequence       int64
}

func (e *SequenceConflictError) Error() string {
	return fmt.Sprintf("sequence %d already taken in conversation %s", e.Sequence, e.ConversationID)
}

func (e *SequenceConflictError) Unwrap() error { return ErrConflict }

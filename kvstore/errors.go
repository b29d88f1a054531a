package kvstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/meshwire/messaging"
)

// ErrClientRequired is returned when no Redis client is provided.
var ErrClientRequired = errors.New("redis client is required")

// RetryableError wraps a transient store failure: network errors,
// timeouts, and loading/readonly replica states. Upstream retry and
// circuit-breaker policies fire on it; it carries
// messaging.ErrUnavailable so generic classification still works.
type RetryableError struct {
	Op  string
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("kvstore %s: transient failure: %v", e.Op, e.Err)
}

func (e *RetryableError) Unwrap() error { return messaging.ErrUnavailable }

// IsRetryable checks whether an error is a transient store failure.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// classify maps go-redis errors onto the module taxonomy.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.Nil):
		return messaging.ErrNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: kv call exceeded budget", messaging.ErrTimeout)
	case errors.Is(err, context.Canceled):
		return err
	case isTransient(err):
		return &RetryableError{Op: "call", Err: err}
	default:
		return err
	}
}

func isTransient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	// Server-side states that resolve on their own.
	return strings.HasPrefix(msg, "LOADING") ||
		strings.HasPrefix(msg, "READONLY") ||
		strings.HasPrefix(msg, "CLUSTERDOWN") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset")
}

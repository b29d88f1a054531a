package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/meshwire/messaging"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed means calls flow normally.
	CircuitClosed CircuitState = iota
	// CircuitOpen means calls fail fast while the dependency
	// recovers.
	CircuitOpen
	// CircuitHalfOpen means probe calls are testing recovery.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker fails fast when a dependency keeps failing.
//
// Consecutive failures beyond the failure threshold open the circuit.
// After the timeout, a bounded number of probe calls test the
// dependency (half-open); enough consecutive successes close the
// circuit again, any failure reopens it. The probe budget equals the
// success threshold, so a thundering herd cannot pile onto a
// dependency that is still down.
//
// Example:
//
//	breaker := resilience.NewCircuitBreaker("kv", 5, 2, 30*time.Second)
//	err := breaker.Do(ctx, func(ctx context.Context) error {
//	    return kv.Set(ctx, key, value, ttl)
//	})
//	if errors.Is(err, messaging.ErrUnavailable) {
//	    // degraded path
//	}
type CircuitBreaker struct {
	mu sync.Mutex

	name             string
	failureThreshold int
	successThreshold int
	timeout          time.Duration

	state         CircuitState
	failures      int
	successes     int
	probes        int
	lastStateTime time.Time
	now           func() time.Time
}

// NewCircuitBreaker creates a breaker named after the dependency it
// guards. Non-positive arguments fall back to defaults: 5 failures to
// open, 2 successes to close, 30s open timeout.
func NewCircuitBreaker(name string, failureThreshold, successThreshold int, timeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if successThreshold <= 0 {
		successThreshold = 2
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CircuitBreaker{
		name:             name,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		timeout:          timeout,
		state:            CircuitClosed,
		lastStateTime:    time.Now(),
		now:              time.Now,
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// allow reports whether a call may proceed, transitioning open to
// half-open once the timeout has passed. Half-open calls hold a probe
// token that the caller must give back through release.
func (cb *CircuitBreaker) allow() (ok, probe bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if cb.now().Sub(cb.lastStateTime) > cb.timeout {
			cb.state = CircuitHalfOpen
			cb.successes = 0
			cb.lastStateTime = cb.now()
			cb.probes++
			return true, true
		}
		return false, false
	case CircuitHalfOpen:
		if cb.probes >= cb.successThreshold {
			return false, false
		}
		cb.probes++
		return true, true
	default:
		return true, false
	}
}

func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.probes > 0 {
		cb.probes--
	}
}

// recordSuccess resets the failure streak and advances half-open
// toward closed.
func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	if cb.state == CircuitHalfOpen {
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.state = CircuitClosed
			cb.successes = 0
			cb.lastStateTime = cb.now()
		}
	}
}

// recordFailure advances closed toward open; any half-open failure
// reopens immediately.
func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.successes = 0
	cb.failures++

	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.failureThreshold {
			cb.state = CircuitOpen
			cb.lastStateTime = cb.now()
		}
	case CircuitHalfOpen:
		cb.state = CircuitOpen
		cb.lastStateTime = cb.now()
	}
}

// Do runs fn through the breaker. While the circuit is open, Do
// returns an Unavailable error without calling fn; while it is
// half-open, calls beyond the probe budget fail the same way. Context
// cancellation counts as the caller's error, not the dependency's.
func (cb *CircuitBreaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ok, probe := cb.allow()
	if !ok {
		return fmt.Errorf("%w: circuit %q open", messaging.ErrUnavailable, cb.name)
	}

	err := fn(ctx)
	if probe {
		cb.release()
	}
	if err != nil {
		// A call abandoned by its own caller says nothing about the
		// dependency's health.
		if ctx.Err() == nil {
			cb.recordFailure()
		}
		return err
	}
	cb.recordSuccess()
	return nil
}

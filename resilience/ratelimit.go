// Package resilience protects the messaging pipeline from overload
// and cascading failure: per-user rate limiting and a circuit breaker
// around flaky dependencies.
//
// Rate limiting comes in two shapes. RedisLimiter enforces a global
// per-key budget across all nodes with a fixed window counter;
// TokenBucket is the local, zero-network fallback for per-instance
// limits. The message send path uses the Redis limiter keyed by
// sender ID.
//
// The circuit breaker wraps calls to a dependency and fails fast with
// an Unavailable error while the dependency is struggling, giving it
// room to recover instead of piling on.
package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/meshwire/messaging"
)

// Limiter decides whether an action may happen now.
//
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns nil when the action may proceed, a RateLimited
	// error when the budget is spent, and an Unavailable error when
	// the decision could not be made.
	Allow(ctx context.Context, key string) error
}

// fixed-window counter: INCR the window key, arm its expiry on first
// hit, compare against the limit. Single round trip, atomic.
var fixedWindowScript = redis.NewScript(`
	local key = KEYS[1]
	local limit = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])

	local current = redis.call('INCR', key)
	if current == 1 then
		redis.call('EXPIRE', key, window)
	end

	if current > limit then
		return 0
	end
	return 1
`)

// RedisLimiter is a distributed fixed-window rate limiter.
//
// Each key gets its own counter per window, so one budget definition
// serves any number of subjects ("send:"+userID, "claim:"+deviceID).
// Fixed windows can admit up to 2x the limit across a window
// boundary; the budgets here are coarse abuse guards, not fairness
// schedulers, so that is acceptable.
//
// The limiter fails closed as Unavailable when Redis is unreachable:
// an abuse guard that silently stops guarding under partial outage is
// worse than a brief 503.
type RedisLimiter struct {
	client redis.Cmdable
	prefix string
	limit  int
	window time.Duration
}

// NewRedisLimiter creates a limiter allowing limit events per window
// for each key. The prefix namespaces this limiter's counters.
//
// Example, 30 message sends per minute per user:
//
//	limiter := resilience.NewRedisLimiter(rdb, "send", 30, time.Minute)
//	if err := limiter.Allow(ctx, userID); err != nil {
//	    return err
//	}
func NewRedisLimiter(client redis.Cmdable, prefix string, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		prefix: "ratelimit:" + prefix + ":",
		limit:  limit,
		window: window,
	}
}

// Allow consumes one unit of key's budget.
func (r *RedisLimiter) Allow(ctx context.Context, key string) error {
	result, err := fixedWindowScript.Run(ctx, r.client,
		[]string{r.prefix + key}, r.limit, int(r.window.Seconds())).Int()
	if err != nil {
		return fmt.Errorf("%w: rate limiter unreachable: %v", messaging.ErrUnavailable, err)
	}
	if result == 0 {
		return fmt.Errorf("%w: budget of %d per %s spent", messaging.ErrRateLimited, r.limit, r.window)
	}
	return nil
}

// Remaining reports how much of key's budget is left in the current
// window.
func (r *RedisLimiter) Remaining(ctx context.Context, key string) (int, error) {
	val, err := r.client.Get(ctx, r.prefix+key).Int()
	if err == redis.Nil {
		return r.limit, nil
	}
	if err != nil {
		return 0, fmt.Errorf("rate limit read: %w", err)
	}
	remaining := r.limit - val
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// Reset clears key's counter, for tests and manual intervention.
func (r *RedisLimiter) Reset(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.prefix+key).Err()
}

// TokenBucket is a local in-memory limiter built on
// golang.org/x/time/rate. One bucket covers all keys; use it for
// per-instance throttles such as the WebSocket inbound frame budget.
type TokenBucket struct {
	limiter *rate.Limiter
}

// NewTokenBucket creates a bucket refilling at perSecond with the
// given burst capacity.
func NewTokenBucket(perSecond float64, burst int) *TokenBucket {
	return &TokenBucket{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Allow consumes one token. The key is ignored; the bucket is shared.
func (t *TokenBucket) Allow(ctx context.Context, key string) error {
	if !t.limiter.Allow() {
		return fmt.Errorf("%w: local budget spent", messaging.ErrRateLimited)
	}
	return nil
}

// Wait blocks until a token is available or the context expires.
func (t *TokenBucket) Wait(ctx context.Context) error {
	return t.limiter.Wait(ctx)
}

var (
	_ Limiter = (*RedisLimiter)(nil)
	_ Limiter = (*TokenBucket)(nil)
)

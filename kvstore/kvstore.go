// Package kvstore provides the typed client for the cache + stream
// store (Redis) used by the messaging core.
//
// The client covers two surfaces:
//   - plain keys: get/set/setex/incr/decr/expire/del, pattern scan and
//     pipelining, used for rate-limit counters and client sync state
//   - streams: append, consumer-group reads, ACK, pending inspection,
//     claim of stale entries and trimming, used by the offline queue
//
// Every call runs under a bounded timeout and feeds the latency and
// error instruments. Failures are classified: absent keys map to
// messaging.ErrNotFound, network/timeout class failures are wrapped in
// RetryableError so circuit breakers can act on them, everything else
// surfaces as-is.
package kvstore

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/meshwire/messaging/metrics"
)

// DefaultTimeout bounds each store call unless overridden.
const DefaultTimeout = 3 * time.Second

// Client is the typed wrapper over a Redis client. Safe for concurrent
// use. Supports *redis.Client, *redis.ClusterClient and
// redis.UniversalClient.
type Client struct {
	rdb     redis.UniversalClient
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Set
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-call timeout. Default is 3s.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMetrics sets the instrument set fed by every call.
func WithMetrics(m *metrics.Set) Option {
	return func(c *Client) { c.metrics = m }
}

// New creates a typed store client over a pre-initialized Redis
// client. The caller keeps ownership of rdb and closes it.
func New(rdb redis.UniversalClient, opts ...Option) (*Client, error) {
	if rdb == nil {
		return nil, ErrClientRequired
	}
	c := &Client{
		rdb:     rdb,
		timeout: DefaultTimeout,
		logger:  slog.Default().With("component", "kvstore"),
		metrics: metrics.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// observe runs op under the call timeout, records latency and error
// metrics, and classifies the returned error.
func (c *Client) observe(ctx context.Context, name string, op func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := op(callCtx)
	err = classify(err)
	c.metrics.KVOp(ctx, name, time.Since(start).Seconds(), err)
	return err
}

// Get returns the value at key, or messaging.ErrNotFound.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	var val string
	err := c.observe(ctx, "get", func(ctx context.Context) error {
		var err error
		val, err = c.rdb.Get(ctx, key).Result()
		return err
	})
	return val, err
}

// GetBytes returns the raw value at key, or messaging.ErrNotFound.
func (c *Client) GetBytes(ctx context.Context, key string) ([]byte, error) {
	var val []byte
	err := c.observe(ctx, "get", func(ctx context.Context) error {
		var err error
		val, err = c.rdb.Get(ctx, key).Bytes()
		return err
	})
	return val, err
}

// Set stores value at key with no expiry.
func (c *Client) Set(ctx context.Context, key string, value any) error {
	return c.observe(ctx, "set", func(ctx context.Context) error {
		return c.rdb.Set(ctx, key, value, 0).Err()
	})
}

// SetEx stores value at key with a TTL.
func (c *Client) SetEx(ctx context.Context, key string, value any, ttl time.Duration) error {
	return c.observe(ctx, "setex", func(ctx context.Context) error {
		return c.rdb.Set(ctx, key, value, ttl).Err()
	})
}

// Incr atomically increments the integer at key and returns the new
// value. Missing keys start at zero.
func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	var n int64
	err := c.observe(ctx, "incr", func(ctx context.Context) error {
		var err error
		n, err = c.rdb.Incr(ctx, key).Result()
		return err
	})
	return n, err
}

// Decr atomically decrements the integer at key and returns the new
// value.
func (c *Client) Decr(ctx context.Context, key string) (int64, error) {
	var n int64
	err := c.observe(ctx, "decr", func(ctx context.Context) error {
		var err error
		n, err = c.rdb.Decr(ctx, key).Result()
		return err
	})
	return n, err
}

// Expire sets a TTL on key. Returns false if the key does not exist.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	var ok bool
	err := c.observe(ctx, "expire", func(ctx context.Context) error {
		var err error
		ok, err = c.rdb.Expire(ctx, key, ttl).Result()
		return err
	})
	return ok, err
}

// Del removes keys. Missing keys are not an error.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	return c.observe(ctx, "del", func(ctx context.Context) error {
		return c.rdb.Del(ctx, keys...).Err()
	})
}

// SAdd adds members to the set at key.
func (c *Client) SAdd(ctx context.Context, key string, members ...any) error {
	return c.observe(ctx, "sadd", func(ctx context.Context) error {
		return c.rdb.SAdd(ctx, key, members...).Err()
	})
}

// SMembers returns all members of the set at key.
func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	var members []string
	err := c.observe(ctx, "smembers", func(ctx context.Context) error {
		var err error
		members, err = c.rdb.SMembers(ctx, key).Result()
		return err
	})
	return members, err
}

// Scan iterates keys matching pattern, invoking fn for each batch.
// Iteration stops early when fn returns an error.
func (c *Client) Scan(ctx context.Context, pattern string, batchSize int64, fn func(keys []string) error) error {
	if batchSize <= 0 {
		batchSize = 100
	}
	var cursor uint64
	for {
		var keys []string
		err := c.observe(ctx, "scan", func(ctx context.Context) error {
			var err error
			keys, cursor, err = c.rdb.Scan(ctx, cursor, pattern, batchSize).Result()
			return err
		})
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		if cursor == 0 {
			return nil
		}
	}
}

// Eval runs a Lua script with keys and args. Used by the rate limiter
// for atomic INCR + EXPIRE windows.
func (c *Client) Eval(ctx context.Context, script *redis.Script, keys []string, args ...any) (any, error) {
	var res any
	err := c.observe(ctx, "eval", func(ctx context.Context) error {
		var err error
		res, err = script.Run(ctx, c.rdb, keys, args...).Result()
		return err
	})
	return res, err
}

// Pipeline executes fn against a pipeline and flushes it in one round
// trip. Per-command errors are classified on the returned slice.
func (c *Client) Pipeline(ctx context.Context, fn func(pipe redis.Pipeliner) error) error {
	return c.observe(ctx, "pipeline", func(ctx context.Context) error {
		_, err := c.rdb.Pipelined(ctx, fn)
		return err
	})
}

// Ping checks connectivity. Used by health checks and the circuit
// breaker probe.
func (c *Client) Ping(ctx context.Context) error {
	return c.observe(ctx, "ping", func(ctx context.Context) error {
		return c.rdb.Ping(ctx).Err()
	})
}

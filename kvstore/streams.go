package kvstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/meshwire/messaging"
)

// Entry is one stream record: the store-minted monotonic ID and the
// field map appended by the producer.
type Entry struct {
	ID     string
	Values map[string]string
}

// busygroup is the reply when a consumer group already exists; it is
// expected on every EnsureGroup after the first.
const busygroup = "BUSYGROUP"

// Append appends values to stream (XADD). When maxLen > 0 the stream
// is trimmed approximately to that length in the same call, keeping
// the retention bound without a separate pass.
func (c *Client) Append(ctx context.Context, stream string, values map[string]any, maxLen int64) (string, error) {
	var id string
	err := c.observe(ctx, "xadd", func(ctx context.Context) error {
		args := &redis.XAddArgs{
			Stream: stream,
			Values: values,
		}
		if maxLen > 0 {
			args.MaxLen = maxLen
			args.Approx = true
		}
		var err error
		id, err = c.rdb.XAdd(ctx, args).Result()
		return err
	})
	return id, err
}

// EnsureGroup creates the consumer group on stream, creating the
// stream itself when absent (MKSTREAM). Safe to call repeatedly.
func (c *Client) EnsureGroup(ctx context.Context, stream, group, start string) error {
	err := c.observe(ctx, "xgroup_create", func(ctx context.Context) error {
		err := c.rdb.XGroupCreateMkStream(ctx, stream, group, start).Err()
		if err != nil && strings.HasPrefix(err.Error(), busygroup) {
			return nil
		}
		return err
	})
	return err
}

// ReadNew reads entries not yet delivered to any consumer of group
// (XREADGROUP ">"). Block <= 0 returns immediately.
func (c *Client) ReadNew(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error) {
	return c.readGroup(ctx, stream, group, consumer, ">", count, block)
}

// ReadPending re-reads entries already delivered to this consumer but
// not yet acknowledged (XREADGROUP from "0").
func (c *Client) ReadPending(ctx context.Context, stream, group, consumer string, count int64) ([]Entry, error) {
	return c.readGroup(ctx, stream, group, consumer, "0", count, 0)
}

func (c *Client) readGroup(ctx context.Context, stream, group, consumer, start string, count int64, block time.Duration) ([]Entry, error) {
	var entries []Entry
	err := c.observe(ctx, "xreadgroup", func(ctx context.Context) error {
		args := &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, start},
			Count:    count,
		}
		if block > 0 {
			args.Block = block
		} else {
			args.Block = -1
		}
		streams, err := c.rdb.XReadGroup(ctx, args).Result()
		if err != nil {
			return err
		}
		for _, s := range streams {
			for _, m := range s.Messages {
				entries = append(entries, toEntry(m))
			}
		}
		return nil
	})
	if err != nil {
		// An empty non-blocking read reports redis.Nil; that is not an
		// absent-entity condition for stream reads.
		if len(entries) == 0 && errorsIsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return entries, nil
}

// AutoClaim transfers entries pending longer than minIdle from dead
// consumers of group to consumer, walking the PEL until exhausted.
func (c *Client) AutoClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Entry, error) {
	var claimed []Entry
	start := "0-0"
	for {
		var entries []redis.XMessage
		var next string
		err := c.observe(ctx, "xautoclaim", func(ctx context.Context) error {
			var err error
			entries, next, err = c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
				Stream:   stream,
				Group:    group,
				Consumer: consumer,
				MinIdle:  minIdle,
				Start:    start,
				Count:    count,
			}).Result()
			return err
		})
		if err != nil {
			if errorsIsNotFound(err) {
				return claimed, nil
			}
			return claimed, err
		}
		for _, m := range entries {
			claimed = append(claimed, toEntry(m))
		}
		if next == "0-0" || len(entries) == 0 {
			return claimed, nil
		}
		start = next
	}
}

// Ack acknowledges entry IDs for group. Returns the number of entries
// actually removed from the pending list; re-ACKing is a no-op.
func (c *Client) Ack(ctx context.Context, stream, group string, ids ...string) (int64, error) {
	var n int64
	err := c.observe(ctx, "xack", func(ctx context.Context) error {
		var err error
		n, err = c.rdb.XAck(ctx, stream, group, ids...).Result()
		return err
	})
	return n, err
}

// PendingCount returns the number of delivered-but-unacked entries for
// group.
func (c *Client) PendingCount(ctx context.Context, stream, group string) (int64, error) {
	var n int64
	err := c.observe(ctx, "xpending", func(ctx context.Context) error {
		p, err := c.rdb.XPending(ctx, stream, group).Result()
		if err != nil {
			return err
		}
		n = p.Count
		return nil
	})
	if err != nil && errorsIsNotFound(err) {
		return 0, nil
	}
	return n, err
}

// TrimMaxLen trims stream to approximately maxLen entries and returns
// the number evicted.
func (c *Client) TrimMaxLen(ctx context.Context, stream string, maxLen int64) (int64, error) {
	var n int64
	err := c.observe(ctx, "xtrim", func(ctx context.Context) error {
		var err error
		n, err = c.rdb.XTrimMaxLenApprox(ctx, stream, maxLen, 0).Result()
		return err
	})
	return n, err
}

// Len returns the stream length.
func (c *Client) Len(ctx context.Context, stream string) (int64, error) {
	var n int64
	err := c.observe(ctx, "xlen", func(ctx context.Context) error {
		var err error
		n, err = c.rdb.XLen(ctx, stream).Result()
		return err
	})
	return n, err
}

// RangeAfter returns entries strictly after sinceID, oldest first. An
// empty sinceID reads from the beginning. Used by cursor-style clients
// recovering without consumer-group state.
func (c *Client) RangeAfter(ctx context.Context, stream, sinceID string, count int64) ([]Entry, error) {
	start := "-"
	if sinceID != "" {
		start = "(" + sinceID
	}
	var entries []Entry
	err := c.observe(ctx, "xrange", func(ctx context.Context) error {
		msgs, err := c.rdb.XRangeN(ctx, stream, start, "+", count).Result()
		if err != nil {
			return err
		}
		for _, m := range msgs {
			entries = append(entries, toEntry(m))
		}
		return nil
	})
	return entries, err
}

func toEntry(m redis.XMessage) Entry {
	values := make(map[string]string, len(m.Values))
	for k, v := range m.Values {
		if s, ok := v.(string); ok {
			values[k] = s
		}
	}
	return Entry{ID: m.ID, Values: values}
}

// errorsIsNotFound reports empty-read conditions: redis.Nil (mapped to
// messaging.ErrNotFound by classify) and NOGROUP replies for streams
// that have not been initialized yet.
func errorsIsNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, messaging.ErrNotFound) {
		return true
	}
	return strings.HasPrefix(err.Error(), "NOGROUP")
}

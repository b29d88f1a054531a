package kvstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/meshwire/messaging"
)

func TestNewRequiresClient(t *testing.T) {
	if _, err := New(nil); !errors.Is(err, ErrClientRequired) {
		t.Errorf("expected ErrClientRequired, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	t.Run("nil passes through", func(t *testing.T) {
		if classify(nil) != nil {
			t.Error("expected nil")
		}
	})

	t.Run("redis.Nil maps to not found", func(t *testing.T) {
		if !errors.Is(classify(redis.Nil), messaging.ErrNotFound) {
			t.Error("expected ErrNotFound")
		}
	})

	t.Run("deadline maps to timeout", func(t *testing.T) {
		if !errors.Is(classify(context.DeadlineExceeded), messaging.ErrTimeout) {
			t.Error("expected ErrTimeout")
		}
	})

	t.Run("cancellation is preserved", func(t *testing.T) {
		if !errors.Is(classify(context.Canceled), context.Canceled) {
			t.Error("expected context.Canceled to pass through")
		}
	})

	t.Run("network errors are retryable", func(t *testing.T) {
		err := classify(&net.OpError{Op: "dial", Err: errors.New("connection refused")})
		if !IsRetryable(err) {
			t.Error("expected retryable")
		}
		if !errors.Is(err, messaging.ErrUnavailable) {
			t.Error("retryable errors classify as ErrUnavailable")
		}
	})

	t.Run("replica states are retryable", func(t *testing.T) {
		for _, msg := range []string{
			"LOADING Redis is loading the dataset in memory",
			"READONLY You can't write against a read only replica.",
			"CLUSTERDOWN The cluster is down",
		} {
			if !IsRetryable(classify(errors.New(msg))) {
				t.Errorf("expected %q to be retryable", msg)
			}
		}
	})

	t.Run("wrapped retryable is visible", func(t *testing.T) {
		err := fmt.Errorf("append: %w", &RetryableError{Op: "xadd", Err: errors.New("reset")})
		if !IsRetryable(err) {
			t.Error("IsRetryable should see through wrapping")
		}
	})

	t.Run("other errors pass through", func(t *testing.T) {
		boom := errors.New("WRONGTYPE Operation against a key holding the wrong kind of value")
		if classify(boom) != boom {
			t.Error("expected error to pass through unchanged")
		}
	})
}

func TestOptions(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	defer rdb.Close()

	c, err := New(rdb, WithTimeout(500*time.Millisecond))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if c.timeout != 500*time.Millisecond {
		t.Errorf("timeout = %v, want 500ms", c.timeout)
	}

	c, err = New(rdb, WithTimeout(-1))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if c.timeout != DefaultTimeout {
		t.Errorf("non-positive timeout should keep default, got %v", c.timeout)
	}
}

func TestNotFoundHelper(t *testing.T) {
	if !errorsIsNotFound(messaging.ErrNotFound) {
		t.Error("ErrNotFound should count as empty read")
	}
	if !errorsIsNotFound(errors.New("NOGROUP No such consumer group 'g' for key name 's'")) {
		t.Error("NOGROUP should count as empty read")
	}
	if errorsIsNotFound(errors.New("boom")) {
		t.Error("arbitrary errors are not empty reads")
	}
	if errorsIsNotFound(nil) {
		t.Error("nil is not an empty read")
	}
}

package idempotency

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/meshwire/messaging"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()

	t.Run("IsProcessed false for new event", func(t *testing.T) {
		store := NewMemoryStore()
		defer store.Close()

		processed, err := store.IsProcessed(ctx, "evt-1")
		if err != nil {
			t.Fatalf("IsProcessed failed: %v", err)
		}
		if processed {
			t.Error("expected false for new event")
		}
	})

	t.Run("MarkProcessed inserts once", func(t *testing.T) {
		store := NewMemoryStore()
		defer store.Close()

		inserted, err := store.MarkProcessed(ctx, "evt-1")
		if err != nil {
			t.Fatalf("MarkProcessed failed: %v", err)
		}
		if !inserted {
			t.Error("first mark should insert")
		}

		inserted, err = store.MarkProcessed(ctx, "evt-1")
		if err != nil {
			t.Fatalf("MarkProcessed failed: %v", err)
		}
		if inserted {
			t.Error("second mark should not insert")
		}

		processed, _ := store.IsProcessed(ctx, "evt-1")
		if !processed {
			t.Error("expected true for processed event")
		}
	})

	t.Run("Remove allows reprocessing", func(t *testing.T) {
		store := NewMemoryStore()
		defer store.Close()

		store.MarkProcessed(ctx, "evt-1")
		if err := store.Remove(ctx, "evt-1"); err != nil {
			t.Fatalf("Remove failed: %v", err)
		}

		inserted, _ := store.MarkProcessed(ctx, "evt-1")
		if !inserted {
			t.Error("mark after remove should insert")
		}
	})

	t.Run("expired marker treated as absent", func(t *testing.T) {
		store := NewMemoryStore(WithTTL(time.Minute), WithSweepInterval(0))
		defer store.Close()

		base := time.Now()
		store.now = func() time.Time { return base }
		store.MarkProcessed(ctx, "evt-1")

		store.now = func() time.Time { return base.Add(2 * time.Minute) }
		processed, _ := store.IsProcessed(ctx, "evt-1")
		if processed {
			t.Error("expired marker should read as absent")
		}
		inserted, _ := store.MarkProcessed(ctx, "evt-1")
		if !inserted {
			t.Error("mark over expired marker should insert")
		}
	})

	t.Run("sweep removes expired entries", func(t *testing.T) {
		store := NewMemoryStore(WithTTL(time.Minute), WithSweepInterval(0))
		defer store.Close()

		base := time.Now()
		store.now = func() time.Time { return base }
		store.MarkProcessed(ctx, "evt-1")
		store.MarkProcessed(ctx, "evt-2")

		store.now = func() time.Time { return base.Add(2 * time.Minute) }
		store.sweep()

		store.mu.Lock()
		remaining := len(store.entries)
		store.mu.Unlock()
		if remaining != 0 {
			t.Errorf("entries = %d, want 0 after sweep", remaining)
		}
	})

	t.Run("Close can be called multiple times", func(t *testing.T) {
		store := NewMemoryStore()
		store.Close()
		store.Close()
	})
}

func TestValidateEventID(t *testing.T) {
	cases := []struct {
		name    string
		eventID string
		wantErr bool
	}{
		{"simple id", "evt-1", false},
		{"uuid", "550e8400-e29b-41d4-a716-446655440000", false},
		{"max length", strings.Repeat("a", 255), false},
		{"empty", "", true},
		{"too long", strings.Repeat("a", 256), true},
		{"contains space", "evt 1", false},
		{"contains newline", "evt\n1", true},
		{"contains control byte", "evt\x011", true},
		{"non-ascii", "evt-\xc3\xa9", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateEventID(tc.eventID)
			if tc.wantErr {
				if !errors.Is(err, messaging.ErrValidation) {
					t.Errorf("err = %v, want validation error", err)
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestProcessIfNew(t *testing.T) {
	ctx := context.Background()

	t.Run("runs fn for new event", func(t *testing.T) {
		store := NewMemoryStore()
		defer store.Close()

		ran := false
		err := store.ProcessIfNew(ctx, "evt-1", func(ctx context.Context) error {
			ran = true
			return nil
		})
		if err != nil {
			t.Fatalf("ProcessIfNew failed: %v", err)
		}
		if !ran {
			t.Error("fn did not run")
		}
	})

	t.Run("returns ErrAlreadyProcessed on repeat", func(t *testing.T) {
		store := NewMemoryStore()
		defer store.Close()

		store.ProcessIfNew(ctx, "evt-1", func(ctx context.Context) error { return nil })
		err := store.ProcessIfNew(ctx, "evt-1", func(ctx context.Context) error {
			t.Error("fn ran twice")
			return nil
		})
		if !errors.Is(err, ErrAlreadyProcessed) {
			t.Errorf("err = %v, want ErrAlreadyProcessed", err)
		}
	})

	t.Run("releases claim on failure", func(t *testing.T) {
		store := NewMemoryStore()
		defer store.Close()

		boom := errors.New("handler broke")
		err := store.ProcessIfNew(ctx, "evt-1", func(ctx context.Context) error {
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("err = %v, want wrapped handler error", err)
		}

		// Retry succeeds because the claim was released.
		ran := false
		err = store.ProcessIfNew(ctx, "evt-1", func(ctx context.Context) error {
			ran = true
			return nil
		})
		if err != nil || !ran {
			t.Errorf("retry err = %v ran = %v, want nil/true", err, ran)
		}
	})

	t.Run("fn runs exactly once across concurrent callers", func(t *testing.T) {
		store := NewMemoryStore()
		defer store.Close()

		var runs atomic.Int32
		var winners atomic.Int32
		var losers atomic.Int32

		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := store.ProcessIfNew(ctx, "evt-contested", func(ctx context.Context) error {
					runs.Add(1)
					return nil
				})
				switch {
				case err == nil:
					winners.Add(1)
				case errors.Is(err, ErrAlreadyProcessed):
					losers.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		if runs.Load() != 1 {
			t.Errorf("fn ran %d times, want 1", runs.Load())
		}
		if winners.Load() != 1 || losers.Load() != 49 {
			t.Errorf("winners=%d losers=%d, want 1/49", winners.Load(), losers.Load())
		}
	})

	t.Run("invalid id rejected before claiming", func(t *testing.T) {
		store := NewMemoryStore()
		defer store.Close()

		err := store.ProcessIfNew(ctx, "", func(ctx context.Context) error {
			t.Error("fn ran for invalid id")
			return nil
		})
		if !errors.Is(err, messaging.ErrValidation) {
			t.Errorf("err = %v, want validation error", err)
		}
	})
}

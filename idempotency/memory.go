package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store in process memory, for tests and
// single-instance deployments. Expired markers are removed lazily on
// read and by a background sweep.
type MemoryStore struct {
	mu          sync.Mutex
	entries     map[string]time.Time // event id -> expiry
	ttl         time.Duration
	sweepEvery  time.Duration
	stopCleanup chan struct{}
	now         func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithTTL sets how long markers live. Default 24 hours.
func WithTTL(ttl time.Duration) MemoryOption {
	return func(s *MemoryStore) { s.ttl = ttl }
}

// WithSweepInterval sets how often expired markers are swept.
// Default 1 minute; 0 disables the sweep.
func WithSweepInterval(interval time.Duration) MemoryOption {
	return func(s *MemoryStore) { s.sweepEvery = interval }
}

// NewMemoryStore creates an in-memory idempotency store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		entries:     make(map[string]time.Time),
		ttl:         24 * time.Hour,
		sweepEvery:  time.Minute,
		stopCleanup: make(chan struct{}),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sweepEvery > 0 {
		go s.sweepLoop()
	}
	return s
}

// IsProcessed reports whether the event has a live marker.
func (s *MemoryStore) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	if err := validateEventID(eventID); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	expiry, ok := s.entries[eventID]
	if !ok {
		return false, nil
	}
	if expiry.Before(s.now()) {
		delete(s.entries, eventID)
		return false, nil
	}
	return true, nil
}

// MarkProcessed records the marker. Returns true when this call
// inserted it.
func (s *MemoryStore) MarkProcessed(ctx context.Context, eventID string) (bool, error) {
	if err := validateEventID(eventID); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if expiry, ok := s.entries[eventID]; ok && expiry.After(now) {
		return false, nil
	}
	s.entries[eventID] = now.Add(s.ttl)
	return true, nil
}

// ProcessIfNew claims the event and runs fn exactly once across
// concurrent callers.
func (s *MemoryStore) ProcessIfNew(ctx context.Context, eventID string, fn func(ctx context.Context) error) error {
	if err := validateEventID(eventID); err != nil {
		return err
	}
	return processIfNew(ctx, s, eventID, fn)
}

// Remove deletes a marker.
func (s *MemoryStore) Remove(ctx context.Context, eventID string) error {
	if err := validateEventID(eventID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, eventID)
	return nil
}

// Close stops the background sweep.
func (s *MemoryStore) Close() error {
	select {
	case <-s.stopCleanup:
	default:
		close(s.stopCleanup)
	}
	return nil
}

func (s *MemoryStore) sweepLoop() {
	ticker := time.NewTicker(s.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *MemoryStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for id, expiry := range s.entries {
		if expiry.Before(now) {
			delete(s.entries, id)
		}
	}
}

var _ Store = (*MemoryStore)(nil)

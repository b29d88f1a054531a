package outbox

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/meshwire/messaging"
)

// MemoryStore is an in-process Store for tests and single-node
// setups. The tx argument to InsertTx is ignored; inserts take effect
// immediately.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	events map[int64]*Event
	now    func() time.Time
}

// NewMemoryStore creates an empty in-memory outbox.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events: make(map[int64]*Event),
		now:    time.Now,
	}
}

// InsertTx adds an event. The transaction is ignored.
func (s *MemoryStore) InsertTx(ctx context.Context, tx *sql.Tx, ev *Event) error {
	if err := validate(ev); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	now := s.now()
	stored := *ev
	stored.ID = s.nextID
	stored.CreatedAt = now
	stored.NextAttemptAt = now
	stored.Status = StatusPending
	s.events[stored.ID] = &stored

	ev.ID = stored.ID
	ev.CreatedAt = now
	ev.NextAttemptAt = now
	ev.Status = StatusPending
	return nil
}

// NextBatch returns due pending events ordered by
// (aggregate_id, created_at, id).
func (s *MemoryStore) NextBatch(ctx context.Context, limit int) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var due []*Event
	for _, ev := range s.events {
		if ev.Status == StatusPending && !ev.NextAttemptAt.After(now) {
			due = append(due, ev)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].AggregateID != due[j].AggregateID {
			return due[i].AggregateID < due[j].AggregateID
		}
		if !due[i].CreatedAt.Equal(due[j].CreatedAt) {
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		}
		return due[i].ID < due[j].ID
	})
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]*Event, len(due))
	for i, ev := range due {
		clone := *ev
		out[i] = &clone
	}
	return out, nil
}

// MarkPublished records a successful publish.
func (s *MemoryStore) MarkPublished(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return messaging.ErrNotFound
	}
	now := s.now()
	ev.Status = StatusPublished
	ev.PublishedAt = &now
	return nil
}

// MarkFailed schedules the next retry with exponential backoff.
func (s *MemoryStore) MarkFailed(ctx context.Context, id int64, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return messaging.ErrNotFound
	}
	ev.NextAttemptAt = s.now().Add(nextAttemptDelay(ev.RetryCount))
	ev.RetryCount++
	ev.LastError = cause.Error()
	return nil
}

// MarkPoison takes the event out of rotation.
func (s *MemoryStore) MarkPoison(ctx context.Context, id int64, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return messaging.ErrNotFound
	}
	ev.Status = StatusPoison
	ev.RetryCount++
	ev.LastError = cause.Error()
	return nil
}

// Purge removes old published events.
func (s *MemoryStore) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-olderThan)
	var deleted int64
	for id, ev := range s.events {
		if ev.Status == StatusPublished && ev.PublishedAt != nil && ev.PublishedAt.Before(cutoff) {
			delete(s.events, id)
			deleted++
		}
	}
	return deleted, nil
}

// PendingCount reports the backlog size.
func (s *MemoryStore) PendingCount(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for _, ev := range s.events {
		if ev.Status == StatusPending {
			count++
		}
	}
	return count, nil
}

// Get returns a copy of one event, for test assertions.
func (s *MemoryStore) Get(id int64) (*Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return nil, false
	}
	clone := *ev
	return &clone, true
}

var _ Store = (*MemoryStore)(nil)

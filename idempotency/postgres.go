package idempotency

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// PostgresStore implements TxStore on PostgreSQL.
//
// The insert uses ON CONFLICT DO NOTHING on the primary key, so
// MarkProcessed is a single atomic statement: the rows-affected count
// tells racing consumers apart without a separate read.
//
// Table schema:
//
//	CREATE TABLE processed_events (
//	    event_id     VARCHAR(255) PRIMARY KEY,
//	    processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	    expires_at   TIMESTAMPTZ NOT NULL
//	);
//	CREATE INDEX idx_processed_events_expires ON processed_events (expires_at);
//
// A background loop deletes expired rows. Call Close to stop it.
type PostgresStore struct {
	db              *sql.DB
	table           string
	ttl             time.Duration
	cleanupInterval time.Duration
	logger          *slog.Logger
	stopCleanup     chan struct{}
}

// PostgresOption configures a PostgresStore.
type PostgresOption func(*PostgresStore)

// WithPostgresTTL sets how long markers live. Default 24 hours. The
// TTL must exceed the longest possible redelivery window, otherwise
// a late redelivery reprocesses the event.
func WithPostgresTTL(ttl time.Duration) PostgresOption {
	return func(s *PostgresStore) { s.ttl = ttl }
}

// WithPostgresTable sets the table name. Default "processed_events".
func WithPostgresTable(table string) PostgresOption {
	return func(s *PostgresStore) { s.table = table }
}

// WithPostgresCleanupInterval sets how often expired markers are
// removed. Default 1 minute; 0 disables the loop.
func WithPostgresCleanupInterval(interval time.Duration) PostgresOption {
	return func(s *PostgresStore) { s.cleanupInterval = interval }
}

// WithPostgresLogger sets a custom logger.
func WithPostgresLogger(l *slog.Logger) PostgresOption {
	return func(s *PostgresStore) { s.logger = l }
}

// NewPostgresStore creates a PostgreSQL idempotency store and starts
// its cleanup loop.
func NewPostgresStore(db *sql.DB, opts ...PostgresOption) *PostgresStore {
	s := &PostgresStore{
		db:              db,
		table:           "processed_events",
		ttl:             24 * time.Hour,
		cleanupInterval: time.Minute,
		logger:          slog.Default().With("component", "idempotency"),
		stopCleanup:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cleanupInterval > 0 {
		go s.cleanupLoop()
	}
	return s
}

// IsProcessed reports whether the event has a live marker.
func (s *PostgresStore) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	if err := validateEventID(eventID); err != nil {
		return false, err
	}
	query := fmt.Sprintf(`
		SELECT EXISTS(
			SELECT 1 FROM %s
			WHERE event_id = $1 AND expires_at > NOW()
		)
	`, s.table)

	var exists bool
	if err := s.db.QueryRowContext(ctx, query, eventID).Scan(&exists); err != nil {
		return false, fmt.Errorf("idempotency check: %w", err)
	}
	return exists, nil
}

// MarkProcessed records the marker. Returns true when this call
// inserted it.
func (s *PostgresStore) MarkProcessed(ctx context.Context, eventID string) (bool, error) {
	if err := validateEventID(eventID); err != nil {
		return false, err
	}
	return s.insert(ctx, s.db.ExecContext, eventID)
}

// IsProcessedTx is IsProcessed within the caller's transaction.
func (s *PostgresStore) IsProcessedTx(ctx context.Context, tx *sql.Tx, eventID string) (bool, error) {
	if err := validateEventID(eventID); err != nil {
		return false, err
	}
	query := fmt.Sprintf(`
		SELECT EXISTS(
			SELECT 1 FROM %s
			WHERE event_id = $1 AND expires_at > NOW()
		)
	`, s.table)

	var exists bool
	if err := tx.QueryRowContext(ctx, query, eventID).Scan(&exists); err != nil {
		return false, fmt.Errorf("idempotency check: %w", err)
	}
	return exists, nil
}

// MarkProcessedTx records the marker within the caller's transaction.
// The marker commits or rolls back with the business write.
func (s *PostgresStore) MarkProcessedTx(ctx context.Context, tx *sql.Tx, eventID string) (bool, error) {
	if err := validateEventID(eventID); err != nil {
		return false, err
	}
	return s.insert(ctx, tx.ExecContext, eventID)
}

type execFunc func(ctx context.Context, query string, args ...any) (sql.Result, error)

func (s *PostgresStore) insert(ctx context.Context, exec execFunc, eventID string) (bool, error) {
	query := fmt.Sprintf(`
		INSERT INTO %s (event_id, processed_at, expires_at)
		VALUES ($1, NOW(), NOW() + ($2 * INTERVAL '1 second'))
		ON CONFLICT (event_id) DO NOTHING
	`, s.table)

	result, err := exec(ctx, query, eventID, int64(s.ttl.Seconds()))
	if err != nil {
		return false, fmt.Errorf("mark processed: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// ProcessIfNew claims the event and runs fn exactly once across
// concurrent callers.
func (s *PostgresStore) ProcessIfNew(ctx context.Context, eventID string, fn func(ctx context.Context) error) error {
	if err := validateEventID(eventID); err != nil {
		return err
	}
	return processIfNew(ctx, s, eventID, fn)
}

// Remove deletes a marker.
func (s *PostgresStore) Remove(ctx context.Context, eventID string) error {
	if err := validateEventID(eventID); err != nil {
		return err
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE event_id = $1`, s.table)
	_, err := s.db.ExecContext(ctx, query, eventID)
	return err
}

// Close stops the cleanup loop.
func (s *PostgresStore) Close() error {
	select {
	case <-s.stopCleanup:
	default:
		close(s.stopCleanup)
	}
	return nil
}

func (s *PostgresStore) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *PostgresStore) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	query := fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= NOW()`, s.table)
	result, err := s.db.ExecContext(ctx, query)
	if err != nil {
		s.logger.Error("cleanup failed", "error", err)
		return
	}
	if deleted, _ := result.RowsAffected(); deleted > 0 {
		s.logger.Debug("removed expired idempotency markers", "count", deleted)
	}
}

var _ TxStore = (*PostgresStore)(nil)

package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresStore implements Store for PostgreSQL.
//
// Concurrent relay instances are supported through
// SELECT FOR UPDATE SKIP LOCKED on the polling query.
//
// Required schema:
//
//	CREATE TABLE outbox_events (
//	    id              BIGSERIAL PRIMARY KEY,
//	    event_id        UUID NOT NULL,
//	    aggregate_type  VARCHAR(64) NOT NULL,
//	    aggregate_id    VARCHAR(64) NOT NULL,
//	    event_type      VARCHAR(128) NOT NULL,
//	    payload         JSONB NOT NULL,
//	    metadata        JSONB,
//	    priority        SMALLINT NOT NULL DEFAULT 2,
//	    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	    published_at    TIMESTAMPTZ,
//	    status          VARCHAR(16) NOT NULL DEFAULT 'pending',
//	    retry_count     INT NOT NULL DEFAULT 0,
//	    next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	    last_error      TEXT
//	);
//	CREATE INDEX idx_outbox_pending ON outbox_events
//	    (published_at NULLS FIRST, aggregate_id, created_at, id)
//	    WHERE status = 'pending';
//	CREATE INDEX idx_outbox_aggregate ON outbox_events (aggregate_id);
type PostgresStore struct {
	db        *sql.DB
	tableName string
}

// NewPostgresStore creates a PostgreSQL outbox store on the default
// "outbox_events" table.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db:        db,
		tableName: "outbox_events",
	}
}

// WithTableName sets a custom table name. Returns the store for
// method chaining.
func (s *PostgresStore) WithTableName(name string) *PostgresStore {
	s.tableName = name
	return s
}

// InsertTx adds an event to the outbox within a transaction. On
// success ev.ID holds the generated row id.
func (s *PostgresStore) InsertTx(ctx context.Context, tx *sql.Tx, ev *Event) error {
	if err := validate(ev); err != nil {
		return err
	}

	var metadataJSON []byte
	var err error
	if ev.Metadata != nil {
		metadataJSON, err = json.Marshal(ev.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
	}

	now := time.Now()
	query := fmt.Sprintf(`
		INSERT INTO %s (event_id, aggregate_type, aggregate_id, event_type,
		                payload, metadata, priority, status, created_at, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`, s.tableName)

	err = tx.QueryRowContext(ctx, query,
		ev.EventID,
		ev.AggregateType,
		ev.AggregateID,
		ev.EventType,
		ev.Payload,
		metadataJSON,
		int16(ev.Priority),
		StatusPending,
		now,
		now,
	).Scan(&ev.ID)
	if err != nil {
		return err
	}

	ev.CreatedAt = now
	ev.NextAttemptAt = now
	ev.Status = StatusPending
	return nil
}

// NextBatch retrieves due pending events ordered per aggregate.
func (s *PostgresStore) NextBatch(ctx context.Context, limit int) ([]*Event, error) {
	query := fmt.Sprintf(`
		SELECT id, event_id, aggregate_type, aggregate_id, event_type,
		       payload, metadata, priority, created_at, retry_count
		FROM %s
		WHERE status = $1 AND next_attempt_at <= NOW()
		ORDER BY aggregate_id, created_at, id
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, s.tableName)

	rows, err := s.db.QueryContext(ctx, query, StatusPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var ev Event
		var metadataJSON []byte
		var priority int16

		err := rows.Scan(
			&ev.ID,
			&ev.EventID,
			&ev.AggregateType,
			&ev.AggregateID,
			&ev.EventType,
			&ev.Payload,
			&metadataJSON,
			&priority,
			&ev.CreatedAt,
			&ev.RetryCount,
		)
		if err != nil {
			return nil, err
		}

		if metadataJSON != nil {
			json.Unmarshal(metadataJSON, &ev.Metadata)
		}
		ev.Priority = messagingPriority(priority)
		ev.Status = StatusPending
		events = append(events, &ev)
	}

	return events, rows.Err()
}

// MarkPublished records a successful publish.
func (s *PostgresStore) MarkPublished(ctx context.Context, id int64) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $1, published_at = $2
		WHERE id = $3
	`, s.tableName)

	_, err := s.db.ExecContext(ctx, query, StatusPublished, time.Now(), id)
	return err
}

// MarkFailed schedules the next retry with exponential backoff.
func (s *PostgresStore) MarkFailed(ctx context.Context, id int64, cause error) error {
	// The row's pre-increment retry count decides the delay; read it
	// first so the schedule matches the attempt that just failed.
	var retries int
	peek := fmt.Sprintf(`SELECT retry_count FROM %s WHERE id = $1`, s.tableName)
	if err := s.db.QueryRowContext(ctx, peek, id).Scan(&retries); err != nil {
		return err
	}
	delay := nextAttemptDelay(retries)

	query := fmt.Sprintf(`
		UPDATE %s
		SET last_error = $1,
		    retry_count = retry_count + 1,
		    next_attempt_at = NOW() + ($2 * INTERVAL '1 millisecond')
		WHERE id = $3
	`, s.tableName)

	_, err := s.db.ExecContext(ctx, query, cause.Error(), delay.Milliseconds(), id)
	return err
}

// MarkPoison takes the event out of rotation.
func (s *PostgresStore) MarkPoison(ctx context.Context, id int64, cause error) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $1, last_error = $2, retry_count = retry_count + 1
		WHERE id = $3
	`, s.tableName)

	_, err := s.db.ExecContext(ctx, query, StatusPoison, cause.Error(), id)
	return err
}

// Purge removes published events older than the retention window.
func (s *PostgresStore) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE status = $1 AND published_at < $2
	`, s.tableName)

	result, err := s.db.ExecContext(ctx, query, StatusPublished, time.Now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// PendingCount reports the backlog size.
func (s *PostgresStore) PendingCount(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE status = $1`, s.tableName)
	var count int64
	err := s.db.QueryRowContext(ctx, query, StatusPending).Scan(&count)
	return count, err
}

var _ Store = (*PostgresStore)(nil)

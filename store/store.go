// Package store provides the durable store client: a connection pool
// tuned per service, transactional handles, per-query timeouts and a
// backpressure wrapper that fails fast instead of queueing.
//
// Pool sizing: each service gets a bounded MaxOpen well below the
// database's configured connection limit, keeping at least 25%
// headroom for migrations, operators and sibling services. The
// backpressure wrapper rejects new acquisitions once utilization
// crosses AcquireThreshold (default 0.85) with a typed pool-exhausted
// error instead of letting callers pile up in the driver's wait queue.
//
// Example:
//
//	db, _ := sql.Open("pgx", dsn)
//	st := store.New(db, store.ConfigForService("messaging"))
//	defer st.Close()
//
//	err := st.WithTx(ctx, func(tx *sql.Tx) error {
//	    // domain write + outbox insert, atomically
//	    return nil
//	})
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/meshwire/messaging"
	"github.com/meshwire/messaging/metrics"
)

// Config tunes the pool for one service.
type Config struct {
	// MaxOpen bounds total connections. Must leave >=25% headroom
	// below the database's max_connections once all services are
	// summed.
	MaxOpen int
	// MaxIdle bounds idle connections kept warm.
	MaxIdle int
	// ConnMaxLifetime recycles connections, spreading load after
	// failovers.
	ConnMaxLifetime time.Duration
	// AcquireThreshold is the utilization (InUse/MaxOpen) above which
	// new acquisitions fail fast. Default 0.85.
	AcquireThreshold float64
	// QueryTimeout bounds each query unless the caller's context is
	// tighter. Default 5s.
	QueryTimeout time.Duration
	// StatsInterval is how often pool gauges are refreshed.
	// Default 10s.
	StatsInterval time.Duration
}

// defaults per service, sized against a 100-connection database with
// headroom reserved. Unknown services get the conservative profile.
var serviceProfiles = map[string]Config{
	"messaging": {MaxOpen: 25, MaxIdle: 10},
	"prekeys":   {MaxOpen: 10, MaxIdle: 4},
	"outbox":    {MaxOpen: 10, MaxIdle: 4},
	"default":   {MaxOpen: 5, MaxIdle: 2},
}

// ConfigForService returns the tuned pool profile for a service name.
func ConfigForService(name string) Config {
	cfg, ok := serviceProfiles[name]
	if !ok {
		cfg = serviceProfiles["default"]
	}
	cfg.fill()
	return cfg
}

func (c *Config) fill() {
	if c.MaxOpen <= 0 {
		c.MaxOpen = 5
	}
	if c.MaxIdle <= 0 {
		c.MaxIdle = 2
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 30 * time.Minute
	}
	if c.AcquireThreshold <= 0 || c.AcquireThreshold > 1 {
		c.AcquireThreshold = 0.85
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 5 * time.Second
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = 10 * time.Second
	}
}

// DB wraps *sql.DB with backpressure, per-query timeouts and pool
// metrics. Safe for concurrent use.
type DB struct {
	db      *sql.DB
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Set
	stop    chan struct{}
}

// Option configures a DB.
type Option func(*DB)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *DB) { d.logger = l }
}

// WithMetrics sets the instrument set.
func WithMetrics(m *metrics.Set) Option {
	return func(d *DB) { d.metrics = m }
}

// New wraps db with the given pool profile and starts the stats
// refresher. Call Close to stop it; the underlying *sql.DB stays
// owned by the caller.
func New(db *sql.DB, cfg Config, opts ...Option) *DB {
	cfg.fill()
	db.SetMaxOpenConns(cfg.MaxOpen)
	db.SetMaxIdleConns(cfg.MaxIdle)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	d := &DB{
		db:      db,
		cfg:     cfg,
		logger:  slog.Default().With("component", "store"),
		metrics: metrics.Default(),
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	go d.refreshStats()
	return d
}

// Close stops the stats refresher. The wrapped *sql.DB is not closed.
func (d *DB) Close() {
	select {
	case <-d.stop:
	default:
		close(d.stop)
	}
}

// Unwrap exposes the raw *sql.DB for stores that manage their own
// statements (outbox, idempotency).
func (d *DB) Unwrap() *sql.DB { return d.db }

// checkPressure applies the backpressure policy before any pool
// acquisition. Returns a typed pool-exhausted error once utilization
// crosses the threshold.
func (d *DB) checkPressure() error {
	stats := d.db.Stats()
	if stats.MaxOpenConnections <= 0 {
		return nil
	}
	utilization := float64(stats.InUse) / float64(stats.MaxOpenConnections)
	if utilization >= d.cfg.AcquireThreshold {
		return &messaging.PoolExhaustedError{
			InUse:     stats.InUse,
			MaxOpen:   stats.MaxOpenConnections,
			Threshold: d.cfg.AcquireThreshold,
		}
	}
	return nil
}

// Acquire leases a single connection, failing fast under pool
// pressure. The caller must Close the returned conn.
func (d *DB) Acquire(ctx context.Context) (*sql.Conn, error) {
	if err := d.checkPressure(); err != nil {
		return nil, err
	}
	start := time.Now()
	conn, err := d.db.Conn(ctx)
	d.metrics.DBAcquire(ctx, time.Since(start).Seconds())
	if err != nil {
		return nil, classifyDB(err)
	}
	return conn, nil
}

// Row is a pending single-row result. The query timeout stays armed
// until Scan runs, so the deadline covers both execution and the
// row read.
type Row struct {
	row    *sql.Row
	cancel context.CancelFunc
}

// Scan reads the row and releases the query timeout.
func (r *Row) Scan(dest ...any) error {
	defer r.cancel()
	return r.row.Scan(dest...)
}

// QueryRow runs a single-row query under the query timeout. The
// timeout is released by Scan.
func (d *DB) QueryRow(ctx context.Context, query string, args ...any) *Row {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.QueryTimeout)
	start := time.Now()
	row := d.db.QueryRowContext(ctx, query, args...)
	d.metrics.DBQuery(ctx, time.Since(start).Seconds())
	return &Row{row: row, cancel: cancel}
}

// Rows is a multi-row result whose query timeout spans iteration.
// Close releases the timeout; callers must Close as with sql.Rows.
type Rows struct {
	*sql.Rows
	cancel context.CancelFunc
}

// Close releases the query timeout and the underlying rows.
func (r *Rows) Close() error {
	r.cancel()
	return r.Rows.Close()
}

// Query runs a multi-row query under the query timeout. The timeout
// covers execution and iteration; it is released by Close.
func (d *DB) Query(ctx context.Context, query string, args ...any) (*Rows, error) {
	if err := d.checkPressure(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, d.cfg.QueryTimeout)
	start := time.Now()
	rows, err := d.db.QueryContext(ctx, query, args...)
	d.metrics.DBQuery(ctx, time.Since(start).Seconds())
	if err != nil {
		cancel()
		return nil, classifyDB(err)
	}
	return &Rows{Rows: rows, cancel: cancel}, nil
}

// Exec runs a statement under the query timeout.
func (d *DB) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if err := d.checkPressure(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, d.cfg.QueryTimeout)
	defer cancel()
	start := time.Now()
	res, err := d.db.ExecContext(ctx, query, args...)
	d.metrics.DBQuery(ctx, time.Since(start).Seconds())
	return res, classifyDB(err)
}

// refreshStats periodically publishes pool gauges.
func (d *DB) refreshStats() {
	ticker := time.NewTicker(d.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			stats := d.db.Stats()
			d.metrics.DBPoolStats(context.Background(),
				int64(stats.InUse), int64(stats.Idle), stats.WaitCount)
		}
	}
}

// Classify maps driver errors onto the module taxonomy. Callers use
// it on Scan errors, which surface outside the wrapped query methods.
func Classify(err error) error { return classifyDB(err) }

// classifyDB maps driver errors onto the module taxonomy.
func classifyDB(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return messaging.ErrNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: query exceeded budget", messaging.ErrTimeout)
	default:
		return err
	}
}

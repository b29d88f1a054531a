package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrTxFailed is returned when a transaction cannot be committed.
//
// The underlying commit error is wrapped; check it for details.
var ErrTxFailed = errors.New("transaction failed")

// WithTx runs fn within a transaction, handling commit and rollback.
//
// If fn returns nil, the transaction is committed. If fn returns an
// error, the transaction is rolled back and the error returned as-is.
// If fn panics, the transaction is rolled back and the panic
// re-raised. Pool backpressure applies before the transaction starts.
//
// Example:
//
//	err := db.WithTx(ctx, func(tx *sql.Tx) error {
//	    if _, err := tx.ExecContext(ctx, "INSERT INTO messages ..."); err != nil {
//	        return err // rollback
//	    }
//	    if _, err := tx.ExecContext(ctx, "INSERT INTO outbox_events ..."); err != nil {
//	        return err // rollback
//	    }
//	    return nil // commit
//	})
func (d *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return d.WithTxOptions(ctx, nil, fn)
}

// WithTxOptions is WithTx with explicit transaction options, for
// callers that need a stricter isolation level or a read-only
// transaction.
func (d *DB) WithTxOptions(ctx context.Context, opts *sql.TxOptions, fn func(tx *sql.Tx) error) error {
	if err := d.checkPressure(); err != nil {
		return err
	}
	tx, err := d.db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrTxFailed, err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			d.logger.Error("rollback failed", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrTxFailed, err)
	}
	return nil
}

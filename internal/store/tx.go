package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmerrifield20/agentledger/internal/metrics"
	"go.uber.org/zap"
)

// Tx is a write transaction holding the single-writer lock.
type Tx struct {
	tx          *sql.Tx
	dialect     Dialect
	done        bool
	afterCommit []func()
}

// BeginImmediate starts a transaction that holds the write lock from its
// first statement. Concurrent writers block until it commits or rolls back,
// or fail with ErrLockTimeout once the configured timeout elapses.
func (db *DB) BeginImmediate(ctx context.Context) (*Tx, error) {
	sqlTx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return nil, db.lockFailure("begin immediate", err)
	}
	tx := &Tx{tx: sqlTx, dialect: db.dialect}

	if db.dialect == DialectPostgres {
		timeout := fmt.Sprintf("%dms", db.lockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, "SELECT set_config('lock_timeout', ?, true)", timeout); err != nil {
			_ = tx.Rollback()
			return nil, wrap("set lock_timeout", err)
		}
		// Released automatically when the transaction ends.
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(?)", db.lockKey); err != nil {
			_ = tx.Rollback()
			return nil, db.lockFailure("acquire advisory lock", err)
		}
	}
	return tx, nil
}

func (db *DB) lockFailure(op string, err error) error {
	wrapped := wrap(op, err)
	if errors.Is(wrapped, ErrLockTimeout) {
		db.logger.Warn("write lock not acquired",
			zap.String("op", op),
			zap.Duration("timeout", db.lockTimeout),
			zap.Error(err),
		)
		metrics.RecordLockTimeout()
	}
	return wrapped
}

// AfterCommit queues fn to run once the transaction has committed. The
// queue is dropped on rollback or a failed commit.
func (t *Tx) AfterCommit(fn func()) {
	t.afterCommit = append(t.afterCommit, fn)
}

// Commit commits the transaction, then runs the AfterCommit queue in order.
func (t *Tx) Commit() error {
	t.done = true
	hooks := t.afterCommit
	t.afterCommit = nil
	if err := t.tx.Commit(); err != nil {
		return wrap("commit", err)
	}
	for _, fn := range hooks {
		fn()
	}
	return nil
}

// Rollback aborts the transaction. Rolling back a finished transaction is a no-op.
func (t *Tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.afterCommit = nil
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return wrap("rollback", err)
	}
	return nil
}

// Exec implements Querier.
func (t *Tx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, rebind(t.dialect, query), args...)
}

// Query implements Querier.
func (t *Tx) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, rebind(t.dialect, query), args...)
}

// QueryRow implements Querier.
func (t *Tx) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, rebind(t.dialect, query), args...)
}

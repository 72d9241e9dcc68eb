package store

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
)

// ErrLockTimeout reports that the write lock could not be acquired within
// the configured timeout. The transaction, if any, has been rolled back.
var ErrLockTimeout = errors.New("write lock timeout")

// pgLockNotAvailable is SQLSTATE 55P03, raised when lock_timeout expires.
const pgLockNotAvailable = "55P03"

// Error is a storage failure: lock timeouts, transport and driver errors.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return "store: " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// wrap turns a driver error into *Error, tagging lock contention with
// ErrLockTimeout so callers can test for it with errors.Is.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if isLockContention(err) {
		return &Error{Op: op, Err: errors.Join(ErrLockTimeout, err)}
	}
	return &Error{Op: op, Err: err}
}

func isLockContention(err error) bool {
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgLockNotAvailable
	}
	return false
}

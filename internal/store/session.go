package store

import (
	"context"
	"fmt"
)

type sessionKind int

const (
	ownedSession sessionKind = iota
	borrowedSession
)

// Session is how a component participates in a write. An Owned session
// begins, commits and rolls back its own immediate transaction; a Borrowed
// session runs on a transaction the caller already holds and leaves
// commit/rollback to the caller.
type Session struct {
	kind sessionKind
	db   *DB
	tx   *Tx
}

// Owned returns a session that opens a new immediate transaction per write.
func Owned(db *DB) Session {
	return Session{kind: ownedSession, db: db}
}

// Borrowed returns a session that joins an open transaction.
func Borrowed(tx *Tx) Session {
	return Session{kind: borrowedSession, tx: tx}
}

// IsBorrowed reports whether the session joins a caller's transaction.
func (s Session) IsBorrowed() bool { return s.kind == borrowedSession }

// Reader returns the Querier reads should go through: the borrowed
// transaction, so they observe its uncommitted writes, or the database.
func (s Session) Reader() Querier {
	if s.kind == borrowedSession {
		return s.tx
	}
	return s.db
}

// RunImmediate executes fn under the write lock. For an owned session fn's
// error, or a panic, rolls the transaction back; otherwise it is committed.
func (s Session) RunImmediate(ctx context.Context, fn func(tx *Tx) error) error {
	switch s.kind {
	case borrowedSession:
		return fn(s.tx)

	case ownedSession:
		tx, err := s.db.BeginImmediate(ctx)
		if err != nil {
			return err
		}
		defer func() {
			if p := recover(); p != nil {
				_ = tx.Rollback()
				panic(p)
			}
		}()

		if err := fn(tx); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				return fmt.Errorf("%w (rollback: %v)", err, rbErr)
			}
			return err
		}
		return tx.Commit()

	default:
		return fmt.Errorf("store: uninitialised session")
	}
}

package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmerrifield20/agentledger/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openTestDB(t *testing.T, lockTimeout time.Duration) *store.DB {
	t.Helper()
	db, err := store.Open(context.Background(), store.Config{
		Driver:      store.DialectSQLite,
		Path:        filepath.Join(t.TempDir(), "store.db"),
		LockTimeout: lockTimeout,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func countLegacy(t *testing.T, db *store.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(context.Background(), "SELECT COUNT(*) FROM legacy_votes").Scan(&n))
	return n
}

func insertLegacy(ctx context.Context, tx *store.Tx) error {
	_, err := tx.Exec(ctx,
		"INSERT INTO legacy_votes (fact_id, agent_id, vote, created_at) VALUES (?, ?, ?, ?)",
		"f1", "a1", 1, store.FormatTime(time.Now()),
	)
	return err
}

func TestOpen_appliesSchemaIdempotently(t *testing.T) {
	path := filepath.Join(t.TempDir(), "twice.db")
	cfg := store.Config{Driver: store.DialectSQLite, Path: path}

	first, err := store.Open(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := store.Open(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer second.Close()
	assert.Equal(t, store.DialectSQLite, second.Dialect())
}

func TestOpen_unknownDriver(t *testing.T) {
	_, err := store.Open(context.Background(), store.Config{Driver: "oracle"}, zap.NewNop())
	assert.Error(t, err)
}

func TestOwnedSession_commitsOnSuccess(t *testing.T) {
	db := openTestDB(t, time.Second)
	ctx := context.Background()

	err := store.Owned(db).RunImmediate(ctx, func(tx *store.Tx) error {
		return insertLegacy(ctx, tx)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, countLegacy(t, db))
}

func TestOwnedSession_rollsBackOnError(t *testing.T) {
	db := openTestDB(t, time.Second)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.Owned(db).RunImmediate(ctx, func(tx *store.Tx) error {
		require.NoError(t, insertLegacy(ctx, tx))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, countLegacy(t, db))
}

func TestOwnedSession_rollsBackOnPanic(t *testing.T) {
	db := openTestDB(t, time.Second)
	ctx := context.Background()

	assert.Panics(t, func() {
		_ = store.Owned(db).RunImmediate(ctx, func(tx *store.Tx) error {
			require.NoError(t, insertLegacy(ctx, tx))
			panic("aborted")
		})
	})
	assert.Equal(t, 0, countLegacy(t, db))

	// The lock was released: a new writer gets through.
	require.NoError(t, store.Owned(db).RunImmediate(ctx, func(tx *store.Tx) error {
		return insertLegacy(ctx, tx)
	}))
	assert.Equal(t, 1, countLegacy(t, db))
}

func TestBorrowedSession_leavesCommitToOwner(t *testing.T) {
	db := openTestDB(t, time.Second)
	ctx := context.Background()

	tx, err := db.BeginImmediate(ctx)
	require.NoError(t, err)

	sess := store.Borrowed(tx)
	assert.True(t, sess.IsBorrowed())
	require.NoError(t, sess.RunImmediate(ctx, func(inner *store.Tx) error {
		assert.Same(t, tx, inner)
		return insertLegacy(ctx, inner)
	}))

	var inTx int
	require.NoError(t, sess.Reader().QueryRow(ctx, "SELECT COUNT(*) FROM legacy_votes").Scan(&inTx))
	assert.Equal(t, 1, inTx)

	require.NoError(t, tx.Rollback())
	assert.Equal(t, 0, countLegacy(t, db))
}

func TestAfterCommit_runsOnlyOnceCommitted(t *testing.T) {
	db := openTestDB(t, time.Second)
	ctx := context.Background()

	var ran []string
	require.NoError(t, store.Owned(db).RunImmediate(ctx, func(tx *store.Tx) error {
		tx.AfterCommit(func() { ran = append(ran, "first") })
		tx.AfterCommit(func() { ran = append(ran, "second") })
		assert.Empty(t, ran, "hooks must wait for the commit")
		return insertLegacy(ctx, tx)
	}))
	assert.Equal(t, []string{"first", "second"}, ran)

	ran = nil
	boom := errors.New("boom")
	err := store.Owned(db).RunImmediate(ctx, func(tx *store.Tx) error {
		tx.AfterCommit(func() { ran = append(ran, "rolled back") })
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Empty(t, ran)
}

func TestAfterCommit_borrowedHooksFollowOwner(t *testing.T) {
	db := openTestDB(t, time.Second)
	ctx := context.Background()

	tx, err := db.BeginImmediate(ctx)
	require.NoError(t, err)
	ran := false
	require.NoError(t, store.Borrowed(tx).RunImmediate(ctx, func(inner *store.Tx) error {
		inner.AfterCommit(func() { ran = true })
		return nil
	}))
	assert.False(t, ran)
	require.NoError(t, tx.Rollback())
	assert.False(t, ran, "rollback drops the hooks")

	tx, err = db.BeginImmediate(ctx)
	require.NoError(t, err)
	require.NoError(t, store.Borrowed(tx).RunImmediate(ctx, func(inner *store.Tx) error {
		inner.AfterCommit(func() { ran = true })
		return nil
	}))
	require.NoError(t, tx.Commit())
	assert.True(t, ran)
}

func TestBeginImmediate_timesOutWhileAnotherWriterHoldsLock(t *testing.T) {
	db := openTestDB(t, 100*time.Millisecond)
	ctx := context.Background()

	holder, err := db.BeginImmediate(ctx)
	require.NoError(t, err)
	defer holder.Rollback()

	start := time.Now()
	_, err = db.BeginImmediate(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrLockTimeout)

	var storeErr *store.Error
	assert.ErrorAs(t, err, &storeErr)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestFormatTime_roundTripsAtMicrosecondPrecision(t *testing.T) {
	in := time.Date(2026, 10, 15, 12, 30, 45, 123456789, time.FixedZone("x", 3600))
	s := store.FormatTime(in)
	out, err := store.ParseTime(s)
	require.NoError(t, err)
	assert.True(t, out.Equal(in.Truncate(time.Microsecond)))
	assert.Equal(t, s, store.FormatTime(out))
}

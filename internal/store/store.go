// Package store owns the database handle shared by the ledgers, the agent
// registry and the consensus scorer.
//
// Two backends are supported behind database/sql:
//   - sqlite: local-first default (mattn/go-sqlite3), WAL mode, writers
//     serialised by BEGIN IMMEDIATE with a bounded busy timeout.
//   - postgres: pgxpool exposed through pgx/stdlib, writers serialised by a
//     transaction-scoped advisory lock with a bounded lock_timeout.
//
// Queries are written once with '?' placeholders and rebound per dialect.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Dialect identifies the SQL backend.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// defaultAdvisoryLockKey serialises writers across every process sharing a
// Postgres database. It must be identical for all instances.
const defaultAdvisoryLockKey = int64(1_159_876_544)

// Config selects and tunes the backend.
type Config struct {
	Driver          Dialect
	Path            string // sqlite file path
	URL             string // postgres connection string
	MaxConns        int
	LockTimeout     time.Duration
	AdvisoryLockKey int64
}

// Querier is implemented by both *DB and *Tx. Queries use '?' placeholders.
type Querier interface {
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)
	Query(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) *sql.Row
}

// DB is a dialect-aware database handle.
type DB struct {
	sql         *sql.DB
	pool        *pgxpool.Pool // nil for sqlite
	dialect     Dialect
	lockTimeout time.Duration
	lockKey     int64
	logger      *zap.Logger
}

// Open connects to the configured backend and applies the schema.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*DB, error) {
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 5 * time.Second
	}
	if cfg.AdvisoryLockKey == 0 {
		cfg.AdvisoryLockKey = defaultAdvisoryLockKey
	}

	db := &DB{
		dialect:     cfg.Driver,
		lockTimeout: cfg.LockTimeout,
		lockKey:     cfg.AdvisoryLockKey,
		logger:      logger,
	}

	switch cfg.Driver {
	case DialectSQLite, "":
		db.dialect = DialectSQLite
		if cfg.Path == "" {
			return nil, fmt.Errorf("open sqlite: database path is required")
		}
		sqlDB, err := sql.Open("sqlite3", sqliteDSN(cfg.Path, cfg.LockTimeout))
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		if cfg.MaxConns > 0 {
			sqlDB.SetMaxOpenConns(cfg.MaxConns)
		}
		db.sql = sqlDB

	case DialectPostgres:
		poolCfg, err := pgxpool.ParseConfig(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse postgres url: %w", err)
		}
		if cfg.MaxConns > 0 {
			poolCfg.MaxConns = int32(cfg.MaxConns)
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		db.pool = pool
		db.sql = stdlib.OpenDBFromPool(pool)

	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	if err := db.sql.PingContext(ctx); err != nil {
		db.Close()
		return nil, wrap("ping", err)
	}
	if err := db.applySchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("database ready",
		zap.String("dialect", string(db.dialect)),
		zap.Duration("lock_timeout", db.lockTimeout),
	)
	return db, nil
}

// sqliteDSN builds a mattn/go-sqlite3 DSN. _txlock=immediate makes every
// BeginTx take the RESERVED lock up front; _busy_timeout bounds the wait.
func sqliteDSN(path string, lockTimeout time.Duration) string {
	params := []string{
		"_txlock=immediate",
		"_busy_timeout=" + strconv.FormatInt(lockTimeout.Milliseconds(), 10),
		"_journal_mode=WAL",
		"_synchronous=NORMAL",
		"_foreign_keys=on",
	}
	return "file:" + path + "?" + strings.Join(params, "&")
}

// Close releases the database handle and, for postgres, the pool.
func (db *DB) Close() error {
	err := db.sql.Close()
	if db.pool != nil {
		db.pool.Close()
	}
	return err
}

// Dialect reports the active backend.
func (db *DB) Dialect() Dialect { return db.dialect }

// Ping checks connectivity.
func (db *DB) Ping(ctx context.Context) error {
	if err := db.sql.PingContext(ctx); err != nil {
		return wrap("ping", err)
	}
	return nil
}

// Exec implements Querier outside of a transaction.
func (db *DB) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.sql.ExecContext(ctx, rebind(db.dialect, query), args...)
}

// Query implements Querier outside of a transaction.
func (db *DB) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.sql.QueryContext(ctx, rebind(db.dialect, query), args...)
}

// QueryRow implements Querier outside of a transaction.
func (db *DB) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return db.sql.QueryRowContext(ctx, rebind(db.dialect, query), args...)
}

// rebind rewrites '?' placeholders to $n for postgres. Queries in this
// module never contain a literal '?'.
func rebind(d Dialect, query string) string {
	if d != DialectPostgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

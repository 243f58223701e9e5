// Package store provides durable persistence for workflows, events, token
// usage, profiles, settings, prompts, and graph checkpoints.
//
// The store speaks plain SQL with numeric ($1..$N) placeholders over a
// shared database/sql pool. Two backends are supported: PostgreSQL via the
// pgx driver (networked) and SQLite via modernc.org/sqlite (embedded,
// zero-dependency local mode). Schema migrations are embedded in the
// binary and applied on Open; the runner is idempotent and records applied
// versions in schema_migrations.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver for database/sql
	_ "modernc.org/sqlite"             // register pure-Go sqlite driver
)

//go:embed migrations
var migrationsFS embed.FS

// Backend identifies the storage engine.
type Backend string

// Supported backends.
const (
	BackendPostgres Backend = "postgres"
	BackendSQLite   Backend = "sqlite"
)

// Config holds store configuration.
type Config struct {
	Backend Backend
	// DSN is a pgx connection string for postgres, or a file path
	// (":memory:" allowed) for sqlite.
	DSN string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Store wraps the shared connection pool and exposes typed accessors.
type Store struct {
	db      *sql.DB
	backend Backend
}

// Open connects to the configured backend, applies pending migrations, and
// returns a ready store.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	var (
		db  *sql.DB
		err error
	)
	switch cfg.Backend {
	case BackendPostgres:
		db, err = sql.Open("pgx", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	case BackendSQLite:
		db, err = sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// Serialize all access through one connection to avoid
		// SQLITE_BUSY from concurrent writers.
		db.SetMaxOpenConns(1)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db, backend: cfg.Backend}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// DB returns the underlying pool for health checks and direct queries.
func (s *Store) DB() *sql.DB { return s.db }

// Backend returns the active storage engine.
func (s *Store) Backend() Backend { return s.backend }

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// migrate applies all pending migrations for the active backend from the
// embedded migration files. Running it again is a no-op.
func (s *Store) migrate() error {
	dir := "migrations/postgres"
	if s.backend == BackendSQLite {
		dir = "migrations/sqlite"
	}
	src, err := iofs.New(migrationsFS, dir)
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}

	var m *migrate.Migrate
	switch s.backend {
	case BackendPostgres:
		drv, err := migratepg.WithInstance(s.db, &migratepg.Config{})
		if err != nil {
			return fmt.Errorf("create postgres migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, "amelia", drv)
		if err != nil {
			return fmt.Errorf("create migrate instance: %w", err)
		}
	case BackendSQLite:
		drv, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
		if err != nil {
			return fmt.Errorf("create sqlite migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, "amelia", drv)
		if err != nil {
			return fmt.Errorf("create migrate instance: %w", err)
		}
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}

	// Close only the source driver. m.Close() would also close the database
	// driver, which closes the shared *sql.DB out from under the store.
	if err := src.Close(); err != nil {
		return fmt.Errorf("close migration source: %w", err)
	}
	return nil
}

// WithTx runs fn inside a transaction, committing on nil error and rolling
// back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// --- time encoding helpers ---
//
// Timestamps are stored as unix milliseconds so the same DDL and scan code
// serve both backends.

func encodeTime(t time.Time) int64 { return t.UTC().UnixMilli() }

func decodeTime(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func encodeTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return encodeTime(*t)
}

func decodeTimePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := decodeTime(v.Int64)
	return &t
}

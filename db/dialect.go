package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/doug-martin/goqu/v9"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"github.com/maxpert/conveyor/filter"

	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Dialect isolates everything that differs between the supported stores
type Dialect interface {
	// Name is the goqu and filter dialect name
	Name() filter.Dialect
	// DriverName is the database/sql driver to open
	DriverName() string
	// DSN completes the configured DSN with the options the store relies on
	DSN(dsn, dataDir string, busyTimeoutMS int) (string, error)
	// Schema returns idempotent DDL statements for the events table
	Schema() []string
	// TxOptions is the isolation the claim transaction runs under
	TxOptions() *sql.TxOptions
	// LockStream serializes claim transactions for one stream where supported
	LockStream(ctx context.Context, tx *sql.Tx, stream string) error
	// IsConflict reports serialization failures and unique violations
	IsConflict(err error) bool
	// ReturnsInsertID reports whether inserts use RETURNING for creation_order
	ReturnsInsertID() bool
}

// DialectFor resolves a driver name from configuration
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "", "sqlite3", "sqlite":
		return sqliteDialect{}, nil
	case "mysql":
		return mysqlDialect{}, nil
	case "postgres", "pgx":
		return postgresDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", driver)
	}
}

// Shared predicate on active claims, used by SQLite and PostgreSQL partial indexes
const activeClaimWhere = "depends_on IS NOT NULL AND status IN ('pending', 'in_progress')"

type sqliteDialect struct{}

func (sqliteDialect) Name() filter.Dialect  { return filter.SQLite }
func (sqliteDialect) DriverName() string    { return SQLiteDriverName }
func (sqliteDialect) ReturnsInsertID() bool { return false }

func (sqliteDialect) DSN(dsn, dataDir string, busyTimeoutMS int) (string, error) {
	if dsn == "" {
		dsn = "file:" + filepath.Join(dataDir, "events.db")
	}
	if strings.Contains(dsn, ":memory:") {
		return "", fmt.Errorf("in-memory sqlite cannot share state across the connection pool")
	}

	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + fmt.Sprintf("%s_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate", sep, busyTimeoutMS), nil
}

func (sqliteDialect) Schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS events (
			creation_order INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			topic TEXT NOT NULL,
			sender TEXT NOT NULL DEFAULT '',
			user_name TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL,
			depends_on TEXT,
			retries INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_topic_status ON events (topic, status, creation_order)`,
		`CREATE INDEX IF NOT EXISTS idx_events_depends_on ON events (depends_on, topic, sender, status)`,
		`CREATE INDEX IF NOT EXISTS idx_events_status_updated ON events (status, updated_at)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_events_active_claim ON events (depends_on, topic, sender) WHERE ` + activeClaimWhere,
	}
}

// BEGIN IMMEDIATE (via _txlock) already serializes writers
func (sqliteDialect) TxOptions() *sql.TxOptions { return nil }

func (sqliteDialect) LockStream(context.Context, *sql.Tx, string) error { return nil }

func (sqliteDialect) IsConflict(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code {
	case sqlite3.ErrBusy, sqlite3.ErrLocked:
		return true
	case sqlite3.ErrConstraint:
		return se.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

type mysqlDialect struct{}

func (mysqlDialect) Name() filter.Dialect  { return filter.MySQL }
func (mysqlDialect) DriverName() string    { return "mysql" }
func (mysqlDialect) ReturnsInsertID() bool { return false }

func (mysqlDialect) DSN(dsn, _ string, _ int) (string, error) {
	c, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("failed to parse mysql dsn: %w", err)
	}
	if c.Params == nil {
		c.Params = map[string]string{}
	}
	c.Params["sql_mode"] = "'STRICT_ALL_TABLES'"
	return c.FormatDSN(), nil
}

func (mysqlDialect) Schema() []string {
	// MySQL has no partial indexes; the claim transaction alone keeps one active claim per stream
	return []string{
		`CREATE TABLE IF NOT EXISTS events (
			creation_order BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
			id VARCHAR(64) NOT NULL UNIQUE,
			topic VARCHAR(255) CHARACTER SET utf8mb4 COLLATE utf8mb4_bin NOT NULL,
			sender VARCHAR(255) NOT NULL DEFAULT '',
			user_name VARCHAR(255) NOT NULL DEFAULT '',
			description TEXT NOT NULL,
			payload JSON NOT NULL,
			status VARCHAR(16) NOT NULL,
			depends_on VARCHAR(64) NULL,
			retries INT NOT NULL DEFAULT 0,
			max_retries INT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			INDEX idx_events_topic_status (topic, status, creation_order),
			INDEX idx_events_depends_on (depends_on, topic, sender, status),
			INDEX idx_events_status_updated (status, updated_at)
		) ENGINE=InnoDB`,
	}
}

func (mysqlDialect) TxOptions() *sql.TxOptions {
	return &sql.TxOptions{Isolation: sql.LevelSerializable}
}

func (mysqlDialect) LockStream(context.Context, *sql.Tx, string) error { return nil }

func (mysqlDialect) IsConflict(err error) bool {
	var me *mysql.MySQLError
	if !errors.As(err, &me) {
		return false
	}
	switch me.Number {
	case 1213, 1205, 1062: // deadlock, lock wait timeout, duplicate key
		return true
	}
	return false
}

type postgresDialect struct{}

func (postgresDialect) Name() filter.Dialect  { return filter.Postgres }
func (postgresDialect) DriverName() string    { return "pgx" }
func (postgresDialect) ReturnsInsertID() bool { return true }

func (postgresDialect) DSN(dsn, _ string, _ int) (string, error) {
	if dsn == "" {
		return "", fmt.Errorf("postgres dsn is required")
	}
	return dsn, nil
}

func (postgresDialect) Schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS events (
			creation_order BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			topic TEXT NOT NULL,
			sender TEXT NOT NULL DEFAULT '',
			user_name TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			payload JSONB NOT NULL DEFAULT '{}'::jsonb,
			status TEXT NOT NULL,
			depends_on TEXT,
			retries INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_topic_status ON events (topic, status, creation_order)`,
		`CREATE INDEX IF NOT EXISTS idx_events_depends_on ON events (depends_on, topic, sender, status)`,
		`CREATE INDEX IF NOT EXISTS idx_events_status_updated ON events (status, updated_at)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_events_active_claim ON events (depends_on, topic, sender) WHERE ` + activeClaimWhere,
	}
}

func (postgresDialect) TxOptions() *sql.TxOptions {
	return &sql.TxOptions{Isolation: sql.LevelSerializable}
}

func (postgresDialect) LockStream(ctx context.Context, tx *sql.Tx, stream string) error {
	key := int64(xxhash.Sum64String(stream))
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", key); err != nil {
		return fmt.Errorf("failed to lock stream: %w", err)
	}
	return nil
}

func (postgresDialect) IsConflict(err error) bool {
	var pe *pgconn.PgError
	if !errors.As(err, &pe) {
		return false
	}
	switch pe.Code {
	case "40001", "40P01", "23505": // serialization_failure, deadlock_detected, unique_violation
		return true
	}
	return false
}

// builder returns the goqu dialect wrapper for d
func builder(d Dialect) goqu.DialectWrapper {
	return goqu.Dialect(string(d.Name()))
}

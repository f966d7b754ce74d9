// Package storage owns the entity schema and the per-operation mutation
// executor shared by the server's apply engine and the device agent's local
// mirror, so both sides change state through one code path. Two dialects are
// supported: sqlite for on-device and single-node deployments, Postgres for
// a shared backend.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("entity not found")
)

type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// Rebind rewrites ?-style placeholders for the dialect.
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type DB struct {
	*sql.DB
	dialect Dialect
}

func (db *DB) Dialect() Dialect {
	return db.dialect
}

// Open connects to canonical or local storage. Driver is "sqlite" (dsn is a
// file path) or "postgres" (dsn is a connection string).
func Open(driver, dsn string) (*DB, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite":
		sqlDB, err := sql.Open("sqlite", fmt.Sprintf(
			"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)", dsn))
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// one writer connection: sqlite serializes writes anyway, and a
		// single connection avoids SQLITE_BUSY on concurrent upgrades
		sqlDB.SetMaxOpenConns(1)
		return &DB{DB: sqlDB, dialect: DialectSQLite}, nil
	case "postgres":
		sqlDB, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return &DB{DB: sqlDB, dialect: DialectPostgres}, nil
	default:
		return nil, fmt.Errorf("%w: unknown storage driver %q", ErrInvalidInput, driver)
	}
}

const entitySchema = `
CREATE TABLE IF NOT EXISTS items (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	sku TEXT NOT NULL DEFAULT '',
	price_cents BIGINT NOT NULL DEFAULT 0,
	quantity BIGINT NOT NULL DEFAULT 0,
	version BIGINT NOT NULL DEFAULT 1,
	deleted BIGINT NOT NULL DEFAULT 0,
	updated_at BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS parties (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	phone TEXT NOT NULL DEFAULT '',
	balance_cents BIGINT NOT NULL DEFAULT 0,
	version BIGINT NOT NULL DEFAULT 1,
	deleted BIGINT NOT NULL DEFAULT 0,
	updated_at BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS transactions (
	id TEXT PRIMARY KEY,
	party_id TEXT NOT NULL DEFAULT '',
	total_cents BIGINT NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'complete',
	lines TEXT NOT NULL DEFAULT '[]',
	version BIGINT NOT NULL DEFAULT 1,
	updated_at BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS payments (
	op_id TEXT PRIMARY KEY,
	party_id TEXT NOT NULL,
	amount_cents BIGINT NOT NULL,
	direction TEXT NOT NULL,
	note TEXT NOT NULL DEFAULT '',
	recorded_at BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS applied_ops (
	op_id TEXT PRIMARY KEY,
	device_id TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	op TEXT NOT NULL,
	applied_at BIGINT NOT NULL
);
`

const changeLogSchemaSQLite = `
CREATE TABLE IF NOT EXISTS change_log (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	op_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	op TEXT NOT NULL,
	state TEXT NOT NULL DEFAULT '{}',
	at_millis BIGINT NOT NULL
);
`

const changeLogSchemaPostgres = `
CREATE TABLE IF NOT EXISTS change_log (
	seq BIGSERIAL PRIMARY KEY,
	op_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	op TEXT NOT NULL,
	state TEXT NOT NULL DEFAULT '{}',
	at_millis BIGINT NOT NULL
);
`

const clientMetaSchema = `
CREATE TABLE IF NOT EXISTS sync_meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// MigrateServer creates the canonical-storage schema: entities, the applied
// operations ledger and the durable change log.
func (db *DB) MigrateServer(ctx context.Context) error {
	changeLog := changeLogSchemaSQLite
	if db.dialect == DialectPostgres {
		changeLog = changeLogSchemaPostgres
	}
	for _, ddl := range []string{entitySchema, changeLog} {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("migrate server schema: %w", err)
		}
	}
	return nil
}

// MigrateClient creates the device-local schema: the same entity tables, the
// local applied-op ledger for echo suppression and the watermark meta table.
func (db *DB) MigrateClient(ctx context.Context) error {
	for _, ddl := range []string{entitySchema, clientMetaSchema} {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("migrate client schema: %w", err)
		}
	}
	return nil
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// Package postgres opens a Postgres database for the snapshot store and
// history log, applying the shared schema on startup.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"contractregistry/internal/infra/persistence"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

// Dialect is the placeholder flavour of databases returned by Open.
const Dialect = persistence.DialectPostgres

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/contractregistry?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// OverrideSQLOpen swaps the sql.Open implementation, returning a restore func.
// Tests use it to route Open through a stub driver.
func OverrideSQLOpen(fn func(driverName, dsn string) (*sql.DB, error)) func() {
	openMu.Lock()
	prev := sqlOpen
	sqlOpen = fn
	openMu.Unlock()
	return func() {
		openMu.Lock()
		sqlOpen = prev
		openMu.Unlock()
	}
}

// Open connects using dsn (falls back to defaultDSN), pings, and ensures the schema exists.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	ddl, err := persistence.Schema(Dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	for _, stmt := range ddl {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply postgres schema: %w", err)
		}
	}
	return db, nil
}

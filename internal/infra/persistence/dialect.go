// Package persistence holds the SQL schema and dialect helpers shared by the
// sqlite and postgres backends of the snapshot store and history log.
package persistence

import (
	"fmt"
	"strconv"
	"strings"
)

// Dialect names a SQL flavour.
type Dialect string

const (
	// DialectSQLite uses ? placeholders.
	DialectSQLite Dialect = "sqlite"
	// DialectPostgres uses $n placeholders.
	DialectPostgres Dialect = "postgres"
)

// Table names.
const (
	SnapshotTable = "contract_snapshots"
	HistoryTable  = "migration_history"
)

// Rebind rewrites ? placeholders into the dialect's positional form.
// Queries must not contain literal question marks.
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

// Schema returns the DDL statements creating both tables, idempotently.
func Schema(d Dialect) ([]string, error) {
	var seq string
	switch d {
	case DialectSQLite:
		seq = "INTEGER PRIMARY KEY AUTOINCREMENT"
	case DialectPostgres:
		seq = "BIGSERIAL PRIMARY KEY"
	default:
		return nil, fmt.Errorf("unknown sql dialect %q", d)
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + SnapshotTable + ` (
		contract_id TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
		`CREATE TABLE IF NOT EXISTS ` + HistoryTable + ` (
		seq ` + seq + `,
		id TEXT NOT NULL,
		action TEXT NOT NULL,
		status TEXT NOT NULL,
		recorded_at TEXT NOT NULL,
		payload TEXT NOT NULL
	)`,
		`CREATE INDEX IF NOT EXISTS migration_history_id_idx ON ` + HistoryTable + ` (id)`,
	}, nil
}

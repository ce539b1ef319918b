package history

import (
	"context"
	"database/sql"
	"time"

	"contractregistry/internal/infra/persistence"
	"contractregistry/internal/migration"
)

// SQLLog stores records in the migration_history table, ordered by an
// auto-incrementing sequence column.
type SQLLog struct {
	db      *sql.DB
	dialect persistence.Dialect
}

var _ migration.HistoryLog = (*SQLLog)(nil)

// NewSQLLog wraps an opened database whose schema has been applied.
func NewSQLLog(db *sql.DB, dialect persistence.Dialect) *SQLLog {
	return &SQLLog{db: db, dialect: dialect}
}

func (l *SQLLog) Append(ctx context.Context, rec migration.Record) error {
	payload, err := migration.EncodeRecord(rec)
	if err != nil {
		return &migration.IOError{Op: "append history", Err: err}
	}
	query := `INSERT INTO ` + persistence.HistoryTable + ` (id, action, status, recorded_at, payload) VALUES (?, ?, ?, ?, ?)`
	_, err = l.db.ExecContext(ctx, l.dialect.Rebind(query),
		rec.ID, string(rec.Action), string(rec.Status), rec.Timestamp.UTC().Format(time.RFC3339Nano), string(payload))
	if err != nil {
		return &migration.IOError{Op: "insert history " + rec.ID, Err: err}
	}
	return nil
}

func (l *SQLLog) ReadAll(ctx context.Context) ([]migration.Record, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT payload FROM `+persistence.HistoryTable+` ORDER BY seq`)
	if err != nil {
		return nil, &migration.IOError{Op: "read history", Err: err}
	}
	defer func() { _ = rows.Close() }()
	records := []migration.Record{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, &migration.IOError{Op: "read history", Err: err}
		}
		rec, err := migration.DecodeRecord([]byte(payload))
		if err != nil {
			return nil, &migration.MalformedError{Kind: "history", ID: persistence.HistoryTable, Err: err}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &migration.IOError{Op: "read history", Err: err}
	}
	return records, nil
}

package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"contractregistry/internal/infra/persistence"
	"contractregistry/internal/migration"
)

// SQLStore keeps snapshot documents in the contract_snapshots table.
type SQLStore struct {
	db      *sql.DB
	dialect persistence.Dialect
	now     func() time.Time
}

var _ migration.SnapshotStore = (*SQLStore)(nil)

// NewSQLStore wraps an opened database whose schema has been applied.
func NewSQLStore(db *sql.DB, dialect persistence.Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, now: time.Now}
}

func (s *SQLStore) Load(ctx context.Context, id string) (migration.Snapshot, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		s.dialect.Rebind(`SELECT payload FROM `+persistence.SnapshotTable+` WHERE contract_id = ?`), id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return migration.Snapshot{}, &migration.NotFoundError{Kind: "snapshot", ID: id}
	}
	if err != nil {
		return migration.Snapshot{}, &migration.IOError{Op: "select snapshot " + id, Err: err}
	}
	return decode(id, []byte(payload))
}

func (s *SQLStore) Save(ctx context.Context, snap migration.Snapshot) error {
	data, err := migration.EncodeSnapshot(snap)
	if err != nil {
		return &migration.IOError{Op: "save snapshot " + snap.ContractID, Err: err}
	}
	query := `INSERT INTO ` + persistence.SnapshotTable + ` (contract_id, payload, updated_at) VALUES (?, ?, ?)
	ON CONFLICT (contract_id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`
	updated := s.now().UTC().Format(time.RFC3339Nano)
	if _, err := s.db.ExecContext(ctx, s.dialect.Rebind(query), snap.ContractID, string(data), updated); err != nil {
		return &migration.IOError{Op: "upsert snapshot " + snap.ContractID, Err: err}
	}
	return nil
}

func (s *SQLStore) Exists(ctx context.Context, id string) (bool, error) {
	rows, err := s.db.QueryContext(ctx,
		s.dialect.Rebind(`SELECT contract_id FROM `+persistence.SnapshotTable+` WHERE contract_id = ?`), id)
	if err != nil {
		return false, &migration.IOError{Op: "stat snapshot " + id, Err: err}
	}
	defer func() { _ = rows.Close() }()
	found := rows.Next()
	if err := rows.Err(); err != nil {
		return false, &migration.IOError{Op: "stat snapshot " + id, Err: err}
	}
	return found, nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx,
		s.dialect.Rebind(`DELETE FROM `+persistence.SnapshotTable+` WHERE contract_id = ?`), id); err != nil {
		return &migration.IOError{Op: "delete snapshot " + id, Err: err}
	}
	return nil
}

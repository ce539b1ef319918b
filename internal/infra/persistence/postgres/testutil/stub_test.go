package testutil

import (
	"context"
	"testing"
)

func TestStubDBUpsertSelectDelete(t *testing.T) {
	ctx := context.Background()
	db, conn := NewStubDB()
	defer func() { _ = db.Close() }()

	upsert := "INSERT INTO contract_snapshots (contract_id, payload) VALUES ($1, $2) ON CONFLICT (contract_id) DO UPDATE SET payload = excluded.payload"
	for _, payload := range []string{"one", "two"} {
		if _, err := db.ExecContext(ctx, upsert, "c1", payload); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	if _, err := db.ExecContext(ctx, upsert, "c2", "other"); err != nil {
		t.Fatalf("upsert c2: %v", err)
	}
	if rows := conn.Rows("contract_snapshots"); len(rows) != 2 {
		t.Fatalf("expected two rows after upsert, got %v", rows)
	}

	var payload string
	if err := db.QueryRowContext(ctx, "SELECT payload FROM contract_snapshots WHERE contract_id = $1", "c1").Scan(&payload); err != nil {
		t.Fatalf("select: %v", err)
	}
	if payload != "two" {
		t.Fatalf("expected latest payload, got %q", payload)
	}

	res, err := db.ExecContext(ctx, "DELETE FROM contract_snapshots WHERE contract_id = $1", "c1")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		t.Fatalf("expected one row deleted, got %d", n)
	}
	rows, err := db.QueryContext(ctx, "SELECT contract_id FROM contract_snapshots ORDER BY contract_id")
	if err != nil {
		t.Fatalf("select all: %v", err)
	}
	defer func() { _ = rows.Close() }()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			t.Fatalf("scan: %v", err)
		}
		ids = append(ids, id)
	}
	if len(ids) != 1 || ids[0] != "c2" {
		t.Fatalf("unexpected remaining ids %v", ids)
	}
}

func TestStubFailures(t *testing.T) {
	ctx := context.Background()
	db, conn := NewStubDB()
	defer func() { _ = db.Close() }()
	conn.FailPing = true
	if err := db.PingContext(ctx); err == nil {
		t.Fatalf("expected ping failure")
	}
	conn.FailTables = map[string]bool{"migration_history": true}
	if _, err := db.QueryContext(ctx, "SELECT payload FROM migration_history ORDER BY seq"); err == nil {
		t.Fatalf("expected query failure")
	}
	if _, err := db.QueryContext(ctx, "UPDATE x SET y = 1"); err == nil {
		t.Fatalf("expected parse failure")
	}
}

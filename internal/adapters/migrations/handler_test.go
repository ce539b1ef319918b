package migrations

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"contractregistry/internal/blob"
	"contractregistry/internal/history"
	"contractregistry/internal/idgen"
	"contractregistry/internal/migration"
	"contractregistry/internal/observability"
	"contractregistry/internal/snapshot"
)

type fixture struct {
	handler   *Handler
	snapshots *snapshot.BlobStore
	history   *history.MemoryLog
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	snaps := snapshot.NewBlobStore(blob.NewMemory())
	hist := history.NewMemoryLog()
	recorder := observability.NewPrometheusRecorder()
	svc := migration.NewService(snaps, hist,
		migration.WithMetrics(recorder),
		migration.WithIDGenerator(idgen.Sequential("mig")),
		migration.WithClock(func() time.Time { return time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC) }),
	)
	ctx := context.Background()
	seed := []migration.Snapshot{
		{
			ContractID: "token-v1",
			Schema:     map[string]string{"owner": "string", "balance": "number"},
			State:      map[string]any{"owner": "alice", "balance": json.Number("3")},
		},
		{
			ContractID: "token-v2",
			Schema:     map[string]string{"owner": "string", "balance": "string", "nonce": "integer"},
			State:      map[string]any{},
		},
		{
			ContractID: "token-v3",
			Schema:     map[string]string{"owner": "string"},
			State:      map[string]any{},
		},
	}
	for _, s := range seed {
		if err := snaps.Save(ctx, s); err != nil {
			t.Fatalf("seed %s: %v", s.ContractID, err)
		}
	}
	return fixture{handler: NewHandler(svc, recorder.Handler(), nil), snapshots: snaps, history: hist}
}

func (f fixture) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	var payload map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
			t.Fatalf("decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, payload
}

func TestAnalyzeEndpoint(t *testing.T) {
	f := newFixture(t)
	rec, body := f.do(t, http.MethodGet, "/api/v1/migrations/analyze?old=token-v1&new=token-v2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	diff := body["diff"].(map[string]any)
	if added := diff["added_fields"].([]any); len(added) != 1 || added[0] != "nonce" {
		t.Fatalf("unexpected diff %v", diff)
	}

	rec, _ = f.do(t, http.MethodGet, "/api/v1/migrations/analyze?old=token-v1", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without new, got %d", rec.Code)
	}
	rec, body = f.do(t, http.MethodGet, "/api/v1/migrations/analyze?old=token-v1&new=missing", nil)
	if rec.Code != http.StatusNotFound || !strings.Contains(body["error"].(string), "missing") {
		t.Fatalf("expected 404 naming the id, got %d %v", rec.Code, body)
	}
}

func TestPreviewEndpointRecordsHistory(t *testing.T) {
	f := newFixture(t)
	rec, body := f.do(t, http.MethodPost, "/api/v1/migrations/preview", pairRequest{OldID: "token-v1", NewID: "token-v2"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if body["record_id"] != "mig-1" {
		t.Fatalf("unexpected record id %v", body["record_id"])
	}
	migrated := body["migrated_state"].(map[string]any)
	if migrated["balance"] != "3" || migrated["nonce"] != float64(0) {
		t.Fatalf("unexpected migrated state %v", migrated)
	}
	records, _ := f.history.ReadAll(context.Background())
	if len(records) != 1 || records[0].Action != migration.ActionPreview {
		t.Fatalf("preview should append one record, got %+v", records)
	}
}

func TestValidateEndpoint(t *testing.T) {
	f := newFixture(t)
	rec, body := f.do(t, http.MethodPost, "/api/v1/migrations/validate", pairRequest{OldID: "token-v1", NewID: "token-v2"})
	if rec.Code != http.StatusOK || body["valid"] != true {
		t.Fatalf("expected valid pair, got %d %v", rec.Code, body)
	}
	rec, body = f.do(t, http.MethodPost, "/api/v1/migrations/validate", pairRequest{OldID: "token-v1", NewID: "token-v3"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	issues := body["issues"].([]any)
	if len(issues) != 1 || !strings.Contains(issues[0].(string), "'balance'") {
		t.Fatalf("unexpected issues %v", issues)
	}
}

func TestApplyAndRollbackEndpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec, body := f.do(t, http.MethodPost, "/api/v1/migrations/apply", pairRequest{OldID: "token-v1", NewID: "token-v2"})
	if rec.Code != http.StatusOK {
		t.Fatalf("apply status %d: %s", rec.Code, rec.Body.String())
	}
	id := body["migration"].(map[string]any)["id"].(string)
	applied, err := f.snapshots.Load(ctx, "token-v2")
	if err != nil || applied.State["owner"] != "alice" {
		t.Fatalf("apply not persisted: %+v %v", applied, err)
	}

	rec, _ = f.do(t, http.MethodPost, "/api/v1/migrations/apply", pairRequest{OldID: "token-v1", NewID: "token-v3"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected blocked apply to return 409, got %d", rec.Code)
	}

	rec, body = f.do(t, http.MethodPost, "/api/v1/migrations/rollback", rollbackRequest{MigrationID: id})
	if rec.Code != http.StatusOK {
		t.Fatalf("rollback status %d: %s", rec.Code, rec.Body.String())
	}
	if body["migration"].(map[string]any)["action"] != "rollback" {
		t.Fatalf("unexpected rollback record %v", body)
	}
	restored, err := f.snapshots.Load(ctx, "token-v2")
	if err != nil || len(restored.State) != 0 {
		t.Fatalf("rollback did not restore: %+v %v", restored, err)
	}

	rec, _ = f.do(t, http.MethodPost, "/api/v1/migrations/rollback", rollbackRequest{MigrationID: "nope"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown migration, got %d", rec.Code)
	}
	rec, _ = f.do(t, http.MethodPost, "/api/v1/migrations/rollback", "{}")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without id, got %d", rec.Code)
	}
}

func TestTemplateEndpoint(t *testing.T) {
	f := newFixture(t)
	rec, body := f.do(t, http.MethodPost, "/api/v1/migrations/templates",
		templateRequest{OldID: "token-v1", NewID: "token-v2", Language: "js"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	tmpl := body["template"].(map[string]any)
	if tmpl["filename"] != "migration_token_v1_to_token_v2.js" || !strings.Contains(tmpl["source"].(string), "migrateState") {
		t.Fatalf("unexpected template %v", tmpl)
	}

	rec, body = f.do(t, http.MethodPost, "/api/v1/migrations/templates",
		templateRequest{OldID: "token-v1", NewID: "token-v2", Language: "cobol"})
	if rec.Code != http.StatusBadRequest || body["supported"] == nil {
		t.Fatalf("expected 400 with supported list, got %d %v", rec.Code, body)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.do(t, http.MethodPost, "/api/v1/migrations/preview", pairRequest{OldID: "token-v1", NewID: "token-v2"})
	}
	rec, body := f.do(t, http.MethodGet, "/api/v1/migrations/history?limit=2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	list := body["migrations"].([]any)
	if len(list) != 2 || list[0].(map[string]any)["id"] != "mig-3" {
		t.Fatalf("expected newest two records, got %v", list)
	}
	rec, _ = f.do(t, http.MethodGet, "/api/v1/migrations/history?limit=abc", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}
}

func TestMalformedSnapshotIs422(t *testing.T) {
	f := newFixture(t)
	blobs := blob.NewMemory()
	if _, err := blobs.Put(context.Background(), "contracts/bad.json", strings.NewReader("{"), blob.PutOptions{}); err != nil {
		t.Fatal(err)
	}
	svc := migration.NewService(snapshot.NewBlobStore(blobs), history.NewMemoryLog())
	f.handler = NewHandler(svc, nil, nil)
	rec, _ := f.do(t, http.MethodPost, "/api/v1/migrations/preview", pairRequest{OldID: "bad", NewID: "bad"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	rec, _ = f.do(t, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusNotFound && rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("metrics should not be served without a handler, got %d", rec.Code)
	}
}

func TestBadPayloadAndMetrics(t *testing.T) {
	f := newFixture(t)
	rec, _ := f.do(t, http.MethodPost, "/api/v1/migrations/apply", "not json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	rec, _ = f.do(t, http.MethodPost, "/api/v1/migrations/preview", pairRequest{OldID: "token-v1"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing new_id, got %d", rec.Code)
	}
	f.do(t, http.MethodGet, "/api/v1/migrations/analyze?old=token-v1&new=token-v2", nil)
	rec, _ = f.do(t, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `contractreg_migration_operations_total{operation="analyze",status="success"} 1`) {
		t.Fatalf("metrics missing analyze counter:\n%s", rec.Body.String())
	}
	rec, body := f.do(t, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("unexpected health response %d %v", rec.Code, body)
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		&migration.NotFoundError{Kind: "snapshot", ID: "x"}: http.StatusNotFound,
		&migration.MalformedError{Kind: "snapshot", ID: "x"}: http.StatusUnprocessableEntity,
		&migration.ValidationError{Issues: []string{"x"}}:    http.StatusConflict,
		&migration.UnsupportedLanguageError{Language: "x"}:   http.StatusBadRequest,
		&migration.IOError{Op: "x", Err: context.Canceled}:   http.StatusInternalServerError,
	}
	for err, want := range cases {
		if got := statusFor(err); got != want {
			t.Fatalf("statusFor(%v) = %d, want %d", err, got, want)
		}
	}
}

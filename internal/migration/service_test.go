package migration

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"contractregistry/internal/idgen"
)

func newTestService(t *testing.T, opts ...Option) (*Service, *memSnapshots, *memHistory) {
	t.Helper()
	snaps := newMemSnapshots()
	hist := &memHistory{}
	base := []Option{WithClock(fixedClock), WithIDGenerator(idgen.Sequential("mig"))}
	return NewService(snaps, hist, append(base, opts...)...), snaps, hist
}

func seedTokenUpgrade(snaps *memSnapshots) {
	old, updated := tokenUpgrade()
	updated.Version = "2.0.0"
	updated.State = map[string]any{"owner": "stale"}
	snaps.put(old.ContractID, old)
	snaps.put(updated.ContractID, updated)
}

func TestServiceAnalyzeDoesNotRecord(t *testing.T) {
	svc, snaps, hist := newTestService(t)
	seedTokenUpgrade(snaps)
	diff, err := svc.Analyze(context.Background(), "token-v1", "token-v2")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if !reflect.DeepEqual(diff.AddedFields, []string{"nonce"}) {
		t.Fatalf("unexpected diff %+v", diff)
	}
	if hist.len() != 0 {
		t.Fatalf("analyze must not write history")
	}
}

func TestServiceMissingSnapshot(t *testing.T) {
	svc, snaps, hist := newTestService(t)
	seedTokenUpgrade(snaps)
	_, err := svc.Preview(context.Background(), "token-v1", "nope")
	var nf *NotFoundError
	if !errors.As(err, &nf) || nf.ID != "nope" || !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for nope, got %v", err)
	}
	if hist.len() != 0 {
		t.Fatalf("failed preview must not write history")
	}
}

func TestServiceMalformedSnapshot(t *testing.T) {
	svc, snaps, _ := newTestService(t)
	seedTokenUpgrade(snaps)
	snaps.docs["token-v2"] = []byte("{not json")
	if _, err := svc.Validate(context.Background(), "token-v1", "token-v2"); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected malformed, got %v", err)
	}
}

func TestServicePreviewRecordsWithoutMutating(t *testing.T) {
	svc, snaps, hist := newTestService(t)
	seedTokenUpgrade(snaps)
	before, _ := snaps.raw("token-v2")

	preview, err := svc.Preview(context.Background(), "token-v1", "token-v2")
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if preview.RecordID != "mig-1" {
		t.Fatalf("unexpected record id %q", preview.RecordID)
	}
	if len(preview.Issues) != 0 || len(preview.Warnings) != 1 {
		t.Fatalf("unexpected preview %+v", preview)
	}
	if preview.Migrated["balance"] != "3" {
		t.Fatalf("unexpected migrated state %#v", preview.Migrated)
	}
	after, _ := snaps.raw("token-v2")
	if before != after || snaps.saves != 0 {
		t.Fatalf("preview must not modify snapshots")
	}

	records, _ := hist.ReadAll(context.Background())
	if len(records) != 1 {
		t.Fatalf("expected one preview record, got %d", len(records))
	}
	r := records[0]
	if r.Action != ActionPreview || r.Status != StatusSuccess || r.OldID != "token-v1" || r.NewID != "token-v2" {
		t.Fatalf("unexpected preview record %+v", r)
	}
	if !r.Timestamp.Equal(fixedClock()) || r.Diff == nil || len(r.Warnings) != 1 {
		t.Fatalf("unexpected preview record details %+v", r)
	}
	if r.BackupOldSnapshot != nil || r.BackupNewSnapshot != nil {
		t.Fatalf("preview must not carry backups")
	}
}

func TestServicePreviewCombinesIssuesAndWarnings(t *testing.T) {
	svc, snaps, hist := newTestService(t)
	snaps.put("a", Snapshot{ContractID: "a", Schema: map[string]string{"legacy": "string"}, State: map[string]any{"legacy": "x"}})
	snaps.put("b", Snapshot{ContractID: "b", Schema: map[string]string{}})
	preview, err := svc.Preview(context.Background(), "a", "b")
	if err != nil {
		t.Fatalf("preview should succeed despite issues: %v", err)
	}
	records, _ := hist.ReadAll(context.Background())
	if len(preview.Issues) != 1 || len(preview.Warnings) != 1 || len(records[0].Warnings) != 2 {
		t.Fatalf("expected issues followed by warnings, got %+v / %v", preview, records[0].Warnings)
	}
	if !strings.Contains(records[0].Warnings[0], "currently contains data") {
		t.Fatalf("issues should come first: %v", records[0].Warnings)
	}
}

func TestServiceValidate(t *testing.T) {
	svc, snaps, hist := newTestService(t)
	seedTokenUpgrade(snaps)
	issues, err := svc.Validate(context.Background(), "token-v1", "token-v2")
	if err != nil || len(issues) != 0 {
		t.Fatalf("expected clean validation, got %v %v", issues, err)
	}

	snaps.put("legacy-v1", Snapshot{ContractID: "legacy-v1",
		Schema: map[string]string{"legacy": "string"}, State: map[string]any{"legacy": "x"}})
	issues, err = svc.Validate(context.Background(), "legacy-v1", "token-v2")
	var verr *ValidationError
	if !errors.As(err, &verr) || !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if !reflect.DeepEqual(verr.Issues, issues) || len(issues) != 1 {
		t.Fatalf("error must carry the full issue list: %v vs %v", verr.Issues, issues)
	}
	if hist.len() != 0 || snaps.saves != 0 {
		t.Fatalf("validate must not persist")
	}
}

func TestApplyBlockedByDataLossWritesNothing(t *testing.T) {
	svc, snaps, hist := newTestService(t)
	snaps.put("v1", Snapshot{ContractID: "v1",
		Schema: map[string]string{"owner": "string", "legacy": "string"},
		State:  map[string]any{"owner": "alice", "legacy": "x"}})
	snaps.put("v2", Snapshot{ContractID: "v2", Schema: map[string]string{"owner": "string"}})
	before, _ := snaps.raw("v2")

	_, err := svc.Apply(context.Background(), "v1", "v2")
	if !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("expected validation failure, got %v", err)
	}
	after, _ := snaps.raw("v2")
	if snaps.saves != 0 || snaps.deletes != 0 || hist.len() != 0 || before != after {
		t.Fatalf("blocked apply must not persist anything")
	}
}

func TestServiceApplyAndRollbackRoundTrip(t *testing.T) {
	svc, snaps, hist := newTestService(t)
	seedTokenUpgrade(snaps)
	oldBefore, _ := snaps.raw("token-v1")
	newBefore, _ := snaps.raw("token-v2")

	rec, err := svc.Apply(context.Background(), "token-v1", "token-v2")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if rec.ID != "mig-1" || rec.Action != ActionApply || rec.NewID != "token-v2" || rec.OldID != "token-v1" {
		t.Fatalf("unexpected apply record %+v", rec)
	}
	if rec.BackupOldSnapshot == nil || rec.BackupNewSnapshot == nil {
		t.Fatalf("apply record must carry both backups")
	}

	applied, err := snaps.Load(context.Background(), "token-v2")
	if err != nil {
		t.Fatalf("load migrated: %v", err)
	}
	wantState := map[string]any{"owner": "alice", "balance": "3", "nonce": num("0")}
	if !reflect.DeepEqual(applied.State, wantState) {
		t.Fatalf("migrated state = %#v", applied.State)
	}
	if applied.Version != "2.0.0" || applied.Schema["nonce"] != "integer" {
		t.Fatalf("apply must keep the declared schema and version: %+v", applied)
	}

	rb, err := svc.Rollback(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if rb.Action != ActionRollback || len(rb.Warnings) != 1 || rb.Warnings[0] != "Rolled back migration mig-1" {
		t.Fatalf("unexpected rollback record %+v", rb)
	}
	oldAfter, _ := snaps.raw("token-v1")
	newAfter, _ := snaps.raw("token-v2")
	if oldAfter != oldBefore {
		t.Fatalf("old snapshot changed:\n%s\nvs\n%s", oldBefore, oldAfter)
	}
	if newAfter != newBefore {
		t.Fatalf("new snapshot not restored:\n%s\nvs\n%s", newBefore, newAfter)
	}
	if hist.len() != 2 {
		t.Fatalf("expected apply and rollback records, got %d", hist.len())
	}
}

func TestRollbackDeletesTargetCreatedByApply(t *testing.T) {
	svc, snaps, _ := newTestService(t)
	old, updated := tokenUpgrade()
	snaps.put("token-v1", old)
	// The declaration is published under its own key; the target contract has no stored snapshot yet.
	snaps.put("token-v2.decl", updated)

	rec, err := svc.Apply(context.Background(), "token-v1", "token-v2.decl")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if rec.NewID != "token-v2" || rec.BackupNewSnapshot != nil {
		t.Fatalf("expected no prior target backup, got %+v", rec)
	}
	if ok, _ := snaps.Exists(context.Background(), "token-v2"); !ok {
		t.Fatalf("apply should create the target snapshot")
	}
	if _, err := svc.Rollback(context.Background(), rec.ID); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if ok, _ := snaps.Exists(context.Background(), "token-v2"); ok {
		t.Fatalf("rollback must delete a target that did not exist before apply")
	}
	if ok, _ := snaps.Exists(context.Background(), "token-v2.decl"); !ok {
		t.Fatalf("declaration document must be untouched")
	}
}

func TestServiceApplyIsIdempotent(t *testing.T) {
	svc, snaps, _ := newTestService(t)
	seedTokenUpgrade(snaps)
	first, err := svc.Apply(context.Background(), "token-v1", "token-v2")
	if err != nil {
		t.Fatalf("first apply: %v", err)
	}
	firstState, _ := snaps.raw("token-v2")
	second, err := svc.Apply(context.Background(), "token-v1", "token-v2")
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	secondState, _ := snaps.raw("token-v2")
	if firstState != secondState {
		t.Fatalf("re-applying changed the migrated state")
	}
	if first.ID == second.ID || !reflect.DeepEqual(first.AfterState, second.AfterState) {
		t.Fatalf("records should differ only in id: %+v vs %+v", first, second)
	}
}

func TestServiceRollbackErrors(t *testing.T) {
	svc, snaps, hist := newTestService(t)
	seedTokenUpgrade(snaps)
	if _, err := svc.Rollback(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	preview, err := svc.Preview(context.Background(), "token-v1", "token-v2")
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if _, err := svc.Rollback(context.Background(), preview.RecordID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("preview records are not rollback targets, got %v", err)
	}

	if err := hist.Append(context.Background(), Record{ID: "broken", Action: ActionApply, Status: StatusSuccess, NewID: "token-v2"}); err != nil {
		t.Fatalf("seed record: %v", err)
	}
	if _, err := svc.Rollback(context.Background(), "broken"); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected malformed for missing backup, got %v", err)
	}
	if snaps.saves != 0 || snaps.deletes != 0 {
		t.Fatalf("failed rollback must not persist")
	}
}

func TestServiceApplyRestoresOnHistoryFailure(t *testing.T) {
	svc, snaps, hist := newTestService(t)
	seedTokenUpgrade(snaps)
	before, _ := snaps.raw("token-v2")
	hist.appendErr = errDisk

	_, err := svc.Apply(context.Background(), "token-v1", "token-v2")
	var ioErr *IOError
	if !errors.As(err, &ioErr) || !errors.Is(err, errDisk) {
		t.Fatalf("expected io error wrapping disk failure, got %v", err)
	}
	after, _ := snaps.raw("token-v2")
	if before != after {
		t.Fatalf("target snapshot should be restored after failed append")
	}
}

func TestServiceRollbackRestoresOnHistoryFailure(t *testing.T) {
	svc, snaps, hist := newTestService(t)
	seedTokenUpgrade(snaps)
	rec, err := svc.Apply(context.Background(), "token-v1", "token-v2")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	applied, _ := snaps.raw("token-v2")
	hist.appendErr = errDisk

	if _, err := svc.Rollback(context.Background(), rec.ID); !errors.Is(err, ErrIO) || !errors.Is(err, errDisk) {
		t.Fatalf("expected io error wrapping disk failure, got %v", err)
	}
	after, _ := snaps.raw("token-v2")
	if after != applied {
		t.Fatalf("migrated state should be put back after failed append:\n%s\nvs\n%s", applied, after)
	}
	if hist.len() != 1 {
		t.Fatalf("only the apply record should exist, got %d", hist.len())
	}
}

func TestServiceBlankContractIDFallsBackToKey(t *testing.T) {
	svc, snaps, _ := newTestService(t)
	old, updated := tokenUpgrade()
	updated.ContractID = "   "
	snaps.put("token-v1", old)
	snaps.put("token-v2", updated)

	rec, err := svc.Apply(context.Background(), "token-v1", "token-v2")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if rec.NewID != "token-v2" {
		t.Fatalf("expected lookup key as target, got %q", rec.NewID)
	}
	if _, ok := snaps.raw("   "); ok {
		t.Fatalf("no snapshot may be stored under a blank id")
	}
}

func TestServiceApplySaveFailure(t *testing.T) {
	svc, snaps, hist := newTestService(t)
	seedTokenUpgrade(snaps)
	snaps.saveErr = errDisk
	if _, err := svc.Apply(context.Background(), "token-v1", "token-v2"); !errors.Is(err, ErrIO) {
		t.Fatalf("expected io failure, got %v", err)
	}
	if hist.len() != 0 {
		t.Fatalf("no history should be written when the save fails")
	}
}

func TestServiceHistoryNewestFirst(t *testing.T) {
	svc, snaps, _ := newTestService(t)
	seedTokenUpgrade(snaps)
	for i := 0; i < 3; i++ {
		if _, err := svc.Preview(context.Background(), "token-v1", "token-v2"); err != nil {
			t.Fatalf("preview %d: %v", i, err)
		}
	}
	records, err := svc.History(context.Background(), 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(records) != 2 || records[0].ID != "mig-3" || records[1].ID != "mig-2" {
		t.Fatalf("unexpected history order %+v", records)
	}
	all, _ := svc.History(context.Background(), 0)
	if len(all) != 3 {
		t.Fatalf("limit 0 should return everything, got %d", len(all))
	}
}

func TestServiceGenerateTemplate(t *testing.T) {
	svc, snaps, hist := newTestService(t)
	seedTokenUpgrade(snaps)
	dir := t.TempDir()
	target := filepath.Join(dir, "nested", "m.js")
	path, err := svc.GenerateTemplate(context.Background(), "token-v1", "token-v2", "JavaScript", target)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if path != target {
		t.Fatalf("unexpected path %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read template: %v", err)
	}
	if !strings.Contains(string(data), "module.exports = { migrateState };") {
		t.Fatalf("unexpected template:\n%s", data)
	}
	if _, err := svc.GenerateTemplate(context.Background(), "token-v1", "token-v2", "cobol", ""); !errors.Is(err, ErrUnsupportedLanguage) {
		t.Fatalf("expected unsupported language, got %v", err)
	}
	if hist.len() != 0 || snaps.saves != 0 {
		t.Fatalf("template generation must not touch stores")
	}
}

func TestServiceGenerateTemplateDefaultPath(t *testing.T) {
	svc, snaps, _ := newTestService(t)
	seedTokenUpgrade(snaps)
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	path, err := svc.GenerateTemplate(context.Background(), "token-v1", "token-v2", "rs", "")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if path != "migration_token_v1_to_token_v2.rs" {
		t.Fatalf("unexpected default path %s", path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("template not written: %v", err)
	}
}

func TestServiceObservesOperations(t *testing.T) {
	metrics := &captureMetrics{}
	tracer := &captureTracer{}
	svc, snaps, _ := newTestService(t, WithMetrics(metrics), WithTracer(tracer), WithLogger(nil))
	seedTokenUpgrade(snaps)
	_, _ = svc.Analyze(context.Background(), "token-v1", "token-v2")
	_, _ = svc.Rollback(context.Background(), "nope")

	want := []string{"analyze:success", "rollback:error"}
	if !reflect.DeepEqual(metrics.seen, want) {
		t.Fatalf("metrics = %v", metrics.seen)
	}
	if len(tracer.ended) != 2 || tracer.ended[0] != "analyze" || !strings.HasPrefix(tracer.ended[1], "rollback:") {
		t.Fatalf("spans = %v", tracer.ended)
	}
}

package migration

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"contractregistry/internal/idgen"
)

// SnapshotStore persists one snapshot document per contract id.
// Load returns *NotFoundError when the id is unknown and *MalformedError when
// the stored document cannot be parsed. Delete of a missing id is not an error.
type SnapshotStore interface {
	Load(ctx context.Context, id string) (Snapshot, error)
	Save(ctx context.Context, snapshot Snapshot) error
	Exists(ctx context.Context, id string) (bool, error)
	Delete(ctx context.Context, id string) error
}

// HistoryLog is the append-only audit trail. ReadAll returns records oldest first.
type HistoryLog interface {
	Append(ctx context.Context, record Record) error
	ReadAll(ctx context.Context) ([]Record, error)
}

// Preview is the outcome of a dry run together with the id of the preview record.
type Preview struct {
	RecordID string         `json:"record_id"`
	Diff     SchemaDiff     `json:"diff"`
	Issues   []string       `json:"issues"`
	Migrated map[string]any `json:"migrated_state"`
	Warnings []string       `json:"warnings"`
}

// Service orchestrates previews, applies and rollbacks against the two stores.
// Every operation reads first and writes last; a failure before the write phase
// leaves the stores untouched.
type Service struct {
	snapshots SnapshotStore
	history   HistoryLog
	logger    *slog.Logger
	metrics   MetricsRecorder
	tracer    Tracer
	now       func() time.Time
	newID     idgen.Generator
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the structured logger. A nil logger is ignored.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(recorder MetricsRecorder) Option {
	return func(s *Service) {
		if recorder != nil {
			s.metrics = recorder
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(tracer Tracer) Option {
	return func(s *Service) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithClock overrides the timestamp source for records.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator overrides the record id strategy.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(s *Service) {
		if gen != nil {
			s.newID = gen
		}
	}
}

// NewService constructs a Service over the supplied stores.
func NewService(snapshots SnapshotStore, history HistoryLog, opts ...Option) *Service {
	s := &Service{
		snapshots: snapshots,
		history:   history,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		metrics:   noopMetrics{},
		tracer:    noopTracer{},
		now:       time.Now,
		newID:     idgen.Default,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Analyze returns the schema diff between two contracts without writing anything.
func (s *Service) Analyze(ctx context.Context, oldID, newID string) (SchemaDiff, error) {
	var diff SchemaDiff
	err := s.observe(ctx, OpAnalyze, func(ctx context.Context) error {
		old, updated, err := s.loadPair(ctx, oldID, newID)
		if err != nil {
			return err
		}
		diff = Diff(old, updated)
		return nil
	})
	return diff, err
}

// Validate returns the validation issues for a pair. When any exist the error is a
// *ValidationError carrying the same list.
func (s *Service) Validate(ctx context.Context, oldID, newID string) ([]string, error) {
	var issues []string
	err := s.observe(ctx, OpValidate, func(ctx context.Context) error {
		old, updated, err := s.loadPair(ctx, oldID, newID)
		if err != nil {
			return err
		}
		issues = Validate(old, updated, Diff(old, updated))
		s.logger.DebugContext(ctx, "migration validated",
			slog.String("old_id", oldID), slog.String("new_id", newID), slog.Int("issues", len(issues)))
		if len(issues) > 0 {
			return &ValidationError{Issues: issues}
		}
		return nil
	})
	return issues, err
}

// Preview computes the diff, issues and dry-run state and records a preview entry.
// Snapshots are never modified.
func (s *Service) Preview(ctx context.Context, oldID, newID string) (Preview, error) {
	var out Preview
	err := s.observe(ctx, OpPreview, func(ctx context.Context) error {
		old, updated, err := s.loadPair(ctx, oldID, newID)
		if err != nil {
			return err
		}
		diff := Diff(old, updated)
		issues := Validate(old, updated, diff)
		migrated, warnings := DryRun(old, updated, diff)

		combined := make([]string, 0, len(issues)+len(warnings))
		combined = append(combined, issues...)
		combined = append(combined, warnings...)
		record := Record{
			ID:          s.newID(),
			Action:      ActionPreview,
			Timestamp:   s.now().UTC(),
			Status:      StatusSuccess,
			OldID:       oldID,
			NewID:       newID,
			Diff:        &diff,
			Warnings:    combined,
			BeforeState: cloneState(old.State),
			AfterState:  migrated,
		}
		if err := s.append(ctx, record); err != nil {
			return err
		}
		out = Preview{RecordID: record.ID, Diff: diff, Issues: issues, Migrated: migrated, Warnings: warnings}
		s.logger.DebugContext(ctx, "migration previewed",
			slog.String("migration_id", record.ID), slog.String("old_id", oldID), slog.String("new_id", newID),
			slog.Int("issues", len(issues)), slog.Int("warnings", len(warnings)))
		return nil
	})
	return out, err
}

// Apply migrates the old contract's state onto the new contract's schema and
// persists it, recording the backups needed by Rollback. Any validation issue
// aborts the operation before anything is written.
func (s *Service) Apply(ctx context.Context, oldID, newID string) (Record, error) {
	var record Record
	err := s.observe(ctx, OpApply, func(ctx context.Context) error {
		old, updated, err := s.loadPair(ctx, oldID, newID)
		if err != nil {
			return err
		}
		diff := Diff(old, updated)
		if issues := Validate(old, updated, diff); len(issues) > 0 {
			s.logger.WarnContext(ctx, "migration apply blocked",
				slog.String("old_id", oldID), slog.String("new_id", newID), slog.Int("issues", len(issues)))
			return &ValidationError{Issues: issues}
		}
		migrated, warnings := DryRun(old, updated, diff)

		target := updated.ContractID
		backupNew, err := s.currentSnapshot(ctx, target)
		if err != nil {
			return err
		}

		record = Record{
			ID:                s.newID(),
			Action:            ActionApply,
			Timestamp:         s.now().UTC(),
			Status:            StatusSuccess,
			OldID:             oldID,
			NewID:             target,
			Diff:              &diff,
			Warnings:          warnings,
			BeforeState:       cloneState(old.State),
			AfterState:        migrated,
			BackupOldSnapshot: &old,
			BackupNewSnapshot: backupNew,
		}

		next := CloneSnapshot(updated)
		next.State = cloneState(migrated)
		if err := s.snapshots.Save(ctx, next); err != nil {
			return wrapIO("save migrated snapshot", err)
		}
		if err := s.append(ctx, record); err != nil {
			s.restore(ctx, target, backupNew)
			return err
		}
		s.logger.InfoContext(ctx, "migration applied",
			slog.String("migration_id", record.ID), slog.String("old_id", oldID), slog.String("new_id", target),
			slog.Int("warnings", len(warnings)))
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	return record, nil
}

// Rollback reverses a successful apply using the backups stored on its record.
func (s *Service) Rollback(ctx context.Context, migrationID string) (Record, error) {
	var record Record
	err := s.observe(ctx, OpRollback, func(ctx context.Context) error {
		records, err := s.history.ReadAll(ctx)
		if err != nil {
			return wrapIO("read migration history", err)
		}
		applied, ok := findApplied(records, migrationID)
		if !ok {
			return &NotFoundError{Kind: "migration", ID: migrationID}
		}
		if applied.BackupOldSnapshot == nil {
			return &MalformedError{Kind: "migration", ID: migrationID, Err: errors.New("missing backup_old_snapshot")}
		}

		target := applied.NewID
		if target == "" && applied.BackupNewSnapshot != nil {
			target = applied.BackupNewSnapshot.ContractID
		}
		afterState := map[string]any{}
		if applied.BackupNewSnapshot != nil {
			afterState = cloneState(applied.BackupNewSnapshot.State)
		}
		record = Record{
			ID:          s.newID(),
			Action:      ActionRollback,
			Timestamp:   s.now().UTC(),
			Status:      StatusSuccess,
			OldID:       applied.OldID,
			NewID:       target,
			Warnings:    []string{"Rolled back migration " + migrationID},
			BeforeState: cloneState(applied.AfterState),
			AfterState:  afterState,
		}

		oldKey := applied.BackupOldSnapshot.ContractID
		priorOld, err := s.currentSnapshot(ctx, oldKey)
		if err != nil {
			return err
		}
		var priorTarget *Snapshot
		if target != "" && target != oldKey {
			if priorTarget, err = s.currentSnapshot(ctx, target); err != nil {
				return err
			}
		}

		if err := s.snapshots.Save(ctx, *applied.BackupOldSnapshot); err != nil {
			return wrapIO("restore old snapshot", err)
		}
		if applied.BackupNewSnapshot != nil {
			if err := s.snapshots.Save(ctx, *applied.BackupNewSnapshot); err != nil {
				return wrapIO("restore new snapshot", err)
			}
		} else if target != "" {
			if err := s.snapshots.Delete(ctx, target); err != nil {
				return wrapIO("delete migrated snapshot", err)
			}
		}
		if err := s.append(ctx, record); err != nil {
			s.restore(ctx, oldKey, priorOld)
			if target != "" && target != oldKey {
				s.restore(ctx, target, priorTarget)
			}
			return err
		}
		s.logger.InfoContext(ctx, "migration rolled back",
			slog.String("migration_id", migrationID), slog.String("rollback_id", record.ID),
			slog.String("old_id", applied.OldID), slog.String("new_id", target))
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	return record, nil
}

// History returns at most limit records, newest first. A limit <= 0 returns every record.
func (s *Service) History(ctx context.Context, limit int) ([]Record, error) {
	var out []Record
	err := s.observe(ctx, OpHistory, func(ctx context.Context) error {
		records, err := s.history.ReadAll(ctx)
		if err != nil {
			return wrapIO("read migration history", err)
		}
		n := len(records)
		if limit > 0 && limit < n {
			n = limit
		}
		out = make([]Record, 0, n)
		for i := len(records) - 1; i >= 0 && len(out) < n; i-- {
			out = append(out, records[i])
		}
		return nil
	})
	return out, err
}

// RenderTemplate renders a migration stub for the pair in the given language.
func (s *Service) RenderTemplate(ctx context.Context, oldID, newID, language string) (Template, error) {
	var tmpl Template
	err := s.observe(ctx, OpGenerateTemplate, func(ctx context.Context) error {
		var err error
		tmpl, err = s.renderTemplate(ctx, oldID, newID, language)
		return err
	})
	return tmpl, err
}

// GenerateTemplate renders a migration stub and writes it to outputPath, or to the
// default file name in the working directory when outputPath is empty. It returns
// the path written.
func (s *Service) GenerateTemplate(ctx context.Context, oldID, newID, language, outputPath string) (string, error) {
	var written string
	err := s.observe(ctx, OpGenerateTemplate, func(ctx context.Context) error {
		tmpl, err := s.renderTemplate(ctx, oldID, newID, language)
		if err != nil {
			return err
		}
		path := outputPath
		if path == "" {
			path = tmpl.Filename
		}
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return &IOError{Op: "create template directory", Err: err}
			}
		}
		if err := os.WriteFile(path, []byte(tmpl.Source), 0o644); err != nil {
			return &IOError{Op: "write template", Err: err}
		}
		written = path
		s.logger.InfoContext(ctx, "migration template written",
			slog.String("path", path), slog.String("language", tmpl.Language))
		return nil
	})
	return written, err
}

func (s *Service) renderTemplate(ctx context.Context, oldID, newID, language string) (Template, error) {
	old, updated, err := s.loadPair(ctx, oldID, newID)
	if err != nil {
		return Template{}, err
	}
	return RenderTemplate(oldID, newID, Diff(old, updated), language)
}

func (s *Service) loadPair(ctx context.Context, oldID, newID string) (Snapshot, Snapshot, error) {
	old, err := s.load(ctx, oldID)
	if err != nil {
		return Snapshot{}, Snapshot{}, err
	}
	updated, err := s.load(ctx, newID)
	if err != nil {
		return Snapshot{}, Snapshot{}, err
	}
	return old, updated, nil
}

func (s *Service) load(ctx context.Context, id string) (Snapshot, error) {
	snap, err := s.snapshots.Load(ctx, id)
	if err != nil {
		return Snapshot{}, wrapIO("load snapshot "+id, err)
	}
	snap = normalizeSnapshot(snap)
	if strings.TrimSpace(snap.ContractID) == "" {
		snap.ContractID = id
	}
	return snap, nil
}

// currentSnapshot returns the stored snapshot for id, or nil when none exists.
func (s *Service) currentSnapshot(ctx context.Context, id string) (*Snapshot, error) {
	exists, err := s.snapshots.Exists(ctx, id)
	if err != nil {
		return nil, wrapIO("check snapshot "+id, err)
	}
	if !exists {
		return nil, nil
	}
	snap, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *Service) append(ctx context.Context, record Record) error {
	if err := s.history.Append(ctx, record); err != nil {
		return wrapIO("append migration history", err)
	}
	return nil
}

// restore puts target back the way it was before a write whose history append failed.
// A nil backup means target did not exist.
func (s *Service) restore(ctx context.Context, target string, backup *Snapshot) {
	var err error
	if backup != nil {
		err = s.snapshots.Save(ctx, *backup)
	} else {
		err = s.snapshots.Delete(ctx, target)
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "restore after failed history append",
			slog.String("contract_id", target), slog.Any("error", err))
	}
}

func findApplied(records []Record, migrationID string) (Record, bool) {
	for i := len(records) - 1; i >= 0; i-- {
		r := records[i]
		if r.ID == migrationID && r.Action == ActionApply && r.Status == StatusSuccess {
			return r, true
		}
	}
	return Record{}, false
}

// wrapIO passes taxonomy errors through unchanged and wraps anything else as *IOError.
func wrapIO(op string, err error) error {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrMalformed) || errors.Is(err, ErrIO) {
		return err
	}
	return &IOError{Op: op, Err: err}
}

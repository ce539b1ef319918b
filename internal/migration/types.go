// Package migration implements the contract-state schema migration engine:
// schema diffing, risk validation, dry-run conversion, and the apply/rollback
// workflow backed by a snapshot store and an append-only history log.
package migration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Snapshot is a contract's declared schema plus its currently stored field values.
type Snapshot struct {
	ContractID string            `json:"contract_id"`
	Version    string            `json:"version,omitempty"`
	Schema     map[string]string `json:"schema"`
	State      map[string]any    `json:"state"`
}

// TypeChange records a field present in both schemas under different type tokens.
type TypeChange struct {
	Field   string `json:"field"`
	OldType string `json:"old_type"`
	NewType string `json:"new_type"`
}

// SchemaDiff is the structural comparison of two schemas. Every list is sorted by field name.
type SchemaDiff struct {
	AddedFields   []string     `json:"added_fields"`
	RemovedFields []string     `json:"removed_fields"`
	ChangedTypes  []TypeChange `json:"changed_types"`
}

// Empty reports whether the two schemas were identical.
func (d SchemaDiff) Empty() bool {
	return len(d.AddedFields) == 0 && len(d.RemovedFields) == 0 && len(d.ChangedTypes) == 0
}

// Action identifies the engine operation that produced a Record.
type Action string

const (
	ActionPreview  Action = "preview"
	ActionApply    Action = "apply"
	ActionRollback Action = "rollback"
)

// Status is the outcome stored on a Record.
type Status string

// StatusSuccess marks a completed action. Failed actions are never recorded.
const StatusSuccess Status = "success"

// Record is an immutable audit entry in the history log. Apply records carry
// the backups that make rollback self-contained.
type Record struct {
	ID                string         `json:"id"`
	Action            Action         `json:"action"`
	Timestamp         time.Time      `json:"timestamp"`
	Status            Status         `json:"status"`
	OldID             string         `json:"old_id,omitempty"`
	NewID             string         `json:"new_id,omitempty"`
	Diff              *SchemaDiff    `json:"diff,omitempty"`
	Warnings          []string       `json:"warnings"`
	BeforeState       map[string]any `json:"before_state"`
	AfterState        map[string]any `json:"after_state"`
	BackupOldSnapshot *Snapshot      `json:"backup_old_snapshot,omitempty"`
	BackupNewSnapshot *Snapshot      `json:"backup_new_snapshot,omitempty"`
}

// EncodeSnapshot renders the pretty-printed document form of a snapshot.
func EncodeSnapshot(s Snapshot) ([]byte, error) {
	s = normalizeSnapshot(s)
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode snapshot %s: %w", s.ContractID, err)
	}
	return append(data, '\n'), nil
}

// DecodeSnapshot parses a snapshot document. Numbers keep their literal text.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	var s Snapshot
	if err := decodeJSON(data, &s); err != nil {
		return Snapshot{}, err
	}
	return normalizeSnapshot(s), nil
}

// EncodeRecord renders a record as a single compact JSON line without trailing newline.
func EncodeRecord(r Record) ([]byte, error) {
	if r.Warnings == nil {
		r.Warnings = []string{}
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode record %s: %w", r.ID, err)
	}
	return data, nil
}

// DecodeRecord parses a single history record.
func DecodeRecord(data []byte) (Record, error) {
	var r Record
	if err := decodeJSON(data, &r); err != nil {
		return Record{}, err
	}
	if r.Warnings == nil {
		r.Warnings = []string{}
	}
	if r.BackupOldSnapshot != nil {
		s := normalizeSnapshot(*r.BackupOldSnapshot)
		r.BackupOldSnapshot = &s
	}
	if r.BackupNewSnapshot != nil {
		s := normalizeSnapshot(*r.BackupNewSnapshot)
		r.BackupNewSnapshot = &s
	}
	return r, nil
}

func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func normalizeSnapshot(s Snapshot) Snapshot {
	if s.Schema == nil {
		s.Schema = map[string]string{}
	}
	if s.State == nil {
		s.State = map[string]any{}
	}
	return s
}

// CloneSnapshot returns a copy whose maps can be mutated without affecting s.
// State values are shared; they are treated as immutable throughout the engine.
func CloneSnapshot(s Snapshot) Snapshot {
	out := Snapshot{ContractID: s.ContractID, Version: s.Version}
	out.Schema = make(map[string]string, len(s.Schema))
	for k, v := range s.Schema {
		out.Schema[k] = v
	}
	out.State = cloneState(s.State)
	return out
}

func cloneState(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

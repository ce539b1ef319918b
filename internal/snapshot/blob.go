// Package snapshot implements migration.SnapshotStore on blob storage and on SQL.
package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"contractregistry/internal/blob"
	"contractregistry/internal/migration"
)

// KeyPrefix is the blob key prefix under which snapshot documents live.
const KeyPrefix = "contracts/"

// BlobStore keeps one pretty-printed JSON document per contract at contracts/<id>.json.
type BlobStore struct {
	blobs blob.Store
}

var _ migration.SnapshotStore = (*BlobStore)(nil)

// NewBlobStore wraps a blob.Store.
func NewBlobStore(blobs blob.Store) *BlobStore {
	return &BlobStore{blobs: blobs}
}

// Key returns the blob key for a contract id.
func Key(id string) (string, error) {
	if strings.TrimSpace(id) == "" {
		return "", fmt.Errorf("empty contract id")
	}
	if strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return "", fmt.Errorf("invalid contract id %q", id)
	}
	return KeyPrefix + id + ".json", nil
}

func (s *BlobStore) Load(ctx context.Context, id string) (migration.Snapshot, error) {
	key, err := Key(id)
	if err != nil {
		return migration.Snapshot{}, &migration.NotFoundError{Kind: "snapshot", ID: id}
	}
	_, rc, err := s.blobs.Get(ctx, key)
	if errors.Is(err, blob.ErrNotFound) {
		return migration.Snapshot{}, &migration.NotFoundError{Kind: "snapshot", ID: id}
	}
	if err != nil {
		return migration.Snapshot{}, &migration.IOError{Op: "read snapshot " + id, Err: err}
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		return migration.Snapshot{}, &migration.IOError{Op: "read snapshot " + id, Err: err}
	}
	return decode(id, data)
}

func (s *BlobStore) Save(ctx context.Context, snap migration.Snapshot) error {
	key, err := Key(snap.ContractID)
	if err != nil {
		return &migration.IOError{Op: "save snapshot", Err: err}
	}
	data, err := migration.EncodeSnapshot(snap)
	if err != nil {
		return &migration.IOError{Op: "save snapshot " + snap.ContractID, Err: err}
	}
	opts := blob.PutOptions{ContentType: "application/json", Overwrite: true}
	if _, err := s.blobs.Put(ctx, key, bytes.NewReader(data), opts); err != nil {
		return &migration.IOError{Op: "save snapshot " + snap.ContractID, Err: err}
	}
	return nil
}

func (s *BlobStore) Exists(ctx context.Context, id string) (bool, error) {
	key, err := Key(id)
	if err != nil {
		return false, nil
	}
	_, err = s.blobs.Head(ctx, key)
	switch {
	case errors.Is(err, blob.ErrNotFound):
		return false, nil
	case err != nil:
		return false, &migration.IOError{Op: "stat snapshot " + id, Err: err}
	}
	return true, nil
}

// Delete removes the document; a missing document is not an error.
func (s *BlobStore) Delete(ctx context.Context, id string) error {
	key, err := Key(id)
	if err != nil {
		return &migration.IOError{Op: "delete snapshot", Err: err}
	}
	if _, err := s.blobs.Delete(ctx, key); err != nil {
		return &migration.IOError{Op: "delete snapshot " + id, Err: err}
	}
	return nil
}

// decode parses a stored document and fills a blank contract id from the lookup key.
func decode(id string, data []byte) (migration.Snapshot, error) {
	snap, err := migration.DecodeSnapshot(data)
	if err != nil {
		return migration.Snapshot{}, &migration.MalformedError{Kind: "snapshot", ID: id, Err: err}
	}
	if strings.TrimSpace(snap.ContractID) == "" {
		snap.ContractID = id
	}
	return snap, nil
}

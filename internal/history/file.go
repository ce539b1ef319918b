// Package history implements migration.HistoryLog as a JSON Lines file, a SQL
// table, or an in-process slice. Every backend is append-only.
package history

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"contractregistry/internal/migration"
)

// DefaultFilename is the log file name placed under the data directory.
const DefaultFilename = "migration_history.jsonl"

// FileLog appends one compact JSON record per line.
type FileLog struct {
	mu   sync.Mutex
	path string
}

var _ migration.HistoryLog = (*FileLog)(nil)

// NewFileLog returns a log writing to path. The file is created on first append.
func NewFileLog(path string) *FileLog {
	if path == "" {
		path = filepath.Join(".soroban-registry", DefaultFilename)
	}
	return &FileLog{path: path}
}

// Path returns the log file location.
func (l *FileLog) Path() string { return l.path }

func (l *FileLog) Append(ctx context.Context, rec migration.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := migration.EncodeRecord(rec)
	if err != nil {
		return &migration.IOError{Op: "append history", Err: err}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return &migration.IOError{Op: "append history", Err: err}
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return &migration.IOError{Op: "append history", Err: err}
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return &migration.IOError{Op: "append history", Err: err}
	}
	if err := f.Close(); err != nil {
		return &migration.IOError{Op: "append history", Err: err}
	}
	return nil
}

// ReadAll returns every record in write order. A missing file is an empty log.
func (l *FileLog) ReadAll(ctx context.Context) ([]migration.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	data, err := os.ReadFile(l.path)
	l.mu.Unlock()
	if errors.Is(err, fs.ErrNotExist) {
		return []migration.Record{}, nil
	}
	if err != nil {
		return nil, &migration.IOError{Op: "read history", Err: err}
	}
	records := []migration.Record{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), len(data)+1)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		rec, err := migration.DecodeRecord(line)
		if err != nil {
			return nil, &migration.MalformedError{
				Kind: "history",
				ID:   l.path + ":" + strconv.Itoa(lineNo),
				Err:  fmt.Errorf("decode line %d: %w", lineNo, err),
			}
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, &migration.IOError{Op: "read history", Err: err}
	}
	return records, nil
}

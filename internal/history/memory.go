package history

import (
	"context"
	"sync"

	"contractregistry/internal/migration"
)

// MemoryLog keeps records in process. Records are stored encoded so readers
// never share maps with writers.
type MemoryLog struct {
	mu    sync.RWMutex
	lines [][]byte
}

var _ migration.HistoryLog = (*MemoryLog)(nil)

// NewMemoryLog returns an empty in-process log.
func NewMemoryLog() *MemoryLog { return &MemoryLog{} }

func (l *MemoryLog) Append(_ context.Context, rec migration.Record) error {
	line, err := migration.EncodeRecord(rec)
	if err != nil {
		return &migration.IOError{Op: "append history", Err: err}
	}
	l.mu.Lock()
	l.lines = append(l.lines, line)
	l.mu.Unlock()
	return nil
}

func (l *MemoryLog) ReadAll(_ context.Context) ([]migration.Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	records := make([]migration.Record, 0, len(l.lines))
	for _, line := range l.lines {
		rec, err := migration.DecodeRecord(line)
		if err != nil {
			return nil, &migration.MalformedError{Kind: "history", ID: "memory", Err: err}
		}
		records = append(records, rec)
	}
	return records, nil
}

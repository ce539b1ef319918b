package observability

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"contractregistry/internal/migration"
)

// SpanEntry is one finished span as written by JSONTracer.
type SpanEntry struct {
	Operation  string    `json:"operation"`
	Status     string    `json:"status"`
	DurationMS float64   `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
}

// JSONTracer writes each finished span as a JSON line and keeps the most
// recent spans for inspection.
type JSONTracer struct {
	mu      sync.Mutex
	entries []SpanEntry
	limit   int
	enc     *json.Encoder
	now     func() time.Time
}

var _ migration.Tracer = (*JSONTracer)(nil)

// DefaultSpanRetention bounds the spans kept in memory.
const DefaultSpanRetention = 256

// NewJSONTracer returns a tracer encoding to w; a nil writer only retains spans.
func NewJSONTracer(w io.Writer) *JSONTracer {
	t := &JSONTracer{limit: DefaultSpanRetention, now: func() time.Time { return time.Now().UTC() }}
	if w != nil {
		t.enc = json.NewEncoder(w)
	}
	return t
}

// Entries returns a copy of the retained spans, oldest first.
func (t *JSONTracer) Entries() []SpanEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]SpanEntry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Start implements migration.Tracer.
func (t *JSONTracer) Start(ctx context.Context, operation string) (context.Context, migration.TraceSpan) {
	return ctx, &jsonSpan{tracer: t, operation: operation, started: t.now()}
}

type jsonSpan struct {
	tracer    *JSONTracer
	operation string
	started   time.Time
	once      sync.Once
}

func (s *jsonSpan) End(err error) {
	s.once.Do(func() { s.tracer.finish(s, err) })
}

func (t *JSONTracer) finish(s *jsonSpan, err error) {
	ended := t.now()
	entry := SpanEntry{
		Operation:  s.operation,
		Status:     "success",
		DurationMS: float64(ended.Sub(s.started)) / float64(time.Millisecond),
		StartedAt:  s.started,
		EndedAt:    ended,
	}
	if err != nil {
		entry.Status = "error"
		entry.Error = err.Error()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, entry)
	if over := len(t.entries) - t.limit; over > 0 {
		t.entries = append(t.entries[:0:0], t.entries[over:]...)
	}
	if t.enc != nil {
		_ = t.enc.Encode(entry)
	}
}

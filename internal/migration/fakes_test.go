package migration

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

type memSnapshots struct {
	mu      sync.Mutex
	docs    map[string][]byte
	saves   int
	deletes int
	saveErr error
}

func newMemSnapshots() *memSnapshots {
	return &memSnapshots{docs: map[string][]byte{}}
}

// put seeds a document under key without counting it as a write.
func (m *memSnapshots) put(key string, s Snapshot) {
	data, err := EncodeSnapshot(s)
	if err != nil {
		panic(err)
	}
	m.docs[key] = data
}

func (m *memSnapshots) Load(_ context.Context, id string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.docs[id]
	if !ok {
		return Snapshot{}, &NotFoundError{Kind: "snapshot", ID: id}
	}
	s, err := DecodeSnapshot(data)
	if err != nil {
		return Snapshot{}, &MalformedError{Kind: "snapshot", ID: id, Err: err}
	}
	return s, nil
}

func (m *memSnapshots) Save(_ context.Context, s Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	data, err := EncodeSnapshot(s)
	if err != nil {
		return err
	}
	m.docs[s.ContractID] = data
	m.saves++
	return nil
}

func (m *memSnapshots) Exists(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.docs[id]
	return ok, nil
}

func (m *memSnapshots) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, id)
	m.deletes++
	return nil
}

func (m *memSnapshots) raw(id string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.docs[id]
	return string(data), ok
}

type memHistory struct {
	mu        sync.Mutex
	lines     [][]byte
	appendErr error
}

func (h *memHistory) Append(_ context.Context, r Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.appendErr != nil {
		return h.appendErr
	}
	data, err := EncodeRecord(r)
	if err != nil {
		return err
	}
	h.lines = append(h.lines, data)
	return nil
}

func (h *memHistory) ReadAll(context.Context) ([]Record, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Record, 0, len(h.lines))
	for _, line := range h.lines {
		r, err := DecodeRecord(line)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (h *memHistory) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.lines)
}

type captureMetrics struct {
	mu   sync.Mutex
	seen []string
}

func (c *captureMetrics) Observe(_ context.Context, op string, success bool, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	status := "error"
	if success {
		status = "success"
	}
	c.seen = append(c.seen, op+":"+status)
}

type captureTracer struct {
	mu    sync.Mutex
	ended []string
}

func (c *captureTracer) Start(ctx context.Context, op string) (context.Context, TraceSpan) {
	return ctx, &captureSpan{tracer: c, op: op}
}

type captureSpan struct {
	tracer *captureTracer
	op     string
}

func (s *captureSpan) End(err error) {
	s.tracer.mu.Lock()
	defer s.tracer.mu.Unlock()
	entry := s.op
	if err != nil {
		entry += ":" + err.Error()
	}
	s.tracer.ended = append(s.tracer.ended, entry)
}

var errDisk = errors.New("disk full")

func num(s string) json.Number { return json.Number(s) }

func fixedClock() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

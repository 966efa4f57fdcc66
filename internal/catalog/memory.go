package catalog

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
)

// Memory is an in-memory catalog, used by tests and mock deployments.
type Memory struct {
	mu      sync.RWMutex
	records map[string]*Record
	ids     []string
	calls   atomic.Int64
}

// NewMemory creates a catalog holding the given records.
func NewMemory(records ...*Record) *Memory {
	m := &Memory{records: make(map[string]*Record)}
	for _, rec := range records {
		m.Put(rec)
	}
	return m
}

// Put adds or replaces a record.
func (m *Memory) Put(rec *Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.ID]; !ok {
		m.ids = append(m.ids, rec.ID)
	}
	m.records[rec.ID] = rec.Clone()
}

// Get returns a copy of the record with the given id.
func (m *Memory) Get(ctx context.Context, id string) (*Record, error) {
	m.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return rec.Clone(), nil
}

// RandomID returns a random id from the table.
func (m *Memory) RandomID(ctx context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.ids) == 0 {
		return "", ErrNotFound
	}
	return m.ids[rand.Intn(len(m.ids))], nil
}

// Calls reports how many Get calls were made.
func (m *Memory) Calls() int64 {
	return m.calls.Load()
}

var (
	_ Lookup  = (*Memory)(nil)
	_ Sampler = (*Memory)(nil)
)

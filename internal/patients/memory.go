package patients

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-memory, thread-safe Directory.
type Memory struct {
	mu      sync.RWMutex
	entries map[uint64]Entry
}

// NewMemory creates an empty Memory directory.
func NewMemory() *Memory {
	return &Memory{entries: make(map[uint64]Entry)}
}

// Bind implements Directory.
func (m *Memory) Bind(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.PatientID] = e
	return nil
}

// Lookup implements Directory.
func (m *Memory) Lookup(_ context.Context, patientID uint64) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[patientID]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

// List implements Directory. Entries are ordered by patient id.
func (m *Memory) List(_ context.Context) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PatientID < out[j].PatientID })
	return out, nil
}

package receipts

import (
	"context"
	"sync"

	"github.com/jmerrifield20/healthincentive/internal/ledger"
)

// Memory is an in-memory, thread-safe Journal.
type Memory struct {
	mu      sync.RWMutex
	entries []*Entry
}

// NewMemory creates a Memory journal holding only the genesis entry.
func NewMemory() *Memory {
	return &Memory{entries: []*Entry{genesis()}}
}

// Append implements Journal.
func (m *Memory) Append(_ context.Context, patientID uint64, r *ledger.Receipt) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := newEntry(patientID, r)
	e.Index = len(m.entries)
	e.PrevHash = m.entries[len(m.entries)-1].Hash
	e.Hash = hashEntry(e)
	m.entries = append(m.entries, e)
	return e, nil
}

// Get implements Journal.
func (m *Memory) Get(_ context.Context, index int) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if index < 0 || index >= len(m.entries) {
		return nil, ErrOutOfRange
	}
	e := *m.entries[index]
	return &e, nil
}

// List implements Journal.
func (m *Memory) List(_ context.Context, offset, limit int) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if offset < 0 {
		offset = 0
	}
	out := []Entry{}
	for i := offset; i < len(m.entries) && len(out) < limit; i++ {
		out = append(out, *m.entries[i])
	}
	return out, nil
}

// Len implements Journal.
func (m *Memory) Len(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries), nil
}

// Verify implements Journal.
func (m *Memory) Verify(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var prev *Entry
	for _, curr := range m.entries {
		if err := checkLink(prev, curr); err != nil {
			return err
		}
		prev = curr
	}
	return nil
}

// Root implements Journal.
func (m *Memory) Root(_ context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries[len(m.entries)-1].Hash, nil
}

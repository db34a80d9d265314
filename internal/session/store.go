package session

import (
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned for an unknown or expired session.
var ErrNotFound = errors.New("session not found")

type storeEntry struct {
	ctx       *Context
	expiresAt time.Time
}

func (e *storeEntry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// Store keeps live sessions in memory. Entries expire ttl after their last use.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*storeEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewStore creates a Store. A zero ttl defaults to 12 hours.
func NewStore(ttl time.Duration) *Store {
	if ttl == 0 {
		ttl = 12 * time.Hour
	}
	return &Store{
		entries: make(map[string]*storeEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Put stores c, replacing any session with the same id.
func (s *Store) Put(c *Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[c.ID()] = &storeEntry{ctx: c, expiresAt: s.now().Add(s.ttl)}
}

// Get returns the session with id and extends its lifetime.
func (s *Store) Get(id string) (*Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	now := s.now()
	if e.expired(now) {
		delete(s.entries, id)
		return nil, ErrNotFound
	}
	e.expiresAt = now.Add(s.ttl)
	return e.ctx, nil
}

// Delete removes the session with id.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
}

// Len returns the number of stored sessions, expired ones included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Evict removes expired sessions and returns how many were removed.
func (s *Store) Evict() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for id, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, id)
			n++
		}
	}
	return n
}

// StartEviction evicts expired sessions every interval until quit is closed.
func (s *Store) StartEviction(interval time.Duration, quit <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Evict()
		case <-quit:
			return
		}
	}
}

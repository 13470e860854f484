package auth

import (
	"context"
	"sync"
	"time"
)

// NewInMemoryRevocationStore returns a RevocationStore backed by an in-memory map.
func NewInMemoryRevocationStore() *InMemoryRevocationStore {
	return &InMemoryRevocationStore{revoked: make(map[string]time.Time), now: time.Now}
}

// InMemoryRevocationStore implements RevocationStore for tests and single-node deployments.
type InMemoryRevocationStore struct {
	mu      sync.RWMutex
	revoked map[string]time.Time
	now     func() time.Time
}

// Revoke records tokenID as revoked until the provided time.
func (s *InMemoryRevocationStore) Revoke(_ context.Context, tokenID string, until time.Time) error {
	s.mu.Lock()
	s.revoked[tokenID] = until
	s.gcLocked()
	s.mu.Unlock()
	return nil
}

// IsRevoked reports whether tokenID is currently revoked.
func (s *InMemoryRevocationStore) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	s.mu.RLock()
	until, ok := s.revoked[tokenID]
	s.mu.RUnlock()
	return ok && s.now().Before(until), nil
}

func (s *InMemoryRevocationStore) gcLocked() {
	now := s.now()
	for id, until := range s.revoked {
		if !now.Before(until) {
			delete(s.revoked, id)
		}
	}
}

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/agentsync/internal/domain"
)

// MemoryStore implements Repository in memory. It backs tests and the
// cache-disabled mode; nothing survives a restart.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*domain.CacheEntry
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*domain.CacheEntry)}
}

func (s *MemoryStore) GetEntry(ctx context.Context, sessionID string) (*domain.CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[sessionID]
	if !ok {
		return nil, nil
	}
	cp := *entry
	cp.Messages = append([]domain.Message(nil), entry.Messages...)
	return &cp, nil
}

func (s *MemoryStore) UpsertEntry(ctx context.Context, entry *domain.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	cp.Messages = append([]domain.Message(nil), entry.Messages...)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now()
	}
	if prev, ok := s.entries[entry.SessionID]; ok {
		if cp.RemoteSessionID == "" {
			cp.RemoteSessionID = prev.RemoteSessionID
		}
		if cp.Resume == nil {
			cp.Resume = prev.Resume
		}
		cp.CreatedAt = prev.CreatedAt
	}
	s.entries[entry.SessionID] = &cp
	return nil
}

func (s *MemoryStore) DeleteEntry(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, sessionID)
	return nil
}

func (s *MemoryStore) ListEntries(ctx context.Context) ([]*domain.CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]*domain.CacheEntry, 0, len(s.entries))
	for _, entry := range s.entries {
		cp := *entry
		cp.Messages = append([]domain.Message(nil), entry.Messages...)
		entries = append(entries, &cp)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].UpdatedAt.After(entries[j].UpdatedAt)
	})
	return entries, nil
}

func (s *MemoryStore) CleanupExpired(ctx context.Context, maxAge time.Duration, keepSessionID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	threshold := time.Now().Add(-maxAge)
	var removed int64
	for id, entry := range s.entries {
		if id == keepSessionID {
			continue
		}
		if entry.UpdatedAt.Before(threshold) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

package genstatus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tandem/api/internal/generation"
)

// MemoryStore is the single-process fallback when no Redis is configured.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]memoryEntry
	now   func() time.Time
}

type memoryEntry struct {
	gen     generation.Generation
	expires time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]memoryEntry),
		now:   time.Now,
	}
}

func (s *MemoryStore) Save(_ context.Context, gen generation.Generation, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for id, entry := range s.items {
		if now.After(entry.expires) {
			delete(s.items, id)
		}
	}
	s.items[gen.ID] = memoryEntry{gen: gen, expires: now.Add(ttl)}
	return nil
}

func (s *MemoryStore) Lookup(_ context.Context, id string) (generation.Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.items[id]
	if !ok || s.now().After(entry.expires) {
		return generation.Generation{}, fmt.Errorf("%w: %s", generation.ErrGenerationNotFound, id)
	}
	return entry.gen, nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

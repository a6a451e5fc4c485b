package inventory

import (
	"context"
	"sync"
)

// InMemoryStore searches a catalog held in process memory.
type InMemoryStore struct {
	mu    sync.RWMutex
	items []Item
}

func NewInMemoryStore(items []Item) *InMemoryStore {
	return &InMemoryStore{items: append([]Item(nil), items...)}
}

func (s *InMemoryStore) Search(_ context.Context, query string) ([]Item, error) {
	ts := terms(query)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Item
	for _, it := range s.items {
		if it.matches(ts) {
			out = append(out, it)
		}
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }

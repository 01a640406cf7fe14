package versions

import (
	"context"
	"sync"
)

type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[string]int64)}
}

func (s *MemoryStore) Get(_ context.Context, resource string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[resource], nil
}

func (s *MemoryStore) Incr(_ context.Context, resource string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[resource]++
	return s.counters[resource], nil
}

func (s *MemoryStore) Close() error { return nil }

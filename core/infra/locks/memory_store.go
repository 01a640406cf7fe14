package locks

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore keeps lock sets in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	sets map[string]*LockSet
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sets: make(map[string]*LockSet)}
}

func (s *MemoryStore) Load(_ context.Context, resource string) (*LockSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if set, ok := s.sets[resource]; ok {
		return set.Clone(), nil
	}
	return &LockSet{Resource: resource}, nil
}

func (s *MemoryStore) Save(_ context.Context, set *LockSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current := ""
	if stored, ok := s.sets[set.Resource]; ok {
		current = stored.Revision
	}
	if current != set.Revision {
		return ErrConflict
	}
	if set.Empty() {
		delete(s.sets, set.Resource)
		set.Revision = ""
		return nil
	}
	set.Revision = uuid.NewString()
	s.sets[set.Resource] = set.Clone()
	return nil
}

func (s *MemoryStore) Resources(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0)
	for resource := range s.sets {
		if strings.HasPrefix(resource, prefix) {
			out = append(out, resource)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

package pseudonym

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// MappingStore persists substitutions. GetOrCreate must be atomic per key:
// concurrent first encounters observe a single stored Mapping.
type MappingStore interface {
	GetOrCreate(ctx context.Context, key MappingKey, create func() (Mapping, error)) (Mapping, error)
	Reverse(ctx context.Context, scopeID string, kind Kind, substitute string) (Mapping, error)
}

type reverseKey struct {
	scopeID    string
	kind       Kind
	substitute string
}

// MemoryStore keeps mappings for the life of the process. Creation for a key
// is collapsed through singleflight so only one creator runs per key, and the
// lock is held only for the map update.
type MemoryStore struct {
	mu      sync.RWMutex
	forward map[MappingKey]Mapping
	reverse map[reverseKey]MappingKey
	group   singleflight.Group
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		forward: make(map[MappingKey]Mapping),
		reverse: make(map[reverseKey]MappingKey),
	}
}

func (s *MemoryStore) lookup(key MappingKey) (Mapping, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.forward[key]
	return m, ok
}

func (s *MemoryStore) GetOrCreate(ctx context.Context, key MappingKey, create func() (Mapping, error)) (Mapping, error) {
	if m, ok := s.lookup(key); ok {
		return m, nil
	}
	if err := ctx.Err(); err != nil {
		return Mapping{}, err
	}

	v, err, _ := s.group.Do(key.String(), func() (interface{}, error) {
		if m, ok := s.lookup(key); ok {
			return m, nil
		}
		m, err := create()
		if err != nil {
			return Mapping{}, err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if existing, ok := s.forward[key]; ok {
			return existing, nil
		}
		s.forward[key] = m
		s.reverse[reverseKey{key.ScopeID, key.Kind, m.Substitute}] = key
		return m, nil
	})
	if err != nil {
		return Mapping{}, err
	}
	return v.(Mapping), nil
}

func (s *MemoryStore) Reverse(_ context.Context, scopeID string, kind Kind, substitute string) (Mapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.reverse[reverseKey{scopeID, kind, substitute}]
	if !ok {
		return Mapping{}, ErrMappingNotFound
	}
	return s.forward[key], nil
}

// Len returns the number of stored mappings.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.forward)
}

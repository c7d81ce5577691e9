package skills

import (
	"context"
	"sort"
	"sync"

	"github.com/HyphaGroup/reliquary/internal/provider"
)

// Store persists skills. Implementations must be safe for concurrent use.
type Store interface {
	Put(ctx context.Context, skill *provider.Skill) error
	Get(ctx context.Context, name string) (*provider.Skill, error)
	List(ctx context.Context) ([]provider.Skill, error)
	Delete(ctx context.Context, name string) (bool, error)
}

// MemoryStore is an in-memory store for tests and ephemeral sessions.
type MemoryStore struct {
	mu     sync.RWMutex
	skills map[string]provider.Skill
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{skills: make(map[string]provider.Skill)}
}

func (s *MemoryStore) Put(ctx context.Context, skill *provider.Skill) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skills[skill.Name] = *skill
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, name string) (*provider.Skill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	skill, ok := s.skills[name]
	if !ok {
		return nil, provider.ErrSkillNotFound
	}
	return &skill, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]provider.Skill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]provider.Skill, 0, len(s.skills))
	for _, skill := range s.skills {
		out = append(out, skill)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.skills[name]; !ok {
		return false, nil
	}
	delete(s.skills, name)
	return true, nil
}

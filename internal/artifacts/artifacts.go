// Package artifacts implements the durable named-blob store agent code uses
// to carry state across execution calls and sessions.
package artifacts

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/HyphaGroup/reliquary/internal/provider"
	"github.com/HyphaGroup/reliquary/internal/validation"
)

// MemoryStore is an in-memory artifact provider for tests and ephemeral
// sessions.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]provider.Artifact
}

var _ provider.ArtifactProvider = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]provider.Artifact)}
}

func (s *MemoryStore) Save(ctx context.Context, name string, data any, description string, metadata map[string]any) (*provider.Artifact, error) {
	if err := validation.ValidateIdentifier(name); err != nil {
		return nil, fmt.Errorf("invalid artifact name: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	art := provider.Artifact{
		Name:        name,
		Data:        data,
		Description: description,
		Metadata:    metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if existing, ok := s.items[name]; ok {
		art.CreatedAt = existing.CreatedAt
	}
	s.items[name] = art
	return &art, nil
}

func (s *MemoryStore) Load(ctx context.Context, name string) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	art, ok := s.items[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", provider.ErrArtifactNotFound, name)
	}
	return art.Data, nil
}

func (s *MemoryStore) Get(ctx context.Context, name string) (*provider.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	art, ok := s.items[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", provider.ErrArtifactNotFound, name)
	}
	return &art, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]provider.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]provider.Artifact, 0, len(s.items))
	for _, art := range s.items {
		out = append(out, art)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) Exists(ctx context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.items[name]
	return ok, nil
}

func (s *MemoryStore) Delete(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[name]; !ok {
		return false, nil
	}
	delete(s.items, name)
	return true, nil
}

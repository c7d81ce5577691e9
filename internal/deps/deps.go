// Package deps manages the package specs declared for an execution
// environment and their installation into it.
package deps

import (
	"context"
	"sort"
	"sync"

	"github.com/HyphaGroup/reliquary/internal/logger"
	"github.com/HyphaGroup/reliquary/internal/provider"
	"github.com/HyphaGroup/reliquary/internal/validation"
)

// SpecStore persists the declared spec set.
type SpecStore interface {
	Add(ctx context.Context, spec string) (bool, error)
	Remove(ctx context.Context, spec string) (bool, error)
	List(ctx context.Context) ([]string, error)
}

// MemoryStore is an in-memory spec store.
type MemoryStore struct {
	mu    sync.Mutex
	specs []string
}

// NewMemoryStore creates an empty spec store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Add(ctx context.Context, spec string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.specs {
		if existing == spec {
			return false, nil
		}
	}
	s.specs = append(s.specs, spec)
	sort.Strings(s.specs)
	return true, nil
}

func (s *MemoryStore) Remove(ctx context.Context, spec string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.specs {
		if existing == spec {
			s.specs = append(s.specs[:i], s.specs[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.specs))
	copy(out, s.specs)
	return out, nil
}

// Manager implements the dependency provider over a declared spec set and an
// installer that materializes it.
type Manager struct {
	store     SpecStore
	installer *Installer
	cache     *InstallCache
}

var _ provider.DependencyProvider = (*Manager)(nil)

// NewManager creates a manager over an in-memory spec set installing through
// installer. cache may be shared across managers to skip repeat installs into
// the same target; nil disables caching.
func NewManager(installer *Installer, cache *InstallCache) *Manager {
	return &Manager{store: NewMemoryStore(), installer: installer, cache: cache}
}

// NewManagerWithStore creates a manager over a persistent spec store.
func NewManagerWithStore(store SpecStore, installer *Installer, cache *InstallCache) *Manager {
	return &Manager{store: store, installer: installer, cache: cache}
}

// Add declares a spec. Specs are validated strictly: a package spec is data,
// never an installer flag or shell fragment.
func (m *Manager) Add(ctx context.Context, spec string) error {
	if err := validation.ValidatePackageSpec(spec); err != nil {
		return err
	}
	_, err := m.store.Add(ctx, spec)
	return err
}

// Remove undeclares a spec.
func (m *Manager) Remove(ctx context.Context, spec string) (bool, error) {
	return m.store.Remove(ctx, spec)
}

// List returns the declared specs, sorted.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	return m.store.List(ctx)
}

// Sync installs every declared spec, classifying each as installed, already
// present, or failed. One failing spec does not abort the rest.
func (m *Manager) Sync(ctx context.Context) (*provider.SyncReport, error) {
	specs, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}

	report := &provider.SyncReport{
		Installed:      []string{},
		AlreadyPresent: []string{},
		Failed:         []string{},
	}

	for _, spec := range specs {
		if m.cache != nil && m.cache.Has(m.installer.Target(), spec) {
			report.AlreadyPresent = append(report.AlreadyPresent, spec)
			continue
		}
		if err := m.installer.Install(ctx, spec); err != nil {
			logger.Slog().Warn("dependency install failed", "spec", spec, "err", err)
			report.Failed = append(report.Failed, spec)
			continue
		}
		if m.cache != nil {
			m.cache.Mark(m.installer.Target(), spec)
		}
		report.Installed = append(report.Installed, spec)
	}
	return report, nil
}

// Package session composes an execution backend with the providers it is
// wired to. A session is a thin lifecycle wrapper: the backend owns the
// namespace, the providers own the state.
package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/HyphaGroup/reliquary/internal/executor"
	"github.com/HyphaGroup/reliquary/internal/logger"
	"github.com/HyphaGroup/reliquary/internal/provider"
)

// Session binds one executor to one provider set. A session runs one block
// of code at a time; callers that share a session across goroutines must
// serialize Run/Reset themselves.
type Session struct {
	id        string
	backend   executor.Executor
	providers provider.Providers
	runs      int
}

// New creates a session over backend. The backend must be unstarted; the
// session starts it on Start.
func New(backend executor.Executor, providers provider.Providers) *Session {
	return &Session{
		id:        uuid.NewString(),
		backend:   backend,
		providers: providers,
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Start provisions the backend with the session's providers.
func (s *Session) Start() error {
	if err := s.backend.Start(s.providers); err != nil {
		return err
	}
	logger.Slog().Info("session started", "session_id", s.id)
	return nil
}

// Run executes one block of agent code against the session's namespace.
func (s *Session) Run(code string, timeout time.Duration) (*executor.ExecutionResult, error) {
	start := time.Now()
	result, err := s.backend.Run(code, timeout)
	if err != nil {
		return nil, err
	}
	s.runs++
	logger.Slog().Info("session run",
		"session_id", s.id,
		"run", s.runs,
		"duration", time.Since(start),
		"failed", result.Failed())
	return result, nil
}

// Reset clears user bindings while keeping the session and its providers.
func (s *Session) Reset() error {
	if err := s.backend.Reset(); err != nil {
		return err
	}
	logger.Slog().Info("session reset", "session_id", s.id)
	return nil
}

// Close tears down the backend. Idempotent.
func (s *Session) Close() error {
	return s.backend.Close()
}

// Supports reports whether the session's backend provides a capability.
func (s *Session) Supports(c executor.Capability) bool {
	return s.backend.Supports(c)
}

// SupportedCapabilities lists the backend's capabilities.
func (s *Session) SupportedCapabilities() []executor.Capability {
	return s.backend.SupportedCapabilities()
}

// Providers returns the provider set the session was built with.
func (s *Session) Providers() provider.Providers {
	return s.providers
}

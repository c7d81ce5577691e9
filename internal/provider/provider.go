// Package provider defines the host-owned resource interfaces the execution
// namespace is built from. Providers own real state and side effects; isolated
// workers reach them only through the RPC bridge, never directly.
package provider

import (
	"context"
	"errors"
	"time"
)

// Common errors returned by providers.
var (
	ErrToolNotFound     = errors.New("tool not found")
	ErrToolCallFailed   = errors.New("tool call failed")
	ErrToolTimedOut     = errors.New("tool call timed out")
	ErrSkillNotFound    = errors.New("skill not found")
	ErrSkillExists      = errors.New("skill already exists")
	ErrArtifactNotFound = errors.New("artifact not found")
)

// CallableDescriptor describes one invocable operation on a tool.
type CallableDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// ToolDescriptor describes a tool and its callables.
type ToolDescriptor struct {
	Name        string               `json:"name"`
	Description string               `json:"description,omitempty"`
	Callables   []CallableDescriptor `json:"callables,omitempty"`
}

// ToolProvider supplies external tools to agent code.
type ToolProvider interface {
	// List returns descriptors for all registered tools.
	List(ctx context.Context) ([]ToolDescriptor, error)

	// Call invokes a callable on a tool. callable may be empty for tools
	// with a single default callable.
	Call(ctx context.Context, tool, callable string, args map[string]any) (any, error)
}

// SkillParameter describes one parameter of a skill's run entry point.
type SkillParameter struct {
	Name     string `json:"name"`
	Type     string `json:"type,omitempty"`
	Required bool   `json:"required"`
	Default  any    `json:"default,omitempty"`
}

// SkillMetadata records provenance for a skill.
type SkillMetadata struct {
	CreatedAt time.Time `json:"created_at"`
	CreatedBy string    `json:"created_by,omitempty"`
	Origin    string    `json:"origin,omitempty"`
}

// Skill is a named, persisted, parameterized code solution. Its source must
// define a callable entry point named run.
type Skill struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Parameters  []SkillParameter `json:"parameters,omitempty"`
	Source      string           `json:"source"`
	Metadata    SkillMetadata    `json:"metadata"`
}

// ScoredSkill is a skill paired with its search relevance score.
type ScoredSkill struct {
	Skill
	Score float64 `json:"score"`
}

// SkillProvider supplies the persisted skill library to agent code.
type SkillProvider interface {
	Search(ctx context.Context, query string, limit int) ([]ScoredSkill, error)
	Get(ctx context.Context, name string) (*Skill, error)
	List(ctx context.Context) ([]Skill, error)
	Create(ctx context.Context, name, source, description string) (*Skill, error)
	Delete(ctx context.Context, name string) (bool, error)
	Invoke(ctx context.Context, name string, args map[string]any) (any, error)
}

// Artifact is a durable named blob for cross-call state.
type Artifact struct {
	Name        string         `json:"name"`
	Data        any            `json:"data"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// ArtifactProvider supplies the artifact store to agent code.
type ArtifactProvider interface {
	Save(ctx context.Context, name string, data any, description string, metadata map[string]any) (*Artifact, error)
	Load(ctx context.Context, name string) (any, error)
	Get(ctx context.Context, name string) (*Artifact, error)
	List(ctx context.Context) ([]Artifact, error)
	Exists(ctx context.Context, name string) (bool, error)
	Delete(ctx context.Context, name string) (bool, error)
}

// SyncReport summarizes one dependency sync.
type SyncReport struct {
	Installed      []string `json:"installed"`
	AlreadyPresent []string `json:"already_present"`
	Failed         []string `json:"failed"`
}

// DependencyProvider manages package specs for the execution environment.
type DependencyProvider interface {
	Add(ctx context.Context, spec string) error
	Remove(ctx context.Context, spec string) (bool, error)
	List(ctx context.Context) ([]string, error)
	Sync(ctx context.Context) (*SyncReport, error)
}

// Providers bundles the four resource providers an executor is wired to.
// Any field may be nil; absent providers are simply absent from the namespace.
type Providers struct {
	Tools     ToolProvider
	Skills    SkillProvider
	Artifacts ArtifactProvider
	Deps      DependencyProvider
}

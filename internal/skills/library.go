package skills

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.starlark.net/starlark"

	"github.com/HyphaGroup/reliquary/internal/interp"
	"github.com/HyphaGroup/reliquary/internal/namespace"
	"github.com/HyphaGroup/reliquary/internal/provider"
)

// Searcher ranks a skill set against a query. The semantic index implements
// this; the library falls back to substring matching without one.
type Searcher interface {
	Search(ctx context.Context, library []provider.Skill, query string, limit int) ([]provider.ScoredSkill, error)
	Forget(ctx context.Context, name string) error
}

// Library is the skill provider: a persistent store plus optional semantic
// search and sandboxed invocation.
type Library struct {
	store    Store
	searcher Searcher
	origin   string
}

var _ provider.SkillProvider = (*Library)(nil)

// NewLibrary creates a library over the given store. searcher may be nil.
// origin is recorded on skills created through this library.
func NewLibrary(store Store, searcher Searcher, origin string) *Library {
	return &Library{store: store, searcher: searcher, origin: origin}
}

// Create validates and persists a new skill. Overwriting is an explicit
// delete-then-create, never an accident.
func (l *Library) Create(ctx context.Context, name, source, description string) (*provider.Skill, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if strings.TrimSpace(description) == "" {
		return nil, fmt.Errorf("skill description must not be empty")
	}
	params, err := ValidateSource(source)
	if err != nil {
		return nil, err
	}
	if _, err := l.store.Get(ctx, name); err == nil {
		return nil, fmt.Errorf("%w: %s", provider.ErrSkillExists, name)
	}

	skill := &provider.Skill{
		Name:        name,
		Description: description,
		Parameters:  params,
		Source:      source,
		Metadata: provider.SkillMetadata{
			CreatedAt: time.Now().UTC(),
			CreatedBy: "agent",
			Origin:    l.origin,
		},
	}
	if err := l.store.Put(ctx, skill); err != nil {
		return nil, fmt.Errorf("persist skill: %w", err)
	}
	return skill, nil
}

func (l *Library) Get(ctx context.Context, name string) (*provider.Skill, error) {
	return l.store.Get(ctx, name)
}

func (l *Library) List(ctx context.Context) ([]provider.Skill, error) {
	return l.store.List(ctx)
}

func (l *Library) Delete(ctx context.Context, name string) (bool, error) {
	deleted, err := l.store.Delete(ctx, name)
	if err != nil {
		return false, err
	}
	if deleted && l.searcher != nil {
		if err := l.searcher.Forget(ctx, name); err != nil {
			return true, fmt.Errorf("skill deleted but index cleanup failed: %w", err)
		}
	}
	return deleted, nil
}

// Search ranks skills against the query. Without a searcher it degrades to
// case-insensitive substring matching over names and descriptions.
func (l *Library) Search(ctx context.Context, query string, limit int) ([]provider.ScoredSkill, error) {
	all, err := l.store.List(ctx)
	if err != nil {
		return nil, err
	}
	if l.searcher != nil {
		return l.searcher.Search(ctx, all, query, limit)
	}
	return substringSearch(all, query, limit), nil
}

func substringSearch(all []provider.Skill, query string, limit int) []provider.ScoredSkill {
	q := strings.ToLower(strings.TrimSpace(query))
	var scored []provider.ScoredSkill
	for _, skill := range all {
		var score float64
		if strings.Contains(strings.ToLower(skill.Name), q) {
			score = 1.0
		} else if strings.Contains(strings.ToLower(skill.Description), q) {
			score = 0.5
		} else {
			continue
		}
		scored = append(scored, provider.ScoredSkill{Skill: skill, Score: score})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	return scored
}

// Invoke runs a skill's entry point in a fresh interpreter with no reserved
// bindings, so skills cannot reach providers behind the agent's back.
func (l *Library) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	skill, err := l.store.Get(ctx, name)
	if err != nil {
		return nil, err
	}

	engine := interp.NewEngine(nil)
	thread := engine.NewThread("skill:"+name, nil)
	namespace.SetContext(thread, ctx)

	if _, err := engine.Exec(thread, skill.Source); err != nil {
		return nil, fmt.Errorf("skill %s failed to load: %s", name, interp.RenderError(err))
	}

	fn, ok := engine.Globals()[EntryPoint]
	if !ok {
		return nil, fmt.Errorf("skill %s defines no %q entry point", name, EntryPoint)
	}

	kwargs := make([]starlark.Tuple, 0, len(args))
	for key, val := range args {
		sv, err := interp.FromGo(val)
		if err != nil {
			return nil, fmt.Errorf("argument %s: %w", key, err)
		}
		kwargs = append(kwargs, starlark.Tuple{starlark.String(key), sv})
	}

	result, err := starlark.Call(thread, fn, nil, kwargs)
	if err != nil {
		return nil, fmt.Errorf("skill %s failed: %s", name, interp.RenderError(err))
	}
	return interp.ToGo(result)
}

package namespace

import (
	"fmt"

	"go.starlark.net/starlark"

	"github.com/HyphaGroup/reliquary/internal/interp"
	"github.com/HyphaGroup/reliquary/internal/provider"
)

func skillToMap(s *provider.Skill) map[string]any {
	params := make([]any, len(s.Parameters))
	for i, p := range s.Parameters {
		params[i] = map[string]any{
			"name":     p.Name,
			"type":     p.Type,
			"required": p.Required,
			"default":  p.Default,
		}
	}
	return map[string]any{
		"name":        s.Name,
		"description": s.Description,
		"parameters":  params,
		"source":      s.Source,
		"metadata": map[string]any{
			"created_at": s.Metadata.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
			"created_by": s.Metadata.CreatedBy,
			"origin":     s.Metadata.Origin,
		},
	}
}

func skillMethods(p provider.SkillProvider) map[string]builtinFunc {
	return map[string]builtinFunc{
		"search": func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var query string
			limit := 5
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "query", &query, "limit?", &limit); err != nil {
				return nil, err
			}
			scored, err := p.Search(threadContext(thread), query, limit)
			if err != nil {
				return nil, err
			}
			out := make([]any, len(scored))
			for i, s := range scored {
				m := skillToMap(&s.Skill)
				m["score"] = s.Score
				out[i] = m
			}
			return interp.FromGo(out)
		},
		"get": func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var name string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name); err != nil {
				return nil, err
			}
			s, err := p.Get(threadContext(thread), name)
			if err != nil {
				return nil, err
			}
			return interp.FromGo(skillToMap(s))
		},
		"list": func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
				return nil, err
			}
			all, err := p.List(threadContext(thread))
			if err != nil {
				return nil, err
			}
			out := make([]any, len(all))
			for i := range all {
				out[i] = skillToMap(&all[i])
			}
			return interp.FromGo(out)
		},
		"create": func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var name, source, description string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs,
				"name", &name, "source", &source, "description", &description); err != nil {
				return nil, err
			}
			s, err := p.Create(threadContext(thread), name, source, description)
			if err != nil {
				return nil, err
			}
			return interp.FromGo(skillToMap(s))
		},
		"delete": func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var name string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name); err != nil {
				return nil, err
			}
			deleted, err := p.Delete(threadContext(thread), name)
			if err != nil {
				return nil, err
			}
			return starlark.Bool(deleted), nil
		},
		// invoke takes the skill name positionally; every keyword argument
		// is passed through to the skill's run entry point.
		"invoke": func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("%s: want skills.invoke(name, **args)", b.Name())
			}
			name, ok := starlark.AsString(args[0])
			if !ok {
				return nil, fmt.Errorf("%s: name must be a string, got %s", b.Name(), args[0].Type())
			}
			skillArgs, err := interp.KwargsToMap(kwargs)
			if err != nil {
				return nil, err
			}
			result, err := p.Invoke(threadContext(thread), name, skillArgs)
			if err != nil {
				return nil, err
			}
			return interp.FromGo(result)
		},
	}
}

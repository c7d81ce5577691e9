package namespace

import (
	"fmt"

	"go.starlark.net/starlark"

	"github.com/HyphaGroup/reliquary/internal/interp"
	"github.com/HyphaGroup/reliquary/internal/provider"
)

func errNotDict(fn, param string, v starlark.Value) error {
	return fmt.Errorf("%s: %s must be a dict, got %s", fn, param, v.Type())
}

func artifactToMap(a *provider.Artifact) map[string]any {
	return map[string]any{
		"name":        a.Name,
		"data":        a.Data,
		"description": a.Description,
		"metadata":    a.Metadata,
		"created_at":  a.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		"updated_at":  a.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
}

func artifactMethods(p provider.ArtifactProvider) map[string]builtinFunc {
	return map[string]builtinFunc{
		"save": func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var name, description string
			var data, metadata starlark.Value
			if err := starlark.UnpackArgs(b.Name(), args, kwargs,
				"name", &name, "data", &data, "description?", &description, "metadata?", &metadata); err != nil {
				return nil, err
			}
			goData, err := interp.ToGo(data)
			if err != nil {
				return nil, err
			}
			var goMeta map[string]any
			if metadata != nil && metadata != starlark.None {
				raw, err := interp.ToGo(metadata)
				if err != nil {
					return nil, err
				}
				m, ok := raw.(map[string]any)
				if !ok {
					return nil, errNotDict(b.Name(), "metadata", metadata)
				}
				goMeta = m
			}
			a, err := p.Save(threadContext(thread), name, goData, description, goMeta)
			if err != nil {
				return nil, err
			}
			return interp.FromGo(artifactToMap(a))
		},
		"load": func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var name string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name); err != nil {
				return nil, err
			}
			data, err := p.Load(threadContext(thread), name)
			if err != nil {
				return nil, err
			}
			return interp.FromGo(data)
		},
		"get": func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var name string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name); err != nil {
				return nil, err
			}
			a, err := p.Get(threadContext(thread), name)
			if err != nil {
				return nil, err
			}
			return interp.FromGo(artifactToMap(a))
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
				out[i] = artifactToMap(&all[i])
			}
			return interp.FromGo(out)
		},
		"exists": func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var name string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name); err != nil {
				return nil, err
			}
			ok, err := p.Exists(threadContext(thread), name)
			if err != nil {
				return nil, err
			}
			return starlark.Bool(ok), nil
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
	}
}

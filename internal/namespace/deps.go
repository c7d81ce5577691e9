package namespace

import (
	"go.starlark.net/starlark"

	"github.com/HyphaGroup/reliquary/internal/interp"
	"github.com/HyphaGroup/reliquary/internal/provider"
)

func depMethods(p provider.DependencyProvider) map[string]builtinFunc {
	return map[string]builtinFunc{
		"add": func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var spec string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "spec", &spec); err != nil {
				return nil, err
			}
			if err := p.Add(threadContext(thread), spec); err != nil {
				return nil, err
			}
			return starlark.None, nil
		},
		"remove": func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var spec string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "spec", &spec); err != nil {
				return nil, err
			}
			removed, err := p.Remove(threadContext(thread), spec)
			if err != nil {
				return nil, err
			}
			return starlark.Bool(removed), nil
		},
		"list": func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
				return nil, err
			}
			specs, err := p.List(threadContext(thread))
			if err != nil {
				return nil, err
			}
			return interp.FromGo(specs)
		},
		"sync": func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
				return nil, err
			}
			report, err := p.Sync(threadContext(thread))
			if err != nil {
				return nil, err
			}
			return interp.FromGo(map[string]any{
				"installed":       toAnySlice(report.Installed),
				"already_present": toAnySlice(report.AlreadyPresent),
				"failed":          toAnySlice(report.Failed),
			})
		},
	}
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

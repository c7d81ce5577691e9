// Package namespace builds the reserved bindings agent code sees: a tools
// object with attribute access per tool, and skills, artifacts and deps
// objects whose methods call straight into host providers. The same bindings
// work in process and inside a worker, because both sides hand in provider
// implementations behind the same interfaces.
package namespace

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.starlark.net/starlark"

	"github.com/HyphaGroup/reliquary/internal/interp"
	"github.com/HyphaGroup/reliquary/internal/provider"
)

// ctxLocal is the thread-local key under which executors store the
// context.Context for the current run.
const ctxLocal = "reliquary.ctx"

// SetContext attaches ctx to a thread so namespace calls can honor it.
func SetContext(thread *starlark.Thread, ctx context.Context) {
	thread.SetLocal(ctxLocal, ctx)
}

func threadContext(thread *starlark.Thread) context.Context {
	if ctx, ok := thread.Local(ctxLocal).(context.Context); ok {
		return ctx
	}
	return context.Background()
}

// Build assembles reserved bindings for the given providers. Nil providers
// are simply absent from the namespace. Tool descriptors are fetched once at
// build time; Start is the natural refresh point.
func Build(ctx context.Context, p provider.Providers) (starlark.StringDict, error) {
	bindings := make(starlark.StringDict)
	if p.Tools != nil {
		descs, err := p.Tools.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("list tools: %w", err)
		}
		bindings["tools"] = &toolsValue{provider: p.Tools, descs: descs}
	}
	if p.Skills != nil {
		bindings["skills"] = newMethodValue("skills", skillMethods(p.Skills))
	}
	if p.Artifacts != nil {
		bindings["artifacts"] = newMethodValue("artifacts", artifactMethods(p.Artifacts))
	}
	if p.Deps != nil {
		bindings["deps"] = newMethodValue("deps", depMethods(p.Deps))
	}
	return bindings, nil
}

// toolsValue is the two-level tools namespace: tools.<tool>.<callable>().
type toolsValue struct {
	provider provider.ToolProvider
	descs    []provider.ToolDescriptor
}

var _ starlark.HasAttrs = (*toolsValue)(nil)

func (t *toolsValue) String() string        { return "<tools>" }
func (t *toolsValue) Type() string          { return "tools" }
func (t *toolsValue) Freeze()               {}
func (t *toolsValue) Truth() starlark.Bool  { return starlark.True }
func (t *toolsValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: tools") }

func (t *toolsValue) AttrNames() []string {
	names := make([]string, 0, len(t.descs)+1)
	names = append(names, "list")
	for _, d := range t.descs {
		names = append(names, d.Name)
	}
	sort.Strings(names)
	return names
}

func (t *toolsValue) Attr(name string) (starlark.Value, error) {
	if name == "list" {
		return starlark.NewBuiltin("tools.list", t.list), nil
	}
	for i := range t.descs {
		if t.descs[i].Name == name {
			return &toolValue{provider: t.provider, desc: t.descs[i]}, nil
		}
	}
	return nil, fmt.Errorf("tool %q not found, available: [%s]", name, strings.Join(t.toolNames(), ", "))
}

func (t *toolsValue) toolNames() []string {
	names := make([]string, len(t.descs))
	for i, d := range t.descs {
		names[i] = d.Name
	}
	sort.Strings(names)
	return names
}

func (t *toolsValue) list(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
		return nil, err
	}
	out := make([]any, len(t.descs))
	for i, d := range t.descs {
		callables := make([]any, len(d.Callables))
		for j, c := range d.Callables {
			callables[j] = map[string]any{
				"name":        c.Name,
				"description": c.Description,
			}
		}
		out[i] = map[string]any{
			"name":        d.Name,
			"description": d.Description,
			"callables":   callables,
		}
	}
	return interp.FromGo(out)
}

// toolValue is one tool; its attributes are callables.
type toolValue struct {
	provider provider.ToolProvider
	desc     provider.ToolDescriptor
}

var (
	_ starlark.HasAttrs = (*toolValue)(nil)
	_ starlark.Callable = (*toolValue)(nil)
)

func (t *toolValue) String() string        { return "<tool " + t.desc.Name + ">" }
func (t *toolValue) Type() string          { return "tool" }
func (t *toolValue) Freeze()               {}
func (t *toolValue) Truth() starlark.Bool  { return starlark.True }
func (t *toolValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: tool") }
func (t *toolValue) Name() string          { return t.desc.Name }

func (t *toolValue) AttrNames() []string {
	names := make([]string, len(t.desc.Callables))
	for i, c := range t.desc.Callables {
		names[i] = c.Name
	}
	sort.Strings(names)
	return names
}

func (t *toolValue) Attr(name string) (starlark.Value, error) {
	for _, c := range t.desc.Callables {
		if c.Name == name {
			callable := name
			return starlark.NewBuiltin(t.desc.Name+"."+name, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				return t.call(thread, b, callable, args, kwargs)
			}), nil
		}
	}
	return nil, fmt.Errorf("tool %q has no callable %q, available: [%s]",
		t.desc.Name, name, strings.Join(t.AttrNames(), ", "))
}

// CallInternal makes a tool with exactly one callable directly invocable.
func (t *toolValue) CallInternal(thread *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(t.desc.Callables) != 1 {
		return nil, fmt.Errorf("tool %q has multiple callables, call one of: [%s]",
			t.desc.Name, strings.Join(t.AttrNames(), ", "))
	}
	b := starlark.NewBuiltin(t.desc.Name, nil)
	return t.call(thread, b, t.desc.Callables[0].Name, args, kwargs)
}

func (t *toolValue) call(thread *starlark.Thread, b *starlark.Builtin, callable string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(args) > 0 {
		return nil, fmt.Errorf("%s: tools take keyword arguments only", b.Name())
	}
	goArgs, err := interp.KwargsToMap(kwargs)
	if err != nil {
		return nil, err
	}
	result, err := t.provider.Call(threadContext(thread), t.desc.Name, callable, goArgs)
	if err != nil {
		return nil, err
	}
	return interp.FromGo(result)
}

// methodValue is a fixed bag of named builtins (skills, artifacts, deps).
type methodValue struct {
	name    string
	methods map[string]*starlark.Builtin
}

var _ starlark.HasAttrs = (*methodValue)(nil)

func newMethodValue(name string, methods map[string]builtinFunc) *methodValue {
	built := make(map[string]*starlark.Builtin, len(methods))
	for m, fn := range methods {
		built[m] = starlark.NewBuiltin(name+"."+m, fn)
	}
	return &methodValue{name: name, methods: built}
}

type builtinFunc func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error)

func (m *methodValue) String() string        { return "<" + m.name + ">" }
func (m *methodValue) Type() string          { return m.name }
func (m *methodValue) Freeze()               {}
func (m *methodValue) Truth() starlark.Bool  { return starlark.True }
func (m *methodValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: %s", m.name) }

func (m *methodValue) AttrNames() []string {
	names := make([]string, 0, len(m.methods))
	for name := range m.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *methodValue) Attr(name string) (starlark.Value, error) {
	if b, ok := m.methods[name]; ok {
		return b, nil
	}
	return nil, fmt.Errorf("%s has no method %q, available: [%s]",
		m.name, name, strings.Join(m.AttrNames(), ", "))
}

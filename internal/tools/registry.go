// Package tools implements the host-side tool registry exposed to agent code
// through the tools namespace. Tools are registered by the embedding
// application: local Go functions, YAML-declared commands, or remote MCP
// servers.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/HyphaGroup/reliquary/internal/logger"
	"github.com/HyphaGroup/reliquary/internal/metrics"
	"github.com/HyphaGroup/reliquary/internal/provider"
)

// Handler executes one callable with already-validated arguments.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Callable is one invocable operation on a tool.
type Callable struct {
	Name        string
	Description string
	InputSchema *jsonschema.Schema
	Handler     Handler

	resolved *jsonschema.Resolved
}

// Tool groups callables under one name in the registry.
type Tool struct {
	Name        string
	Description string

	callables []*Callable
	byName    map[string]*Callable
}

// New creates an empty tool.
func New(name, description string) *Tool {
	return &Tool{
		Name:        name,
		Description: description,
		byName:      make(map[string]*Callable),
	}
}

// AddCallable attaches a callable to the tool. The input schema, if present,
// is resolved eagerly so registration fails fast on a bad schema.
func (t *Tool) AddCallable(c Callable) error {
	if c.Name == "" {
		return fmt.Errorf("tool %s: callable name cannot be empty", t.Name)
	}
	if c.Handler == nil {
		return fmt.Errorf("tool %s: callable %s has no handler", t.Name, c.Name)
	}
	if _, exists := t.byName[c.Name]; exists {
		return fmt.Errorf("tool %s: duplicate callable %s", t.Name, c.Name)
	}
	if c.InputSchema != nil {
		resolved, err := c.InputSchema.Resolve(nil)
		if err != nil {
			return fmt.Errorf("tool %s: callable %s: resolve schema: %w", t.Name, c.Name, err)
		}
		c.resolved = resolved
	}
	cp := c
	t.callables = append(t.callables, &cp)
	t.byName[c.Name] = &cp
	return nil
}

// Registry implements the tool provider over registered tools.
type Registry struct {
	mu          sync.RWMutex
	tools       map[string]*Tool
	order       []string
	callTimeout time.Duration
}

var _ provider.ToolProvider = (*Registry)(nil)

// NewRegistry creates a registry. callTimeout bounds each tool call;
// zero means no registry-imposed bound.
func NewRegistry(callTimeout time.Duration) *Registry {
	return &Registry{
		tools:       make(map[string]*Tool),
		callTimeout: callTimeout,
	}
}

// Register adds a tool. Tool names are unique.
func (r *Registry) Register(t *Tool) error {
	if t.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if len(t.callables) == 0 {
		return fmt.Errorf("tool %s has no callables", t.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("tool %s already registered", t.Name)
	}
	r.tools[t.Name] = t
	r.order = append(r.order, t.Name)
	sort.Strings(r.order)
	logger.Slog().Info("registered tool", "tool", t.Name, "callables", len(t.callables))
	return nil
}

// List returns descriptors for all registered tools, sorted by name.
func (r *Registry) List(ctx context.Context) ([]provider.ToolDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]provider.ToolDescriptor, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		desc := provider.ToolDescriptor{Name: t.Name, Description: t.Description}
		for _, c := range t.callables {
			desc.Callables = append(desc.Callables, provider.CallableDescriptor{
				Name:        c.Name,
				Description: c.Description,
				InputSchema: schemaToMap(c.InputSchema),
			})
		}
		out = append(out, desc)
	}
	return out, nil
}

// Call invokes a callable on a tool. An empty callable name selects the
// tool's only callable; tools with several require an explicit choice.
func (r *Registry) Call(ctx context.Context, tool, callable string, args map[string]any) (any, error) {
	r.mu.RLock()
	t, ok := r.tools[tool]
	available := strings.Join(r.order, ", ")
	r.mu.RUnlock()
	if !ok {
		metrics.RecordToolCall(tool, "not_found")
		return nil, fmt.Errorf("%w: %q (available: %s)", provider.ErrToolNotFound, tool, available)
	}

	c, err := t.resolve(callable)
	if err != nil {
		metrics.RecordToolCall(tool, "not_found")
		return nil, err
	}

	if args == nil {
		args = map[string]any{}
	}
	if c.resolved != nil {
		if err := c.resolved.Validate(args); err != nil {
			metrics.RecordToolCall(tool, "invalid_args")
			return nil, fmt.Errorf("%w: %s.%s: invalid arguments: %v", provider.ErrToolCallFailed, tool, c.Name, err)
		}
	}

	if r.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.callTimeout)
		defer cancel()
	}

	result, err := c.Handler(ctx, args)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			metrics.RecordToolCall(tool, "timeout")
			return nil, fmt.Errorf("%w: %s.%s", provider.ErrToolTimedOut, tool, c.Name)
		}
		metrics.RecordToolCall(tool, "error")
		return nil, fmt.Errorf("%w: %s.%s: %v", provider.ErrToolCallFailed, tool, c.Name, err)
	}
	metrics.RecordToolCall(tool, "ok")
	return result, nil
}

func (t *Tool) resolve(callable string) (*Callable, error) {
	if callable == "" {
		if len(t.callables) == 1 {
			return t.callables[0], nil
		}
		return nil, fmt.Errorf("%w: tool %q requires a callable (has %d)", provider.ErrToolNotFound, t.Name, len(t.callables))
	}
	c, ok := t.byName[callable]
	if !ok {
		names := make([]string, len(t.callables))
		for i, cc := range t.callables {
			names[i] = cc.Name
		}
		return nil, fmt.Errorf("%w: %s.%s (available: %s)", provider.ErrToolNotFound, t.Name, callable, strings.Join(names, ", "))
	}
	return c, nil
}

// schemaToMap converts a schema to the plain map form carried in descriptors
// and over the RPC bridge.
func schemaToMap(s *jsonschema.Schema) map[string]any {
	if s == nil {
		return nil
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

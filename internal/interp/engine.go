// Package interp wraps the Starlark interpreter in a persistent, REPL-style
// engine: globals survive across Exec calls, and a block whose final
// statement is a bare expression yields that expression's value.
package interp

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/HyphaGroup/reliquary/internal/validation"
)

func init() {
	// Agent code is imperative scratch work, not a config language. Allow
	// rebinding globals across calls, recursion, and the set type.
	resolve.AllowGlobalReassign = true
	resolve.AllowRecursion = true
	resolve.AllowSet = true
}

// Engine is a persistent evaluation environment. Reserved bindings are
// installed at construction and restored on Reset; user bindings accumulate
// across Exec calls until Reset.
type Engine struct {
	mu       sync.Mutex
	reserved starlark.StringDict
	globals  starlark.StringDict

	// loadMu guards the load state separately: load() runs inside an Exec
	// that already holds mu.
	loadMu  sync.Mutex
	loadDir string
	loaded  map[string]*loadEntry
}

type loadEntry struct {
	globals starlark.StringDict
	err     error
}

// NewEngine creates an engine whose namespace starts with the given reserved
// bindings. reserved may be nil.
func NewEngine(reserved starlark.StringDict) *Engine {
	e := &Engine{
		reserved: reserved,
		globals:  make(starlark.StringDict),
		loaded:   make(map[string]*loadEntry),
	}
	for name, v := range reserved {
		e.globals[name] = v
	}
	return e
}

// SetLoadDir enables load() statements resolving relative .star paths under
// dir. Paths are validated against traversal before use.
func (e *Engine) SetLoadDir(dir string) {
	e.loadMu.Lock()
	defer e.loadMu.Unlock()
	e.loadDir = dir
}

// ReservedNames returns the names that Reset preserves.
func (e *Engine) ReservedNames() []string {
	names := make([]string, 0, len(e.reserved))
	for name := range e.reserved {
		names = append(names, name)
	}
	return names
}

// Exec evaluates one block of code against the persistent namespace using
// the given thread. If the block's final statement is a bare expression, its
// value is returned; otherwise the result is nil.
func (e *Engine) Exec(thread *starlark.Thread, code string) (starlark.Value, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	f, err := syntax.Parse("<agent>", code, 0)
	if err != nil {
		return nil, err
	}

	// Split off a trailing bare expression so it can be evaluated for its
	// value after the rest of the block executes.
	var tail syntax.Expr
	if n := len(f.Stmts); n > 0 {
		if es, ok := f.Stmts[n-1].(*syntax.ExprStmt); ok {
			tail = es.X
			f.Stmts = f.Stmts[:n-1]
		}
	}

	if len(f.Stmts) > 0 {
		if err := starlark.ExecREPLChunk(f, thread, e.globals); err != nil {
			return nil, err
		}
	}
	if tail == nil {
		return nil, nil
	}
	return starlark.EvalExpr(thread, tail, e.globals)
}

// Globals returns a snapshot of the current namespace bindings.
func (e *Engine) Globals() starlark.StringDict {
	e.mu.Lock()
	defer e.mu.Unlock()
	snapshot := make(starlark.StringDict, len(e.globals))
	for name, v := range e.globals {
		snapshot[name] = v
	}
	return snapshot
}

// Reset discards all user bindings and loaded modules, restoring the
// namespace to its reserved bindings.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.globals = make(starlark.StringDict, len(e.reserved))
	for name, v := range e.reserved {
		e.globals[name] = v
	}
	e.mu.Unlock()

	e.loadMu.Lock()
	e.loaded = make(map[string]*loadEntry)
	e.loadMu.Unlock()
}

// NewThread creates a thread whose print output is delivered to sink.
// The thread's Load hook resolves modules under the configured load dir.
func (e *Engine) NewThread(name string, sink func(string)) *starlark.Thread {
	thread := &starlark.Thread{
		Name: name,
		Print: func(_ *starlark.Thread, msg string) {
			if sink != nil {
				sink(msg)
			}
		},
	}
	thread.Load = e.load
	return thread
}

func (e *Engine) load(thread *starlark.Thread, module string) (starlark.StringDict, error) {
	e.loadMu.Lock()
	dir := e.loadDir
	entry, ok := e.loaded[module]
	e.loadMu.Unlock()

	if dir == "" {
		return nil, fmt.Errorf("load not supported: no module directory configured")
	}
	if ok {
		return entry.globals, entry.err
	}

	rel, err := validation.SanitizePath(module)
	if err != nil {
		return nil, fmt.Errorf("load %q: %w", module, err)
	}
	if !strings.HasSuffix(rel, ".star") {
		return nil, fmt.Errorf("load %q: modules must be .star files", module)
	}

	src, err := os.ReadFile(filepath.Join(dir, rel))
	if err != nil {
		return nil, fmt.Errorf("load %q: %w", module, err)
	}

	globals, err := starlark.ExecFile(thread, module, src, e.reserved)
	e.loadMu.Lock()
	e.loaded[module] = &loadEntry{globals: globals, err: err}
	e.loadMu.Unlock()
	return globals, err
}

// RenderError formats an evaluation error for an ExecutionResult. Backtraces
// are included for runtime errors so the caller can see where agent code
// failed.
func RenderError(err error) string {
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return evalErr.Backtrace()
	}
	return err.Error()
}

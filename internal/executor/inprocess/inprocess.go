// Package inprocess runs agent code on the host's own interpreter. It is the
// fastest backend and the weakest isolation: a timeout abandons the
// offending goroutine with a best-effort cancellation, it cannot kill it.
package inprocess

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.starlark.net/starlark"

	"github.com/HyphaGroup/reliquary/internal/executor"
	"github.com/HyphaGroup/reliquary/internal/interp"
	"github.com/HyphaGroup/reliquary/internal/logger"
	"github.com/HyphaGroup/reliquary/internal/metrics"
	"github.com/HyphaGroup/reliquary/internal/namespace"
	"github.com/HyphaGroup/reliquary/internal/provider"
)

const backendName = "inprocess"

// Options configures an in-process executor.
type Options struct {
	// ModulesDir enables load() of .star modules under this directory.
	// Empty disables load entirely.
	ModulesDir string
}

// Executor is the in-process backend.
type Executor struct {
	opts Options

	mu        sync.Mutex
	state     executor.State
	engine    *interp.Engine
	providers provider.Providers
	runSeq    int
}

// New creates an unstarted in-process executor.
func New(opts Options) *Executor {
	return &Executor{opts: opts, state: executor.StateUnstarted}
}

// Start builds the namespace bindings and brings up the engine.
func (e *Executor) Start(providers provider.Providers) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case executor.StateRunning:
		return executor.ErrAlreadyStarted
	case executor.StateClosed:
		return executor.ErrClosed
	}

	bindings, err := namespace.Build(context.Background(), providers)
	if err != nil {
		return fmt.Errorf("build namespace: %w", err)
	}
	e.engine = interp.NewEngine(bindings)
	if e.opts.ModulesDir != "" {
		e.engine.SetLoadDir(e.opts.ModulesDir)
	}
	e.providers = providers
	e.state = executor.StateRunning
	return nil
}

type runOutcome struct {
	value starlark.Value
	err   error
}

// Run executes one block of agent code with the given timeout. A timeout of
// zero means no deadline.
func (e *Executor) Run(code string, timeout time.Duration) (*executor.ExecutionResult, error) {
	e.mu.Lock()
	switch e.state {
	case executor.StateUnstarted:
		e.mu.Unlock()
		return nil, executor.ErrNotStarted
	case executor.StateClosed:
		e.mu.Unlock()
		return executor.ClosedResult(), nil
	}
	e.runSeq++
	runName := fmt.Sprintf("run-%d", e.runSeq)
	engine := e.engine
	e.mu.Unlock()

	var stdout strings.Builder
	var stdoutMu sync.Mutex
	thread := engine.NewThread(runName, func(msg string) {
		stdoutMu.Lock()
		stdout.WriteString(msg)
		stdout.WriteString("\n")
		stdoutMu.Unlock()
	})

	ctx := context.Background()
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	namespace.SetContext(thread, ctx)

	start := time.Now()
	done := make(chan runOutcome, 1)
	go func() {
		value, err := engine.Exec(thread, code)
		done <- runOutcome{value: value, err: err}
	}()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case out := <-done:
		elapsed := time.Since(start).Seconds()
		snapshot := func() string {
			stdoutMu.Lock()
			defer stdoutMu.Unlock()
			return stdout.String()
		}()
		if out.err != nil {
			metrics.RecordExecution(backendName, "error", elapsed)
			return &executor.ExecutionResult{
				Stdout: snapshot,
				Error:  interp.RenderError(out.err),
			}, nil
		}
		value, err := interp.ToGo(out.value)
		if err != nil {
			metrics.RecordExecution(backendName, "error", elapsed)
			return &executor.ExecutionResult{Stdout: snapshot, Error: err.Error()}, nil
		}
		metrics.RecordExecution(backendName, "ok", elapsed)
		return &executor.ExecutionResult{Value: value, Stdout: snapshot}, nil

	case <-timer:
		// Best-effort cancellation; the goroutine is abandoned either way
		// and its eventual outcome is discarded.
		thread.Cancel("execution timed out")
		metrics.RecordExecution(backendName, "timeout", time.Since(start).Seconds())
		logger.Slog().Warn("abandoning timed out execution", "run", runName, "timeout", timeout)
		stdoutMu.Lock()
		snapshot := stdout.String()
		stdoutMu.Unlock()
		return executor.TimeoutResult(timeout, snapshot), nil
	}
}

// Reset clears user bindings, keeping reserved provider bindings.
func (e *Executor) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case executor.StateUnstarted:
		return executor.ErrNotStarted
	case executor.StateClosed:
		return executor.ErrClosed
	}
	e.engine.Reset()
	return nil
}

// Close shuts the executor down and closes any closeable providers.
func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == executor.StateClosed {
		return nil
	}
	e.state = executor.StateClosed
	e.engine = nil

	var firstErr error
	for _, p := range []any{e.providers.Tools, e.providers.Skills, e.providers.Artifacts, e.providers.Deps} {
		if closer, ok := p.(io.Closer); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Supports reports the backend's capabilities.
func (e *Executor) Supports(c executor.Capability) bool {
	switch c {
	case executor.CapTimeout, executor.CapReset:
		return true
	default:
		return false
	}
}

// SupportedCapabilities lists the backend's capabilities.
func (e *Executor) SupportedCapabilities() []executor.Capability {
	return executor.CapabilitiesOf(e.Supports)
}

// Package executor defines the execution backend contract. Backends differ
// in isolation strength but present identical semantics to callers: agent
// code runs against a persistent namespace and each run yields a result
// carrying a value, captured stdout, or an execution error.
package executor

import (
	"errors"
	"fmt"
	"time"

	"github.com/HyphaGroup/reliquary/internal/provider"
)

// Capability identifies an optional backend feature.
type Capability string

const (
	// CapTimeout means Run enforces its timeout argument.
	CapTimeout Capability = "TIMEOUT"
	// CapProcessIsolation means agent code runs outside the host process.
	CapProcessIsolation Capability = "PROCESS_ISOLATION"
	// CapReset means the namespace can be cleared without restarting the host.
	CapReset Capability = "RESET"
	// CapNetworkIsolation means agent code cannot reach the network directly.
	CapNetworkIsolation Capability = "NETWORK_ISOLATION"
	// CapFilesystemIsolation means agent code sees a private filesystem.
	CapFilesystemIsolation Capability = "FILESYSTEM_ISOLATION"
)

// State tracks an executor's lifecycle.
type State int

const (
	StateUnstarted State = iota
	StateRunning
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateRunning:
		return "running"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Infrastructure errors. These are returned as Go errors from lifecycle
// methods; they are failures of the runtime itself, never of agent code.
var (
	ErrNotStarted     = errors.New("executor not started")
	ErrAlreadyStarted = errors.New("executor already started")
	ErrClosed         = errors.New("executor closed")
)

// ExecutionResult is the outcome of one Run. Error is an agent-code failure
// rendered as text; when it is non-empty, Value is always nil. Stdout holds
// everything the code printed, captured even when the run failed.
type ExecutionResult struct {
	Value  any    `json:"value,omitempty"`
	Stdout string `json:"stdout"`
	Error  string `json:"error,omitempty"`
}

// Failed reports whether the run produced an execution error.
func (r *ExecutionResult) Failed() bool { return r.Error != "" }

// Executor is one isolated execution environment with a persistent
// namespace. Implementations are safe for sequential use by one caller;
// concurrent Run calls on the same executor are not supported.
type Executor interface {
	// Start provisions the environment and installs provider bindings.
	// Calling Start twice returns ErrAlreadyStarted.
	Start(providers provider.Providers) error

	// Run executes one block of agent code. Run before Start returns
	// ErrNotStarted. Run after Close returns a result whose Error explains
	// the executor is closed, not a Go error: a dead backend is an outcome
	// the agent can observe, not a caller bug.
	Run(code string, timeout time.Duration) (*ExecutionResult, error)

	// Reset clears user bindings while keeping the environment alive.
	Reset() error

	// Close tears the environment down. Close is idempotent.
	Close() error

	// Supports reports whether the backend provides a capability.
	Supports(c Capability) bool

	// SupportedCapabilities lists every capability the backend provides.
	SupportedCapabilities() []Capability
}

// allCapabilities is the probe order for SupportedCapabilities helpers.
var allCapabilities = []Capability{
	CapTimeout,
	CapProcessIsolation,
	CapReset,
	CapNetworkIsolation,
	CapFilesystemIsolation,
}

// CapabilitiesOf builds the capability list from a Supports predicate.
func CapabilitiesOf(supports func(Capability) bool) []Capability {
	var out []Capability
	for _, c := range allCapabilities {
		if supports(c) {
			out = append(out, c)
		}
	}
	return out
}

// TimeoutResult builds the result returned when a run exceeds its deadline.
func TimeoutResult(timeout time.Duration, stdout string) *ExecutionResult {
	return &ExecutionResult{
		Stdout: stdout,
		Error:  fmt.Sprintf("execution timed out after %s", timeout),
	}
}

// ClosedResult builds the result returned for runs on a closed executor.
func ClosedResult() *ExecutionResult {
	return &ExecutionResult{Error: "executor is closed"}
}

// Package container runs agent code in a Docker container, giving process,
// network and filesystem isolation. The containerized worker serves the HTTP
// execution protocol; host provider callbacks are not available in this
// mode, so the namespace inside the container carries no reserved bindings.
package container

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/HyphaGroup/reliquary/internal/executor"
	"github.com/HyphaGroup/reliquary/internal/logger"
	"github.com/HyphaGroup/reliquary/internal/metrics"
	"github.com/HyphaGroup/reliquary/internal/provider"
)

const backendName = "container"

// Options configures a container executor.
type Options struct {
	// Image is the worker image to run.
	Image string
	// Memory caps container memory in bytes. Zero means unlimited.
	Memory int64
	// CPUs caps CPU cores. Zero means unlimited.
	CPUs float64
	// NetworkMode is the Docker network mode. Empty means "none", which
	// runs the worker on an internal bridge network with no route out.
	NetworkMode string
	// PullImage pulls the image before starting.
	PullImage bool
	// StartupTimeout bounds container start and first health check.
	StartupTimeout time.Duration
}

// launcher starts the isolated runtime and returns its HTTP endpoint plus a
// teardown function. Swapped in tests for an httptest server.
type launcher func(ctx context.Context) (endpoint string, teardown func() error, err error)

// Executor is the container backend.
type Executor struct {
	opts   Options
	launch launcher

	mu       sync.Mutex
	state    executor.State
	endpoint string
	teardown func() error
	httpc    *http.Client
}

var _ executor.Executor = (*Executor)(nil)

// New creates an unstarted container executor.
func New(opts Options) *Executor {
	if opts.NetworkMode == "" {
		opts.NetworkMode = "none"
	}
	if opts.StartupTimeout == 0 {
		opts.StartupTimeout = 60 * time.Second
	}
	e := &Executor{
		opts:  opts,
		state: executor.StateUnstarted,
		httpc: &http.Client{},
	}
	e.launch = e.launchDocker
	return e
}

// Start launches the container and waits for the worker to answer health
// checks. Providers are accepted for interface compatibility but cannot be
// reached from inside the container; passing any is rejected so the caller
// cannot silently lose capabilities.
func (e *Executor) Start(providers provider.Providers) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case executor.StateRunning:
		return executor.ErrAlreadyStarted
	case executor.StateClosed:
		return executor.ErrClosed
	}
	if providers.Tools != nil || providers.Skills != nil || providers.Artifacts != nil || providers.Deps != nil {
		return fmt.Errorf("container backend cannot bridge host providers")
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.opts.StartupTimeout)
	defer cancel()

	endpoint, teardown, err := e.launch(ctx)
	if err != nil {
		return err
	}
	e.endpoint = endpoint
	e.teardown = teardown

	if err := e.waitHealthy(ctx); err != nil {
		teardown()
		return err
	}
	e.state = executor.StateRunning
	logger.Slog().Info("container worker ready", "endpoint", endpoint)
	return nil
}

func (e *Executor) waitHealthy(ctx context.Context) error {
	url := e.endpoint + "/healthz"
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := e.httpc.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("worker never became healthy: %w", ctx.Err())
		case <-time.After(250 * time.Millisecond):
		}
	}
}

type executeRequest struct {
	Code      string `json:"code"`
	TimeoutMS int64  `json:"timeout_ms,omitempty"`
}

type executeResponse struct {
	Value  any    `json:"value,omitempty"`
	Stdout string `json:"stdout"`
	Error  string `json:"error,omitempty"`
}

// Run executes one block of agent code in the container.
func (e *Executor) Run(code string, timeout time.Duration) (*executor.ExecutionResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case executor.StateUnstarted:
		return nil, executor.ErrNotStarted
	case executor.StateClosed:
		return executor.ClosedResult(), nil
	}

	body, err := json.Marshal(executeRequest{Code: code, TimeoutMS: timeout.Milliseconds()})
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	var cancel context.CancelFunc
	if timeout > 0 {
		// The worker enforces the timeout itself; the HTTP deadline only
		// guards against a wedged container.
		ctx, cancel = context.WithTimeout(ctx, timeout+10*time.Second)
		defer cancel()
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/execute", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			metrics.RecordExecution(backendName, "timeout", time.Since(start).Seconds())
			return executor.TimeoutResult(timeout, ""), nil
		}
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("execute request: worker returned %s", resp.Status)
	}

	var out executeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode execute response: %w", err)
	}

	elapsed := time.Since(start).Seconds()
	if out.Error != "" {
		metrics.RecordExecution(backendName, "error", elapsed)
		return &executor.ExecutionResult{Stdout: out.Stdout, Error: out.Error}, nil
	}
	metrics.RecordExecution(backendName, "ok", elapsed)
	return &executor.ExecutionResult{Value: out.Value, Stdout: out.Stdout}, nil
}

// Reset clears the container worker's namespace in place.
func (e *Executor) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case executor.StateUnstarted:
		return executor.ErrNotStarted
	case executor.StateClosed:
		return executor.ErrClosed
	}

	resp, err := e.httpc.Post(e.endpoint+"/reset", "application/json", bytes.NewReader([]byte("{}")))
	if err != nil {
		return fmt.Errorf("reset request: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("reset request: worker returned %s", resp.Status)
	}
	return nil
}

// Close stops and removes the container. Idempotent.
func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == executor.StateClosed {
		return nil
	}
	wasStarted := e.state == executor.StateRunning
	e.state = executor.StateClosed
	if wasStarted && e.teardown != nil {
		return e.teardown()
	}
	return nil
}

// Supports reports the backend's capabilities.
func (e *Executor) Supports(c executor.Capability) bool {
	switch c {
	case executor.CapTimeout, executor.CapReset, executor.CapProcessIsolation, executor.CapFilesystemIsolation:
		return true
	case executor.CapNetworkIsolation:
		return e.opts.NetworkMode == "none"
	default:
		return false
	}
}

// SupportedCapabilities lists the backend's capabilities.
func (e *Executor) SupportedCapabilities() []executor.Capability {
	return executor.CapabilitiesOf(e.Supports)
}

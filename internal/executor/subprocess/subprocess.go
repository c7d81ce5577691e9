package subprocess

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/HyphaGroup/reliquary/internal/executor"
	"github.com/HyphaGroup/reliquary/internal/logger"
	"github.com/HyphaGroup/reliquary/internal/metrics"
	"github.com/HyphaGroup/reliquary/internal/provider"
	"github.com/HyphaGroup/reliquary/internal/rpc"
)

const (
	backendName = "subprocess"

	// maxFrameSize bounds one protocol frame on the worker's stdout.
	maxFrameSize = 10 * 1024 * 1024

	// defaultGrace is how long past the agent timeout the host waits for
	// the worker's own timeout report before killing the process.
	defaultGrace = 2 * time.Second

	// startupTimeout bounds worker spawn, readiness and setup.
	startupTimeout = 30 * time.Second
)

// Options configures a subprocess executor.
type Options struct {
	// WorkerPath is the reliquary-worker binary to launch.
	WorkerPath string
	// CacheDir is where worker environments are provisioned.
	CacheDir string
	// SpecName names the environment; equal names share a provisioned dir.
	SpecName string
	// PersistEnv keeps the environment on disk after Close.
	PersistEnv bool
	// Grace overrides the kill grace period. Zero means defaultGrace.
	Grace time.Duration
	// OnOutput, when set, receives stdout chunks as the worker streams them.
	OnOutput func(string)
}

// workerHandle abstracts the spawned process so tests can stand in a fake
// worker over pipes.
type workerHandle interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Kill() error
	Wait() error
}

// Executor is the subprocess backend.
type Executor struct {
	opts   Options
	envMgr *EnvManager

	// startProcess is swapped in tests.
	startProcess func(env *WorkerEnv) (workerHandle, error)

	mu        sync.Mutex
	state     executor.State
	providers provider.Providers
	env       *WorkerEnv

	handle     workerHandle
	stdin      io.WriteCloser
	writeMu    sync.Mutex
	readyCh    chan rpc.ReadyMessage
	resultCh   chan rpc.ResultMessage
	readerDone chan struct{}

	// currentRun holds the in-flight run id so RPC dispatch logs can be
	// correlated with the run that triggered them.
	currentRun atomic.Value
}

var _ executor.Executor = (*Executor)(nil)

// New creates an unstarted subprocess executor.
func New(opts Options) *Executor {
	if opts.Grace == 0 {
		opts.Grace = defaultGrace
	}
	if opts.SpecName == "" {
		opts.SpecName = "default"
	}
	e := &Executor{
		opts:   opts,
		envMgr: NewEnvManager(opts.CacheDir),
		state:  executor.StateUnstarted,
	}
	e.startProcess = e.startOSProcess
	return e
}

type osProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
}

func (p *osProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *osProcess) Stdout() io.Reader     { return p.stdout }
func (p *osProcess) Kill() error           { return p.cmd.Process.Kill() }
func (p *osProcess) Wait() error           { return p.cmd.Wait() }

func (e *Executor) startOSProcess(env *WorkerEnv) (workerHandle, error) {
	cmd := exec.Command(e.opts.WorkerPath)
	cmd.Dir = env.RootPath
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}
	return &osProcess{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

// Start provisions the environment, launches the worker and completes setup.
func (e *Executor) Start(providers provider.Providers) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case executor.StateRunning:
		return executor.ErrAlreadyStarted
	case executor.StateClosed:
		return executor.ErrClosed
	}

	env, err := e.envMgr.Provision(e.opts.SpecName)
	if err != nil {
		return fmt.Errorf("provision env: %w", err)
	}
	e.env = env
	e.providers = providers

	if err := e.spawnLocked(); err != nil {
		return err
	}
	e.state = executor.StateRunning
	return nil
}

// spawnLocked launches a worker, waits for readiness and runs setup. The
// reader loop it starts serves rpc_request frames for the worker's lifetime.
func (e *Executor) spawnLocked() error {
	handle, err := e.startProcess(e.env)
	if err != nil {
		return err
	}

	e.handle = handle
	e.stdin = handle.Stdin()
	e.readyCh = make(chan rpc.ReadyMessage, 1)
	e.resultCh = make(chan rpc.ResultMessage, 1)
	e.readerDone = make(chan struct{})

	go e.readLoop(e.stdin, handle.Stdout(), e.readyCh, e.resultCh, e.readerDone)
	metrics.ActiveWorkers.Inc()

	select {
	case ready := <-e.readyCh:
		if ready.ProtocolVersion != rpc.ProtocolVersion {
			e.killLocked()
			return fmt.Errorf("worker protocol version %d, host speaks %d", ready.ProtocolVersion, rpc.ProtocolVersion)
		}
		logger.Slog().Info("worker ready", "pid", ready.PID, "spec", e.env.SpecName)
	case <-e.readerDone:
		e.killLocked()
		return fmt.Errorf("worker exited before ready")
	case <-time.After(startupTimeout):
		e.killLocked()
		return fmt.Errorf("worker not ready after %s", startupTimeout)
	}

	setup := rpc.SetupMessage{
		Type:       rpc.TypeSetup,
		Namespaces: grantedNamespaces(e.providers),
		ModulesDir: e.env.ModulesDir,
	}
	if err := e.send(setup); err != nil {
		e.killLocked()
		return fmt.Errorf("send setup: %w", err)
	}

	select {
	case result := <-e.resultCh:
		if result.Error != nil {
			e.killLocked()
			return fmt.Errorf("worker setup failed: %s", result.Error.Message)
		}
	case <-e.readerDone:
		e.killLocked()
		return fmt.Errorf("worker exited during setup")
	case <-time.After(startupTimeout):
		e.killLocked()
		return fmt.Errorf("worker setup not acknowledged after %s", startupTimeout)
	}
	return nil
}

func grantedNamespaces(p provider.Providers) []string {
	var ns []string
	if p.Tools != nil {
		ns = append(ns, "tools")
	}
	if p.Skills != nil {
		ns = append(ns, "skills")
	}
	if p.Artifacts != nil {
		ns = append(ns, "artifacts")
	}
	if p.Deps != nil {
		ns = append(ns, "deps")
	}
	return ns
}

// send writes one frame to the current worker. Callers hold e.mu, which
// also guards the e.stdin field itself.
func (e *Executor) send(v any) error {
	return e.sendTo(e.stdin, v)
}

// sendTo writes one frame to a specific worker's stdin. Dispatch goroutines
// pin the writer of the worker that issued the request, so a response raced
// against a restart lands in the dead worker's closed pipe instead of
// corrupting the replacement's stream.
func (e *Executor) sendTo(stdin io.Writer, v any) error {
	frame, err := rpc.Encode(v)
	if err != nil {
		return err
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	_, err = stdin.Write(frame)
	return err
}

// readLoop owns one worker's stdio. It routes rpc_request frames to the
// dispatcher, results and readiness to their channels, and streamed output
// to the configured sink. It runs until the stream closes.
func (e *Executor) readLoop(stdin io.Writer, stdout io.Reader, readyCh chan rpc.ReadyMessage, resultCh chan rpc.ResultMessage, done chan struct{}) {
	defer close(done)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 1024*1024), maxFrameSize)

	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		if len(line) == 0 {
			continue
		}
		typ, err := rpc.PeekType(line)
		if err != nil {
			logger.Slog().Warn("dropping malformed worker frame", "err", err)
			continue
		}
		switch typ {
		case rpc.TypeReady:
			var ready rpc.ReadyMessage
			if json.Unmarshal(line, &ready) == nil {
				select {
				case readyCh <- ready:
				default:
				}
			}

		case rpc.TypeRPCRequest:
			var req rpc.Request
			if err := json.Unmarshal(line, &req); err != nil {
				logger.Slog().Warn("dropping bad rpc request", "err", err)
				continue
			}
			// Served concurrently so a slow provider cannot stall the
			// stream carrying the execution result.
			go func() {
				ctx := context.Background()
				if runID, ok := e.currentRun.Load().(string); ok && runID != "" {
					ctx = context.WithValue(ctx, logger.ContextKeyRunID, runID)
				}
				resp := dispatch(ctx, e.providers, &req)
				if err := e.sendTo(stdin, resp); err != nil {
					logger.Slog().Warn("failed to answer rpc request", "id", req.ID, "err", err)
				}
			}()

		case rpc.TypeOutput:
			var out rpc.OutputMessage
			if json.Unmarshal(line, &out) == nil && e.opts.OnOutput != nil {
				e.opts.OnOutput(out.Data)
			}

		case rpc.TypeResult:
			var result rpc.ResultMessage
			if err := json.Unmarshal(line, &result); err != nil {
				logger.Slog().Warn("dropping bad result frame", "err", err)
				continue
			}
			select {
			case resultCh <- result:
			default:
				logger.Slog().Warn("dropping unexpected result frame", "run_id", result.RunID)
			}

		default:
			logger.Slog().Warn("dropping worker frame with unexpected type", "type", typ)
		}
	}
}

// Run executes one block of agent code in the worker. On timeout the worker
// is killed and respawned, so the kill is guaranteed at the cost of losing
// namespace state.
func (e *Executor) Run(code string, timeout time.Duration) (*executor.ExecutionResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case executor.StateUnstarted:
		return nil, executor.ErrNotStarted
	case executor.StateClosed:
		return executor.ClosedResult(), nil
	}

	runID := uuid.New().String()
	e.currentRun.Store(runID)
	defer e.currentRun.Store("")
	msg := rpc.ExecuteMessage{
		Type:  rpc.TypeExecute,
		RunID: runID,
		Code:  code,
	}
	if timeout > 0 {
		msg.TimeoutMS = timeout.Milliseconds()
	}

	start := time.Now()
	if err := e.send(msg); err != nil {
		return nil, fmt.Errorf("send execute: %w", err)
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout + e.opts.Grace)
		defer t.Stop()
		deadline = t.C
	}

	select {
	case result := <-e.resultCh:
		elapsed := time.Since(start).Seconds()
		if result.Error != nil {
			if result.Error.Type == "TimeoutError" {
				// The worker reported the timeout but its interpreter may
				// still be wedged on the abandoned run. Replace it.
				metrics.RecordExecution(backendName, "timeout", elapsed)
				e.restartLocked()
				return executor.TimeoutResult(timeout, result.Stdout), nil
			}
			metrics.RecordExecution(backendName, "error", elapsed)
			return &executor.ExecutionResult{
				Stdout: result.Stdout,
				Error:  result.Error.Message,
			}, nil
		}
		metrics.RecordExecution(backendName, "ok", elapsed)
		return &executor.ExecutionResult{Value: result.Value, Stdout: result.Stdout}, nil

	case <-deadline:
		metrics.RecordExecution(backendName, "timeout", time.Since(start).Seconds())
		logger.Slog().Warn("worker unresponsive past grace, killing", "run_id", runID, "timeout", timeout)
		e.restartLocked()
		return executor.TimeoutResult(timeout, ""), nil

	case <-e.readerDone:
		metrics.RecordExecution(backendName, "error", time.Since(start).Seconds())
		e.restartLocked()
		return &executor.ExecutionResult{Error: "worker exited unexpectedly"}, nil
	}
}

// restartLocked replaces the worker process, keeping the environment. A
// respawn failure leaves the executor closed rather than half-alive.
func (e *Executor) restartLocked() {
	e.killLocked()
	if err := e.spawnLocked(); err != nil {
		logger.Slog().Error("worker respawn failed, closing executor", "err", err)
		e.state = executor.StateClosed
	}
}

// killLocked tears down the current worker process, if any.
func (e *Executor) killLocked() {
	if e.handle == nil {
		return
	}
	e.stdin.Close()
	select {
	case <-e.readerDone:
	case <-time.After(e.opts.Grace):
		e.handle.Kill()
		<-e.readerDone
	}
	e.handle.Wait()
	e.handle = nil
	metrics.ActiveWorkers.Dec()
}

// Reset restarts the worker process and re-runs setup, discarding all user
// bindings while keeping the provisioned environment.
func (e *Executor) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case executor.StateUnstarted:
		return executor.ErrNotStarted
	case executor.StateClosed:
		return executor.ErrClosed
	}

	e.shutdownLocked()
	return e.spawnLocked()
}

// shutdownLocked asks the worker to exit and escalates to a kill.
func (e *Executor) shutdownLocked() {
	if e.handle == nil {
		return
	}
	if err := e.send(rpc.ShutdownMessage{Type: rpc.TypeShutdown}); err == nil {
		select {
		case <-e.readerDone:
			e.handle.Wait()
			e.handle = nil
			metrics.ActiveWorkers.Dec()
			return
		case <-time.After(e.opts.Grace):
		}
	}
	e.killLocked()
}

// Close shuts the worker down and discards the environment unless it is
// configured to persist.
func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == executor.StateClosed {
		return nil
	}
	wasStarted := e.state == executor.StateRunning
	e.state = executor.StateClosed

	if wasStarted {
		e.shutdownLocked()
	}
	if e.env != nil && !e.opts.PersistEnv {
		if err := e.envMgr.Discard(e.env); err != nil {
			return fmt.Errorf("discard env: %w", err)
		}
	}
	return nil
}

// Supports reports the backend's capabilities.
func (e *Executor) Supports(c executor.Capability) bool {
	switch c {
	case executor.CapTimeout, executor.CapReset, executor.CapProcessIsolation:
		return true
	default:
		return false
	}
}

// SupportedCapabilities lists the backend's capabilities.
func (e *Executor) SupportedCapabilities() []executor.Capability {
	return executor.CapabilitiesOf(e.Supports)
}

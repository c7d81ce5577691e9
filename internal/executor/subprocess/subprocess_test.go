package subprocess

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/HyphaGroup/reliquary/internal/executor"
	"github.com/HyphaGroup/reliquary/internal/provider"
	"github.com/HyphaGroup/reliquary/internal/rpc"
	"github.com/HyphaGroup/reliquary/internal/worker"
)

// pipeHandle runs a real worker loop over in-memory pipes, standing in for
// the spawned process.
type pipeHandle struct {
	stdin    io.WriteCloser
	stdout   io.Reader
	cancel   context.CancelFunc
	done     chan error
	waitOnce sync.Once
}

func (h *pipeHandle) Stdin() io.WriteCloser { return h.stdin }
func (h *pipeHandle) Stdout() io.Reader     { return h.stdout }
func (h *pipeHandle) Kill() error {
	h.cancel()
	return nil
}
func (h *pipeHandle) Wait() error {
	var err error
	h.waitOnce.Do(func() {
		select {
		case err = <-h.done:
		case <-time.After(2 * time.Second):
			err = errors.New("worker loop did not exit")
		}
	})
	return err
}

func startPipeWorker(env *WorkerEnv) (workerHandle, error) {
	hostRead, workWrite := io.Pipe()
	workRead, hostWrite := io.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	w := worker.New(workRead, workWrite)
	done := make(chan error, 1)
	go func() {
		done <- w.Loop(ctx)
		workWrite.Close()
	}()

	return &pipeHandle{
		stdin:  hostWrite,
		stdout: hostRead,
		cancel: cancel,
		done:   done,
	}, nil
}

type memTools struct {
	mu    sync.Mutex
	calls []string
}

func (m *memTools) List(ctx context.Context) ([]provider.ToolDescriptor, error) {
	return []provider.ToolDescriptor{{
		Name:      "echo",
		Callables: []provider.CallableDescriptor{{Name: "say"}},
	}}, nil
}

func (m *memTools) Call(ctx context.Context, tool, callable string, args map[string]any) (any, error) {
	m.mu.Lock()
	m.calls = append(m.calls, tool+"."+callable)
	m.mu.Unlock()
	text, _ := args["text"].(string)
	return "echo:" + text, nil
}

func newBridged(t *testing.T, providers provider.Providers) *Executor {
	t.Helper()
	e := New(Options{CacheDir: t.TempDir(), SpecName: "test", Grace: time.Second})
	e.startProcess = startPipeWorker
	if err := e.Start(providers); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestBridgeRunValue(t *testing.T) {
	e := newBridged(t, provider.Providers{})
	r, err := e.Run("print(\"sub\")\n2 * 128", 5*time.Second)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if r.Failed() {
		t.Fatalf("Run() result error = %q", r.Error)
	}
	if r.Value != float64(256) {
		t.Errorf("Value = %v (%T), want 256", r.Value, r.Value)
	}
	if r.Stdout != "sub\n" {
		t.Errorf("Stdout = %q, want sub", r.Stdout)
	}
}

func TestBridgeStatePersistsAndResetClears(t *testing.T) {
	e := newBridged(t, provider.Providers{})
	if _, err := e.Run("total = 40", 5*time.Second); err != nil {
		t.Fatal(err)
	}
	r, err := e.Run("total + 2", 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if r.Value != float64(42) {
		t.Errorf("total + 2 = %v, want 42", r.Value)
	}

	if err := e.Reset(); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	r, err = e.Run("total", 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !r.Failed() {
		t.Error("total still defined after Reset")
	}
}

func TestBridgeToolCallRoundTrip(t *testing.T) {
	tools := &memTools{}
	e := newBridged(t, provider.Providers{Tools: tools})

	r, err := e.Run(`tools.echo.say(text="over the bridge")`, 5*time.Second)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if r.Failed() {
		t.Fatalf("Run() result error = %q", r.Error)
	}
	if r.Value != "echo:over the bridge" {
		t.Errorf("Value = %v, want echoed text", r.Value)
	}
	tools.mu.Lock()
	defer tools.mu.Unlock()
	if len(tools.calls) != 1 || tools.calls[0] != "echo.say" {
		t.Errorf("provider calls = %v, want one echo.say", tools.calls)
	}
}

func TestBridgeExecutionError(t *testing.T) {
	e := newBridged(t, provider.Providers{})
	r, err := e.Run("fail(\"worker side failure\")", 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !r.Failed() || !strings.Contains(r.Error, "worker side failure") {
		t.Errorf("result = %+v, want execution error", r)
	}
	if r.Value != nil {
		t.Errorf("Value = %v, want nil on error", r.Value)
	}
}

func TestBridgeTimeoutRestartsWorker(t *testing.T) {
	e := newBridged(t, provider.Providers{})
	r, err := e.Run("n = 0\nfor i in range(1000000000):\n    n += i", 50*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if !r.Failed() || !strings.Contains(r.Error, "timed out") {
		t.Errorf("result = %+v, want timeout error", r)
	}

	// Worker was replaced; the executor must still serve runs.
	r, err = e.Run("1 + 1", 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if r.Failed() || r.Value != float64(2) {
		t.Errorf("post-timeout run = %+v, want 2", r)
	}
}

// blockedTools parks every call until released, standing in for a provider
// that answers only after the run that asked has already timed out.
type blockedTools struct {
	release chan struct{}
}

func (b *blockedTools) List(ctx context.Context) ([]provider.ToolDescriptor, error) {
	return []provider.ToolDescriptor{{
		Name:      "echo",
		Callables: []provider.CallableDescriptor{{Name: "say"}},
	}}, nil
}

func (b *blockedTools) Call(ctx context.Context, tool, callable string, args map[string]any) (any, error) {
	<-b.release
	return "late", nil
}

func TestBridgeStaleResponseAfterRestart(t *testing.T) {
	tools := &blockedTools{release: make(chan struct{})}
	e := newBridged(t, provider.Providers{Tools: tools})

	r, err := e.Run(`tools.echo.say(text="never")`, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !r.Failed() || !strings.Contains(r.Error, "timed out") {
		t.Fatalf("result = %+v, want timeout error", r)
	}

	// The dispatch goroutine now answers into the dead worker's pipe; the
	// replacement worker's stream must stay intact.
	close(tools.release)

	r, err = e.Run("1 + 1", 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if r.Failed() || r.Value != float64(2) {
		t.Errorf("post-restart run = %+v, want 2", r)
	}
}

func TestRunBeforeStart(t *testing.T) {
	e := New(Options{CacheDir: t.TempDir()})
	if _, err := e.Run("1", 0); !errors.Is(err, executor.ErrNotStarted) {
		t.Errorf("Run() before Start error = %v, want ErrNotStarted", err)
	}
}

func TestRunAfterClose(t *testing.T) {
	e := newBridged(t, provider.Providers{})
	if err := e.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	r, err := e.Run("1", 0)
	if err != nil {
		t.Fatalf("Run() after Close error = %v, want result", err)
	}
	if !r.Failed() {
		t.Error("Run() after Close succeeded, want closed error result")
	}
	if err := e.Close(); err != nil {
		t.Errorf("second Close() error = %v, want nil", err)
	}
}

func TestSupports(t *testing.T) {
	e := New(Options{CacheDir: "unused"})
	for _, c := range []executor.Capability{executor.CapTimeout, executor.CapReset, executor.CapProcessIsolation} {
		if !e.Supports(c) {
			t.Errorf("Supports(%s) = false, want true", c)
		}
	}
	if e.Supports(executor.CapNetworkIsolation) {
		t.Error("Supports(NETWORK_ISOLATION) = true, want false")
	}
}

func TestDispatchRouting(t *testing.T) {
	tools := &memTools{}
	p := provider.Providers{Tools: tools}

	resp := dispatch(context.Background(), p, rpc.NewRequest(1, "tools.call", map[string]any{
		"name": "echo", "callable": "say", "args": map[string]any{"text": "x"},
	}))
	if resp.Error != nil {
		t.Fatalf("dispatch(tools.call) error = %+v", resp.Error)
	}
	if resp.Result != "echo:x" {
		t.Errorf("dispatch result = %v, want echo:x", resp.Result)
	}

	resp = dispatch(context.Background(), p, rpc.NewRequest(2, "skills.list", nil))
	if resp.Error == nil || resp.Error.Namespace != "skills" {
		t.Errorf("dispatch(ungranted namespace) = %+v, want skills error", resp)
	}

	resp = dispatch(context.Background(), p, rpc.NewRequest(3, "nodot", nil))
	if resp.Error == nil || resp.Error.Type != "ProtocolError" {
		t.Errorf("dispatch(malformed method) = %+v, want ProtocolError", resp)
	}

	resp = dispatch(context.Background(), p, rpc.NewRequest(4, "tools.explode", nil))
	if resp.Error == nil {
		t.Error("dispatch(unknown operation) error = nil, want error")
	}
}

func TestEnvProvisionAndReuse(t *testing.T) {
	m := NewEnvManager(t.TempDir())

	env1, err := m.Provision("alpha")
	if err != nil {
		t.Fatalf("Provision() error = %v", err)
	}
	env2, err := m.Provision("alpha")
	if err != nil {
		t.Fatalf("second Provision() error = %v", err)
	}
	if env1.RootPath != env2.RootPath {
		t.Errorf("reuse gave different roots: %q vs %q", env1.RootPath, env2.RootPath)
	}

	names, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != "alpha" {
		t.Errorf("List() = %v, want [alpha]", names)
	}

	if err := m.Discard(env1); err != nil {
		t.Fatalf("Discard() error = %v", err)
	}
	names, _ = m.List()
	if len(names) != 0 {
		t.Errorf("List() after Discard = %v, want empty", names)
	}
}

func TestEnvRejectsBadName(t *testing.T) {
	m := NewEnvManager(t.TempDir())
	if _, err := m.Provision("../escape"); err == nil {
		t.Error("Provision(traversal name) = nil error, want rejection")
	}
}

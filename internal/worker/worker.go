// Package worker implements the isolated side of the execution bridge. A
// worker process reads lifecycle frames on stdin, runs agent code on its own
// interpreter, and reaches host providers through rpc_request frames
// interleaved on stdout.
package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.starlark.net/starlark"

	"github.com/HyphaGroup/reliquary/internal/interp"
	"github.com/HyphaGroup/reliquary/internal/logger"
	"github.com/HyphaGroup/reliquary/internal/namespace"
	"github.com/HyphaGroup/reliquary/internal/rpc"
)

// maxFrameSize bounds a single protocol frame on stdin.
const maxFrameSize = 10 * 1024 * 1024

// Worker is one worker process's protocol state.
type Worker struct {
	in  io.Reader
	out io.Writer

	writeMu sync.Mutex
	client  *rpc.Client

	mu     sync.Mutex
	engine *interp.Engine

	// work carries setup and execute frames to the execute loop. Setup
	// issues provider RPCs of its own, so it must never run on the read
	// loop that delivers their responses.
	work chan any
}

// New creates a worker speaking the wire protocol on the given streams.
func New(in io.Reader, out io.Writer) *Worker {
	w := &Worker{
		in:   in,
		out:  out,
		work: make(chan any, 1),
	}
	w.client = rpc.NewClient(lockedWriter{w})
	return w
}

// lockedWriter serializes rpc_request frames with lifecycle frames so
// interleaved writers never tear each other's lines.
type lockedWriter struct{ w *Worker }

func (lw lockedWriter) Write(p []byte) (int, error) {
	lw.w.writeMu.Lock()
	defer lw.w.writeMu.Unlock()
	return lw.w.out.Write(p)
}

func (w *Worker) send(v any) error {
	frame, err := rpc.Encode(v)
	if err != nil {
		return err
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_, err = w.out.Write(frame)
	return err
}

// Loop runs the protocol until stdin closes, a shutdown frame arrives, or
// ctx is canceled. The read loop stays responsive while code executes so
// rpc_response frames can be delivered mid-run.
func (w *Worker) Loop(ctx context.Context) error {
	defer w.client.Close()

	if err := w.send(rpc.ReadyMessage{
		Type:            rpc.TypeReady,
		ProtocolVersion: rpc.ProtocolVersion,
		PID:             os.Getpid(),
	}); err != nil {
		return fmt.Errorf("send ready: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.executeLoop(ctx)
	}()
	defer wg.Wait()
	defer close(w.work)

	scanner := bufio.NewScanner(w.in)
	scanner.Buffer(make([]byte, 0, 1024*1024), maxFrameSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		typ, err := rpc.PeekType(line)
		if err != nil {
			logger.Slog().Warn("dropping malformed frame", "err", err)
			continue
		}
		switch typ {
		case rpc.TypeRPCResponse:
			resp, err := rpc.ParseResponse(line)
			if err != nil {
				logger.Slog().Warn("dropping bad rpc response", "err", err)
				continue
			}
			w.client.Deliver(resp)

		case rpc.TypeSetup:
			var msg rpc.SetupMessage
			if err := unmarshalFrame(line, &msg); err != nil {
				logger.Slog().Warn("dropping bad setup frame", "err", err)
				continue
			}
			select {
			case w.work <- msg:
			case <-ctx.Done():
				return ctx.Err()
			}

		case rpc.TypeExecute:
			var msg rpc.ExecuteMessage
			if err := unmarshalFrame(line, &msg); err != nil {
				logger.Slog().Warn("dropping bad execute frame", "err", err)
				continue
			}
			select {
			case w.work <- msg:
			case <-ctx.Done():
				return ctx.Err()
			}

		case rpc.TypeShutdown:
			return nil

		default:
			logger.Slog().Warn("dropping frame with unexpected type", "type", typ)
		}
	}
	return scanner.Err()
}

// SetupRunID is the run id under which setup acknowledgements are reported.
const SetupRunID = "__setup__"

func unmarshalFrame(line []byte, v any) error {
	if err := json.Unmarshal(line, v); err != nil {
		return fmt.Errorf("%w: %v", rpc.ErrProtocol, err)
	}
	return nil
}

func (w *Worker) handleSetup(ctx context.Context, msg rpc.SetupMessage) {
	providers := proxyProviders(w.client, msg.Namespaces)
	bindings, err := namespace.Build(ctx, providers)
	if err != nil {
		w.send(rpc.ResultMessage{
			Type:  rpc.TypeResult,
			RunID: SetupRunID,
			Error: &rpc.WireError{
				Namespace: "worker",
				Operation: "setup",
				Message:   err.Error(),
				Type:      "SetupError",
			},
		})
		return
	}

	engine := interp.NewEngine(bindings)
	if msg.ModulesDir != "" {
		engine.SetLoadDir(msg.ModulesDir)
	}

	w.mu.Lock()
	w.engine = engine
	w.mu.Unlock()

	w.send(rpc.ResultMessage{Type: rpc.TypeResult, RunID: SetupRunID})
}

func (w *Worker) executeLoop(ctx context.Context) {
	for msg := range w.work {
		switch m := msg.(type) {
		case rpc.SetupMessage:
			w.handleSetup(ctx, m)
		case rpc.ExecuteMessage:
			w.execute(ctx, m)
		}
	}
}

func (w *Worker) execute(ctx context.Context, msg rpc.ExecuteMessage) {
	w.mu.Lock()
	engine := w.engine
	w.mu.Unlock()

	if engine == nil {
		w.send(rpc.ResultMessage{
			Type:  rpc.TypeResult,
			RunID: msg.RunID,
			Error: &rpc.WireError{
				Namespace: "worker",
				Operation: "execute",
				Message:   "execute before setup",
				Type:      "ProtocolError",
			},
		})
		return
	}

	var stdout strings.Builder
	var stdoutMu sync.Mutex
	thread := engine.NewThread(msg.RunID, func(line string) {
		stdoutMu.Lock()
		stdout.WriteString(line)
		stdout.WriteString("\n")
		stdoutMu.Unlock()
		w.send(rpc.OutputMessage{Type: rpc.TypeOutput, RunID: msg.RunID, Data: line + "\n"})
	})

	runCtx := ctx
	var cancel context.CancelFunc
	if msg.TimeoutMS > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(msg.TimeoutMS)*time.Millisecond)
		defer cancel()
	}
	namespace.SetContext(thread, runCtx)

	type outcome struct {
		value starlark.Value
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		value, err := engine.Exec(thread, msg.Code)
		done <- outcome{value, err}
	}()

	var timer <-chan time.Time
	if msg.TimeoutMS > 0 {
		t := time.NewTimer(time.Duration(msg.TimeoutMS) * time.Millisecond)
		defer t.Stop()
		timer = t.C
	}

	snapshot := func() string {
		stdoutMu.Lock()
		defer stdoutMu.Unlock()
		return stdout.String()
	}

	select {
	case out := <-done:
		if out.err != nil {
			w.send(rpc.ResultMessage{
				Type:   rpc.TypeResult,
				RunID:  msg.RunID,
				Stdout: snapshot(),
				Error: &rpc.WireError{
					Namespace: "worker",
					Operation: "execute",
					Message:   interp.RenderError(out.err),
					Type:      "ExecutionError",
				},
			})
			return
		}
		value, err := interp.ToGo(out.value)
		if err != nil {
			w.send(rpc.ResultMessage{
				Type:   rpc.TypeResult,
				RunID:  msg.RunID,
				Stdout: snapshot(),
				Error: &rpc.WireError{
					Namespace: "worker",
					Operation: "execute",
					Message:   err.Error(),
					Type:      "ExecutionError",
				},
			})
			return
		}
		w.send(rpc.ResultMessage{
			Type:   rpc.TypeResult,
			RunID:  msg.RunID,
			Value:  value,
			Stdout: snapshot(),
		})

	case <-timer:
		thread.Cancel("execution timed out")
		w.send(rpc.ResultMessage{
			Type:   rpc.TypeResult,
			RunID:  msg.RunID,
			Stdout: snapshot(),
			Error: &rpc.WireError{
				Namespace: "worker",
				Operation: "execute",
				Message:   fmt.Sprintf("execution timed out after %dms", msg.TimeoutMS),
				Type:      "TimeoutError",
			},
		})
	}
}

package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/HyphaGroup/reliquary/internal/rpc"
)

// harness drives a worker over in-memory pipes the way the host would.
type harness struct {
	t       *testing.T
	toWork  io.WriteCloser
	scanner *bufio.Scanner
	done    chan error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	hostIn, workOut := io.Pipe()
	workIn, hostOut := io.Pipe()

	w := New(workIn, workOut)
	done := make(chan error, 1)
	go func() { done <- w.Loop(context.Background()) }()

	h := &harness{
		t:       t,
		toWork:  hostOut,
		scanner: bufio.NewScanner(hostIn),
		done:    done,
	}
	h.scanner.Buffer(make([]byte, 0, 1024*1024), maxFrameSize)
	t.Cleanup(func() {
		hostOut.Close()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("worker loop did not exit")
		}
	})
	return h
}

func (h *harness) send(v any) {
	h.t.Helper()
	frame, err := rpc.Encode(v)
	if err != nil {
		h.t.Fatal(err)
	}
	if _, err := h.toWork.Write(frame); err != nil {
		h.t.Fatal(err)
	}
}

func (h *harness) next() []byte {
	h.t.Helper()
	if !h.scanner.Scan() {
		h.t.Fatalf("worker stream closed: %v", h.scanner.Err())
	}
	return append([]byte(nil), h.scanner.Bytes()...)
}

func (h *harness) expectReady() {
	h.t.Helper()
	var ready rpc.ReadyMessage
	if err := json.Unmarshal(h.next(), &ready); err != nil {
		h.t.Fatal(err)
	}
	if ready.Type != rpc.TypeReady {
		h.t.Fatalf("first frame type = %q, want ready", ready.Type)
	}
	if ready.ProtocolVersion != rpc.ProtocolVersion {
		h.t.Fatalf("protocol version = %d, want %d", ready.ProtocolVersion, rpc.ProtocolVersion)
	}
}

func (h *harness) setup(namespaces ...string) {
	h.t.Helper()
	h.send(rpc.SetupMessage{Type: rpc.TypeSetup, Namespaces: namespaces})
	var result rpc.ResultMessage
	if err := json.Unmarshal(h.next(), &result); err != nil {
		h.t.Fatal(err)
	}
	if result.RunID != SetupRunID || result.Error != nil {
		h.t.Fatalf("setup ack = %+v, want clean ack", result)
	}
}

// collectResult reads frames until the result for runID arrives, answering
// rpc requests with the given responder and accumulating output frames.
func (h *harness) collectResult(runID string, respond func(*rpc.Request) *rpc.Response) (rpc.ResultMessage, string) {
	h.t.Helper()
	var streamed strings.Builder
	for {
		line := h.next()
		typ, err := rpc.PeekType(line)
		if err != nil {
			h.t.Fatal(err)
		}
		switch typ {
		case rpc.TypeOutput:
			var out rpc.OutputMessage
			if err := json.Unmarshal(line, &out); err != nil {
				h.t.Fatal(err)
			}
			streamed.WriteString(out.Data)
		case rpc.TypeResult:
			var result rpc.ResultMessage
			if err := json.Unmarshal(line, &result); err != nil {
				h.t.Fatal(err)
			}
			if result.RunID != runID {
				h.t.Fatalf("result run id = %q, want %q", result.RunID, runID)
			}
			return result, streamed.String()
		case rpc.TypeRPCRequest:
			var req rpc.Request
			if err := json.Unmarshal(line, &req); err != nil {
				h.t.Fatal(err)
			}
			if respond == nil {
				h.t.Fatalf("unexpected rpc request %s", req.Method)
			}
			h.send(respond(&req))
		default:
			h.t.Fatalf("unexpected frame type %q", typ)
		}
	}
}

func TestWorkerExecute(t *testing.T) {
	h := newHarness(t)
	h.expectReady()
	h.setup()

	h.send(rpc.ExecuteMessage{Type: rpc.TypeExecute, RunID: "r1", Code: "print(\"hi\")\n6 * 7"})
	result, streamed := h.collectResult("r1", nil)

	if result.Error != nil {
		t.Fatalf("result error = %+v", result.Error)
	}
	if result.Value != float64(42) {
		t.Errorf("value = %v (%T), want 42", result.Value, result.Value)
	}
	if result.Stdout != "hi\n" {
		t.Errorf("stdout = %q, want hi", result.Stdout)
	}
	if streamed != "hi\n" {
		t.Errorf("streamed output = %q, want hi", streamed)
	}
}

func TestWorkerStatePersistsAcrossExecutes(t *testing.T) {
	h := newHarness(t)
	h.expectReady()
	h.setup()

	h.send(rpc.ExecuteMessage{Type: rpc.TypeExecute, RunID: "r1", Code: "x = 5"})
	h.collectResult("r1", nil)

	h.send(rpc.ExecuteMessage{Type: rpc.TypeExecute, RunID: "r2", Code: "x + 1"})
	result, _ := h.collectResult("r2", nil)
	if result.Value != float64(6) {
		t.Errorf("x + 1 = %v, want 6", result.Value)
	}
}

func TestWorkerExecuteBeforeSetup(t *testing.T) {
	h := newHarness(t)
	h.expectReady()

	h.send(rpc.ExecuteMessage{Type: rpc.TypeExecute, RunID: "r1", Code: "1"})
	result, _ := h.collectResult("r1", nil)
	if result.Error == nil || result.Error.Type != "ProtocolError" {
		t.Errorf("result = %+v, want ProtocolError", result)
	}
}

func TestWorkerRPCBridgeDuringExecution(t *testing.T) {
	h := newHarness(t)
	h.expectReady()

	// Setup with tools triggers a tools.list rpc before the ack.
	h.send(rpc.SetupMessage{Type: rpc.TypeSetup, Namespaces: []string{"tools"}})
	for {
		line := h.next()
		typ, err := rpc.PeekType(line)
		if err != nil {
			t.Fatal(err)
		}
		if typ == rpc.TypeRPCRequest {
			var req rpc.Request
			if err := json.Unmarshal(line, &req); err != nil {
				t.Fatal(err)
			}
			if req.Method != "tools.list" {
				t.Fatalf("setup rpc method = %q, want tools.list", req.Method)
			}
			h.send(rpc.NewResult(req.ID, []any{
				map[string]any{
					"name":      "echo",
					"callables": []any{map[string]any{"name": "say"}},
				},
			}))
			continue
		}
		var result rpc.ResultMessage
		if err := json.Unmarshal(line, &result); err != nil {
			t.Fatal(err)
		}
		if result.Error != nil {
			t.Fatalf("setup failed: %+v", result.Error)
		}
		break
	}

	h.send(rpc.ExecuteMessage{Type: rpc.TypeExecute, RunID: "r1", Code: `tools.echo.say(text="ping")`})
	result, _ := h.collectResult("r1", func(req *rpc.Request) *rpc.Response {
		if req.Method != "tools.call" {
			t.Fatalf("rpc method = %q, want tools.call", req.Method)
		}
		args, _ := req.Params["args"].(map[string]any)
		return rpc.NewResult(req.ID, "pong:"+args["text"].(string))
	})

	if result.Error != nil {
		t.Fatalf("result error = %+v", result.Error)
	}
	if result.Value != "pong:ping" {
		t.Errorf("value = %v, want pong:ping", result.Value)
	}
}

func TestWorkerRPCErrorSurfacesInExecution(t *testing.T) {
	h := newHarness(t)
	h.expectReady()
	h.send(rpc.SetupMessage{Type: rpc.TypeSetup, Namespaces: []string{"deps"}})
	var ack rpc.ResultMessage
	if err := json.Unmarshal(h.next(), &ack); err != nil {
		t.Fatal(err)
	}

	h.send(rpc.ExecuteMessage{Type: rpc.TypeExecute, RunID: "r1", Code: `deps.add(spec="bad;spec")`})
	result, _ := h.collectResult("r1", func(req *rpc.Request) *rpc.Response {
		return rpc.NewError(req.ID, &rpc.WireError{
			Namespace: "deps", Operation: "add",
			Message: "invalid package spec", Type: "ValidationError",
		})
	})
	if result.Error == nil || !strings.Contains(result.Error.Message, "invalid package spec") {
		t.Errorf("result = %+v, want provider error surfaced", result)
	}
}

func TestWorkerTimeout(t *testing.T) {
	h := newHarness(t)
	h.expectReady()
	h.setup()

	h.send(rpc.ExecuteMessage{
		Type:      rpc.TypeExecute,
		RunID:     "slow",
		Code:      "n = 0\nfor i in range(1000000000):\n    n += i",
		TimeoutMS: 50,
	})
	result, _ := h.collectResult("slow", nil)
	if result.Error == nil || result.Error.Type != "TimeoutError" {
		t.Errorf("result = %+v, want TimeoutError", result)
	}
}

func TestWorkerShutdown(t *testing.T) {
	h := newHarness(t)
	h.expectReady()
	h.send(rpc.ShutdownMessage{Type: rpc.TypeShutdown})
	select {
	case err := <-h.done:
		if err != nil {
			t.Errorf("Loop() after shutdown = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("worker did not exit on shutdown")
	}
}

func TestHTTPServerExecuteAndReset(t *testing.T) {
	srv := httptest.NewServer(NewHTTPServer().Handler())
	defer srv.Close()

	post := func(path, body string) map[string]any {
		t.Helper()
		resp, err := http.Post(srv.URL+path, "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		var out map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatal(err)
		}
		return out
	}

	out := post("/execute", `{"code": "y = 3\ny * y"}`)
	if out["value"] != float64(9) {
		t.Errorf("value = %v, want 9", out["value"])
	}

	post("/reset", `{}`)
	out = post("/execute", `{"code": "y"}`)
	if out["error"] == nil || out["error"] == "" {
		t.Errorf("y after reset = %v, want undefined error", out)
	}

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", resp.StatusCode)
	}
}

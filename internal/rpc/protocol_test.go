package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestRequestWireShape(t *testing.T) {
	frame, err := Encode(NewRequest(7, "tools.call", map[string]any{"name": "web"}))
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if !bytes.HasSuffix(frame, []byte("\n")) {
		t.Error("Encode() frame missing newline delimiter")
	}

	var decoded map[string]any
	if err := json.Unmarshal(frame, &decoded); err != nil {
		t.Fatalf("frame is not valid JSON: %v", err)
	}
	if decoded["type"] != "rpc_request" {
		t.Errorf("type = %v, want rpc_request", decoded["type"])
	}
	if decoded["method"] != "tools.call" {
		t.Errorf("method = %v, want tools.call", decoded["method"])
	}
	if decoded["id"] != float64(7) {
		t.Errorf("id = %v, want 7", decoded["id"])
	}
	if _, ok := decoded["params"].(map[string]any); !ok {
		t.Errorf("params = %T, want object", decoded["params"])
	}
}

func TestNewRequestNilParams(t *testing.T) {
	req := NewRequest(1, "skills.list", nil)
	if req.Params == nil {
		t.Error("NewRequest(nil params) left params nil, want empty object")
	}
}

func TestParseResponse(t *testing.T) {
	tests := []struct {
		name      string
		line      string
		wantErr   bool
		wantProto bool
	}{
		{
			name: "success result",
			line: `{"type":"rpc_response","id":1,"result":{"ok":true}}`,
		},
		{
			name: "structured error",
			line: `{"type":"rpc_response","id":2,"error":{"namespace":"tools","operation":"call","message":"boom","type":"ToolCallError"}}`,
		},
		{
			name:      "not json",
			line:      `{{{`,
			wantErr:   true,
			wantProto: true,
		},
		{
			name:      "wrong type",
			line:      `{"type":"rpc_request","id":3}`,
			wantErr:   true,
			wantProto: true,
		},
		{
			name:      "error missing fields",
			line:      `{"type":"rpc_response","id":4,"error":{"message":"partial"}}`,
			wantErr:   true,
			wantProto: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := ParseResponse([]byte(tt.line))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseResponse() = %+v, want error", resp)
				}
				if tt.wantProto && !errors.Is(err, ErrProtocol) {
					t.Errorf("ParseResponse() error = %v, want ErrProtocol", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseResponse() error = %v", err)
			}
		})
	}
}

func TestWireErrorRoundTrip(t *testing.T) {
	perr := &ProviderError{
		Namespace: "skills",
		Operation: "get",
		Kind:      "SkillNotFound",
		Err:       errors.New("no skill named x"),
	}
	back := perr.Wire().Err()

	var got *ProviderError
	if !errors.As(back, &got) {
		t.Fatalf("Err() = %T, want *ProviderError", back)
	}
	if got.Namespace != "skills" || got.Operation != "get" || got.Kind != "SkillNotFound" {
		t.Errorf("round-tripped error = %+v, want attribution preserved", got)
	}
	if got.Error() != "skills.get: no skill named x" {
		t.Errorf("Error() = %q", got.Error())
	}
}

func TestSplitMethod(t *testing.T) {
	ns, op, err := SplitMethod("artifacts.save")
	if err != nil {
		t.Fatalf("SplitMethod() error = %v", err)
	}
	if ns != "artifacts" || op != "save" {
		t.Errorf("SplitMethod() = (%q, %q), want (artifacts, save)", ns, op)
	}

	for _, bad := range []string{"", "nodot", ".op", "ns."} {
		if _, _, err := SplitMethod(bad); !errors.Is(err, ErrProtocol) {
			t.Errorf("SplitMethod(%q) error = %v, want ErrProtocol", bad, err)
		}
	}
}

func TestPeekType(t *testing.T) {
	typ, err := PeekType([]byte(`{"type":"output","run_id":"r1","data":"hi"}`))
	if err != nil {
		t.Fatalf("PeekType() error = %v", err)
	}
	if typ != TypeOutput {
		t.Errorf("PeekType() = %q, want output", typ)
	}
	if _, err := PeekType([]byte(`{"id":1}`)); !errors.Is(err, ErrProtocol) {
		t.Errorf("PeekType(no type) error = %v, want ErrProtocol", err)
	}
}

func TestClientCall(t *testing.T) {
	var buf bytes.Buffer
	c := NewClient(&buf)

	done := make(chan struct{})
	var result any
	var callErr error
	go func() {
		defer close(done)
		result, callErr = c.Call(context.Background(), "tools.list", nil)
	}()

	// Wait for the request frame to land, then answer it.
	deadline := time.After(2 * time.Second)
	for buf.Len() == 0 {
		select {
		case <-deadline:
			t.Fatal("request frame never written")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	var req Request
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &req); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	c.Deliver(NewResult(req.ID, []any{"web_search"}))

	<-done
	if callErr != nil {
		t.Fatalf("Call() error = %v", callErr)
	}
	list, ok := result.([]any)
	if !ok || len(list) != 1 || list[0] != "web_search" {
		t.Errorf("Call() result = %v, want [web_search]", result)
	}
}

func TestClientCallProviderError(t *testing.T) {
	var buf bytes.Buffer
	c := NewClient(&buf)

	done := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "skills.get", map[string]any{"name": "x"})
		done <- err
	}()

	deadline := time.After(2 * time.Second)
	for buf.Len() == 0 {
		select {
		case <-deadline:
			t.Fatal("request frame never written")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	var req Request
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &req); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	c.Deliver(NewError(req.ID, &WireError{
		Namespace: "skills", Operation: "get",
		Message: "no skill named x", Type: "SkillNotFound",
	}))

	err := <-done
	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("Call() error = %v, want *ProviderError", err)
	}
	if perr.Namespace != "skills" || perr.Operation != "get" {
		t.Errorf("error attribution = %s.%s, want skills.get", perr.Namespace, perr.Operation)
	}
}

func TestClientCallContextCancel(t *testing.T) {
	var buf bytes.Buffer
	c := NewClient(&buf)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Call(ctx, "deps.sync", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Call() error = %v, want DeadlineExceeded", err)
	}
}

func TestClientDeliverUnknownID(t *testing.T) {
	c := NewClient(&bytes.Buffer{})
	// Must not panic or block.
	c.Deliver(NewResult(999, "late"))
}

func TestClientClose(t *testing.T) {
	var buf bytes.Buffer
	c := NewClient(&buf)

	done := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "tools.list", nil)
		done <- err
	}()

	deadline := time.After(2 * time.Second)
	for buf.Len() == 0 {
		select {
		case <-deadline:
			t.Fatal("request frame never written")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	c.Close()

	if err := <-done; err == nil {
		t.Error("Call() after Close = nil, want error")
	}
	if _, err := c.Call(context.Background(), "tools.list", nil); err == nil {
		t.Error("Call() on closed client = nil, want error")
	}
}

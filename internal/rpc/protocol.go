// Package rpc implements the bidirectional bridge between an isolated worker
// and the host. Requests flow worker-to-host as newline-delimited JSON frames
// interleaved on the worker's stdout; responses flow host-to-worker on stdin.
// The same envelope carries worker lifecycle messages (ready, setup, execute,
// output, result, shutdown).
package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Message type discriminators used on the wire.
const (
	TypeRPCRequest  = "rpc_request"
	TypeRPCResponse = "rpc_response"
	TypeReady       = "ready"
	TypeSetup       = "setup"
	TypeExecute     = "execute"
	TypeOutput      = "output"
	TypeResult      = "result"
	TypeShutdown    = "shutdown"
)

// ErrProtocol indicates a frame that violates the wire protocol, as opposed
// to a well-formed frame carrying a provider error.
var ErrProtocol = errors.New("rpc protocol violation")

// Request is a provider call from the worker to the host.
type Request struct {
	Type   string         `json:"type"`
	ID     uint64         `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
}

// Response answers a Request. Exactly one of Result and Error is set.
type Response struct {
	Type   string     `json:"type"`
	ID     uint64     `json:"id"`
	Result any        `json:"result,omitempty"`
	Error  *WireError `json:"error,omitempty"`
}

// WireError is the structured error shape carried in a Response.
type WireError struct {
	Namespace string `json:"namespace"`
	Operation string `json:"operation"`
	Message   string `json:"message"`
	Type      string `json:"type"`
}

// ProviderError is a host-side provider failure attributed to the namespace
// operation that triggered it. It round-trips through WireError.
type ProviderError struct {
	Namespace string
	Operation string
	Kind      string
	Err       error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s.%s: %v", e.Namespace, e.Operation, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Wire converts the error to its on-wire shape.
func (e *ProviderError) Wire() *WireError {
	kind := e.Kind
	if kind == "" {
		kind = "ProviderError"
	}
	return &WireError{
		Namespace: e.Namespace,
		Operation: e.Operation,
		Message:   e.Err.Error(),
		Type:      kind,
	}
}

// Err converts a wire error back into a ProviderError on the calling side.
func (w *WireError) Err() error {
	return &ProviderError{
		Namespace: w.Namespace,
		Operation: w.Operation,
		Kind:      w.Type,
		Err:       errors.New(w.Message),
	}
}

// SplitMethod splits a dotted method name into namespace and operation.
func SplitMethod(method string) (namespace, operation string, err error) {
	namespace, operation, ok := strings.Cut(method, ".")
	if !ok || namespace == "" || operation == "" {
		return "", "", fmt.Errorf("%w: malformed method %q", ErrProtocol, method)
	}
	return namespace, operation, nil
}

// NewRequest builds a request frame for a provider call.
func NewRequest(id uint64, method string, params map[string]any) *Request {
	if params == nil {
		params = map[string]any{}
	}
	return &Request{Type: TypeRPCRequest, ID: id, Method: method, Params: params}
}

// NewResult builds a successful response frame.
func NewResult(id uint64, result any) *Response {
	return &Response{Type: TypeRPCResponse, ID: id, Result: result}
}

// NewError builds an error response frame.
func NewError(id uint64, werr *WireError) *Response {
	return &Response{Type: TypeRPCResponse, ID: id, Error: werr}
}

// ParseResponse decodes a response frame and checks its shape. A frame whose
// error field is present but missing required members is a protocol
// violation, not a provider error.
func ParseResponse(line []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if resp.Type != TypeRPCResponse {
		return nil, fmt.Errorf("%w: unexpected type %q", ErrProtocol, resp.Type)
	}
	if resp.Error != nil {
		if resp.Error.Namespace == "" || resp.Error.Operation == "" || resp.Error.Message == "" {
			return nil, fmt.Errorf("%w: incomplete error object in response %d", ErrProtocol, resp.ID)
		}
	}
	return &resp, nil
}

// PeekType extracts the type discriminator of a frame without fully decoding
// it, so readers can route frames to the right handler.
func PeekType(line []byte) (string, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(line, &head); err != nil {
		return "", fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if head.Type == "" {
		return "", fmt.Errorf("%w: frame missing type", ErrProtocol)
	}
	return head.Type, nil
}

// SetupMessage configures a freshly started worker.
type SetupMessage struct {
	Type       string   `json:"type"`
	Namespaces []string `json:"namespaces"`
	ModulesDir string   `json:"modules_dir,omitempty"`
}

// ExecuteMessage asks the worker to run one block of agent code.
type ExecuteMessage struct {
	Type      string `json:"type"`
	RunID     string `json:"run_id"`
	Code      string `json:"code"`
	TimeoutMS int64  `json:"timeout_ms,omitempty"`
}

// OutputMessage streams a chunk of captured stdout from a running execution.
type OutputMessage struct {
	Type  string `json:"type"`
	RunID string `json:"run_id"`
	Data  string `json:"data"`
}

// ResultMessage reports the outcome of one execution.
type ResultMessage struct {
	Type   string     `json:"type"`
	RunID  string     `json:"run_id"`
	Value  any        `json:"value,omitempty"`
	Error  *WireError `json:"error,omitempty"`
	Stdout string     `json:"stdout"`
}

// ReadyMessage is the first frame a worker writes after starting.
type ReadyMessage struct {
	Type            string `json:"type"`
	ProtocolVersion int    `json:"protocol_version"`
	PID             int    `json:"pid"`
}

// ShutdownMessage asks the worker to exit cleanly.
type ShutdownMessage struct {
	Type string `json:"type"`
}

// ProtocolVersion is bumped on incompatible wire changes. The host refuses
// workers advertising a different version.
const ProtocolVersion = 1

// Encode marshals a frame and appends the newline delimiter.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

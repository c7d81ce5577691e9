package worker

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.starlark.net/starlark"

	"github.com/HyphaGroup/reliquary/internal/interp"
	"github.com/HyphaGroup/reliquary/internal/logger"
)

// HTTPServer exposes the worker over HTTP for backends that cannot share
// stdio with the host, such as containers. Host provider callbacks are not
// available in this mode; the namespace holds no reserved bindings.
type HTTPServer struct {
	mu     sync.Mutex
	engine *interp.Engine
	runSeq int
}

// NewHTTPServer creates an HTTP-mode worker with an empty namespace.
func NewHTTPServer() *HTTPServer {
	return &HTTPServer{engine: interp.NewEngine(nil)}
}

// Handler returns the worker's HTTP routes.
func (s *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/execute", s.handleExecute)
	mux.HandleFunc("/reset", s.handleReset)
	return mux
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
}

type httpExecuteRequest struct {
	Code      string `json:"code"`
	TimeoutMS int64  `json:"timeout_ms,omitempty"`
}

type httpExecuteResponse struct {
	Value  any    `json:"value,omitempty"`
	Stdout string `json:"stdout"`
	Error  string `json:"error,omitempty"`
}

func (s *HTTPServer) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req httpExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.runSeq++
	runName := fmt.Sprintf("http-run-%d", s.runSeq)
	engine := s.engine
	s.mu.Unlock()

	var stdout strings.Builder
	var stdoutMu sync.Mutex
	thread := engine.NewThread(runName, func(line string) {
		stdoutMu.Lock()
		stdout.WriteString(line)
		stdout.WriteString("\n")
		stdoutMu.Unlock()
	})

	type outcome struct {
		value starlark.Value
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		value, err := engine.Exec(thread, req.Code)
		done <- outcome{value, err}
	}()

	var timer <-chan time.Time
	if req.TimeoutMS > 0 {
		t := time.NewTimer(time.Duration(req.TimeoutMS) * time.Millisecond)
		defer t.Stop()
		timer = t.C
	}

	snapshot := func() string {
		stdoutMu.Lock()
		defer stdoutMu.Unlock()
		return stdout.String()
	}

	resp := httpExecuteResponse{}
	select {
	case out := <-done:
		resp.Stdout = snapshot()
		if out.err != nil {
			resp.Error = interp.RenderError(out.err)
		} else {
			value, err := interp.ToGo(out.value)
			if err != nil {
				resp.Error = err.Error()
			} else {
				resp.Value = value
			}
		}
	case <-timer:
		thread.Cancel("execution timed out")
		logger.Slog().Warn("abandoning timed out http execution", "run", runName)
		resp.Stdout = snapshot()
		resp.Error = fmt.Sprintf("execution timed out after %dms", req.TimeoutMS)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *HTTPServer) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.mu.Lock()
	s.engine.Reset()
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"status": "reset"})
}

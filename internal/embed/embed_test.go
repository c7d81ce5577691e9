package embed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestOllamaEmbedder(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.URL.Path != "/api/embeddings" {
			http.NotFound(w, r)
			return
		}
		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)
		if req["model"] != "nomic-embed-text" {
			t.Errorf("model = %q, want nomic-embed-text", req["model"])
		}
		json.NewEncoder(w).Encode(map[string]any{
			"embedding": []float64{0.1, 0.2, float64(len(req["prompt"]))},
		})
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(srv.URL, "nomic-embed-text", 100)
	vecs, err := e.Embed(context.Background(), []string{"one", "longer text"})
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(vecs) != 2 {
		t.Fatalf("Embed() returned %d vectors, want 2", len(vecs))
	}
	if vecs[0][2] != 3 || vecs[1][2] != 11 {
		t.Errorf("vectors = %v, want per-text embeddings", vecs)
	}
	if requests.Load() != 2 {
		t.Errorf("requests = %d, want one per text", requests.Load())
	}
}

func TestOllamaEmbedderServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(srv.URL, "missing", 100)
	if _, err := e.Embed(context.Background(), []string{"x"}); err == nil {
		t.Error("Embed() against failing server = nil error")
	}
}

func TestDimensions(t *testing.T) {
	if Dimensions("nomic-embed-text") != 768 {
		t.Errorf("Dimensions(nomic-embed-text) = %d, want 768", Dimensions("nomic-embed-text"))
	}
	if Dimensions("unknown-model") != 0 {
		t.Error("Dimensions(unknown) != 0")
	}
}

type countingEmbedder struct {
	loads int
}

func (c *countingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return make([][]float32, len(texts)), nil
}

func TestLazyLoadsOnce(t *testing.T) {
	var loads atomic.Int64
	lazy := NewLazy(func(ctx context.Context) (Embedder, error) {
		loads.Add(1)
		time.Sleep(10 * time.Millisecond)
		return &countingEmbedder{}, nil
	})

	done := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := lazy.Embed(context.Background(), []string{"a"})
			done <- err
		}()
	}
	for i := 0; i < 3; i++ {
		if err := <-done; err != nil {
			t.Fatalf("Embed() error = %v", err)
		}
	}
	if loads.Load() != 1 {
		t.Errorf("load ran %d times, want 1", loads.Load())
	}
}

func TestLazyLoadFailure(t *testing.T) {
	lazy := NewLazy(func(ctx context.Context) (Embedder, error) {
		return nil, errors.New("backend down")
	})
	if _, err := lazy.Embed(context.Background(), []string{"a"}); err == nil {
		t.Error("Embed() with failing load = nil error")
	}
}

func TestLazyContextCancel(t *testing.T) {
	block := make(chan struct{})
	lazy := NewLazy(func(ctx context.Context) (Embedder, error) {
		<-block
		return &countingEmbedder{}, nil
	})
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := lazy.Embed(ctx, []string{"a"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Embed() error = %v, want DeadlineExceeded", err)
	}
}

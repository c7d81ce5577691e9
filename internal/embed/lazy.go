package embed

import (
	"context"
	"fmt"
	"sync"

	"github.com/HyphaGroup/reliquary/internal/logger"
)

// Embedder is what the skill index consumes.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Lazy defers embedder readiness to first use. Loading a model into the
// serving backend can take minutes; the session comes up immediately and
// only a search that actually needs vectors waits.
type Lazy struct {
	mu      sync.Mutex
	inner   Embedder
	load    func(ctx context.Context) (Embedder, error)
	loading chan struct{}
	err     error
}

// NewLazy wraps a load function that produces the real embedder.
func NewLazy(load func(ctx context.Context) (Embedder, error)) *Lazy {
	return &Lazy{load: load}
}

// StartLoading begins loading in the background. Optional; Embed loads on
// demand either way.
func (l *Lazy) StartLoading() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inner != nil || l.loading != nil {
		return
	}
	ch := make(chan struct{})
	l.loading = ch
	go func() {
		inner, err := l.load(context.Background())
		l.mu.Lock()
		l.inner, l.err = inner, err
		l.loading = nil
		l.mu.Unlock()
		close(ch)
		if err != nil {
			logger.Slog().Error("embedder failed to load", "err", err)
		}
	}()
}

func (l *Lazy) ensureReady(ctx context.Context) (Embedder, error) {
	l.mu.Lock()
	if l.inner != nil {
		inner := l.inner
		l.mu.Unlock()
		return inner, nil
	}
	if l.err != nil {
		err := l.err
		l.mu.Unlock()
		return nil, err
	}
	ch := l.loading
	l.mu.Unlock()

	if ch == nil {
		l.StartLoading()
		l.mu.Lock()
		ch = l.loading
		l.mu.Unlock()
		if ch == nil {
			// Load finished between StartLoading and here.
			return l.ensureReady(ctx)
		}
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-ch:
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, fmt.Errorf("embedder unavailable: %w", l.err)
	}
	return l.inner, nil
}

// Embed waits for the underlying embedder and delegates.
func (l *Lazy) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	inner, err := l.ensureReady(ctx)
	if err != nil {
		return nil, err
	}
	return inner.Embed(ctx, texts)
}

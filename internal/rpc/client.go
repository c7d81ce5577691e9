package rpc

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/HyphaGroup/reliquary/internal/logger"
)

// Client issues provider calls from the worker side of the bridge and
// correlates responses by id. Frames are written to w (the worker's stdout)
// and responses are delivered by the owning read loop via Deliver.
type Client struct {
	mu      sync.Mutex
	w       io.Writer
	nextID  atomic.Uint64
	pending map[uint64]chan *Response
	closed  bool
}

// NewClient creates a client writing request frames to w.
func NewClient(w io.Writer) *Client {
	return &Client{
		w:       w,
		pending: make(map[uint64]chan *Response),
	}
}

// Call sends one request and blocks until its response arrives or ctx is
// done. The returned error is either a transport failure, a context error,
// or a ProviderError reconstructed from the wire.
func (c *Client) Call(ctx context.Context, method string, params map[string]any) (any, error) {
	id := c.nextID.Add(1)
	ch := make(chan *Response, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("rpc client closed")
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	frame, err := Encode(NewRequest(id, method, params))
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	c.mu.Lock()
	_, err = c.w.Write(frame)
	c.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error.Err()
		}
		return resp.Result, nil
	}
}

// Deliver routes a response frame to its waiting caller. Responses with
// unknown ids are logged and dropped; they are late answers to calls that
// already gave up.
func (c *Client) Deliver(resp *Response) {
	c.mu.Lock()
	ch, ok := c.pending[resp.ID]
	c.mu.Unlock()
	if !ok {
		logger.Slog().Warn("dropping rpc response with unknown id", "id", resp.ID)
		return
	}
	ch <- resp
}

// Close fails all pending calls and rejects new ones.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for id, ch := range c.pending {
		ch <- NewError(id, &WireError{
			Namespace: "rpc",
			Operation: "call",
			Message:   "connection closed",
			Type:      "TransportError",
		})
		delete(c.pending, id)
	}
}

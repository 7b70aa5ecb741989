package vectorstore

import (
	"context"
	"sync"

	"concierge/internal/embedding"
	"concierge/internal/logging"
)

// Handle lazily initializes a shared Client on first use. Concurrent first
// callers collapse to a single physical client; the heartbeat runs once and
// a failed heartbeat leaves the handle uninitialized so the next call
// retries. The handle is injected into consumers rather than reached
// through a package global.
type Handle struct {
	mu       sync.Mutex
	client   *Client
	cfg      Config
	embedder embedding.Engine
}

// NewHandle creates an uninitialized handle.
func NewHandle(cfg Config, embedder embedding.Engine) *Handle {
	return &Handle{cfg: cfg, embedder: embedder}
}

// Get returns the shared client, creating and heartbeat-checking it on
// first use.
func (h *Handle) Get(ctx context.Context) (*Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.client != nil {
		return h.client, nil
	}

	client := NewClient(h.cfg, h.embedder)
	if err := client.Heartbeat(ctx); err != nil {
		logging.RetrievalWarn("Vector store connect failed: %v", err)
		return nil, err
	}

	logging.Retrieval("Vector store connected: %s", h.cfg.BaseURL)
	h.client = client
	return h.client, nil
}
